package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/complykit/auditledger/internal/aead"
	"github.com/complykit/auditledger/internal/checkpoint"
	"github.com/complykit/auditledger/internal/config"
	"github.com/complykit/auditledger/internal/halt"
	"github.com/complykit/auditledger/internal/ledger"
	"github.com/complykit/auditledger/internal/protect"
	"github.com/complykit/auditledger/internal/secret"
)

// ============================================================================
// ledgerctl halt / resume / halted — Chain halts
// ============================================================================

var haltReason string

// haltCmd writes the shared halt list directly. Running services pick up
// the change through their file watcher; no secrets are needed.
var haltCmd = &cobra.Command{
	Use:   "halt <chain>",
	Short: "Stop all appends to a chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := openHalts()
		if err != nil {
			return err
		}
		if err := list.HaltBy(args[0], haltReason, operator()); err != nil {
			return fmt.Errorf("failed to halt chain: %w", err)
		}
		fmt.Printf("[ledgerctl] Chain %s HALTED. Appends are refused until 'ledgerctl resume %s'.\n", args[0], args[0])
		return nil
	},
}

var resumeForce bool

var resumeCmd = &cobra.Command{
	Use:   "resume <chain>",
	Short: "Reopen a halted chain",
	Long: `Reopen a halted chain. The chain is verified first and stays halted
if verification fails. --force skips verification.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chainID := args[0]
		list, err := openHalts()
		if err != nil {
			return err
		}
		entry, ok := list.Get(chainID)
		if !ok {
			fmt.Printf("[ledgerctl] Chain %s is not halted.\n", chainID)
			return nil
		}

		if !resumeForce {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.VerifyChain(cmd.Context(), chainID, ledger.Range{From: new(uint64)})
			if err != nil {
				return err
			}
			if !res.Valid {
				printResults([]ledger.ChainResult{res})
				return fmt.Errorf("chain %s failed verification; it stays halted", chainID)
			}
			fmt.Printf("[ledgerctl] Verified %d records.\n", res.Checked)
		}

		if err := list.Resume(chainID); err != nil {
			return fmt.Errorf("failed to resume chain: %w", err)
		}
		fmt.Printf("[ledgerctl] Chain %s resumed (was halted: %s).\n", chainID, entry.Reason)
		return nil
	},
}

var haltedCmd = &cobra.Command{
	Use:   "halted",
	Short: "List halted chains",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := openHalts()
		if err != nil {
			return err
		}
		entries := list.Entries()
		if len(entries) == 0 {
			fmt.Println("No halted chains.")
			return nil
		}
		fmt.Printf("%-30s %-20s %-12s %s\n", "CHAIN", "HALTED AT", "BY", "REASON")
		fmt.Println(strings.Repeat("-", 80))
		for _, e := range entries {
			fmt.Printf("%-30s %-20s %-12s %s\n", e.Chain, e.HaltedAt.Format("2006-01-02 15:04:05"), e.HaltedBy, e.Reason)
		}
		return nil
	},
}

func init() {
	haltCmd.Flags().StringVar(&haltReason, "reason", "", "Why the chain is halted")
	haltCmd.MarkFlagRequired("reason")
	resumeCmd.Flags().BoolVar(&resumeForce, "force", false, "Resume without verifying the chain")
}

func openHalts() (*halt.List, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return halt.Open(cfg.Path(config.HaltFile))
}

func operator() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "ledgerctl"
}

// ============================================================================
// ledgerctl encrypt / decrypt — Payload encryption
// ============================================================================

var cryptContext string

var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt stdin into a JSON blob",
	Long: `Encrypt stdin with the active master secret and print the encrypted
blob as JSON. The same --context must be given to decrypt.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		plaintext, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		blob, err := a.EncryptPayload(plaintext, cryptContext)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(blob)
	},
}

var decryptBase64 bool

var decryptCmd = &cobra.Command{
	Use:   "decrypt",
	Short: "Decrypt a JSON blob from stdin",
	RunE: func(cmd *cobra.Command, args []string) error {
		var blob aead.Blob
		if err := json.NewDecoder(cmd.InOrStdin()).Decode(&blob); err != nil {
			return fmt.Errorf("reading blob: %w", err)
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		plaintext, err := a.DecryptPayload(&blob, cryptContext)
		if err != nil {
			return err
		}
		if decryptBase64 {
			fmt.Println(base64.StdEncoding.EncodeToString(plaintext))
			return nil
		}
		_, err = os.Stdout.Write(plaintext)
		return err
	},
}

func init() {
	encryptCmd.Flags().StringVar(&cryptContext, "context", "", "Context bound into the ciphertext")
	decryptCmd.Flags().StringVar(&cryptContext, "context", "", "Context the blob was encrypted with")
	decryptCmd.Flags().BoolVar(&decryptBase64, "base64", false, "Print plaintext base64-encoded")
}

// ============================================================================
// ledgerctl anchor — External anchors
// ============================================================================

var anchorCmd = &cobra.Command{
	Use:   "anchor",
	Short: "Publish or check external anchors",
	Long: `Anchors are signed copies of a chain tail written to write-once
storage (a local directory or an S3 bucket with object lock). Checking an
anchor detects a chain that was rewritten and re-signed wholesale.`,
}

var anchorPublishCmd = &cobra.Command{
	Use:   "publish <chain>",
	Short: "Publish the current tail of a chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		an, err := a.PublishAnchor(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("[ledgerctl] Anchored %s at #%d (%s)\n", an.ChainID, an.Sequence, an.ChainHash)
		return nil
	},
}

var anchorCheckCmd = &cobra.Command{
	Use:   "check <chain>",
	Short: "Check a chain against its latest anchor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		an, err := a.CheckAnchor(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("[ledgerctl] Chain %s matches anchor #%d published %s\n",
			an.ChainID, an.Sequence, an.PublishedAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

func init() {
	anchorCmd.AddCommand(anchorPublishCmd)
	anchorCmd.AddCommand(anchorCheckCmd)
}

// ============================================================================
// ledgerctl checkpoints — Verification checkpoints
// ============================================================================

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "List or reset verification checkpoints",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List verification checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openCheckpoints()
		if err != nil {
			return err
		}
		cps := reg.List()
		if len(cps) == 0 {
			fmt.Println("No checkpoints.")
			return nil
		}
		fmt.Printf("%-30s %-10s %-20s %s\n", "CHAIN", "SEQUENCE", "VERIFIED AT", "HASH")
		fmt.Println(strings.Repeat("-", 80))
		for _, cp := range cps {
			fmt.Printf("%-30s %-10d %-20s %.16s\n", cp.ChainID, cp.Sequence, cp.VerifiedAt.Format("2006-01-02 15:04:05"), cp.ChainHash)
		}
		return nil
	},
}

var checkpointsResetCmd = &cobra.Command{
	Use:   "reset <chain>",
	Short: "Forget a checkpoint so the next verify walks the whole chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openCheckpoints()
		if err != nil {
			return err
		}
		if err := reg.Reset(args[0]); err != nil {
			return err
		}
		fmt.Printf("[ledgerctl] Checkpoint for %s cleared.\n", args[0])
		return nil
	},
}

func init() {
	checkpointsCmd.AddCommand(checkpointsListCmd)
	checkpointsCmd.AddCommand(checkpointsResetCmd)
}

func openCheckpoints() (*checkpoint.Registry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return checkpoint.Open(cfg.Path(config.CheckpointFile))
}

// ============================================================================
// ledgerctl protect — Field protection policy
// ============================================================================

var protectCmd = &cobra.Command{
	Use:   "protect",
	Short: "Inspect the field protection policy",
}

var protectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List protection rules in evaluation order",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// Listing rules never seals anything, so no codec is needed.
		policy, err := protect.New(cfg.Path(config.ProtectFile), nil)
		if err != nil {
			return err
		}
		fmt.Printf("%-28s %-8s %-8s %s\n", "RULE", "SOURCE", "ACTION", "FIELDS")
		fmt.Println(strings.Repeat("-", 80))
		for _, r := range policy.Rules() {
			source := "custom"
			if r.Builtin {
				source = "builtin"
			}
			fmt.Printf("%-28s %-8s %-8s %s\n", r.Name, source, r.Action, strings.Join(r.Fields, ", "))
		}
		return nil
	},
}

var protectInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default protect.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path := cfg.Path(config.ProtectFile)
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := protect.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("[ledgerctl] Wrote %s\n", path)
		return nil
	},
}

func init() {
	protectCmd.AddCommand(protectListCmd)
	protectCmd.AddCommand(protectInitCmd)
}

// ============================================================================
// ledgerctl config — Configuration
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or generate ledger.yaml",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Printf("# %s\n", configPath())
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	},
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a default ledger.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := os.MkdirAll(configDir, 0o700); err != nil {
			return err
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("[ledgerctl] Wrote %s\n", path)
		return nil
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config and resolve every secret reference",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		secrets := secret.Default()
		failed := 0
		for _, s := range cfg.Encryption.Secrets {
			if _, err := secrets.ResolveDecoded(cmd.Context(), s.Ref, s.Encoding); err != nil {
				fmt.Printf("  %-16s FAIL  %v\n", s.KeyID, err)
				failed++
				continue
			}
			fmt.Printf("  %-16s OK    %s\n", s.KeyID, s.Ref)
		}
		if failed > 0 {
			return fmt.Errorf("%d secret references could not be resolved", failed)
		}
		fmt.Println("[ledgerctl] Config OK.")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGenerateCmd)
	configCmd.AddCommand(configCheckCmd)
}
