// Package main is the operator CLI for the audit ledger.
//
// Application services embed the ledger through internal/app; ledgerctl
// covers what an operator does by hand: generate keys, inspect and
// verify chains, halt and resume chains after a fault, publish anchors,
// and manage the configuration.
//
// CLI commands (cobra):
//
//	ledgerctl init          - Create the state directory, config and signing key
//	ledgerctl keygen        - Generate a signing key pair
//	ledgerctl secret        - Generate or store a master secret
//	ledgerctl append        - Append a record to a chain
//	ledgerctl show          - Show records of a chain
//	ledgerctl verify        - Verify one chain or all chains
//	ledgerctl export        - Export a chain (jsonl, json, csv)
//	ledgerctl halt|resume   - Stop or reopen appends to a chain
//	ledgerctl halted        - List halted chains
//	ledgerctl encrypt|decrypt - Seal or open a payload
//	ledgerctl anchor        - Publish or check external anchors
//	ledgerctl checkpoints   - List or reset verification checkpoints
//	ledgerctl protect       - Inspect the field protection policy
//	ledgerctl config        - Show or generate ledger.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/complykit/auditledger/internal/app"
	"github.com/complykit/auditledger/internal/config"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

// defaultConfigDir returns ~/.auditledger, where ledger.yaml and the
// state files live.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".auditledger"
	}
	return filepath.Join(home, ".auditledger")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

var (
	configDir string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Operate a tamper-evident audit ledger",
	Long: `ledgerctl operates a hash-chained, signed audit ledger. Every record
links to its predecessor by SHA-256 and carries a signature, so any edit,
deletion or reordering is detected by 'ledgerctl verify'.

Run 'ledgerctl init' to create a configuration and signing key.`,
	Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(),
		"Path to the ledger config and state directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(secretCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(haltCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(haltedCmd)
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(decryptCmd)
	rootCmd.AddCommand(anchorCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(protectCmd)
	rootCmd.AddCommand(configCmd)
}

func configPath() string {
	return filepath.Join(configDir, "ledger.yaml")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openApp loads the config and builds the ledger. Callers must Close it.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return a, nil
}
