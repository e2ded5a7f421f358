package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/complykit/auditledger/internal/aead"
	"github.com/complykit/auditledger/internal/config"
	"github.com/complykit/auditledger/internal/protect"
	"github.com/complykit/auditledger/internal/secret"
	"github.com/complykit/auditledger/internal/signing"
)

// ============================================================================
// ledgerctl init — First-time setup
// ============================================================================

var initAlgorithm string

// initCmd creates the state directory, a default ledger.yaml and
// protect.yaml, and a signing key. Existing files are left alone.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config, protection policy and signing key",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", configDir, err)
		}

		if err := writeIfMissing(configPath(), config.WriteDefault); err != nil {
			return err
		}
		if err := writeIfMissing(filepath.Join(configDir, config.ProtectFile), protect.WriteDefault); err != nil {
			return err
		}

		keyPath := filepath.Join(configDir, "signing.pem")
		if _, err := os.Stat(keyPath); err == nil {
			fmt.Printf("[ledgerctl] Keeping existing signing key %s\n", keyPath)
		} else {
			id, err := generateKeyPair(initAlgorithm, keyPath)
			if err != nil {
				return err
			}
			fmt.Printf("[ledgerctl] Generated signing key %s (key id %s)\n", keyPath, id)
		}

		fmt.Println()
		fmt.Println("Next: provide a master secret of at least 32 bytes, for example")
		fmt.Println("  export AUDITLEDGER_MASTER_SECRET=$(ledgerctl secret generate)")
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initAlgorithm, "algorithm", string(signing.RSAPSSSHA256), "Signature algorithm: RSA-PSS-SHA256 or ED25519")
}

func writeIfMissing(path string, write func(string) error) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("[ledgerctl] Keeping existing %s\n", path)
		return nil
	}
	if err := write(path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	fmt.Printf("[ledgerctl] Wrote %s\n", path)
	return nil
}

// ============================================================================
// ledgerctl keygen — Generate a signing key pair
// ============================================================================

var (
	keygenAlgorithm string
	keygenOut       string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a signing key pair",
	Long: `Generate a private signing key (PEM, mode 0600) and its public key
(<out>.pub). To rotate, point keys.signing at the new key and list the old
public key under keys.verification so existing records keep verifying.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(keygenOut); err == nil {
			return fmt.Errorf("%s already exists", keygenOut)
		}
		id, err := generateKeyPair(keygenAlgorithm, keygenOut)
		if err != nil {
			return err
		}
		fmt.Printf("[ledgerctl] Wrote %s and %s.pub\n", keygenOut, strings.TrimSuffix(keygenOut, ".pem"))
		fmt.Printf("Key ID: %s\n", id)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenAlgorithm, "algorithm", string(signing.RSAPSSSHA256), "Signature algorithm: RSA-PSS-SHA256 or ED25519")
	keygenCmd.Flags().StringVarP(&keygenOut, "out", "o", "signing.pem", "Private key output path")
}

// generateKeyPair writes a private key to path and its public key next
// to it, returning the derived key id.
func generateKeyPair(algorithm, path string) (string, error) {
	alg, err := signing.ParseAlgorithm(algorithm)
	if err != nil {
		return "", err
	}
	priv, err := signing.GenerateKey(alg)
	if err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	signer, err := signing.NewSigner(priv, "")
	if err != nil {
		return "", err
	}

	privPEM, err := signing.MarshalPrivateKeyPEM(priv)
	if err != nil {
		return "", err
	}
	pubPEM, err := signing.MarshalPublicKeyPEM(signer.Public())
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, privPEM, 0o600); err != nil {
		return "", fmt.Errorf("writing private key: %w", err)
	}
	pubPath := strings.TrimSuffix(path, ".pem") + ".pub"
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return "", fmt.Errorf("writing public key: %w", err)
	}
	return signer.KeyID(), nil
}

// ============================================================================
// ledgerctl secret — Master secrets
// ============================================================================

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Generate or store master secrets",
}

var secretStore string

var secretGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a random master secret",
	Long: `Generate a random master secret (hex). With --store keyring://service/account
the secret goes to the OS keychain and is never printed; reference it from
ledger.yaml with the same URI.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		buf := make([]byte, aead.MinSecretSize)
		if _, err := rand.Read(buf); err != nil {
			return err
		}
		value := hex.EncodeToString(buf)

		if secretStore == "" {
			fmt.Println(value)
			return nil
		}
		if err := secret.StoreKeyring(secretStore, value); err != nil {
			return err
		}
		fmt.Printf("[ledgerctl] Stored secret at %s (encoding: hex)\n", secretStore)
		return nil
	},
}

func init() {
	secretGenerateCmd.Flags().StringVar(&secretStore, "store", "", "Store in the OS keychain at keyring://service/account")
	secretCmd.AddCommand(secretGenerateCmd)
}
