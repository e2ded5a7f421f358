// Package config handles loading, validating, and writing the ledger
// configuration (ledger.yaml).
//
// The config defines:
//   - Where records live (sqlite, postgres, or memory)
//   - How appends to one chain are serialized (in-process or Redis lock)
//   - The signing key and the public keys kept for rotated signers
//   - Master secrets for payload encryption and the KDF cost
//   - Optional anchor publication to write-once storage
//
// Key material is never written inline. Secrets are references resolved
// by internal/secret (env://, file://, keyring://, awssm://).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/complykit/auditledger/internal/aead"
	"github.com/complykit/auditledger/internal/kdf"
)

// State files kept in the state directory. The watcher reloads halted
// and protect files while a process runs.
const (
	HaltFile       = "halted.yaml"
	ProtectFile    = "protect.yaml"
	CheckpointFile = "checkpoints.yaml"
)

// Config is the top-level ledger configuration.
type Config struct {
	// StateDir holds halted.yaml, protect.yaml, checkpoints.yaml and
	// any relative paths below. Defaults to the config file's directory.
	StateDir   string           `yaml:"state_dir,omitempty"`
	Store      StoreConfig      `yaml:"store"`
	Lock       LockConfig       `yaml:"lock"`
	Append     AppendConfig     `yaml:"append"`
	Keys       KeysConfig       `yaml:"keys"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Protect    ProtectConfig    `yaml:"protect"`
	Verify     VerifyConfig     `yaml:"verify"`
	Anchors    AnchorsConfig    `yaml:"anchors"`
}

// StoreConfig selects the record store.
type StoreConfig struct {
	Backend  string         `yaml:"backend"` // sqlite, postgres, memory
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig holds a reference to the DSN, since DSNs carry
// passwords.
type PostgresConfig struct {
	DSNRef       string `yaml:"dsn_ref"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// LockConfig selects the chain coordinator. "local" serializes within
// one process; "redis" across processes sharing a store.
type LockConfig struct {
	Backend string        `yaml:"backend"`
	Wait    time.Duration `yaml:"wait"`
	Redis   RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	PasswordRef string        `yaml:"password_ref,omitempty"`
	DB          int           `yaml:"db"`
	TTL         time.Duration `yaml:"ttl"`
}

// AppendConfig bounds compare-and-swap retries.
type AppendConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// KeysConfig names the signing key and extra verification keys.
type KeysConfig struct {
	Signing      SigningKeyConfig        `yaml:"signing"`
	Verification []VerificationKeyConfig `yaml:"verification,omitempty"`
}

// SigningKeyConfig locates a PEM private key. Set File or Ref, not both.
// An empty KeyID is derived from the public key.
type SigningKeyConfig struct {
	File  string `yaml:"file,omitempty"`
	Ref   string `yaml:"ref,omitempty"`
	KeyID string `yaml:"key_id,omitempty"`
}

// VerificationKeyConfig is a PEM public key of a retired signer.
type VerificationKeyConfig struct {
	KeyID string `yaml:"key_id,omitempty"`
	File  string `yaml:"file"`
}

// EncryptionConfig configures the AEAD codec. ActiveKeyID names the
// secret new blobs are sealed with; the others only decrypt.
type EncryptionConfig struct {
	Algorithm     string         `yaml:"algorithm"`
	ActiveKeyID   string         `yaml:"active_key_id"`
	Iterations    int            `yaml:"iterations"`
	MinIterations int            `yaml:"min_iterations"`
	Secrets       []SecretConfig `yaml:"secrets"`
}

// SecretConfig is one master secret. Encoding is hex, base64 or raw.
type SecretConfig struct {
	KeyID    string `yaml:"key_id"`
	Ref      string `yaml:"ref"`
	Encoding string `yaml:"encoding"`
}

// ProtectConfig toggles field protection on append.
type ProtectConfig struct {
	Enabled bool `yaml:"enabled"`
}

// VerifyConfig controls chain verification.
type VerifyConfig struct {
	Checkpoints bool `yaml:"checkpoints"`
	Concurrency int  `yaml:"concurrency"`
}

// AnchorsConfig selects where anchors are published.
type AnchorsConfig struct {
	Backend string         `yaml:"backend"` // none, file, s3
	Dir     string         `yaml:"dir"`
	S3      S3AnchorConfig `yaml:"s3"`
}

type S3AnchorConfig struct {
	Bucket    string        `yaml:"bucket"`
	Prefix    string        `yaml:"prefix"`
	Region    string        `yaml:"region"`
	Retention time.Duration `yaml:"retention"`
}

// Load reads and parses ledger.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Dir(path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns the default configuration rooted at stateDir.
func Default(stateDir string) *Config {
	cfg := applyDefaults()
	cfg.StateDir = stateDir
	return cfg
}

// Path resolves name against the state directory unless it is absolute.
func (cfg *Config) Path(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(cfg.StateDir, name)
}

// WriteDefault writes a default ledger.yaml with all fields populated
// and a comment header. Used by `ledgerctl config generate`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# Audit ledger configuration
#
# store.backend:      sqlite | postgres | memory
# lock.backend:       local | redis (use redis when several processes share a store)
# keys.signing:       PEM private key (file relative to state_dir, or a secret ref)
# keys.verification:  public keys of retired signers, kept so old records verify
# encryption.secrets: master secrets by key_id; refs are env://, file:///, keyring://, awssm://
# anchors.backend:    none | file | s3
#
# Never put key material in this file.

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: "sqlite",
			SQLite:  SQLiteConfig{Path: "ledger.db"},
			Postgres: PostgresConfig{
				DSNRef:       "env://AUDITLEDGER_POSTGRES_DSN",
				MaxOpenConns: 10,
			},
		},
		Lock: LockConfig{
			Backend: "local",
			Wait:    5 * time.Second,
			Redis: RedisConfig{
				Addr: "localhost:6379",
				TTL:  30 * time.Second,
			},
		},
		Append: AppendConfig{
			MaxRetries:   5,
			RetryBackoff: 10 * time.Millisecond,
		},
		Keys: KeysConfig{
			Signing: SigningKeyConfig{File: "signing.pem"},
		},
		Encryption: EncryptionConfig{
			Algorithm:     string(aead.AES256GCM),
			ActiveKeyID:   "master-1",
			Iterations:    kdf.DefaultMinIterations,
			MinIterations: kdf.DefaultMinIterations,
			Secrets: []SecretConfig{
				{KeyID: "master-1", Ref: "env://AUDITLEDGER_MASTER_SECRET", Encoding: "hex"},
			},
		},
		Protect: ProtectConfig{Enabled: true},
		Verify: VerifyConfig{
			Checkpoints: true,
			Concurrency: 4,
		},
		Anchors: AnchorsConfig{
			Backend: "none",
			Dir:     "anchors",
		},
	}
}

// Validate checks the config for logical errors after parsing.
func (cfg *Config) Validate() error {
	switch cfg.Store.Backend {
	case "sqlite":
		if cfg.Store.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path must not be empty")
		}
	case "postgres":
		if cfg.Store.Postgres.DSNRef == "" {
			return fmt.Errorf("store.postgres.dsn_ref must not be empty")
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend %q: expected sqlite, postgres or memory", cfg.Store.Backend)
	}

	switch cfg.Lock.Backend {
	case "local":
	case "redis":
		if cfg.Lock.Redis.Addr == "" {
			return fmt.Errorf("lock.redis.addr must not be empty")
		}
	default:
		return fmt.Errorf("lock.backend %q: expected local or redis", cfg.Lock.Backend)
	}
	if cfg.Lock.Wait <= 0 {
		return fmt.Errorf("lock.wait must be positive")
	}

	if cfg.Append.MaxRetries < 1 {
		return fmt.Errorf("append.max_retries must be at least 1")
	}
	if cfg.Append.RetryBackoff < 0 {
		return fmt.Errorf("append.retry_backoff must be non-negative")
	}

	s := cfg.Keys.Signing
	if (s.File == "") == (s.Ref == "") {
		return fmt.Errorf("keys.signing: set exactly one of file or ref")
	}
	for i, v := range cfg.Keys.Verification {
		if v.File == "" {
			return fmt.Errorf("keys.verification[%d]: file is required", i)
		}
	}

	if err := validateEncryption(&cfg.Encryption); err != nil {
		return err
	}

	if cfg.Verify.Concurrency < 1 {
		return fmt.Errorf("verify.concurrency must be at least 1")
	}

	switch cfg.Anchors.Backend {
	case "none":
	case "file":
		if cfg.Anchors.Dir == "" {
			return fmt.Errorf("anchors.dir must not be empty")
		}
	case "s3":
		if cfg.Anchors.S3.Bucket == "" {
			return fmt.Errorf("anchors.s3.bucket must not be empty")
		}
	default:
		return fmt.Errorf("anchors.backend %q: expected none, file or s3", cfg.Anchors.Backend)
	}
	return nil
}

func validateEncryption(e *EncryptionConfig) error {
	if _, err := aead.ParseAlgorithm(e.Algorithm); err != nil {
		return fmt.Errorf("encryption.algorithm: %w", err)
	}
	if e.MinIterations < kdf.DefaultMinIterations {
		return fmt.Errorf("encryption.min_iterations %d is below %d", e.MinIterations, kdf.DefaultMinIterations)
	}
	if e.Iterations < e.MinIterations {
		return fmt.Errorf("encryption.iterations %d is below min_iterations %d", e.Iterations, e.MinIterations)
	}

	seen := make(map[string]bool)
	for i, s := range e.Secrets {
		if s.KeyID == "" || s.Ref == "" {
			return fmt.Errorf("encryption.secrets[%d]: key_id and ref are required", i)
		}
		if seen[s.KeyID] {
			return fmt.Errorf("encryption.secrets: duplicate key_id %q", s.KeyID)
		}
		seen[s.KeyID] = true
		switch s.Encoding {
		case "", "raw", "hex", "base64":
		default:
			return fmt.Errorf("encryption.secrets[%d]: encoding %q: expected hex, base64 or raw", i, s.Encoding)
		}
	}
	if !seen[e.ActiveKeyID] {
		return fmt.Errorf("encryption.active_key_id %q has no matching secret", e.ActiveKeyID)
	}
	return nil
}
