// Package app wires configuration into a running ledger: secrets, codec,
// signer, store, chain coordinator, halt list, checkpoints and field
// protection. It is the surface application services call.
package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/complykit/auditledger/internal/aead"
	"github.com/complykit/auditledger/internal/anchor"
	"github.com/complykit/auditledger/internal/checkpoint"
	"github.com/complykit/auditledger/internal/config"
	"github.com/complykit/auditledger/internal/fault"
	"github.com/complykit/auditledger/internal/halt"
	"github.com/complykit/auditledger/internal/ledger"
	"github.com/complykit/auditledger/internal/lock"
	"github.com/complykit/auditledger/internal/metrics"
	"github.com/complykit/auditledger/internal/protect"
	"github.com/complykit/auditledger/internal/secret"
	"github.com/complykit/auditledger/internal/signing"
	"github.com/complykit/auditledger/internal/store/postgres"
	"github.com/complykit/auditledger/internal/store/sqlite"
)

// Options overrides collaborators New would otherwise build from the
// config. All fields are optional.
type Options struct {
	Secrets    *secret.Registry
	Redis      redis.UniversalClient
	S3         anchor.S3API
	Registerer prometheus.Registerer
	// Store replaces the configured store backend.
	Store ledger.Store
}

// App is a configured ledger. Safe for concurrent use.
type App struct {
	cfg         *config.Config
	store       ledger.Store
	codec       *aead.Codec
	signer      signing.Signer
	keys        *signing.KeyRing
	halts       *halt.List
	checkpoints *checkpoint.Registry
	policy      *protect.Policy
	service     *ledger.Service
	metrics     *metrics.Metrics
	anchors     anchor.Publisher
	watcher     *config.Watcher
	closers     []func() error
}

// New builds an App from cfg. Any problem with keys or secrets is a
// configuration error and nothing is started.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fault.Configuration("app", err)
	}
	if opts.Secrets == nil {
		opts.Secrets = secret.Default()
	}
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	a := &App{cfg: cfg, metrics: metrics.NewMetrics()}
	if err := a.build(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}

	slog.Info("ledger ready",
		"store", cfg.Store.Backend,
		"lock", cfg.Lock.Backend,
		"signing_key", a.signer.KeyID(),
		"algorithm", a.signer.Algorithm(),
		"encryption_key", a.codec.ActiveKeyID(),
		"protect", a.policy != nil,
	)
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.cfg
	var err error

	if a.codec, err = loadCodec(ctx, opts.Secrets, cfg.Encryption); err != nil {
		return err
	}
	if a.signer, err = loadSigner(ctx, opts.Secrets, cfg); err != nil {
		return err
	}
	if a.keys, err = loadKeyRing(cfg, a.signer); err != nil {
		return err
	}

	if opts.Store != nil {
		a.store = opts.Store
	} else if a.store, err = openStore(ctx, opts.Secrets, cfg); err != nil {
		return err
	}
	a.closers = append(a.closers, a.store.Close)

	coord, err := a.coordinator(ctx, opts)
	if err != nil {
		return err
	}

	if a.halts, err = halt.Open(cfg.Path(config.HaltFile)); err != nil {
		return fault.Configuration("app", err)
	}
	var checkpoints ledger.CheckpointStore
	if cfg.Verify.Checkpoints {
		if a.checkpoints, err = checkpoint.Open(cfg.Path(config.CheckpointFile)); err != nil {
			return fault.Configuration("app", err)
		}
		checkpoints = a.checkpoints
	}
	var protector ledger.Protector
	if cfg.Protect.Enabled {
		if a.policy, err = protect.New(cfg.Path(config.ProtectFile), a.codec); err != nil {
			return fault.Configuration("app", err)
		}
		protector = a.policy
	}

	if opts.Registerer != nil {
		if err := a.metrics.Register(opts.Registerer); err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
	}

	a.service, err = ledger.NewService(ledger.Options{
		Store:        a.store,
		Signer:       a.signer,
		Keys:         a.keys,
		Coordinator:  coord,
		Halter:       a.halts,
		Protector:    protector,
		Checkpoints:  checkpoints,
		Observer:     a.metrics,
		MaxRetries:   cfg.Append.MaxRetries,
		RetryBackoff: cfg.Append.RetryBackoff,
	})
	if err != nil {
		return err
	}

	a.anchors, err = a.anchorPublisher(ctx, opts)
	return err
}

func loadCodec(ctx context.Context, secrets *secret.Registry, e config.EncryptionConfig) (*aead.Codec, error) {
	keys := make(map[string][]byte, len(e.Secrets))
	for _, s := range e.Secrets {
		v, err := secrets.ResolveDecoded(ctx, s.Ref, s.Encoding)
		if err != nil {
			return nil, fault.Configuration("app", fmt.Errorf("%w: encryption secret %s: %w", fault.ErrMissingSecret, s.KeyID, err))
		}
		keys[s.KeyID] = v
	}
	return aead.NewCodec(aead.CodecConfig{
		ActiveKeyID:   e.ActiveKeyID,
		Secrets:       keys,
		Algorithm:     aead.Algorithm(e.Algorithm),
		Iterations:    e.Iterations,
		MinIterations: e.MinIterations,
	})
}

func loadSigner(ctx context.Context, secrets *secret.Registry, cfg *config.Config) (signing.Signer, error) {
	s := cfg.Keys.Signing
	if s.File != "" {
		return signing.LoadSigner(cfg.Path(s.File), s.KeyID)
	}
	pemBytes, err := secrets.Resolve(ctx, s.Ref)
	if err != nil {
		return nil, fault.Configuration("app", fmt.Errorf("%w: %w", fault.ErrSigningKeyUnavailable, err))
	}
	priv, err := signing.ParsePrivateKeyPEM(pemBytes)
	if err != nil {
		return nil, fault.Configuration("app", fmt.Errorf("%w: %w", fault.ErrSigningKeyUnavailable, err))
	}
	return signing.NewSigner(priv, s.KeyID)
}

func loadKeyRing(cfg *config.Config, signer signing.Signer) (*signing.KeyRing, error) {
	keys := signing.NewKeyRing()
	for _, v := range cfg.Keys.Verification {
		data, err := os.ReadFile(cfg.Path(v.File))
		if err != nil {
			return nil, fault.Configuration("app", fmt.Errorf("reading verification key: %w", err))
		}
		if _, err := keys.AddPEM(v.KeyID, data); err != nil {
			return nil, fault.Configuration("app", fmt.Errorf("verification key %s: %w", v.File, err))
		}
	}
	keys.Add(signer.KeyID(), signer.Public())
	return keys, nil
}

func openStore(ctx context.Context, secrets *secret.Registry, cfg *config.Config) (ledger.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return ledger.NewMemoryStore(), nil
	case "postgres":
		dsn, err := secrets.Resolve(ctx, cfg.Store.Postgres.DSNRef)
		if err != nil {
			return nil, fault.Configuration("app", fmt.Errorf("postgres dsn: %w", err))
		}
		st, err := postgres.Open(ctx, postgres.Config{
			DSN:          strings.TrimSpace(string(dsn)),
			MaxOpenConns: cfg.Store.Postgres.MaxOpenConns,
		})
		if err != nil {
			return nil, fault.Storage("open", "", err)
		}
		return st, nil
	default:
		st, err := sqlite.Open(cfg.Path(cfg.Store.SQLite.Path))
		if err != nil {
			return nil, fault.Storage("open", "", err)
		}
		return st, nil
	}
}

func (a *App) coordinator(ctx context.Context, opts Options) (ledger.Coordinator, error) {
	lc := a.cfg.Lock
	if lc.Backend != "redis" {
		return ledger.NewLocalCoordinator(lc.Wait), nil
	}

	client := opts.Redis
	if client == nil {
		var password string
		if lc.Redis.PasswordRef != "" {
			pw, err := opts.Secrets.Resolve(ctx, lc.Redis.PasswordRef)
			if err != nil {
				return nil, fault.Configuration("app", fmt.Errorf("redis password: %w", err))
			}
			password = strings.TrimSpace(string(pw))
		}
		rc := redis.NewClient(&redis.Options{
			Addr:     lc.Redis.Addr,
			Password: password,
			DB:       lc.Redis.DB,
		})
		a.closers = append(a.closers, rc.Close)
		client = rc
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fault.Storage("lock", "", fmt.Errorf("connecting to redis: %w", err))
	}
	return lock.NewRedisCoordinator(client, lock.Config{TTL: lc.Redis.TTL, Wait: lc.Wait}), nil
}

func (a *App) anchorPublisher(ctx context.Context, opts Options) (anchor.Publisher, error) {
	ac := a.cfg.Anchors
	switch ac.Backend {
	case "file":
		return &anchor.FilePublisher{Dir: a.cfg.Path(ac.Dir)}, nil
	case "s3":
		client := opts.S3
		if client == nil {
			var loadOpts []func(*awsconfig.LoadOptions) error
			if ac.S3.Region != "" {
				loadOpts = append(loadOpts, awsconfig.WithRegion(ac.S3.Region))
			}
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
			if err != nil {
				return nil, fault.Configuration("app", fmt.Errorf("loading AWS config: %w", err))
			}
			client = s3.NewFromConfig(awsCfg)
		}
		return anchor.NewS3Publisher(client, anchor.S3Config{
			Bucket:    ac.S3.Bucket,
			Prefix:    ac.S3.Prefix,
			Retention: ac.S3.Retention,
		})
	}
	return nil, nil
}

// Append records content on chainID. aadContext binds protected fields
// to their use; empty means chainID.
func (a *App) Append(ctx context.Context, chainID string, content any, aadContext string) (*ledger.Record, error) {
	return a.service.Append(ctx, chainID, content, aadContext)
}

func (a *App) VerifyRecord(rec *ledger.Record) ledger.RecordResult {
	return a.service.Verifier().VerifyRecord(rec)
}

func (a *App) VerifyChain(ctx context.Context, chainID string, r ledger.Range) (ledger.ChainResult, error) {
	return a.service.Verifier().VerifyChain(ctx, chainID, r)
}

// VerifyAll verifies every chain. Run it after a restart: an append
// interrupted by a crash shows up here rather than on the next write.
func (a *App) VerifyAll(ctx context.Context) ([]ledger.ChainResult, error) {
	return a.service.Verifier().VerifyAll(ctx, a.cfg.Verify.Concurrency)
}

func (a *App) EncryptPayload(plaintext []byte, aadContext string) (*aead.Blob, error) {
	return a.codec.EncryptPayload(plaintext, aadContext)
}

// DecryptPayload fails with fault.ErrAuthenticationFailed on any
// tampering or a context other than the one used to encrypt.
func (a *App) DecryptPayload(b *aead.Blob, aadContext string) ([]byte, error) {
	return a.codec.DecryptPayload(b, aadContext)
}

// Reveal decodes rec's content and opens any protected fields. It fails
// if protection is disabled and the content holds sealed fields.
func (a *App) Reveal(rec *ledger.Record, aadContext string) (map[string]any, error) {
	if aadContext == "" {
		aadContext = rec.ChainID
	}
	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(rec.Content))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding record content: %w", err)
	}
	if a.policy == nil {
		if bytes.Contains(rec.Content, []byte(`"`+protect.EncKey+`"`)) {
			return nil, fault.Configuration("reveal", errors.New("record holds protected fields but protection is disabled"))
		}
		return doc, nil
	}
	return a.policy.Reveal(aadContext, doc)
}

// PublishAnchor signs the current tail of chainID and publishes it.
func (a *App) PublishAnchor(ctx context.Context, chainID string) (*anchor.Anchor, error) {
	if a.anchors == nil {
		return nil, fault.Configuration("anchor", errors.New("no anchor backend configured"))
	}
	return anchor.Publish(ctx, a.store, a.signer, a.anchors, chainID)
}

// CheckAnchor fetches the latest anchor of chainID and checks the store
// against it.
func (a *App) CheckAnchor(ctx context.Context, chainID string) (*anchor.Anchor, error) {
	if a.anchors == nil {
		return nil, fault.Configuration("anchor", errors.New("no anchor backend configured"))
	}
	an, err := a.anchors.Latest(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return an, anchor.Check(ctx, a.store, a.keys, an)
}

// Watch reloads the halt list and protect policy when other processes
// change them. Close stops watching.
func (a *App) Watch() error {
	if a.watcher != nil {
		return nil
	}
	w, err := config.NewWatcher(a.cfg.StateDir, config.WatchTargets{
		OnHaltChange: func() {
			if err := a.halts.Reload(); err != nil {
				slog.Error("reloading halt list, keeping current halts", "error", err)
			}
		},
		OnProtectChange: func() {
			if a.policy == nil {
				return
			}
			if err := a.policy.Reload(); err != nil {
				slog.Error("reloading protect policy, keeping previous rules", "error", err)
			}
		},
	})
	if err != nil {
		return err
	}
	a.watcher = w
	return nil
}

func (a *App) Config() *config.Config            { return a.cfg }
func (a *App) Store() ledger.Store               { return a.store }
func (a *App) Halts() *halt.List                 { return a.halts }
func (a *App) Checkpoints() *checkpoint.Registry { return a.checkpoints }
func (a *App) Policy() *protect.Policy           { return a.policy }
func (a *App) Signer() signing.Signer            { return a.signer }
func (a *App) Metrics() *metrics.Metrics         { return a.metrics }

// Close stops the watcher and closes the store and lock client.
func (a *App) Close() error {
	var errs []error
	if a.watcher != nil {
		errs = append(errs, a.watcher.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
