// Package secret resolves secret references such as master secrets and
// signing keys from external backends, so configuration files never hold
// key material inline.
//
// References are URIs:
//
//	env://LEDGER_MASTER_SECRET
//	file:///etc/auditledger/signing.pem
//	keyring://auditledger/master-2026-01
//	awssm://us-east-1/prod/auditledger/master
package secret

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// Resolver fetches the value behind a reference.
type Resolver interface {
	// Scheme returns the URI scheme this resolver handles ("env", "file").
	Scheme() string

	// Resolve fetches the secret for the full reference URI.
	Resolve(ctx context.Context, reference string) ([]byte, error)
}

// Registry dispatches references to resolvers by scheme.
type Registry struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
}

// NewRegistry returns a registry holding rs.
func NewRegistry(rs ...Resolver) *Registry {
	r := &Registry{resolvers: make(map[string]Resolver)}
	for _, res := range rs {
		r.Register(res)
	}
	return r
}

// Default returns a registry with the env, file, keyring and AWS Secrets
// Manager resolvers.
func Default() *Registry {
	return NewRegistry(
		EnvResolver{},
		FileResolver{},
		KeyringResolver{},
		NewSecretsManagerResolver(nil),
	)
}

// Register adds or replaces the resolver for its scheme.
func (r *Registry) Register(res Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[res.Scheme()] = res
}

// Resolve dispatches to the resolver for reference's scheme.
func (r *Registry) Resolve(ctx context.Context, reference string) ([]byte, error) {
	scheme := parseScheme(reference)
	if scheme == "" {
		return nil, &InvalidReferenceError{Reference: reference, Reason: "missing scheme"}
	}

	r.mu.RLock()
	res, ok := r.resolvers[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnsupportedSchemeError{Scheme: scheme}
	}
	return res.Resolve(ctx, reference)
}

// ResolveDecoded resolves reference and decodes it with Decode.
func (r *Registry) ResolveDecoded(ctx context.Context, reference, encoding string) ([]byte, error) {
	raw, err := r.Resolve(ctx, reference)
	if err != nil {
		return nil, err
	}
	out, err := Decode(raw, encoding)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", reference, err)
	}
	return out, nil
}

// parseScheme extracts "env" from "env://NAME".
func parseScheme(ref string) string {
	idx := strings.Index(ref, "://")
	if idx < 1 {
		return ""
	}
	return ref[:idx]
}

// Decode interprets a resolved value. encoding is "hex", "base64" or
// "raw" (also ""). Surrounding whitespace is ignored for hex and base64.
func Decode(value []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "", "raw":
		return value, nil
	case "hex":
		out, err := hex.DecodeString(strings.TrimSpace(string(value)))
		if err != nil {
			return nil, fmt.Errorf("invalid hex secret: %w", err)
		}
		return out, nil
	case "base64":
		out, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(value)))
		if err != nil {
			return nil, fmt.Errorf("invalid base64 secret: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown secret encoding %q (use hex, base64 or raw)", encoding)
	}
}
