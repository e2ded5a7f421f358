// Package kdf derives symmetric keys from a long-lived master secret with
// salted PBKDF2-HMAC-SHA256.
package kdf

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/complykit/auditledger/internal/fault"
)

const (
	// SaltSize is the salt length generated for every encryption.
	SaltSize = 32
	// MinSaltSize is the shortest salt Derive accepts.
	MinSaltSize = 16
	// KeySize is the derived key length for 256-bit ciphers.
	KeySize = 32
	// DefaultMinIterations is the iteration floor when none is configured.
	DefaultMinIterations = 100_000
)

// Deriver enforces an iteration floor on top of Derive.
type Deriver struct {
	MinIterations int
}

// NewDeriver returns a Deriver with the given floor. A non-positive
// floor means DefaultMinIterations.
func NewDeriver(minIterations int) *Deriver {
	if minIterations <= 0 {
		minIterations = DefaultMinIterations
	}
	return &Deriver{MinIterations: minIterations}
}

// Derive derives a key of keyLen bytes. iterations below the floor are
// a configuration error.
func (d *Deriver) Derive(secret, salt []byte, iterations, keyLen int) ([]byte, error) {
	if iterations < d.MinIterations {
		return nil, fault.Configuration("derive", fmt.Errorf("%w: %d iterations below minimum %d",
			fault.ErrWeakKey, iterations, d.MinIterations))
	}
	return Derive(secret, salt, iterations, keyLen)
}

// Derive runs PBKDF2-HMAC-SHA256. It is pure and deterministic.
func Derive(secret, salt []byte, iterations, keyLen int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fault.Configuration("derive", fault.ErrMissingSecret)
	}
	if len(salt) < MinSaltSize {
		return nil, fault.Configuration("derive", fmt.Errorf("salt is %d bytes, need at least %d", len(salt), MinSaltSize))
	}
	if iterations < 1 {
		return nil, fault.Configuration("derive", errors.New("iterations must be positive"))
	}
	if keyLen < 1 {
		return nil, fault.Configuration("derive", errors.New("key length must be positive"))
	}
	return pbkdf2.Key(secret, salt, iterations, keyLen, sha256.New), nil
}

// NewSalt reads SaltSize bytes from r, or crypto/rand when r is nil.
func NewSalt(r io.Reader) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(r, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}
