// Package aead encrypts payloads with a key derived per operation from a
// master secret. Every Encrypt call draws a fresh salt and nonce, so the
// same plaintext never produces the same blob twice, and Decrypt fails
// closed on any mutation of the blob or a mismatched context.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/complykit/auditledger/internal/fault"
	"github.com/complykit/auditledger/internal/kdf"
)

// Algorithm names an AEAD construction.
type Algorithm string

const (
	AES256GCM         Algorithm = "AES-256-GCM"
	XChaCha20Poly1305 Algorithm = "XCHACHA20-POLY1305"
)

// TagSize is the authentication tag length for both algorithms.
const TagSize = 16

// maxIterations bounds the work a hostile blob can request from Decrypt.
const maxIterations = 10_000_000

const headerVersion = "aead/v1"

// Blob is the self-describing output of Encrypt. Salt, Nonce, Tag and
// Ciphertext are all required to decrypt.
type Blob struct {
	Ciphertext []byte    `json:"ct"`
	Salt       []byte    `json:"salt"`
	Nonce      []byte    `json:"nonce"`
	Tag        []byte    `json:"tag"`
	KeyID      string    `json:"kid"`
	Algorithm  Algorithm `json:"alg"`
	Iterations int       `json:"iter"`
}

// Params controls a single Encrypt or Decrypt call.
type Params struct {
	KeyID     string
	Algorithm Algorithm // defaults to AES256GCM
	// Iterations is the KDF cost for Encrypt; defaults to
	// kdf.DefaultMinIterations.
	Iterations int
	// MinIterations is the lowest cost Decrypt will accept; defaults to
	// kdf.DefaultMinIterations.
	MinIterations int
	Rand          io.Reader // defaults to crypto/rand
}

// ParseAlgorithm maps a configured name to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case AES256GCM, "":
		return AES256GCM, nil
	case XChaCha20Poly1305:
		return XChaCha20Poly1305, nil
	}
	return "", fmt.Errorf("unsupported AEAD algorithm %q", name)
}

// Encrypt seals plaintext under a key derived from secret and a fresh
// salt, binding aad and the blob metadata into the authenticated data.
func Encrypt(plaintext, secret, aad []byte, p Params) (*Blob, error) {
	if len(secret) == 0 {
		return nil, fault.Configuration("encrypt", fault.ErrMissingSecret)
	}
	alg, err := ParseAlgorithm(string(p.Algorithm))
	if err != nil {
		return nil, fault.Configuration("encrypt", err)
	}
	iter := p.Iterations
	if iter == 0 {
		iter = kdf.DefaultMinIterations
	}
	if min := minIterations(p); iter < min {
		return nil, fault.Configuration("encrypt", fmt.Errorf("%w: %d iterations below minimum %d",
			fault.ErrWeakKey, iter, min))
	}

	rnd := p.Rand
	if rnd == nil {
		rnd = rand.Reader
	}
	salt, err := kdf.NewSalt(rnd)
	if err != nil {
		return nil, err
	}
	key, err := kdf.Derive(secret, salt, iter, kdf.KeySize)
	if err != nil {
		return nil, err
	}
	c, err := newCipher(alg, key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, c.NonceSize())
	if _, err := io.ReadFull(rnd, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := c.Seal(nil, nonce, plaintext, header(alg, p.KeyID, iter, aad))
	split := len(sealed) - c.Overhead()

	return &Blob{
		Ciphertext: sealed[:split],
		Tag:        sealed[split:],
		Salt:       salt,
		Nonce:      nonce,
		KeyID:      p.KeyID,
		Algorithm:  alg,
		Iterations: iter,
	}, nil
}

// Decrypt re-derives the key from the blob's salt and opens it. Any
// malformed field, tag mismatch or aad mismatch returns an integrity
// error wrapping fault.ErrAuthenticationFailed and no plaintext.
func Decrypt(b *Blob, secret, aad []byte, p Params) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fault.Configuration("decrypt", fault.ErrMissingSecret)
	}
	if err := b.check(minIterations(p)); err != nil {
		return nil, fault.Integrity("decrypt", "", fmt.Errorf("%w: %v", fault.ErrAuthenticationFailed, err))
	}

	key, err := kdf.Derive(secret, b.Salt, b.Iterations, kdf.KeySize)
	if err != nil {
		return nil, err
	}
	c, err := newCipher(b.Algorithm, key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(b.Ciphertext)+len(b.Tag))
	sealed = append(sealed, b.Ciphertext...)
	sealed = append(sealed, b.Tag...)

	plaintext, err := c.Open(nil, b.Nonce, sealed, header(b.Algorithm, b.KeyID, b.Iterations, aad))
	if err != nil {
		return nil, fault.Integrity("decrypt", "", fault.ErrAuthenticationFailed)
	}
	return plaintext, nil
}

// check validates field shapes before any key derivation.
func (b *Blob) check(minIter int) error {
	if b == nil {
		return errors.New("nil blob")
	}
	nonceSize, err := nonceSizeFor(b.Algorithm)
	if err != nil {
		return err
	}
	switch {
	case len(b.Salt) < kdf.MinSaltSize:
		return fmt.Errorf("salt is %d bytes", len(b.Salt))
	case len(b.Nonce) != nonceSize:
		return fmt.Errorf("nonce is %d bytes, want %d", len(b.Nonce), nonceSize)
	case len(b.Tag) != TagSize:
		return fmt.Errorf("tag is %d bytes, want %d", len(b.Tag), TagSize)
	case b.Iterations < minIter:
		return fmt.Errorf("iteration count %d below minimum %d", b.Iterations, minIter)
	case b.Iterations > maxIterations:
		return fmt.Errorf("iteration count %d above maximum", b.Iterations)
	}
	return nil
}

func minIterations(p Params) int {
	if p.MinIterations > 0 {
		return p.MinIterations
	}
	return kdf.DefaultMinIterations
}

func newCipher(alg Algorithm, key []byte) (cipher.AEAD, error) {
	switch alg {
	case AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("creating cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("creating GCM: %w", err)
		}
		return gcm, nil
	case XChaCha20Poly1305:
		c, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("creating XChaCha20-Poly1305: %w", err)
		}
		return c, nil
	}
	return nil, fmt.Errorf("unsupported AEAD algorithm %q", alg)
}

func nonceSizeFor(alg Algorithm) (int, error) {
	switch alg {
	case AES256GCM:
		return 12, nil
	case XChaCha20Poly1305:
		return chacha20poly1305.NonceSizeX, nil
	}
	return 0, fmt.Errorf("unsupported AEAD algorithm %q", alg)
}

// header builds the authenticated data. Each field is length-prefixed so
// no two distinct (alg, kid, iter, aad) tuples encode to the same bytes.
func header(alg Algorithm, keyID string, iter int, aad []byte) []byte {
	var out []byte
	for _, field := range [][]byte{
		[]byte(headerVersion),
		[]byte(alg),
		[]byte(keyID),
		[]byte(strconv.Itoa(iter)),
		aad,
	} {
		out = binary.BigEndian.AppendUint32(out, uint32(len(field)))
		out = append(out, field...)
	}
	return out
}
