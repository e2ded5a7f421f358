package signing

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/complykit/auditledger/internal/fault"
)

// GenerateKey creates a new private key for alg. RSA keys are 3072 bits.
func GenerateKey(alg Algorithm) (crypto.PrivateKey, error) {
	switch alg {
	case RSAPSSSHA256:
		k, err := rsa.GenerateKey(rand.Reader, 3072)
		if err != nil {
			return nil, fmt.Errorf("generating RSA key: %w", err)
		}
		return k, nil
	case Ed25519:
		_, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating Ed25519 key: %w", err)
		}
		return k, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
}

// MarshalPrivateKeyPEM encodes priv as a PKCS#8 "PRIVATE KEY" block.
func MarshalPrivateKeyPEM(priv crypto.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// MarshalPublicKeyPEM encodes pub as a PKIX "PUBLIC KEY" block.
func MarshalPublicKeyPEM(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePrivateKeyPEM decodes a PKCS#8, PKCS#1 RSA, or raw Ed25519 private
// key block.
func ParsePrivateKeyPEM(data []byte) (crypto.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrMalformedKey)
	}
	switch block.Type {
	case "PRIVATE KEY":
		if len(block.Bytes) == ed25519.PrivateKeySize {
			return ed25519.PrivateKey(block.Bytes), nil
		}
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
		}
		return k, nil
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
		}
		return k, nil
	}
	return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrMalformedKey, block.Type)
}

// ParsePublicKeyPEM decodes a PKIX or PKCS#1 RSA public key block.
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrMalformedKey)
	}
	switch block.Type {
	case "PUBLIC KEY":
		k, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
		}
		return k, nil
	case "RSA PUBLIC KEY":
		k, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
		}
		return k, nil
	}
	return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrMalformedKey, block.Type)
}

// LoadSigner reads a PEM private key from path.
func LoadSigner(path, keyID string) (Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, unavailable(fmt.Sprintf("reading %s: %v", path, err))
	}
	priv, err := ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, fault.Configuration("signer", fmt.Errorf("%w: %w", fault.ErrSigningKeyUnavailable, err))
	}
	return NewSigner(priv, keyID)
}

// AlgorithmFor returns the scheme a public key is used with.
func AlgorithmFor(pub crypto.PublicKey) (Algorithm, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		return RSAPSSSHA256, nil
	case ed25519.PublicKey:
		return Ed25519, nil
	}
	return "", fmt.Errorf("%w: %T", ErrUnsupportedAlgorithm, pub)
}

// KeyIDFor derives a stable key id from the public key: a scheme prefix
// and the first 16 hex characters of SHA-256 over the PKIX encoding.
func KeyIDFor(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshaling public key: %w", err)
	}
	sum := sha256.Sum256(der)
	prefix := "key"
	switch pub.(type) {
	case *rsa.PublicKey:
		prefix = "rsa"
	case ed25519.PublicKey:
		prefix = "ed25519"
	}
	return prefix + ":" + hex.EncodeToString(sum[:])[:16], nil
}

// KeyRing maps key ids to public keys so records signed before a rotation
// keep verifying.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]crypto.PublicKey
}

// NewKeyRing returns an empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]crypto.PublicKey)}
}

// Add registers pub under keyID, replacing any previous key.
func (r *KeyRing) Add(keyID string, pub crypto.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[keyID] = pub
}

// AddPEM parses and registers a PEM public key. An empty keyID is derived
// with KeyIDFor. Returns the id used.
func (r *KeyRing) AddPEM(keyID string, data []byte) (string, error) {
	pub, err := ParsePublicKeyPEM(data)
	if err != nil {
		return "", err
	}
	if keyID == "" {
		if keyID, err = KeyIDFor(pub); err != nil {
			return "", err
		}
	}
	r.Add(keyID, pub)
	return keyID, nil
}

// Lookup returns the key registered under keyID.
func (r *KeyRing) Lookup(keyID string) (crypto.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[keyID]
	return k, ok
}

// IDs returns the registered key ids, sorted.
func (r *KeyRing) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.keys))
	for id := range r.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Verify looks up keyID and verifies sig. An unknown key id is an error
// wrapping fault.ErrUnknownKey.
func (r *KeyRing) Verify(keyID string, alg Algorithm, msg, sig []byte) (bool, error) {
	pub, ok := r.Lookup(keyID)
	if !ok {
		return false, fmt.Errorf("%w: %q", fault.ErrUnknownKey, keyID)
	}
	return Verify(alg, pub, msg, sig)
}
