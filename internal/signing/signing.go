// Package signing produces and verifies the asymmetric signatures that bind
// ledger records to their content.
//
// Two schemes are supported: RSA-PSS over SHA-256 with the maximum salt
// length, and Ed25519. Verify treats a well-formed but wrong signature as
// an ordinary false result; only corrupt encodings and unusable key
// material are errors.
package signing

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/complykit/auditledger/internal/fault"
)

// Algorithm names a signature scheme. The value is persisted on every
// record.
type Algorithm string

const (
	RSAPSSSHA256 Algorithm = "RSA-PSS-SHA256"
	Ed25519      Algorithm = "ED25519"
)

// MinRSABits is the smallest RSA modulus accepted for signing or
// verification.
const MinRSABits = 2048

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")
	ErrMalformedSignature   = errors.New("malformed signature")
	ErrKeyAlgorithmMismatch = errors.New("key does not match algorithm")
	ErrMalformedKey         = errors.New("malformed key")
)

// Signer signs messages with a private key identified by KeyID.
type Signer interface {
	KeyID() string
	Algorithm() Algorithm
	Public() crypto.PublicKey
	Sign(msg []byte) ([]byte, error)
}

type rsaSigner struct {
	keyID string
	key   *rsa.PrivateKey
}

func (s *rsaSigner) KeyID() string            { return s.keyID }
func (s *rsaSigner) Algorithm() Algorithm     { return RSAPSSSHA256 }
func (s *rsaSigner) Public() crypto.PublicKey { return &s.key.PublicKey }

func (s *rsaSigner) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
	})
	if err != nil {
		return nil, fault.Configuration("sign", fmt.Errorf("%w: %v", fault.ErrSigningKeyUnavailable, err))
	}
	return sig, nil
}

type ed25519Signer struct {
	keyID string
	key   ed25519.PrivateKey
}

func (s *ed25519Signer) KeyID() string            { return s.keyID }
func (s *ed25519Signer) Algorithm() Algorithm     { return Ed25519 }
func (s *ed25519Signer) Public() crypto.PublicKey { return s.key.Public() }

func (s *ed25519Signer) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.key, msg), nil
}

// NewSigner wraps a private key. An absent or unusable key is a
// configuration error wrapping fault.ErrSigningKeyUnavailable; there is no
// unsigned fallback. An empty keyID is replaced by KeyIDFor(public key).
func NewSigner(priv crypto.PrivateKey, keyID string) (Signer, error) {
	var s Signer
	switch k := priv.(type) {
	case *rsa.PrivateKey:
		if k == nil {
			return nil, unavailable("nil RSA key")
		}
		if k.N.BitLen() < MinRSABits {
			return nil, fault.Configuration("signer", fmt.Errorf("%w: %w: RSA key is %d bits, need %d",
				fault.ErrSigningKeyUnavailable, fault.ErrWeakKey, k.N.BitLen(), MinRSABits))
		}
		if err := k.Validate(); err != nil {
			return nil, unavailable(err.Error())
		}
		s = &rsaSigner{keyID: keyID, key: k}
	case ed25519.PrivateKey:
		if len(k) != ed25519.PrivateKeySize {
			return nil, unavailable("Ed25519 key has wrong length")
		}
		s = &ed25519Signer{keyID: keyID, key: k}
	case nil:
		return nil, unavailable("no private key configured")
	default:
		return nil, unavailable(fmt.Sprintf("unsupported key type %T", priv))
	}

	if keyID == "" {
		id, err := KeyIDFor(s.Public())
		if err != nil {
			return nil, unavailable(err.Error())
		}
		switch v := s.(type) {
		case *rsaSigner:
			v.keyID = id
		case *ed25519Signer:
			v.keyID = id
		}
	}
	return s, nil
}

func unavailable(reason string) error {
	return fault.Configuration("signer", fmt.Errorf("%w: %s", fault.ErrSigningKeyUnavailable, reason))
}

// Verify checks sig over msg. It returns (false, nil) for a well-formed
// signature that does not verify and a non-nil error only when the
// algorithm, key or signature encoding is unusable.
func Verify(alg Algorithm, pub crypto.PublicKey, msg, sig []byte) (bool, error) {
	switch alg {
	case RSAPSSSHA256:
		k, ok := pub.(*rsa.PublicKey)
		if !ok || k == nil {
			return false, fmt.Errorf("%w: %s needs an RSA key, got %T", ErrKeyAlgorithmMismatch, alg, pub)
		}
		if k.N.BitLen() < MinRSABits {
			return false, fmt.Errorf("%w: RSA key is %d bits", ErrMalformedKey, k.N.BitLen())
		}
		if len(sig) != k.Size() {
			return false, fmt.Errorf("%w: %d bytes, want %d", ErrMalformedSignature, len(sig), k.Size())
		}
		digest := sha256.Sum256(msg)
		err := rsa.VerifyPSS(k, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthAuto,
		})
		return err == nil, nil

	case Ed25519:
		k, ok := pub.(ed25519.PublicKey)
		if !ok {
			return false, fmt.Errorf("%w: %s needs an Ed25519 key, got %T", ErrKeyAlgorithmMismatch, alg, pub)
		}
		if len(k) != ed25519.PublicKeySize {
			return false, fmt.Errorf("%w: Ed25519 key is %d bytes", ErrMalformedKey, len(k))
		}
		if len(sig) != ed25519.SignatureSize {
			return false, fmt.Errorf("%w: %d bytes, want %d", ErrMalformedSignature, len(sig), ed25519.SignatureSize)
		}
		return ed25519.Verify(k, msg, sig), nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
}

// ParseAlgorithm maps a configured name to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case RSAPSSSHA256, "":
		return RSAPSSSHA256, nil
	case Ed25519:
		return Ed25519, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
}
