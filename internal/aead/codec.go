package aead

import (
	"fmt"
	"sort"

	"github.com/complykit/auditledger/internal/fault"
	"github.com/complykit/auditledger/internal/kdf"
)

// MinSecretSize is the shortest master secret a Codec accepts.
const MinSecretSize = 32

// CodecConfig describes the master secrets known to a Codec. ActiveKeyID
// selects the secret used for new encryptions; the rest stay available
// for decrypting blobs written before a rotation.
type CodecConfig struct {
	ActiveKeyID   string
	Secrets       map[string][]byte
	Algorithm     Algorithm
	Iterations    int
	MinIterations int
}

// Codec encrypts and decrypts payloads with key_id indirection over a set
// of master secrets. Safe for concurrent use; it holds no mutable state.
type Codec struct {
	active  string
	secrets map[string][]byte
	params  Params
}

// NewCodec validates cfg. Every problem is a configuration error: the
// process must not start with encryption disabled or weakened.
func NewCodec(cfg CodecConfig) (*Codec, error) {
	if cfg.ActiveKeyID == "" {
		return nil, fault.Configuration("codec", fmt.Errorf("%w: no active key id", fault.ErrMissingSecret))
	}
	if len(cfg.Secrets[cfg.ActiveKeyID]) == 0 {
		return nil, fault.Configuration("codec", fmt.Errorf("%w: no secret for active key %q",
			fault.ErrMissingSecret, cfg.ActiveKeyID))
	}

	secrets := make(map[string][]byte, len(cfg.Secrets))
	for id, s := range cfg.Secrets {
		if len(s) < MinSecretSize {
			return nil, fault.Configuration("codec", fmt.Errorf("%w: secret %q is %d bytes, need %d",
				fault.ErrWeakKey, id, len(s), MinSecretSize))
		}
		secrets[id] = append([]byte(nil), s...)
	}

	alg, err := ParseAlgorithm(string(cfg.Algorithm))
	if err != nil {
		return nil, fault.Configuration("codec", err)
	}
	minIter := kdf.NewDeriver(cfg.MinIterations).MinIterations
	iter := cfg.Iterations
	if iter == 0 {
		iter = minIter
	}
	if iter < minIter {
		return nil, fault.Configuration("codec", fmt.Errorf("%w: %d iterations below minimum %d",
			fault.ErrWeakKey, iter, minIter))
	}

	return &Codec{
		active:  cfg.ActiveKeyID,
		secrets: secrets,
		params: Params{
			Algorithm:     alg,
			Iterations:    iter,
			MinIterations: minIter,
		},
	}, nil
}

// ActiveKeyID returns the key id stamped on new blobs.
func (c *Codec) ActiveKeyID() string { return c.active }

// KeyIDs returns every key id the codec can decrypt, sorted.
func (c *Codec) KeyIDs() []string {
	ids := make([]string, 0, len(c.secrets))
	for id := range c.secrets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EncryptPayload encrypts plaintext under the active key, bound to
// aadContext.
func (c *Codec) EncryptPayload(plaintext []byte, aadContext string) (*Blob, error) {
	p := c.params
	p.KeyID = c.active
	return Encrypt(plaintext, c.secrets[c.active], []byte(aadContext), p)
}

// DecryptPayload decrypts blob with the secret its key id names.
func (c *Codec) DecryptPayload(b *Blob, aadContext string) ([]byte, error) {
	if b == nil {
		return nil, fault.Integrity("decrypt", "", fault.ErrAuthenticationFailed)
	}
	secret, ok := c.secrets[b.KeyID]
	if !ok {
		return nil, fault.Integrity("decrypt", "", fmt.Errorf("%w: %q", fault.ErrUnknownKey, b.KeyID))
	}
	return Decrypt(b, secret, []byte(aadContext), c.params)
}
