// Package fault defines the error taxonomy shared by the ledger and the
// encryption layer.
//
// Every fallible ledger or codec operation returns an error that carries
// one of five kinds:
//
//   - Configuration: missing or weak key material, bad KDF settings.
//     Fatal at startup; nothing may run with a downgraded setup.
//   - Contention: a concurrent writer won the race for a chain tail or
//     the chain lock could not be acquired in time. Retryable.
//   - Integrity: hash, signature or AEAD tag mismatch. Never retried.
//   - Storage: a write failed after signing or the written record did
//     not verify. The affected chain is halted until an operator resumes it.
//   - Invalid: the caller's input was rejected before anything was
//     signed (empty chain id, content that is not an object, a field
//     posing as sealed). Not retryable as is.
//
// Callers route on the kind with KindOf and on specific conditions with
// errors.Is against the sentinels below.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for routing.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindContention
	KindIntegrity
	KindStorage
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindContention:
		return "contention"
	case KindIntegrity:
		return "integrity"
	case KindStorage:
		return "storage"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Sentinel conditions. Wrap these with the constructors below so both
// errors.Is and KindOf work on the result.
var (
	ErrMissingSecret         = errors.New("master secret missing or empty")
	ErrWeakKey               = errors.New("key material too weak")
	ErrSigningKeyUnavailable = errors.New("signing key unavailable")
	ErrChainContention       = errors.New("chain contention")
	ErrStorageFault          = errors.New("storage fault")
	ErrChainHalted           = errors.New("chain halted")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrUnknownKey            = errors.New("unknown key id")
	ErrInvalidInput          = errors.New("invalid input")
)

// Error is a classified error. Op names the failing operation
// ("append", "decrypt", ...) and ChainID is set when the error is
// scoped to a single chain.
type Error struct {
	Kind    Kind
	Op      string
	ChainID string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.ChainID != "" {
		msg += fmt.Sprintf(" (chain %s)", e.ChainID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Configuration wraps err as a configuration error.
func Configuration(op string, err error) error {
	return &Error{Kind: KindConfiguration, Op: op, Err: err}
}

// Contention wraps err as a retryable contention error on chainID.
func Contention(op, chainID string, err error) error {
	return &Error{Kind: KindContention, Op: op, ChainID: chainID, Err: err}
}

// Integrity wraps err as an integrity error.
func Integrity(op, chainID string, err error) error {
	return &Error{Kind: KindIntegrity, Op: op, ChainID: chainID, Err: err}
}

// Storage wraps err as a storage error on chainID.
func Storage(op, chainID string, err error) error {
	return &Error{Kind: KindStorage, Op: op, ChainID: chainID, Err: err}
}

// Invalid wraps err as a rejected-input error.
func Invalid(op, chainID string, err error) error {
	return &Error{Kind: KindInvalid, Op: op, ChainID: chainID, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether the caller may retry the operation.
// Only contention is retryable.
func IsRetryable(err error) bool {
	return KindOf(err) == KindContention
}
