package secret

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// EnvResolver reads env://NAME.
type EnvResolver struct{}

func (EnvResolver) Scheme() string { return "env" }

func (EnvResolver) Resolve(_ context.Context, reference string) ([]byte, error) {
	name := strings.TrimPrefix(reference, "env://")
	if name == "" {
		return nil, &InvalidReferenceError{Reference: reference, Reason: "missing variable name"}
	}
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil, &NotFoundError{Reference: reference, Backend: "environment"}
	}
	return []byte(v), nil
}

// FileResolver reads file:///absolute/path. The file must not be
// readable by group or others; a key file with loose permissions may
// already have leaked.
type FileResolver struct{}

func (FileResolver) Scheme() string { return "file" }

func (FileResolver) Resolve(_ context.Context, reference string) ([]byte, error) {
	u, err := url.Parse(reference)
	if err != nil || u.Path == "" {
		return nil, &InvalidReferenceError{Reference: reference, Reason: "expected file:///absolute/path"}
	}
	if u.Host != "" {
		return nil, &InvalidReferenceError{Reference: reference, Reason: "file references take no host; use file:///path"}
	}

	info, err := os.Stat(u.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Reference: reference, Backend: "file"}
		}
		return nil, fmt.Errorf("reading secret file: %w", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return nil, fmt.Errorf("%w: %s has permissions %04o (expected 0600)", ErrInsecurePermissions, u.Path, perm)
	}
	data, err := os.ReadFile(u.Path)
	if err != nil {
		return nil, fmt.Errorf("reading secret file: %w", err)
	}
	return data, nil
}

// KeyringResolver reads keyring://service/account from the OS keychain.
type KeyringResolver struct{}

func (KeyringResolver) Scheme() string { return "keyring" }

func (KeyringResolver) Resolve(_ context.Context, reference string) ([]byte, error) {
	service, account, err := parseKeyringReference(reference)
	if err != nil {
		return nil, err
	}
	v, err := keyring.Get(service, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, &NotFoundError{Reference: reference, Backend: "system keychain"}
	}
	if err != nil {
		return nil, &BackendError{
			Backend:   "system keychain",
			Reference: reference,
			Reason:    err.Error(),
			Fix:       "On Linux a Secret Service provider (gnome-keyring, kwallet) must be running.",
			Err:       err,
		}
	}
	return []byte(v), nil
}

// StoreKeyring writes value to the keychain entry named by reference.
// An existing entry is not overwritten.
func StoreKeyring(reference, value string) error {
	service, account, err := parseKeyringReference(reference)
	if err != nil {
		return err
	}
	if _, err := keyring.Get(service, account); err == nil {
		return fmt.Errorf("keychain entry %s already exists", reference)
	}
	if err := keyring.Set(service, account, value); err != nil {
		return &BackendError{Backend: "system keychain", Reference: reference, Reason: err.Error(), Err: err}
	}
	return nil
}

func parseKeyringReference(ref string) (service, account string, err error) {
	rest := strings.TrimPrefix(ref, "keyring://")
	service, account, ok := strings.Cut(rest, "/")
	if !ok || service == "" || account == "" {
		return "", "", &InvalidReferenceError{Reference: ref, Reason: "expected keyring://service/account"}
	}
	return service, account, nil
}
