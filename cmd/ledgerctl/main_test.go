package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/complykit/auditledger/internal/signing"
)

func TestParseRange(t *testing.T) {
	r, err := parseRange("3", "9")
	if err != nil {
		t.Fatal(err)
	}
	if r.From == nil || *r.From != 3 || r.To == nil || *r.To != 9 {
		t.Errorf("got %+v", r)
	}

	if r, err := parseRange("", ""); err != nil || r.From != nil || r.To != nil {
		t.Errorf("empty bounds should stay open, got %+v (%v)", r, err)
	}
	if _, err := parseRange("9", "3"); err == nil {
		t.Error("inverted range should fail")
	}
	if _, err := parseRange("-1", ""); err == nil {
		t.Error("negative sequence should fail")
	}
}

func TestGenerateKeyPair(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signing.pem")

	id, err := generateKeyPair(string(signing.Ed25519), path)
	if err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("private key mode: got %v", info.Mode().Perm())
	}

	signer, err := signing.LoadSigner(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if signer.KeyID() != id {
		t.Errorf("key id: got %q, want %q", signer.KeyID(), id)
	}

	pub, err := os.ReadFile(filepath.Join(dir, "signing.pub"))
	if err != nil {
		t.Fatal(err)
	}
	ring := signing.NewKeyRing()
	got, err := ring.AddPEM("", pub)
	if err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Errorf("public key id: got %q, want %q", got, id)
	}
}

func TestGenerateKeyPair_UnknownAlgorithm(t *testing.T) {
	if _, err := generateKeyPair("DSA", filepath.Join(t.TempDir(), "k.pem")); err == nil {
		t.Error("expected error for unknown algorithm")
	}
}
