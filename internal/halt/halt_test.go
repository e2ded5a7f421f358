package halt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/complykit/auditledger/internal/fault"
	"github.com/complykit/auditledger/internal/ledger"
	"github.com/complykit/auditledger/internal/signing"
)

func TestOpen_NonexistentFile(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "halted.yaml"))
	if err != nil {
		t.Fatalf("Open with nonexistent file should not error: %v", err)
	}
	if l.IsHalted("org-1") {
		t.Error("nothing should be halted initially")
	}
}

func TestOpen_LoadExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halted.yaml")
	data := []byte("- chain: org-1\n  halted_at: \"2026-01-01T00:00:00Z\"\n  reason: \"write failed\"\n  halted_by: \"ledger\"\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if !l.IsHalted("org-1") {
		t.Error("org-1 should be halted after loading")
	}
	if l.IsHalted("org-2") {
		t.Error("org-2 should not be halted")
	}
	e, _ := l.Get("org-1")
	if e.Reason != "write failed" {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestOpen_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halted.yaml")
	os.WriteFile(path, []byte("{{{"), 0o644)
	if _, err := Open(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestHalt_PersistsAndResumes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halted.yaml")
	l, _ := Open(path)

	if err := l.HaltBy("org-1", "operator review", "alice"); err != nil {
		t.Fatal(err)
	}
	// Halting again keeps the first entry.
	if err := l.Halt("org-1", "second reason"); err != nil {
		t.Fatal(err)
	}
	if e, _ := l.Get("org-1"); e.HaltedBy != "alice" || e.Reason != "operator review" {
		t.Errorf("expected original entry, got %+v", e)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reopened.IsHalted("org-1") {
		t.Fatal("halt should survive a restart")
	}

	if err := l.Resume("org-1"); err != nil {
		t.Fatal(err)
	}
	if l.IsHalted("org-1") {
		t.Error("org-1 should not be halted after Resume")
	}
	if err := l.Resume("org-1"); err != nil {
		t.Errorf("resuming a running chain should not error: %v", err)
	}

	data, _ := os.ReadFile(path)
	if len(data) != 0 {
		t.Errorf("empty list should be written as an empty file, got %q", data)
	}
}

func TestReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halted.yaml")
	writer, _ := Open(path)
	reader, _ := Open(path)

	writer.HaltBy("org-1", "r", "cli")
	if reader.IsHalted("org-1") {
		t.Fatal("reader should not see the halt before Reload")
	}
	if err := reader.Reload(); err != nil {
		t.Fatal(err)
	}
	if !reader.IsHalted("org-1") {
		t.Error("reader should see the halt after Reload")
	}
}

func TestReload_MalformedFileKeepsHalts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halted.yaml")
	l, _ := Open(path)
	if err := l.Halt("org-1", "write failed"); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("- chain: [unterminated\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := l.Reload(); err == nil {
		t.Fatal("expected error for malformed halt list")
	}
	if !l.IsHalted("org-1") {
		t.Error("a failed reload must keep existing halts")
	}
}

func TestResume_MalformedFileRefuses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halted.yaml")
	l, _ := Open(path)
	l.Halt("org-1", "write failed")

	os.WriteFile(path, []byte("{{{"), 0o644)
	if err := l.Resume("org-1"); err == nil {
		t.Fatal("resume should fail while the halt list is unreadable")
	}
	if !l.IsHalted("org-1") {
		t.Error("org-1 must stay halted")
	}
}

func TestHalt_MalformedFileStillHalts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halted.yaml")
	l, _ := Open(path)

	os.WriteFile(path, []byte("{{{"), 0o644)
	if err := l.Halt("org-1", "write failed"); err == nil {
		t.Error("expected error when the halt list cannot be read")
	}
	if !l.IsHalted("org-1") {
		t.Error("halt must take effect in memory")
	}
	if data, _ := os.ReadFile(path); string(data) != "{{{" {
		t.Errorf("unreadable file must not be overwritten, got %q", data)
	}

	// Once the file is fixed, the next change writes the pending halt.
	os.WriteFile(path, nil, 0o644)
	if err := l.Halt("org-2", "write failed"); err != nil {
		t.Fatal(err)
	}
	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reopened.IsHalted("org-1") || !reopened.IsHalted("org-2") {
		t.Errorf("both halts should be persisted, got %+v", reopened.Entries())
	}
}

func TestHalt_MergesWithOtherProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halted.yaml")
	cli, _ := Open(path)
	service, _ := Open(path)

	if err := cli.HaltBy("org-1", "suspected tampering", "operator"); err != nil {
		t.Fatal(err)
	}
	if err := service.Halt("org-2", "write failed"); err != nil {
		t.Fatal(err)
	}
	if !service.IsHalted("org-1") {
		t.Error("service should pick up halts written by others when it saves")
	}

	reopened, _ := Open(path)
	if !reopened.IsHalted("org-1") || !reopened.IsHalted("org-2") {
		t.Fatalf("both halts should survive, got %+v", reopened.Entries())
	}

	// A resume elsewhere is not undone by a later save here.
	if err := cli.Resume("org-1"); err != nil {
		t.Fatal(err)
	}
	if err := service.Halt("org-3", "write failed"); err != nil {
		t.Fatal(err)
	}
	reopened, _ = Open(path)
	if reopened.IsHalted("org-1") {
		t.Error("org-1 was resumed and should stay resumed")
	}
	if !reopened.IsHalted("org-2") || !reopened.IsHalted("org-3") {
		t.Errorf("unexpected halts: %+v", reopened.Entries())
	}
}

func TestEntries_Sorted(t *testing.T) {
	l, _ := Open(filepath.Join(t.TempDir(), "halted.yaml"))
	l.Halt("org-c", "x")
	l.Halt("org-a", "x")
	l.Halt("org-b", "x")

	entries := l.Entries()
	if len(entries) != 3 || entries[0].Chain != "org-a" || entries[2].Chain != "org-c" {
		t.Errorf("unexpected order: %+v", entries)
	}
}

type brokenStore struct{ *ledger.MemoryStore }

func (brokenStore) Append(context.Context, *ledger.Record, *ledger.Tail) error {
	return errors.New("disk full")
}

func TestList_HaltsLedgerService(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halted.yaml")
	l, _ := Open(path)

	priv, err := signing.GenerateKey(signing.Ed25519)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := signing.NewSigner(priv, "k1")
	if err != nil {
		t.Fatal(err)
	}
	svc, err := ledger.NewService(ledger.Options{
		Store:  brokenStore{ledger.NewMemoryStore()},
		Signer: signer,
		Halter: l,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Append(context.Background(), "org-1", map[string]any{"a": 1}, ""); !errors.Is(err, fault.ErrStorageFault) {
		t.Fatalf("expected storage fault, got %v", err)
	}

	reopened, _ := Open(path)
	e, ok := reopened.Get("org-1")
	if !ok || e.HaltedBy != "ledger" {
		t.Errorf("halt should be persisted by the ledger, got %+v ok=%v", e, ok)
	}
}
