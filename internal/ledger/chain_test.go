package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCanonicalize_SortedAndCompact(t *testing.T) {
	got, err := Canonicalize(map[string]any{
		"resource": "patient:42",
		"action":   "VIEW",
		"meta":     map[string]any{"z": 1, "a": []any{"x", 2}},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"action":"VIEW","meta":{"a":["x",2],"z":1},"resource":"patient:42"}`
	if string(got) != want {
		t.Errorf("canonical form:\n got %s\nwant %s", got, want)
	}
}

func TestCanonicalize_EquivalentInputs(t *testing.T) {
	type event struct {
		Action   string `json:"action"`
		Resource string `json:"resource"`
	}
	inputs := []any{
		event{Action: "VIEW", Resource: "patient:42"},
		map[string]string{"resource": "patient:42", "action": "VIEW"},
		[]byte(`{ "resource" : "patient:42",
		          "action": "VIEW" }`),
	}

	var first string
	for i, in := range inputs {
		got, err := Canonicalize(in)
		if err != nil {
			t.Fatalf("input %d: %v", i, err)
		}
		if i == 0 {
			first = string(got)
			continue
		}
		if string(got) != first {
			t.Errorf("input %d canonicalized to %s, want %s", i, got, first)
		}
	}
}

func TestCanonicalize_Idempotent(t *testing.T) {
	once, err := Canonicalize([]byte(`{"b":"<tag> & more","a":1.50,"c":12345678901234567890}`))
	if err != nil {
		t.Fatal(err)
	}
	twice, err := Canonicalize(once)
	if err != nil {
		t.Fatal(err)
	}
	if string(once) != string(twice) {
		t.Errorf("not idempotent:\n %s\n %s", once, twice)
	}
	if !strings.Contains(string(once), "1.50") || !strings.Contains(string(once), "12345678901234567890") {
		t.Errorf("numbers should keep their literal form: %s", once)
	}
}

func TestCanonicalize_RejectsNonObjects(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{"array", []any{1, 2}},
		{"string", "hello"},
		{"null", nil},
		{"raw null", []byte("null")},
		{"trailing data", []byte(`{"a":1} {"b":2}`)},
		{"invalid json", []byte(`{"a":`)},
		{"unmarshalable", map[string]any{"f": func() {}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Canonicalize(tt.in)
			if !errors.Is(err, ErrInvalidContent) {
				t.Errorf("expected ErrInvalidContent, got %v", err)
			}
		})
	}
}

func TestBuildChainHash_Deterministic(t *testing.T) {
	content := []byte(`{"action":"VIEW"}`)
	h1 := BuildChainHash(GenesisHash, content)
	h2 := BuildChainHash(GenesisHash, content)
	if h1 != h2 {
		t.Error("same input should produce the same hash")
	}
	if len(h1) != 64 {
		t.Errorf("hash should be 64 hex chars, got %d", len(h1))
	}

	sum := sha256.Sum256(append([]byte(GenesisHash), content...))
	if want := hex.EncodeToString(sum[:]); h1 != want {
		t.Errorf("hash = %s, want sha256(prev || content) = %s", h1, want)
	}
}

func TestBuildChainHash_SensitiveToInputs(t *testing.T) {
	base := BuildChainHash(GenesisHash, []byte(`{"a":1}`))
	if BuildChainHash(strings.Repeat("1", 64), []byte(`{"a":1}`)) == base {
		t.Error("changing previous hash should change the chain hash")
	}
	if BuildChainHash(GenesisHash, []byte(`{"a":2}`)) == base {
		t.Error("changing content should change the chain hash")
	}
}

func TestSigningInput_CoversRecordFields(t *testing.T) {
	base := Record{
		ChainID:   "org-1",
		Sequence:  3,
		PrevHash:  GenesisHash,
		ChainHash: strings.Repeat("a", 64),
		KeyID:     "k1",
		Algorithm: "ED25519",
		CreatedAt: time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC),
	}
	baseInput := string(SigningInput(&base))

	tests := []struct {
		name   string
		modify func(r *Record)
	}{
		{"chain", func(r *Record) { r.ChainID = "org-2" }},
		{"sequence", func(r *Record) { r.Sequence = 4 }},
		{"previous hash", func(r *Record) { r.PrevHash = strings.Repeat("1", 64) }},
		{"chain hash", func(r *Record) { r.ChainHash = strings.Repeat("b", 64) }},
		{"key id", func(r *Record) { r.KeyID = "k2" }},
		{"algorithm", func(r *Record) { r.Algorithm = "RSA-PSS-SHA256" }},
		{"created at", func(r *Record) { r.CreatedAt = r.CreatedAt.Add(time.Microsecond) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			modified := base
			tt.modify(&modified)
			if string(SigningInput(&modified)) == baseInput {
				t.Errorf("changing %s should change the signing input", tt.name)
			}
		})
	}

	// The same instant in another zone signs identically.
	local := base
	local.CreatedAt = base.CreatedAt.In(time.FixedZone("X", 3600))
	if string(SigningInput(&local)) != baseInput {
		t.Error("signing input should not depend on the timestamp's zone")
	}
}
