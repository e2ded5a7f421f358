package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
)

func TestRecords_Limit(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(t, store)
	appendN(t, svc, "org-1", 6)

	recs, err := Records(context.Background(), store, "org-1", 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[0].Sequence != 2 || recs[2].Sequence != 4 {
		t.Errorf("expected sequences 2..4, got %d..%d", recs[0].Sequence, recs[2].Sequence)
	}
}

func TestExport_Formats(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(t, store)
	appendN(t, svc, "org-1", 3)
	ctx := context.Background()

	t.Run("jsonl", func(t *testing.T) {
		var buf bytes.Buffer
		if err := Export(ctx, store, "org-1", &buf, ""); err != nil {
			t.Fatal(err)
		}
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 3 {
			t.Fatalf("expected 3 lines, got %d", len(lines))
		}
		var rec Record
		if err := json.Unmarshal([]byte(lines[1]), &rec); err != nil {
			t.Fatal(err)
		}
		if res := svc.Verifier().VerifyRecord(&rec); !res.Valid {
			t.Errorf("exported record should still verify: %+v", res)
		}
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		if err := Export(ctx, store, "org-1", &buf, "json"); err != nil {
			t.Fatal(err)
		}
		var recs []Record
		if err := json.Unmarshal(buf.Bytes(), &recs); err != nil {
			t.Fatal(err)
		}
		if len(recs) != 3 {
			t.Errorf("expected 3 records, got %d", len(recs))
		}
	})

	t.Run("json empty chain", func(t *testing.T) {
		var buf bytes.Buffer
		if err := Export(ctx, store, "nobody", &buf, "json"); err != nil {
			t.Fatal(err)
		}
		if strings.TrimSpace(buf.String()) != "[]" {
			t.Errorf("expected empty array, got %q", buf.String())
		}
	})

	t.Run("csv", func(t *testing.T) {
		var buf bytes.Buffer
		if err := Export(ctx, store, "org-1", &buf, "csv"); err != nil {
			t.Fatal(err)
		}
		rows, err := csv.NewReader(&buf).ReadAll()
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) != 4 {
			t.Fatalf("expected header + 3 rows, got %d", len(rows))
		}
		if rows[0][0] != "id" || rows[1][2] != "0" {
			t.Errorf("unexpected csv layout: %v", rows[:2])
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		if err := Export(ctx, store, "org-1", &bytes.Buffer{}, "xml"); err == nil {
			t.Error("expected error for unsupported format")
		}
	})
}
