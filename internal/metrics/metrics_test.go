package metrics

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/complykit/auditledger/internal/ledger"
	"github.com/complykit/auditledger/internal/signing"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)
	var total float64
	for m := range ch {
		var out dto.Metric
		if err := m.Write(&out); err != nil {
			t.Fatal(err)
		}
		total += out.GetCounter().GetValue()
	}
	return total
}

func TestMetrics_Register(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := NewMetrics().Register(reg); err == nil {
		t.Error("duplicate registration should fail")
	}

	m.AppendDone("success", time.Millisecond)
	m.VerifyDone("valid", 3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{MetricAppendsTotal, MetricAppendDuration, MetricVerificationsTotal, MetricVerifiedRecordsTotal} {
		if !found[name] {
			t.Errorf("metric %s not gathered", name)
		}
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.AppendDone("success", time.Second)
	m.AppendConflict()
	m.ChainHalted()
	m.VerifyDone("valid", 1)
}

func TestMetrics_ObservesLedger(t *testing.T) {
	m := NewMetrics()
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	signer, err := signing.NewSigner(priv, "k1")
	if err != nil {
		t.Fatal(err)
	}
	svc, err := ledger.NewService(ledger.Options{Store: ledger.NewMemoryStore(), Signer: signer, Observer: m})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := svc.Append(ctx, "org-1", map[string]any{"n": i}, ""); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := svc.Verifier().VerifyChain(ctx, "org-1", ledger.Range{}); err != nil {
		t.Fatal(err)
	}

	if got := counterValue(t, m.appends.WithLabelValues("success")); got != 3 {
		t.Errorf("successful appends = %v, want 3", got)
	}
	if got := counterValue(t, m.verifications.WithLabelValues("valid")); got != 1 {
		t.Errorf("valid verifications = %v, want 1", got)
	}
	if got := counterValue(t, m.verifiedRecords); got != 3 {
		t.Errorf("verified records = %v, want 3", got)
	}
}
