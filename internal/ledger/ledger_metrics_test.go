package ledger

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestObserveOp_IncrementsCounter(t *testing.T) {
	LedgerOpsTotal.Reset()

	done := observeOp("test_op")
	done()

	m := &dto.Metric{}
	counter, err := LedgerOpsTotal.GetMetricWithLabelValues("test_op")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = counter.Write(m)

	if m.Counter.GetValue() != 1.0 {
		t.Errorf("expected counter value 1, got %f", m.Counter.GetValue())
	}
}

func TestLedger_DuplicateReferenceCounted(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())

	m := &dto.Metric{}
	_ = duplicateRefs.Write(m)
	before := m.Counter.GetValue()

	_ = l.Credit(ctx, "A", 5, 1, "dup")
	_ = l.Credit(ctx, "A", 5, 1, "dup")

	_ = duplicateRefs.Write(m)
	if got := m.Counter.GetValue() - before; got != 1 {
		t.Errorf("expected 1 duplicate, got %f", got)
	}
}

func TestMetrics_Registered(t *testing.T) {
	LedgerOpsTotal.WithLabelValues("credit")
	LedgerOpDuration.WithLabelValues("credit").Observe(0.001)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{
		"escrowd_ledger_operations_total",
		"escrowd_ledger_operation_duration_seconds",
	} {
		if !found[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}
