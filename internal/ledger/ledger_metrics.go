package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowd",
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	opFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Subsystem: "ledger",
			Name:      "operation_failures_total",
			Help:      "Ledger debits and credits that were rejected or failed.",
		},
		[]string{"type"},
	)

	duplicateRefs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "ledger",
		Name:      "duplicate_references_total",
		Help:      "Movements skipped because their reference was already applied.",
	})
)

func init() {
	prometheus.MustRegister(LedgerOpsTotal, LedgerOpDuration, opFailures, duplicateRefs)
}

// observeOp counts an operation and returns a func that records its duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
