package escrow

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "escrow",
		Name:      "transitions_total",
		Help:      "Escrow status transitions by from and to status.",
	}, []string{"from", "to"})

	walletFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "escrow",
		Name:      "wallet_failures_total",
		Help:      "Failed wallet calls by operation.",
	}, []string{"op"})

	escrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "escrow",
		Name:      "duration_seconds",
		Help:      "Time from escrow creation to resolution in seconds.",
		Buckets:   []float64{10, 60, 300, 1800, 3600, 21600, 86400, 604800},
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "escrow",
		Name:      "timeout_sweep_duration_seconds",
		Help:      "Duration of ProcessTimeouts runs.",
		Buckets:   prometheus.DefBuckets,
	})

	sweepTimedOut = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "escrow",
		Name:      "timed_out_total",
		Help:      "Escrows moved to timed_out by the timeout sweep.",
	})
)

func init() {
	prometheus.MustRegister(transitionsTotal, walletFailures, escrowDuration, sweepDuration, sweepTimedOut)
}

func observeTransition(from, to Status) {
	f := string(from)
	if f == "" {
		f = "new"
	}
	transitionsTotal.WithLabelValues(f, string(to)).Inc()
}
