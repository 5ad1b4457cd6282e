package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "recovered_total",
		Help:      "In-flight records resolved by reconciliation, by check and outcome.",
	}, []string{"check", "outcome"})

	reconcileStuck = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "stuck_in_flight",
		Help:      "In-flight records reconciliation could not resolve in its last run.",
	}, []string{"check"})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	}, []string{"check"})
)

func init() {
	prometheus.MustRegister(
		reconcileRecovered,
		reconcileStuck,
		reconcileDuration,
		reconcileErrors,
	)
}

func observe(check string, r Result) {
	reconcileRecovered.WithLabelValues(check, "finalized").Add(float64(r.Finalized))
	reconcileRecovered.WithLabelValues(check, "reverted").Add(float64(r.Reverted))
	reconcileStuck.WithLabelValues(check).Set(float64(r.Failed))
}
