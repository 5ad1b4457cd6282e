package refund

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "refund",
		Name:      "transitions_total",
		Help:      "Refund request status transitions by from and to status.",
	}, []string{"from", "to"})

	creditFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "refund",
		Name:      "credit_failures_total",
		Help:      "Refund credits rejected by the wallet.",
	})

	processedAmount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "refund",
		Name:      "processed_amount_total",
		Help:      "Sum of amounts credited by processed refunds, across assets.",
	})
)

func init() {
	prometheus.MustRegister(transitionsTotal, creditFailures, processedAmount)
}

func observeTransition(from, to Status) {
	f := string(from)
	if f == "" {
		f = "new"
	}
	transitionsTotal.WithLabelValues(f, string(to)).Inc()
}
