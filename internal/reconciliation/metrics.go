package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	custodyBalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lockdrop",
		Subsystem: "reconciliation",
		Name:      "custody_units",
		Help:      "Custody balance in UNIT at the last reconciliation run.",
	})

	custodyShortfall = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lockdrop",
		Subsystem: "reconciliation",
		Name:      "shortfall_units",
		Help:      "UNIT by which custody fell short of total locked at the last run (0 when covered).",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lockdrop",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lockdrop",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		custodyBalance,
		custodyShortfall,
		reconcileDuration,
		reconcileErrors,
	)
}
