package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	shortfallGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "custody",
		Subsystem: "reconciliation",
		Name:      "shortfalls",
		Help:      "Custody wallets holding less than expected in the last reconciliation run.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "custody",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total balance lookups or listings that failed during reconciliation.",
	})
)

func init() {
	prometheus.MustRegister(shortfallGauge, runDuration, runErrors)
}
