package host

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	transactions  *prometheus.CounterVec
	changes       prometheus.Counter
	applyDuration prometheus.Histogram
	watermark     prometheus.Gauge
	queries       prometheus.Gauge
}

// newMetrics creates the host metrics on a registerer. The metrics are not exported when the
// registerer is nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		transactions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ivm_transactions_total",
			Help: "Number of transactions applied, by result",
		}, []string{"result"}),
		changes: f.NewCounter(prometheus.CounterOpts{
			Name: "ivm_row_changes_total",
			Help: "Number of row changes pushed into the sources",
		}),
		applyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ivm_transaction_apply_duration_seconds",
			Help:    "Time spent applying a transaction, including view updates",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		watermark: f.NewGauge(prometheus.GaugeOpts{
			Name: "ivm_watermark",
			Help: "Version of the last applied transaction",
		}),
		queries: f.NewGauge(prometheus.GaugeOpts{
			Name: "ivm_queries",
			Help: "Number of registered queries",
		}),
	}
}
