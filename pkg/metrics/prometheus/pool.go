package prometheus

import (
	"errors"
	"time"

	"github.com/marmos91/pmfs/pkg/pmem"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type poolCollectors struct {
	transactions *prometheus.CounterVec
	duration     *prometheus.HistogramVec
}

// poolMetrics is the Prometheus implementation of pmem.TxMetrics for one
// backend.
type poolMetrics struct {
	backend string
	*poolCollectors
}

var poolCache collectorCache[poolCollectors]

// NewPoolMetrics creates Prometheus-backed transaction metrics labelled with
// backend.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewPoolMetrics(backend string) *poolMetrics {
	c := poolCache.get(func(reg *prometheus.Registry) *poolCollectors {
		return &poolCollectors{
			transactions: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "pmfs_pool_transactions_total",
					Help: "Total number of pool transactions by backend, kind and result",
				},
				[]string{"backend", "kind", "result"}, // kind: "update", "view"
			),
			duration: promauto.With(reg).NewHistogramVec(
				prometheus.HistogramOpts{
					Name: "pmfs_pool_transaction_duration_milliseconds",
					Help: "Duration of pool transactions in milliseconds",
					Buckets: []float64{
						0.01, // 10us - in-memory views
						0.05,
						0.1,
						0.5,
						1,
						5,
						10, // 10ms - synced commits
						50,
						100,
						500,
					},
				},
				[]string{"backend", "kind"},
			),
		}
	})
	if c == nil {
		return nil
	}
	return &poolMetrics{backend: backend, poolCollectors: c}
}

// ObserveTransaction records the outcome and duration of a transaction.
func (m *poolMetrics) ObserveTransaction(kind string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(m.backend, kind, txResult(err)).Inc()
	m.duration.WithLabelValues(m.backend, kind).Observe(float64(duration.Microseconds()) / 1000)
}

func txResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, pmem.ErrConflict):
		return "conflict"
	case errors.Is(err, pmem.ErrNoSpace):
		return "no_space"
	default:
		return "error"
	}
}

var _ pmem.TxMetrics = (*poolMetrics)(nil)
