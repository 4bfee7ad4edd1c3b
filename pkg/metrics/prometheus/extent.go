package prometheus

import (
	"errors"

	"github.com/marmos91/pmfs/pkg/extent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// extentMetrics is the Prometheus implementation of extent.Metrics.
type extentMetrics struct {
	operations   *prometheus.CounterVec
	growLevels   prometheus.Counter
	shrinkLevels prometheus.Counter
	growEvents   prometheus.Counter
	shrinkEvents prometheus.Counter
	depth        prometheus.Histogram
}

var extentCollectors collectorCache[extentMetrics]

// NewExtentMetrics creates a Prometheus-backed extent.Metrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewExtentMetrics() *extentMetrics {
	return extentCollectors.get(func(reg *prometheus.Registry) *extentMetrics {
		return &extentMetrics{
			operations: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "pmfs_extent_operations_total",
					Help: "Total number of extent index operations by operation and result",
				},
				[]string{"op", "result"}, // op: "insert", "remove", "find"; result: "success", "overlap", "not_found", "error"
			),
			growLevels: promauto.With(reg).NewCounter(
				prometheus.CounterOpts{
					Name: "pmfs_extent_grow_levels_total",
					Help: "Total number of levels added to extent trees",
				},
			),
			shrinkLevels: promauto.With(reg).NewCounter(
				prometheus.CounterOpts{
					Name: "pmfs_extent_shrink_levels_total",
					Help: "Total number of levels removed from extent trees",
				},
			),
			growEvents: promauto.With(reg).NewCounter(
				prometheus.CounterOpts{
					Name: "pmfs_extent_grow_events_total",
					Help: "Total number of inserts that grew an extent tree",
				},
			),
			shrinkEvents: promauto.With(reg).NewCounter(
				prometheus.CounterOpts{
					Name: "pmfs_extent_shrink_events_total",
					Help: "Total number of removes that shrank an extent tree",
				},
			),
			depth: promauto.With(reg).NewHistogram(
				prometheus.HistogramOpts{
					Name:    "pmfs_extent_tree_depth",
					Help:    "Depth of extent trees observed after each mutation",
					Buckets: []float64{0, 1, 2, 3, 4, 6, 8, 12, 16},
				},
			),
		}
	})
}

// ObserveOperation records the outcome of an index operation.
func (m *extentMetrics) ObserveOperation(op string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, extentResult(err)).Inc()
}

// ObserveGrow records levels added by one insert.
func (m *extentMetrics) ObserveGrow(levels int) {
	if m == nil {
		return
	}
	m.growEvents.Inc()
	m.growLevels.Add(float64(levels))
}

// ObserveShrink records levels removed by one remove.
func (m *extentMetrics) ObserveShrink(levels int) {
	if m == nil {
		return
	}
	m.shrinkEvents.Inc()
	m.shrinkLevels.Add(float64(levels))
}

// RecordDepth records the depth of a tree after a mutation.
func (m *extentMetrics) RecordDepth(depth int) {
	if m == nil {
		return
	}
	m.depth.Observe(float64(depth))
}

func extentResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, extent.ErrOverlap):
		return "overlap"
	case errors.Is(err, extent.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

var _ extent.Metrics = (*extentMetrics)(nil)
