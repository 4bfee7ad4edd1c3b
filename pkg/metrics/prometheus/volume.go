package prometheus

import (
	"time"

	"github.com/marmos91/pmfs/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// volumeMetrics is the Prometheus implementation of metrics.VolumeMetrics.
type volumeMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	bytes      *prometheus.CounterVec
	files      prometheus.Gauge
}

var volumeCache collectorCache[volumeMetrics]

// NewVolumeMetrics creates a Prometheus-backed VolumeMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewVolumeMetrics() *volumeMetrics {
	return volumeCache.get(func(reg *prometheus.Registry) *volumeMetrics {
		return &volumeMetrics{
			operations: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "pmfs_file_operations_total",
					Help: "Total number of file operations by operation and result",
				},
				[]string{"op", "result"},
			),
			duration: promauto.With(reg).NewHistogramVec(
				prometheus.HistogramOpts{
					Name: "pmfs_file_operation_duration_milliseconds",
					Help: "Duration of file operations in milliseconds",
					Buckets: []float64{
						0.05, // 50us
						0.1,
						0.5,
						1,
						5,
						10,
						50,
						100,
						500,
						1000, // 1s - large synced writes
					},
				},
				[]string{"op"},
			),
			bytes: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "pmfs_file_bytes_total",
					Help: "Total bytes read from or written to files",
				},
				[]string{"op"}, // "read", "write"
			),
			files: promauto.With(reg).NewGauge(
				prometheus.GaugeOpts{
					Name: "pmfs_volume_files",
					Help: "Number of files in the volume",
				},
			),
		}
	})
}

// ObserveFileOperation records a completed file operation.
func (m *volumeMetrics) ObserveFileOperation(op string, bytes int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, result(err)).Inc()
	m.duration.WithLabelValues(op).Observe(float64(duration.Microseconds()) / 1000)
	if bytes > 0 {
		m.bytes.WithLabelValues(op).Add(float64(bytes))
	}
}

// RecordFiles records the number of files in the volume.
func (m *volumeMetrics) RecordFiles(n uint64) {
	if m == nil {
		return
	}
	m.files.Set(float64(n))
}

var _ metrics.VolumeMetrics = (*volumeMetrics)(nil)
