package metrics

import "time"

// VolumeMetrics provides observability for file operations on a volume.
//
// This interface is optional - pass nil to disable metrics collection with
// zero overhead.
type VolumeMetrics interface {
	// ObserveFileOperation records a completed file operation.
	//
	// Parameters:
	//   - op: "write", "read", "truncate", "create" or "remove"
	//   - bytes: Bytes transferred (0 for metadata operations)
	//   - duration: Time taken, including the pool transaction
	//   - err: Outcome of the operation
	ObserveFileOperation(op string, bytes int, duration time.Duration, err error)

	// RecordFiles records the number of files in the volume.
	RecordFiles(n uint64)
}

// NewVolumeMetrics returns volume metrics, or nil if metrics are not enabled.
func NewVolumeMetrics() VolumeMetrics {
	if !IsEnabled() || newPrometheusVolumeMetrics == nil {
		return nil
	}
	return newPrometheusVolumeMetrics()
}

var newPrometheusVolumeMetrics func() VolumeMetrics

// RegisterVolumeMetricsConstructor registers the Prometheus volume metrics
// constructor.
func RegisterVolumeMetricsConstructor(constructor func() VolumeMetrics) {
	newPrometheusVolumeMetrics = constructor
}

// ObserveFileOperation records a file operation.
//
// Example usage:
//
//	start := time.Now()
//	n, err := f.WriteAt(ctx, p, off)
//	metrics.ObserveFileOperation(m, "write", n, time.Since(start), err)
func ObserveFileOperation(m VolumeMetrics, op string, bytes int, duration time.Duration, err error) {
	if m != nil {
		m.ObserveFileOperation(op, bytes, duration, err)
	}
}

// RecordFiles records the number of files in a volume.
func RecordFiles(m VolumeMetrics, n uint64) {
	if m != nil {
		m.RecordFiles(n)
	}
}
