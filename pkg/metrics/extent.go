package metrics

import "github.com/marmos91/pmfs/pkg/extent"

// NewExtentMetrics returns the extent index metrics, or nil if metrics are
// not enabled (InitRegistry not called). All indexes of a process share one
// instance.
func NewExtentMetrics() extent.Metrics {
	if !IsEnabled() || newPrometheusExtentMetrics == nil {
		return nil
	}
	return newPrometheusExtentMetrics()
}

// newPrometheusExtentMetrics is set by pkg/metrics/prometheus.
var newPrometheusExtentMetrics func() extent.Metrics

// RegisterExtentMetricsConstructor registers the Prometheus extent metrics
// constructor. Called by pkg/metrics/prometheus during initialization.
func RegisterExtentMetricsConstructor(constructor func() extent.Metrics) {
	newPrometheusExtentMetrics = constructor
}
