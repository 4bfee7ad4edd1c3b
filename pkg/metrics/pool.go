package metrics

import (
	"github.com/marmos91/pmfs/pkg/pmem"
	"github.com/marmos91/pmfs/pkg/pmem/badger"
)

// NewPoolMetrics returns transaction metrics labelled with the pool backend,
// or nil if metrics are not enabled.
func NewPoolMetrics(backend string) pmem.TxMetrics {
	if !IsEnabled() || newPrometheusPoolMetrics == nil {
		return nil
	}
	return newPrometheusPoolMetrics(backend)
}

// NewBadgerCacheMetrics returns badger cache metrics, or nil if metrics are
// not enabled.
func NewBadgerCacheMetrics() badger.CacheMetrics {
	if !IsEnabled() || newPrometheusBadgerMetrics == nil {
		return nil
	}
	return newPrometheusBadgerMetrics()
}

var (
	newPrometheusPoolMetrics   func(backend string) pmem.TxMetrics
	newPrometheusBadgerMetrics func() badger.CacheMetrics
)

// RegisterPoolMetricsConstructor registers the Prometheus pool metrics
// constructor.
func RegisterPoolMetricsConstructor(constructor func(backend string) pmem.TxMetrics) {
	newPrometheusPoolMetrics = constructor
}

// RegisterBadgerMetricsConstructor registers the Prometheus badger cache
// metrics constructor.
func RegisterBadgerMetricsConstructor(constructor func() badger.CacheMetrics) {
	newPrometheusBadgerMetrics = constructor
}
