package prometheus

import (
	"github.com/marmos91/pmfs/pkg/pmem/badger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// badgerMetrics is the Prometheus implementation of badger.CacheMetrics.
type badgerMetrics struct {
	cacheHitRatio *prometheus.GaugeVec
	cacheMisses   *prometheus.GaugeVec
	cacheHits     *prometheus.GaugeVec
}

var badgerCache collectorCache[badgerMetrics]

// NewBadgerMetrics creates a new Prometheus-backed BadgerDB metrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewBadgerMetrics() *badgerMetrics {
	return badgerCache.get(func(reg *prometheus.Registry) *badgerMetrics {
		return &badgerMetrics{
			cacheHitRatio: promauto.With(reg).NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "pmfs_badger_cache_hit_ratio",
					Help: "BadgerDB cache hit ratio (0.0 to 1.0) by cache type",
				},
				[]string{"cache_type"}, // "block", "index"
			),
			cacheMisses: promauto.With(reg).NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "pmfs_badger_cache_misses",
					Help: "BadgerDB cache misses since the pool was opened, by cache type",
				},
				[]string{"cache_type"},
			),
			cacheHits: promauto.With(reg).NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "pmfs_badger_cache_hits",
					Help: "BadgerDB cache hits since the pool was opened, by cache type",
				},
				[]string{"cache_type"},
			),
		}
	})
}

// RecordCacheStats records the counters of one badger cache.
func (m *badgerMetrics) RecordCacheStats(cacheType string, hits, misses uint64, ratio float64) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(cacheType).Set(float64(hits))
	m.cacheMisses.WithLabelValues(cacheType).Set(float64(misses))
	m.cacheHitRatio.WithLabelValues(cacheType).Set(ratio)
}

var _ badger.CacheMetrics = (*badgerMetrics)(nil)
