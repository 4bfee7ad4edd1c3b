// Package prometheus implements the PMFS metrics interfaces with the
// Prometheus client. Importing it registers the constructors with
// pkg/metrics.
package prometheus

import (
	"sync"

	"github.com/marmos91/pmfs/pkg/extent"
	"github.com/marmos91/pmfs/pkg/metrics"
	"github.com/marmos91/pmfs/pkg/pmem"
	"github.com/marmos91/pmfs/pkg/pmem/badger"
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	metrics.RegisterExtentMetricsConstructor(func() extent.Metrics {
		if m := NewExtentMetrics(); m != nil {
			return m
		}
		return nil
	})
	metrics.RegisterPoolMetricsConstructor(func(backend string) pmem.TxMetrics {
		if m := NewPoolMetrics(backend); m != nil {
			return m
		}
		return nil
	})
	metrics.RegisterBadgerMetricsConstructor(func() badger.CacheMetrics {
		if m := NewBadgerMetrics(); m != nil {
			return m
		}
		return nil
	})
	metrics.RegisterVolumeMetricsConstructor(func() metrics.VolumeMetrics {
		if m := NewVolumeMetrics(); m != nil {
			return m
		}
		return nil
	})
}

// collectorCache hands out one collector set per registry, so constructors
// can be called any number of times without duplicate registration.
type collectorCache[T any] struct {
	mu   sync.Mutex
	reg  *prometheus.Registry
	sets *T
}

func (c *collectorCache[T]) get(build func(reg *prometheus.Registry) *T) *T {
	reg := metrics.GetRegistry()
	if reg == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reg != reg {
		c.reg = reg
		c.sets = build(reg)
	}
	return c.sets
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
