package volume

import (
	"context"
	"fmt"

	"github.com/marmos91/pmfs/pkg/config"
	"github.com/marmos91/pmfs/pkg/metrics"
	"github.com/marmos91/pmfs/pkg/pmem"
	"github.com/marmos91/pmfs/pkg/pmem/badger"
	"github.com/marmos91/pmfs/pkg/pmem/memory"
	"github.com/marmos91/pmfs/pkg/wal"
)

// NewPool opens the pool described by cfg. Metrics are attached when the
// metrics registry is initialized.
func NewPool(ctx context.Context, cfg config.PoolConfig) (pmem.Pool, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		opts := []memory.Option{
			memory.WithCapacity(cfg.Capacity),
			memory.WithCompactThreshold(cfg.CompactThreshold),
			memory.WithMetrics(metrics.NewPoolMetrics(config.BackendMemory)),
		}
		if cfg.WAL {
			persister, err := wal.NewMmapPersister(cfg.Path, wal.WithSyncWrites(cfg.SyncWrites))
			if err != nil {
				return nil, fmt.Errorf("open redo log: %w", err)
			}
			opts = append(opts, memory.WithPersister(persister))
		}
		return memory.New(opts...)

	case config.BackendBadger:
		return badger.New(ctx, cfg.Path,
			badger.WithSyncWrites(cfg.SyncWrites),
			badger.WithMetrics(metrics.NewPoolMetrics(config.BackendBadger)),
			badger.WithCacheMetrics(metrics.NewBadgerCacheMetrics()))

	default:
		return nil, fmt.Errorf("unknown pool backend %q", cfg.Backend)
	}
}

// OpenConfig opens the pool described by cfg and the volume inside it. The
// returned volume owns the pool.
func OpenConfig(ctx context.Context, cfg *config.Config) (*Volume, error) {
	pool, err := NewPool(ctx, cfg.Pool)
	if err != nil {
		return nil, err
	}

	v, err := Open(ctx, pool,
		WithOwnedPool(),
		WithMinBlockSize(cfg.Extent.MinBlockSize.Uint64()),
		WithMaxExtentBlocks(cfg.Extent.MaxExtentBlocks),
		WithMetrics(metrics.NewVolumeMetrics()),
		WithExtentMetrics(metrics.NewExtentMetrics()))
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	return v, nil
}
