// Package volume ties a pmem pool to a table of files.
//
// A volume's pool root is a superblock pointing at the inode table, a
// persistent hash map from inode number to file header. Each file keeps its
// data in an extent index (see pkg/filedata). Every operation runs in one
// pool transaction, so a failed write, truncate or removal leaves no trace.
//
// Concurrency:
// Operations on the same inode are serialized by a per-inode lock; reads
// share it. Create and Remove also take the namespace lock because they
// update the superblock and the inode table. Transactions that lose a write
// conflict (badger backend) are retried with exponential backoff.
package volume

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/pmfs/internal/logger"
	"github.com/marmos91/pmfs/internal/telemetry"
	"github.com/marmos91/pmfs/pkg/extent"
	"github.com/marmos91/pmfs/pkg/filedata"
	"github.com/marmos91/pmfs/pkg/hashmap"
	"github.com/marmos91/pmfs/pkg/metrics"
	"github.com/marmos91/pmfs/pkg/pmem"
)

var (
	// ErrNoSuchInode is returned for inode numbers missing from the inode
	// table.
	ErrNoSuchInode = errors.New("volume: no such inode")

	// ErrNotVolume is returned when the pool root is not a volume superblock.
	ErrNotVolume = errors.New("volume: pool does not hold a volume")

	// ErrClosed is returned for operations on a closed volume.
	ErrClosed = errors.New("volume: closed")
)

// Write-conflict retry constants.
const (
	conflictMaxRetries    = 8
	conflictInitialDelay  = time.Millisecond
	conflictMaxDelay      = 50 * time.Millisecond
	conflictBackoffFactor = 2
)

const lockStripes = 64

// Volume is a set of sparse files stored in one pool.
type Volume struct {
	pool      pmem.Pool
	ownsPool  bool
	root      pmem.OID
	inodes    pmem.OID
	minBlock  uint64
	maxBlocks uint64
	created   time.Time

	nsMu  sync.Mutex
	locks [lockStripes]sync.RWMutex

	closeMu sync.RWMutex
	closed  bool

	metrics       metrics.VolumeMetrics
	extentMetrics extent.Metrics
}

type options struct {
	minBlockSize    uint64
	maxExtentBlocks uint64
	metrics         metrics.VolumeMetrics
	extentMetrics   extent.Metrics
	ownsPool        bool
}

// Option configures a Volume.
type Option func(*options)

// WithMinBlockSize sets the minimum block size used when the pool is
// formatted. An existing volume keeps the size it was created with.
func WithMinBlockSize(size uint64) Option {
	return func(o *options) {
		o.minBlockSize = size
	}
}

// WithMaxExtentBlocks caps the size of new extents for this handle. When the
// pool is formatted the value is also stored as the volume default, which
// later opens fall back to.
func WithMaxExtentBlocks(n uint64) Option {
	return func(o *options) {
		o.maxExtentBlocks = n
	}
}

// WithMetrics records file operations.
func WithMetrics(m metrics.VolumeMetrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithExtentMetrics records extent index activity of every file.
func WithExtentMetrics(m extent.Metrics) Option {
	return func(o *options) {
		o.extentMetrics = m
	}
}

// WithOwnedPool makes Close also close the pool.
func WithOwnedPool() Option {
	return func(o *options) {
		o.ownsPool = true
	}
}

// Open opens the volume stored in pool, formatting the pool first if it has
// no root object yet.
func Open(ctx context.Context, pool pmem.Pool, opts ...Option) (v *Volume, err error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanVolumeOpen)
	defer func() { telemetry.EndSpan(span, err) }()

	o := options{minBlockSize: extent.DefaultMinBlockSize}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		root      pmem.OID
		sb        superblock
		formatted bool
	)
	err = retryConflicts(ctx, "open", func() error {
		return pool.Update(ctx, func(tx pmem.Tx) error {
			var err error
			if root, err = tx.Root(ctx); err != nil {
				return err
			}
			if root.IsNil() {
				formatted = true
				root, sb, err = format(ctx, tx, o)
				return err
			}
			formatted = false
			sb, err = loadSuperblock(ctx, tx, root)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	maxBlocks := sb.maxExtentBlocks
	if o.maxExtentBlocks > 0 {
		maxBlocks = o.maxExtentBlocks
	}

	v = &Volume{
		pool:          pool,
		ownsPool:      o.ownsPool,
		root:          root,
		inodes:        sb.inodes,
		minBlock:      sb.minBlockSize,
		maxBlocks:     maxBlocks,
		created:       time.Unix(0, sb.created),
		metrics:       o.metrics,
		extentMetrics: o.extentMetrics,
	}

	span.SetAttributes(telemetry.PoolID(pool.UUID().String()))
	if formatted {
		logger.InfoCtx(ctx, "Volume formatted",
			logger.KeyPool, pool.UUID().String(),
			"min_block_size", sb.minBlockSize,
			"max_extent_blocks", sb.maxExtentBlocks)
	} else {
		logger.InfoCtx(ctx, "Volume opened",
			logger.KeyPool, pool.UUID().String(),
			"next_inode", sb.nextInode)
	}
	return v, nil
}

// format writes an empty inode table and the superblock, and makes the
// superblock the pool root.
func format(ctx context.Context, tx pmem.Tx, o options) (pmem.OID, superblock, error) {
	if o.maxExtentBlocks == 0 {
		o.maxExtentBlocks = filedata.DefaultMaxExtentBlocks
	}
	// Fails early on a bad size instead of on the first Create.
	if o.minBlockSize < extent.MinMinBlockSize || o.minBlockSize&(o.minBlockSize-1) != 0 {
		return pmem.Nil, superblock{}, fmt.Errorf("format volume: invalid minimum block size %d", o.minBlockSize)
	}

	table, err := hashmap.Alloc(ctx, tx)
	if err != nil {
		return pmem.Nil, superblock{}, fmt.Errorf("format volume: %w", err)
	}

	sb := superblock{
		inodes:          table.ID(),
		nextInode:       RootInode,
		minBlockSize:    o.minBlockSize,
		maxExtentBlocks: o.maxExtentBlocks,
		created:         time.Now().UnixNano(),
	}
	root, err := tx.Alloc(ctx, pmem.KindVolume, sb.encode())
	if err != nil {
		return pmem.Nil, superblock{}, fmt.Errorf("format volume: allocate superblock: %w", err)
	}
	if err := tx.SetRoot(ctx, root); err != nil {
		return pmem.Nil, superblock{}, fmt.Errorf("format volume: %w", err)
	}
	return root, sb, nil
}

// UUID returns the identity of the underlying pool.
func (v *Volume) UUID() uuid.UUID { return v.pool.UUID() }

// Pool returns the underlying pool.
func (v *Volume) Pool() pmem.Pool { return v.pool }

// MinBlockSize returns the minimum block size of the volume's files.
func (v *Volume) MinBlockSize() uint64 { return v.minBlock }

// Close closes the volume, and the pool when the volume owns it.
func (v *Volume) Close() error {
	v.closeMu.Lock()
	defer v.closeMu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true

	if v.ownsPool {
		return v.pool.Close()
	}
	return nil
}

// acquire marks an operation in flight, failing once the volume is closed.
func (v *Volume) acquire() (release func(), err error) {
	v.closeMu.RLock()
	if v.closed {
		v.closeMu.RUnlock()
		return nil, ErrClosed
	}
	return v.closeMu.RUnlock, nil
}

func (v *Volume) inodeLock(ino uint64) *sync.RWMutex {
	return &v.locks[ino%lockStripes]
}

// withLogContext tags the log lines written under ctx with the operation,
// the inode and the pool.
func (v *Volume) withLogContext(ctx context.Context, op string, ino uint64) context.Context {
	lc := logger.NewLogContext(op).
		WithInode(ino).
		WithPool(v.pool.UUID().String()).
		WithTrace(telemetry.TraceID(ctx), telemetry.SpanID(ctx))
	return logger.WithContext(ctx, lc)
}

func (v *Volume) fileOptions(ino uint64) []filedata.Option {
	return []filedata.Option{
		filedata.WithInode(ino),
		filedata.WithMaxExtentBlocks(v.maxBlocks),
		filedata.WithIndexOptions(
			extent.WithMinBlockSize(v.minBlock),
			extent.WithMetrics(v.extentMetrics),
		),
	}
}

// lookup returns the file header OID of ino.
func (v *Volume) lookup(ctx context.Context, tx pmem.Tx, ino uint64) (pmem.OID, error) {
	table, err := hashmap.Open(ctx, tx, v.inodes)
	if err != nil {
		return pmem.Nil, err
	}
	oid, err := table.Get(ctx, ino)
	if err != nil {
		return pmem.Nil, err
	}
	if oid.IsNil() {
		return pmem.Nil, fmt.Errorf("%w: %d", ErrNoSuchInode, ino)
	}
	return oid, nil
}

func (v *Volume) openFile(ctx context.Context, tx pmem.Tx, ino uint64) (*filedata.File, error) {
	oid, err := v.lookup(ctx, tx, ino)
	if err != nil {
		return nil, err
	}
	return filedata.Open(ctx, tx, oid, v.fileOptions(ino)...)
}

// update runs fn in a read-write transaction, retrying write conflicts.
func (v *Volume) update(ctx context.Context, op string, fn func(tx pmem.Tx) error) error {
	return retryConflicts(ctx, op, func() error {
		return v.pool.Update(ctx, fn)
	})
}

// retryConflicts runs fn until it succeeds, fails with an error other than
// pmem.ErrConflict, or runs out of attempts.
func retryConflicts(ctx context.Context, op string, fn func() error) error {
	delay := conflictInitialDelay

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, pmem.ErrConflict) {
			return err
		}
		if attempt == conflictMaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", op, conflictMaxRetries, err)
		}

		telemetry.AddEvent(ctx, "tx.conflict", telemetry.TxAttempt(attempt+1))
		logger.DebugCtx(ctx, "Transaction conflict, retrying",
			logger.KeyOperation, op,
			"attempt", attempt+1,
			"delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s failed (context cancelled during retry): %w", op, err)
		}

		delay *= conflictBackoffFactor
		if delay > conflictMaxDelay {
			delay = conflictMaxDelay
		}
	}
}
