// Package badger implements a pmem.Pool stored in BadgerDB.
//
// Each pool transaction is one badger transaction, so atomicity, isolation
// and durability come from badger. Concurrent Update calls that touch the
// same object fail with pmem.ErrConflict and must be retried by the caller.
package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/marmos91/pmfs/internal/logger"
	"github.com/marmos91/pmfs/pkg/pmem"
)

// ============================================================================
// Database Key Namespace Design
// ============================================================================
//
// Data Type        Prefix   Key Format           Value
// =====================================================================
// Objects          "o:"     o:<oid big endian>   kind (1 byte) + data
// Pool identity    "m:"     m:uuid               uuid (16 bytes)
// Root object      "m:"     m:root               oid (8 bytes)
// OID sequence     "m:"     m:seq                badger Sequence

const (
	prefixObject = "o:"

	seqBandwidth = 256
)

var (
	keyUUID = []byte("m:uuid")
	keyRoot = []byte("m:root")
	keySeq  = []byte("m:seq")
)

// keyObject generates a key for an object: "o:<oid>". Big endian keeps the
// keys in OID order for prefix scans.
func keyObject(oid pmem.OID) []byte {
	key := make([]byte, len(prefixObject)+8)
	copy(key, prefixObject)
	binary.BigEndian.PutUint64(key[len(prefixObject):], uint64(oid))
	return key
}

// Pool is a BadgerDB-backed persistent object pool.
type Pool struct {
	mu     sync.RWMutex
	db     *badgerdb.DB
	seq    *badgerdb.Sequence
	id     uuid.UUID
	path   string
	closed bool

	commits      atomic.Uint64
	metrics      pmem.TxMetrics
	cacheMetrics CacheMetrics
}

// CacheMetrics records the state of badger's block and index caches. A nil
// CacheMetrics records nothing.
type CacheMetrics interface {
	RecordCacheStats(cacheType string, hits, misses uint64, ratio float64)
}

type options struct {
	syncWrites   bool
	inMemory     bool
	metrics      pmem.TxMetrics
	cacheMetrics CacheMetrics
}

// Option configures a Pool.
type Option func(*options)

// WithSyncWrites makes every commit wait for fsync.
func WithSyncWrites(enabled bool) Option {
	return func(o *options) {
		o.syncWrites = enabled
	}
}

// WithInMemory runs badger without touching disk. The path is ignored.
func WithInMemory() Option {
	return func(o *options) {
		o.inMemory = true
	}
}

// WithMetrics records transaction outcomes.
func WithMetrics(m pmem.TxMetrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithCacheMetrics reports badger cache hit ratios whenever Stats runs.
func WithCacheMetrics(m CacheMetrics) Option {
	return func(o *options) {
		o.cacheMetrics = m
	}
}

// New opens (or creates) a pool in the badger directory at path.
func New(ctx context.Context, path string, opts ...Option) (*Pool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	bopts := badgerdb.DefaultOptions(path).
		WithLogger(nil).
		WithSyncWrites(o.syncWrites)
	if o.inMemory {
		bopts = bopts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	db, err := badgerdb.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}

	p := &Pool{db: db, path: path, metrics: o.metrics, cacheMetrics: o.cacheMetrics}

	if err := p.loadIdentity(); err != nil {
		_ = db.Close()
		return nil, err
	}

	seq, err := db.GetSequence(keySeq, seqBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open oid sequence: %w", err)
	}
	p.seq = seq

	logger.Info("Badger pool opened",
		logger.KeyPool, p.id.String(),
		logger.KeyPath, path,
		"sync_writes", o.syncWrites)

	return p, nil
}

// loadIdentity reads the pool UUID, generating it on first open.
func (p *Pool) loadIdentity() error {
	return p.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyUUID)
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			p.id = uuid.New()
			return txn.Set(keyUUID, p.id[:])
		}
		if err != nil {
			return fmt.Errorf("read pool identity: %w", err)
		}
		return item.Value(func(val []byte) error {
			id, err := uuid.FromBytes(val)
			if err != nil {
				return fmt.Errorf("decode pool identity: %w", err)
			}
			p.id = id
			return nil
		})
	})
}

// UUID returns the pool identity.
func (p *Pool) UUID() uuid.UUID {
	return p.id
}

// Update runs fn inside a badger read-write transaction.
func (p *Pool) Update(ctx context.Context, fn func(tx pmem.Tx) error) (err error) {
	start := time.Now()
	defer func() { pmem.ObserveTransaction(p.metrics, "update", start, err) }()

	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return pmem.ErrClosed
	}

	err = p.db.Update(func(txn *badgerdb.Txn) error {
		return fn(&badgerTx{pool: p, txn: txn, writable: true})
	})
	if err != nil {
		return mapError(err)
	}

	p.commits.Add(1)
	return nil
}

// View runs fn inside a badger read-only transaction.
func (p *Pool) View(ctx context.Context, fn func(tx pmem.Tx) error) (err error) {
	start := time.Now()
	defer func() { pmem.ObserveTransaction(p.metrics, "view", start, err) }()

	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return pmem.ErrClosed
	}

	return mapError(p.db.View(func(txn *badgerdb.Txn) error {
		return fn(&badgerTx{pool: p, txn: txn})
	}))
}

// Stats counts the live objects with a key-only scan.
func (p *Pool) Stats(ctx context.Context) (pmem.Stats, error) {
	stats := pmem.Stats{Backend: "badger", Durable: true, Transactions: p.commits.Load()}

	err := p.View(ctx, func(tx pmem.Tx) error {
		txn := tx.(*badgerTx).txn

		iopts := badgerdb.DefaultIteratorOptions
		iopts.PrefetchValues = false
		iopts.Prefix = []byte(prefixObject)

		it := txn.NewIterator(iopts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			stats.Objects++
		}
		return nil
	})
	if err == nil {
		p.reportCaches()
	}
	return stats, err
}

func (p *Pool) reportCaches() {
	if p.cacheMetrics == nil {
		return
	}
	if m := p.db.BlockCacheMetrics(); m != nil {
		p.cacheMetrics.RecordCacheStats("block", m.Hits(), m.Misses(), m.Ratio())
	}
	if m := p.db.IndexCacheMetrics(); m != nil {
		p.cacheMetrics.RecordCacheStats("index", m.Hits(), m.Misses(), m.Ratio())
	}
}

// Close releases the OID sequence and closes the database.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if err := p.seq.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release oid sequence: %w", err))
	}
	if err := p.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close badger: %w", err))
	}

	logger.Info("Badger pool closed", logger.KeyPool, p.id.String())
	return errors.Join(errs...)
}

// mapError translates badger errors into pmem errors, keeping the original
// in the chain.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badgerdb.ErrConflict):
		return fmt.Errorf("%w: %v", pmem.ErrConflict, err)
	case errors.Is(err, badgerdb.ErrTxnTooBig):
		return fmt.Errorf("%w: %v", pmem.ErrNoSpace, err)
	case errors.Is(err, badgerdb.ErrDBClosed):
		return fmt.Errorf("%w: %v", pmem.ErrClosed, err)
	default:
		return err
	}
}

// Ensure Pool implements pmem.Pool.
var (
	_ pmem.Pool          = (*Pool)(nil)
	_ pmem.StatsReporter = (*Pool)(nil)
)
