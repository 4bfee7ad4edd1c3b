// Package memory implements a heap-backed pmem.Pool.
//
// Transactions buffer their writes in a private write set that is applied to
// the shared object table only when the transaction function returns nil, so a
// failed transaction leaves no trace. Attaching a redo log (wal.Persister)
// makes committed transactions survive a restart: every commit is appended to
// the log before it becomes visible, and New replays the log.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/pmfs/internal/logger"
	"github.com/marmos91/pmfs/pkg/pmem"
	"github.com/marmos91/pmfs/pkg/wal"
)

// DefaultCompactThreshold is the number of commits after which the redo log
// is replaced by a snapshot of the pool.
const DefaultCompactThreshold = 4096

type object struct {
	kind pmem.Kind
	data []byte
}

// Pool is an in-memory persistent object pool.
type Pool struct {
	// writeMu serializes Update transactions.
	writeMu sync.Mutex

	// mu guards the committed state below. Views hold the read lock for their
	// whole duration; commits take the write lock only to apply a write set.
	mu      sync.RWMutex
	objects map[pmem.OID]*object
	root    pmem.OID
	nextOID uint64
	txid    uint64
	closed  bool

	id        uuid.UUID
	capacity  int
	persister wal.Persister
	metrics   pmem.TxMetrics

	compactThreshold int
	sinceCompact     int
}

// Option configures a Pool.
type Option func(*Pool)

// WithPersister attaches a redo log. The pool takes ownership and closes it.
func WithPersister(p wal.Persister) Option {
	return func(pool *Pool) {
		pool.persister = p
	}
}

// WithCapacity limits the number of live objects. Allocations beyond the
// limit fail with pmem.ErrNoSpace. Zero means unlimited.
func WithCapacity(n int) Option {
	return func(pool *Pool) {
		pool.capacity = n
	}
}

// WithMetrics records transaction outcomes.
func WithMetrics(m pmem.TxMetrics) Option {
	return func(pool *Pool) {
		pool.metrics = m
	}
}

// WithCompactThreshold sets how many commits are logged before the redo log
// is compacted. Zero or negative disables compaction.
func WithCompactThreshold(n int) Option {
	return func(pool *Pool) {
		pool.compactThreshold = n
	}
}

// New creates a pool. When a persister is attached, its commits are replayed
// before New returns.
func New(opts ...Option) (*Pool, error) {
	p := &Pool{
		objects:          make(map[pmem.OID]*object),
		nextOID:          1,
		compactThreshold: DefaultCompactThreshold,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.persister == nil {
		p.persister = wal.NewNullPersister()
	}
	p.id = p.persister.PoolID()

	if err := p.replay(); err != nil {
		_ = p.persister.Close()
		return nil, err
	}

	logger.Info("Memory pool opened",
		logger.KeyPool, p.id.String(),
		logger.KeyObjects, len(p.objects),
		logger.KeyTxID, p.txid,
		"durable", p.persister.IsEnabled())

	return p, nil
}

func (p *Pool) replay() error {
	commits, err := p.persister.Recover()
	if err != nil {
		return fmt.Errorf("recover redo log: %w", err)
	}

	for i := range commits {
		c := &commits[i]
		for _, m := range c.Mutations {
			switch m.Op {
			case wal.OpSet:
				p.objects[m.OID] = &object{kind: m.Kind, data: m.Data}
			case wal.OpFree:
				delete(p.objects, m.OID)
			case wal.OpRoot:
				p.root = m.OID
			default:
				return fmt.Errorf("replay tx %d: unknown op %d", c.TxID, m.Op)
			}
		}
		p.txid = c.TxID
		if c.NextOID > p.nextOID {
			p.nextOID = c.NextOID
		}
	}

	if len(commits) > 0 {
		logger.Info("Replayed redo log",
			logger.KeyFrames, len(commits),
			logger.KeyTxID, p.txid)
	}
	p.sinceCompact = len(commits)
	return nil
}

// UUID returns the pool identity.
func (p *Pool) UUID() uuid.UUID {
	return p.id
}

// Update runs fn in a read-write transaction.
func (p *Pool) Update(ctx context.Context, fn func(tx pmem.Tx) error) (err error) {
	start := time.Now()
	defer func() { pmem.ObserveTransaction(p.metrics, "update", start, err) }()

	if err := ctx.Err(); err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return pmem.ErrClosed
	}

	tx := &memTx{
		pool:     p,
		writable: true,
		writes:   make(map[pmem.OID]*pending),
		nextOID:  p.nextOID,
		root:     p.root,
	}
	if err := fn(tx); err != nil {
		return err
	}

	return p.commit(tx)
}

// View runs fn in a read-only transaction.
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

	return fn(&memTx{pool: p, root: p.root})
}

// commit logs and applies the write set of tx (caller holds writeMu).
func (p *Pool) commit(tx *memTx) error {
	if len(tx.writes) == 0 && !tx.rootChanged && tx.nextOID == p.nextOID {
		return nil
	}

	c := &wal.Commit{
		TxID:      p.txid + 1,
		NextOID:   tx.nextOID,
		Mutations: tx.mutations(),
	}
	if err := p.persister.AppendCommit(c); err != nil {
		return fmt.Errorf("append redo log: %w", err)
	}

	p.mu.Lock()
	for oid, w := range tx.writes {
		if w.freed {
			delete(p.objects, oid)
			continue
		}
		p.objects[oid] = &object{kind: w.kind, data: w.data}
	}
	p.root = tx.root
	p.nextOID = tx.nextOID
	p.txid = c.TxID
	p.mu.Unlock()

	p.sinceCompact++
	if p.compactThreshold > 0 && p.persister.IsEnabled() && p.sinceCompact >= p.compactThreshold {
		if err := p.compact(); err != nil {
			// The log is still complete, just longer than it needs to be.
			logger.Warn("Redo log compaction failed", logger.KeyError, err)
		}
	}

	return nil
}

// compact replaces the redo log with a snapshot (caller holds writeMu).
func (p *Pool) compact() error {
	p.mu.RLock()
	snapshot := p.snapshotLocked()
	p.mu.RUnlock()

	if err := p.persister.Compact(snapshot); err != nil {
		return err
	}
	p.sinceCompact = 1

	logger.Debug("Compacted redo log",
		logger.KeyTxID, snapshot.TxID,
		logger.KeyObjects, len(snapshot.Mutations)-1)
	return nil
}

func (p *Pool) snapshotLocked() *wal.Commit {
	oids := make([]pmem.OID, 0, len(p.objects))
	for oid := range p.objects {
		oids = append(oids, oid)
	}
	sort.Slice(oids, func(i, j int) bool { return oids[i] < oids[j] })

	muts := make([]wal.Mutation, 0, len(oids)+1)
	for _, oid := range oids {
		obj := p.objects[oid]
		muts = append(muts, wal.Mutation{Op: wal.OpSet, OID: oid, Kind: obj.kind, Data: obj.data})
	}
	muts = append(muts, wal.Mutation{Op: wal.OpRoot, OID: p.root})

	return &wal.Commit{TxID: p.txid, NextOID: p.nextOID, Mutations: muts}
}

// Compact forces a redo log compaction.
func (p *Pool) Compact(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if !p.persister.IsEnabled() {
		return nil
	}
	return p.compact()
}

// Stats reports the pool size.
func (p *Pool) Stats(ctx context.Context) (pmem.Stats, error) {
	if err := ctx.Err(); err != nil {
		return pmem.Stats{}, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return pmem.Stats{}, pmem.ErrClosed
	}

	return pmem.Stats{
		Backend:      "memory",
		Objects:      int64(len(p.objects)),
		Transactions: p.txid,
		Durable:      p.persister.IsEnabled(),
	}, nil
}

// Close syncs and closes the redo log. Further transactions fail with
// pmem.ErrClosed.
func (p *Pool) Close() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.persister.Sync(); err != nil {
		_ = p.persister.Close()
		return fmt.Errorf("sync redo log: %w", err)
	}
	if err := p.persister.Close(); err != nil {
		return fmt.Errorf("close redo log: %w", err)
	}

	logger.Info("Memory pool closed", logger.KeyPool, p.id.String())
	return nil
}

// Ensure Pool implements pmem.Pool.
var (
	_ pmem.Pool          = (*Pool)(nil)
	_ pmem.StatsReporter = (*Pool)(nil)
)
