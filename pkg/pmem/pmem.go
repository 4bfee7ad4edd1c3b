// Package pmem defines the persistent object pool that backs every
// structure in PMFS.
//
// A pool stores small typed objects addressed by an OID. All mutations run
// inside a transaction obtained from Pool.Update: either every write made by
// the transaction function survives (including across a crash, for durable
// backends) or none of them do. Read-only access goes through Pool.View.
//
// Backends:
//   - memory: heap-backed, optionally made durable with a redo log (pkg/wal)
//   - badger: BadgerDB-backed, durable on its own
//
// Import graph: pmem <- extent, hashmap <- filedata <- volume
package pmem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OID identifies a persistent object within a pool. The zero value is Nil.
type OID uint64

// Nil is the null object reference.
const Nil OID = 0

// IsNil reports whether the OID is the null reference.
func (o OID) IsNil() bool { return o == Nil }

func (o OID) String() string {
	return fmt.Sprintf("0x%x", uint64(o))
}

// Kind tags an object with its type so that a stale or wrong reference is
// caught on load instead of being decoded as garbage.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindIndex
	KindNode
	KindBlock
	KindData
	KindMap
	KindMapBuckets
	KindMapEntry
	KindFile
	KindRaw
	KindVolume
)

func (k Kind) String() string {
	switch k {
	case KindIndex:
		return "index"
	case KindNode:
		return "node"
	case KindBlock:
		return "block"
	case KindData:
		return "data"
	case KindMap:
		return "map"
	case KindMapBuckets:
		return "map-buckets"
	case KindMapEntry:
		return "map-entry"
	case KindFile:
		return "file"
	case KindRaw:
		return "raw"
	case KindVolume:
		return "volume"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Pool errors
var (
	// ErrNotFound is returned when an OID does not refer to a live object.
	ErrNotFound = errors.New("pmem: object not found")

	// ErrWrongKind is returned when an object is loaded with a kind other
	// than the one it was allocated with.
	ErrWrongKind = errors.New("pmem: object kind mismatch")

	// ErrNoSpace is returned when the pool cannot allocate a new object.
	ErrNoSpace = errors.New("pmem: no space left in pool")

	// ErrReadOnly is returned for writes inside a View transaction.
	ErrReadOnly = errors.New("pmem: read-only transaction")

	// ErrClosed is returned for operations on a closed pool.
	ErrClosed = errors.New("pmem: pool is closed")

	// ErrConflict is returned when a transaction lost a write conflict and
	// must be retried by the caller.
	ErrConflict = errors.New("pmem: transaction conflict")

	// ErrNilOID is returned when Nil is passed where an object is required.
	ErrNilOID = errors.New("pmem: nil object reference")

	// ErrInvalidKind is returned when allocating with KindInvalid.
	ErrInvalidKind = errors.New("pmem: invalid object kind")
)

// Pool is a persistent object store with transactional updates.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Update transactions may be
// serialized by the implementation; View transactions may run concurrently.
type Pool interface {
	// Update runs fn inside a read-write transaction. If fn returns an error
	// (or panics), every write made through tx is discarded. If fn returns nil
	// the transaction is committed atomically.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn inside a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error

	// UUID returns the identity of the pool, stable across reopens.
	UUID() uuid.UUID

	// Close releases the pool. Further transactions return ErrClosed.
	Close() error
}

// Tx is the set of operations available inside a transaction.
//
// Byte slices passed to Alloc and Set are copied; slices returned by Get are
// owned by the caller.
type Tx interface {
	// Alloc allocates a new object of the given kind holding data.
	Alloc(ctx context.Context, kind Kind, data []byte) (OID, error)

	// Get returns the contents of the object. kind must match the kind the
	// object was allocated with.
	Get(ctx context.Context, oid OID, kind Kind) ([]byte, error)

	// Set replaces the contents of an existing object.
	Set(ctx context.Context, oid OID, kind Kind, data []byte) error

	// Free releases the object. Its OID is never reused.
	Free(ctx context.Context, oid OID) error

	// Root returns the pool's root object, or Nil if none was set.
	Root(ctx context.Context) (OID, error)

	// SetRoot sets the pool's root object.
	SetRoot(ctx context.Context, oid OID) error
}

// TxMetrics records transaction outcomes. Implementations must tolerate a nil
// receiver so that pools can run without metrics at zero cost.
type TxMetrics interface {
	ObserveTransaction(kind string, duration time.Duration, err error)
}

// ObserveTransaction is a nil-safe helper around TxMetrics.
func ObserveTransaction(m TxMetrics, kind string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.ObserveTransaction(kind, time.Since(start), err)
}

// Stats is a point-in-time summary of a pool.
type Stats struct {
	Backend      string
	Objects      int64
	Transactions uint64
	Durable      bool
}

// StatsReporter is implemented by pools that can describe themselves.
type StatsReporter interface {
	Stats(ctx context.Context) (Stats, error)
}
