package memory

import (
	"context"
	"sort"

	"github.com/marmos91/pmfs/pkg/pmem"
	"github.com/marmos91/pmfs/pkg/wal"
)

// pending is an uncommitted write to one object.
type pending struct {
	kind    pmem.Kind
	data    []byte
	freed   bool
	created bool // allocated by this transaction
}

// memTx is a transaction over a memory pool. Reads see the transaction's own
// writes first, then the committed state.
type memTx struct {
	pool     *Pool
	writable bool

	writes      map[pmem.OID]*pending
	nextOID     uint64
	root        pmem.OID
	rootChanged bool

	// delta is the change in live object count made by this transaction.
	delta int
}

func (tx *memTx) lookup(oid pmem.OID) (pmem.Kind, []byte, bool) {
	if w, ok := tx.writes[oid]; ok {
		if w.freed {
			return pmem.KindInvalid, nil, false
		}
		return w.kind, w.data, true
	}
	obj, ok := tx.pool.objects[oid]
	if !ok {
		return pmem.KindInvalid, nil, false
	}
	return obj.kind, obj.data, true
}

func (tx *memTx) Alloc(ctx context.Context, kind pmem.Kind, data []byte) (pmem.OID, error) {
	if !tx.writable {
		return pmem.Nil, pmem.ErrReadOnly
	}
	if kind == pmem.KindInvalid {
		return pmem.Nil, pmem.ErrInvalidKind
	}
	if tx.pool.capacity > 0 && len(tx.pool.objects)+tx.delta >= tx.pool.capacity {
		return pmem.Nil, pmem.ErrNoSpace
	}

	oid := pmem.OID(tx.nextOID)
	tx.nextOID++
	tx.delta++
	tx.writes[oid] = &pending{kind: kind, data: clone(data), created: true}
	return oid, nil
}

func (tx *memTx) Get(ctx context.Context, oid pmem.OID, kind pmem.Kind) ([]byte, error) {
	if oid.IsNil() {
		return nil, pmem.ErrNilOID
	}
	k, data, ok := tx.lookup(oid)
	if !ok {
		return nil, pmem.ErrNotFound
	}
	if k != kind {
		return nil, pmem.ErrWrongKind
	}
	return clone(data), nil
}

func (tx *memTx) Set(ctx context.Context, oid pmem.OID, kind pmem.Kind, data []byte) error {
	if !tx.writable {
		return pmem.ErrReadOnly
	}
	if oid.IsNil() {
		return pmem.ErrNilOID
	}
	k, _, ok := tx.lookup(oid)
	if !ok {
		return pmem.ErrNotFound
	}
	if k != kind {
		return pmem.ErrWrongKind
	}

	if w, ok := tx.writes[oid]; ok {
		w.data = clone(data)
		return nil
	}
	tx.writes[oid] = &pending{kind: kind, data: clone(data)}
	return nil
}

func (tx *memTx) Free(ctx context.Context, oid pmem.OID) error {
	if !tx.writable {
		return pmem.ErrReadOnly
	}
	if oid.IsNil() {
		return pmem.ErrNilOID
	}
	if _, _, ok := tx.lookup(oid); !ok {
		return pmem.ErrNotFound
	}

	tx.delta--
	if w, ok := tx.writes[oid]; ok && w.created {
		delete(tx.writes, oid)
		return nil
	}
	tx.writes[oid] = &pending{freed: true}
	return nil
}

func (tx *memTx) Root(ctx context.Context) (pmem.OID, error) {
	return tx.root, nil
}

func (tx *memTx) SetRoot(ctx context.Context, oid pmem.OID) error {
	if !tx.writable {
		return pmem.ErrReadOnly
	}
	if !oid.IsNil() {
		if _, _, ok := tx.lookup(oid); !ok {
			return pmem.ErrNotFound
		}
	}
	tx.root = oid
	tx.rootChanged = true
	return nil
}

// mutations returns the write set as redo log mutations in OID order.
func (tx *memTx) mutations() []wal.Mutation {
	oids := make([]pmem.OID, 0, len(tx.writes))
	for oid := range tx.writes {
		oids = append(oids, oid)
	}
	sort.Slice(oids, func(i, j int) bool { return oids[i] < oids[j] })

	muts := make([]wal.Mutation, 0, len(oids)+1)
	for _, oid := range oids {
		w := tx.writes[oid]
		if w.freed {
			muts = append(muts, wal.Mutation{Op: wal.OpFree, OID: oid})
			continue
		}
		muts = append(muts, wal.Mutation{Op: wal.OpSet, OID: oid, Kind: w.kind, Data: w.data})
	}
	if tx.rootChanged {
		muts = append(muts, wal.Mutation{Op: wal.OpRoot, OID: tx.root})
	}
	return muts
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
