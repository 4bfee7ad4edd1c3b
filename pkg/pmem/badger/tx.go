package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/marmos91/pmfs/pkg/pmem"
)

// badgerTx wraps a BadgerDB transaction for the pmem.Tx interface.
type badgerTx struct {
	pool     *Pool
	txn      *badgerdb.Txn
	writable bool
}

// load returns the kind and a copy of the data of a live object.
func (tx *badgerTx) load(oid pmem.OID) (pmem.Kind, []byte, error) {
	if oid.IsNil() {
		return pmem.KindInvalid, nil, pmem.ErrNilOID
	}

	item, err := tx.txn.Get(keyObject(oid))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return pmem.KindInvalid, nil, pmem.ErrNotFound
	}
	if err != nil {
		return pmem.KindInvalid, nil, err
	}

	val, err := item.ValueCopy(nil)
	if err != nil {
		return pmem.KindInvalid, nil, err
	}
	if len(val) == 0 {
		return pmem.KindInvalid, nil, fmt.Errorf("object %s has no kind byte", oid)
	}
	return pmem.Kind(val[0]), val[1:], nil
}

func (tx *badgerTx) store(oid pmem.OID, kind pmem.Kind, data []byte) error {
	val := make([]byte, 1+len(data))
	val[0] = byte(kind)
	copy(val[1:], data)
	return tx.txn.Set(keyObject(oid), val)
}

func (tx *badgerTx) Alloc(ctx context.Context, kind pmem.Kind, data []byte) (pmem.OID, error) {
	if !tx.writable {
		return pmem.Nil, pmem.ErrReadOnly
	}
	if kind == pmem.KindInvalid {
		return pmem.Nil, pmem.ErrInvalidKind
	}

	// Sequence starts at 0, which is Nil.
	n, err := tx.pool.seq.Next()
	if err != nil {
		return pmem.Nil, fmt.Errorf("next oid: %w", err)
	}
	oid := pmem.OID(n + 1)

	if err := tx.store(oid, kind, data); err != nil {
		return pmem.Nil, mapError(err)
	}
	return oid, nil
}

func (tx *badgerTx) Get(ctx context.Context, oid pmem.OID, kind pmem.Kind) ([]byte, error) {
	k, data, err := tx.load(oid)
	if err != nil {
		return nil, err
	}
	if k != kind {
		return nil, pmem.ErrWrongKind
	}
	return data, nil
}

func (tx *badgerTx) Set(ctx context.Context, oid pmem.OID, kind pmem.Kind, data []byte) error {
	if !tx.writable {
		return pmem.ErrReadOnly
	}
	k, _, err := tx.load(oid)
	if err != nil {
		return err
	}
	if k != kind {
		return pmem.ErrWrongKind
	}
	return mapError(tx.store(oid, kind, data))
}

func (tx *badgerTx) Free(ctx context.Context, oid pmem.OID) error {
	if !tx.writable {
		return pmem.ErrReadOnly
	}
	if _, _, err := tx.load(oid); err != nil {
		return err
	}
	return mapError(tx.txn.Delete(keyObject(oid)))
}

func (tx *badgerTx) Root(ctx context.Context) (pmem.OID, error) {
	item, err := tx.txn.Get(keyRoot)
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return pmem.Nil, nil
	}
	if err != nil {
		return pmem.Nil, err
	}

	var root pmem.OID
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("root record has %d bytes, want 8", len(val))
		}
		root = pmem.OID(binary.BigEndian.Uint64(val))
		return nil
	})
	return root, err
}

func (tx *badgerTx) SetRoot(ctx context.Context, oid pmem.OID) error {
	if !tx.writable {
		return pmem.ErrReadOnly
	}
	if oid.IsNil() {
		return mapError(tx.txn.Delete(keyRoot))
	}
	if _, _, err := tx.load(oid); err != nil {
		return err
	}

	var val [8]byte
	binary.BigEndian.PutUint64(val[:], uint64(oid))
	return mapError(tx.txn.Set(keyRoot, val[:]))
}
