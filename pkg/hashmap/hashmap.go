// Package hashmap implements a persistent hash map from uint64 keys to pool
// object references.
//
// The map lives entirely in a pmem pool: a header object, a bucket array
// object and one object per entry, chained per bucket. Like the extent
// index, a Map is a handle bound to the transaction it was allocated or
// opened in.
//
// pmem.Nil is never stored as a value: Get returns it for absent keys.
package hashmap

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"

	"github.com/marmos91/pmfs/internal/logger"
	"github.com/marmos91/pmfs/pkg/pmem"
)

const (
	// InitialBuckets is the bucket count of a new map.
	InitialBuckets = 16

	// LoadFactor is the average chain length that triggers doubling.
	LoadFactor = 2
)

var (
	// ErrNilValue is returned by Put when the value is pmem.Nil.
	ErrNilValue = errors.New("hashmap: nil value")

	// ErrCorrupted is returned when a map object fails validation.
	ErrCorrupted = errors.New("hashmap: corrupted map")
)

// On-media header layout (little endian):
//
//	[0:4]   magic "HMAP"
//	[4:8]   reserved
//	[8:16]  seed
//	[16:24] bucket count
//	[24:32] entry count
//	[32:40] bucket array oid
const (
	headerMagic      = "HMAP"
	headerRecordSize = 40
	entryRecordSize  = 24
)

type header struct {
	seed     uint64
	nbuckets uint64
	count    uint64
	buckets  pmem.OID
}

func (h *header) encode() []byte {
	buf := make([]byte, headerRecordSize)
	copy(buf[0:4], headerMagic)
	binary.LittleEndian.PutUint64(buf[8:16], h.seed)
	binary.LittleEndian.PutUint64(buf[16:24], h.nbuckets)
	binary.LittleEndian.PutUint64(buf[24:32], h.count)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(h.buckets))
	return buf
}

func decodeHeader(oid pmem.OID, buf []byte) (header, error) {
	if len(buf) != headerRecordSize || string(buf[0:4]) != headerMagic {
		return header{}, fmt.Errorf("%w: map %s has a bad header", ErrCorrupted, oid)
	}
	h := header{
		seed:     binary.LittleEndian.Uint64(buf[8:16]),
		nbuckets: binary.LittleEndian.Uint64(buf[16:24]),
		count:    binary.LittleEndian.Uint64(buf[24:32]),
		buckets:  pmem.OID(binary.LittleEndian.Uint64(buf[32:40])),
	}
	if h.nbuckets == 0 || h.nbuckets&(h.nbuckets-1) != 0 || h.buckets.IsNil() {
		return header{}, fmt.Errorf("%w: map %s has %d buckets at %s", ErrCorrupted, oid, h.nbuckets, h.buckets)
	}
	return h, nil
}

// entry is one key/value pair in a bucket chain.
type entry struct {
	id    pmem.OID
	key   uint64
	value pmem.OID
	next  pmem.OID
}

func (e *entry) encode() []byte {
	buf := make([]byte, entryRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], e.key)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(e.value))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(e.next))
	return buf
}

// Map is a transaction-bound handle to a persistent hash map.
type Map struct {
	tx  pmem.Tx
	id  pmem.OID
	hdr header
}

type options struct {
	seed    uint64
	hasSeed bool
}

// Option configures a new Map.
type Option func(*options)

// WithSeed fixes the hash seed instead of drawing a random one.
func WithSeed(seed uint64) Option {
	return func(o *options) {
		o.seed = seed
		o.hasSeed = true
	}
}

// Alloc creates an empty map in tx.
func Alloc(ctx context.Context, tx pmem.Tx, opts ...Option) (*Map, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if !o.hasSeed {
		o.seed = rand.Uint64()
	}

	buckets, err := tx.Alloc(ctx, pmem.KindMapBuckets, make([]byte, InitialBuckets*8))
	if err != nil {
		return nil, fmt.Errorf("allocate buckets: %w", err)
	}

	m := &Map{
		tx: tx,
		hdr: header{
			seed:     o.seed,
			nbuckets: InitialBuckets,
			buckets:  buckets,
		},
	}
	if m.id, err = tx.Alloc(ctx, pmem.KindMap, m.hdr.encode()); err != nil {
		return nil, fmt.Errorf("allocate map: %w", err)
	}
	return m, nil
}

// Open loads an existing map in tx.
func Open(ctx context.Context, tx pmem.Tx, oid pmem.OID) (*Map, error) {
	buf, err := tx.Get(ctx, oid, pmem.KindMap)
	if err != nil {
		return nil, fmt.Errorf("load map %s: %w", oid, err)
	}
	hdr, err := decodeHeader(oid, buf)
	if err != nil {
		return nil, err
	}
	return &Map{tx: tx, id: oid, hdr: hdr}, nil
}

// ID returns the OID of the map header.
func (m *Map) ID() pmem.OID { return m.id }

// Len returns the number of entries.
func (m *Map) Len() uint64 { return m.hdr.count }

// Buckets returns the current bucket count.
func (m *Map) Buckets() uint64 { return m.hdr.nbuckets }

// Put stores value under key and returns the value it replaced, or pmem.Nil
// if key was absent.
func (m *Map) Put(ctx context.Context, key uint64, value pmem.OID) (pmem.OID, error) {
	if value.IsNil() {
		return pmem.Nil, ErrNilValue
	}

	buckets, err := m.loadBuckets(ctx)
	if err != nil {
		return pmem.Nil, err
	}
	b := m.bucket(key)

	for oid := buckets[b]; !oid.IsNil(); {
		e, err := m.loadEntry(ctx, oid)
		if err != nil {
			return pmem.Nil, err
		}
		if e.key == key {
			prev := e.value
			e.value = value
			return prev, m.saveEntry(ctx, e)
		}
		oid = e.next
	}

	e := &entry{key: key, value: value, next: buckets[b]}
	if e.id, err = m.tx.Alloc(ctx, pmem.KindMapEntry, e.encode()); err != nil {
		return pmem.Nil, fmt.Errorf("allocate entry: %w", err)
	}
	buckets[b] = e.id
	if err := m.saveBuckets(ctx, buckets); err != nil {
		return pmem.Nil, err
	}

	m.hdr.count++
	if m.hdr.count > LoadFactor*m.hdr.nbuckets {
		return pmem.Nil, m.grow(ctx, buckets)
	}
	return pmem.Nil, m.saveHeader(ctx)
}

// Get returns the value stored under key, or pmem.Nil.
func (m *Map) Get(ctx context.Context, key uint64) (pmem.OID, error) {
	buckets, err := m.loadBuckets(ctx)
	if err != nil {
		return pmem.Nil, err
	}

	for oid := buckets[m.bucket(key)]; !oid.IsNil(); {
		e, err := m.loadEntry(ctx, oid)
		if err != nil {
			return pmem.Nil, err
		}
		if e.key == key {
			return e.value, nil
		}
		oid = e.next
	}
	return pmem.Nil, nil
}

// Remove deletes key and returns the value it held. ok is false if key was
// absent.
func (m *Map) Remove(ctx context.Context, key uint64) (value pmem.OID, ok bool, err error) {
	buckets, err := m.loadBuckets(ctx)
	if err != nil {
		return pmem.Nil, false, err
	}
	b := m.bucket(key)

	var prev *entry
	for oid := buckets[b]; !oid.IsNil(); {
		e, err := m.loadEntry(ctx, oid)
		if err != nil {
			return pmem.Nil, false, err
		}
		if e.key != key {
			prev = e
			oid = e.next
			continue
		}

		if prev == nil {
			buckets[b] = e.next
			err = m.saveBuckets(ctx, buckets)
		} else {
			prev.next = e.next
			err = m.saveEntry(ctx, prev)
		}
		if err != nil {
			return pmem.Nil, false, err
		}
		if err := m.tx.Free(ctx, e.id); err != nil {
			return pmem.Nil, false, fmt.Errorf("free entry %s: %w", e.id, err)
		}

		m.hdr.count--
		return e.value, true, m.saveHeader(ctx)
	}
	return pmem.Nil, false, nil
}

// Traverse calls fn once for every entry, in no particular order. A non-nil
// error from fn stops the traversal and is returned. fn must not modify the
// map.
func (m *Map) Traverse(ctx context.Context, fn func(key uint64, value pmem.OID) error) error {
	buckets, err := m.loadBuckets(ctx)
	if err != nil {
		return err
	}

	for _, head := range buckets {
		for oid := head; !oid.IsNil(); {
			e, err := m.loadEntry(ctx, oid)
			if err != nil {
				return err
			}
			if err := fn(e.key, e.value); err != nil {
				return err
			}
			oid = e.next
		}
	}
	return nil
}

// Free releases the map: entries, bucket array and header. The objects the
// values refer to are left alone.
func (m *Map) Free(ctx context.Context) error {
	buckets, err := m.loadBuckets(ctx)
	if err != nil {
		return err
	}

	for _, head := range buckets {
		for oid := head; !oid.IsNil(); {
			e, err := m.loadEntry(ctx, oid)
			if err != nil {
				return err
			}
			if err := m.tx.Free(ctx, oid); err != nil {
				return fmt.Errorf("free entry %s: %w", oid, err)
			}
			oid = e.next
		}
	}

	if err := m.tx.Free(ctx, m.hdr.buckets); err != nil {
		return fmt.Errorf("free buckets: %w", err)
	}
	if err := m.tx.Free(ctx, m.id); err != nil {
		return fmt.Errorf("free map %s: %w", m.id, err)
	}
	return nil
}

// grow doubles the bucket array and relinks every entry into it.
func (m *Map) grow(ctx context.Context, old []pmem.OID) error {
	n := m.hdr.nbuckets * 2
	buckets := make([]pmem.OID, n)

	m.hdr.nbuckets = n
	for _, head := range old {
		for oid := head; !oid.IsNil(); {
			e, err := m.loadEntry(ctx, oid)
			if err != nil {
				return err
			}
			oid = e.next

			b := m.bucket(e.key)
			e.next = buckets[b]
			buckets[b] = e.id
			if err := m.saveEntry(ctx, e); err != nil {
				return err
			}
		}
	}

	oid, err := m.tx.Alloc(ctx, pmem.KindMapBuckets, encodeBuckets(buckets))
	if err != nil {
		return fmt.Errorf("allocate buckets: %w", err)
	}
	if err := m.tx.Free(ctx, m.hdr.buckets); err != nil {
		return fmt.Errorf("free buckets: %w", err)
	}
	m.hdr.buckets = oid

	logger.DebugCtx(ctx, "Hash map grew",
		logger.KeyOID, m.id.String(),
		logger.KeyBuckets, n,
		logger.KeyEntries, m.hdr.count)

	return m.saveHeader(ctx)
}

func (m *Map) bucket(key uint64) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], key)
	binary.LittleEndian.PutUint64(buf[8:16], m.hdr.seed)
	return xxhash.Sum64(buf[:]) & (m.hdr.nbuckets - 1)
}

func (m *Map) loadBuckets(ctx context.Context) ([]pmem.OID, error) {
	buf, err := m.tx.Get(ctx, m.hdr.buckets, pmem.KindMapBuckets)
	if err != nil {
		return nil, fmt.Errorf("load buckets: %w", err)
	}
	if uint64(len(buf)) != m.hdr.nbuckets*8 {
		return nil, fmt.Errorf("%w: bucket array has %d bytes for %d buckets", ErrCorrupted, len(buf), m.hdr.nbuckets)
	}

	buckets := make([]pmem.OID, m.hdr.nbuckets)
	for i := range buckets {
		buckets[i] = pmem.OID(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return buckets, nil
}

func encodeBuckets(buckets []pmem.OID) []byte {
	buf := make([]byte, len(buckets)*8)
	for i, oid := range buckets {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(oid))
	}
	return buf
}

func (m *Map) saveBuckets(ctx context.Context, buckets []pmem.OID) error {
	if err := m.tx.Set(ctx, m.hdr.buckets, pmem.KindMapBuckets, encodeBuckets(buckets)); err != nil {
		return fmt.Errorf("save buckets: %w", err)
	}
	return nil
}

func (m *Map) loadEntry(ctx context.Context, oid pmem.OID) (*entry, error) {
	buf, err := m.tx.Get(ctx, oid, pmem.KindMapEntry)
	if err != nil {
		return nil, fmt.Errorf("load entry %s: %w", oid, err)
	}
	if len(buf) != entryRecordSize {
		return nil, fmt.Errorf("%w: entry %s has %d bytes", ErrCorrupted, oid, len(buf))
	}
	return &entry{
		id:    oid,
		key:   binary.LittleEndian.Uint64(buf[0:8]),
		value: pmem.OID(binary.LittleEndian.Uint64(buf[8:16])),
		next:  pmem.OID(binary.LittleEndian.Uint64(buf[16:24])),
	}, nil
}

func (m *Map) saveEntry(ctx context.Context, e *entry) error {
	if err := m.tx.Set(ctx, e.id, pmem.KindMapEntry, e.encode()); err != nil {
		return fmt.Errorf("save entry %s: %w", e.id, err)
	}
	return nil
}

func (m *Map) saveHeader(ctx context.Context) error {
	if err := m.tx.Set(ctx, m.id, pmem.KindMap, m.hdr.encode()); err != nil {
		return fmt.Errorf("save map %s: %w", m.id, err)
	}
	return nil
}
