// Package extent implements the extent index of a PMFS file.
//
// The index maps byte offsets to the block descriptors (extents) holding a
// file's data. It combines two structures over the same set of blocks:
//
//   - a radix tree with Fanout slots per node, indexed by the base-Fanout
//     digits of (offset / MinBlockSize), for O(depth) point lookups
//   - a doubly-linked list of the blocks sorted by offset, for ordered scans
//
// Every mutation keeps both structures in agreement. The tree is as shallow
// as possible: RangeLength, the number of bytes it can address, is the
// smallest MinBlockSize * Fanout^depth that covers the end of the last extent.
//
// An Index is a handle bound to the pool transaction it was created or opened
// in. It caches the persistent header and must not be used after that
// transaction ends. The package does no locking; callers serialize writers.
package extent

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/marmos91/pmfs/pkg/pmem"
)

const (
	// FanoutBits is the number of offset bits consumed per tree level.
	FanoutBits = 4

	// Fanout is the number of slots per tree node.
	Fanout = 1 << FanoutBits

	// DefaultMinBlockSize is the span of a level-0 slot.
	DefaultMinBlockSize = 4096

	// MinMinBlockSize is the smallest accepted minimum block size.
	MinMinBlockSize = 512
)

// header is the persistent root record of an index.
type header struct {
	root         Slot
	rangeLength  uint64
	minBlockSize uint64
	count        uint64
	head         pmem.OID
	tail         pmem.OID
}

// On-media header layout (little endian):
//
//	[0:4]   magic "XIDX"
//	[4]     root slot kind
//	[5]     format version
//	[6:8]   reserved
//	[8:16]  root slot oid
//	[16:24] range length
//	[24:32] minimum block size
//	[32:40] extent count
//	[40:48] list head
//	[48:56] list tail
const (
	headerMagic      = "XIDX"
	headerVersion    = 1
	headerRecordSize = 56
)

func (h *header) encode() []byte {
	buf := make([]byte, headerRecordSize)
	copy(buf[0:4], headerMagic)
	buf[4] = uint8(h.root.Kind)
	buf[5] = headerVersion
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.root.OID))
	binary.LittleEndian.PutUint64(buf[16:24], h.rangeLength)
	binary.LittleEndian.PutUint64(buf[24:32], h.minBlockSize)
	binary.LittleEndian.PutUint64(buf[32:40], h.count)
	binary.LittleEndian.PutUint64(buf[40:48], uint64(h.head))
	binary.LittleEndian.PutUint64(buf[48:56], uint64(h.tail))
	return buf
}

func decodeHeader(oid pmem.OID, buf []byte) (header, error) {
	if len(buf) != headerRecordSize || string(buf[0:4]) != headerMagic {
		return header{}, &Error{Code: CodeCorrupted, Message: fmt.Sprintf("index %s has a bad header", oid)}
	}
	if buf[5] != headerVersion {
		return header{}, &Error{Code: CodeCorrupted, Message: fmt.Sprintf("index %s has format version %d", oid, buf[5])}
	}

	h := header{
		root:         Slot{Kind: SlotKind(buf[4]), OID: pmem.OID(binary.LittleEndian.Uint64(buf[8:16]))},
		rangeLength:  binary.LittleEndian.Uint64(buf[16:24]),
		minBlockSize: binary.LittleEndian.Uint64(buf[24:32]),
		count:        binary.LittleEndian.Uint64(buf[32:40]),
		head:         pmem.OID(binary.LittleEndian.Uint64(buf[40:48])),
		tail:         pmem.OID(binary.LittleEndian.Uint64(buf[48:56])),
	}
	if !h.root.valid() || !validMinBlockSize(h.minBlockSize) {
		return header{}, &Error{Code: CodeCorrupted, Message: fmt.Sprintf("index %s header fields are invalid", oid)}
	}
	return h, nil
}

// Index is a transaction-bound handle to a persistent extent index.
type Index struct {
	tx      pmem.Tx
	id      pmem.OID
	hdr     header
	shift   uint // log2(MinBlockSize)
	metrics Metrics
}

type options struct {
	minBlockSize uint64
	metrics      Metrics
}

// Option configures an Index.
type Option func(*options)

// WithMinBlockSize sets the span of a level-0 slot for a new index. It must
// be a power of two of at least MinMinBlockSize. Open ignores it: the value
// is stored in the index.
func WithMinBlockSize(size uint64) Option {
	return func(o *options) {
		o.minBlockSize = size
	}
}

// WithMetrics records operation outcomes and tree shape changes.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func validMinBlockSize(size uint64) bool {
	return size >= MinMinBlockSize && size&(size-1) == 0
}

// MaxRange returns the largest RangeLength an index with the given minimum
// block size can reach. Extents must end at or below it.
func MaxRange(minBlockSize uint64) uint64 {
	r := minBlockSize
	for r <= math.MaxUint64/Fanout {
		r *= Fanout
	}
	return r
}

// New allocates an empty index in tx.
func New(ctx context.Context, tx pmem.Tx, opts ...Option) (*Index, error) {
	o := options{minBlockSize: DefaultMinBlockSize}
	for _, opt := range opts {
		opt(&o)
	}
	if !validMinBlockSize(o.minBlockSize) {
		return nil, newError(CodeInvalidArgument, "new", 0,
			"minimum block size %d is not a power of two >= %d", o.minBlockSize, MinMinBlockSize)
	}

	idx := &Index{
		tx: tx,
		hdr: header{
			rangeLength:  o.minBlockSize,
			minBlockSize: o.minBlockSize,
		},
		shift:   uint(bits.TrailingZeros64(o.minBlockSize)),
		metrics: o.metrics,
	}

	oid, err := tx.Alloc(ctx, pmem.KindIndex, idx.hdr.encode())
	if err != nil {
		return nil, wrapError(CodeAllocation, "new", 0, err)
	}
	idx.id = oid

	return idx, nil
}

// Open loads an existing index in tx.
func Open(ctx context.Context, tx pmem.Tx, oid pmem.OID, opts ...Option) (*Index, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	buf, err := tx.Get(ctx, oid, pmem.KindIndex)
	if err != nil {
		return nil, fmt.Errorf("load index %s: %w", oid, err)
	}
	hdr, err := decodeHeader(oid, buf)
	if err != nil {
		return nil, err
	}

	return &Index{
		tx:      tx,
		id:      oid,
		hdr:     hdr,
		shift:   uint(bits.TrailingZeros64(hdr.minBlockSize)),
		metrics: o.metrics,
	}, nil
}

// Destroy frees the index header. It fails with ErrNotEmpty while extents
// are linked.
func (idx *Index) Destroy(ctx context.Context) error {
	if idx.hdr.count > 0 {
		return newError(CodeNotEmpty, "destroy", 0, "%d extents still linked", idx.hdr.count)
	}
	if !idx.hdr.root.IsEmpty() {
		return newError(CodeCorrupted, "destroy", 0, "empty index has root %s", idx.hdr.root)
	}
	if err := idx.tx.Free(ctx, idx.id); err != nil {
		return fmt.Errorf("free index %s: %w", idx.id, err)
	}
	return nil
}

// ID returns the OID of the index header.
func (idx *Index) ID() pmem.OID { return idx.id }

// Len returns the number of linked extents.
func (idx *Index) Len() uint64 { return idx.hdr.count }

// MinBlockSize returns the span of a level-0 slot.
func (idx *Index) MinBlockSize() uint64 { return idx.hdr.minBlockSize }

// RangeLength returns the number of bytes the tree can address.
func (idx *Index) RangeLength() uint64 { return idx.hdr.rangeLength }

// Depth returns the number of node levels above the leaves.
func (idx *Index) Depth() int {
	return (bits.TrailingZeros64(idx.hdr.rangeLength) - int(idx.shift)) / FanoutBits
}

// Root returns the root slot.
func (idx *Index) Root() Slot { return idx.hdr.root }

// span returns the number of bytes covered by one slot of a level-l node.
func (idx *Index) span(level int) uint64 {
	return uint64(1) << (idx.shift + uint(level)*FanoutBits)
}

// digit returns the slot index of off in a level-l node.
func (idx *Index) digit(off uint64, level int) int {
	return int((off >> (idx.shift + uint(level)*FanoutBits)) & (Fanout - 1))
}

func (idx *Index) saveHeader(ctx context.Context) error {
	if err := idx.tx.Set(ctx, idx.id, pmem.KindIndex, idx.hdr.encode()); err != nil {
		return fmt.Errorf("save index %s: %w", idx.id, err)
	}
	return nil
}

func (idx *Index) loadBlock(ctx context.Context, oid pmem.OID) (*Block, error) {
	return LoadBlock(ctx, idx.tx, oid)
}

// rightmost returns the block with the largest offset under s.
func (idx *Index) rightmost(ctx context.Context, s Slot) (*Block, error) {
	for {
		switch s.Kind {
		case SlotLeaf:
			return idx.loadBlock(ctx, s.OID)
		case SlotInternal:
			n, err := loadNode(ctx, idx.tx, s.OID)
			if err != nil {
				return nil, err
			}
			i := n.lastPopulated(Fanout - 1)
			if i < 0 {
				return nil, &Error{Code: CodeCorrupted, Message: fmt.Sprintf("node %s is empty", n.ID)}
			}
			s = n.Slots[i]
		default:
			return nil, &Error{Code: CodeCorrupted, Message: "descended into an empty slot"}
		}
	}
}
