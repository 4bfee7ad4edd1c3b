package extent

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/marmos91/pmfs/pkg/pmem"
)

// Block describes one extent: a contiguous byte range of a file and the pool
// object holding its data.
//
// Blocks are created and freed by the caller. The index only links them: it
// stores non-owning references in tree leaves and maintains Prev and Next.
type Block struct {
	ID     pmem.OID
	Offset uint64
	Size   uint64
	Data   pmem.OID
	Prev   pmem.OID
	Next   pmem.OID
}

// On-media block layout (little endian):
//
//	[0:8]   offset
//	[8:16]  size
//	[16:24] data oid
//	[24:32] prev oid
//	[32:40] next oid
const blockRecordSize = 40

// End returns the first offset past the extent.
func (b *Block) End() uint64 {
	return b.Offset + b.Size
}

// Contains reports whether off lies inside the extent.
func (b *Block) Contains(off uint64) bool {
	return off >= b.Offset && off < b.End()
}

// Overlaps reports whether the extents share at least one byte.
func (b *Block) Overlaps(other *Block) bool {
	return b.Offset < other.End() && other.Offset < b.End()
}

func (b *Block) String() string {
	return fmt.Sprintf("[%d, %d)@%s", b.Offset, b.End(), b.ID)
}

func (b *Block) encode() []byte {
	buf := make([]byte, blockRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], b.Offset)
	binary.LittleEndian.PutUint64(buf[8:16], b.Size)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(b.Data))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(b.Prev))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(b.Next))
	return buf
}

func decodeBlock(oid pmem.OID, buf []byte) (*Block, error) {
	if len(buf) != blockRecordSize {
		return nil, &Error{
			Code:    CodeCorrupted,
			Message: fmt.Sprintf("block %s has %d bytes, want %d", oid, len(buf), blockRecordSize),
		}
	}
	return &Block{
		ID:     oid,
		Offset: binary.LittleEndian.Uint64(buf[0:8]),
		Size:   binary.LittleEndian.Uint64(buf[8:16]),
		Data:   pmem.OID(binary.LittleEndian.Uint64(buf[16:24])),
		Prev:   pmem.OID(binary.LittleEndian.Uint64(buf[24:32])),
		Next:   pmem.OID(binary.LittleEndian.Uint64(buf[32:40])),
	}, nil
}

// NewBlock allocates an unlinked block descriptor.
func NewBlock(ctx context.Context, tx pmem.Tx, offset, size uint64, data pmem.OID) (*Block, error) {
	b := &Block{Offset: offset, Size: size, Data: data}
	oid, err := tx.Alloc(ctx, pmem.KindBlock, b.encode())
	if err != nil {
		return nil, fmt.Errorf("allocate block: %w", err)
	}
	b.ID = oid
	return b, nil
}

// LoadBlock reads a block descriptor.
func LoadBlock(ctx context.Context, tx pmem.Tx, oid pmem.OID) (*Block, error) {
	buf, err := tx.Get(ctx, oid, pmem.KindBlock)
	if err != nil {
		return nil, fmt.Errorf("load block %s: %w", oid, err)
	}
	return decodeBlock(oid, buf)
}

// Save persists the descriptor. Callers use it to change Data; Offset and
// Size must not change while the block is linked into an index.
func (b *Block) Save(ctx context.Context, tx pmem.Tx) error {
	if err := tx.Set(ctx, b.ID, pmem.KindBlock, b.encode()); err != nil {
		return fmt.Errorf("save block %s: %w", b.ID, err)
	}
	return nil
}

// FreeBlock releases the descriptor. The block must already be removed from
// its index; the data object it points to is left alone.
func FreeBlock(ctx context.Context, tx pmem.Tx, b *Block) error {
	if err := tx.Free(ctx, b.ID); err != nil {
		return fmt.Errorf("free block %s: %w", b.ID, err)
	}
	return nil
}
