package extent

import (
	"context"
	"errors"
	"testing"

	"github.com/marmos91/pmfs/pkg/pmem"
	"github.com/marmos91/pmfs/pkg/pmem/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withIndex runs fn on a three-extent index inside a transaction that is
// always rolled back.
func withIndex(t *testing.T, fn func(ctx context.Context, idx *Index, blocks []*Block)) {
	t.Helper()

	pool, err := memory.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	ctx := t.Context()
	_ = pool.Update(ctx, func(tx pmem.Tx) error {
		idx, err := New(ctx, tx)
		require.NoError(t, err)

		var blocks []*Block
		for _, off := range []uint64{0, 2 * DefaultMinBlockSize, 40 * DefaultMinBlockSize} {
			b, err := NewBlock(ctx, tx, off, DefaultMinBlockSize, pmem.Nil)
			require.NoError(t, err)
			require.NoError(t, idx.Insert(ctx, b))
			blocks = append(blocks, b)
		}
		require.NoError(t, idx.Check(ctx))

		fn(ctx, idx, blocks)
		return errRollback
	})
}

var errRollback = errors.New("rollback")

func TestCheckDetectsCorruption(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(ctx context.Context, idx *Index, blocks []*Block) error
	}{
		{
			name: "BrokenPrevLink",
			corrupt: func(ctx context.Context, idx *Index, blocks []*Block) error {
				b, err := LoadBlock(ctx, idx.tx, blocks[2].ID)
				if err != nil {
					return err
				}
				b.Prev = blocks[0].ID
				return b.Save(ctx, idx.tx)
			},
		},
		{
			name: "OverlapInList",
			corrupt: func(ctx context.Context, idx *Index, blocks []*Block) error {
				b, err := LoadBlock(ctx, idx.tx, blocks[0].ID)
				if err != nil {
					return err
				}
				b.Size = 3 * DefaultMinBlockSize
				return b.Save(ctx, idx.tx)
			},
		},
		{
			name: "WrongCount",
			corrupt: func(ctx context.Context, idx *Index, blocks []*Block) error {
				idx.hdr.count++
				return nil
			},
		},
		{
			name: "WrongTail",
			corrupt: func(ctx context.Context, idx *Index, blocks []*Block) error {
				idx.hdr.tail = blocks[1].ID
				return nil
			},
		},
		{
			name: "RangeNotMinimal",
			corrupt: func(ctx context.Context, idx *Index, blocks []*Block) error {
				idx.hdr.rangeLength *= Fanout
				n := &Node{Level: idx.Depth() - 1}
				n.Slots[0] = idx.hdr.root
				oid, err := idx.tx.Alloc(ctx, pmem.KindNode, n.encode())
				if err != nil {
					return err
				}
				idx.hdr.root = InternalSlot(oid)
				return nil
			},
		},
		{
			name: "MisplacedLeaf",
			corrupt: func(ctx context.Context, idx *Index, blocks []*Block) error {
				b, err := LoadBlock(ctx, idx.tx, blocks[1].ID)
				if err != nil {
					return err
				}
				b.Offset += DefaultMinBlockSize
				return b.Save(ctx, idx.tx)
			},
		},
		{
			name: "EmptyChildNode",
			corrupt: func(ctx context.Context, idx *Index, blocks []*Block) error {
				root, err := loadNode(ctx, idx.tx, idx.hdr.root.OID)
				if err != nil {
					return err
				}
				empty := &Node{Level: root.Level - 1}
				oid, err := idx.tx.Alloc(ctx, pmem.KindNode, empty.encode())
				if err != nil {
					return err
				}
				root.Slots[7] = InternalSlot(oid)
				return root.save(ctx, idx.tx)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withIndex(t, func(ctx context.Context, idx *Index, blocks []*Block) {
				require.NoError(t, tt.corrupt(ctx, idx, blocks))
				err := idx.Check(ctx)
				assert.ErrorIs(t, err, ErrCorrupted)
				t.Log(err)
			})
		})
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := decodeNode(1, []byte("not a node"))
	assert.ErrorIs(t, err, ErrCorrupted)

	n := &Node{Level: 2}
	buf := n.encode()
	buf[nodeHeaderSize] = uint8(SlotLeaf) // leaf kind with a nil oid
	_, err = decodeNode(1, buf)
	assert.ErrorIs(t, err, ErrCorrupted)

	_, err = decodeBlock(1, make([]byte, blockRecordSize-1))
	assert.ErrorIs(t, err, ErrCorrupted)

	h := header{rangeLength: 4096, minBlockSize: 4096}
	buf = h.encode()
	buf[5] = headerVersion + 1
	_, err = decodeHeader(1, buf)
	assert.ErrorIs(t, err, ErrCorrupted)

	h.minBlockSize = 1000
	_, err = decodeHeader(1, h.encode())
	assert.ErrorIs(t, err, ErrCorrupted)
}
