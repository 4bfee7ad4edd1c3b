package extent

import (
	"context"
	"math/bits"

	"github.com/marmos91/pmfs/pkg/pmem"
)

// Check verifies the structural invariants of the index and returns
// ErrCorrupted describing the first violation found:
//
//   - RangeLength is MinBlockSize * Fanout^depth and is the smallest such
//     value covering the end of the last extent
//   - node levels match their position, and no node below the root is empty
//   - every leaf sits in the slot its offset selects
//   - the list is sorted, free of overlaps and symmetric in Prev/Next
//   - the list and an in-order walk of the tree visit the same extents
//   - head, tail and the extent count agree with the list
func (idx *Index) Check(ctx context.Context) error {
	h := &idx.hdr

	if !validMinBlockSize(h.minBlockSize) {
		return corrupt(0, "minimum block size %d is invalid", h.minBlockSize)
	}
	if h.rangeLength < h.minBlockSize || h.rangeLength&(h.rangeLength-1) != 0 ||
		(bits.TrailingZeros64(h.rangeLength)-int(idx.shift))%FanoutBits != 0 {
		return corrupt(0, "range length %d is not %d * %d^n", h.rangeLength, h.minBlockSize, Fanout)
	}

	if h.count == 0 {
		if !h.root.IsEmpty() || !h.head.IsNil() || !h.tail.IsNil() {
			return corrupt(0, "empty index has root %s, head %s, tail %s", h.root, h.head, h.tail)
		}
		if h.rangeLength != h.minBlockSize {
			return corrupt(0, "empty index has range length %d", h.rangeLength)
		}
		return nil
	}

	leaves, err := idx.collect(ctx)
	if err != nil {
		return err
	}
	if uint64(len(leaves)) != h.count {
		return corrupt(0, "tree holds %d extents, header counts %d", len(leaves), h.count)
	}

	last, err := idx.checkList(ctx, leaves)
	if err != nil {
		return err
	}

	if last.End() > h.rangeLength {
		return corrupt(last.Offset, "%s ends past range length %d", last, h.rangeLength)
	}
	if idx.Depth() > 0 && last.End() <= h.rangeLength/Fanout {
		return corrupt(last.Offset, "range length %d is not minimal for end %d", h.rangeLength, last.End())
	}
	return nil
}

// collect returns the leaves of the tree in slot order, checking node
// placement on the way.
func (idx *Index) collect(ctx context.Context) ([]pmem.OID, error) {
	var leaves []pmem.OID

	var visit func(s Slot, level int, base uint64, isRoot bool) error
	visit = func(s Slot, level int, base uint64, isRoot bool) error {
		switch s.Kind {
		case SlotLeaf:
			if level != -1 {
				return corrupt(base, "leaf %s above level 0", s.OID)
			}
			b, err := idx.loadBlock(ctx, s.OID)
			if err != nil {
				return err
			}
			if b.Offset != base {
				return corrupt(base, "%s sits in the slot for offset %d", b, base)
			}
			leaves = append(leaves, s.OID)
			return nil

		case SlotInternal:
			if level < 0 {
				return corrupt(base, "level-0 node holds node %s", s.OID)
			}
			n, err := loadNode(ctx, idx.tx, s.OID)
			if err != nil {
				return err
			}
			if n.Level != level {
				return corrupt(base, "node %s has level %d, expected %d", n.ID, n.Level, level)
			}
			if n.populated() == 0 && !isRoot {
				return corrupt(base, "node %s is empty", n.ID)
			}
			for i, child := range n.Slots {
				if err := visit(child, level-1, base+uint64(i)*idx.span(level), false); err != nil {
					return err
				}
			}
			return nil

		case SlotEmpty:
			return nil

		default:
			return corrupt(base, "invalid slot %s", s)
		}
	}

	// A depth-0 root is a leaf; deeper roots are nodes of level depth-1.
	if err := visit(idx.hdr.root, idx.Depth()-1, 0, true); err != nil {
		return nil, err
	}
	return leaves, nil
}

// checkList walks the list from the head, comparing it with the tree order.
// It returns the last extent.
func (idx *Index) checkList(ctx context.Context, leaves []pmem.OID) (*Block, error) {
	if idx.hdr.head != leaves[0] {
		return nil, corrupt(0, "list head %s, tree starts at %s", idx.hdr.head, leaves[0])
	}

	var prev *Block
	oid := idx.hdr.head
	for i, want := range leaves {
		if oid != want {
			return nil, corrupt(0, "list entry %d is %s, tree has %s", i, oid, want)
		}
		b, err := idx.loadBlock(ctx, oid)
		if err != nil {
			return nil, err
		}
		if b.Size == 0 {
			return nil, corrupt(b.Offset, "%s is empty", b)
		}

		wantPrev := pmem.Nil
		if prev != nil {
			wantPrev = prev.ID
			if prev.End() > b.Offset {
				return nil, corrupt(b.Offset, "%s overlaps %s", prev, b)
			}
		}
		if b.Prev != wantPrev {
			return nil, corrupt(b.Offset, "%s has prev %s, expected %s", b, b.Prev, wantPrev)
		}

		prev = b
		oid = b.Next
	}

	if !oid.IsNil() {
		return nil, corrupt(prev.Offset, "list continues past %s to %s", prev, oid)
	}
	if idx.hdr.tail != prev.ID {
		return nil, corrupt(prev.Offset, "list tail %s, last extent is %s", idx.hdr.tail, prev.ID)
	}
	return prev, nil
}

func corrupt(off uint64, format string, args ...any) error {
	return newError(CodeCorrupted, "check", off, format, args...)
}
