package extent

import (
	"context"

	"github.com/marmos91/pmfs/internal/logger"
	"github.com/marmos91/pmfs/internal/telemetry"
	"github.com/marmos91/pmfs/pkg/pmem"
)

// pathStep is one node visited on the way from the root to a slot.
type pathStep struct {
	node  *Node
	digit int
}

// Remove unlinks b from the index. The descriptor itself is not freed; its
// Prev and Next are reset to Nil, both in storage and in b.
//
// Remove returns ErrNotFound if the slot for b.Offset does not hold b. Empty
// nodes are freed on the way up, and the tree shrinks while the extents that
// remain fit in a shallower one.
func (idx *Index) Remove(ctx context.Context, b *Block) (err error) {
	if b == nil {
		return newError(CodeInvalidArgument, "remove", 0, "nil block")
	}

	ctx, span := telemetry.StartExtentSpan(ctx, telemetry.SpanExtentRemove,
		telemetry.ExtentOffset(b.Offset),
		telemetry.ExtentOID(uint64(b.ID)))
	defer func() {
		telemetry.EndSpan(span, err)
		idx.observe("remove", err)
	}()

	path, err := idx.locate(ctx, b)
	if err != nil {
		return err
	}

	cur, err := idx.loadBlock(ctx, b.ID)
	if err != nil {
		return err
	}
	if err := idx.unlink(ctx, cur); err != nil {
		return err
	}
	b.Prev, b.Next = pmem.Nil, pmem.Nil

	if err := idx.clear(ctx, path); err != nil {
		return err
	}
	idx.hdr.count--

	levels, err := idx.shrink(ctx)
	if err != nil {
		return err
	}
	if err := idx.saveHeader(ctx); err != nil {
		return err
	}

	if levels > 0 {
		span.SetAttributes(telemetry.ShrinkLevels(levels), telemetry.Depth(idx.Depth()),
			telemetry.RangeLength(idx.hdr.rangeLength))
		logger.DebugCtx(ctx, "Extent index shrank",
			logger.KeyOffset, b.Offset,
			logger.KeyLevels, levels,
			logger.KeyDepth, idx.Depth(),
			logger.KeyRangeLength, idx.hdr.rangeLength)
		idx.observeShrink(levels)
	}
	idx.recordDepth()

	return nil
}

// locate returns the nodes from the root down to the level-0 node whose slot
// holds b. The path is empty when b is the root leaf of a depth-0 tree.
func (idx *Index) locate(ctx context.Context, b *Block) ([]pathStep, error) {
	notFound := func() error {
		return newError(CodeNotFound, "remove", b.Offset, "%s is not linked", b.ID)
	}

	if b.ID.IsNil() || b.Offset >= idx.hdr.rangeLength {
		return nil, notFound()
	}

	s := idx.hdr.root
	var path []pathStep
	for {
		switch s.Kind {
		case SlotEmpty:
			return nil, notFound()
		case SlotLeaf:
			if s.OID != b.ID {
				return nil, notFound()
			}
			return path, nil
		case SlotInternal:
			n, err := loadNode(ctx, idx.tx, s.OID)
			if err != nil {
				return nil, err
			}
			d := idx.digit(b.Offset, n.Level)
			path = append(path, pathStep{node: n, digit: d})
			s = n.Slots[d]
			if n.Level == 0 && s.Kind == SlotInternal {
				return nil, newError(CodeCorrupted, "remove", b.Offset, "level-0 node %s holds %s", n.ID, s)
			}
		default:
			return nil, newError(CodeCorrupted, "remove", b.Offset, "invalid slot %s", s)
		}
	}
}

// unlink removes cur from the list and persists its neighbours and itself.
func (idx *Index) unlink(ctx context.Context, cur *Block) error {
	if cur.Prev.IsNil() {
		idx.hdr.head = cur.Next
	} else {
		prev, err := idx.loadBlock(ctx, cur.Prev)
		if err != nil {
			return err
		}
		prev.Next = cur.Next
		if err := prev.Save(ctx, idx.tx); err != nil {
			return err
		}
	}

	if cur.Next.IsNil() {
		idx.hdr.tail = cur.Prev
	} else {
		next, err := idx.loadBlock(ctx, cur.Next)
		if err != nil {
			return err
		}
		next.Prev = cur.Prev
		if err := next.Save(ctx, idx.tx); err != nil {
			return err
		}
	}

	cur.Prev, cur.Next = pmem.Nil, pmem.Nil
	return cur.Save(ctx, idx.tx)
}

// clear empties the slot at the end of path and frees every node left
// without children, root included.
func (idx *Index) clear(ctx context.Context, path []pathStep) error {
	for i := len(path) - 1; i >= 0; i-- {
		step := path[i]
		step.node.Slots[step.digit] = Slot{}

		if step.node.populated() > 0 {
			return step.node.save(ctx, idx.tx)
		}
		if err := freeNode(ctx, idx.tx, step.node.ID); err != nil {
			return err
		}
	}

	// Either a depth-0 root leaf or the root node itself was cleared.
	idx.hdr.root = Slot{}
	idx.hdr.rangeLength = idx.hdr.minBlockSize
	return nil
}

// shrink drops root levels while a single child of slot 0 can address every
// remaining extent.
func (idx *Index) shrink(ctx context.Context) (int, error) {
	if idx.hdr.count == 0 {
		return 0, nil
	}

	tail, err := idx.loadBlock(ctx, idx.hdr.tail)
	if err != nil {
		return 0, err
	}

	levels := 0
	for idx.hdr.root.Kind == SlotInternal {
		if tail.End() > idx.hdr.rangeLength/Fanout {
			break
		}

		root, err := loadNode(ctx, idx.tx, idx.hdr.root.OID)
		if err != nil {
			return levels, err
		}
		if root.populated() != 1 || root.Slots[0].IsEmpty() {
			break
		}

		idx.hdr.root = root.Slots[0]
		if err := freeNode(ctx, idx.tx, root.ID); err != nil {
			return levels, err
		}
		idx.hdr.rangeLength /= Fanout
		levels++
	}
	return levels, nil
}
