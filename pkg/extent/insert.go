package extent

import (
	"context"
	"fmt"

	"github.com/marmos91/pmfs/internal/logger"
	"github.com/marmos91/pmfs/internal/telemetry"
	"github.com/marmos91/pmfs/pkg/pmem"
)

// Insert links b into the index.
//
// b must already be allocated (see NewBlock), have a non-zero Size, and start
// at a multiple of MinBlockSize. Insert fails with ErrOverlap if any byte of
// b is covered by a linked extent; nothing is modified in that case.
//
// The tree grows as many levels as needed to cover b. If a node cannot be
// allocated, Insert returns ErrAllocation and frees the nodes it allocated,
// leaving the transaction as it found it. Any other pool error leaves the
// transaction in an unspecified state and the caller must abort it.
func (idx *Index) Insert(ctx context.Context, b *Block) (err error) {
	if b == nil {
		return newError(CodeInvalidArgument, "insert", 0, "nil block")
	}

	ctx, span := telemetry.StartExtentSpan(ctx, telemetry.SpanExtentInsert,
		telemetry.ExtentOffset(b.Offset),
		telemetry.ExtentSize(b.Size),
		telemetry.ExtentOID(uint64(b.ID)))
	defer func() {
		telemetry.EndSpan(span, err)
		idx.observe("insert", err)
	}()

	if err := idx.validate(b); err != nil {
		return err
	}

	pred, succ, err := idx.neighbours(ctx, b)
	if err != nil {
		return err
	}

	saved := idx.hdr
	var allocated []pmem.OID
	rollback := func() {
		idx.hdr = saved
		for i := len(allocated) - 1; i >= 0; i-- {
			_ = idx.tx.Free(ctx, allocated[i])
		}
	}

	levels, err := idx.grow(ctx, b.End(), &allocated)
	if err != nil {
		rollback()
		return wrapError(CodeAllocation, "insert", b.Offset, err)
	}

	if err := idx.place(ctx, b, &allocated); err != nil {
		rollback()
		return err
	}

	if err := idx.link(ctx, b, pred, succ); err != nil {
		return err
	}

	idx.hdr.count++
	if err := idx.saveHeader(ctx); err != nil {
		return err
	}

	if levels > 0 {
		span.SetAttributes(telemetry.GrowLevels(levels), telemetry.Depth(idx.Depth()),
			telemetry.RangeLength(idx.hdr.rangeLength))
		logger.DebugCtx(ctx, "Extent index grew",
			logger.KeyOffset, b.Offset,
			logger.KeySize, b.Size,
			logger.KeyLevels, levels,
			logger.KeyDepth, idx.Depth(),
			logger.KeyRangeLength, idx.hdr.rangeLength)
		idx.observeGrow(levels)
	}
	idx.recordDepth()

	return nil
}

// validate checks the arguments of Insert.
func (idx *Index) validate(b *Block) error {
	switch {
	case b.ID.IsNil():
		return newError(CodeInvalidArgument, "insert", b.Offset, "block has no identity")
	case b.Size == 0:
		return newError(CodeInvalidArgument, "insert", b.Offset, "zero-sized extent")
	case b.Offset&(idx.hdr.minBlockSize-1) != 0:
		return newError(CodeInvalidArgument, "insert", b.Offset,
			"offset is not a multiple of %d", idx.hdr.minBlockSize)
	case b.End() < b.Offset || b.End() > MaxRange(idx.hdr.minBlockSize):
		return newError(CodeInvalidArgument, "insert", b.Offset,
			"extent of %d bytes ends beyond the addressable range", b.Size)
	}
	return nil
}

// neighbours returns the linked extents immediately before and after b, or
// ErrOverlap if either intersects it.
func (idx *Index) neighbours(ctx context.Context, b *Block) (pred, succ *Block, err error) {
	pred, err = idx.floor(ctx, b.Offset)
	if err != nil {
		return nil, nil, err
	}

	next := idx.hdr.head
	if pred != nil {
		if pred.End() > b.Offset {
			return nil, nil, newError(CodeOverlap, "insert", b.Offset,
				"extent [%d, %d) overlaps %s", b.Offset, b.End(), pred)
		}
		next = pred.Next
	}

	if !next.IsNil() {
		succ, err = idx.loadBlock(ctx, next)
		if err != nil {
			return nil, nil, err
		}
		if b.End() > succ.Offset {
			return nil, nil, newError(CodeOverlap, "insert", b.Offset,
				"extent [%d, %d) overlaps %s", b.Offset, b.End(), succ)
		}
	}

	return pred, succ, nil
}

// grow raises the tree until it covers end. A non-empty root becomes slot 0
// of a new root one level up; an empty root only widens the range.
func (idx *Index) grow(ctx context.Context, end uint64, allocated *[]pmem.OID) (int, error) {
	levels := 0
	for end > idx.hdr.rangeLength {
		if !idx.hdr.root.IsEmpty() {
			n := &Node{Level: idx.Depth()}
			n.Slots[0] = idx.hdr.root

			oid, err := idx.tx.Alloc(ctx, pmem.KindNode, n.encode())
			if err != nil {
				return levels, fmt.Errorf("allocate root node: %w", err)
			}
			*allocated = append(*allocated, oid)
			idx.hdr.root = InternalSlot(oid)
		}
		idx.hdr.rangeLength *= Fanout
		levels++
	}
	return levels, nil
}

// place stores a leaf for b, creating the missing nodes on its path. All
// allocations happen before the single write to an existing node.
func (idx *Index) place(ctx context.Context, b *Block, allocated *[]pmem.OID) error {
	depth := idx.Depth()
	leaf := LeafSlot(b.ID)

	if depth == 0 {
		if !idx.hdr.root.IsEmpty() {
			return newError(CodeCorrupted, "insert", b.Offset, "depth-0 root already holds %s", idx.hdr.root)
		}
		idx.hdr.root = leaf
		return nil
	}

	if idx.hdr.root.IsEmpty() {
		top, err := idx.buildPath(ctx, b.Offset, depth-1, leaf, allocated)
		if err != nil {
			return wrapError(CodeAllocation, "insert", b.Offset, err)
		}
		idx.hdr.root = InternalSlot(top)
		return nil
	}

	n, err := loadNode(ctx, idx.tx, idx.hdr.root.OID)
	if err != nil {
		return err
	}

	for {
		d := idx.digit(b.Offset, n.Level)
		s := n.Slots[d]

		if n.Level == 0 {
			if !s.IsEmpty() {
				return newError(CodeCorrupted, "insert", b.Offset, "leaf slot %d of node %s holds %s", d, n.ID, s)
			}
			n.Slots[d] = leaf
			return n.save(ctx, idx.tx)
		}

		switch s.Kind {
		case SlotEmpty:
			child, err := idx.buildPath(ctx, b.Offset, n.Level-1, leaf, allocated)
			if err != nil {
				return wrapError(CodeAllocation, "insert", b.Offset, err)
			}
			n.Slots[d] = InternalSlot(child)
			return n.save(ctx, idx.tx)
		case SlotInternal:
			if n, err = loadNode(ctx, idx.tx, s.OID); err != nil {
				return err
			}
		default:
			return newError(CodeCorrupted, "insert", b.Offset, "level-%d node %s holds %s", n.Level, n.ID, s)
		}
	}
}

// buildPath allocates the nodes of levels 0..top along off's path, with leaf
// at the bottom, and returns the top node.
func (idx *Index) buildPath(ctx context.Context, off uint64, top int, leaf Slot, allocated *[]pmem.OID) (pmem.OID, error) {
	child := leaf
	for level := 0; level <= top; level++ {
		n := &Node{Level: level}
		n.Slots[idx.digit(off, level)] = child

		oid, err := idx.tx.Alloc(ctx, pmem.KindNode, n.encode())
		if err != nil {
			return pmem.Nil, fmt.Errorf("allocate level-%d node: %w", level, err)
		}
		*allocated = append(*allocated, oid)
		child = InternalSlot(oid)
	}
	return child.OID, nil
}

// link splices b into the list between pred and succ.
func (idx *Index) link(ctx context.Context, b, pred, succ *Block) error {
	b.Prev, b.Next = pmem.Nil, pmem.Nil

	if pred != nil {
		b.Prev = pred.ID
		pred.Next = b.ID
		if err := pred.Save(ctx, idx.tx); err != nil {
			return err
		}
	} else {
		idx.hdr.head = b.ID
	}

	if succ != nil {
		b.Next = succ.ID
		succ.Prev = b.ID
		if err := succ.Save(ctx, idx.tx); err != nil {
			return err
		}
	} else {
		idx.hdr.tail = b.ID
	}

	return b.Save(ctx, idx.tx)
}
