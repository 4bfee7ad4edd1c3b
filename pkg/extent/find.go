package extent

import (
	"context"

	"github.com/marmos91/pmfs/internal/telemetry"
	"github.com/marmos91/pmfs/pkg/pmem"
)

// FindClosest returns the extent containing off or, if off falls in a hole,
// the nearest extent before it. It returns ErrNotFound when no extent starts
// at or before off. Offsets past RangeLength resolve to the last extent.
func (idx *Index) FindClosest(ctx context.Context, off uint64) (b *Block, err error) {
	ctx, span := telemetry.StartExtentSpan(ctx, telemetry.SpanExtentFindClosest,
		telemetry.ExtentOffset(off))
	defer func() {
		telemetry.EndSpan(span, err)
		idx.observe("find", err)
	}()

	b, err = idx.floor(ctx, off)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, newError(CodeNotFound, "find", off, "no extent at or before offset")
	}
	return b, nil
}

// Lookup returns the extent containing off, or ErrNotFound if off is in a
// hole.
func (idx *Index) Lookup(ctx context.Context, off uint64) (*Block, error) {
	b, err := idx.FindClosest(ctx, off)
	if err != nil {
		return nil, err
	}
	if !b.Contains(off) {
		return nil, newError(CodeNotFound, "lookup", off, "offset is in a hole after %s", b)
	}
	return b, nil
}

// floor returns the extent with the largest offset <= off, or nil.
func (idx *Index) floor(ctx context.Context, off uint64) (*Block, error) {
	if idx.hdr.root.IsEmpty() {
		return nil, nil
	}
	if off >= idx.hdr.rangeLength {
		return idx.loadBlock(ctx, idx.hdr.tail)
	}

	var path []pathStep
	s := idx.hdr.root
	for {
		switch s.Kind {
		case SlotLeaf:
			return idx.loadBlock(ctx, s.OID)

		case SlotInternal:
			n, err := loadNode(ctx, idx.tx, s.OID)
			if err != nil {
				return nil, err
			}
			d := idx.digit(off, n.Level)
			path = append(path, pathStep{node: n, digit: d})
			s = n.Slots[d]

		case SlotEmpty:
			// Back up to the deepest node with a populated slot left of
			// the path; its rightmost leaf is the answer.
			for i := len(path) - 1; i >= 0; i-- {
				step := path[i]
				if j := step.node.lastPopulated(step.digit - 1); j >= 0 {
					return idx.rightmost(ctx, step.node.Slots[j])
				}
			}
			return nil, nil

		default:
			return nil, newError(CodeCorrupted, "find", off, "invalid slot %s", s)
		}
	}
}

// First returns the extent with the lowest offset, or nil if the index is
// empty.
func (idx *Index) First(ctx context.Context) (*Block, error) {
	return idx.loadLink(ctx, idx.hdr.head)
}

// Last returns the extent with the highest offset, or nil if the index is
// empty.
func (idx *Index) Last(ctx context.Context) (*Block, error) {
	return idx.loadLink(ctx, idx.hdr.tail)
}

// Next returns the extent after b, or nil if b is the last one. Links are
// read from storage, not from b.
func (idx *Index) Next(ctx context.Context, b *Block) (*Block, error) {
	cur, err := idx.loadBlock(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	return idx.loadLink(ctx, cur.Next)
}

// Prev returns the extent before b, or nil if b is the first one.
func (idx *Index) Prev(ctx context.Context, b *Block) (*Block, error) {
	cur, err := idx.loadBlock(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	return idx.loadLink(ctx, cur.Prev)
}

func (idx *Index) loadLink(ctx context.Context, oid pmem.OID) (*Block, error) {
	if oid.IsNil() {
		return nil, nil
	}
	return idx.loadBlock(ctx, oid)
}

// Walk calls fn for every extent in offset order. A non-nil error from fn
// stops the walk and is returned. fn must not modify the index.
func (idx *Index) Walk(ctx context.Context, fn func(*Block) error) error {
	for oid := idx.hdr.head; !oid.IsNil(); {
		b, err := idx.loadBlock(ctx, oid)
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
		oid = b.Next
	}
	return nil
}

// Range calls fn, in offset order, for every extent sharing at least one byte
// with [start, end). fn must not modify the index.
func (idx *Index) Range(ctx context.Context, start, end uint64, fn func(*Block) error) error {
	if start >= end {
		return nil
	}

	b, err := idx.floor(ctx, start)
	if err != nil {
		return err
	}
	switch {
	case b == nil:
		b, err = idx.First(ctx)
	case b.End() <= start:
		b, err = idx.loadLink(ctx, b.Next)
	}
	if err != nil {
		return err
	}

	for b != nil && b.Offset < end {
		if err := fn(b); err != nil {
			return err
		}
		if b, err = idx.loadLink(ctx, b.Next); err != nil {
			return err
		}
	}
	return nil
}
