package extent

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Dump writes a human-readable rendering of the tree to w, one slot per
// line, indented by depth.
func (idx *Index) Dump(ctx context.Context, w io.Writer) error {
	_, err := fmt.Fprintf(w, "index %s: extents=%d depth=%d range=%d min_block=%d head=%s tail=%s\n",
		idx.id, idx.hdr.count, idx.Depth(), idx.hdr.rangeLength, idx.hdr.minBlockSize, idx.hdr.head, idx.hdr.tail)
	if err != nil {
		return err
	}
	return idx.dumpSlot(ctx, w, idx.hdr.root, 1, 0)
}

func (idx *Index) dumpSlot(ctx context.Context, w io.Writer, s Slot, indent int, base uint64) error {
	pad := strings.Repeat("  ", indent)

	switch s.Kind {
	case SlotEmpty:
		if indent == 1 {
			_, err := fmt.Fprintf(w, "%s(empty)\n", pad)
			return err
		}
		return nil

	case SlotLeaf:
		b, err := idx.loadBlock(ctx, s.OID)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%sleaf %s data=%s\n", pad, b, b.Data)
		return err

	case SlotInternal:
		n, err := loadNode(ctx, idx.tx, s.OID)
		if err != nil {
			return err
		}
		span := idx.span(n.Level)
		if _, err := fmt.Fprintf(w, "%snode %s level=%d base=%d span=%d\n", pad, n.ID, n.Level, base, span); err != nil {
			return err
		}
		for i, child := range n.Slots {
			if child.IsEmpty() {
				continue
			}
			start := base + uint64(i)*span
			if _, err := fmt.Fprintf(w, "%s  [%x] @%d\n", pad, i, start); err != nil {
				return err
			}
			if err := idx.dumpSlot(ctx, w, child, indent+2, start); err != nil {
				return err
			}
		}
		return nil

	default:
		return corrupt(base, "invalid slot %s", s)
	}
}
