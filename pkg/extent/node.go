package extent

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/marmos91/pmfs/pkg/pmem"
)

// SlotKind tags the content of a tree slot.
type SlotKind uint8

const (
	// SlotEmpty holds nothing.
	SlotEmpty SlotKind = iota

	// SlotLeaf references a Block.
	SlotLeaf

	// SlotInternal references a child Node one level down.
	SlotInternal
)

func (k SlotKind) String() string {
	switch k {
	case SlotEmpty:
		return "empty"
	case SlotLeaf:
		return "leaf"
	case SlotInternal:
		return "internal"
	default:
		return fmt.Sprintf("SlotKind(%d)", uint8(k))
	}
}

// Slot is one entry of a tree node, or the index root.
type Slot struct {
	Kind SlotKind
	OID  pmem.OID
}

// LeafSlot returns a slot referencing a block.
func LeafSlot(oid pmem.OID) Slot { return Slot{Kind: SlotLeaf, OID: oid} }

// InternalSlot returns a slot referencing a node.
func InternalSlot(oid pmem.OID) Slot { return Slot{Kind: SlotInternal, OID: oid} }

// IsEmpty reports whether the slot holds nothing.
func (s Slot) IsEmpty() bool { return s.Kind == SlotEmpty }

func (s Slot) String() string {
	if s.Kind == SlotEmpty {
		return "empty"
	}
	return fmt.Sprintf("%s(%s)", s.Kind, s.OID)
}

func (s Slot) valid() bool {
	switch s.Kind {
	case SlotEmpty:
		return s.OID.IsNil()
	case SlotLeaf, SlotInternal:
		return !s.OID.IsNil()
	default:
		return false
	}
}

// Node is an internal tree node. Slots of a level-0 node hold leaves; slots
// of a level-l node (l > 0) hold level-(l-1) nodes.
type Node struct {
	ID    pmem.OID
	Level int
	Slots [Fanout]Slot
}

// On-media node layout (little endian):
//
//	[0:4]   magic "XNOD"
//	[4]     level
//	[5:8]   reserved
//	[8:152] Fanout slots of {kind uint8, oid uint64}
const (
	nodeMagic      = "XNOD"
	nodeHeaderSize = 8
	slotRecordSize = 9
	nodeRecordSize = nodeHeaderSize + Fanout*slotRecordSize
)

func (n *Node) encode() []byte {
	buf := make([]byte, nodeRecordSize)
	copy(buf[0:4], nodeMagic)
	buf[4] = uint8(n.Level)
	for i, s := range n.Slots {
		off := nodeHeaderSize + i*slotRecordSize
		buf[off] = uint8(s.Kind)
		binary.LittleEndian.PutUint64(buf[off+1:off+9], uint64(s.OID))
	}
	return buf
}

func decodeNode(oid pmem.OID, buf []byte) (*Node, error) {
	if len(buf) != nodeRecordSize || string(buf[0:4]) != nodeMagic {
		return nil, &Error{
			Code:    CodeCorrupted,
			Message: fmt.Sprintf("node %s has a bad header", oid),
		}
	}

	n := &Node{ID: oid, Level: int(buf[4])}
	for i := range n.Slots {
		off := nodeHeaderSize + i*slotRecordSize
		s := Slot{
			Kind: SlotKind(buf[off]),
			OID:  pmem.OID(binary.LittleEndian.Uint64(buf[off+1 : off+9])),
		}
		if !s.valid() {
			return nil, &Error{
				Code:    CodeCorrupted,
				Message: fmt.Sprintf("node %s slot %d is invalid: %s", oid, i, s),
			}
		}
		n.Slots[i] = s
	}
	return n, nil
}

// populated returns the number of non-empty slots.
func (n *Node) populated() int {
	count := 0
	for _, s := range n.Slots {
		if !s.IsEmpty() {
			count++
		}
	}
	return count
}

// lastPopulated returns the index of the rightmost non-empty slot at or
// before i, or -1.
func (n *Node) lastPopulated(i int) int {
	for ; i >= 0; i-- {
		if !n.Slots[i].IsEmpty() {
			return i
		}
	}
	return -1
}

// firstPopulated returns the index of the leftmost non-empty slot at or
// after i, or -1.
func (n *Node) firstPopulated(i int) int {
	for ; i < Fanout; i++ {
		if !n.Slots[i].IsEmpty() {
			return i
		}
	}
	return -1
}

func loadNode(ctx context.Context, tx pmem.Tx, oid pmem.OID) (*Node, error) {
	buf, err := tx.Get(ctx, oid, pmem.KindNode)
	if err != nil {
		return nil, fmt.Errorf("load node %s: %w", oid, err)
	}
	return decodeNode(oid, buf)
}

func (n *Node) save(ctx context.Context, tx pmem.Tx) error {
	if err := tx.Set(ctx, n.ID, pmem.KindNode, n.encode()); err != nil {
		return fmt.Errorf("save node %s: %w", n.ID, err)
	}
	return nil
}

func freeNode(ctx context.Context, tx pmem.Tx, oid pmem.OID) error {
	if err := tx.Free(ctx, oid); err != nil {
		return fmt.Errorf("free node %s: %w", oid, err)
	}
	return nil
}
