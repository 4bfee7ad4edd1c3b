// Package wal provides the redo log that makes the memory pool durable.
//
// Every committed pool transaction is appended as a single frame holding the
// full set of mutations it made. Frames are checksummed, so a frame that was
// only partially written when the process died is detected on recovery and
// discarded together with anything after it. Replaying the surviving frames in
// order reconstructs the last committed state of the pool.
package wal

import (
	"github.com/marmos91/pmfs/pkg/pmem"
)

// Op is the type of a single mutation inside a commit frame.
type Op uint8

const (
	// OpSet creates or overwrites an object.
	OpSet Op = 1

	// OpFree releases an object.
	OpFree Op = 2

	// OpRoot changes the pool root object.
	OpRoot Op = 3
)

func (o Op) String() string {
	switch o {
	case OpSet:
		return "set"
	case OpFree:
		return "free"
	case OpRoot:
		return "root"
	default:
		return "unknown"
	}
}

// Mutation is one object-level change recorded in a commit.
type Mutation struct {
	Op   Op
	OID  pmem.OID
	Kind pmem.Kind
	Data []byte
}

// Commit is the redo record of one transaction.
type Commit struct {
	// TxID is the monotonically increasing transaction number.
	TxID uint64

	// NextOID is the allocator high-water mark after the transaction.
	NextOID uint64

	// Mutations are applied in order on replay.
	Mutations []Mutation
}

// size returns the encoded payload size of the commit (excluding framing).
func (c *Commit) size() int {
	n := 8 + 8 + 4 // txid + next oid + mutation count
	for i := range c.Mutations {
		n += 1 + 8 + 1 + 4 + len(c.Mutations[i].Data)
	}
	return n
}
