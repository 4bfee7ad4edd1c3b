package wal

import (
	"errors"

	"github.com/google/uuid"
)

// Persister errors
var (
	// ErrPersisterClosed is returned when operations are attempted on a closed persister.
	ErrPersisterClosed = errors.New("persister is closed")

	// ErrCorrupted is returned when the log header is unreadable.
	ErrCorrupted = errors.New("redo log corrupted")

	// ErrVersionMismatch is returned when the log file version doesn't match.
	ErrVersionMismatch = errors.New("redo log version mismatch")
)

// Persister defines the interface for redo log persistence.
//
// The memory pool calls AppendCommit once per committed transaction, before
// the transaction's writes become visible to other transactions.
//
// Thread Safety:
// Implementations must be safe for concurrent use from multiple goroutines.
type Persister interface {
	// AppendCommit appends a commit frame to the log.
	AppendCommit(c *Commit) error

	// Sync forces pending writes to durable storage.
	Sync() error

	// Recover replays the log and returns every intact commit in order.
	// A torn or corrupt tail is dropped and the write position is rewound to
	// the end of the last intact frame.
	Recover() ([]Commit, error)

	// Compact atomically replaces the log contents with a single snapshot commit.
	Compact(snapshot *Commit) error

	// PoolID returns the pool identity stored in the log header.
	PoolID() uuid.UUID

	// Close releases resources held by the persister.
	// Syncs pending data before closing.
	Close() error

	// IsEnabled returns true if persistence is enabled.
	IsEnabled() bool
}

// NullPersister is a no-op implementation for when persistence is disabled.
type NullPersister struct {
	id uuid.UUID
}

// NewNullPersister creates a new no-op persister with a fresh pool identity.
func NewNullPersister() *NullPersister {
	return &NullPersister{id: uuid.New()}
}

// AppendCommit is a no-op.
func (p *NullPersister) AppendCommit(c *Commit) error {
	return nil
}

// Sync is a no-op.
func (p *NullPersister) Sync() error {
	return nil
}

// Recover returns nothing.
func (p *NullPersister) Recover() ([]Commit, error) {
	return nil, nil
}

// Compact is a no-op.
func (p *NullPersister) Compact(snapshot *Commit) error {
	return nil
}

// PoolID returns the identity generated at construction.
func (p *NullPersister) PoolID() uuid.UUID {
	return p.id
}

// Close is a no-op.
func (p *NullPersister) Close() error {
	return nil
}

// IsEnabled returns false (persistence disabled).
func (p *NullPersister) IsEnabled() bool {
	return false
}

// Ensure NullPersister implements Persister.
var _ Persister = (*NullPersister)(nil)
