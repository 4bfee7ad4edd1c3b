package wal

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/marmos91/pmfs/pkg/pmem"
)

func testCommit(txid uint64, oid pmem.OID, data string) *Commit {
	return &Commit{
		TxID:    txid,
		NextOID: uint64(oid) + 1,
		Mutations: []Mutation{
			{Op: OpSet, OID: oid, Kind: pmem.KindBlock, Data: []byte(data)},
			{Op: OpRoot, OID: oid},
		},
	}
}

func TestMmapPersister_CreateNew(t *testing.T) {
	dir := t.TempDir()

	p, err := NewMmapPersister(dir)
	if err != nil {
		t.Fatalf("NewMmapPersister() error = %v", err)
	}
	defer p.Close()

	if !p.IsEnabled() {
		t.Error("IsEnabled() = false, want true")
	}

	if p.PoolID() == uuid.Nil {
		t.Error("PoolID() = Nil, want a generated identity")
	}

	// Verify file was created
	filePath := filepath.Join(dir, LogFileName)
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		t.Errorf("%s was not created", LogFileName)
	}

	commits, err := p.Recover()
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if len(commits) != 0 {
		t.Errorf("Recover() returned %d commits on a new log, want 0", len(commits))
	}
}

func TestMmapPersister_PoolIDSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	id := uuid.New()

	p1, err := NewMmapPersister(dir, WithPoolID(id))
	if err != nil {
		t.Fatalf("NewMmapPersister() error = %v", err)
	}
	if err := p1.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// A different id on reopen is ignored.
	p2, err := NewMmapPersister(dir, WithPoolID(uuid.New()))
	if err != nil {
		t.Fatalf("NewMmapPersister() reopen error = %v", err)
	}
	defer p2.Close()

	if p2.PoolID() != id {
		t.Errorf("PoolID() = %s, want %s", p2.PoolID(), id)
	}
}

func TestMmapPersister_AppendAndRecover(t *testing.T) {
	dir := t.TempDir()

	p1, err := NewMmapPersister(dir)
	if err != nil {
		t.Fatalf("NewMmapPersister() error = %v", err)
	}

	in := []*Commit{
		testCommit(1, 1, "hello"),
		testCommit(2, 2, ""),
		{TxID: 3, NextOID: 3, Mutations: []Mutation{{Op: OpFree, OID: 1}}},
	}
	for _, c := range in {
		if err := p1.AppendCommit(c); err != nil {
			t.Fatalf("AppendCommit(%d) error = %v", c.TxID, err)
		}
	}
	if err := p1.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	p2, err := NewMmapPersister(dir)
	if err != nil {
		t.Fatalf("NewMmapPersister() reopen error = %v", err)
	}
	defer p2.Close()

	out, err := p2.Recover()
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("Recover() returned %d commits, want %d", len(out), len(in))
	}

	for i := range in {
		if out[i].TxID != in[i].TxID || out[i].NextOID != in[i].NextOID {
			t.Errorf("commit %d = {tx %d next %d}, want {tx %d next %d}",
				i, out[i].TxID, out[i].NextOID, in[i].TxID, in[i].NextOID)
		}
		if len(out[i].Mutations) != len(in[i].Mutations) {
			t.Fatalf("commit %d has %d mutations, want %d", i, len(out[i].Mutations), len(in[i].Mutations))
		}
		for j, m := range in[i].Mutations {
			got := out[i].Mutations[j]
			if got.Op != m.Op || got.OID != m.OID || got.Kind != m.Kind || !bytes.Equal(got.Data, m.Data) {
				t.Errorf("commit %d mutation %d = %+v, want %+v", i, j, got, m)
			}
		}
	}
}

func TestMmapPersister_TornTail(t *testing.T) {
	dir := t.TempDir()

	p1, err := NewMmapPersister(dir)
	if err != nil {
		t.Fatalf("NewMmapPersister() error = %v", err)
	}

	first := testCommit(1, 1, "intact")
	second := testCommit(2, 2, "torn")
	for _, c := range []*Commit{first, second} {
		if err := p1.AppendCommit(c); err != nil {
			t.Fatalf("AppendCommit() error = %v", err)
		}
	}
	if err := p1.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Flip a payload byte of the second frame.
	f, err := os.OpenFile(filepath.Join(dir, LogFileName), os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	corruptAt := int64(mmapHeaderSize + frameOverhead + first.size() + 4 + 2)
	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, corruptAt); err != nil {
		t.Fatalf("read log: %v", err)
	}
	buf[0] ^= 0xff
	if _, err := f.WriteAt(buf, corruptAt); err != nil {
		t.Fatalf("write log: %v", err)
	}
	f.Close()

	p2, err := NewMmapPersister(dir)
	if err != nil {
		t.Fatalf("NewMmapPersister() reopen error = %v", err)
	}

	out, err := p2.Recover()
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if len(out) != 1 || out[0].TxID != 1 {
		t.Fatalf("Recover() = %d commits, want only tx 1", len(out))
	}

	// The rewound log accepts new frames after the intact prefix.
	if err := p2.AppendCommit(testCommit(3, 3, "after")); err != nil {
		t.Fatalf("AppendCommit() error = %v", err)
	}
	if err := p2.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	p3, err := NewMmapPersister(dir)
	if err != nil {
		t.Fatalf("NewMmapPersister() reopen error = %v", err)
	}
	defer p3.Close()

	out, err = p3.Recover()
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if len(out) != 2 || out[0].TxID != 1 || out[1].TxID != 3 {
		t.Fatalf("Recover() after rewind returned %d commits, want tx 1 and 3", len(out))
	}
}

func TestMmapPersister_Compact(t *testing.T) {
	dir := t.TempDir()

	p, err := NewMmapPersister(dir)
	if err != nil {
		t.Fatalf("NewMmapPersister() error = %v", err)
	}
	id := p.PoolID()

	for i := uint64(1); i <= 10; i++ {
		if err := p.AppendCommit(testCommit(i, pmem.OID(i), "frame")); err != nil {
			t.Fatalf("AppendCommit() error = %v", err)
		}
	}

	snapshot := testCommit(10, 10, "snapshot")
	if err := p.Compact(snapshot); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}

	// Appends continue after the snapshot.
	if err := p.AppendCommit(testCommit(11, 11, "next")); err != nil {
		t.Fatalf("AppendCommit() after Compact error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, LogFileName+".tmp")); !os.IsNotExist(err) {
		t.Error("temporary snapshot file was left behind")
	}

	p2, err := NewMmapPersister(dir)
	if err != nil {
		t.Fatalf("NewMmapPersister() reopen error = %v", err)
	}
	defer p2.Close()

	if p2.PoolID() != id {
		t.Errorf("PoolID() after Compact = %s, want %s", p2.PoolID(), id)
	}

	out, err := p2.Recover()
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("Recover() returned %d commits, want 2", len(out))
	}
	if string(out[0].Mutations[0].Data) != "snapshot" || out[1].TxID != 11 {
		t.Errorf("unexpected commits after Compact: %+v", out)
	}
}

func TestMmapPersister_ClosedOperations(t *testing.T) {
	dir := t.TempDir()

	p, err := NewMmapPersister(dir)
	if err != nil {
		t.Fatalf("NewMmapPersister() error = %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Double close is fine
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if err := p.AppendCommit(testCommit(1, 1, "x")); !errors.Is(err, ErrPersisterClosed) {
		t.Errorf("AppendCommit() after close error = %v, want ErrPersisterClosed", err)
	}
	if err := p.Sync(); !errors.Is(err, ErrPersisterClosed) {
		t.Errorf("Sync() after close error = %v, want ErrPersisterClosed", err)
	}
	if _, err := p.Recover(); !errors.Is(err, ErrPersisterClosed) {
		t.Errorf("Recover() after close error = %v, want ErrPersisterClosed", err)
	}
	if err := p.Compact(testCommit(1, 1, "x")); !errors.Is(err, ErrPersisterClosed) {
		t.Errorf("Compact() after close error = %v, want ErrPersisterClosed", err)
	}
}

func TestMmapPersister_GrowFile(t *testing.T) {
	dir := t.TempDir()

	p, err := NewMmapPersister(dir, WithSyncWrites(false))
	if err != nil {
		t.Fatalf("NewMmapPersister() error = %v", err)
	}
	defer p.Close()

	// Write more than the initial mapping.
	payload := bytes.Repeat([]byte{0xab}, 1024*1024)
	for i := uint64(1); i <= 6; i++ {
		if err := p.AppendCommit(testCommit(i, pmem.OID(i), string(payload))); err != nil {
			t.Fatalf("AppendCommit(%d) error = %v", i, err)
		}
	}

	if p.size <= mmapInitialSize {
		t.Errorf("size = %d, want growth beyond %d", p.size, mmapInitialSize)
	}

	out, err := p.Recover()
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if len(out) != 6 {
		t.Errorf("Recover() returned %d commits, want 6", len(out))
	}
}

func TestMmapPersister_SyncWrites(t *testing.T) {
	dir := t.TempDir()

	p, err := NewMmapPersister(dir, WithSyncWrites(true))
	if err != nil {
		t.Fatalf("NewMmapPersister() error = %v", err)
	}
	defer p.Close()

	if err := p.AppendCommit(testCommit(1, 1, "durable")); err != nil {
		t.Fatalf("AppendCommit() error = %v", err)
	}
	if p.dirty {
		t.Error("dirty = true after a synchronous append")
	}
}

func TestMmapPersister_BadHeader(t *testing.T) {
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, LogFileName), bytes.Repeat([]byte{0}, mmapHeaderSize), 0644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	if _, err := NewMmapPersister(dir); !errors.Is(err, ErrCorrupted) {
		t.Errorf("NewMmapPersister() error = %v, want ErrCorrupted", err)
	}
}

func TestNullPersister(t *testing.T) {
	p := NewNullPersister()

	if p.IsEnabled() {
		t.Error("IsEnabled() = true, want false")
	}
	if p.PoolID() == uuid.Nil {
		t.Error("PoolID() = Nil, want a generated identity")
	}

	if err := p.AppendCommit(testCommit(1, 1, "x")); err != nil {
		t.Errorf("AppendCommit() error = %v", err)
	}
	if err := p.Sync(); err != nil {
		t.Errorf("Sync() error = %v", err)
	}
	if err := p.Compact(testCommit(1, 1, "x")); err != nil {
		t.Errorf("Compact() error = %v", err)
	}

	commits, err := p.Recover()
	if err != nil {
		t.Errorf("Recover() error = %v", err)
	}
	if commits != nil {
		t.Errorf("Recover() = %v, want nil", commits)
	}

	if err := p.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestOp_String(t *testing.T) {
	tests := []struct {
		op   Op
		want string
	}{
		{OpSet, "set"},
		{OpFree, "free"},
		{OpRoot, "root"},
		{Op(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("Op(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}
