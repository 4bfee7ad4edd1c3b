// Package filedata stores the contents of a sparse file in a pmem pool.
//
// A file is a header object pointing at an extent index. Each extent owns
// one data object holding its bytes. Extents start and end on multiples of
// the index's minimum block size, so a write into a hole always starts a new
// extent on a block boundary without touching its neighbours. Bytes that no
// extent covers read as zeros.
//
// Like the index, a File is bound to the transaction it was created or
// opened in. Callers serialize writers per file.
package filedata

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/pmfs/pkg/extent"
	"github.com/marmos91/pmfs/pkg/pmem"
)

// DefaultMaxExtentBlocks caps the number of blocks a write allocates for one
// new extent.
const DefaultMaxExtentBlocks = 64

var (
	// ErrCorrupted is returned when a file header fails validation.
	ErrCorrupted = errors.New("filedata: corrupted file")

	// ErrTooLarge is returned for writes or truncates past the largest
	// addressable offset.
	ErrTooLarge = errors.New("filedata: offset out of range")
)

// On-media file header layout (little endian):
//
//	[0:4]   magic "FILE"
//	[4:8]   reserved
//	[8:16]  extent index oid
//	[16:24] size in bytes
//	[24:32] modification time, unix nanoseconds
const (
	headerMagic      = "FILE"
	headerRecordSize = 32
)

type header struct {
	index pmem.OID
	size  uint64
	mtime int64
}

func (h *header) encode() []byte {
	buf := make([]byte, headerRecordSize)
	copy(buf[0:4], headerMagic)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.index))
	binary.LittleEndian.PutUint64(buf[16:24], h.size)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.mtime))
	return buf
}

func decodeHeader(oid pmem.OID, buf []byte) (header, error) {
	if len(buf) != headerRecordSize || string(buf[0:4]) != headerMagic {
		return header{}, fmt.Errorf("%w: file %s has a bad header", ErrCorrupted, oid)
	}
	h := header{
		index: pmem.OID(binary.LittleEndian.Uint64(buf[8:16])),
		size:  binary.LittleEndian.Uint64(buf[16:24]),
		mtime: int64(binary.LittleEndian.Uint64(buf[24:32])),
	}
	if h.index.IsNil() {
		return header{}, fmt.Errorf("%w: file %s has no extent index", ErrCorrupted, oid)
	}
	return h, nil
}

// File is a transaction-bound handle to the data of one file.
type File struct {
	tx  pmem.Tx
	id  pmem.OID
	hdr header
	idx *extent.Index

	inode     uint64
	maxExtent uint64
	clock     func() time.Time
}

type options struct {
	inode           uint64
	maxExtentBlocks uint64
	indexOpts       []extent.Option
	clock           func() time.Time
}

// Option configures a File.
type Option func(*options)

// WithInode tags traces and logs with the file's inode number.
func WithInode(ino uint64) Option {
	return func(o *options) {
		o.inode = ino
	}
}

// WithMaxExtentBlocks caps the size of extents created by WriteAt.
func WithMaxExtentBlocks(n uint64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxExtentBlocks = n
		}
	}
}

// WithIndexOptions passes options to the extent index.
func WithIndexOptions(opts ...extent.Option) Option {
	return func(o *options) {
		o.indexOpts = append(o.indexOpts, opts...)
	}
}

// WithClock replaces time.Now for modification times.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.clock = now
	}
}

func buildOptions(opts []Option) options {
	o := options{
		maxExtentBlocks: DefaultMaxExtentBlocks,
		clock:           time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Create allocates an empty file in tx.
func Create(ctx context.Context, tx pmem.Tx, opts ...Option) (*File, error) {
	o := buildOptions(opts)

	idx, err := extent.New(ctx, tx, o.indexOpts...)
	if err != nil {
		return nil, err
	}

	f := newFile(tx, o, idx)
	f.hdr = header{index: idx.ID(), mtime: o.clock().UnixNano()}
	if f.id, err = tx.Alloc(ctx, pmem.KindFile, f.hdr.encode()); err != nil {
		return nil, fmt.Errorf("allocate file: %w", err)
	}
	return f, nil
}

// Open loads an existing file in tx.
func Open(ctx context.Context, tx pmem.Tx, oid pmem.OID, opts ...Option) (*File, error) {
	o := buildOptions(opts)

	buf, err := tx.Get(ctx, oid, pmem.KindFile)
	if err != nil {
		return nil, fmt.Errorf("load file %s: %w", oid, err)
	}
	hdr, err := decodeHeader(oid, buf)
	if err != nil {
		return nil, err
	}

	idx, err := extent.Open(ctx, tx, hdr.index, o.indexOpts...)
	if err != nil {
		return nil, err
	}

	f := newFile(tx, o, idx)
	f.id = oid
	f.hdr = hdr
	return f, nil
}

func newFile(tx pmem.Tx, o options, idx *extent.Index) *File {
	return &File{
		tx:        tx,
		idx:       idx,
		inode:     o.inode,
		maxExtent: o.maxExtentBlocks * idx.MinBlockSize(),
		clock:     o.clock,
	}
}

// ID returns the OID of the file header.
func (f *File) ID() pmem.OID { return f.id }

// Size returns the file size in bytes.
func (f *File) Size() uint64 { return f.hdr.size }

// ModTime returns the time of the last write or truncate.
func (f *File) ModTime() time.Time { return time.Unix(0, f.hdr.mtime) }

// Index returns the extent index of the file.
func (f *File) Index() *extent.Index { return f.idx }

// Extent describes one allocated range of a file.
type Extent struct {
	Offset uint64   `json:"offset" yaml:"offset"`
	Size   uint64   `json:"size" yaml:"size"`
	Data   pmem.OID `json:"data" yaml:"data"`
}

// Extents returns the allocated ranges of the file in offset order.
func (f *File) Extents(ctx context.Context) ([]Extent, error) {
	var out []Extent
	err := f.idx.Walk(ctx, func(b *extent.Block) error {
		out = append(out, Extent{Offset: b.Offset, Size: b.Size, Data: b.Data})
		return nil
	})
	return out, err
}

// Allocated returns the number of bytes held by extents.
func (f *File) Allocated(ctx context.Context) (uint64, error) {
	var total uint64
	err := f.idx.Walk(ctx, func(b *extent.Block) error {
		total += b.Size
		return nil
	})
	return total, err
}

// Destroy frees every extent, its data, the index and the header.
func (f *File) Destroy(ctx context.Context) error {
	for {
		b, err := f.idx.Last(ctx)
		if err != nil {
			return err
		}
		if b == nil {
			break
		}
		if err := f.dropExtent(ctx, b); err != nil {
			return err
		}
	}

	if err := f.idx.Destroy(ctx); err != nil {
		return err
	}
	if err := f.tx.Free(ctx, f.id); err != nil {
		return fmt.Errorf("free file %s: %w", f.id, err)
	}
	return nil
}

func (f *File) touch(ctx context.Context) error {
	f.hdr.mtime = f.clock().UnixNano()
	if err := f.tx.Set(ctx, f.id, pmem.KindFile, f.hdr.encode()); err != nil {
		return fmt.Errorf("save file %s: %w", f.id, err)
	}
	return nil
}

// dropExtent unlinks b and frees it together with its data.
func (f *File) dropExtent(ctx context.Context, b *extent.Block) error {
	if err := f.idx.Remove(ctx, b); err != nil {
		return err
	}
	if !b.Data.IsNil() {
		if err := f.tx.Free(ctx, b.Data); err != nil {
			return fmt.Errorf("free data %s: %w", b.Data, err)
		}
	}
	return extent.FreeBlock(ctx, f.tx, b)
}

func (f *File) alignDown(off uint64) uint64 {
	return off &^ (f.idx.MinBlockSize() - 1)
}

func (f *File) alignUp(off uint64) uint64 {
	return f.alignDown(off + f.idx.MinBlockSize() - 1)
}
