// mmap.go provides memory-mapped file backing for the redo log.
//
// The OS flushes dirty pages asynchronously, so appending a commit costs about
// as much as a memcpy. WithSyncWrites makes every append wait for msync.
//
// File Format:
//
//	Header (64 bytes):
//	  - Magic: "PMRL" (4 bytes)
//	  - Version: uint16 (2 bytes)
//	  - Frame count: uint32 (4 bytes)
//	  - Next write offset: uint64 (8 bytes)
//	  - Pool UUID: 16 bytes
//	  - Reserved: 30 bytes
//
//	Frames (variable):
//	  - Payload length: uint32 (4 bytes)
//	  - Payload:
//	      - TxID: uint64
//	      - NextOID: uint64
//	      - Mutation count: uint32
//	      - Mutations: op uint8, oid uint64, kind uint8, len uint32, data
//	  - CRC32-C of payload: uint32 (4 bytes)
//
// Recovery:
// Frames are replayed up to the recorded write offset. The first frame whose
// length or checksum does not verify ends the log.

package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/marmos91/pmfs/internal/logger"
	"github.com/marmos91/pmfs/pkg/pmem"
	"golang.org/x/sys/unix"
)

// mmap file constants
const (
	mmapMagic        = "PMRL" // PMFS Redo Log
	mmapVersion      = uint16(1)
	mmapHeaderSize   = 64
	mmapInitialSize  = 4 * 1024 * 1024
	mmapGrowthFactor = 2

	// LogFileName is the name of the log file inside the log directory.
	LogFileName = "redo.log"

	frameOverhead = 4 + 4 // length + crc
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// mmapHeader represents the header of the mmap file
type mmapHeader struct {
	Magic      [4]byte
	Version    uint16
	FrameCount uint32
	NextOffset uint64
	PoolID     uuid.UUID
}

// Option configures an MmapPersister.
type Option func(*MmapPersister)

// WithSyncWrites makes AppendCommit wait for the frame to reach stable storage.
func WithSyncWrites(enabled bool) Option {
	return func(p *MmapPersister) {
		p.syncWrites = enabled
	}
}

// WithPoolID sets the pool identity written into a newly created log.
// It is ignored when an existing log is opened.
func WithPoolID(id uuid.UUID) Option {
	return func(p *MmapPersister) {
		p.newID = id
	}
}

// MmapPersister implements the Persister interface using memory-mapped files.
type MmapPersister struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	data       []byte // mmap'd region
	size       uint64 // current file/mmap size
	header     *mmapHeader
	dirty      bool
	closed     bool
	syncWrites bool
	newID      uuid.UUID
}

// NewMmapPersister creates or opens the redo log in dir.
//
// If the log exists, it is opened and its header validated (call Recover to
// read the commits). Otherwise a new log is created.
func NewMmapPersister(dir string, opts ...Option) (*MmapPersister, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	p := &MmapPersister{
		path: filepath.Join(dir, LogFileName),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.newID == uuid.Nil {
		p.newID = uuid.New()
	}

	if err := p.init(); err != nil {
		return nil, fmt.Errorf("init mmap: %w", err)
	}

	return p, nil
}

func (p *MmapPersister) init() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := os.Stat(p.path); err == nil {
		return p.openExisting(p.path)
	}

	if err := createLogFile(p.path, p.newID, mmapInitialSize, nil); err != nil {
		return err
	}
	return p.openExisting(p.path)
}

// createLogFile writes a fresh log at filePath holding an optional first frame.
// The file is synced before returning.
func createLogFile(filePath string, id uuid.UUID, size uint64, first *Commit) error {
	if first != nil {
		for needed := uint64(mmapHeaderSize + frameOverhead + first.size()); size < needed; {
			size *= mmapGrowthFactor
		}
	}

	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		return fmt.Errorf("truncate file: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	defer func() { _ = unix.Munmap(data) }()

	header := &mmapHeader{
		Version:    mmapVersion,
		NextOffset: mmapHeaderSize,
		PoolID:     id,
	}
	copy(header.Magic[:], mmapMagic)

	if first != nil {
		header.NextOffset += uint64(encodeFrame(data[mmapHeaderSize:], first))
		header.FrameCount = 1
	}
	writeHeader(data, header)

	if err := unix.Msync(data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}
	return f.Sync()
}

// openExisting opens an existing mmap file and validates it.
func (p *MmapPersister) openExisting(filePath string) error {
	f, err := os.OpenFile(filePath, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat file: %w", err)
	}

	size := uint64(info.Size())
	if size < mmapHeaderSize {
		f.Close()
		return ErrCorrupted
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return fmt.Errorf("mmap: %w", err)
	}

	p.file = f
	p.data = data
	p.size = size

	header := readHeader(data)
	if string(header.Magic[:]) != mmapMagic {
		p.closeLocked()
		return ErrCorrupted
	}
	if header.Version != mmapVersion {
		p.closeLocked()
		return ErrVersionMismatch
	}
	if header.NextOffset < mmapHeaderSize || header.NextOffset > size {
		p.closeLocked()
		return ErrCorrupted
	}

	p.header = header
	p.closed = false

	return nil
}

// AppendCommit appends a commit frame to the log.
func (p *MmapPersister) AppendCommit(c *Commit) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPersisterClosed
	}

	frameSize := uint64(frameOverhead + c.size())
	if err := p.ensureSpace(frameSize); err != nil {
		return err
	}

	start := p.header.NextOffset
	n := encodeFrame(p.data[start:], c)

	p.header.NextOffset = start + uint64(n)
	p.header.FrameCount++
	writeHeader(p.data, p.header)

	if p.syncWrites {
		if err := unix.Msync(p.data, unix.MS_SYNC); err != nil {
			return fmt.Errorf("msync: %w", err)
		}
		return nil
	}

	p.dirty = true
	return nil
}

// Sync forces pending writes to disk.
func (p *MmapPersister) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPersisterClosed
	}

	if !p.dirty {
		return nil
	}

	if err := unix.Msync(p.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}

	p.dirty = false
	return nil
}

// Recover replays the log and returns all intact commits.
func (p *MmapPersister) Recover() ([]Commit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPersisterClosed
	}

	var commits []Commit

	offset := uint64(mmapHeaderSize)
	end := p.header.NextOffset

	for offset < end {
		c, n, ok := decodeFrame(p.data[offset:end])
		if !ok {
			logger.Warn("Redo log has a torn tail, discarding",
				logger.KeyOffset, offset,
				logger.KeyFrames, len(commits),
				logger.KeyDiscarded, end-offset)
			break
		}
		commits = append(commits, *c)
		offset += uint64(n)
	}

	if offset != end || uint32(len(commits)) != p.header.FrameCount {
		p.header.NextOffset = offset
		p.header.FrameCount = uint32(len(commits))
		writeHeader(p.data, p.header)
		p.dirty = true
	}

	return commits, nil
}

// Compact atomically replaces the log with a single snapshot frame.
//
// The snapshot is written to a temporary file which is synced and then
// renamed over the log, so a crash leaves either the old or the new log.
func (p *MmapPersister) Compact(snapshot *Commit) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPersisterClosed
	}

	tmpPath := p.path + ".tmp"
	if err := createLogFile(tmpPath, p.header.PoolID, mmapInitialSize, snapshot); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write snapshot: %w", err)
	}

	if err := p.closeLocked(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, p.path); err != nil {
		// The old log is still intact; reopen it so the persister stays usable.
		if reopenErr := p.openExisting(p.path); reopenErr != nil {
			return fmt.Errorf("rename snapshot: %w (reopen: %v)", err, reopenErr)
		}
		return fmt.Errorf("rename snapshot: %w", err)
	}

	if dir, err := os.Open(filepath.Dir(p.path)); err == nil {
		_ = dir.Sync()
		dir.Close()
	}

	return p.openExisting(p.path)
}

// PoolID returns the pool identity stored in the header.
func (p *MmapPersister) PoolID() uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.header == nil {
		return uuid.Nil
	}
	return p.header.PoolID
}

// Close releases resources held by the persister.
func (p *MmapPersister) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closeLocked()
}

// closeLocked closes the persister (caller must hold lock).
func (p *MmapPersister) closeLocked() error {
	if p.closed {
		return nil
	}

	p.closed = true

	if p.data != nil {
		_ = unix.Msync(p.data, unix.MS_SYNC)

		if err := unix.Munmap(p.data); err != nil {
			return fmt.Errorf("munmap: %w", err)
		}
		p.data = nil
	}

	if p.file != nil {
		if err := p.file.Close(); err != nil {
			return fmt.Errorf("close file: %w", err)
		}
		p.file = nil
	}

	return nil
}

// IsEnabled returns true (mmap persistence is enabled).
func (p *MmapPersister) IsEnabled() bool {
	return true
}

// ensureSpace ensures there's enough space in the mmap region.
func (p *MmapPersister) ensureSpace(needed uint64) error {
	if p.header.NextOffset+needed <= p.size {
		return nil
	}

	newSize := p.size * mmapGrowthFactor
	for p.header.NextOffset+needed > newSize {
		newSize *= mmapGrowthFactor
	}

	if err := unix.Munmap(p.data); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}

	if err := p.file.Truncate(int64(newSize)); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}

	data, err := unix.Mmap(int(p.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}

	p.data = data
	p.size = newSize

	return nil
}

func writeHeader(data []byte, h *mmapHeader) {
	copy(data[0:4], h.Magic[:])
	binary.LittleEndian.PutUint16(data[4:6], h.Version)
	binary.LittleEndian.PutUint32(data[6:10], h.FrameCount)
	binary.LittleEndian.PutUint64(data[10:18], h.NextOffset)
	copy(data[18:34], h.PoolID[:])
}

func readHeader(data []byte) *mmapHeader {
	h := &mmapHeader{}
	copy(h.Magic[:], data[0:4])
	h.Version = binary.LittleEndian.Uint16(data[4:6])
	h.FrameCount = binary.LittleEndian.Uint32(data[6:10])
	h.NextOffset = binary.LittleEndian.Uint64(data[10:18])
	copy(h.PoolID[:], data[18:34])
	return h
}

// encodeFrame writes c as a frame into b, which must be large enough.
// Returns the number of bytes written.
func encodeFrame(b []byte, c *Commit) int {
	payloadLen := c.size()
	binary.LittleEndian.PutUint32(b[0:4], uint32(payloadLen))

	payload := b[4 : 4+payloadLen]
	binary.LittleEndian.PutUint64(payload[0:8], c.TxID)
	binary.LittleEndian.PutUint64(payload[8:16], c.NextOID)
	binary.LittleEndian.PutUint32(payload[16:20], uint32(len(c.Mutations)))

	off := 20
	for i := range c.Mutations {
		m := &c.Mutations[i]
		payload[off] = uint8(m.Op)
		binary.LittleEndian.PutUint64(payload[off+1:off+9], uint64(m.OID))
		payload[off+9] = uint8(m.Kind)
		binary.LittleEndian.PutUint32(payload[off+10:off+14], uint32(len(m.Data)))
		off += 14
		off += copy(payload[off:], m.Data)
	}

	binary.LittleEndian.PutUint32(b[4+payloadLen:], crc32.Checksum(payload, crcTable))
	return payloadLen + frameOverhead
}

// decodeFrame parses the frame at the start of b. ok is false when the frame
// is truncated or its checksum does not match.
func decodeFrame(b []byte) (c *Commit, n int, ok bool) {
	if len(b) < frameOverhead {
		return nil, 0, false
	}
	payloadLen := int(binary.LittleEndian.Uint32(b[0:4]))
	if payloadLen < 20 || len(b) < payloadLen+frameOverhead {
		return nil, 0, false
	}

	payload := b[4 : 4+payloadLen]
	if crc32.Checksum(payload, crcTable) != binary.LittleEndian.Uint32(b[4+payloadLen:]) {
		return nil, 0, false
	}

	c = &Commit{
		TxID:    binary.LittleEndian.Uint64(payload[0:8]),
		NextOID: binary.LittleEndian.Uint64(payload[8:16]),
	}
	count := binary.LittleEndian.Uint32(payload[16:20])
	c.Mutations = make([]Mutation, 0, count)

	off := 20
	for i := uint32(0); i < count; i++ {
		if off+14 > payloadLen {
			return nil, 0, false
		}
		m := Mutation{
			Op:   Op(payload[off]),
			OID:  pmem.OID(binary.LittleEndian.Uint64(payload[off+1 : off+9])),
			Kind: pmem.Kind(payload[off+9]),
		}
		dataLen := int(binary.LittleEndian.Uint32(payload[off+10 : off+14]))
		off += 14
		if off+dataLen > payloadLen {
			return nil, 0, false
		}
		if dataLen > 0 {
			m.Data = make([]byte, dataLen)
			copy(m.Data, payload[off:off+dataLen])
		}
		off += dataLen
		c.Mutations = append(c.Mutations, m)
	}

	return c, payloadLen + frameOverhead, true
}

// Ensure MmapPersister implements Persister.
var _ Persister = (*MmapPersister)(nil)
