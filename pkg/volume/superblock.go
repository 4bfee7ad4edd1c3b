package volume

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/marmos91/pmfs/pkg/pmem"
)

// On-media superblock layout (little endian). The superblock is the pool
// root.
//
//	[0:4]   magic "PMFS"
//	[4:8]   format version
//	[8:16]  inode table oid
//	[16:24] next inode number
//	[24:32] minimum block size of new extent indexes
//	[32:40] maximum blocks per new extent
//	[40:48] creation time, unix nanoseconds
const (
	superblockMagic   = "PMFS"
	superblockVersion = 1
	superblockSize    = 48
)

// RootInode is the first inode number handed out by Create.
const RootInode uint64 = 1

type superblock struct {
	inodes          pmem.OID
	nextInode       uint64
	minBlockSize    uint64
	maxExtentBlocks uint64
	created         int64
}

func (sb *superblock) encode() []byte {
	buf := make([]byte, superblockSize)
	copy(buf[0:4], superblockMagic)
	binary.LittleEndian.PutUint32(buf[4:8], superblockVersion)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(sb.inodes))
	binary.LittleEndian.PutUint64(buf[16:24], sb.nextInode)
	binary.LittleEndian.PutUint64(buf[24:32], sb.minBlockSize)
	binary.LittleEndian.PutUint64(buf[32:40], sb.maxExtentBlocks)
	binary.LittleEndian.PutUint64(buf[40:48], uint64(sb.created))
	return buf
}

func decodeSuperblock(oid pmem.OID, buf []byte) (superblock, error) {
	if len(buf) != superblockSize || string(buf[0:4]) != superblockMagic {
		return superblock{}, fmt.Errorf("%w: root %s is not a volume superblock", ErrNotVolume, oid)
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != superblockVersion {
		return superblock{}, fmt.Errorf("%w: unsupported format version %d", ErrNotVolume, v)
	}

	sb := superblock{
		inodes:          pmem.OID(binary.LittleEndian.Uint64(buf[8:16])),
		nextInode:       binary.LittleEndian.Uint64(buf[16:24]),
		minBlockSize:    binary.LittleEndian.Uint64(buf[24:32]),
		maxExtentBlocks: binary.LittleEndian.Uint64(buf[32:40]),
		created:         int64(binary.LittleEndian.Uint64(buf[40:48])),
	}
	if sb.inodes.IsNil() || sb.nextInode < RootInode || sb.maxExtentBlocks == 0 {
		return superblock{}, fmt.Errorf("%w: superblock %s has invalid fields", ErrNotVolume, oid)
	}
	return sb, nil
}

func loadSuperblock(ctx context.Context, tx pmem.Tx, oid pmem.OID) (superblock, error) {
	buf, err := tx.Get(ctx, oid, pmem.KindVolume)
	if errors.Is(err, pmem.ErrWrongKind) {
		return superblock{}, fmt.Errorf("%w: root %s is not a volume superblock", ErrNotVolume, oid)
	}
	if err != nil {
		return superblock{}, fmt.Errorf("load superblock %s: %w", oid, err)
	}
	return decodeSuperblock(oid, buf)
}

func saveSuperblock(ctx context.Context, tx pmem.Tx, oid pmem.OID, sb *superblock) error {
	if err := tx.Set(ctx, oid, pmem.KindVolume, sb.encode()); err != nil {
		return fmt.Errorf("save superblock %s: %w", oid, err)
	}
	return nil
}
