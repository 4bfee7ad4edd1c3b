package volume

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/pmfs/internal/logger"
	"github.com/marmos91/pmfs/internal/telemetry"
	"github.com/marmos91/pmfs/pkg/filedata"
	"github.com/marmos91/pmfs/pkg/hashmap"
	"github.com/marmos91/pmfs/pkg/metrics"
	"github.com/marmos91/pmfs/pkg/pmem"
)

// FileInfo describes one file.
type FileInfo struct {
	Inode       uint64
	Size        uint64
	Allocated   uint64
	Extents     uint64
	Depth       int
	RangeLength uint64
	ModTime     time.Time
}

// Info describes a volume.
type Info struct {
	UUID            uuid.UUID
	Backend         string
	Objects         int64
	Transactions    uint64
	Durable         bool
	Files           uint64
	NextInode       uint64
	MinBlockSize    uint64
	MaxExtentBlocks uint64
	Created         time.Time
}

// Create allocates an empty file and returns its inode number.
func (v *Volume) Create(ctx context.Context) (ino uint64, err error) {
	release, err := v.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanVolumeCreate)
	ctx = v.withLogContext(ctx, "create", 0)
	start := time.Now()
	defer func() {
		span.SetAttributes(telemetry.Inode(ino))
		telemetry.EndSpan(span, err)
		metrics.ObserveFileOperation(v.metrics, "create", 0, time.Since(start), err)
	}()

	v.nsMu.Lock()
	defer v.nsMu.Unlock()

	var files uint64
	err = v.update(ctx, "create", func(tx pmem.Tx) error {
		sb, err := loadSuperblock(ctx, tx, v.root)
		if err != nil {
			return err
		}
		table, err := hashmap.Open(ctx, tx, v.inodes)
		if err != nil {
			return err
		}

		ino = sb.nextInode
		f, err := filedata.Create(ctx, tx, v.fileOptions(ino)...)
		if err != nil {
			return err
		}
		if _, err := table.Put(ctx, ino, f.ID()); err != nil {
			return err
		}

		sb.nextInode++
		files = table.Len()
		return saveSuperblock(ctx, tx, v.root, &sb)
	})
	if err != nil {
		return 0, err
	}

	metrics.RecordFiles(v.metrics, files)
	logger.DebugCtx(ctx, "File created", logger.Inode(ino))
	return ino, nil
}

// Remove deletes a file and frees all of its data.
func (v *Volume) Remove(ctx context.Context, ino uint64) (err error) {
	release, err := v.acquire()
	if err != nil {
		return err
	}
	defer release()

	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanVolumeRemove)
	span.SetAttributes(telemetry.Inode(ino))
	ctx = v.withLogContext(ctx, "remove", ino)
	start := time.Now()
	defer func() {
		telemetry.EndSpan(span, err)
		metrics.ObserveFileOperation(v.metrics, "remove", 0, time.Since(start), err)
	}()

	v.nsMu.Lock()
	defer v.nsMu.Unlock()
	lock := v.inodeLock(ino)
	lock.Lock()
	defer lock.Unlock()

	var files uint64
	err = v.update(ctx, "remove", func(tx pmem.Tx) error {
		table, err := hashmap.Open(ctx, tx, v.inodes)
		if err != nil {
			return err
		}
		oid, ok, err := table.Remove(ctx, ino)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %d", ErrNoSuchInode, ino)
		}

		f, err := filedata.Open(ctx, tx, oid, v.fileOptions(ino)...)
		if err != nil {
			return err
		}
		files = table.Len()
		return f.Destroy(ctx)
	})
	if err != nil {
		return err
	}

	metrics.RecordFiles(v.metrics, files)
	logger.DebugCtx(ctx, "File removed")
	return nil
}

// WriteAt writes p at off, extending the file as needed. The write is
// atomic: on error nothing is written and n is zero.
func (v *Volume) WriteAt(ctx context.Context, ino uint64, p []byte, off uint64) (n int, err error) {
	release, err := v.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	ctx = v.withLogContext(ctx, "write", ino)
	start := time.Now()
	defer func() {
		metrics.ObserveFileOperation(v.metrics, "write", n, time.Since(start), err)
	}()

	lock := v.inodeLock(ino)
	lock.Lock()
	defer lock.Unlock()

	err = v.update(ctx, "write", func(tx pmem.Tx) error {
		f, err := v.openFile(ctx, tx, ino)
		if err != nil {
			return err
		}
		n, err = f.WriteAt(ctx, p, off)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ReadAt reads len(p) bytes at off. It follows io.ReaderAt: a short read
// at the end of the file returns io.EOF along with the bytes read.
func (v *Volume) ReadAt(ctx context.Context, ino uint64, p []byte, off uint64) (n int, err error) {
	release, err := v.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	ctx = v.withLogContext(ctx, "read", ino)
	start := time.Now()
	defer func() {
		var opErr error
		if !errors.Is(err, io.EOF) {
			opErr = err
		}
		metrics.ObserveFileOperation(v.metrics, "read", n, time.Since(start), opErr)
	}()

	lock := v.inodeLock(ino)
	lock.RLock()
	defer lock.RUnlock()

	var readErr error
	err = v.pool.View(ctx, func(tx pmem.Tx) error {
		f, err := v.openFile(ctx, tx, ino)
		if err != nil {
			return err
		}
		n, readErr = f.ReadAt(ctx, p, off)
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		return readErr
	})
	if err != nil {
		return 0, err
	}
	return n, readErr
}

// Truncate sets the size of a file, dropping extents past the new end.
func (v *Volume) Truncate(ctx context.Context, ino uint64, size uint64) (err error) {
	release, err := v.acquire()
	if err != nil {
		return err
	}
	defer release()

	ctx = v.withLogContext(ctx, "truncate", ino)
	start := time.Now()
	defer func() {
		metrics.ObserveFileOperation(v.metrics, "truncate", 0, time.Since(start), err)
	}()

	lock := v.inodeLock(ino)
	lock.Lock()
	defer lock.Unlock()

	return v.update(ctx, "truncate", func(tx pmem.Tx) error {
		f, err := v.openFile(ctx, tx, ino)
		if err != nil {
			return err
		}
		return f.Truncate(ctx, size)
	})
}

// view opens ino in a read-only transaction under its read lock.
func (v *Volume) view(ctx context.Context, op string, ino uint64, fn func(f *filedata.File) error) error {
	release, err := v.acquire()
	if err != nil {
		return err
	}
	defer release()
	ctx = v.withLogContext(ctx, op, ino)

	lock := v.inodeLock(ino)
	lock.RLock()
	defer lock.RUnlock()

	return v.pool.View(ctx, func(tx pmem.Tx) error {
		f, err := v.openFile(ctx, tx, ino)
		if err != nil {
			return err
		}
		return fn(f)
	})
}

// Stat returns information about a file.
func (v *Volume) Stat(ctx context.Context, ino uint64) (FileInfo, error) {
	var info FileInfo
	err := v.view(ctx, "stat", ino, func(f *filedata.File) error {
		allocated, err := f.Allocated(ctx)
		if err != nil {
			return err
		}
		idx := f.Index()
		info = FileInfo{
			Inode:       ino,
			Size:        f.Size(),
			Allocated:   allocated,
			Extents:     idx.Len(),
			Depth:       idx.Depth(),
			RangeLength: idx.RangeLength(),
			ModTime:     f.ModTime(),
		}
		return nil
	})
	return info, err
}

// Extents returns the extents of a file in offset order.
func (v *Volume) Extents(ctx context.Context, ino uint64) ([]filedata.Extent, error) {
	var out []filedata.Extent
	err := v.view(ctx, "extents", ino, func(f *filedata.File) error {
		var err error
		out, err = f.Extents(ctx)
		return err
	})
	return out, err
}

// Check verifies the extent index of a file.
func (v *Volume) Check(ctx context.Context, ino uint64) error {
	return v.view(ctx, "check", ino, func(f *filedata.File) error {
		return f.Index().Check(ctx)
	})
}

// Dump writes the extent tree of a file to w.
func (v *Volume) Dump(ctx context.Context, ino uint64, w io.Writer) error {
	return v.view(ctx, "dump", ino, func(f *filedata.File) error {
		return f.Index().Dump(ctx, w)
	})
}

// Inodes returns the inode numbers of all files in ascending order.
func (v *Volume) Inodes(ctx context.Context) ([]uint64, error) {
	release, err := v.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	var out []uint64
	err = v.pool.View(ctx, func(tx pmem.Tx) error {
		table, err := hashmap.Open(ctx, tx, v.inodes)
		if err != nil {
			return err
		}
		out = make([]uint64, 0, table.Len())
		return table.Traverse(ctx, func(ino uint64, _ pmem.OID) error {
			out = append(out, ino)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(out)
	return out, nil
}

// Info returns a summary of the volume and its pool.
func (v *Volume) Info(ctx context.Context) (Info, error) {
	release, err := v.acquire()
	if err != nil {
		return Info{}, err
	}
	defer release()

	info := Info{
		UUID:            v.pool.UUID(),
		MinBlockSize:    v.minBlock,
		MaxExtentBlocks: v.maxBlocks,
		Created:         v.created,
	}

	err = v.pool.View(ctx, func(tx pmem.Tx) error {
		sb, err := loadSuperblock(ctx, tx, v.root)
		if err != nil {
			return err
		}
		table, err := hashmap.Open(ctx, tx, v.inodes)
		if err != nil {
			return err
		}
		info.NextInode = sb.nextInode
		info.Files = table.Len()
		return nil
	})
	if err != nil {
		return Info{}, err
	}

	if r, ok := v.pool.(pmem.StatsReporter); ok {
		stats, err := r.Stats(ctx)
		if err != nil {
			return Info{}, fmt.Errorf("pool stats: %w", err)
		}
		info.Backend = stats.Backend
		info.Objects = stats.Objects
		info.Transactions = stats.Transactions
		info.Durable = stats.Durable
	}
	return info, nil
}
