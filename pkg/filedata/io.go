package filedata

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/marmos91/pmfs/internal/logger"
	"github.com/marmos91/pmfs/internal/telemetry"
	"github.com/marmos91/pmfs/pkg/extent"
	"github.com/marmos91/pmfs/pkg/pmem"
)

// ReadAt reads len(p) bytes starting at off. Holes read as zeros. Like
// io.ReaderAt, it returns io.EOF when fewer than len(p) bytes remain before
// the end of the file.
func (f *File) ReadAt(ctx context.Context, p []byte, off uint64) (n int, err error) {
	ctx, span := telemetry.StartFileSpan(ctx, telemetry.SpanFileRead, f.inode,
		telemetry.Offset(off),
		telemetry.Size(uint64(len(p))))
	defer func() {
		span.SetAttributes(telemetry.Bytes(n))
		if errors.Is(err, io.EOF) {
			telemetry.EndSpan(span, nil)
			return
		}
		telemetry.EndSpan(span, err)
	}()

	if off >= f.hdr.size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}

	n = len(p)
	if remaining := f.hdr.size - off; uint64(n) > remaining {
		n = int(remaining)
	}
	buf := p[:n]
	clear(buf)

	end := off + uint64(n)
	err = f.idx.Range(ctx, off, end, func(b *extent.Block) error {
		data, err := f.tx.Get(ctx, b.Data, pmem.KindData)
		if err != nil {
			return fmt.Errorf("load data of %s: %w", b, err)
		}

		from := max(off, b.Offset)
		to := min(end, b.End(), b.Offset+uint64(len(data)))
		if from < to {
			copy(buf[from-off:to-off], data[from-b.Offset:to-b.Offset])
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes p at off, allocating extents for the holes it covers, and
// extends the file if the write ends past its size.
func (f *File) WriteAt(ctx context.Context, p []byte, off uint64) (n int, err error) {
	ctx, span := telemetry.StartFileSpan(ctx, telemetry.SpanFileWrite, f.inode,
		telemetry.Offset(off),
		telemetry.Size(uint64(len(p))))
	defer func() {
		span.SetAttributes(telemetry.Bytes(n))
		telemetry.EndSpan(span, err)
	}()

	if len(p) == 0 {
		return 0, nil
	}
	end := off + uint64(len(p))
	if end < off || f.alignUp(end) > extent.MaxRange(f.idx.MinBlockSize()) || f.alignUp(end) < end {
		return 0, fmt.Errorf("%w: write of %d bytes at %d", ErrTooLarge, len(p), off)
	}

	created := 0
	for pos := off; pos < end; {
		b, err := f.idx.FindClosest(ctx, pos)
		if err != nil && !extent.IsNotFound(err) {
			return n, err
		}

		if b != nil && b.Contains(pos) {
			stop := min(end, b.End())
			if err := f.writeExtent(ctx, b, p[pos-off:stop-off], pos); err != nil {
				return n, err
			}
			n += int(stop - pos)
			pos = stop
			continue
		}

		stop, err := f.fillHole(ctx, b, p[pos-off:], pos, end)
		if err != nil {
			return n, err
		}
		created++
		n += int(stop - pos)
		pos = stop
	}

	if end > f.hdr.size {
		f.hdr.size = end
	}
	if err := f.touch(ctx); err != nil {
		return n, err
	}

	if created > 0 {
		logger.DebugCtx(ctx, "Allocated extents",
			logger.KeyInode, f.inode,
			logger.KeyOffset, off,
			logger.KeyBytes, len(p),
			logger.KeyExtents, created)
	}
	return n, nil
}

// writeExtent copies src into the data of b at file offset pos.
func (f *File) writeExtent(ctx context.Context, b *extent.Block, src []byte, pos uint64) error {
	data, err := f.tx.Get(ctx, b.Data, pmem.KindData)
	if err != nil {
		return fmt.Errorf("load data of %s: %w", b, err)
	}
	if uint64(len(data)) < b.Size {
		data = append(data, make([]byte, b.Size-uint64(len(data)))...)
	}
	copy(data[pos-b.Offset:], src)

	if err := f.tx.Set(ctx, b.Data, pmem.KindData, data); err != nil {
		return fmt.Errorf("save data of %s: %w", b, err)
	}
	return nil
}

// fillHole creates an extent for the hole at pos, after prev (nil if the hole
// is before every extent). The extent covers whole blocks, stops before the
// next extent and is at most maxExtent bytes long. It returns the file offset
// up to which src was consumed.
func (f *File) fillHole(ctx context.Context, prev *extent.Block, src []byte, pos, end uint64) (uint64, error) {
	var next *extent.Block
	var err error
	if prev == nil {
		next, err = f.idx.First(ctx)
	} else {
		next, err = f.idx.Next(ctx, prev)
	}
	if err != nil {
		return 0, err
	}

	start := f.alignDown(pos)
	limit := f.alignUp(end)
	if next != nil && next.Offset < limit {
		limit = next.Offset
	}
	if limit-start > f.maxExtent {
		limit = start + f.maxExtent
	}
	stop := min(end, limit)

	data := make([]byte, limit-start)
	copy(data[pos-start:], src[:stop-pos])

	dataID, err := f.tx.Alloc(ctx, pmem.KindData, data)
	if err != nil {
		return 0, fmt.Errorf("allocate data: %w", err)
	}
	b, err := extent.NewBlock(ctx, f.tx, start, limit-start, dataID)
	if err != nil {
		return 0, err
	}
	if err := f.idx.Insert(ctx, b); err != nil {
		return 0, err
	}
	return stop, nil
}

// Truncate changes the size of the file. Shrinking frees the extents past
// the new end and zeroes the tail of the last block kept, so that growing the
// file again exposes zeros.
func (f *File) Truncate(ctx context.Context, size uint64) (err error) {
	ctx, span := telemetry.StartFileSpan(ctx, telemetry.SpanFileTruncate, f.inode,
		telemetry.Size(size))
	defer func() {
		telemetry.EndSpan(span, err)
	}()

	if size > extent.MaxRange(f.idx.MinBlockSize()) {
		return fmt.Errorf("%w: truncate to %d", ErrTooLarge, size)
	}

	if size < f.hdr.size {
		if err := f.shrink(ctx, size); err != nil {
			return err
		}
	}

	f.hdr.size = size
	return f.touch(ctx)
}

func (f *File) shrink(ctx context.Context, size uint64) error {
	keep := f.alignUp(size)

	for {
		b, err := f.idx.Last(ctx)
		if err != nil {
			return err
		}
		if b == nil || b.Offset < keep {
			break
		}
		if err := f.dropExtent(ctx, b); err != nil {
			return err
		}
	}

	b, err := f.idx.FindClosest(ctx, size)
	if extent.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if b.End() <= size {
		return nil
	}

	// b straddles the new end: cut it at the block boundary and zero what
	// remains past size.
	if b.End() > keep {
		if err := f.idx.Remove(ctx, b); err != nil {
			return err
		}
		b.Size = keep - b.Offset
		if err := b.Save(ctx, f.tx); err != nil {
			return err
		}
		if err := f.idx.Insert(ctx, b); err != nil {
			return err
		}
	}

	data, err := f.tx.Get(ctx, b.Data, pmem.KindData)
	if err != nil {
		return fmt.Errorf("load data of %s: %w", b, err)
	}
	if uint64(len(data)) > b.Size {
		data = data[:b.Size]
	}
	if cut := size - b.Offset; cut < uint64(len(data)) {
		clear(data[cut:])
	}
	if err := f.tx.Set(ctx, b.Data, pmem.KindData, data); err != nil {
		return fmt.Errorf("save data of %s: %w", b, err)
	}
	return nil
}
