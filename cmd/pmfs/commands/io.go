package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/marmos91/pmfs/internal/bytesize"
	"github.com/marmos91/pmfs/pkg/bufpool"
	"github.com/marmos91/pmfs/pkg/volume"
	"github.com/spf13/cobra"
)

// ioChunk is the largest buffer a single transaction reads or writes.
const ioChunk = 1 << 20

var (
	writeOffset string
	writeInput  string

	readOffset string
	readLength string
	readOut    string
)

var writeCmd = &cobra.Command{
	Use:   "write INODE",
	Short: "Write data into a file",
	Long: `Copy data from stdin (or --input) into a file at --offset.

Each chunk of up to 1MiB is written in its own transaction.

Examples:
  echo hello | pmfs write 1
  pmfs write 1 --offset 1Mi --input ./blob.bin`,
	Args: cobra.ExactArgs(1),
	RunE: runWrite,
}

var readCmd = &cobra.Command{
	Use:   "read INODE",
	Short: "Read data from a file",
	Long: `Copy a byte range of a file to stdout (or --out). Holes read as zeros.

Examples:
  pmfs read 1
  pmfs read 1 --offset 4Ki --length 100`,
	Args: cobra.ExactArgs(1),
	RunE: runRead,
}

var truncateCmd = &cobra.Command{
	Use:   "truncate INODE SIZE",
	Short: "Set the size of a file",
	Long: `Shrink or extend a file. Extents past the new end are freed; extending
only moves the end of file, the new range reads as zeros.

Examples:
  pmfs truncate 1 0
  pmfs truncate 1 10Mi`,
	Args: cobra.ExactArgs(2),
	RunE: runTruncate,
}

func init() {
	writeCmd.Flags().StringVar(&writeOffset, "offset", "0", "Byte offset to write at (e.g. 4096, 4Ki)")
	writeCmd.Flags().StringVarP(&writeInput, "input", "i", "", "Input file (default: stdin)")

	readCmd.Flags().StringVar(&readOffset, "offset", "0", "Byte offset to read from")
	readCmd.Flags().StringVar(&readLength, "length", "", "Number of bytes to read (default: to end of file)")
	readCmd.Flags().StringVar(&readOut, "out", "", "Output file (default: stdout)")
}

func runWrite(cmd *cobra.Command, args []string) error {
	ino, err := parseInode(args[0])
	if err != nil {
		return err
	}
	off, err := parseSize(writeOffset)
	if err != nil {
		return fmt.Errorf("invalid --offset: %w", err)
	}

	var in io.Reader = cmd.InOrStdin()
	if writeInput != "" {
		f, err := os.Open(writeInput)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	return withVolume(cmd, func(ctx context.Context, v *volume.Volume) error {
		total, err := copyIn(ctx, v, ino, in, off)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s to inode %d at offset %d\n", bytesize.ByteSize(total), ino, off)
		return nil
	})
}

// copyIn writes everything from r into ino starting at off.
func copyIn(ctx context.Context, v *volume.Volume, ino uint64, r io.Reader, off uint64) (uint64, error) {
	buf := bufpool.Get(ioChunk)
	defer bufpool.Put(buf)

	var total uint64
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if _, err := v.WriteAt(ctx, ino, buf[:n], off+total); err != nil {
				return total, err
			}
			total += uint64(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

func runRead(cmd *cobra.Command, args []string) error {
	ino, err := parseInode(args[0])
	if err != nil {
		return err
	}
	off, err := parseSize(readOffset)
	if err != nil {
		return fmt.Errorf("invalid --offset: %w", err)
	}
	length := uint64(0)
	if readLength != "" {
		if length, err = parseSize(readLength); err != nil {
			return fmt.Errorf("invalid --length: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	if readOut != "" {
		f, err := os.Create(readOut)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		out = f
	}

	return withVolume(cmd, func(ctx context.Context, v *volume.Volume) error {
		if readLength == "" {
			info, err := v.Stat(ctx, ino)
			if err != nil {
				return err
			}
			if info.Size > off {
				length = info.Size - off
			}
		}
		return copyOut(ctx, v, ino, out, off, length)
	})
}

// copyOut copies length bytes of ino starting at off to w, stopping early
// at the end of the file.
func copyOut(ctx context.Context, v *volume.Volume, ino uint64, w io.Writer, off, length uint64) error {
	buf := bufpool.Get(ioChunk)
	defer bufpool.Put(buf)

	for length > 0 {
		p := buf[:min(uint64(len(buf)), length)]
		n, err := v.ReadAt(ctx, ino, p, off)
		if n > 0 {
			if _, werr := w.Write(p[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		off += uint64(n)
		length -= uint64(n)
	}
	return nil
}

func runTruncate(cmd *cobra.Command, args []string) error {
	ino, err := parseInode(args[0])
	if err != nil {
		return err
	}
	size, err := parseSize(args[1])
	if err != nil {
		return fmt.Errorf("invalid size: %w", err)
	}
	return withVolume(cmd, func(ctx context.Context, v *volume.Volume) error {
		return v.Truncate(ctx, ino, size)
	})
}
