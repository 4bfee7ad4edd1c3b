package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/marmos91/pmfs/internal/bytesize"
	"github.com/marmos91/pmfs/pkg/filedata"
	"github.com/marmos91/pmfs/pkg/volume"
	"github.com/spf13/cobra"
)

var extentsTree bool

var extentsCmd = &cobra.Command{
	Use:   "extents INODE",
	Short: "List the extents of a file",
	Long: `List the extents of a file in offset order, or print the radix tree
that indexes them with --tree.

Examples:
  pmfs extents 1
  pmfs extents 1 --tree`,
	Args: cobra.ExactArgs(1),
	RunE: runExtents,
}

var checkCmd = &cobra.Command{
	Use:   "check [INODE...]",
	Short: "Verify extent indexes",
	Long: `Walk the extent index of each given file (all files by default) and
verify that the tree and the sorted extent list agree.`,
	RunE: runCheck,
}

func init() {
	extentsCmd.Flags().BoolVar(&extentsTree, "tree", false, "Print the index tree instead of the extent list")
}

type extentList []filedata.Extent

func (l extentList) Headers() []string {
	return []string{"Offset", "End", "Size", "Data"}
}

func (l extentList) Rows() [][]string {
	rows := make([][]string, len(l))
	for i, e := range l {
		rows[i] = []string{
			strconv.FormatUint(e.Offset, 10),
			strconv.FormatUint(e.Offset+e.Size, 10),
			bytesize.ByteSize(e.Size).String(),
			e.Data.String(),
		}
	}
	return rows
}

func runExtents(cmd *cobra.Command, args []string) error {
	ino, err := parseInode(args[0])
	if err != nil {
		return err
	}
	return withVolume(cmd, func(ctx context.Context, v *volume.Volume) error {
		if extentsTree {
			return v.Dump(ctx, ino, cmd.OutOrStdout())
		}
		exts, err := v.Extents(ctx, ino)
		if err != nil {
			return err
		}
		return printResult(cmd, extentList(exts))
	})
}

func runCheck(cmd *cobra.Command, args []string) error {
	inodes := make([]uint64, 0, len(args))
	for _, arg := range args {
		ino, err := parseInode(arg)
		if err != nil {
			return err
		}
		inodes = append(inodes, ino)
	}

	return withVolume(cmd, func(ctx context.Context, v *volume.Volume) error {
		if len(inodes) == 0 {
			var err error
			if inodes, err = v.Inodes(ctx); err != nil {
				return err
			}
		}

		var errs []error
		for _, ino := range inodes {
			if err := v.Check(ctx, ino); err != nil {
				errs = append(errs, fmt.Errorf("inode %d: %w", ino, err))
			}
		}
		if len(errs) > 0 {
			return errors.Join(errs...)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Checked %d file(s): OK\n", len(inodes))
		return nil
	})
}
