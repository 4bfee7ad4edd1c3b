package commands

import (
	"context"
	"strconv"
	"time"

	"github.com/marmos91/pmfs/internal/bytesize"
	"github.com/marmos91/pmfs/internal/cli/output"
	"github.com/marmos91/pmfs/internal/cli/timeutil"
	"github.com/marmos91/pmfs/pkg/volume"
	"github.com/spf13/cobra"
)

var statCmd = &cobra.Command{
	Use:   "stat INODE",
	Short: "Show file information",
	Args:  cobra.ExactArgs(1),
	RunE:  runStat,
}

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List files",
	Long: `List every file of the volume in inode order.

Examples:
  pmfs ls
  pmfs ls -o yaml`,
	Args: cobra.NoArgs,
	RunE: runLs,
}

// fileInfo is the printable form of volume.FileInfo.
type fileInfo struct {
	Inode       uint64    `json:"inode" yaml:"inode"`
	Size        uint64    `json:"size" yaml:"size"`
	Allocated   uint64    `json:"allocated" yaml:"allocated"`
	Extents     uint64    `json:"extents" yaml:"extents"`
	Depth       int       `json:"depth" yaml:"depth"`
	RangeLength uint64    `json:"range_length" yaml:"range_length"`
	ModTime     time.Time `json:"mtime" yaml:"mtime"`
}

func newFileInfo(fi volume.FileInfo) fileInfo {
	return fileInfo(fi)
}

func (fi fileInfo) KeyValues() output.KeyValues {
	var kv output.KeyValues
	kv.Add("Inode", strconv.FormatUint(fi.Inode, 10))
	kv.Add("Size", strconv.FormatUint(fi.Size, 10))
	kv.Add("Allocated", bytesize.ByteSize(fi.Allocated).String())
	kv.Add("Extents", strconv.FormatUint(fi.Extents, 10))
	kv.Add("Tree depth", strconv.Itoa(fi.Depth))
	kv.Add("Addressable", bytesize.ByteSize(fi.RangeLength).String())
	kv.Add("Modified", timeutil.FormatTime(fi.ModTime))
	return kv
}

type fileList []fileInfo

func (l fileList) Headers() []string {
	return []string{"Inode", "Size", "Allocated", "Extents", "Depth", "Modified"}
}

func (l fileList) Rows() [][]string {
	rows := make([][]string, len(l))
	for i, fi := range l {
		rows[i] = []string{
			strconv.FormatUint(fi.Inode, 10),
			strconv.FormatUint(fi.Size, 10),
			bytesize.ByteSize(fi.Allocated).String(),
			strconv.FormatUint(fi.Extents, 10),
			strconv.Itoa(fi.Depth),
			timeutil.FormatTime(fi.ModTime),
		}
	}
	return rows
}

func runStat(cmd *cobra.Command, args []string) error {
	ino, err := parseInode(args[0])
	if err != nil {
		return err
	}
	return withVolume(cmd, func(ctx context.Context, v *volume.Volume) error {
		fi, err := v.Stat(ctx, ino)
		if err != nil {
			return err
		}
		return printResult(cmd, newFileInfo(fi))
	})
}

func runLs(cmd *cobra.Command, args []string) error {
	return withVolume(cmd, func(ctx context.Context, v *volume.Volume) error {
		inodes, err := v.Inodes(ctx)
		if err != nil {
			return err
		}
		list := make(fileList, 0, len(inodes))
		for _, ino := range inodes {
			fi, err := v.Stat(ctx, ino)
			if err != nil {
				return err
			}
			list = append(list, newFileInfo(fi))
		}
		return printResult(cmd, list)
	})
}
