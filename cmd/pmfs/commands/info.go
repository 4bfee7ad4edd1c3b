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

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show volume information",
	Long: `Show the identity, layout parameters and pool statistics of the volume.

Examples:
  pmfs info
  pmfs info -o json`,
	Args: cobra.NoArgs,
	RunE: runInfo,
}

// volumeInfo is the printable form of volume.Info.
type volumeInfo struct {
	UUID            string    `json:"uuid" yaml:"uuid"`
	Backend         string    `json:"backend" yaml:"backend"`
	Durable         bool      `json:"durable" yaml:"durable"`
	Objects         int64     `json:"objects" yaml:"objects"`
	Transactions    uint64    `json:"transactions" yaml:"transactions"`
	Files           uint64    `json:"files" yaml:"files"`
	NextInode       uint64    `json:"next_inode" yaml:"next_inode"`
	MinBlockSize    uint64    `json:"min_block_size" yaml:"min_block_size"`
	MaxExtentBlocks uint64    `json:"max_extent_blocks" yaml:"max_extent_blocks"`
	Created         time.Time `json:"created" yaml:"created"`
}

func (i volumeInfo) KeyValues() output.KeyValues {
	var kv output.KeyValues
	kv.Add("UUID", i.UUID)
	kv.Add("Backend", i.Backend)
	kv.Add("Durable", strconv.FormatBool(i.Durable))
	kv.Add("Objects", strconv.FormatInt(i.Objects, 10))
	kv.Add("Transactions", strconv.FormatUint(i.Transactions, 10))
	kv.Add("Files", strconv.FormatUint(i.Files, 10))
	kv.Add("Next inode", strconv.FormatUint(i.NextInode, 10))
	kv.Add("Min block size", bytesize.ByteSize(i.MinBlockSize).String())
	kv.Add("Max extent blocks", strconv.FormatUint(i.MaxExtentBlocks, 10))
	kv.Add("Created", timeutil.FormatTime(i.Created)+" ("+timeutil.FormatAge(time.Since(i.Created))+" ago)")
	return kv
}

func runInfo(cmd *cobra.Command, args []string) error {
	return withVolume(cmd, func(ctx context.Context, v *volume.Volume) error {
		info, err := v.Info(ctx)
		if err != nil {
			return err
		}
		return printResult(cmd, volumeInfo{
			UUID:            info.UUID.String(),
			Backend:         info.Backend,
			Durable:         info.Durable,
			Objects:         info.Objects,
			Transactions:    info.Transactions,
			Files:           info.Files,
			NextInode:       info.NextInode,
			MinBlockSize:    info.MinBlockSize,
			MaxExtentBlocks: info.MaxExtentBlocks,
			Created:         info.Created,
		})
	})
}
