package commands

import (
	"context"
	"fmt"

	"github.com/marmos91/pmfs/pkg/volume"
	"github.com/spf13/cobra"
)

var createCount int

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create empty files",
	Long: `Create empty files and print their inode numbers.

Examples:
  pmfs create
  pmfs create --count 10`,
	Args: cobra.NoArgs,
	RunE: runCreate,
}

func init() {
	createCmd.Flags().IntVarP(&createCount, "count", "n", 1, "Number of files to create")
}

func runCreate(cmd *cobra.Command, args []string) error {
	if createCount < 1 {
		return fmt.Errorf("--count must be at least 1")
	}
	return withVolume(cmd, func(ctx context.Context, v *volume.Volume) error {
		inodes := make([]uint64, 0, createCount)
		for i := 0; i < createCount; i++ {
			ino, err := v.Create(ctx)
			if err != nil {
				return err
			}
			inodes = append(inodes, ino)
		}
		return printResult(cmd, inodeList(inodes))
	})
}

type inodeList []uint64

func (l inodeList) Headers() []string { return []string{"Inode"} }

func (l inodeList) Rows() [][]string {
	rows := make([][]string, len(l))
	for i, ino := range l {
		rows[i] = []string{fmt.Sprint(ino)}
	}
	return rows
}
