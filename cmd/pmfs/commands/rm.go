package commands

import (
	"context"
	"fmt"

	"github.com/marmos91/pmfs/internal/cli/prompt"
	"github.com/marmos91/pmfs/pkg/volume"
	"github.com/spf13/cobra"
)

var rmForce bool

var rmCmd = &cobra.Command{
	Use:   "rm INODE...",
	Short: "Remove files",
	Long: `Remove files and free their data. Asks for confirmation unless --force
is given.

Examples:
  pmfs rm 3
  pmfs rm 3 4 5 --force`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRm,
}

func init() {
	rmCmd.Flags().BoolVarP(&rmForce, "force", "f", false, "Skip confirmation prompt")
}

func runRm(cmd *cobra.Command, args []string) error {
	inodes := make([]uint64, 0, len(args))
	for _, arg := range args {
		ino, err := parseInode(arg)
		if err != nil {
			return err
		}
		inodes = append(inodes, ino)
	}

	ok, err := prompt.ConfirmWithForce(fmt.Sprintf("Remove %d file(s)", len(inodes)), rmForce)
	if err != nil {
		return err
	}
	if !ok {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
		return nil
	}

	return withVolume(cmd, func(ctx context.Context, v *volume.Volume) error {
		for _, ino := range inodes {
			if err := v.Remove(ctx, ino); err != nil {
				return fmt.Errorf("remove inode %d: %w", ino, err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed inode %d\n", ino)
		}
		return nil
	})
}
