package config

import (
	"github.com/marmos91/pmfs/internal/cli/output"
	"github.com/marmos91/pmfs/pkg/config"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	Long: `Display the effective PMFS configuration: the file merged with PMFS_*
environment variables and defaults.

By default outputs YAML. Use --output json for JSON.

Examples:
  pmfs config show
  pmfs config show --output json
  PMFS_POOL_BACKEND=memory pmfs config show`,
	RunE: runConfigShow,
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	format := output.FormatYAML
	if s, _ := cmd.Flags().GetString("output"); s != "table" {
		if format, err = output.ParseFormat(s); err != nil {
			return err
		}
	}

	if format == output.FormatJSON {
		return output.PrintJSON(cmd.OutOrStdout(), cfg)
	}
	return output.PrintYAML(cmd.OutOrStdout(), cfg)
}
