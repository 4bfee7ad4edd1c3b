package config

import (
	"fmt"

	"github.com/marmos91/pmfs/pkg/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the PMFS configuration file.

Checks for syntax errors, missing required fields, and invalid values such as
a minimum block size that is not a power of two.

Examples:
  pmfs config validate
  pmfs config validate --config /etc/pmfs/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	var warnings []string
	if cfg.Pool.Backend == config.BackendMemory && !cfg.Pool.WAL {
		warnings = append(warnings, "memory pool without WAL - files are lost when the command exits")
	}
	if cfg.Pool.Backend == config.BackendMemory && cfg.Pool.WAL && !cfg.Pool.SyncWrites {
		warnings = append(warnings, "WAL without sync_writes - a crash may lose the last commits")
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file: %s\n", displayPath)
	_, _ = fmt.Fprintln(out, "Validation: OK")

	if len(warnings) > 0 {
		_, _ = fmt.Fprintln(out, "\nWarnings:")
		for _, w := range warnings {
			_, _ = fmt.Fprintf(out, "  - %s\n", w)
		}
	}

	_, _ = fmt.Fprintf(out, "\nConfiguration summary:\n")
	_, _ = fmt.Fprintf(out, "  Pool backend:    %s\n", cfg.Pool.Backend)
	_, _ = fmt.Fprintf(out, "  Pool path:       %s\n", cfg.Pool.Path)
	_, _ = fmt.Fprintf(out, "  Min block size:  %s\n", cfg.Extent.MinBlockSize)
	_, _ = fmt.Fprintf(out, "  Log level:       %s\n", cfg.Logging.Level)
	return nil
}
