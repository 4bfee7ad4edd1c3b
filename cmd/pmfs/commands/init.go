package commands

import (
	"fmt"

	"github.com/marmos91/pmfs/pkg/config"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample PMFS configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/pmfs/config.yaml.
Use --config to specify a custom path. The volume itself is formatted the
first time a command opens the configured pool.

Examples:
  # Initialize with default location
  pmfs init

  # Initialize with custom path
  pmfs init --config /etc/pmfs/config.yaml

  # Force overwrite existing config
  pmfs init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	var configPath string
	var err error

	if configFile != "" {
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		configPath, err = config.InitConfig(initForce)
	}

	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file created at: %s\n", configPath)
	_, _ = fmt.Fprintln(out, "\nNext steps:")
	_, _ = fmt.Fprintln(out, "  1. Edit the configuration file to pick a pool backend and path")
	_, _ = fmt.Fprintln(out, "  2. Create a file with: pmfs create")
	_, _ = fmt.Fprintf(out, "  3. Or use the custom config: pmfs create --config %s\n", configPath)
	return nil
}
