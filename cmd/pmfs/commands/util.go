package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/marmos91/pmfs/internal/bytesize"
	"github.com/marmos91/pmfs/internal/cli/output"
	"github.com/marmos91/pmfs/internal/logger"
	"github.com/marmos91/pmfs/internal/telemetry"
	"github.com/marmos91/pmfs/pkg/config"
	"github.com/marmos91/pmfs/pkg/metrics"
	"github.com/marmos91/pmfs/pkg/volume"
	"github.com/spf13/cobra"
)

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// withVolume loads the configuration, brings up logging, tracing, profiling
// and metrics, opens the configured volume and runs fn against it. The
// context passed to fn is cancelled on SIGINT or SIGTERM.
func withVolume(cmd *cobra.Command, fn func(ctx context.Context, v *volume.Volume) error) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "pmfs",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", logger.Err(err))
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "pmfs",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
		Tags:           map[string]string{"backend": cfg.Pool.Backend},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", logger.Err(err))
		}
	}()

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		metricsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := metrics.Serve(metricsCtx, cfg.Metrics.Port); err != nil {
				logger.Error("metrics server error", logger.Err(err))
			}
		}()
	}

	logger.Debug("Configuration loaded",
		logger.KeyBackend, cfg.Pool.Backend,
		logger.KeyPath, cfg.Pool.Path)

	v, err := volume.OpenConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open volume: %w", err)
	}
	defer func() {
		if err := v.Close(); err != nil {
			logger.Error("volume close error", logger.Err(err))
		}
	}()

	return fn(ctx, v)
}

// printResult writes data in the format chosen with --output.
func printResult(cmd *cobra.Command, data any) error {
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	return output.Print(cmd.OutOrStdout(), format, data)
}

func parseInode(s string) (uint64, error) {
	ino, err := strconv.ParseUint(s, 10, 64)
	if err != nil || ino == 0 {
		return 0, fmt.Errorf("invalid inode number %q", s)
	}
	return ino, nil
}

// parseSize accepts plain byte counts and sizes such as "4Ki" or "1MB".
func parseSize(s string) (uint64, error) {
	size, err := bytesize.ParseByteSize(s)
	if err != nil {
		return 0, err
	}
	return size.Uint64(), nil
}
