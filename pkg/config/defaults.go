package config

import (
	"strings"

	"github.com/marmos91/pmfs/internal/bytesize"
)

// Defaults that are not zero values.
const (
	DefaultMinBlockSize     = 4 * bytesize.KiB
	DefaultMaxExtentBlocks  = 64
	DefaultCompactThreshold = 4096
	DefaultMetricsPort      = 9090
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applyPoolDefaults(&cfg.Pool)
	applyExtentDefaults(&cfg.Extent)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	applyProfilingDefaults(&cfg.Profiling)
}

// applyProfilingDefaults sets Pyroscope profiling defaults.
func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = DefaultMetricsPort
	}
}

// applyPoolDefaults sets pool defaults. The badger path is left empty when
// unset so that validation reports it instead of silently picking one.
func applyPoolDefaults(cfg *PoolConfig) {
	if cfg.Backend == "" {
		cfg.Backend = BackendBadger
	}
	cfg.Backend = strings.ToLower(cfg.Backend)

	if cfg.CompactThreshold == 0 {
		cfg.CompactThreshold = DefaultCompactThreshold
	}
}

// applyExtentDefaults sets extent defaults.
func applyExtentDefaults(cfg *ExtentConfig) {
	if cfg.MinBlockSize == 0 {
		cfg.MinBlockSize = DefaultMinBlockSize
	}
	if cfg.MaxExtentBlocks == 0 {
		cfg.MaxExtentBlocks = DefaultMaxExtentBlocks
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
func GetDefaultConfig() *Config {
	cfg := &Config{
		Pool: PoolConfig{
			Backend: BackendBadger,
			Path:    GetDefaultPoolPath(),
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
