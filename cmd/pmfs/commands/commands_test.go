package commands

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marmos91/pmfs/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestConfig writes a config for a memory pool with a redo log under a
// temporary directory and returns its path.
func newTestConfig(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	cfg := config.GetDefaultConfig()
	cfg.Logging.Level = "ERROR"
	cfg.Pool = config.PoolConfig{
		Backend:          config.BackendMemory,
		Path:             filepath.Join(dir, "pool"),
		WAL:              true,
		CompactThreshold: config.DefaultCompactThreshold,
	}

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, config.SaveConfig(cfg, path))
	return path
}

// run executes the root command and returns its stdout.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	// Flags live in package variables and keep their values across runs.
	outputFormat = "table"
	writeOffset, writeInput = "0", ""
	readOffset, readLength, readOut = "0", "", ""
	extentsTree = false
	createCount = 1
	rmForce = false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)

	err := rootCmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	out, err := run(t, stdin, args...)
	require.NoError(t, err, "pmfs %s", strings.Join(args, " "))
	return out
}

func TestFileLifecycle(t *testing.T) {
	cfg := newTestConfig(t)

	out := mustRun(t, "", "create", "--config", cfg, "-o", "json")
	var inodes []uint64
	require.NoError(t, json.Unmarshal([]byte(out), &inodes))
	require.Equal(t, []uint64{1}, inodes)

	mustRun(t, "hello from pmfs", "write", "1", "--offset", "8Ki", "--config", cfg)

	out = mustRun(t, "", "read", "1", "--offset", "8Ki", "--config", cfg)
	assert.Equal(t, "hello from pmfs", out)

	out = mustRun(t, "", "read", "1", "--offset", "8Ki", "--length", "5", "--config", cfg)
	assert.Equal(t, "hello", out)

	out = mustRun(t, "", "stat", "1", "--config", cfg, "-o", "json")
	var fi fileInfo
	require.NoError(t, json.Unmarshal([]byte(out), &fi))
	assert.Equal(t, uint64(8192+15), fi.Size)
	assert.Equal(t, uint64(1), fi.Extents)

	out = mustRun(t, "", "extents", "1", "--config", cfg)
	assert.Contains(t, out, "8192")

	mustRun(t, "", "truncate", "1", "0", "--config", cfg)
	out = mustRun(t, "", "extents", "1", "--config", cfg, "-o", "json")
	assert.JSONEq(t, "null", out)

	out = mustRun(t, "", "check", "--config", cfg)
	assert.Contains(t, out, "Checked 1 file(s): OK")

	mustRun(t, "", "rm", "1", "--force", "--config", cfg)
	_, err := run(t, "", "stat", "1", "--config", cfg)
	assert.Error(t, err)
}

func TestLsAndInfo(t *testing.T) {
	cfg := newTestConfig(t)

	mustRun(t, "", "create", "--count", "3", "--config", cfg)
	mustRun(t, "abc", "write", "2", "--config", cfg)

	out := mustRun(t, "", "ls", "--config", cfg, "-o", "json")
	var files []fileInfo
	require.NoError(t, json.Unmarshal([]byte(out), &files))
	require.Len(t, files, 3)
	assert.Equal(t, uint64(2), files[1].Inode)
	assert.Equal(t, uint64(3), files[1].Size)

	out = mustRun(t, "", "info", "--config", cfg, "-o", "json")
	var info volumeInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "memory", info.Backend)
	assert.True(t, info.Durable)
	assert.Equal(t, uint64(3), info.Files)
	assert.Equal(t, uint64(4), info.NextInode)
	assert.Equal(t, uint64(4096), info.MinBlockSize)

	out = mustRun(t, "", "info", "--config", cfg)
	assert.Contains(t, out, "Backend")
}

func TestBench(t *testing.T) {
	cfg := newTestConfig(t)

	out := mustRun(t, "", "bench", "--files", "2", "--ops", "50", "--span", "1Mi",
		"--seed", "7", "--config", cfg, "-o", "json")
	var res benchResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2, res.Files)
	assert.Equal(t, uint64(100), res.Writes+res.Reads)

	// Files are removed after the run.
	out = mustRun(t, "", "ls", "--config", cfg, "-o", "json")
	assert.JSONEq(t, "[]", out)
}

func TestInvalidArguments(t *testing.T) {
	cfg := newTestConfig(t)

	_, err := run(t, "", "stat", "zero", "--config", cfg)
	assert.Error(t, err)

	_, err = run(t, "", "truncate", "1", "lots", "--config", cfg)
	assert.Error(t, err)

	_, err = run(t, "", "stat", "9", "--config", cfg)
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out := mustRun(t, "", "version", "--short")
	assert.Equal(t, Version+"\n", out)
}
