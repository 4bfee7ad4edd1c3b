package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture sends log output to a buffer in the given format and restores
// stdout, INFO and text when the test ends.
func capture(t *testing.T, level, format string) *bytes.Buffer {
	t.Helper()
	buf := new(bytes.Buffer)
	InitWithWriter(buf, level, format, false)
	t.Cleanup(func() {
		InitWithWriter(os.Stdout, "INFO", "text", false)
	})
	return buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	return entry
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		level   string
		visible []string
		hidden  []string
	}{
		{"DEBUG", []string{"debug msg", "info msg", "warn msg", "error msg"}, nil},
		{"info", []string{"info msg", "warn msg", "error msg"}, []string{"debug msg"}},
		{"WARN", []string{"warn msg", "error msg"}, []string{"debug msg", "info msg"}},
		{"ERROR", []string{"error msg"}, []string{"debug msg", "info msg", "warn msg"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			buf := capture(t, tt.level, "text")

			Debug("debug msg")
			Info("info msg")
			Warn("warn msg")
			Error("error msg")

			out := buf.String()
			for _, s := range tt.visible {
				assert.Contains(t, out, s)
			}
			for _, s := range tt.hidden {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestSetLevelIgnoresUnknown(t *testing.T) {
	capture(t, "WARN", "text")

	SetLevel("verbose")
	assert.Equal(t, LevelWarn, CurrentLevel())

	SetLevel("warning")
	assert.Equal(t, LevelWarn, CurrentLevel())

	SetLevel("debug")
	assert.Equal(t, LevelDebug, CurrentLevel())
}

func TestParseLevel(t *testing.T) {
	l, ok := ParseLevel("Error")
	assert.True(t, ok)
	assert.Equal(t, LevelError, l)
	assert.Equal(t, "ERROR", l.String())

	_, ok = ParseLevel("trace")
	assert.False(t, ok)
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestTextFormat(t *testing.T) {
	buf := capture(t, "INFO", "text")

	Info("Extent index grew",
		KeyOffset, uint64(4096),
		KeyLevels, 1,
		KeyPath, "/tmp/my pool",
		"ratio", 0.5,
		"elapsed", 3*time.Millisecond)

	out := buf.String()
	assert.Contains(t, out, "[INFO] Extent index grew")
	assert.Contains(t, out, "offset=4096")
	assert.Contains(t, out, "levels=1")
	assert.Contains(t, out, `path="/tmp/my pool"`)
	assert.Contains(t, out, "ratio=0.500")
	assert.Contains(t, out, "elapsed=3ms")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestTextHandlerGroups(t *testing.T) {
	buf := new(bytes.Buffer)
	h := NewColorTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)
	l := slog.New(h).With(KeyPool, "p1").WithGroup("extent")

	l.Debug("placed", KeyOffset, 512, slog.Group("root", KeyDepth, 2))

	out := buf.String()
	assert.Contains(t, out, "[DEBUG] placed pool=p1")
	assert.Contains(t, out, "extent.offset=512")
	assert.Contains(t, out, "extent.root.depth=2")
}

func TestTextHandlerColor(t *testing.T) {
	buf := new(bytes.Buffer)
	h := NewColorTextHandler(buf, nil, true)
	slog.New(h).Warn("careful", KeyInode, 3)

	out := buf.String()
	assert.Contains(t, out, colorYellow+"WARN"+colorReset)
	assert.Contains(t, out, colorCyan+"inode"+colorReset+"=3")
}

func TestJSONFormat(t *testing.T) {
	buf := capture(t, "INFO", "json")

	Info("File created", KeyInode, uint64(7), KeyBackend, "memory")

	entry := decodeLine(t, buf)
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "File created", entry["msg"])
	assert.Equal(t, float64(7), entry[KeyInode])
	assert.Equal(t, "memory", entry[KeyBackend])
}

func TestFormatSwitching(t *testing.T) {
	buf := capture(t, "INFO", "json")

	SetFormat("TEXT")
	Info("as text")
	assert.Contains(t, buf.String(), "[INFO] as text")

	buf.Reset()
	SetFormat("xml")
	Info("still text")
	assert.Contains(t, buf.String(), "[INFO] still text")
}

func TestContextLogging(t *testing.T) {
	t.Run("LogContextFieldsComeFirst", func(t *testing.T) {
		buf := capture(t, "DEBUG", "json")

		lc := NewLogContext("write").
			WithInode(42).
			WithPool("5a1f0c2e-7d4b-4f7e-9b0e-2f0c9e8d7a61").
			WithTrace("abc123", "xyz789")
		ctx := WithContext(context.Background(), lc)

		DebugCtx(ctx, "Extent allocated", KeyOffset, 8192)

		entry := decodeLine(t, buf)
		assert.Equal(t, "abc123", entry[KeyTraceID])
		assert.Equal(t, "xyz789", entry[KeySpanID])
		assert.Equal(t, "write", entry[KeyOperation])
		assert.Equal(t, float64(42), entry[KeyInode])
		assert.Equal(t, "5a1f0c2e-7d4b-4f7e-9b0e-2f0c9e8d7a61", entry[KeyPool])
		assert.Equal(t, float64(8192), entry[KeyOffset])
	})

	t.Run("ZeroFieldsOmitted", func(t *testing.T) {
		buf := capture(t, "INFO", "json")

		ctx := WithContext(context.Background(), NewLogContext("create"))
		InfoCtx(ctx, "File created")

		entry := decodeLine(t, buf)
		assert.Equal(t, "create", entry[KeyOperation])
		assert.NotContains(t, entry, KeyInode)
		assert.NotContains(t, entry, KeyTraceID)
	})

	t.Run("MissingLogContext", func(t *testing.T) {
		buf := capture(t, "INFO", "text")

		require.NotPanics(t, func() {
			//nolint:staticcheck // nil contexts must not panic
			InfoCtx(nil, "nil ctx")
			WarnCtx(context.Background(), "bare ctx")
			ErrorCtx(context.Background(), "error ctx")
		})

		out := buf.String()
		assert.Contains(t, out, "nil ctx")
		assert.Contains(t, out, "bare ctx")
		assert.Contains(t, out, "error ctx")
	})
}

func TestLogContextCopies(t *testing.T) {
	lc := NewLogContext("truncate")
	lc2 := lc.WithInode(99).WithPool("pool-a")

	assert.Equal(t, uint64(0), lc.Inode)
	assert.Empty(t, lc.Pool)
	assert.Equal(t, uint64(99), lc2.Inode)
	assert.Equal(t, "pool-a", lc2.Pool)
	assert.Equal(t, "truncate", lc2.Operation)

	var nilCtx *LogContext
	assert.Nil(t, nilCtx.Clone())
	assert.Nil(t, nilCtx.WithInode(1))
	assert.Nil(t, FromContext(context.Background()))
}

func TestFieldHelpers(t *testing.T) {
	attr := OID(0x2a)
	assert.Equal(t, KeyOID, attr.Key)
	assert.Equal(t, "0x2a", attr.Value.String())

	assert.Equal(t, slog.Attr{}, Err(nil))
	attr = Err(errors.New("boom"))
	assert.Equal(t, KeyError, attr.Key)
	assert.Equal(t, "boom", attr.Value.String())

	attr = Inode(5)
	assert.Equal(t, uint64(5), attr.Value.Uint64())
}

func TestErrNilIsSkipped(t *testing.T) {
	buf := capture(t, "INFO", "text")

	Info("closed", Err(nil))
	assert.Equal(t, "closed", strings.SplitN(strings.TrimSpace(buf.String()), "] ", 3)[2])
}

func TestWith(t *testing.T) {
	buf := capture(t, "INFO", "json")

	With(KeyBackend, "badger").Info("Pool opened")

	entry := decodeLine(t, buf)
	assert.Equal(t, "badger", entry[KeyBackend])
}

func TestInit(t *testing.T) {
	t.Cleanup(func() {
		InitWithWriter(os.Stdout, "INFO", "text", false)
	})

	path := filepath.Join(t.TempDir(), "pmfs.log")
	require.NoError(t, Init(Config{Level: "DEBUG", Format: "json", Output: path}))

	Debug("to file", KeyInode, 1)
	require.NoError(t, Init(Config{Output: "stderr"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to file"`)

	err = Init(Config{Output: filepath.Join(t.TempDir(), "missing", "pmfs.log")})
	assert.Error(t, err)
}

func TestConcurrentLogging(t *testing.T) {
	buf := &syncBuffer{}
	InitWithWriter(buf, "INFO", "text", false)
	t.Cleanup(func() {
		InitWithWriter(os.Stdout, "INFO", "text", false)
	})

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				Info("write", KeyInode, g, KeyOffset, i)
				if i == 25 {
					SetLevel("INFO")
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 8*50, strings.Count(buf.String(), "\n"))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func BenchmarkLogDisabled(b *testing.B) {
	InitWithWriter(new(bytes.Buffer), "ERROR", "text", false)
	defer InitWithWriter(os.Stdout, "INFO", "text", false)

	for b.Loop() {
		Debug("disabled", KeyInode, 1, KeyOffset, 4096)
	}
}

func BenchmarkLogText(b *testing.B) {
	InitWithWriter(new(bytes.Buffer), "INFO", "text", false)
	defer InitWithWriter(os.Stdout, "INFO", "text", false)

	for b.Loop() {
		Info("enabled", KeyInode, 1, KeyOffset, 4096)
	}
}

func BenchmarkLogCtx(b *testing.B) {
	InitWithWriter(new(bytes.Buffer), "INFO", "json", false)
	defer InitWithWriter(os.Stdout, "INFO", "text", false)

	ctx := WithContext(context.Background(), NewLogContext("read").WithInode(9))
	for b.Loop() {
		InfoCtx(ctx, "enabled", KeyOffset, 4096)
	}
}
