package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

// recordSpans routes spans to an in-memory recorder for the duration of the
// test.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	setTracer(tp.Tracer("test"))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		setTracer(noop.NewTracerProvider().Tracer("pmfs"))
	})
	return sr
}

func attrMap(kvs []attribute.KeyValue) map[string]attribute.Value {
	m := make(map[string]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value
	}
	return m
}

func TestInitDisabled(t *testing.T) {
	ctx := context.Background()

	shutdown, err := Init(ctx, Config{ServiceName: "pmfs"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(ctx))
	assert.False(t, IsEnabled())

	// Spans are no-ops and carry no IDs.
	ctx, span := StartSpan(ctx, SpanVolumeOpen)
	defer span.End()
	assert.False(t, span.SpanContext().IsValid())
	assert.Empty(t, TraceID(ctx))
	assert.Empty(t, SpanID(ctx))
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), sampler(0).Description())
	assert.Contains(t, sampler(0.25).Description(), "ParentBased")
}

func TestTraceAndSpanID(t *testing.T) {
	recordSpans(t)

	ctx, span := StartSpan(context.Background(), SpanFileWrite)
	defer span.End()

	assert.Equal(t, span.SpanContext().TraceID().String(), TraceID(ctx))
	assert.Equal(t, span.SpanContext().SpanID().String(), SpanID(ctx))
	assert.Len(t, TraceID(ctx), 32)
}

func TestEndSpan(t *testing.T) {
	sr := recordSpans(t)
	ctx := context.Background()

	_, span := StartSpan(ctx, SpanExtentRemove)
	EndSpan(span, errors.New("boom"))

	_, span = StartSpan(ctx, SpanExtentFindClosest)
	EndSpan(span, nil)

	ended := sr.Ended()
	require.Len(t, ended, 2)

	assert.Equal(t, SpanExtentRemove, ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "boom", ended[0].Status().Description)
	require.Len(t, ended[0].Events(), 1)
	assert.Equal(t, "exception", ended[0].Events()[0].Name)

	assert.Equal(t, codes.Unset, ended[1].Status().Code)
}

func TestAddEvent(t *testing.T) {
	sr := recordSpans(t)

	ctx, span := StartSpan(context.Background(), SpanVolumeCreate)
	AddEvent(ctx, "tx.conflict", TxAttempt(2))
	span.End()

	ended := sr.Ended()
	require.Len(t, ended, 1)
	require.Len(t, ended[0].Events(), 1)
	ev := ended[0].Events()[0]
	assert.Equal(t, "tx.conflict", ev.Name)
	assert.Equal(t, int64(2), attrMap(ev.Attributes)[AttrTxAttempt].AsInt64())

	// No span in ctx: nothing to record, nothing to panic about.
	assert.NotPanics(t, func() {
		AddEvent(context.Background(), "orphan")
	})
}

func TestStartExtentSpan(t *testing.T) {
	sr := recordSpans(t)

	_, span := StartExtentSpan(context.Background(), SpanExtentInsert,
		ExtentOffset(8192), ExtentSize(4096), ExtentOID(0xbeef))
	span.SetAttributes(GrowLevels(1), Depth(2), RangeLength(1<<20))
	span.End()

	attrs := attrMap(sr.Ended()[0].Attributes())
	assert.Equal(t, int64(8192), attrs[AttrExtentOffset].AsInt64())
	assert.Equal(t, int64(4096), attrs[AttrExtentSize].AsInt64())
	assert.Equal(t, "0xbeef", attrs[AttrExtentOID].AsString())
	assert.Equal(t, int64(1), attrs[AttrGrowLevels].AsInt64())
	assert.Equal(t, int64(2), attrs[AttrDepth].AsInt64())
	assert.Equal(t, int64(1<<20), attrs[AttrRangeLength].AsInt64())
}

func TestStartFileSpan(t *testing.T) {
	sr := recordSpans(t)

	_, span := StartFileSpan(context.Background(), SpanFileRead, 7, Offset(512), Size(100))
	span.SetAttributes(Bytes(64), ShrinkLevels(0), PoolID("p"))
	span.End()

	attrs := attrMap(sr.Ended()[0].Attributes())
	assert.Equal(t, int64(7), attrs[AttrInode].AsInt64())
	assert.Equal(t, int64(512), attrs[AttrOffset].AsInt64())
	assert.Equal(t, int64(100), attrs[AttrSize].AsInt64())
	assert.Equal(t, int64(64), attrs[AttrBytes].AsInt64())
	assert.Equal(t, "p", attrs[AttrPoolID].AsString())
	assert.Equal(t, int64(7), Inode(7).Value.AsInt64())
}

func TestProfilingDisabled(t *testing.T) {
	shutdown, err := InitProfiling(ProfilingConfig{Enabled: false})
	require.NoError(t, err)
	assert.False(t, IsProfilingEnabled())
	assert.NoError(t, shutdown())
}

func TestParseProfileTypes(t *testing.T) {
	types, err := parseProfileTypes([]string{"cpu", "inuse_space", "mutex_count"})
	require.NoError(t, err)
	assert.Len(t, types, 3)

	_, err = parseProfileTypes([]string{"cpu", "heap"})
	assert.Error(t, err)

	_, err = InitProfiling(ProfilingConfig{Enabled: true, ProfileTypes: []string{"bogus"}})
	assert.Error(t, err)
	assert.False(t, IsProfilingEnabled())
}
