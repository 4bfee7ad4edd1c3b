package prometheus_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/marmos91/pmfs/pkg/extent"
	"github.com/marmos91/pmfs/pkg/metrics"
	pmfsprom "github.com/marmos91/pmfs/pkg/metrics/prometheus"
	"github.com/marmos91/pmfs/pkg/pmem"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enable(t *testing.T) {
	t.Helper()
	metrics.InitRegistry()
	t.Cleanup(metrics.Reset)
}

func TestDisabledConstructorsReturnNil(t *testing.T) {
	metrics.Reset()

	assert.Nil(t, metrics.NewExtentMetrics())
	assert.Nil(t, metrics.NewPoolMetrics("memory"))
	assert.Nil(t, metrics.NewBadgerCacheMetrics())
	assert.Nil(t, metrics.NewVolumeMetrics())

	// nil receivers are safe
	assert.Nil(t, pmfsprom.NewExtentMetrics())
	pmfsprom.NewExtentMetrics().ObserveGrow(1)
	pmfsprom.NewPoolMetrics("memory").ObserveTransaction("update", time.Millisecond, nil)
	metrics.ObserveFileOperation(nil, "write", 1, time.Millisecond, nil)
}

func TestExtentMetrics(t *testing.T) {
	enable(t)

	m := metrics.NewExtentMetrics()
	require.NotNil(t, m)

	m.ObserveOperation("insert", nil)
	m.ObserveOperation("insert", extent.ErrOverlap)
	m.ObserveOperation("find", extent.ErrNotFound)
	m.ObserveGrow(2)
	m.ObserveShrink(1)
	m.RecordDepth(3)

	// A second constructor call shares the collectors.
	again := metrics.NewExtentMetrics()
	again.ObserveOperation("insert", nil)

	reg := metrics.GetRegistry()
	count, err := testutil.GatherAndCount(reg, "pmfs_extent_grow_levels_total", "pmfs_extent_shrink_levels_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	expected := `
# HELP pmfs_extent_operations_total Total number of extent index operations by operation and result
# TYPE pmfs_extent_operations_total counter
pmfs_extent_operations_total{op="find",result="not_found"} 1
pmfs_extent_operations_total{op="insert",result="overlap"} 1
pmfs_extent_operations_total{op="insert",result="success"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "pmfs_extent_operations_total"))

	expected = `
# HELP pmfs_extent_grow_levels_total Total number of levels added to extent trees
# TYPE pmfs_extent_grow_levels_total counter
pmfs_extent_grow_levels_total 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "pmfs_extent_grow_levels_total"))
}

func TestPoolMetrics(t *testing.T) {
	enable(t)

	mem := metrics.NewPoolMetrics("memory")
	bdg := metrics.NewPoolMetrics("badger")
	require.NotNil(t, mem)
	require.NotNil(t, bdg)

	mem.ObserveTransaction("update", time.Millisecond, nil)
	mem.ObserveTransaction("update", time.Millisecond, pmem.ErrNoSpace)
	bdg.ObserveTransaction("update", time.Millisecond, pmem.ErrConflict)
	bdg.ObserveTransaction("view", time.Millisecond, errors.New("boom"))

	expected := `
# HELP pmfs_pool_transactions_total Total number of pool transactions by backend, kind and result
# TYPE pmfs_pool_transactions_total counter
pmfs_pool_transactions_total{backend="badger",kind="update",result="conflict"} 1
pmfs_pool_transactions_total{backend="badger",kind="view",result="error"} 1
pmfs_pool_transactions_total{backend="memory",kind="update",result="no_space"} 1
pmfs_pool_transactions_total{backend="memory",kind="update",result="success"} 1
`
	require.NoError(t, testutil.GatherAndCompare(metrics.GetRegistry(), strings.NewReader(expected), "pmfs_pool_transactions_total"))
}

func TestBadgerCacheMetrics(t *testing.T) {
	enable(t)

	m := metrics.NewBadgerCacheMetrics()
	require.NotNil(t, m)
	m.RecordCacheStats("block", 30, 10, 0.75)

	expected := `
# HELP pmfs_badger_cache_hit_ratio BadgerDB cache hit ratio (0.0 to 1.0) by cache type
# TYPE pmfs_badger_cache_hit_ratio gauge
pmfs_badger_cache_hit_ratio{cache_type="block"} 0.75
`
	require.NoError(t, testutil.GatherAndCompare(metrics.GetRegistry(), strings.NewReader(expected), "pmfs_badger_cache_hit_ratio"))
}

func TestVolumeMetrics(t *testing.T) {
	enable(t)

	m := metrics.NewVolumeMetrics()
	require.NotNil(t, m)

	metrics.ObserveFileOperation(m, "write", 4096, time.Millisecond, nil)
	metrics.ObserveFileOperation(m, "write", 100, time.Millisecond, nil)
	metrics.ObserveFileOperation(m, "create", 0, time.Millisecond, nil)
	metrics.RecordFiles(m, 3)

	expected := `
# HELP pmfs_file_bytes_total Total bytes read from or written to files
# TYPE pmfs_file_bytes_total counter
pmfs_file_bytes_total{op="write"} 4196
`
	require.NoError(t, testutil.GatherAndCompare(metrics.GetRegistry(), strings.NewReader(expected), "pmfs_file_bytes_total"))

	expected = `
# HELP pmfs_volume_files Number of files in the volume
# TYPE pmfs_volume_files gauge
pmfs_volume_files 3
`
	require.NoError(t, testutil.GatherAndCompare(metrics.GetRegistry(), strings.NewReader(expected), "pmfs_volume_files"))
}

func TestHandler(t *testing.T) {
	enable(t)
	metrics.NewExtentMetrics().ObserveOperation("remove", nil)

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `pmfs_extent_operations_total{op="remove",result="success"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestHandlerDisabled(t *testing.T) {
	metrics.Reset()

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter(t *testing.T) {
	enable(t)
	router := metrics.NewRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
