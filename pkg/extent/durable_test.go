package extent_test

import (
	"sync"
	"testing"

	"github.com/marmos91/pmfs/pkg/extent"
	"github.com/marmos91/pmfs/pkg/pmem"
	"github.com/marmos91/pmfs/pkg/pmem/badger"
	"github.com/marmos91/pmfs/pkg/pmem/memory"
	"github.com/marmos91/pmfs/pkg/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reopenFixture opens the index stored in the root of a reopened pool.
func reopenFixture(t *testing.T, pool pmem.Pool) *fixture {
	t.Helper()

	f := &fixture{t: t, ctx: t.Context(), pool: pool}
	require.NoError(t, pool.View(f.ctx, func(tx pmem.Tx) error {
		var err error
		f.id, err = tx.Root(f.ctx)
		return err
	}))
	require.False(t, f.id.IsNil(), "pool has no root")
	return f
}

// populate builds an index that has grown and shrunk at least once.
func populate(f *fixture) []uint64 {
	f.insert(0, B)
	f.insert(3*B, 16*B)
	far := f.insert(5000*B, 2*B)
	f.insert(70*B, B)
	f.remove(far)
	f.insert(300*B, B/2)
	return []uint64{0, 3 * B, 70 * B, 300 * B}
}

func TestRedoLogReplay(t *testing.T) {
	dir := t.TempDir()

	open := func() *memory.Pool {
		persister, err := wal.NewMmapPersister(dir)
		require.NoError(t, err)
		pool, err := memory.New(memory.WithPersister(persister))
		require.NoError(t, err)
		return pool
	}

	pool := open()
	f := newFixtureWithPool(t, pool)
	want := populate(f)
	wantRange := f.rangeLength()
	require.NoError(t, pool.Close())

	pool = open()
	t.Cleanup(func() { _ = pool.Close() })

	g := reopenFixture(t, pool)
	g.check()
	assert.Equal(t, want, g.offsets())
	assert.Equal(t, wantRange, g.rangeLength())

	// The reopened index keeps working.
	g.insert(20*B, B)
	assert.Equal(t, []uint64{0, 3 * B, 20 * B, 70 * B, 300 * B}, g.offsets())
}

func TestBadgerPersistence(t *testing.T) {
	dir := t.TempDir()

	pool, err := badger.New(t.Context(), dir)
	require.NoError(t, err)

	f := newFixtureWithPool(t, pool, extent.WithMinBlockSize(B))
	want := populate(f)
	require.NoError(t, pool.Close())

	pool, err = badger.New(t.Context(), dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	g := reopenFixture(t, pool)
	g.check()
	assert.Equal(t, want, g.offsets())

	b, err := g.findClosest(250 * B)
	require.NoError(t, err)
	assert.Equal(t, uint64(70*B), b.Offset)
}

type recordingMetrics struct {
	mu     sync.Mutex
	ops    map[string]int
	errs   map[string]int
	grow   int
	shrink int
	depth  int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{ops: map[string]int{}, errs: map[string]int{}}
}

func (m *recordingMetrics) ObserveOperation(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[op]++
	if err != nil {
		m.errs[op]++
	}
}

func (m *recordingMetrics) ObserveGrow(levels int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grow += levels
}

func (m *recordingMetrics) ObserveShrink(levels int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shrink += levels
}

func (m *recordingMetrics) RecordDepth(depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depth = depth
}

func TestMetrics(t *testing.T) {
	rec := newRecordingMetrics()
	f := newFixture(t, extent.WithMetrics(rec))

	f.insert(0, B)
	far := f.insert(4096*B, B)
	assert.Equal(t, 4, rec.grow)
	assert.Equal(t, 4, rec.depth)

	_, err := f.tryInsert(0, B)
	require.ErrorIs(t, err, extent.ErrOverlap)

	f.remove(far)
	assert.Equal(t, 4, rec.shrink)
	assert.Zero(t, rec.depth)

	_, err = f.findClosest(0)
	require.NoError(t, err)

	assert.Equal(t, 3, rec.ops["insert"])
	assert.Equal(t, 1, rec.errs["insert"])
	assert.Equal(t, 1, rec.ops["remove"])
	assert.Equal(t, 1, rec.ops["find"])
}
