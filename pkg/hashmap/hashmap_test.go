package hashmap_test

import (
	"errors"
	"testing"

	"github.com/marmos91/pmfs/pkg/hashmap"
	"github.com/marmos91/pmfs/pkg/pmem"
	"github.com/marmos91/pmfs/pkg/pmem/badger"
	"github.com/marmos91/pmfs/pkg/pmem/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMap allocates a map in pool and stores it as the root.
func newMap(t *testing.T, pool pmem.Pool) pmem.OID {
	t.Helper()

	var id pmem.OID
	require.NoError(t, pool.Update(t.Context(), func(tx pmem.Tx) error {
		m, err := hashmap.Alloc(t.Context(), tx, hashmap.WithSeed(1))
		if err != nil {
			return err
		}
		id = m.ID()
		return tx.SetRoot(t.Context(), id)
	}))
	return id
}

func memoryPool(t *testing.T) pmem.Pool {
	t.Helper()
	pool, err := memory.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func withMap(t *testing.T, pool pmem.Pool, id pmem.OID, fn func(m *hashmap.Map) error) error {
	return pool.Update(t.Context(), func(tx pmem.Tx) error {
		m, err := hashmap.Open(t.Context(), tx, id)
		if err != nil {
			return err
		}
		return fn(m)
	})
}

func TestPutGetRemove(t *testing.T) {
	pool := memoryPool(t)
	id := newMap(t, pool)
	ctx := t.Context()

	require.NoError(t, withMap(t, pool, id, func(m *hashmap.Map) error {
		prev, err := m.Put(ctx, 7, 100)
		require.NoError(t, err)
		assert.Equal(t, pmem.Nil, prev, "new key")

		prev, err = m.Put(ctx, 7, 200)
		require.NoError(t, err)
		assert.Equal(t, pmem.OID(100), prev, "overwrite returns the old value")
		assert.Equal(t, uint64(1), m.Len())

		v, err := m.Get(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, pmem.OID(200), v)

		v, err = m.Get(ctx, 8)
		require.NoError(t, err)
		assert.Equal(t, pmem.Nil, v, "absent key")

		v, ok, err := m.Remove(ctx, 8)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, pmem.Nil, v)

		v, ok, err = m.Remove(ctx, 7)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, pmem.OID(200), v)
		assert.Zero(t, m.Len())

		v, err = m.Get(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, pmem.Nil, v)
		return nil
	}))
}

func TestPutNilValue(t *testing.T) {
	pool := memoryPool(t)
	id := newMap(t, pool)

	err := withMap(t, pool, id, func(m *hashmap.Map) error {
		_, err := m.Put(t.Context(), 1, pmem.Nil)
		return err
	})
	assert.ErrorIs(t, err, hashmap.ErrNilValue)
}

func TestGrowAndTraverse(t *testing.T) {
	pool := memoryPool(t)
	id := newMap(t, pool)
	ctx := t.Context()

	const n = 1000
	require.NoError(t, withMap(t, pool, id, func(m *hashmap.Map) error {
		for k := uint64(0); k < n; k++ {
			if _, err := m.Put(ctx, k*7919, pmem.OID(k+1)); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, withMap(t, pool, id, func(m *hashmap.Map) error {
		assert.Equal(t, uint64(n), m.Len())
		assert.Equal(t, uint64(512), m.Buckets())

		seen := make(map[uint64]pmem.OID)
		require.NoError(t, m.Traverse(ctx, func(key uint64, value pmem.OID) error {
			_, dup := seen[key]
			assert.False(t, dup, "key %d visited twice", key)
			seen[key] = value
			return nil
		}))
		assert.Len(t, seen, n)
		for k := uint64(0); k < n; k++ {
			assert.Equal(t, pmem.OID(k+1), seen[k*7919])
		}

		// Remove every other key, then check the survivors.
		for k := uint64(0); k < n; k += 2 {
			_, ok, err := m.Remove(ctx, k*7919)
			require.NoError(t, err)
			require.True(t, ok)
		}
		for k := uint64(0); k < n; k++ {
			v, err := m.Get(ctx, k*7919)
			require.NoError(t, err)
			if k%2 == 0 {
				assert.Equal(t, pmem.Nil, v)
			} else {
				assert.Equal(t, pmem.OID(k+1), v)
			}
		}
		return nil
	}))
}

func TestTraverseStops(t *testing.T) {
	pool := memoryPool(t)
	id := newMap(t, pool)
	ctx := t.Context()
	stop := errors.New("stop")

	err := withMap(t, pool, id, func(m *hashmap.Map) error {
		for k := uint64(1); k <= 10; k++ {
			if _, err := m.Put(ctx, k, pmem.OID(k)); err != nil {
				return err
			}
		}
		calls := 0
		return m.Traverse(ctx, func(uint64, pmem.OID) error {
			calls++
			if calls == 3 {
				return stop
			}
			return nil
		})
	})
	assert.ErrorIs(t, err, stop)
}

func TestFree(t *testing.T) {
	pool, err := memory.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	ctx := t.Context()

	var target pmem.OID
	require.NoError(t, pool.Update(ctx, func(tx pmem.Tx) error {
		target, err = tx.Alloc(ctx, pmem.KindRaw, []byte("value"))
		return err
	}))

	id := newMap(t, pool)
	require.NoError(t, withMap(t, pool, id, func(m *hashmap.Map) error {
		for k := uint64(0); k < 100; k++ {
			if _, err := m.Put(ctx, k, target); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, withMap(t, pool, id, func(m *hashmap.Map) error {
		return m.Free(ctx)
	}))

	// Only the value object survives.
	stats, err := pool.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Objects)
}

func TestRollback(t *testing.T) {
	pool := memoryPool(t)
	id := newMap(t, pool)
	ctx := t.Context()
	abort := errors.New("abort")

	require.NoError(t, withMap(t, pool, id, func(m *hashmap.Map) error {
		_, err := m.Put(ctx, 1, 10)
		return err
	}))

	err := withMap(t, pool, id, func(m *hashmap.Map) error {
		for k := uint64(2); k < 100; k++ {
			if _, err := m.Put(ctx, k, 10); err != nil {
				return err
			}
		}
		return abort
	})
	require.ErrorIs(t, err, abort)

	require.NoError(t, withMap(t, pool, id, func(m *hashmap.Map) error {
		assert.Equal(t, uint64(1), m.Len())
		assert.Equal(t, uint64(hashmap.InitialBuckets), m.Buckets())
		return nil
	}))
}

func TestBadgerPersistence(t *testing.T) {
	dir := t.TempDir()
	ctx := t.Context()

	pool, err := badger.New(ctx, dir)
	require.NoError(t, err)

	id := newMap(t, pool)
	require.NoError(t, withMap(t, pool, id, func(m *hashmap.Map) error {
		for k := uint64(1); k <= 100; k++ {
			if _, err := m.Put(ctx, k<<32, pmem.OID(k)); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, pool.Close())

	pool, err = badger.New(ctx, dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	require.NoError(t, pool.View(ctx, func(tx pmem.Tx) error {
		root, err := tx.Root(ctx)
		require.NoError(t, err)
		require.Equal(t, id, root)

		m, err := hashmap.Open(ctx, tx, root)
		require.NoError(t, err)
		assert.Equal(t, uint64(100), m.Len())

		for k := uint64(1); k <= 100; k++ {
			v, err := m.Get(ctx, k<<32)
			require.NoError(t, err)
			assert.Equal(t, pmem.OID(k), v)
		}
		return nil
	}))
}
