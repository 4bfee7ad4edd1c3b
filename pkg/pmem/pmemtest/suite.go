// Package pmemtest provides a conformance suite that every pmem.Pool backend
// must pass.
package pmemtest

import (
	"context"
	"errors"
	"testing"

	"github.com/marmos91/pmfs/pkg/pmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// PoolFactory creates a fresh, empty pool for each test. The factory should
// register cleanup with t.Cleanup; the suite closes pools it closes itself.
type PoolFactory func(t *testing.T) pmem.Pool

var errAbort = errors.New("abort")

// RunConformanceSuite runs the full conformance suite against the factory.
//
// The suite covers:
//   - Objects: allocation, typed reads, overwrite, free
//   - Transactions: rollback on error, read-your-writes, read-only views
//   - Root: default, set, clear
//   - Lifecycle: closed pools, cancelled contexts
func RunConformanceSuite(t *testing.T, factory PoolFactory) {
	t.Helper()

	t.Run("Objects", func(t *testing.T) {
		runObjectTests(t, factory)
	})

	t.Run("Transactions", func(t *testing.T) {
		runTransactionTests(t, factory)
	})

	t.Run("Root", func(t *testing.T) {
		runRootTests(t, factory)
	})

	t.Run("Lifecycle", func(t *testing.T) {
		runLifecycleTests(t, factory)
	})
}

// alloc is a helper that allocates one object in its own transaction.
func alloc(t *testing.T, pool pmem.Pool, kind pmem.Kind, data []byte) pmem.OID {
	t.Helper()

	var oid pmem.OID
	err := pool.Update(t.Context(), func(tx pmem.Tx) error {
		var err error
		oid, err = tx.Alloc(t.Context(), kind, data)
		return err
	})
	require.NoError(t, err)
	require.False(t, oid.IsNil())
	return oid
}

// get is a helper that reads one object in a view.
func get(t *testing.T, pool pmem.Pool, oid pmem.OID, kind pmem.Kind) ([]byte, error) {
	t.Helper()

	var data []byte
	err := pool.View(t.Context(), func(tx pmem.Tx) error {
		var err error
		data, err = tx.Get(t.Context(), oid, kind)
		return err
	})
	return data, err
}

func runObjectTests(t *testing.T, factory PoolFactory) {
	t.Run("AllocAndGet", func(t *testing.T) {
		pool := factory(t)

		oid := alloc(t, pool, pmem.KindBlock, []byte("payload"))

		data, err := get(t, pool, oid, pmem.KindBlock)
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), data)
	})

	t.Run("AllocEmpty", func(t *testing.T) {
		pool := factory(t)

		oid := alloc(t, pool, pmem.KindRaw, nil)

		data, err := get(t, pool, oid, pmem.KindRaw)
		require.NoError(t, err)
		assert.Empty(t, data)
	})

	t.Run("AllocInvalidKind", func(t *testing.T) {
		pool := factory(t)

		err := pool.Update(t.Context(), func(tx pmem.Tx) error {
			_, err := tx.Alloc(t.Context(), pmem.KindInvalid, nil)
			return err
		})
		assert.ErrorIs(t, err, pmem.ErrInvalidKind)
	})

	t.Run("DistinctOIDs", func(t *testing.T) {
		pool := factory(t)

		seen := make(map[pmem.OID]bool)
		for i := 0; i < 32; i++ {
			oid := alloc(t, pool, pmem.KindRaw, []byte{byte(i)})
			assert.False(t, seen[oid], "OID %s allocated twice", oid)
			seen[oid] = true
		}
	})

	t.Run("WrongKind", func(t *testing.T) {
		pool := factory(t)

		oid := alloc(t, pool, pmem.KindNode, []byte{1})

		_, err := get(t, pool, oid, pmem.KindBlock)
		assert.ErrorIs(t, err, pmem.ErrWrongKind)

		err = pool.Update(t.Context(), func(tx pmem.Tx) error {
			return tx.Set(t.Context(), oid, pmem.KindBlock, []byte{2})
		})
		assert.ErrorIs(t, err, pmem.ErrWrongKind)
	})

	t.Run("NilOID", func(t *testing.T) {
		pool := factory(t)

		_, err := get(t, pool, pmem.Nil, pmem.KindRaw)
		assert.ErrorIs(t, err, pmem.ErrNilOID)
	})

	t.Run("SetOverwrites", func(t *testing.T) {
		pool := factory(t)

		oid := alloc(t, pool, pmem.KindRaw, []byte("old"))

		err := pool.Update(t.Context(), func(tx pmem.Tx) error {
			return tx.Set(t.Context(), oid, pmem.KindRaw, []byte("new value"))
		})
		require.NoError(t, err)

		data, err := get(t, pool, oid, pmem.KindRaw)
		require.NoError(t, err)
		assert.Equal(t, []byte("new value"), data)
	})

	t.Run("SetMissing", func(t *testing.T) {
		pool := factory(t)

		err := pool.Update(t.Context(), func(tx pmem.Tx) error {
			return tx.Set(t.Context(), pmem.OID(9999), pmem.KindRaw, []byte{1})
		})
		assert.ErrorIs(t, err, pmem.ErrNotFound)
	})

	t.Run("FreeAndNeverReuse", func(t *testing.T) {
		pool := factory(t)

		oid := alloc(t, pool, pmem.KindRaw, []byte{1})

		err := pool.Update(t.Context(), func(tx pmem.Tx) error {
			return tx.Free(t.Context(), oid)
		})
		require.NoError(t, err)

		_, err = get(t, pool, oid, pmem.KindRaw)
		assert.ErrorIs(t, err, pmem.ErrNotFound)

		err = pool.Update(t.Context(), func(tx pmem.Tx) error {
			return tx.Free(t.Context(), oid)
		})
		assert.ErrorIs(t, err, pmem.ErrNotFound)

		next := alloc(t, pool, pmem.KindRaw, []byte{2})
		assert.NotEqual(t, oid, next)
	})

	t.Run("CallerOwnsBuffers", func(t *testing.T) {
		pool := factory(t)

		buf := []byte("abc")
		oid := alloc(t, pool, pmem.KindRaw, buf)
		buf[0] = 'x'

		data, err := get(t, pool, oid, pmem.KindRaw)
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), data)

		data[1] = 'y'
		again, err := get(t, pool, oid, pmem.KindRaw)
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), again)
	})
}

func runTransactionTests(t *testing.T, factory PoolFactory) {
	t.Run("RollbackDiscardsAlloc", func(t *testing.T) {
		pool := factory(t)

		var oid pmem.OID
		err := pool.Update(t.Context(), func(tx pmem.Tx) error {
			var err error
			oid, err = tx.Alloc(t.Context(), pmem.KindRaw, []byte{1})
			require.NoError(t, err)
			return errAbort
		})
		require.ErrorIs(t, err, errAbort)

		_, err = get(t, pool, oid, pmem.KindRaw)
		assert.ErrorIs(t, err, pmem.ErrNotFound)
	})

	t.Run("RollbackDiscardsSetAndFree", func(t *testing.T) {
		pool := factory(t)

		a := alloc(t, pool, pmem.KindRaw, []byte("a"))
		b := alloc(t, pool, pmem.KindRaw, []byte("b"))

		err := pool.Update(t.Context(), func(tx pmem.Tx) error {
			require.NoError(t, tx.Set(t.Context(), a, pmem.KindRaw, []byte("changed")))
			require.NoError(t, tx.Free(t.Context(), b))
			require.NoError(t, tx.SetRoot(t.Context(), a))
			return errAbort
		})
		require.ErrorIs(t, err, errAbort)

		data, err := get(t, pool, a, pmem.KindRaw)
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), data)

		data, err = get(t, pool, b, pmem.KindRaw)
		require.NoError(t, err)
		assert.Equal(t, []byte("b"), data)

		err = pool.View(t.Context(), func(tx pmem.Tx) error {
			root, err := tx.Root(t.Context())
			require.NoError(t, err)
			assert.True(t, root.IsNil())
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("ReadYourWrites", func(t *testing.T) {
		pool := factory(t)

		existing := alloc(t, pool, pmem.KindRaw, []byte("v1"))

		err := pool.Update(t.Context(), func(tx pmem.Tx) error {
			oid, err := tx.Alloc(t.Context(), pmem.KindBlock, []byte("fresh"))
			require.NoError(t, err)

			data, err := tx.Get(t.Context(), oid, pmem.KindBlock)
			require.NoError(t, err)
			assert.Equal(t, []byte("fresh"), data)

			require.NoError(t, tx.Set(t.Context(), existing, pmem.KindRaw, []byte("v2")))
			data, err = tx.Get(t.Context(), existing, pmem.KindRaw)
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), data)

			require.NoError(t, tx.Free(t.Context(), oid))
			_, err = tx.Get(t.Context(), oid, pmem.KindBlock)
			assert.ErrorIs(t, err, pmem.ErrNotFound)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("ViewIsReadOnly", func(t *testing.T) {
		pool := factory(t)

		oid := alloc(t, pool, pmem.KindRaw, []byte{1})

		err := pool.View(t.Context(), func(tx pmem.Tx) error {
			_, err := tx.Alloc(t.Context(), pmem.KindRaw, nil)
			assert.ErrorIs(t, err, pmem.ErrReadOnly)
			assert.ErrorIs(t, tx.Set(t.Context(), oid, pmem.KindRaw, nil), pmem.ErrReadOnly)
			assert.ErrorIs(t, tx.Free(t.Context(), oid), pmem.ErrReadOnly)
			assert.ErrorIs(t, tx.SetRoot(t.Context(), oid), pmem.ErrReadOnly)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("ViewPropagatesError", func(t *testing.T) {
		pool := factory(t)

		err := pool.View(t.Context(), func(tx pmem.Tx) error {
			return errAbort
		})
		assert.ErrorIs(t, err, errAbort)
	})
}

func runRootTests(t *testing.T, factory PoolFactory) {
	t.Run("DefaultNil", func(t *testing.T) {
		pool := factory(t)

		err := pool.View(t.Context(), func(tx pmem.Tx) error {
			root, err := tx.Root(t.Context())
			require.NoError(t, err)
			assert.Equal(t, pmem.Nil, root)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("SetAndClear", func(t *testing.T) {
		pool := factory(t)

		oid := alloc(t, pool, pmem.KindMap, []byte{1})

		require.NoError(t, pool.Update(t.Context(), func(tx pmem.Tx) error {
			return tx.SetRoot(t.Context(), oid)
		}))

		require.NoError(t, pool.View(t.Context(), func(tx pmem.Tx) error {
			root, err := tx.Root(t.Context())
			require.NoError(t, err)
			assert.Equal(t, oid, root)
			return nil
		}))

		require.NoError(t, pool.Update(t.Context(), func(tx pmem.Tx) error {
			return tx.SetRoot(t.Context(), pmem.Nil)
		}))

		require.NoError(t, pool.View(t.Context(), func(tx pmem.Tx) error {
			root, err := tx.Root(t.Context())
			require.NoError(t, err)
			assert.Equal(t, pmem.Nil, root)
			return nil
		}))
	})

	t.Run("SetRootMissing", func(t *testing.T) {
		pool := factory(t)

		err := pool.Update(t.Context(), func(tx pmem.Tx) error {
			return tx.SetRoot(t.Context(), pmem.OID(4242))
		})
		assert.ErrorIs(t, err, pmem.ErrNotFound)
	})
}

func runLifecycleTests(t *testing.T, factory PoolFactory) {
	t.Run("UUIDStable", func(t *testing.T) {
		pool := factory(t)
		assert.Equal(t, pool.UUID(), pool.UUID())
		assert.NotEqual(t, [16]byte{}, [16]byte(pool.UUID()))
	})

	t.Run("CancelledContext", func(t *testing.T) {
		pool := factory(t)

		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		called := false
		err := pool.Update(ctx, func(tx pmem.Tx) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})

	t.Run("Closed", func(t *testing.T) {
		pool := factory(t)

		require.NoError(t, pool.Close())

		err := pool.Update(t.Context(), func(tx pmem.Tx) error { return nil })
		assert.ErrorIs(t, err, pmem.ErrClosed)

		err = pool.View(t.Context(), func(tx pmem.Tx) error { return nil })
		assert.ErrorIs(t, err, pmem.ErrClosed)

		// Double close is fine
		assert.NoError(t, pool.Close())
	})
}
