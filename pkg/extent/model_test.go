package extent_test

import (
	"math/rand/v2"
	"testing"

	"github.com/google/btree"
	"github.com/marmos91/pmfs/pkg/extent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func byOffset(a, b *extent.Block) bool { return a.Offset < b.Offset }

// model is the ordered set of live extents the index must agree with.
type model struct {
	tree *btree.BTreeG[*extent.Block]
}

func newModel() *model {
	return &model{tree: btree.NewG(8, byOffset)}
}

func (m *model) floor(off uint64) *extent.Block {
	var found *extent.Block
	m.tree.DescendLessOrEqual(&extent.Block{Offset: off}, func(b *extent.Block) bool {
		found = b
		return false
	})
	return found
}

func (m *model) overlaps(off, size uint64) bool {
	if pred := m.floor(off); pred != nil && pred.End() > off {
		return true
	}
	overlap := false
	m.tree.AscendGreaterOrEqual(&extent.Block{Offset: off}, func(b *extent.Block) bool {
		overlap = b.Offset < off+size
		return false
	})
	return overlap
}

// minimalRange returns the smallest B * 16^d covering every extent.
func (m *model) minimalRange() uint64 {
	r := uint64(B)
	if last, ok := m.tree.Max(); ok {
		for last.End() > r {
			r *= extent.Fanout
		}
	}
	return r
}

func (m *model) offsets() []uint64 {
	var out []uint64
	m.tree.Ascend(func(b *extent.Block) bool {
		out = append(out, b.Offset)
		return true
	})
	return out
}

// randomOffset picks block-aligned offsets at several scales so that the tree
// keeps growing and shrinking across levels.
func randomOffset(r *rand.Rand) uint64 {
	switch r.IntN(10) {
	case 0:
		return r.Uint64N(1<<24) * B
	case 1, 2:
		return r.Uint64N(4096) * B
	default:
		return r.Uint64N(256) * B
	}
}

func TestIndexMatchesModel(t *testing.T) {
	seeds := []uint64{1, 7, 42}
	if testing.Short() {
		seeds = seeds[:1]
	}

	for _, seed := range seeds {
		r := rand.New(rand.NewPCG(seed, seed*31))
		f := newFixture(t)
		m := newModel()

		for step := 0; step < 400; step++ {
			if m.tree.Len() > 0 && r.IntN(3) == 0 {
				victim, _ := m.tree.Min()
				skip := r.IntN(m.tree.Len())
				m.tree.Ascend(func(b *extent.Block) bool {
					victim = b
					skip--
					return skip >= 0
				})

				f.remove(victim)
				m.tree.Delete(victim)
			} else {
				off := randomOffset(r)
				size := 1 + r.Uint64N(3*B)

				b, err := f.tryInsert(off, size)
				if m.overlaps(off, size) {
					require.ErrorIs(t, err, extent.ErrOverlap, "seed %d step %d: [%d, %d)", seed, step, off, off+size)
				} else {
					require.NoError(t, err, "seed %d step %d: [%d, %d)", seed, step, off, off+size)
					m.tree.ReplaceOrInsert(b)
				}
				f.check()
			}

			n, rangeLength, _ := f.index()
			require.Equal(t, uint64(m.tree.Len()), n, "seed %d step %d", seed, step)
			require.Equal(t, m.minimalRange(), rangeLength, "seed %d step %d", seed, step)

			for probe := 0; probe < 4; probe++ {
				off := randomOffset(r) + r.Uint64N(B)
				got, err := f.findClosest(off)
				want := m.floor(off)
				if want == nil {
					require.ErrorIs(t, err, extent.ErrNotFound, "seed %d step %d: find %d", seed, step, off)
					continue
				}
				require.NoError(t, err, "seed %d step %d: find %d", seed, step, off)
				require.Equal(t, want.ID, got.ID, "seed %d step %d: find %d", seed, step, off)
			}
		}

		assert.Equal(t, m.offsets(), f.offsets(), "seed %d", seed)
	}
}

func TestRoundTrip(t *testing.T) {
	f := newFixture(t)
	r := rand.New(rand.NewPCG(3, 5))

	var blocks []*extent.Block
	next := uint64(0)
	for i := 0; i < 64; i++ {
		next += r.Uint64N(8) * B
		size := 1 + r.Uint64N(4*B)
		blocks = append(blocks, f.insert(next, size))
		next += (size + B - 1) / B * B
	}

	for _, b := range blocks {
		for _, off := range []uint64{b.Offset, b.Offset + b.Size/2, b.End() - 1} {
			got, err := f.findClosest(off)
			require.NoError(t, err)
			assert.Equal(t, b.ID, got.ID, "offset %d of %s", off, b)
		}
	}
}
