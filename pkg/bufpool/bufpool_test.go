package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetSizeClasses(t *testing.T) {
	tests := []struct {
		name    string
		n       int
		wantCap int
	}{
		{"Zero", 0, MinSize},
		{"Small", 100, MinSize},
		{"ExactMin", MinSize, MinSize},
		{"JustAboveMin", MinSize + 1, 2 * MinSize},
		{"Middle", 100 << 10, 128 << 10},
		{"ExactMax", MaxSize, MaxSize},
		{"Oversized", MaxSize + 1, MaxSize + 1},
	}

	p := NewPool()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := p.Get(tt.n)
			defer p.Put(buf)

			assert.Len(t, buf, tt.n)
			assert.Equal(t, tt.wantCap, cap(buf))
		})
	}
}

func TestPutReuses(t *testing.T) {
	p := NewPool()

	buf := p.Get(5000)
	buf[0] = 0xAB
	p.Put(buf)

	// sync.Pool may drop entries, so only check the class is right.
	again := p.Get(6000)
	assert.Equal(t, 8192, cap(again))
	assert.Len(t, again, 6000)
}

func TestPutIgnoresForeignBuffers(t *testing.T) {
	p := NewPool()

	assert.NotPanics(t, func() {
		p.Put(nil)
		p.Put(make([]byte, 100))
		p.Put(make([]byte, 3*MinSize))
		p.Put(make([]byte, 2*MaxSize))
	})
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, 0, classOf(1))
	assert.Equal(t, 0, classOf(MinSize))
	assert.Equal(t, 1, classOf(MinSize+1))
	assert.Equal(t, maxShift-minShift, classOf(MaxSize))
	assert.Equal(t, -1, classOf(MaxSize+1))
}

func TestConcurrentUse(t *testing.T) {
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				n := (g*7919 + i*104729) % (2 * MaxSize)
				buf := Get(n)
				assert.Len(t, buf, n)
				for j := range buf {
					buf[j] = byte(g)
				}
				Put(buf)
			}
		}(g)
	}
	wg.Wait()
}
