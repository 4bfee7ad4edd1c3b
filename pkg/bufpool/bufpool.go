// Package bufpool recycles I/O buffers.
//
// Buffers come in power-of-two size classes from MinSize to MaxSize, which
// line up with extent block sizes. Requests above MaxSize are allocated
// directly and never pooled.
//
// Buffers handed to a pmem transaction must not be returned to the pool
// before the transaction commits: some backends keep a reference until then.
//
//	buf := bufpool.Get(n)
//	defer bufpool.Put(buf)
package bufpool

import (
	"math/bits"
	"sync"
)

const (
	minShift = 12 // 4KiB
	maxShift = 20 // 1MiB

	// MinSize is the smallest pooled capacity.
	MinSize = 1 << minShift
	// MaxSize is the largest pooled capacity.
	MaxSize = 1 << maxShift
)

// Pool is a set of sync.Pools, one per size class.
type Pool struct {
	classes [maxShift - minShift + 1]sync.Pool
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	p := &Pool{}
	for i := range p.classes {
		size := 1 << (minShift + i)
		p.classes[i].New = func() any {
			buf := make([]byte, size)
			return &buf
		}
	}
	return p
}

// classOf returns the index of the smallest class holding n bytes, or -1.
func classOf(n int) int {
	if n <= MinSize {
		return 0
	}
	if n > MaxSize {
		return -1
	}
	return bits.Len(uint(n-1)) - minShift
}

// Get returns a slice of length n. Its capacity is the size class of n.
func (p *Pool) Get(n int) []byte {
	c := classOf(n)
	if c < 0 {
		return make([]byte, n)
	}
	buf := *p.classes[c].Get().(*[]byte)
	return buf[:n]
}

// Put returns buf to its size class. Buffers whose capacity is not a class
// size are dropped.
func (p *Pool) Put(buf []byte) {
	c := cap(buf)
	if c < MinSize || c > MaxSize || c&(c-1) != 0 {
		return
	}
	buf = buf[:c]
	p.classes[bits.Len(uint(c))-1-minShift].Put(&buf)
}

var global = NewPool()

// Get returns a buffer of length n from the package pool.
func Get(n int) []byte { return global.Get(n) }

// Put returns a buffer to the package pool.
func Put(buf []byte) { global.Put(buf) }
