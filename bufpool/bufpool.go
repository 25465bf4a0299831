// Package bufpool hands out fixed-size byte buffers for page-sized I/O and
// keeps count of the ones that haven't come back yet.
package bufpool

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultSize matches the default storage page size.
const DefaultSize = 64 * 1024

// Buffer is a pooled buffer. It must be returned exactly once with Pool.Put.
type Buffer struct {
	B []byte

	pool     *Pool
	returned atomic.Bool
}

type Pool struct {
	size        int
	inner       sync.Pool
	outstanding atomic.Int64
}

func New(size int) *Pool {
	p := &Pool{size: size}
	p.inner.New = func() any {
		return make([]byte, size)
	}
	return p
}

// Default is shared by components that don't get a pool injected.
var Default = New(DefaultSize)

func (p *Pool) Size() int {
	return p.size
}

// Get takes a buffer from the pool.
func (p *Pool) Get() *Buffer {
	p.outstanding.Add(1)
	return &Buffer{
		B:    p.inner.Get().([]byte),
		pool: p,
	}
}

// Put returns a buffer to the pool. Returning a buffer twice, or to the
// wrong pool, panics: both are bugs in the caller.
func (p *Pool) Put(b *Buffer) {
	if b.pool != p {
		panic("bufpool: buffer returned to the wrong pool")
	}
	if !b.returned.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("bufpool: buffer of size %d returned twice", len(b.B)))
	}
	p.outstanding.Add(-1)
	p.inner.Put(b.B[:p.size])
	b.B = nil
}

// Outstanding returns the number of buffers taken and not returned yet.
// Tests check it drops back to zero once an operation completes.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}
