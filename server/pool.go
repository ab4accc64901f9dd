package server

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/user/ble-battery-server/wire"
	"github.com/user/ble-battery-server/wire/gatt"
)

// DefaultPoolBuffers bounds the response buffers in flight at once.
const DefaultPoolBuffers = 4

// BufferPool hands out fixed-size response buffers and counts the ones not
// yet returned.
type BufferPool struct {
	mu          sync.Mutex
	size        int
	limit       int
	free        [][]byte
	outstanding int
}

// Buffer is a response buffer on loan from a BufferPool.
type Buffer struct {
	B        []byte
	pool     *BufferPool
	released atomic.Bool
}

// NewBufferPool creates a pool of buffers of size bytes, at most limit of
// them outstanding.
func NewBufferPool(size, limit int) *BufferPool {
	if limit <= 0 {
		limit = DefaultPoolBuffers
	}
	return &BufferPool{size: size, limit: limit}
}

// Get lends a buffer with len n. It fails with ErrInsufficientResources when
// n is larger than the pool's buffers or every buffer is out.
func (p *BufferPool) Get(n int) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n > p.size {
		return nil, errors.Wrapf(gatt.ErrInsufficientResources, "buffer of %d bytes, pool holds %d", n, p.size)
	}
	if p.outstanding >= p.limit {
		return nil, errors.Wrapf(gatt.ErrInsufficientResources, "%d buffers outstanding", p.outstanding)
	}

	var b []byte
	if last := len(p.free) - 1; last >= 0 {
		b = p.free[last]
		p.free = p.free[:last]
	} else {
		b = make([]byte, p.size)
	}
	p.outstanding++
	return &Buffer{B: b[:n], pool: p}, nil
}

func (p *BufferPool) put(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding--
	p.free = append(p.free, b[:cap(b)])
}

// Outstanding returns the number of buffers not yet released.
func (p *BufferPool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// Release returns the buffer to its pool. Calls after the first do nothing.
func (b *Buffer) Release() {
	if !b.released.CompareAndSwap(false, true) {
		return
	}
	b.pool.put(b.B)
}

// ReleaseFunc is the buffer's release in the form the transport takes.
func (b *Buffer) ReleaseFunc() wire.ReleaseFunc {
	return b.Release
}
