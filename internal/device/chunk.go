package device

import "sync/atomic"

// Chunk is an immutable, reference-counted burst of device bytes produced
// by one ReadChunk call. The broadcast engine shares a single Chunk across
// every sink at the moment of fan-out; the backing array returns to the
// pool once the last holder releases it.
type Chunk struct {
	data []byte
	refs atomic.Int32
	pool *chunkPool
}

// Bytes returns the chunk's payload. The slice must not be mutated or
// retained past Release.
func (c *Chunk) Bytes() []byte {
	return c.data
}

// Len returns len(c.Bytes()).
func (c *Chunk) Len() int {
	return len(c.data)
}

// Retain adds one holder. Call once per sink the chunk is handed to,
// before the chunk can be concurrently released by another holder.
func (c *Chunk) Retain() {
	c.refs.Add(1)
}

// Release drops one holder. The backing buffer is returned to the pool
// when the last holder releases.
func (c *Chunk) Release() {
	if c.refs.Add(-1) == 0 && c.pool != nil {
		c.pool.put(c.data)
	}
}

// chunkPool recycles the byte slices backing Chunks so that a steady
// stream of device reads doesn't churn the allocator.
type chunkPool struct {
	cap int
	ch  chan []byte
}

func newChunkPool(capacity int) *chunkPool {
	return &chunkPool{
		cap: capacity,
		ch:  make(chan []byte, 64),
	}
}

func (p *chunkPool) get() []byte {
	select {
	case b := <-p.ch:
		return b[:p.cap]
	default:
		return make([]byte, p.cap)
	}
}

func (p *chunkPool) put(b []byte) {
	if cap(b) < p.cap {
		return
	}
	select {
	case p.ch <- b[:p.cap]:
	default:
	}
}

// newChunk wraps data (a slice obtained from pool.get(), truncated to the
// number of bytes actually read) with a single initial reference — the
// caller's own, before it has been handed to any sink.
func newChunk(pool *chunkPool, data []byte) *Chunk {
	c := &Chunk{data: data, pool: pool}
	c.refs.Store(1)
	return c
}

// NewChunk wraps a standalone byte slice as a Chunk with no backing pool —
// Release still decrements the refcount correctly, it simply never recycles
// the buffer. Used by tests and by callers outside this package (e.g. a
// fake device source) that need to hand the broadcast engine a Chunk
// without going through a real Manager.
func NewChunk(data []byte) *Chunk {
	return newChunk(nil, data)
}
