// Package pools holds the byte buffers streamed responses reuse between
// requests.
package pools

import (
	"sync"
	"sync/atomic"
)

// Buffer size tiers.
const (
	SmallBufferSize  = 2 * 1024
	MediumBufferSize = 8 * 1024
	LargeBufferSize  = 32 * 1024
)

// BufferPool hands out byte slices in three capacity tiers. Get returns a
// slice of length zero; callers that need a fixed-size scratch buffer
// reslice to its capacity.
type BufferPool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool

	gets   atomic.Uint64
	puts   atomic.Uint64
	misses atomic.Uint64
}

func NewBufferPool() *BufferPool {
	bp := &BufferPool{}
	bp.small.New = bp.alloc(SmallBufferSize)
	bp.medium.New = bp.alloc(MediumBufferSize)
	bp.large.New = bp.alloc(LargeBufferSize)
	return bp
}

func (bp *BufferPool) alloc(size int) func() any {
	return func() any {
		bp.misses.Add(1)
		buf := make([]byte, 0, size)
		return &buf
	}
}

// Get returns a buffer with at least size capacity, up to LargeBufferSize.
func (bp *BufferPool) Get(size int) *[]byte {
	bp.gets.Add(1)
	switch {
	case size <= SmallBufferSize:
		return bp.small.Get().(*[]byte)
	case size <= MediumBufferSize:
		return bp.medium.Get().(*[]byte)
	default:
		return bp.large.Get().(*[]byte)
	}
}

// Put returns buf to the tier matching its capacity. Buffers that grew
// past LargeBufferSize are dropped.
func (bp *BufferPool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	*buf = (*buf)[:0]
	switch c := cap(*buf); {
	case c > LargeBufferSize:
		return
	case c >= LargeBufferSize:
		bp.large.Put(buf)
	case c >= MediumBufferSize:
		bp.medium.Put(buf)
	case c >= SmallBufferSize:
		bp.small.Put(buf)
	default:
		return
	}
	bp.puts.Add(1)
}

// BufferStats are counters since creation. Misses count fresh allocations.
type BufferStats struct {
	Gets   uint64
	Puts   uint64
	Misses uint64
}

func (bp *BufferPool) Stats() BufferStats {
	return BufferStats{Gets: bp.gets.Load(), Puts: bp.puts.Load(), Misses: bp.misses.Load()}
}

var buffers = NewBufferPool()

// AcquireBuffer gets a buffer from the shared pool.
func AcquireBuffer(size int) *[]byte { return buffers.Get(size) }

// ReleaseBuffer returns a buffer to the shared pool.
func ReleaseBuffer(buf *[]byte) { buffers.Put(buf) }

func Stats() BufferStats { return buffers.Stats() }
