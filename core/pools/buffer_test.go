package pools

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferTiers(t *testing.T) {
	bp := NewBufferPool()
	for _, tc := range []struct {
		size, capacity int
	}{
		{10, SmallBufferSize},
		{SmallBufferSize + 1, MediumBufferSize},
		{MediumBufferSize + 1, LargeBufferSize},
		{1 << 20, LargeBufferSize},
	} {
		buf := bp.Get(tc.size)
		assert.Zero(t, len(*buf))
		assert.Equal(t, tc.capacity, cap(*buf), tc.size)
		bp.Put(buf)
	}
	s := bp.Stats()
	assert.EqualValues(t, 4, s.Gets)
	assert.EqualValues(t, 4, s.Puts)
}

func TestPutDropsForeignBuffers(t *testing.T) {
	bp := NewBufferPool()
	grown := make([]byte, 0, LargeBufferSize*2)
	bp.Put(&grown)
	tiny := make([]byte, 0, 16)
	bp.Put(&tiny)
	bp.Put(nil)
	assert.Zero(t, bp.Stats().Puts)
}

func TestPutResetsLength(t *testing.T) {
	buf := AcquireBuffer(100)
	*buf = append(*buf, "hello"...)
	ReleaseBuffer(buf)
	assert.Zero(t, len(*buf))
}

func BenchmarkAcquireRelease(b *testing.B) {
	for b.Loop() {
		buf := AcquireBuffer(MediumBufferSize)
		*buf = append(*buf, 'x')
		ReleaseBuffer(buf)
	}
}
