package optimize

import (
	"sync"
)

// BytePool hands out fixed-size byte slices, used for RTP read buffers.
type BytePool struct {
	pool sync.Pool
	size int
}

func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

func (p *BytePool) Size() int {
	return p.size
}

// Get returns a slice of len Size. Its contents are undefined.
func (p *BytePool) Get() []byte {
	return *(p.pool.Get().(*[]byte))
}

// Put returns b to the pool. Slices smaller than Size are discarded.
func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}
