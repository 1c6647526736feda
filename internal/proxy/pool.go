package proxy

import (
	"net/http/httputil"
	"sync"
)

const (
	relayBufferSize    = 32 * 1024
	datagramBufferSize = 64 * 1024
)

// bufferPool recycles fixed-size read buffers. A buffer handed to Put must
// not be used by the caller afterwards.
type bufferPool struct {
	size int
	pool sync.Pool
}

var _ httputil.BufferPool = (*bufferPool)(nil)

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

func (p *bufferPool) Get() []byte {
	return *p.pool.Get().(*[]byte)
}

func (p *bufferPool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}

var (
	relayBuffers    = newBufferPool(relayBufferSize)
	datagramBuffers = newBufferPool(datagramBufferSize)
)
