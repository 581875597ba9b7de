// Package bufpool keeps freelists of pixel buffers keyed by exact size.
package bufpool

import "sync"

const DefaultPerSizeLimit = 32

type Pool struct {
	mx    *sync.Mutex
	free  map[int][][]byte
	limit int
}

func New(perSizeLimit int) *Pool {
	if perSizeLimit <= 0 {
		perSizeLimit = DefaultPerSizeLimit
	}
	return &Pool{
		mx:    &sync.Mutex{},
		free:  make(map[int][][]byte),
		limit: perSizeLimit,
	}
}

// Get returns a buffer of exactly size bytes. Contents are not zeroed.
func (p *Pool) Get(size int) []byte {
	p.mx.Lock()
	defer p.mx.Unlock()

	list := p.free[size]
	if n := len(list); n > 0 {
		buf := list[n-1]
		list[n-1] = nil
		p.free[size] = list[:n-1]
		return buf
	}
	return make([]byte, size)
}

// Put hands buf back. Buffers beyond the per-size limit are left to the GC.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	size := len(buf)

	p.mx.Lock()
	defer p.mx.Unlock()

	list := p.free[size]
	if len(list) < p.limit {
		p.free[size] = append(list, buf)
	}
}

// Idle reports how many buffers of the given size are waiting for reuse.
func (p *Pool) Idle(size int) int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return len(p.free[size])
}
