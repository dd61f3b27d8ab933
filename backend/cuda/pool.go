package cuda

// Pool caches freed GPU memory buffers by size for reuse.
//
// Every solve stages the same handful of buffer shapes (A, B, pivots,
// infos, three pointer arrays), so a caller looping over timesteps would
// otherwise pay cuMemAlloc/cuMemFree for identical sizes on every call.
// The pool recycles them: the solver still acquires and releases per
// call, the pool just keeps the driver out of the hot path.
//
// Buckets are keyed by 256-byte-aligned size. Thread-safe via mutex.

import (
	"sync"

	"github.com/djeday123/gosolve/backend"
)

type Pool struct {
	mu      sync.Mutex
	device  backend.Device
	buckets map[int][]*Storage // aligned size -> available buffers
	stats   PoolStats
}

type PoolStats struct {
	Hits       int64 // reused from pool
	Misses     int64 // new allocation
	AllocBytes int64 // total allocated
	FreeBytes  int64 // total freed
	PoolSize   int   // current buffers in pool
}

func NewPool(dev backend.Device) *Pool {
	return &Pool{
		device:  dev,
		buckets: make(map[int][]*Storage),
	}
}

// alignSize rounds up to a 256-byte boundary so similar-but-not-identical
// staging sizes land in the same bucket.
func alignSize(byteLen int) int {
	return ((byteLen + 255) / 256) * 256
}

// Get returns a buffer of at least byteLen bytes, reusing a cached one
// when a matching bucket has any.
func (p *Pool) Get(byteLen int) (*Storage, error) {
	aligned := alignSize(byteLen)

	p.mu.Lock()
	if bufs, ok := p.buckets[aligned]; ok && len(bufs) > 0 {
		s := bufs[len(bufs)-1]
		p.buckets[aligned] = bufs[:len(bufs)-1]
		p.stats.Hits++
		p.stats.PoolSize--
		p.mu.Unlock()
		return s, nil
	}
	p.stats.Misses++
	p.mu.Unlock()

	// Cache miss — allocate new GPU memory
	s, err := Alloc(aligned, p.device)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.stats.AllocBytes += int64(aligned)
	p.mu.Unlock()
	return s, nil
}

// Put returns a buffer to the pool for reuse.
// The buffer is NOT freed — it stays allocated on GPU for next Get().
//
// Only aligned-size buffers are cached: Get probes buckets keyed by
// alignSize, and caching a shorter buffer under that key would hand it
// out for requests it cannot hold. Buffers allocated outside the pool
// with unaligned sizes go straight back to the driver.
func (p *Pool) Put(s *Storage) {
	if s == nil || s.ptr == 0 {
		return
	}
	if s.byteLen != alignSize(s.byteLen) {
		p.mu.Lock()
		p.stats.FreeBytes += int64(s.byteLen)
		p.mu.Unlock()
		s.Free()
		return
	}
	p.mu.Lock()
	p.buckets[s.byteLen] = append(p.buckets[s.byteLen], s)
	p.stats.PoolSize++
	p.mu.Unlock()
}

// FreeAll releases all cached buffers back to the GPU driver.
// Call at shutdown.
func (p *Pool) FreeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for size, bufs := range p.buckets {
		for _, s := range bufs {
			p.stats.FreeBytes += int64(s.byteLen)
			p.stats.PoolSize--
			s.Free()
		}
		delete(p.buckets, size)
	}
}

// Stats returns current pool statistics (thread-safe snapshot).
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
