package cuda

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/djeday123/gosolve/backend"
)

// Storage represents a GPU memory buffer.
// Implements backend.Storage interface.
type Storage struct {
	ptr     uintptr // CUDA device pointer (not a Go pointer — just a numeric handle)
	byteLen int
	device  backend.Device
}

// Alloc allocates GPU memory.
func Alloc(byteLen int, dev backend.Device) (*Storage, error) {
	s := &Storage{byteLen: byteLen, device: dev}
	if r := cuMemAlloc(&s.ptr, uint64(byteLen)); r != CUDA_SUCCESS {
		return nil, fmt.Errorf("cuMemAlloc(%d bytes): %s", byteLen, r.Error())
	}
	return s, nil
}

func (s *Storage) Device() backend.Device { return s.device }
func (s *Storage) Ptr() unsafe.Pointer    { return unsafe.Pointer(s.ptr) }
func (s *Storage) Bytes() []byte          { return nil } // GPU memory — no direct access
func (s *Storage) ByteLen() int           { return s.byteLen }

func (s *Storage) Free() {
	if s.ptr != 0 {
		cuMemFree(s.ptr)
		s.ptr = 0
	}
}

// DevicePtr returns the raw uintptr for CUDA API calls.
func (s *Storage) DevicePtr() uintptr { return s.ptr }

// hostPtr returns the base address of a host slice for FFI calls.
func hostPtr(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}

// u64Bytes views a []uint64 as raw bytes without copying.
func u64Bytes(v []uint64) []byte {
	if len(v) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*8)
}

// ──────────────────────────────────────────────────────────
// Streams
// ──────────────────────────────────────────────────────────

// Stream wraps one CUDA stream. Host buffers handed to async copies are
// retained on the stream until the next Sync so the GC cannot reclaim
// them while the DMA engine still reads from them.
type Stream struct {
	hstream uintptr

	mu   sync.Mutex
	held []any
}

// NewStream creates a non-blocking CUDA stream.
func NewStream() (*Stream, error) {
	q := &Stream{}
	if r := cuStreamCreate(&q.hstream, CU_STREAM_NON_BLOCKING); r != CUDA_SUCCESS {
		return nil, fmt.Errorf("cuStreamCreate: %s", r.Error())
	}
	return q, nil
}

// Handle returns the raw cudaStream_t for CUDA API calls.
func (q *Stream) Handle() uintptr { return q.hstream }

func (q *Stream) retain(buf any) {
	q.mu.Lock()
	q.held = append(q.held, buf)
	q.mu.Unlock()
}

// Sync blocks until all work issued on the stream has completed.
func (q *Stream) Sync() error {
	r := cuStreamSynchronize(q.hstream)
	q.mu.Lock()
	q.held = nil
	q.mu.Unlock()
	if r != CUDA_SUCCESS {
		return fmt.Errorf("cuStreamSynchronize: %s", r.Error())
	}
	return nil
}

// Destroy releases the stream.
func (q *Stream) Destroy() {
	if q.hstream != 0 {
		cuStreamDestroy(q.hstream)
		q.hstream = 0
	}
	q.mu.Lock()
	q.held = nil
	q.mu.Unlock()
}

// CopyHtoDAsync copies from host (Go slice) to device on a stream.
func CopyHtoDAsync(dst *Storage, src []byte, q *Stream) error {
	if len(src) > dst.byteLen {
		return fmt.Errorf("CopyHtoDAsync: src (%d) > dst (%d)", len(src), dst.byteLen)
	}
	r := cuMemcpyHtoDAsync(dst.ptr, unsafe.Pointer(&src[0]), uint64(len(src)), q.hstream)
	if r != CUDA_SUCCESS {
		return fmt.Errorf("cuMemcpyHtoDAsync: %s", r.Error())
	}
	q.retain(src)
	return nil
}

// CopyDtoHAsync copies from device to host (Go slice) on a stream.
func CopyDtoHAsync(dst []byte, src *Storage, q *Stream) error {
	if len(dst) < src.byteLen {
		return fmt.Errorf("CopyDtoHAsync: dst (%d) < src (%d)", len(dst), src.byteLen)
	}
	r := cuMemcpyDtoHAsync(unsafe.Pointer(&dst[0]), src.ptr, uint64(src.byteLen), q.hstream)
	if r != CUDA_SUCCESS {
		return fmt.Errorf("cuMemcpyDtoHAsync: %s", r.Error())
	}
	q.retain(dst)
	return nil
}
