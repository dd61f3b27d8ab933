package solver

import (
	"fmt"
	"unsafe"

	"github.com/djeday123/gosolve/backend"
)

// elemSize is the width of one float32 element; pivots and statuses are
// int32 and share it.
const elemSize = 4

// Roundup rounds x up to a multiple of quantum.
func Roundup(x, quantum int) int {
	return ((x + quantum - 1) / quantum) * quantum
}

// staging owns every buffer and stream acquired for one solve call.
// Whatever stage managed to allocate before a failure is released by
// release(); the caller defers release() so the same teardown runs on
// every exit path.
type staging struct {
	be backend.Backend

	dA    backend.Storage // ldda x n x batch, column-major
	dB    backend.Storage // lddb x nrhs x batch, column-major
	dPiv  backend.Storage // n x batch int32
	dInfo backend.Storage // batch int32

	dAarray   backend.Storage // batch device pointers into dA
	dBarray   backend.Storage // batch device pointers into dB
	dPivArray backend.Storage // batch device pointers into dPiv

	bufs    []backend.Storage
	streams []backend.Stream
}

func (s *Solver) stage(n, nrhs, batch, ldda, lddb int) (*staging, error) {
	st := &staging{be: s.be}

	allocs := []struct {
		dst   *backend.Storage
		what  string
		bytes int
	}{
		{&st.dA, "A", ldda * n * batch * elemSize},
		{&st.dB, "B", lddb * nrhs * batch * elemSize},
		{&st.dPiv, "pivots", n * batch * elemSize},
		{&st.dInfo, "info", batch * elemSize},
		{&st.dAarray, "A pointer array", batch * backend.PtrSize},
		{&st.dBarray, "B pointer array", batch * backend.PtrSize},
		{&st.dPivArray, "pivot pointer array", batch * backend.PtrSize},
	}
	for _, a := range allocs {
		buf, err := st.be.Alloc(a.bytes)
		if err != nil {
			st.release()
			return nil, fmt.Errorf("staging %s (%d bytes): %w", a.what, a.bytes, err)
		}
		st.bufs = append(st.bufs, buf)
		*a.dst = buf
	}

	for i := 0; i < s.opt.Streams; i++ {
		q, err := st.be.NewStream()
		if err != nil {
			st.release()
			return nil, fmt.Errorf("staging stream %d: %w", i, err)
		}
		st.streams = append(st.streams, q)
	}
	return st, nil
}

// release frees everything stage acquired. Idempotent, runs on success
// and on every failure branch alike.
func (st *staging) release() {
	for _, q := range st.streams {
		q.Destroy()
	}
	for _, b := range st.bufs {
		st.be.Free(b)
	}
	st.streams = nil
	st.bufs = nil
}

// f32Bytes views a float32 slice as raw bytes without copying.
func f32Bytes(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*elemSize)
}

// infoBytes views an Info slice as raw bytes without copying.
func infoBytes(v []Info) []byte {
	if len(v) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*elemSize)
}
