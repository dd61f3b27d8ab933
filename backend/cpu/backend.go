package cpu

// CPU reference backend for gosolve — implements backend.Backend on host
// memory. "Device" buffers are Go slices, streams are serial worker
// queues, and the batched LU kernels run on gonum's LAPACK port. The
// orchestration layer sees the exact same asynchronous surface as the
// CUDA backend, which is what makes it testable without a GPU.
//
// Registration: import _ "github.com/djeday123/gosolve/backend/cpu"

import (
	"fmt"
	"unsafe"

	"github.com/djeday123/gosolve/backend"
)

// Backend implements backend.Backend on the host.
type Backend struct{}

func init() {
	backend.Register(&Backend{})
}

func New() *Backend { return &Backend{} }

func (b *Backend) Name() string                   { return "cpu" }
func (b *Backend) DeviceType() backend.DeviceType { return backend.CPU }

func (b *Backend) Alloc(byteLen int) (backend.Storage, error) {
	return Alloc(byteLen), nil
}

func (b *Backend) Free(s backend.Storage) {
	if cs, ok := s.(*Storage); ok {
		cs.Free()
	}
}

func (b *Backend) NewStream() (backend.Stream, error) {
	return newQueue(), nil
}

// asQueue extracts the serial queue from a backend.Stream.
func asQueue(q backend.Stream) (*queue, error) {
	cq, ok := q.(*queue)
	if !ok {
		return nil, fmt.Errorf("cpu: stream belongs to a different backend")
	}
	return cq, nil
}

func asStorage(s backend.Storage, what string) (*Storage, error) {
	cs, ok := s.(*Storage)
	if !ok {
		return nil, fmt.Errorf("cpu: %s storage belongs to a different backend", what)
	}
	return cs, nil
}

// ----------------------------------------------------------------
// Data movement
// ----------------------------------------------------------------

func (b *Backend) SetMatrixAsync(rows, cols, elemSize int, src []byte, lda int, dst backend.Storage, ldda int, q backend.Stream) error {
	cq, err := asQueue(q)
	if err != nil {
		return err
	}
	cdst, err := asStorage(dst, "matrix")
	if err != nil {
		return err
	}
	if len(src) < ((cols-1)*lda+rows)*elemSize {
		return fmt.Errorf("cpu: SetMatrixAsync: src too short (%d bytes for %dx%d, lda %d)", len(src), rows, cols, lda)
	}
	return cq.enqueue(func() error {
		return copyStrided(cdst.data, ldda, src, lda, rows, cols, elemSize)
	})
}

func (b *Backend) GetMatrixAsync(rows, cols, elemSize int, src backend.Storage, ldda int, dst []byte, lda int, q backend.Stream) error {
	cq, err := asQueue(q)
	if err != nil {
		return err
	}
	csrc, err := asStorage(src, "matrix")
	if err != nil {
		return err
	}
	if len(dst) < ((cols-1)*lda+rows)*elemSize {
		return fmt.Errorf("cpu: GetMatrixAsync: dst too short (%d bytes for %dx%d, lda %d)", len(dst), rows, cols, lda)
	}
	return cq.enqueue(func() error {
		return copyStrided(dst, lda, csrc.data, ldda, rows, cols, elemSize)
	})
}

func (b *Backend) GetVectorAsync(n, elemSize int, src backend.Storage, dst []byte, q backend.Stream) error {
	cq, err := asQueue(q)
	if err != nil {
		return err
	}
	csrc, err := asStorage(src, "vector")
	if err != nil {
		return err
	}
	if len(dst) < n*elemSize {
		return fmt.Errorf("cpu: GetVectorAsync: dst too short (%d bytes for %d elements)", len(dst), n)
	}
	return cq.enqueue(func() error {
		copy(dst[:n*elemSize], csrc.data)
		return nil
	})
}

// copyStrided moves a rows x cols column-major matrix between two flat
// buffers with different leading dimensions.
func copyStrided(dst []byte, lddst int, src []byte, ldsrc int, rows, cols, elemSize int) error {
	if needed := ((cols-1)*lddst + rows) * elemSize; len(dst) < needed {
		return fmt.Errorf("cpu: strided copy: dst too short (%d < %d)", len(dst), needed)
	}
	colBytes := rows * elemSize
	for c := 0; c < cols; c++ {
		copy(dst[c*lddst*elemSize:c*lddst*elemSize+colBytes], src[c*ldsrc*elemSize:])
	}
	return nil
}

// ----------------------------------------------------------------
// Pointer arrays
// ----------------------------------------------------------------

func (b *Backend) SetPointerArray(dst, base backend.Storage, offsetBytes, strideBytes, count int, q backend.Stream) error {
	cq, err := asQueue(q)
	if err != nil {
		return err
	}
	cdst, err := asStorage(dst, "pointer array")
	if err != nil {
		return err
	}
	cbase, err := asStorage(base, "pointer array base")
	if err != nil {
		return err
	}
	if cdst.ByteLen() < count*backend.PtrSize {
		return fmt.Errorf("cpu: pointer array storage too short (%d bytes for %d entries)", cdst.ByteLen(), count)
	}
	return cq.enqueue(func() error {
		entries := u64Entries(cdst, count)
		addr := uint64(uintptr(cbase.Ptr())) + uint64(offsetBytes)
		for i := range entries {
			entries[i] = addr + uint64(i)*uint64(strideBytes)
		}
		return nil
	})
}

// u64Entries views a pointer-array storage as its 64-bit entries.
func u64Entries(s *Storage, count int) []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(&s.data[0])), count)
}

// i32Entries views a flat int32 storage (pivots, infos).
func i32Entries(s *Storage, count int) []int32 {
	return unsafe.Slice((*int32)(unsafe.Pointer(&s.data[0])), count)
}

// ----------------------------------------------------------------
// Batched kernels
// ----------------------------------------------------------------

func (b *Backend) FactorizeBatched(n int, aArray backend.Storage, ldda int, pivArray, pivots backend.Storage, infos backend.Storage, batch int, q backend.Stream) error {
	_ = pivots // the flat buffer is addressed through pivArray here
	cq, err := asQueue(q)
	if err != nil {
		return err
	}
	ca, err := asStorage(aArray, "A pointer array")
	if err != nil {
		return err
	}
	cp, err := asStorage(pivArray, "pivot pointer array")
	if err != nil {
		return err
	}
	ci, err := asStorage(infos, "info")
	if err != nil {
		return err
	}
	return cq.enqueue(func() error {
		return getrfBatch(n, ca, ldda, cp, ci, batch)
	})
}

func (b *Backend) SolveFactoredBatched(n, nrhs int, aArray backend.Storage, ldda int, pivArray, pivots backend.Storage, bArray backend.Storage, lddb int, batch int, q backend.Stream) error {
	_ = pivots
	cq, err := asQueue(q)
	if err != nil {
		return err
	}
	ca, err := asStorage(aArray, "A pointer array")
	if err != nil {
		return err
	}
	cp, err := asStorage(pivArray, "pivot pointer array")
	if err != nil {
		return err
	}
	cb, err := asStorage(bArray, "B pointer array")
	if err != nil {
		return err
	}
	return cq.enqueue(func() error {
		return getrsBatch(n, nrhs, ca, ldda, cp, cb, lddb, batch)
	})
}
