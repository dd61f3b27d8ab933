package cuda

// CUDA backend for gosolve — implements backend.Backend.
//
// Architecture:
//   - Batched LU factorize/solve -> cublasSgetrfBatched / cublasSgetrsBatched
//   - Strided host<->device staging -> cublasSetMatrixAsync family
//   - Memory + streams -> CUDA Driver API via purego (zero cgo)
//
// Registration: import _ "github.com/djeday123/gosolve/backend/cuda"
// This triggers init() which calls backend.Register(&Backend{}).
// The backend is initialized lazily on first use.

import (
	"fmt"
	"sync"

	"github.com/djeday123/gosolve/backend"
)

// Backend implements backend.Backend for NVIDIA GPUs.
type Backend struct {
	mu          sync.Mutex
	initialized bool

	deviceIdx int
	device    int32
	ctx       uintptr
	info      *DeviceInfo

	cublas *CuBLASHandle
	pool   *Pool
}

func init() {
	// Only register if the CUDA driver is available.
	// This allows the binary to run on machines without NVIDIA GPUs.
	if err := initDriver(); err != nil {
		return // silently skip — CPU backend will be used
	}
	if r := cuInit(0); r != CUDA_SUCCESS {
		return // no CUDA devices
	}
	backend.Register(&Backend{})
}

func (b *Backend) Name() string                   { return "cuda" }
func (b *Backend) DeviceType() backend.DeviceType { return backend.CUDA }

// ensureInit performs lazy initialization on first use. Safe to call on
// every entry point; the accelerator context is created exactly once.
func (b *Backend) ensureInit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		cuCtxSetCurrent(b.ctx)
		return nil
	}

	// Get device
	if r := cuDeviceGet(&b.device, int32(b.deviceIdx)); r != CUDA_SUCCESS {
		return fmt.Errorf("cuDeviceGet(%d): %s", b.deviceIdx, r.Error())
	}

	// Create context
	if r := cuCtxCreate(&b.ctx, 0, b.device); r != CUDA_SUCCESS {
		return fmt.Errorf("cuCtxCreate: %s", r.Error())
	}

	// Query device info
	var err error
	b.info, err = QueryDevice(b.deviceIdx)
	if err != nil {
		return fmt.Errorf("QueryDevice: %w", err)
	}

	// Init cuBLAS
	b.cublas, err = NewCuBLASHandle()
	if err != nil {
		return fmt.Errorf("cuBLAS init: %w", err)
	}

	// Init memory pool
	b.pool = NewPool(backend.CUDADevice(b.deviceIdx))

	b.initialized = true
	fmt.Printf("[gosolve] CUDA backend initialized: %s\n", b.info)
	return nil
}

// devPtr extracts the raw device pointer (uintptr) from a Storage.
func devPtr(s backend.Storage) uintptr {
	if cs, ok := s.(*Storage); ok {
		return cs.DevicePtr()
	}
	return uintptr(s.Ptr())
}

// asStream extracts the CUDA stream from a backend.Stream.
func asStream(q backend.Stream) (*Stream, error) {
	cq, ok := q.(*Stream)
	if !ok {
		return nil, fmt.Errorf("cuda: stream belongs to a different backend")
	}
	return cq, nil
}

// ----------------------------------------------------------------
// Memory management
// ----------------------------------------------------------------

func (b *Backend) Alloc(byteLen int) (backend.Storage, error) {
	if err := b.ensureInit(); err != nil {
		return nil, err
	}
	return b.pool.Get(byteLen)
}

func (b *Backend) Free(s backend.Storage) {
	if cs, ok := s.(*Storage); ok {
		b.pool.Put(cs)
	}
}

func (b *Backend) NewStream() (backend.Stream, error) {
	if err := b.ensureInit(); err != nil {
		return nil, err
	}
	return NewStream()
}

// ----------------------------------------------------------------
// Data movement
// ----------------------------------------------------------------

func (b *Backend) SetMatrixAsync(rows, cols, elemSize int, src []byte, lda int, dst backend.Storage, ldda int, q backend.Stream) error {
	if err := b.ensureInit(); err != nil {
		return err
	}
	cq, err := asStream(q)
	if err != nil {
		return err
	}
	status := cublasSetMatrixAsync(int32(rows), int32(cols), int32(elemSize),
		hostPtr(src), int32(lda), devPtr(dst), int32(ldda), cq.Handle())
	if status != CUBLAS_STATUS_SUCCESS {
		return fmt.Errorf("cublasSetMatrixAsync: %s", status.Error())
	}
	cq.retain(src)
	return nil
}

func (b *Backend) GetMatrixAsync(rows, cols, elemSize int, src backend.Storage, ldda int, dst []byte, lda int, q backend.Stream) error {
	if err := b.ensureInit(); err != nil {
		return err
	}
	cq, err := asStream(q)
	if err != nil {
		return err
	}
	status := cublasGetMatrixAsync(int32(rows), int32(cols), int32(elemSize),
		devPtr(src), int32(ldda), hostPtr(dst), int32(lda), cq.Handle())
	if status != CUBLAS_STATUS_SUCCESS {
		return fmt.Errorf("cublasGetMatrixAsync: %s", status.Error())
	}
	cq.retain(dst)
	return nil
}

func (b *Backend) GetVectorAsync(n, elemSize int, src backend.Storage, dst []byte, q backend.Stream) error {
	if err := b.ensureInit(); err != nil {
		return err
	}
	cq, err := asStream(q)
	if err != nil {
		return err
	}
	status := cublasGetVectorAsync(int32(n), int32(elemSize),
		devPtr(src), 1, hostPtr(dst), 1, cq.Handle())
	if status != CUBLAS_STATUS_SUCCESS {
		return fmt.Errorf("cublasGetVectorAsync: %s", status.Error())
	}
	cq.retain(dst)
	return nil
}

// SetPointerArray materializes per-matrix base addresses on the device:
// entry i = base + offsetBytes + i*strideBytes. The entries are computed
// host-side and uploaded with one async copy on q; the staging slice is
// retained by the stream until its next Sync.
func (b *Backend) SetPointerArray(dst, base backend.Storage, offsetBytes, strideBytes, count int, q backend.Stream) error {
	if err := b.ensureInit(); err != nil {
		return err
	}
	cq, err := asStream(q)
	if err != nil {
		return err
	}
	cdst, ok := dst.(*Storage)
	if !ok {
		return fmt.Errorf("cuda: pointer array storage belongs to a different backend")
	}
	entries := make([]uint64, count)
	addr := uint64(devPtr(base)) + uint64(offsetBytes)
	for i := range entries {
		entries[i] = addr + uint64(i)*uint64(strideBytes)
	}
	return CopyHtoDAsync(cdst, u64Bytes(entries), cq)
}

// ----------------------------------------------------------------
// Batched kernels
// ----------------------------------------------------------------

// FactorizeBatched issues cublasSgetrfBatched on q. cuBLAS consumes the
// flat pivot buffer; the pointer-array view is for backends whose
// libraries want per-matrix pivot pointers.
func (b *Backend) FactorizeBatched(n int, aArray backend.Storage, ldda int, pivArray, pivots backend.Storage, infos backend.Storage, batch int, q backend.Stream) error {
	_ = pivArray
	if err := b.ensureInit(); err != nil {
		return err
	}
	cq, err := asStream(q)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.cublas.SetStream(cq.Handle()); err != nil {
		return err
	}
	return b.cublas.GetrfBatched(n, devPtr(aArray), ldda, devPtr(pivots), devPtr(infos), batch)
}

// SolveFactoredBatched issues cublasSgetrsBatched on q, overwriting B
// with the solution X.
func (b *Backend) SolveFactoredBatched(n, nrhs int, aArray backend.Storage, ldda int, pivArray, pivots backend.Storage, bArray backend.Storage, lddb int, batch int, q backend.Stream) error {
	_ = pivArray
	if err := b.ensureInit(); err != nil {
		return err
	}
	cq, err := asStream(q)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.cublas.SetStream(cq.Handle()); err != nil {
		return err
	}
	return b.cublas.GetrsBatched(n, nrhs, devPtr(aArray), ldda, devPtr(pivots), devPtr(bArray), lddb, batch)
}

// ----------------------------------------------------------------
// Shutdown
// ----------------------------------------------------------------

// Close releases all CUDA resources.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil
	}
	b.pool.FreeAll()
	b.cublas.Destroy()
	if b.ctx != 0 {
		cuCtxDestroy(b.ctx)
		b.ctx = 0
	}
	b.initialized = false
	return nil
}

// Info returns the device information (after init).
func (b *Backend) Info() *DeviceInfo {
	return b.info
}
