package cuda

// cuBLAS bindings via purego.
//
// The solver needs the strided async transfer helpers plus the two
// batched LAPACK-style kernels:
//   - cublasSetMatrixAsync / cublasGetMatrixAsync / cublasGetVectorAsync
//   - cublasSgetrfBatched (LU with partial pivoting, per-matrix info)
//   - cublasSgetrsBatched (triangular solve with the computed factors)
//
// The batched kernels take device arrays of per-matrix base pointers for
// A and B, and a flat device int array for the pivots.

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// cuBLAS types
type cublasHandle uintptr
type cublasStatus int32

const (
	CUBLAS_STATUS_SUCCESS          cublasStatus = 0
	CUBLAS_STATUS_NOT_INITIALIZED  cublasStatus = 1
	CUBLAS_STATUS_ALLOC_FAILED     cublasStatus = 3
	CUBLAS_STATUS_INVALID_VALUE    cublasStatus = 7
	CUBLAS_STATUS_ARCH_MISMATCH    cublasStatus = 8
	CUBLAS_STATUS_EXECUTION_FAILED cublasStatus = 13
	CUBLAS_STATUS_INTERNAL_ERROR   cublasStatus = 14
	CUBLAS_STATUS_NOT_SUPPORTED    cublasStatus = 15
)

func (s cublasStatus) Error() string {
	names := map[cublasStatus]string{
		0: "SUCCESS", 1: "NOT_INITIALIZED", 3: "ALLOC_FAILED",
		7: "INVALID_VALUE", 8: "ARCH_MISMATCH", 13: "EXECUTION_FAILED",
		14: "INTERNAL_ERROR", 15: "NOT_SUPPORTED",
	}
	if name, ok := names[s]; ok {
		return fmt.Sprintf("CUBLAS_STATUS_%s", name)
	}
	return fmt.Sprintf("CUBLAS_ERROR(%d)", s)
}

// cuBLAS enums
type cublasOperation int32

const (
	CUBLAS_OP_N cublasOperation = 0
	CUBLAS_OP_T cublasOperation = 1
)

// -- Function pointers --

var (
	cublasOnce sync.Once
	cublasErr  error

	cublasCreate_v2    func(handle *cublasHandle) cublasStatus
	cublasDestroy_v2   func(handle cublasHandle) cublasStatus
	cublasSetStream_v2 func(handle cublasHandle, stream uintptr) cublasStatus

	cublasSetMatrixAsync func(
		rows, cols, elemSize int32,
		A unsafe.Pointer, lda int32,
		B uintptr, ldb int32,
		stream uintptr,
	) cublasStatus

	cublasGetMatrixAsync func(
		rows, cols, elemSize int32,
		A uintptr, lda int32,
		B unsafe.Pointer, ldb int32,
		stream uintptr,
	) cublasStatus

	cublasGetVectorAsync func(
		n, elemSize int32,
		x uintptr, incx int32,
		y unsafe.Pointer, incy int32,
		stream uintptr,
	) cublasStatus

	cublasSgetrfBatched func(
		handle cublasHandle,
		n int32,
		aArray uintptr, lda int32,
		pivotArray uintptr,
		infoArray uintptr,
		batchSize int32,
	) cublasStatus

	cublasSgetrsBatched func(
		handle cublasHandle,
		trans cublasOperation,
		n, nrhs int32,
		aArray uintptr, lda int32,
		devIpiv uintptr,
		bArray uintptr, ldb int32,
		info *int32,
		batchSize int32,
	) cublasStatus
)

func initCuBLAS() error {
	cublasOnce.Do(func() {
		var lib uintptr
		lib, cublasErr = purego.Dlopen("libcublas.so.12", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
		if cublasErr != nil {
			lib, cublasErr = purego.Dlopen("libcublas.so.11", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
			if cublasErr != nil {
				lib, cublasErr = purego.Dlopen("libcublas.so", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
				if cublasErr != nil {
					cublasErr = fmt.Errorf("cannot load libcublas.so: %w", cublasErr)
					return
				}
			}
		}

		purego.RegisterLibFunc(&cublasCreate_v2, lib, "cublasCreate_v2")
		purego.RegisterLibFunc(&cublasDestroy_v2, lib, "cublasDestroy_v2")
		purego.RegisterLibFunc(&cublasSetStream_v2, lib, "cublasSetStream_v2")
		purego.RegisterLibFunc(&cublasSetMatrixAsync, lib, "cublasSetMatrixAsync")
		purego.RegisterLibFunc(&cublasGetMatrixAsync, lib, "cublasGetMatrixAsync")
		purego.RegisterLibFunc(&cublasGetVectorAsync, lib, "cublasGetVectorAsync")
		purego.RegisterLibFunc(&cublasSgetrfBatched, lib, "cublasSgetrfBatched")
		purego.RegisterLibFunc(&cublasSgetrsBatched, lib, "cublasSgetrsBatched")
	})
	return cublasErr
}

// -- Handle --

type CuBLASHandle struct {
	handle cublasHandle
}

func NewCuBLASHandle() (*CuBLASHandle, error) {
	if err := initCuBLAS(); err != nil {
		return nil, err
	}
	h := &CuBLASHandle{}
	status := cublasCreate_v2(&h.handle)
	if status != CUBLAS_STATUS_SUCCESS {
		return nil, fmt.Errorf("cublasCreate: %s", status.Error())
	}
	return h, nil
}

func (h *CuBLASHandle) SetStream(stream uintptr) error {
	status := cublasSetStream_v2(h.handle, stream)
	if status != CUBLAS_STATUS_SUCCESS {
		return fmt.Errorf("cublasSetStream: %s", status.Error())
	}
	return nil
}

func (h *CuBLASHandle) Destroy() {
	if h.handle != 0 {
		cublasDestroy_v2(h.handle)
		h.handle = 0
	}
}

// GetrfBatched runs cublasSgetrfBatched on the given pointer array.
// aArray is a device array of batch device pointers, pivots is a flat
// device int32 buffer of n*batch entries, infos a flat device int32
// buffer of batch entries.
func (h *CuBLASHandle) GetrfBatched(n int, aArray uintptr, lda int, pivots, infos uintptr, batch int) error {
	status := cublasSgetrfBatched(h.handle, int32(n), aArray, int32(lda), pivots, infos, int32(batch))
	if status != CUBLAS_STATUS_SUCCESS {
		return fmt.Errorf("cublasSgetrfBatched: %s", status.Error())
	}
	return nil
}

// GetrsBatched runs cublasSgetrsBatched using previously computed
// factors and pivots, overwriting B with X. The host-side info out
// parameter reports argument errors of the call itself.
func (h *CuBLASHandle) GetrsBatched(n, nrhs int, aArray uintptr, lda int, pivots, bArray uintptr, ldb int, batch int) error {
	var info int32
	status := cublasSgetrsBatched(h.handle, CUBLAS_OP_N, int32(n), int32(nrhs),
		aArray, int32(lda), pivots, bArray, int32(ldb), &info, int32(batch))
	if status != CUBLAS_STATUS_SUCCESS {
		return fmt.Errorf("cublasSgetrsBatched: %s", status.Error())
	}
	if info != 0 {
		return fmt.Errorf("cublasSgetrsBatched: argument %d had an illegal value", -info)
	}
	return nil
}
