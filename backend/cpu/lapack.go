package cpu

// Batched LU kernels on host memory, one matrix per goroutine, built on
// gonum's LAPACK port. Buffers are float32 column-major with a padded
// leading dimension (the accelerator layout); gonum works in float64
// row-major, so each matrix is promoted and re-laid out around the
// Getrf/Getrs calls. Per-matrix status follows the LAPACK info
// convention: 0 ok, i > 0 means U(i,i) is exactly zero.

import (
	"runtime"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/lapack/lapack64"
)

// f32At views ldda*n float32s at a raw address taken from a pointer
// array. The address always points into a live Storage held by the
// in-flight call.
func f32At(addr uint64, n int) []float32 {
	return unsafe.Slice((*float32)(unsafe.Pointer(uintptr(addr))), n)
}

func i32At(addr uint64, n int) []int32 {
	return unsafe.Slice((*int32)(unsafe.Pointer(uintptr(addr))), n)
}

// getrfBatch factorizes batch matrices addressed by aArray, writing
// 1-indexed pivots through pivArray and per-matrix status into infos.
func getrfBatch(n int, aArray *Storage, ldda int, pivArray *Storage, infos *Storage, batch int) error {
	aPtrs := u64Entries(aArray, batch)
	pivPtrs := u64Entries(pivArray, batch)
	inf := i32Entries(infos, batch)

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < batch; i++ {
		i := i
		g.Go(func() error {
			a := f32At(aPtrs[i], ldda*n)
			piv := i32At(pivPtrs[i], n)
			inf[i] = factorize(n, a, ldda, piv)
			return nil
		})
	}
	return g.Wait()
}

// factorize runs LU with partial pivoting on one padded column-major
// matrix in place and returns its LAPACK-style info.
func factorize(n int, a []float32, ldda int, piv []int32) int32 {
	a64 := toRowMajor(a, n, n, ldda)
	ipiv := make([]int, n)
	lu := blas64.General{Rows: n, Cols: n, Stride: n, Data: a64}
	ok := lapack64.Getrf(lu, ipiv)

	fromRowMajor(a, a64, n, n, ldda)
	for j := 0; j < n; j++ {
		piv[j] = int32(ipiv[j] + 1)
	}
	if !ok {
		for j := 0; j < n; j++ {
			if a64[j*n+j] == 0 {
				return int32(j + 1)
			}
		}
	}
	return 0
}

// getrsBatch solves batch systems using the factors and pivots from
// getrfBatch, overwriting each B with X.
func getrsBatch(n, nrhs int, aArray *Storage, ldda int, pivArray *Storage, bArray *Storage, lddb int, batch int) error {
	aPtrs := u64Entries(aArray, batch)
	pivPtrs := u64Entries(pivArray, batch)
	bPtrs := u64Entries(bArray, batch)

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < batch; i++ {
		i := i
		g.Go(func() error {
			a := f32At(aPtrs[i], ldda*n)
			bm := f32At(bPtrs[i], lddb*nrhs)
			piv := i32At(pivPtrs[i], n)

			a64 := toRowMajor(a, n, n, ldda)
			b64 := toRowMajor(bm, n, nrhs, lddb)
			ipiv := make([]int, n)
			for j := range ipiv {
				ipiv[j] = int(piv[j] - 1)
			}
			lu := blas64.General{Rows: n, Cols: n, Stride: n, Data: a64}
			rhs := blas64.General{Rows: n, Cols: nrhs, Stride: nrhs, Data: b64}
			lapack64.Getrs(blas.NoTrans, lu, rhs, ipiv)
			fromRowMajor(bm, b64, n, nrhs, lddb)
			return nil
		})
	}
	return g.Wait()
}

// toRowMajor promotes a rows x cols column-major float32 matrix with
// leading dimension ld to a tight row-major float64 copy.
func toRowMajor(a []float32, rows, cols, ld int) []float64 {
	out := make([]float64, rows*cols)
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			out[r*cols+c] = float64(a[c*ld+r])
		}
	}
	return out
}

// fromRowMajor writes a tight row-major float64 matrix back into a
// column-major float32 buffer with leading dimension ld.
func fromRowMajor(a []float32, src []float64, rows, cols, ld int) {
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			a[c*ld+r] = float32(src[r*cols+c])
		}
	}
}
