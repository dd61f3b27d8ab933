package cpu

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djeday123/gosolve/backend"
)

// f32bytes views a float32 slice as raw bytes.
func f32bytes(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*4)
}

// sliceAt returns a view into a host storage at a byte offset, standing
// in for pointer arithmetic on a device buffer.
func sliceAt(s backend.Storage, off int) backend.Storage {
	cs := s.(*Storage)
	return &Storage{data: cs.data[off:], device: cs.device}
}

func TestQueueIssueOrder(t *testing.T) {
	q := newQueue()
	defer q.Destroy()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, q.enqueue(func() error {
			got = append(got, i)
			return nil
		}))
	}
	require.NoError(t, q.Sync())
	require.Len(t, got, 100)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestQueuePoisonsOnError(t *testing.T) {
	q := newQueue()
	defer q.Destroy()

	boom := errors.New("boom")
	ran := false
	require.NoError(t, q.enqueue(func() error { return boom }))
	require.NoError(t, q.enqueue(func() error { ran = true; return nil }))

	assert.ErrorIs(t, q.Sync(), boom)
	assert.False(t, ran, "work after a failed op must be skipped")
	// The error stays sticky on later syncs, like a poisoned stream.
	assert.ErrorIs(t, q.Sync(), boom)
}

func TestQueueDestroyedRejectsWork(t *testing.T) {
	q := newQueue()
	q.Destroy()
	assert.ErrorIs(t, q.enqueue(func() error { return nil }), errStreamDestroyed)
	q.Destroy() // must be safe twice
}

func TestQueueDestroyRacesEnqueue(t *testing.T) {
	// Destroy closes the job channel while another goroutine keeps
	// issuing work; the loser must get errStreamDestroyed, never a
	// send-on-closed panic.
	for iter := 0; iter < 100; iter++ {
		q := newQueue()
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if err := q.enqueue(func() error { return nil }); err != nil {
					assert.ErrorIs(t, err, errStreamDestroyed)
					return
				}
			}
		}()
		q.Destroy()
		<-done
	}
}

func TestMatrixStagingRoundTrip(t *testing.T) {
	b := New()
	q, err := b.NewStream()
	require.NoError(t, err)
	defer q.Destroy()

	const rows, cols, lda, ldda = 3, 4, 3, 8
	src := make([]float32, lda*cols)
	for i := range src {
		src[i] = float32(i + 1)
	}

	dev, err := b.Alloc(ldda * cols * 4)
	require.NoError(t, err)
	defer b.Free(dev)

	require.NoError(t, b.SetMatrixAsync(rows, cols, 4, f32bytes(src), lda, dev, ldda, q))
	dst := make([]float32, lda*cols)
	require.NoError(t, b.GetMatrixAsync(rows, cols, 4, dev, ldda, f32bytes(dst), lda, q))
	require.NoError(t, q.Sync())

	assert.Equal(t, src, dst)
}

func TestSetPointerArray(t *testing.T) {
	b := New()
	q, err := b.NewStream()
	require.NoError(t, err)
	defer q.Destroy()

	const count, stride = 5, 96
	base, err := b.Alloc(count * stride)
	require.NoError(t, err)
	defer b.Free(base)
	arr, err := b.Alloc(count * backend.PtrSize)
	require.NoError(t, err)
	defer b.Free(arr)

	require.NoError(t, b.SetPointerArray(arr, base, 0, stride, count, q))
	require.NoError(t, q.Sync())

	entries := u64Entries(arr.(*Storage), count)
	want := uint64(uintptr(base.Ptr()))
	for i, e := range entries {
		assert.Equal(t, want+uint64(i*stride), e, "entry %d", i)
	}
}

// stageBatch lays out batch n x n column-major matrices and right-hand
// sides in padded device buffers with their pointer arrays, the way the
// solver's staging step does.
func stageBatch(t *testing.T, b *Backend, q backend.Stream, n, nrhs, ldda, lddb, batch int, as [][]float32, bs [][]float32) (dAarr, dPivArr, dPiv, dBarr, dInfo, dB backend.Storage) {
	t.Helper()

	dA, err := b.Alloc(ldda * n * batch * 4)
	require.NoError(t, err)
	dB, err = b.Alloc(lddb * nrhs * batch * 4)
	require.NoError(t, err)
	dPiv, err = b.Alloc(n * batch * 4)
	require.NoError(t, err)
	dInfo, err = b.Alloc(batch * 4)
	require.NoError(t, err)
	dAarr, err = b.Alloc(batch * backend.PtrSize)
	require.NoError(t, err)
	dBarr, err = b.Alloc(batch * backend.PtrSize)
	require.NoError(t, err)
	dPivArr, err = b.Alloc(batch * backend.PtrSize)
	require.NoError(t, err)

	for i := 0; i < batch; i++ {
		require.NoError(t, b.SetMatrixAsync(n, n, 4, f32bytes(as[i]), n, sliceAt(dA, i*ldda*n*4), ldda, q))
		require.NoError(t, b.SetMatrixAsync(n, nrhs, 4, f32bytes(bs[i]), n, sliceAt(dB, i*lddb*nrhs*4), lddb, q))
	}
	require.NoError(t, b.SetPointerArray(dAarr, dA, 0, ldda*n*4, batch, q))
	require.NoError(t, b.SetPointerArray(dBarr, dB, 0, lddb*nrhs*4, batch, q))
	require.NoError(t, b.SetPointerArray(dPivArr, dPiv, 0, n*4, batch, q))
	require.NoError(t, q.Sync())
	return
}

func TestBatchedFactorizeAndSolve(t *testing.T) {
	b := New()
	q, err := b.NewStream()
	require.NoError(t, err)
	defer q.Destroy()

	// 3x3 system with a known solution plus a scaled copy.
	//   A = [[2,1,1],[1,3,2],[1,0,0]], b = [4,5,6] -> x = [6,15,-23]
	const n, nrhs, ldda, batch = 3, 1, 8, 2
	a := []float32{2, 1, 1, 1, 3, 0, 1, 2, 0} // column-major
	a2 := make([]float32, len(a))
	for i, v := range a {
		a2[i] = 2 * v
	}
	as := [][]float32{a, a2}
	bs := [][]float32{{4, 5, 6}, {4, 5, 6}}

	dAarr, dPivArr, dPiv, dBarr, dInfo, dB := stageBatch(t, b, q, n, nrhs, ldda, ldda, batch, as, bs)

	require.NoError(t, b.FactorizeBatched(n, dAarr, ldda, dPivArr, dPiv, dInfo, batch, q))
	require.NoError(t, b.SolveFactoredBatched(n, nrhs, dAarr, ldda, dPivArr, dPiv, dBarr, ldda, batch, q))
	require.NoError(t, q.Sync())

	infos := i32Entries(dInfo.(*Storage), batch)
	assert.Equal(t, int32(0), infos[0])
	assert.Equal(t, int32(0), infos[1])

	x := make([]float32, n)
	require.NoError(t, b.GetMatrixAsync(n, nrhs, 4, dB, ldda, f32bytes(x), n, q))
	require.NoError(t, q.Sync())
	want := []float32{6, 15, -23}
	for i := range want {
		assert.InDelta(t, want[i], x[i], 1e-4, "x[%d]", i)
	}

	x2 := make([]float32, n)
	require.NoError(t, b.GetMatrixAsync(n, nrhs, 4, sliceAt(dB, ldda*nrhs*4), ldda, f32bytes(x2), n, q))
	require.NoError(t, q.Sync())
	for i := range want {
		assert.InDelta(t, want[i]/2, x2[i], 1e-4, "x2[%d]", i)
	}
}

func TestFactorizeFlagsSingular(t *testing.T) {
	b := New()
	q, err := b.NewStream()
	require.NoError(t, err)
	defer q.Destroy()

	const n, ldda, batch = 2, 8, 2
	as := [][]float32{
		{1, 0, 0, 1}, // identity
		{0, 0, 0, 0}, // singular
	}
	bs := [][]float32{{1, 1}, {1, 1}}

	dAarr, dPivArr, dPiv, _, dInfo, _ := stageBatch(t, b, q, n, 1, ldda, ldda, batch, as, bs)

	require.NoError(t, b.FactorizeBatched(n, dAarr, ldda, dPivArr, dPiv, dInfo, batch, q))
	require.NoError(t, q.Sync())

	infos := i32Entries(dInfo.(*Storage), batch)
	assert.Equal(t, int32(0), infos[0])
	assert.Greater(t, infos[1], int32(0), "zero matrix must report a singular pivot")
}
