package solver

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djeday123/gosolve/backend"
)

// fakeBackend counts every acquisition and release so tests can prove
// the cleanup path balances under failure injection at any step.
type fakeBackend struct {
	failAllocAt     int  // fail the k-th Alloc (1-based), 0 = never
	failStreamAt    int  // fail the k-th NewStream (1-based), 0 = never
	failSyncLane    int  // lane whose Sync fails (1-based), 0 = never
	failSetMatrixAt int  // fail the k-th SetMatrixAsync (1-based), 0 = never
	failFactorize   bool // fail the factorize kernel call
	singularAt      int  // matrix reported singular at harvest (1-based), 0 = none

	allocs, frees     int
	streams, destroys int
	setMatrixCalls    int
	factorizeCalls    int
	solveCalls        int
	lanes             []*fakeStream
}

type fakeStorage struct {
	data []byte
}

func (s *fakeStorage) Device() backend.Device { return backend.CPU0 }
func (s *fakeStorage) Bytes() []byte          { return s.data }
func (s *fakeStorage) ByteLen() int           { return len(s.data) }
func (s *fakeStorage) Free()                  {}
func (s *fakeStorage) Ptr() unsafe.Pointer {
	if len(s.data) == 0 {
		return nil
	}
	return unsafe.Pointer(&s.data[0])
}

type fakeStream struct {
	syncErr  error
	syncs    int
	destroys *int
}

func (q *fakeStream) Sync() error { q.syncs++; return q.syncErr }
func (q *fakeStream) Destroy()    { *q.destroys++ }

var errInjected = errors.New("injected failure")

func (b *fakeBackend) Name() string                   { return "fake" }
func (b *fakeBackend) DeviceType() backend.DeviceType { return backend.CPU }

func (b *fakeBackend) Alloc(byteLen int) (backend.Storage, error) {
	if b.failAllocAt > 0 && b.allocs+1 == b.failAllocAt {
		return nil, errInjected
	}
	b.allocs++
	return &fakeStorage{data: make([]byte, byteLen)}, nil
}

func (b *fakeBackend) Free(s backend.Storage) { b.frees++ }

func (b *fakeBackend) NewStream() (backend.Stream, error) {
	if b.failStreamAt > 0 && b.streams+1 == b.failStreamAt {
		return nil, errInjected
	}
	b.streams++
	q := &fakeStream{destroys: &b.destroys}
	if b.failSyncLane == b.streams {
		q.syncErr = errInjected
	}
	b.lanes = append(b.lanes, q)
	return q, nil
}

func (b *fakeBackend) SetMatrixAsync(rows, cols, elemSize int, src []byte, lda int, dst backend.Storage, ldda int, q backend.Stream) error {
	b.setMatrixCalls++
	if b.failSetMatrixAt > 0 && b.setMatrixCalls == b.failSetMatrixAt {
		return errInjected
	}
	return nil
}

func (b *fakeBackend) GetMatrixAsync(rows, cols, elemSize int, src backend.Storage, ldda int, dst []byte, lda int, q backend.Stream) error {
	return nil
}

func (b *fakeBackend) GetVectorAsync(n, elemSize int, src backend.Storage, dst []byte, q backend.Stream) error {
	if b.singularAt > 0 && b.singularAt <= n {
		infos := unsafe.Slice((*int32)(unsafe.Pointer(&dst[0])), n)
		infos[b.singularAt-1] = 1
	}
	return nil
}

func (b *fakeBackend) SetPointerArray(dst, base backend.Storage, offsetBytes, strideBytes, count int, q backend.Stream) error {
	return nil
}

func (b *fakeBackend) FactorizeBatched(n int, aArray backend.Storage, ldda int, pivArray, pivots backend.Storage, infos backend.Storage, batch int, q backend.Stream) error {
	b.factorizeCalls++
	if b.failFactorize {
		return errInjected
	}
	return nil
}

func (b *fakeBackend) SolveFactoredBatched(n, nrhs int, aArray backend.Storage, ldda int, pivArray, pivots backend.Storage, bArray backend.Storage, lddb int, batch int, q backend.Stream) error {
	b.solveCalls++
	return nil
}

func solveOnFake(fb *fakeBackend) error {
	s := NewWith(fb, DefaultOptions())
	hostA := identityBatch(2, 2)
	_, err := s.SolveBatch(2, hostA, [][]float32{{1, 1}, {1, 1}})
	return err
}

// The staging step acquires 7 buffers and 3 streams; killing any one of
// those acquisitions must release exactly what was acquired before it.
func TestStagingAllocFailureBalance(t *testing.T) {
	for k := 1; k <= 7; k++ {
		fb := &fakeBackend{failAllocAt: k}
		err := solveOnFake(fb)
		require.ErrorIs(t, err, errInjected, "alloc %d", k)
		assert.Equal(t, fb.allocs, fb.frees, "alloc %d: buffer balance", k)
		assert.Equal(t, fb.streams, fb.destroys, "alloc %d: stream balance", k)
	}
}

func TestStagingStreamFailureBalance(t *testing.T) {
	for k := 1; k <= 3; k++ {
		fb := &fakeBackend{failStreamAt: k}
		err := solveOnFake(fb)
		require.ErrorIs(t, err, errInjected, "stream %d", k)
		assert.Equal(t, fb.allocs, fb.frees, "stream %d: buffer balance", k)
		assert.Equal(t, fb.streams, fb.destroys, "stream %d: stream balance", k)
	}
}

// A lane that fails during the staging join must abort the call and
// still reach the common teardown.
func TestStagingJoinFailure(t *testing.T) {
	for lane := 1; lane <= 3; lane++ {
		fb := &fakeBackend{failSyncLane: lane}
		err := solveOnFake(fb)
		require.ErrorIs(t, err, errInjected, "lane %d", lane)
		assert.Equal(t, fb.allocs, fb.frees, "lane %d: buffer balance", lane)
		assert.Equal(t, fb.streams, fb.destroys, "lane %d: stream balance", lane)
	}
}

// A control failure of the factorize phase must abort the call before
// the solve phase is ever issued, with everything still released.
func TestFactorizeFailureAbortsBeforeSolve(t *testing.T) {
	fb := &fakeBackend{failFactorize: true}
	s := NewWith(fb, DefaultOptions())
	x, err := s.SolveBatch(2, identityBatch(2, 2), [][]float32{{1, 1}, {1, 1}})
	require.ErrorIs(t, err, errInjected)
	assert.Nil(t, x, "output handle must be invalidated on failure")
	assert.Equal(t, 1, fb.factorizeCalls)
	assert.Equal(t, 0, fb.solveCalls, "solve phase must not run after a factorize control failure")
	assert.Equal(t, fb.allocs, fb.frees)
	assert.Equal(t, fb.streams, fb.destroys)
}

// A failed transfer aborts before any kernel is issued; the teardown
// still balances.
func TestTransferFailureAborts(t *testing.T) {
	for k := 1; k <= 2; k++ {
		fb := &fakeBackend{failSetMatrixAt: k}
		err := solveOnFake(fb)
		require.ErrorIs(t, err, errInjected, "transfer %d", k)
		assert.Equal(t, 0, fb.factorizeCalls, "transfer %d: no kernel after a failed transfer", k)
		assert.Equal(t, fb.allocs, fb.frees, "transfer %d: buffer balance", k)
		assert.Equal(t, fb.streams, fb.destroys, "transfer %d: stream balance", k)
	}
}

// A singular matrix fails the call, but the in-flight solution copy on
// its own lane must still be drained before the buffers are released.
func TestHarvestSingularDrainsSolutionLane(t *testing.T) {
	fb := &fakeBackend{singularAt: 2}
	err := solveOnFake(fb)

	var be *BatchError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, 1, be.Matrix)

	require.Len(t, fb.lanes, 3)
	assert.Equal(t, 2, fb.lanes[1].syncs, "solution lane: staging join + harvest drain")
	assert.Equal(t, fb.allocs, fb.frees)
	assert.Equal(t, fb.streams, fb.destroys)
}

// The success path must release everything too.
func TestStagingSuccessBalance(t *testing.T) {
	fb := &fakeBackend{}
	err := solveOnFake(fb)
	require.NoError(t, err)
	assert.Equal(t, 7, fb.allocs)
	assert.Equal(t, fb.allocs, fb.frees)
	assert.Equal(t, 3, fb.streams)
	assert.Equal(t, fb.streams, fb.destroys)
}
