// Package solver solves batches of independent dense N-by-N linear
// systems A*X = B on an accelerator, using LU factorization with partial
// pivoting.
//
// The package is the orchestration layer: it stages host data into
// padded column-major device buffers, materializes per-matrix pointer
// arrays, overlaps the independent transfers across execution streams,
// drives the factorize/solve pipeline, harvests per-matrix status and
// the solution, and tears everything down on every exit path. The
// numerical kernels themselves live behind the backend interface
// (cuBLAS on NVIDIA GPUs, gonum on the host).
package solver

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/djeday123/gosolve/backend"
)

// Options configures a Solver.
type Options struct {
	// Align is the quantum the padded leading dimensions are rounded up
	// to. Defaults to 32.
	Align int

	// Streams is how many independent lanes staging work is spread
	// over. Defaults to 3 (A transfer, B transfer, pivot pointers).
	Streams int
}

// DefaultOptions returns the default solver configuration.
func DefaultOptions() Options {
	return Options{Align: 32, Streams: 3}
}

// Solver solves batches of dense systems on one backend. A Solver holds
// no per-call state; buffers live only for the duration of a call.
type Solver struct {
	be  backend.Backend
	opt Options
}

// New picks the best registered backend: CUDA when the driver loaded,
// otherwise the CPU reference backend.
func New() (*Solver, error) {
	if be, err := backend.Get(backend.CUDA); err == nil {
		return NewWith(be, DefaultOptions()), nil
	}
	be, err := backend.Get(backend.CPU)
	if err != nil {
		return nil, fmt.Errorf("solver: no backend registered: %w", err)
	}
	return NewWith(be, DefaultOptions()), nil
}

// NewWith builds a Solver on an explicit backend.
func NewWith(be backend.Backend, opt Options) *Solver {
	if opt.Align <= 0 {
		opt.Align = 32
	}
	if opt.Streams < 3 {
		opt.Streams = 3
	}
	return &Solver{be: be, opt: opt}
}

// Backend returns the backend this solver runs on.
func (s *Solver) Backend() backend.Backend { return s.be }

// SolveBatch solves len(hostB) independent n x n systems A_i * x_i = b_i.
//
// hostA holds the A matrices back to back, column-major, n*n elements
// each. hostB holds one right-hand-side vector of n elements per system.
// On exit the factors overwrite the staged copy of A, never hostA.
//
// On success it returns one solution vector per system. On any failure
// the returned slice is nil: a *BatchError when a matrix was singular
// (its Infos field still reports every matrix), an *ArgumentError for
// illegal inputs, or a wrapped backend error for allocation and transfer
// failures. Every buffer staged by the call is released before return in
// all cases.
func (s *Solver) SolveBatch(n int, hostA []float32, hostB [][]float32) ([][]float32, error) {
	const nrhs = 1
	batch := len(hostB)
	if n < 0 {
		return nil, &ArgumentError{Func: "SolveBatch", Pos: 1}
	}
	if len(hostA) != n*n*batch {
		return nil, fmt.Errorf("solver: SolveBatch: hostA has %d elements, want %d", len(hostA), n*n*batch)
	}
	for i, rhs := range hostB {
		if len(rhs) != n {
			return nil, fmt.Errorf("solver: SolveBatch: hostB[%d] has %d elements, want %d", i, len(rhs), n)
		}
	}
	if n == 0 || batch == 0 {
		// Nothing to solve.
		out := make([][]float32, batch)
		for i := range out {
			out[i] = []float32{}
		}
		return out, nil
	}

	lda := n
	ldb := n
	ldda := Roundup(max(1, n), s.opt.Align)
	lddb := ldda

	st, err := s.stage(n, nrhs, batch, ldda, lddb)
	if err != nil {
		return nil, err
	}
	defer st.release()

	// Flatten B into one contiguous column-major buffer with ldb = n.
	hostBflat := make([]float32, n*nrhs*batch)
	for i, rhs := range hostB {
		copy(hostBflat[i*n:], rhs)
	}

	q0, q1, q2 := st.streams[0], st.streams[1], st.streams[2]

	// Lane 0: stage A and its pointer array.
	if err := s.be.SetMatrixAsync(n, n*batch, elemSize, f32Bytes(hostA), lda, st.dA, ldda, q0); err != nil {
		return nil, fmt.Errorf("stage A: %w", err)
	}
	if err := s.be.SetPointerArray(st.dAarray, st.dA, 0, ldda*n*elemSize, batch, q0); err != nil {
		return nil, fmt.Errorf("A pointer array: %w", err)
	}

	// Lane 1: stage B and its pointer array, concurrent with lane 0.
	if err := s.be.SetMatrixAsync(n, nrhs*batch, elemSize, f32Bytes(hostBflat), ldb, st.dB, lddb, q1); err != nil {
		return nil, fmt.Errorf("stage B: %w", err)
	}
	if err := s.be.SetPointerArray(st.dBarray, st.dB, 0, lddb*nrhs*elemSize, batch, q1); err != nil {
		return nil, fmt.Errorf("B pointer array: %w", err)
	}

	// Lane 2: pivot pointer array. Needs only the base address of the
	// pivot buffer, so it has no dependency on the transfers.
	if err := s.be.SetPointerArray(st.dPivArray, st.dPiv, 0, n*elemSize, batch, q2); err != nil {
		return nil, fmt.Errorf("pivot pointer array: %w", err)
	}

	// Join: factorization needs fully transferred A and materialized
	// pointer arrays. Waiting on the lanes concurrently means a failed
	// lane surfaces as soon as every lane has settled, in any
	// completion order.
	var g errgroup.Group
	for _, q := range st.streams {
		g.Go(q.Sync)
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("staging join: %w", err)
	}

	if err := s.FactorizeAndSolve(n, nrhs, st.dAarray, ldda, st.dPivArray, st.dPiv, st.dBarray, lddb, st.dInfo, batch, q0); err != nil {
		return nil, err
	}

	// Join after the compute phases: the harvest lanes read buffers the
	// kernels write, and the solution copy runs on a different lane
	// than the kernels did.
	if err := q0.Sync(); err != nil {
		return nil, fmt.Errorf("pipeline join: %w", err)
	}

	return s.harvest(n, nrhs, batch, st, ldb, lddb)
}

// harvest copies the per-matrix status vector and the solution back to
// the host on separate lanes, then scans the statuses in index order.
// The first non-zero status becomes the batch result; the whole batch
// was computed either way.
func (s *Solver) harvest(n, nrhs, batch int, st *staging, ldb, lddb int) ([][]float32, error) {
	q0, q1 := st.streams[0], st.streams[1]

	infos := make([]Info, batch)
	if err := s.be.GetVectorAsync(batch, elemSize, st.dInfo, infoBytes(infos), q0); err != nil {
		return nil, fmt.Errorf("harvest info: %w", err)
	}
	hostX := make([]float32, n*nrhs*batch)
	if err := s.be.GetMatrixAsync(n, nrhs*batch, elemSize, st.dB, lddb, f32Bytes(hostX), ldb, q1); err != nil {
		return nil, fmt.Errorf("harvest X: %w", err)
	}

	if err := q0.Sync(); err != nil {
		return nil, fmt.Errorf("harvest info: %w", err)
	}
	// X must be fully copied before the staging buffers go away — on
	// every exit, including the singular one below, or an in-flight copy
	// would still be reading buffers already released for reuse.
	if err := q1.Sync(); err != nil {
		return nil, fmt.Errorf("harvest X: %w", err)
	}

	for i, info := range infos {
		if info != 0 {
			return nil, &BatchError{Matrix: i, Info: info, Infos: infos}
		}
	}

	out := make([][]float32, batch)
	for i := range out {
		out[i] = hostX[i*n : (i+1)*n : (i+1)*n]
	}
	return out, nil
}
