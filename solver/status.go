package solver

import "fmt"

// Info is the per-matrix factorization status, following the LAPACK
// convention: 0 means success, i > 0 means U(i,i) of that matrix is
// exactly zero (the factorization completed but the factor is singular),
// i < 0 means the i-th argument had an illegal value inside the library.
//
// Info is deliberately its own type: structural failures of a whole call
// (bad arguments, allocation, transfer) travel as Go errors and never
// share this integer domain.
type Info int32

// OK reports a clean factorization.
func (i Info) OK() bool { return i == 0 }

// Singular reports that the factor U has an exactly zero pivot.
func (i Info) Singular() bool { return i > 0 }

func (i Info) String() string {
	switch {
	case i == 0:
		return "ok"
	case i > 0:
		return fmt.Sprintf("singular at pivot %d", int32(i))
	default:
		return fmt.Sprintf("illegal value in argument %d", -int32(i))
	}
}

// ArgumentError reports an illegal value at a 1-based argument position,
// detected before any hardware work begins.
type ArgumentError struct {
	Func string
	Pos  int
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("solver: %s: argument %d had an illegal value", e.Func, e.Pos)
}

// BatchError reports the first matrix in a batch whose status was
// non-zero after harvesting. The whole batch was still computed; Infos
// holds every per-matrix status so callers can tell the healthy systems
// from the failed ones.
type BatchError struct {
	Matrix int    // index of the first failing matrix
	Info   Info   // its status
	Infos  []Info // status of every matrix in the batch
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("solver: matrix %d: %s", e.Matrix, e.Info)
}
