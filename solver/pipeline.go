package solver

import (
	"fmt"

	"github.com/djeday123/gosolve/backend"
)

// FactorizeAndSolve runs the two-phase batched pipeline on buffers the
// caller has already staged: LU-factorize with partial pivoting every
// matrix addressed by dAarray, then solve with the factors, overwriting
// each B with its X. It never allocates.
//
// Per-matrix status lands in dInfo on the device; a non-nil error is a
// structural failure of a phase (illegal argument, library control
// failure), never a numerical one — a singular matrix does not abort its
// siblings, it just flags its dInfo entry.
//
// Argument positions in ArgumentError match the batched LAPACK getrs
// convention: 1 = n, 2 = nrhs, 4 = ldda, 6 = lddb.
func (s *Solver) FactorizeAndSolve(n, nrhs int, dAarray backend.Storage, ldda int, dPivArray, dPiv backend.Storage, dBarray backend.Storage, lddb int, dInfo backend.Storage, batch int, q backend.Stream) error {
	switch {
	case n < 0:
		return &ArgumentError{Func: "FactorizeAndSolve", Pos: 1}
	case nrhs < 0:
		return &ArgumentError{Func: "FactorizeAndSolve", Pos: 2}
	case ldda < max(1, n):
		return &ArgumentError{Func: "FactorizeAndSolve", Pos: 4}
	case lddb < max(1, n):
		return &ArgumentError{Func: "FactorizeAndSolve", Pos: 6}
	}

	// Quick return if possible.
	if n == 0 || nrhs == 0 || batch == 0 {
		return nil
	}

	if err := s.be.FactorizeBatched(n, dAarray, ldda, dPivArray, dPiv, dInfo, batch, q); err != nil {
		return fmt.Errorf("factorize phase: %w", err)
	}
	if err := s.be.SolveFactoredBatched(n, nrhs, dAarray, ldda, dPivArray, dPiv, dBarray, lddb, batch, q); err != nil {
		return fmt.Errorf("solve phase: %w", err)
	}
	return nil
}
