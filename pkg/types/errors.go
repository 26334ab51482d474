package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInfeasibleTarget is returned when a requested return or variance
	// lies below the minimum-variance vertex of the efficient frontier.
	ErrInfeasibleTarget = errors.New("infeasible target")

	// ErrCoLinearAssets is returned when two assets are (nearly) perfectly correlated.
	ErrCoLinearAssets = errors.New("co-linear assets")

	ErrSolverNonConvergence = errors.New("solver did not converge")
	ErrDimensionMismatch    = errors.New("dimension mismatch")
	ErrDataInsufficiency    = errors.New("insufficient data")
	ErrSingularCovariance   = errors.New("singular covariance matrix")
)

// CoLinearError names the asset pairs whose correlation magnitude is one.
type CoLinearError struct {
	Pairs [][2]string
}

func (e *CoLinearError) Error() string {
	parts := make([]string, len(e.Pairs))
	for i, p := range e.Pairs {
		parts[i] = p[0] + "~" + p[1]
	}
	return fmt.Sprintf("co-linear assets: %s", strings.Join(parts, ", "))
}

func (e *CoLinearError) Unwrap() error { return ErrCoLinearAssets }
