// Package optimization provides the portfolio allocation solvers: the
// mean-variance frontier with its constrained QP/LP paths, risk budgeting
// and fixed weights.
package optimization

import (
	"context"
	"fmt"
	"math"

	"github.com/atlas-desktop/allocation-backend/internal/stats"
	"github.com/atlas-desktop/allocation-backend/pkg/types"
)

// Solver produces an allocation from the statistics of one lookback window.
type Solver interface {
	Solve(ctx context.Context, st *stats.ReturnStatistics) (*types.SolveResult, error)
}

// SolverConfig configures the numerical engines
type SolverConfig struct {
	// QPMaxIterations caps active-set iterations. Zero means 50*(n+2).
	QPMaxIterations int
	LPTolerance     float64

	RiskBudgetMaxOuter      int     // augmented Lagrangian rounds
	RiskBudgetMaxInner      int     // BFGS major iterations per round
	RiskBudgetFeasibility   float64 // max constraint violation at convergence
	RiskBudgetStepTolerance float64
}

// DefaultSolverConfig returns sensible defaults
func DefaultSolverConfig() *SolverConfig {
	return &SolverConfig{
		QPMaxIterations:         0,
		LPTolerance:             1e-10,
		RiskBudgetMaxOuter:      60,
		RiskBudgetMaxInner:      2000,
		RiskBudgetFeasibility:   1e-9,
		RiskBudgetStepTolerance: 1e-8,
	}
}

// Objective is the closed set of mean-variance targets.
type Objective interface {
	Mode() types.ObjectiveMode
	objective()
}

// MinVariance minimizes variance at a target return ("minWave").
type MinVariance struct {
	TargetReturn float64
}

// MaxReturn maximizes return at a target variance.
type MaxReturn struct {
	TargetVariance float64
}

// MaxSharpe maximizes (r'w - rf)/sqrt(w'Σw).
type MaxSharpe struct {
	RiskFree float64
}

func (MinVariance) Mode() types.ObjectiveMode { return types.ModeMinWave }
func (MaxReturn) Mode() types.ObjectiveMode   { return types.ModeMaxReturn }
func (MaxSharpe) Mode() types.ObjectiveMode   { return types.ModeSharpe }

func (MinVariance) objective() {}
func (MaxReturn) objective()   {}
func (MaxSharpe) objective()   {}

// ObjectiveFor maps a request mode onto its objective. value is the target
// return or variance; riskFree is only read by the Sharpe objective.
func ObjectiveFor(mode types.ObjectiveMode, value, riskFree float64) (Objective, error) {
	switch mode {
	case types.ModeMinWave, "":
		return MinVariance{TargetReturn: value}, nil
	case types.ModeMaxReturn:
		return MaxReturn{TargetVariance: value}, nil
	case types.ModeSharpe:
		return MaxSharpe{RiskFree: riskFree}, nil
	}
	return nil, fmt.Errorf("unknown objective mode %q", mode)
}

// Bounds holds optional per-asset weight limits. A nil slice means the side
// is unset.
type Bounds struct {
	Lower []float64
	Upper []float64
}

// IsZero reports whether neither side is set.
func (b *Bounds) IsZero() bool {
	return b == nil || (b.Lower == nil && b.Upper == nil)
}

// resolve fills a missing side with the given default and validates the
// box: lengths match n, lower <= upper elementwise, sum(lower) <= 1.
func (b *Bounds) resolve(n int, defLower, defUpper float64) (lower, upper []float64, err error) {
	lower = make([]float64, n)
	upper = make([]float64, n)
	for i := 0; i < n; i++ {
		lower[i] = defLower
		upper[i] = defUpper
	}
	if b != nil && b.Lower != nil {
		if len(b.Lower) != n {
			return nil, nil, fmt.Errorf("%w: %d lower bounds for %d assets", types.ErrDimensionMismatch, len(b.Lower), n)
		}
		copy(lower, b.Lower)
	}
	if b != nil && b.Upper != nil {
		if len(b.Upper) != n {
			return nil, nil, fmt.Errorf("%w: %d upper bounds for %d assets", types.ErrDimensionMismatch, len(b.Upper), n)
		}
		copy(upper, b.Upper)
	}

	sum := 0.0
	for i := 0; i < n; i++ {
		if lower[i] > upper[i] {
			return nil, nil, fmt.Errorf("%w: lower bound %.6g exceeds upper bound %.6g for asset %d",
				types.ErrInfeasibleTarget, lower[i], upper[i], i)
		}
		sum += lower[i]
	}
	if sum > 1+1e-12 {
		return nil, nil, fmt.Errorf("%w: lower bounds sum to %.6g", types.ErrInfeasibleTarget, sum)
	}
	return lower, upper, nil
}

func equalWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	return w
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func maxAbs(v []float64) float64 {
	m := 0.0
	for _, x := range v {
		m = math.Max(m, math.Abs(x))
	}
	return m
}
