package optimization

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/atlas-desktop/allocation-backend/internal/stats"
	"github.com/atlas-desktop/allocation-backend/pkg/types"
)

// RiskBudget equalizes risk contributions rc(w) = w ⊙ Σw, optionally summed
// into groups, or drives them toward a target ratio.
type RiskBudget struct {
	config       *SolverConfig
	sigma        mat.Symmetric
	groups       [][]float64 // groups × assets; nil means one group per asset
	target       []float64
	lower, upper []float64
}

// NewRiskBudget validates the group incidence matrix and target ratio.
// Every asset must belong to exactly one group (columns sum to one) and the
// target, when given, must sum to one within 0.01.
func NewRiskBudget(sigma mat.Symmetric, groups [][]float64, target []float64, bounds *Bounds, config *SolverConfig) (*RiskBudget, error) {
	if config == nil {
		config = DefaultSolverConfig()
	}
	n := sigma.SymmetricDim()

	if groups != nil {
		if len(groups) == 0 {
			return nil, fmt.Errorf("%w: empty group matrix", types.ErrDimensionMismatch)
		}
		for g, row := range groups {
			if len(row) != n {
				return nil, fmt.Errorf("%w: group %d covers %d assets, expected %d", types.ErrDimensionMismatch, g, len(row), n)
			}
		}
		for j := 0; j < n; j++ {
			sum := 0.0
			for _, row := range groups {
				sum += row[j]
			}
			if math.Abs(sum-1) > 1e-9 {
				return nil, fmt.Errorf("%w: asset %d belongs to %.6g groups", types.ErrDimensionMismatch, j, sum)
			}
		}
	}

	risks := n
	if groups != nil {
		risks = len(groups)
	}
	if target != nil {
		if len(target) != risks {
			return nil, fmt.Errorf("%w: %d target ratios for %d risk contributions", types.ErrDimensionMismatch, len(target), risks)
		}
		if sum := floats.Sum(target); math.Abs(sum-1) > 0.01 {
			return nil, fmt.Errorf("%w: target risk ratios sum to %.6g", types.ErrInfeasibleTarget, sum)
		}
	}

	lower, upper, err := bounds.resolve(n, 0, 1)
	if err != nil {
		return nil, err
	}
	for i := range lower {
		lower[i] = math.Max(lower[i], 0)
		if lower[i] > upper[i] {
			return nil, fmt.Errorf("%w: upper bound %.6g of asset %d is negative", types.ErrInfeasibleTarget, upper[i], i)
		}
	}

	return &RiskBudget{
		config: config,
		sigma:  sigma,
		groups: groups,
		target: target,
		lower:  lower,
		upper:  upper,
	}, nil
}

// RiskContributions returns the (grouped) risk contributions at w.
func (rb *RiskBudget) RiskContributions(w []float64) []float64 {
	_, rc := rb.contributions(w)
	return rc
}

func (rb *RiskBudget) contributions(w []float64) (sw, rc []float64) {
	n := len(w)
	sw = make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sw[i] += rb.sigma.At(i, j) * w[j]
		}
	}
	raw := make([]float64, n)
	for i := range raw {
		raw[i] = w[i] * sw[i]
	}
	if rb.groups == nil {
		return sw, raw
	}
	rc = make([]float64, len(rb.groups))
	for g, row := range rb.groups {
		rc[g] = floats.Dot(row, raw)
	}
	return sw, rc
}

// evaluate returns the budgeting objective at w and fills grad when non-nil.
func (rb *RiskBudget) evaluate(w, grad []float64) float64 {
	sw, rc := rb.contributions(w)
	k := len(rc)
	total := floats.Sum(rc)
	dg := make([]float64, k)

	var f float64
	if rb.target != nil {
		weighted := 0.0
		for i := range rc {
			e := rc[i] - rb.target[i]*total
			f += e * e
			dg[i] = 2 * e
			weighted += rb.target[i] * e
		}
		for i := range dg {
			dg[i] -= 2 * weighted
		}
	} else {
		// sum over ordered pairs of (rc_i - rc_j)^2
		sq := floats.Dot(rc, rc)
		f = 2*float64(k)*sq - 2*total*total
		for i := range dg {
			dg[i] = 4 * (float64(k)*rc[i] - total)
		}
	}
	if grad == nil {
		return f
	}

	n := len(w)
	drc := dg
	if rb.groups != nil {
		drc = make([]float64, n)
		for g, row := range rb.groups {
			for j := range drc {
				drc[j] += row[j] * dg[g]
			}
		}
	}
	for m := 0; m < n; m++ {
		s := drc[m] * sw[m]
		for i := 0; i < n; i++ {
			s += rb.sigma.At(m, i) * drc[i] * w[i]
		}
		grad[m] = s
	}
	return f
}

// multipliers of the augmented Lagrangian
type almState struct {
	mu     float64
	lambda float64   // budget equality
	nuLow  []float64 // w >= lower
	nuUp   []float64 // w <= upper
	scale  float64
}

func (rb *RiskBudget) lagrangian(s *almState, w, grad []float64) float64 {
	f := rb.evaluate(w, grad) / s.scale
	if grad != nil {
		for i := range grad {
			grad[i] /= s.scale
		}
	}

	h := floats.Sum(w) - 1
	f += -s.lambda*h + 0.5*s.mu*h*h
	for i := range w {
		low := math.Max(0, s.nuLow[i]-s.mu*(w[i]-rb.lower[i]))
		up := math.Max(0, s.nuUp[i]-s.mu*(rb.upper[i]-w[i]))
		f += (low*low - s.nuLow[i]*s.nuLow[i] + up*up - s.nuUp[i]*s.nuUp[i]) / (2 * s.mu)
		if grad != nil {
			grad[i] += -s.lambda + s.mu*h - low + up
		}
	}
	return f
}

// Optimize minimizes the budgeting objective under Σw = 1 and the bounds,
// starting from equal weights. converged is false when the outer loop ran
// out of rounds before reaching a feasible stationary point.
func (rb *RiskBudget) Optimize(ctx context.Context) (w []float64, converged bool, err error) {
	n := rb.sigma.SymmetricDim()
	w = equalWeights(n)

	s := &almState{
		mu:    10,
		nuLow: make([]float64, n),
		nuUp:  make([]float64, n),
		scale: 1,
	}
	v0 := mat.NewVecDense(n, w)
	if base := mat.Inner(v0, rb.sigma, v0); base > 0 && !math.IsInf(base*base, 0) {
		s.scale = base * base
	}

	settings := &optimize.Settings{
		MajorIterations:   rb.config.RiskBudgetMaxInner,
		GradientThreshold: 1e-12,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-16,
			Relative:   1e-16,
			Iterations: 50,
		},
	}

	prevViolation := math.Inf(1)
	grad := make([]float64, n)
	for outer := 0; outer < rb.config.RiskBudgetMaxOuter; outer++ {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		problem := optimize.Problem{
			Func: func(x []float64) float64 { return rb.lagrangian(s, x, nil) },
			Grad: func(g, x []float64) { rb.lagrangian(s, x, g) },
		}
		result, _ := optimize.Minimize(problem, w, settings, &optimize.BFGS{})
		if result == nil || len(result.X) != n || !allFinite(result.X) {
			return w, false, nil
		}
		next := result.X

		rb.lagrangian(s, next, grad)
		stationarity := maxAbs(grad)

		h := floats.Sum(next) - 1
		violation := math.Abs(h)
		for i := range next {
			violation = math.Max(violation, rb.lower[i]-next[i])
			violation = math.Max(violation, next[i]-rb.upper[i])
		}

		s.lambda -= s.mu * h
		for i := range next {
			s.nuLow[i] = math.Max(0, s.nuLow[i]-s.mu*(next[i]-rb.lower[i]))
			s.nuUp[i] = math.Max(0, s.nuUp[i]-s.mu*(rb.upper[i]-next[i]))
		}

		step := 0.0
		for i := range next {
			step = math.Max(step, math.Abs(next[i]-w[i]))
		}
		w = append(w[:0], next...)

		if violation <= rb.config.RiskBudgetFeasibility && step <= rb.config.RiskBudgetStepTolerance && stationarity <= 1e-6 {
			return w, true, nil
		}
		if violation > 0.25*prevViolation {
			s.mu = math.Min(s.mu*10, 1e10)
		}
		prevViolation = violation
	}
	return w, false, nil
}

// RiskBudgetSolver runs risk budgeting on each window.
type RiskBudgetSolver struct {
	logger *zap.Logger
	config *SolverConfig
	groups [][]float64
	target []float64
	bounds *Bounds
}

// NewRiskBudgetSolver creates a new risk-budget solver. groups and target
// may be nil.
func NewRiskBudgetSolver(logger *zap.Logger, config *SolverConfig, groups [][]float64, target []float64, bounds *Bounds) *RiskBudgetSolver {
	if config == nil {
		config = DefaultSolverConfig()
	}
	return &RiskBudgetSolver{
		logger: logger,
		config: config,
		groups: groups,
		target: target,
		bounds: bounds,
	}
}

func (s *RiskBudgetSolver) Solve(ctx context.Context, st *stats.ReturnStatistics) (*types.SolveResult, error) {
	rb, err := NewRiskBudget(st.Covariance, s.groups, s.target, s.bounds, s.config)
	if err != nil {
		return nil, err
	}
	w, converged, err := rb.Optimize(ctx)
	if err != nil {
		return nil, err
	}

	rc := rb.RiskContributions(w)
	status := types.OptimalStatus()
	if !converged {
		status = types.UnknownStatus()
		s.logger.Warn("Risk budget did not converge",
			zap.Strings("assets", st.AssetIDs),
		)
	}
	return &types.SolveResult{
		Weights:           w,
		Return:            floats.Dot(st.Mean, w),
		Variance:          floats.Sum(rc),
		RiskContributions: rc,
		Status:            status,
	}, nil
}
