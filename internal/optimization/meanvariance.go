package optimization

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/atlas-desktop/allocation-backend/internal/stats"
	"github.com/atlas-desktop/allocation-backend/pkg/types"
)

// MeanVariance is the efficient frontier of one set of moments.
//
// With C = 1'Σ⁻¹1, A = 1'Σ⁻¹r, B = r'Σ⁻¹r and D = BC - A², the frontier is
// var(ρ) = (Cρ² - 2Aρ + B)/D with vertex (1/C, A/C).
type MeanVariance struct {
	config  *SolverConfig
	r       []float64
	sigma   *mat.SymDense
	invOnes []float64 // Σ⁻¹1
	invR    []float64 // Σ⁻¹r
	a, b, c float64
	d       float64

	constrained  bool
	lower, upper []float64
}

// NewMeanVariance precomputes the frontier constants. It fails on co-linear
// assets, a covariance that is not positive definite, or a degenerate
// frontier where every expected return is equal.
func NewMeanVariance(st *stats.ReturnStatistics, bounds *Bounds, config *SolverConfig) (*MeanVariance, error) {
	if config == nil {
		config = DefaultSolverConfig()
	}
	n := len(st.Mean)
	if st.Covariance == nil || st.Covariance.SymmetricDim() != n {
		return nil, fmt.Errorf("%w: covariance does not match %d expected returns", types.ErrDimensionMismatch, n)
	}
	if err := st.CheckCoLinearity(); err != nil {
		return nil, err
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(st.Covariance); !ok {
		return nil, fmt.Errorf("%w: cholesky factorization failed", types.ErrSingularCovariance)
	}
	inv := mat.NewSymDense(n, nil)
	if err := chol.InverseTo(inv); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSingularCovariance, err)
	}

	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	invOnes := mat.NewVecDense(n, nil)
	invOnes.MulVec(inv, mat.NewVecDense(n, ones))
	invR := mat.NewVecDense(n, nil)
	invR.MulVec(inv, mat.NewVecDense(n, append([]float64(nil), st.Mean...)))

	mv := &MeanVariance{
		config:  config,
		r:       append([]float64(nil), st.Mean...),
		sigma:   st.Covariance,
		invOnes: invOnes.RawVector().Data,
		invR:    invR.RawVector().Data,
	}
	mv.c = floats.Sum(mv.invOnes)
	mv.a = floats.Sum(mv.invR)
	mv.b = floats.Dot(mv.r, mv.invR)
	mv.d = mv.b*mv.c - mv.a*mv.a

	if mv.c <= 0 || mv.d <= 1e-12*math.Abs(mv.b*mv.c) {
		return nil, fmt.Errorf("%w: degenerate frontier, expected returns are all equal", types.ErrInfeasibleTarget)
	}

	if !bounds.IsZero() {
		lower, upper, err := bounds.resolve(n, 0, 1)
		if err != nil {
			return nil, err
		}
		mv.constrained = true
		mv.lower, mv.upper = lower, upper
	}
	return mv, nil
}

// Vertex returns the global minimum-variance point (variance, return).
func (mv *MeanVariance) Vertex() (variance, ret float64) {
	return 1 / mv.c, mv.a / mv.c
}

// Constants returns A, B, C and D.
func (mv *MeanVariance) Constants() (a, b, c, d float64) {
	return mv.a, mv.b, mv.c, mv.d
}

// VarianceFromReturn returns the frontier variance and weights at return rho.
func (mv *MeanVariance) VarianceFromReturn(rho float64) (float64, []float64, error) {
	if rho < mv.a/mv.c {
		return 0, nil, fmt.Errorf("%w: return %.6g below minimum-variance return %.6g",
			types.ErrInfeasibleTarget, rho, mv.a/mv.c)
	}
	w := make([]float64, len(mv.r))
	for i := range w {
		w[i] = rho/mv.d*(mv.c*mv.invR[i]-mv.a*mv.invOnes[i]) +
			(mv.b*mv.invOnes[i]-mv.a*mv.invR[i])/mv.d
	}
	variance := (mv.c*rho*rho - 2*mv.a*rho + mv.b) / mv.d
	return variance, w, nil
}

// ReturnFromVariance returns the upper-branch frontier return and weights
// at the given variance.
func (mv *MeanVariance) ReturnFromVariance(variance float64) (float64, []float64, error) {
	if variance < 1/mv.c {
		return 0, nil, fmt.Errorf("%w: variance %.6g below minimum variance %.6g",
			types.ErrInfeasibleTarget, variance, 1/mv.c)
	}
	inner := mv.d / mv.c * (variance + mv.a*mv.a/(mv.d*mv.c) - mv.b/mv.d)
	rho := mv.a/mv.c + math.Sqrt(math.Max(inner, 0))
	_, w, err := mv.VarianceFromReturn(rho)
	if err != nil {
		return 0, nil, err
	}
	return rho, w, nil
}

// MinVariance minimizes variance at return rho ("minWave").
func (mv *MeanVariance) MinVariance(rho float64) (*types.SolveResult, error) {
	variance, w, err := mv.VarianceFromReturn(rho)
	if err != nil {
		return nil, err
	}
	if !mv.constrained {
		return &types.SolveResult{Weights: w, Return: rho, Variance: variance, Status: types.DirectStatus()}, nil
	}
	return mv.constrainedAt(rho), nil
}

// MaxReturn maximizes return at the given variance. Under bounds the return
// of the unconstrained frontier is pinned and the variance is minimized
// there, so the achieved variance may exceed the target.
func (mv *MeanVariance) MaxReturn(variance float64) (*types.SolveResult, error) {
	rho, w, err := mv.ReturnFromVariance(variance)
	if err != nil {
		return nil, err
	}
	if !mv.constrained {
		return &types.SolveResult{Weights: w, Return: rho, Variance: variance, Status: types.DirectStatus()}, nil
	}
	return mv.constrainedAt(rho), nil
}

// MaxSharpe returns the tangency portfolio for risk-free rate rf. Its
// variance (1 + D/(A-C·rf)²)/C reduces to (1 + D/A²)/C when rf is zero.
func (mv *MeanVariance) MaxSharpe(rf float64) (*types.SolveResult, error) {
	excess := mv.a - mv.c*rf
	if excess <= 0 {
		return nil, fmt.Errorf("%w: risk-free rate %.6g is not below the minimum-variance return %.6g",
			types.ErrInfeasibleTarget, rf, mv.a/mv.c)
	}
	target := (1 + mv.d/(excess*excess)) / mv.c
	rho, w, err := mv.ReturnFromVariance(target)
	if err != nil {
		return nil, err
	}
	if !mv.constrained {
		return &types.SolveResult{Weights: w, Return: rho, Variance: target, Status: types.DirectStatus()}, nil
	}
	return mv.constrainedSharpe(rho, rf)
}

func (mv *MeanVariance) constrainedAt(rho float64) *types.SolveResult {
	n := len(mv.r)
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	qp := &boxQP{
		hessian: mv.sigma,
		eq:      []linearRow{{coef: ones, rhs: 1}, {coef: mv.r, rhs: rho}},
		lower:   mv.lower,
		upper:   mv.upper,
		maxIter: mv.config.QPMaxIterations,
		lpTol:   mv.config.LPTolerance,
	}
	w, status := qp.solve()
	res := &types.SolveResult{Weights: w, Status: types.QPStatus(string(status))}
	if w != nil {
		res.Return = floats.Dot(mv.r, w)
		res.Variance = mv.portfolioVariance(w)
	}
	return res
}

// constrainedSharpe brackets the tangency return with two LPs: one above
// the unconstrained tangency return and one between the vertex and it. The
// branch with the higher realized Sharpe ratio wins.
func (mv *MeanVariance) constrainedSharpe(tangent, rf float64) (*types.SolveResult, error) {
	n := len(mv.r)
	ones := make([]float64, n)
	neg := make([]float64, n)
	for i := range ones {
		ones[i] = 1
		neg[i] = -mv.r[i]
	}
	budget := []linearRow{{coef: ones, rhs: 1}}

	branches := []*boxLP{
		{
			cost: neg, lower: mv.lower, upper: mv.upper, eq: budget,
			le:  []linearRow{{coef: neg, rhs: -tangent}},
			tol: mv.config.LPTolerance,
		},
		{
			cost: neg, lower: mv.lower, upper: mv.upper, eq: budget,
			le: []linearRow{
				{coef: neg, rhs: -mv.a / mv.c},
				{coef: mv.r, rhs: tangent},
			},
			tol: mv.config.LPTolerance,
		},
	}

	var (
		best       *types.SolveResult
		bestSharpe = math.Inf(-1)
		errs       []error
	)
	for _, branch := range branches {
		w, err := branch.solve()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ret := floats.Dot(mv.r, w)
		variance := mv.portfolioVariance(w)
		if variance <= 0 {
			errs = append(errs, errors.New("zero-variance portfolio"))
			continue
		}
		if sharpe := (ret - rf) / math.Sqrt(variance); sharpe > bestSharpe {
			bestSharpe = sharpe
			best = &types.SolveResult{Weights: w, Return: ret, Variance: variance, Status: types.LPSuccessStatus()}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: sharpe linear programs failed: %v", types.ErrSolverNonConvergence, errors.Join(errs...))
	}
	return best, nil
}

func (mv *MeanVariance) portfolioVariance(w []float64) float64 {
	v := mat.NewVecDense(len(w), w)
	return mat.Inner(v, mv.sigma, v)
}

// ReturnForecaster replaces the sample mean of a window before the frontier
// is built.
type ReturnForecaster interface {
	Posterior(st *stats.ReturnStatistics) (*stats.ReturnStatistics, error)
}

// MeanVarianceSolver runs a MeanVariance objective on each window.
type MeanVarianceSolver struct {
	logger     *zap.Logger
	config     *SolverConfig
	objective  Objective
	bounds     *Bounds
	forecaster ReturnForecaster
}

// NewMeanVarianceSolver creates a new mean-variance solver
func NewMeanVarianceSolver(logger *zap.Logger, config *SolverConfig, objective Objective, bounds *Bounds) *MeanVarianceSolver {
	if config == nil {
		config = DefaultSolverConfig()
	}
	return &MeanVarianceSolver{
		logger:    logger,
		config:    config,
		objective: objective,
		bounds:    bounds,
	}
}

// WithForecaster makes the solver use f's expected returns in place of the
// sample mean.
func (s *MeanVarianceSolver) WithForecaster(f ReturnForecaster) *MeanVarianceSolver {
	s.forecaster = f
	return s
}

func (s *MeanVarianceSolver) Solve(ctx context.Context, st *stats.ReturnStatistics) (*types.SolveResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.forecaster != nil {
		posterior, err := s.forecaster.Posterior(st)
		if err != nil {
			return nil, fmt.Errorf("failed to forecast returns: %w", err)
		}
		st = posterior
	}
	mv, err := NewMeanVariance(st, s.bounds, s.config)
	if err != nil {
		return nil, err
	}

	var res *types.SolveResult
	switch o := s.objective.(type) {
	case MinVariance:
		res, err = mv.MinVariance(o.TargetReturn)
	case MaxReturn:
		res, err = mv.MaxReturn(o.TargetVariance)
	case MaxSharpe:
		res, err = mv.MaxSharpe(o.RiskFree)
	default:
		return nil, fmt.Errorf("unsupported objective %T", s.objective)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Mean-variance solve complete",
		zap.String("mode", string(s.objective.Mode())),
		zap.String("status", res.Status.String()),
		zap.Float64("return", res.Return),
		zap.Float64("variance", res.Variance),
	)
	return res, nil
}
