package optimization_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/atlas-desktop/allocation-backend/internal/optimization"
	"github.com/atlas-desktop/allocation-backend/internal/stats"
	"github.com/atlas-desktop/allocation-backend/pkg/types"
)

func seededReturns(assets, days int, seed int64) types.ReturnMatrix {
	rng := rand.New(rand.NewSource(seed))
	m := make(types.ReturnMatrix, assets)
	for i := range m {
		m[i] = make([]float64, days)
		for j := range m[i] {
			m[i][j] = -0.03 + 0.06*rng.Float64() + 0.0005*float64(i)
		}
	}
	return m
}

func diagonal(values ...float64) *stats.ReturnStatistics {
	n := len(values)
	cov := mat.NewSymDense(n, nil)
	for i, v := range values {
		cov.SetSym(i, i, v)
	}
	return &stats.ReturnStatistics{Mean: make([]float64, n), Covariance: cov}
}

func solveRiskBudget(t *testing.T, st *stats.ReturnStatistics, groups [][]float64, target []float64) *types.SolveResult {
	t.Helper()
	solver := optimization.NewRiskBudgetSolver(zap.NewNop(), nil, groups, target, nil)
	res, err := solver.Solve(context.Background(), st)
	require.NoError(t, err)
	return res
}

func TestRiskParityEqualVariance(t *testing.T) {
	res := solveRiskBudget(t, diagonal(0.04, 0.04, 0.04), nil, nil)

	assert.Equal(t, "optimal", res.Status.String())
	for _, w := range res.Weights {
		assert.InDelta(t, 1.0/3, w, 1e-6)
	}
	assert.InDelta(t, 0.04/3, res.Variance, 1e-9)
}

func TestRiskParityInverseVolatility(t *testing.T) {
	res := solveRiskBudget(t, diagonal(0.01, 0.04, 0.09), nil, nil)

	assert.Equal(t, "optimal", res.Status.String())
	assert.InDelta(t, 1.0, floats.Sum(res.Weights), 1e-6)
	assert.InDelta(t, 6.0/11, res.Weights[0], 1e-4)
	assert.InDelta(t, 3.0/11, res.Weights[1], 1e-4)
	assert.InDelta(t, 2.0/11, res.Weights[2], 1e-4)

	rc := res.RiskContributions
	require.Len(t, rc, 3)
	for i := 1; i < len(rc); i++ {
		assert.InDelta(t, rc[0], rc[i], 1e-6)
	}
}

func TestRiskBudgetTargetRatio(t *testing.T) {
	res := solveRiskBudget(t, diagonal(0.04, 0.04, 0.04), nil, []float64{0.5, 0.25, 0.25})

	// rc_i ∝ w_i², so w ∝ sqrt(target)
	assert.InDelta(t, 0.414214, res.Weights[0], 1e-4)
	assert.InDelta(t, 0.292893, res.Weights[1], 1e-4)
	assert.InDelta(t, 0.292893, res.Weights[2], 1e-4)
}

func TestRiskBudgetGroups(t *testing.T) {
	groups := [][]float64{
		{1, 1, 0},
		{0, 0, 1},
	}
	res := solveRiskBudget(t, diagonal(0.04, 0.04, 0.16), groups, nil)

	require.Len(t, res.RiskContributions, 2)
	assert.InDelta(t, res.RiskContributions[0], res.RiskContributions[1], 1e-6)
	assert.InDelta(t, 1.0, floats.Sum(res.Weights), 1e-6)
	assert.InDelta(t, floats.Sum(res.RiskContributions), res.Variance, 1e-12)
}

func TestRiskBudgetRespectsBounds(t *testing.T) {
	bounds := &optimization.Bounds{Upper: []float64{0.4, 1, 1}}
	solver := optimization.NewRiskBudgetSolver(zap.NewNop(), nil, nil, nil, bounds)
	res, err := solver.Solve(context.Background(), diagonal(0.01, 0.04, 0.09))
	require.NoError(t, err)

	// inverse volatility would put 6/11 in the first asset
	assert.LessOrEqual(t, res.Weights[0], 0.4+1e-6)
	assert.InDelta(t, 1.0, floats.Sum(res.Weights), 1e-6)
	for _, w := range res.Weights {
		assert.GreaterOrEqual(t, w, -1e-6)
	}
}

func TestRiskBudgetValidation(t *testing.T) {
	cov := diagonal(0.04, 0.04, 0.04).Covariance

	_, err := optimization.NewRiskBudget(cov, [][]float64{{1, 1, 0}, {0, 1, 1}}, nil, nil, nil)
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)

	_, err = optimization.NewRiskBudget(cov, [][]float64{{1, 1}}, nil, nil, nil)
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)

	_, err = optimization.NewRiskBudget(cov, nil, []float64{0.5, 0.2, 0.2}, nil, nil)
	assert.ErrorIs(t, err, types.ErrInfeasibleTarget)

	_, err = optimization.NewRiskBudget(cov, nil, []float64{0.5, 0.5}, nil, nil)
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)

	_, err = optimization.NewRiskBudget(cov, nil, []float64{0.5, 0.25, 0.255}, nil, nil)
	assert.NoError(t, err)
}

func TestRiskBudgetCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	solver := optimization.NewRiskBudgetSolver(zap.NewNop(), nil, nil, nil, nil)
	_, err := solver.Solve(ctx, diagonal(0.01, 0.04, 0.09))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFixedWeightSolver(t *testing.T) {
	st := threeAssets()

	res, err := optimization.NewFixedWeightSolver([]float64{0.2, 0.3, 0.5}).Solve(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, "direct", res.Status.String())
	assert.Equal(t, []float64{0.2, 0.3, 0.5}, res.Weights)
	assert.InDelta(t, 0.2*0.05+0.3*0.08+0.5*0.12, res.Return, 1e-12)
	assert.InDelta(t, quad(st, res.Weights), res.Variance, 1e-12)

	res, err = optimization.NewFixedWeightSolver(nil).Solve(context.Background(), st)
	require.NoError(t, err)
	for _, w := range res.Weights {
		assert.InDelta(t, 1.0/3, w, 1e-15)
	}

	_, err = optimization.NewFixedWeightSolver([]float64{0.5, 0.5}).Solve(context.Background(), st)
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)
}
