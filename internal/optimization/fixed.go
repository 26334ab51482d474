package optimization

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/atlas-desktop/allocation-backend/internal/stats"
	"github.com/atlas-desktop/allocation-backend/pkg/types"
)

// FixedWeightSolver returns the same weight vector for every window.
type FixedWeightSolver struct {
	weights []float64
}

// NewFixedWeightSolver creates a fixed-weight solver. A nil vector means
// equal weights across whatever assets the window holds.
func NewFixedWeightSolver(weights []float64) *FixedWeightSolver {
	return &FixedWeightSolver{weights: append([]float64(nil), weights...)}
}

func (s *FixedWeightSolver) Solve(ctx context.Context, st *stats.ReturnStatistics) (*types.SolveResult, error) {
	n := len(st.Mean)
	w := s.weights
	if len(w) == 0 {
		w = equalWeights(n)
	}
	if len(w) != n {
		return nil, fmt.Errorf("%w: %d fixed weights for %d assets", types.ErrDimensionMismatch, len(w), n)
	}
	w = append([]float64(nil), w...)

	v := mat.NewVecDense(n, w)
	return &types.SolveResult{
		Weights:  w,
		Return:   floats.Dot(st.Mean, w),
		Variance: mat.Inner(v, st.Covariance, v),
		Status:   types.DirectStatus(),
	}, nil
}
