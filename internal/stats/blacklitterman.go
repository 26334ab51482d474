package stats

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/atlas-desktop/allocation-backend/pkg/types"
)

// BlackLittermanConfig configures the posterior return estimate.
type BlackLittermanConfig struct {
	Tau          float64 // shrinkage of the prior covariance, τΣ
	RiskAversion float64 // δ in the equilibrium return δΣw

	// Dilate is the factor the incoming statistics and view returns were
	// scaled by. The blend runs on the undilated scale.
	Dilate float64
}

// DefaultBlackLittermanConfig returns sensible defaults
func DefaultBlackLittermanConfig() *BlackLittermanConfig {
	return &BlackLittermanConfig{
		Tau:          0.05,
		RiskAversion: 3.0,
		Dilate:       1,
	}
}

// Views are linear statements P·μ = q about expected returns. Each row of
// Pick spans every asset.
type Views struct {
	Pick    [][]float64
	Returns []float64
}

// BlackLitterman blends the equilibrium returns implied by a set of
// weights with investor views.
type BlackLitterman struct {
	config      *BlackLittermanConfig
	pick        *mat.Dense
	q           *mat.VecDense
	equilibrium *mat.VecDense
}

// NewBlackLitterman validates the views against the equilibrium weights.
func NewBlackLitterman(views Views, equilibrium []float64, config *BlackLittermanConfig) (*BlackLitterman, error) {
	if config == nil {
		config = DefaultBlackLittermanConfig()
	}
	if config.Tau <= 0 || config.RiskAversion <= 0 {
		return nil, fmt.Errorf("%w: tau %g and risk aversion %g must be positive",
			types.ErrInfeasibleTarget, config.Tau, config.RiskAversion)
	}
	if config.Dilate <= 0 {
		config.Dilate = 1
	}

	n := len(equilibrium)
	k := len(views.Pick)
	if n == 0 || k == 0 {
		return nil, fmt.Errorf("%w: %d views over %d equilibrium weights", types.ErrDimensionMismatch, k, n)
	}
	if len(views.Returns) != k {
		return nil, fmt.Errorf("%w: %d view returns for %d views", types.ErrDimensionMismatch, len(views.Returns), k)
	}

	pick := mat.NewDense(k, n, nil)
	for i, row := range views.Pick {
		if len(row) != n {
			return nil, fmt.Errorf("%w: view %d picks %d assets, want %d", types.ErrDimensionMismatch, i, len(row), n)
		}
		if allZero(row) {
			return nil, fmt.Errorf("%w: view %d picks no asset", types.ErrDimensionMismatch, i)
		}
		pick.SetRow(i, row)
	}

	return &BlackLitterman{
		config:      config,
		pick:        pick,
		q:           mat.NewVecDense(k, append([]float64(nil), views.Returns...)),
		equilibrium: mat.NewVecDense(n, append([]float64(nil), equilibrium...)),
	}, nil
}

// Prior returns the equilibrium returns δΣw.
func (bl *BlackLitterman) Prior(cov mat.Symmetric) []float64 {
	var pi mat.VecDense
	pi.MulVec(cov, bl.equilibrium)
	pi.ScaleVec(bl.config.RiskAversion, &pi)
	return pi.RawVector().Data
}

// Posterior replaces the mean of st with
//
//	μ = [(τΣ)⁻¹ + P'Ω⁻¹P]⁻¹ [(τΣ)⁻¹π + P'Ω⁻¹q]
//
// where Ω is the diagonal of P(τΣ)P'. The covariance is kept.
func (bl *BlackLitterman) Posterior(st *ReturnStatistics) (*ReturnStatistics, error) {
	n := bl.equilibrium.Len()
	if len(st.Mean) != n || st.Covariance == nil || st.Covariance.SymmetricDim() != n {
		return nil, fmt.Errorf("%w: statistics over %d assets, views over %d", types.ErrDimensionMismatch, len(st.Mean), n)
	}

	d := bl.config.Dilate
	raw := st.Scale(1 / d)
	pi := mat.NewVecDense(n, bl.Prior(raw.Covariance))

	shrunk := mat.NewSymDense(n, nil)
	shrunk.ScaleSym(bl.config.Tau, raw.Covariance)
	var chol mat.Cholesky
	if ok := chol.Factorize(shrunk); !ok {
		return nil, fmt.Errorf("%w: prior covariance is not positive definite", types.ErrSingularCovariance)
	}
	precision := mat.NewSymDense(n, nil)
	if err := chol.InverseTo(precision); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSingularCovariance, err)
	}

	// weighted = Ω⁻¹P
	k, _ := bl.pick.Dims()
	weighted := mat.DenseCopyOf(bl.pick)
	for i := 0; i < k; i++ {
		row := bl.pick.RowView(i)
		omega := mat.Inner(row, shrunk, row)
		if omega <= 0 {
			return nil, fmt.Errorf("%w: view %d has no variance", types.ErrSingularCovariance, i)
		}
		for j := 0; j < n; j++ {
			weighted.Set(i, j, weighted.At(i, j)/omega)
		}
	}

	var viewPrecision mat.Dense
	viewPrecision.Mul(bl.pick.T(), weighted)
	combined := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			combined.SetSym(i, j, precision.At(i, j)+viewPrecision.At(i, j))
		}
	}

	q := mat.NewVecDense(k, nil)
	q.ScaleVec(1/d, bl.q)
	var rhs, fromViews mat.VecDense
	rhs.MulVec(precision, pi)
	fromViews.MulVec(weighted.T(), q)
	rhs.AddVec(&rhs, &fromViews)

	var post mat.Cholesky
	if ok := post.Factorize(combined); !ok {
		return nil, fmt.Errorf("%w: posterior precision is not positive definite", types.ErrSingularCovariance)
	}
	var mu mat.VecDense
	if err := post.SolveVecTo(&mu, &rhs); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSingularCovariance, err)
	}

	raw.Mean = append([]float64(nil), mu.RawVector().Data...)
	return raw.Scale(d), nil
}

func allZero(v []float64) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
