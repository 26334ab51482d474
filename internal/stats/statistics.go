// Package stats computes the sample moments that feed the allocation solvers.
package stats

import (
	"fmt"
	"math"
	"strconv"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/atlas-desktop/allocation-backend/pkg/types"
)

const (
	coLinearAbsTol = 1e-8
	coLinearRelTol = 1e-5
)

// ReturnStatistics holds the mean vector and sample covariance of a
// return matrix.
type ReturnStatistics struct {
	AssetIDs     []string
	Mean         []float64
	Covariance   *mat.SymDense
	Observations int
}

// Compute derives the per-asset mean and the n-1 sample covariance of m.
// assetIDs may be nil, in which case positional ids are used.
func Compute(assetIDs []string, m types.ReturnMatrix) (*ReturnStatistics, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	n := m.Assets()
	if n == 0 {
		return nil, fmt.Errorf("%w: return matrix has no assets", types.ErrDataInsufficiency)
	}
	if assetIDs == nil {
		assetIDs = make([]string, n)
		for i := range assetIDs {
			assetIDs[i] = strconv.Itoa(i)
		}
	}
	if len(assetIDs) != n {
		return nil, fmt.Errorf("%w: %d asset ids for %d return rows", types.ErrDimensionMismatch, len(assetIDs), n)
	}
	t := m.Days()
	if t < 2 {
		return nil, fmt.Errorf("%w: %d observations, need at least 2", types.ErrDataInsufficiency, t)
	}

	obs := mat.NewDense(t, n, nil)
	mean := make([]float64, n)
	for i, row := range m {
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: non-finite return for %s at %d", types.ErrDataInsufficiency, assetIDs[i], j)
			}
			obs.Set(j, i, v)
		}
		mean[i] = stat.Mean(row, nil)
	}

	cov := mat.NewSymDense(n, nil)
	stat.CovarianceMatrix(cov, obs, nil)

	return &ReturnStatistics{
		AssetIDs:     append([]string(nil), assetIDs...),
		Mean:         mean,
		Covariance:   cov,
		Observations: t,
	}, nil
}

// Correlation converts the covariance matrix into a correlation matrix.
func (s *ReturnStatistics) Correlation() *mat.SymDense {
	return Correlation(s.Covariance)
}

// CoLinearPairs lists the asset pairs with unit correlation magnitude.
func (s *ReturnStatistics) CoLinearPairs() [][2]string {
	return CoLinearPairs(s.AssetIDs, s.Covariance)
}

// CheckCoLinearity returns a *types.CoLinearError when any pair is co-linear.
func (s *ReturnStatistics) CheckCoLinearity() error {
	return CheckCoLinearity(s.AssetIDs, s.Covariance)
}

// Scale returns statistics of the return matrix multiplied by factor.
func (s *ReturnStatistics) Scale(factor float64) *ReturnStatistics {
	n := len(s.Mean)
	mean := make([]float64, n)
	for i, v := range s.Mean {
		mean[i] = v * factor
	}
	cov := mat.NewSymDense(n, nil)
	cov.ScaleSym(factor*factor, s.Covariance)
	return &ReturnStatistics{
		AssetIDs:     append([]string(nil), s.AssetIDs...),
		Mean:         mean,
		Covariance:   cov,
		Observations: s.Observations,
	}
}

// Correlation converts cov into a correlation matrix. Entries whose
// covariance is exactly zero are zero.
func Correlation(cov mat.Symmetric) *mat.SymDense {
	n := cov.SymmetricDim()
	corr := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			c := cov.At(i, j)
			if c == 0 {
				continue
			}
			corr.SetSym(i, j, c/math.Sqrt(cov.At(i, i)*cov.At(j, j)))
		}
	}
	return corr
}

// CoLinearPairs scans the upper triangle of the correlation matrix for
// entries whose magnitude is one within tolerance.
func CoLinearPairs(assetIDs []string, cov mat.Symmetric) [][2]string {
	corr := Correlation(cov)
	n := corr.SymmetricDim()
	var pairs [][2]string
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			c := math.Abs(corr.At(i, j))
			if math.Abs(c-1) <= coLinearAbsTol+coLinearRelTol {
				pairs = append(pairs, [2]string{label(assetIDs, i), label(assetIDs, j)})
			}
		}
	}
	return pairs
}

// CheckCoLinearity fails with a *types.CoLinearError naming every co-linear pair.
func CheckCoLinearity(assetIDs []string, cov mat.Symmetric) error {
	pairs := CoLinearPairs(assetIDs, cov)
	if len(pairs) == 0 {
		return nil
	}
	return &types.CoLinearError{Pairs: pairs}
}

func label(ids []string, i int) string {
	if i < len(ids) {
		return ids[i]
	}
	return strconv.Itoa(i)
}
