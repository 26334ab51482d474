package stats_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/atlas-desktop/allocation-backend/internal/stats"
	"github.com/atlas-desktop/allocation-backend/pkg/types"
)

func twoAssetStats() *stats.ReturnStatistics {
	return &stats.ReturnStatistics{
		AssetIDs:     []string{"A", "B"},
		Mean:         []float64{0.2, -0.1},
		Covariance:   mat.NewSymDense(2, []float64{0.04, 0.01, 0.01, 0.01}),
		Observations: 60,
	}
}

func TestBlackLittermanPrior(t *testing.T) {
	bl, err := stats.NewBlackLitterman(stats.Views{
		Pick:    [][]float64{{1, 0}},
		Returns: []float64{0.1},
	}, []float64{0.5, 0.5}, nil)
	require.NoError(t, err)

	// 3 * Σw
	pi := bl.Prior(twoAssetStats().Covariance)
	assert.InDelta(t, 0.075, pi[0], 1e-12)
	assert.InDelta(t, 0.03, pi[1], 1e-12)
}

func TestBlackLittermanPosterior(t *testing.T) {
	tests := []struct {
		name  string
		pick  []float64
		view  float64
		tau   float64
		wantA float64
		wantB float64
	}{
		// a view agreeing with the prior leaves it untouched
		{"consistent view", []float64{1, 0}, 0.075, 0.05, 0.075, 0.03},
		// Ω = τσ², so the view gets half the weight: π + Σp(q-p'π)/(2p'Σp)
		{"absolute view", []float64{1, 0}, 0.12, 0.05, 0.0975, 0.035625},
		{"absolute view, other tau", []float64{1, 0}, 0.12, 0.5, 0.0975, 0.035625},
		{"relative view", []float64{1, -1}, 0.1, 0.05, 0.1025, 0.03},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := stats.DefaultBlackLittermanConfig()
			cfg.Tau = tt.tau
			bl, err := stats.NewBlackLitterman(stats.Views{
				Pick:    [][]float64{tt.pick},
				Returns: []float64{tt.view},
			}, []float64{0.5, 0.5}, cfg)
			require.NoError(t, err)

			st := twoAssetStats()
			post, err := bl.Posterior(st)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantA, post.Mean[0], 1e-10)
			assert.InDelta(t, tt.wantB, post.Mean[1], 1e-10)
			assert.Equal(t, st.AssetIDs, post.AssetIDs)
			assert.InDelta(t, st.Covariance.At(0, 1), post.Covariance.At(0, 1), 1e-15)
			assert.Equal(t, 0.2, st.Mean[0])
		})
	}
}

func TestBlackLittermanPosteriorFollowsDilate(t *testing.T) {
	views := [][]float64{{1, 0}, {0.5, -0.5}}

	plain, err := stats.NewBlackLitterman(stats.Views{Pick: views, Returns: []float64{0.12, 0.01}},
		[]float64{0.3, 0.7}, nil)
	require.NoError(t, err)
	base, err := plain.Posterior(twoAssetStats())
	require.NoError(t, err)

	cfg := stats.DefaultBlackLittermanConfig()
	cfg.Dilate = 100
	dilated, err := stats.NewBlackLitterman(stats.Views{Pick: views, Returns: []float64{12, 1}},
		[]float64{0.3, 0.7}, cfg)
	require.NoError(t, err)
	scaled, err := dilated.Posterior(twoAssetStats().Scale(100))
	require.NoError(t, err)

	for i := range base.Mean {
		assert.InDelta(t, base.Mean[i]*100, scaled.Mean[i], 1e-9)
	}
}

func TestNewBlackLittermanRejectsBadViews(t *testing.T) {
	eq := []float64{0.5, 0.5}

	_, err := stats.NewBlackLitterman(stats.Views{}, eq, nil)
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)

	_, err = stats.NewBlackLitterman(stats.Views{Pick: [][]float64{{1, 0}}, Returns: []float64{0.1, 0.2}}, eq, nil)
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)

	_, err = stats.NewBlackLitterman(stats.Views{Pick: [][]float64{{1, 0, 0}}, Returns: []float64{0.1}}, eq, nil)
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)

	_, err = stats.NewBlackLitterman(stats.Views{Pick: [][]float64{{0, 0}}, Returns: []float64{0.1}}, eq, nil)
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)

	cfg := stats.DefaultBlackLittermanConfig()
	cfg.Tau = 0
	_, err = stats.NewBlackLitterman(stats.Views{Pick: [][]float64{{1, 0}}, Returns: []float64{0.1}}, eq, cfg)
	assert.ErrorIs(t, err, types.ErrInfeasibleTarget)

	bl, err := stats.NewBlackLitterman(stats.Views{Pick: [][]float64{{1, 0, 0}}, Returns: []float64{0.1}},
		[]float64{0.2, 0.3, 0.5}, nil)
	require.NoError(t, err)
	_, err = bl.Posterior(twoAssetStats())
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)
}
