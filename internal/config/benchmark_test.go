package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/allocation-backend/internal/config"
	"github.com/atlas-desktop/allocation-backend/pkg/types"
)

func TestParseBenchmark(t *testing.T) {
	b, err := config.ParseBenchmark("")
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = config.ParseBenchmark("CSI800")
	require.NoError(t, err)
	assert.Equal(t, []string{"CSI800"}, b.AssetIDs)
	assert.Equal(t, []float64{1}, b.Weights)

	b, err = config.ParseBenchmark("eq:0.2, bond:0.8")
	require.NoError(t, err)
	assert.Equal(t, []string{"eq", "bond"}, b.AssetIDs)
	assert.Equal(t, []float64{0.2, 0.8}, b.Weights)

	_, err = config.ParseBenchmark("eq:0.2,bond:0.7")
	assert.ErrorIs(t, err, types.ErrInfeasibleTarget)

	_, err = config.ParseBenchmark("eq,bond:1")
	assert.ErrorIs(t, err, config.ErrInvalidBenchmark)

	_, err = config.ParseBenchmark("eq:abc")
	assert.ErrorIs(t, err, config.ErrInvalidBenchmark)

	_, err = config.ParseBenchmark(":0.5,bond:0.5")
	assert.ErrorIs(t, err, config.ErrInvalidBenchmark)
}
