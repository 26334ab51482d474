package backtester_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/allocation-backend/internal/backtester"
)

func TestPipelineDiagnostics(t *testing.T) {
	p := backtester.NewPipeline(
		backtester.DeDilate(100),
		backtester.AddStd(),
		backtester.AddSharpe(0.0001),
		backtester.Annualize(0),
	)

	in := backtester.Record{"rtn": 0.05, "var": 4}
	out, err := p.Run(in)
	require.NoError(t, err)

	assert.InDelta(t, 0.0005, out["rtn"], 1e-15)
	assert.InDelta(t, 0.0004, out["var"], 1e-15)
	assert.InDelta(t, 0.02, out["std"], 1e-15)
	assert.InDelta(t, (0.0005-0.0001)/0.02, out["sharpe"], 1e-12)
	assert.InDelta(t, 0.0005, out["annualized_rtn"], 1e-15)

	// input is not modified
	assert.Equal(t, 0.05, in["rtn"])
}

func TestPipelineMissingInput(t *testing.T) {
	_, err := backtester.NewPipeline(backtester.AddStd()).Run(backtester.Record{"rtn": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "add_std")
}

func TestPipelineUndeclaredOutput(t *testing.T) {
	broken := backtester.Transform{
		Name:   "broken",
		Writes: []string{"x"},
		Apply: func(backtester.Record) (backtester.Record, error) {
			return backtester.Record{}, nil
		},
	}
	_, err := backtester.NewPipeline(broken).Run(backtester.Record{})
	assert.Error(t, err)
}

func TestAddSharpeWithoutRisk(t *testing.T) {
	out, err := backtester.NewPipeline(backtester.AddSharpe(0)).Run(backtester.Record{"rtn": 0.1, "std": 0})
	require.NoError(t, err)
	assert.Equal(t, 0.0, out["sharpe"])
}
