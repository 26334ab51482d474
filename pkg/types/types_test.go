package types_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/allocation-backend/pkg/types"
)

func TestSolveStatusString(t *testing.T) {
	cases := []struct {
		status types.SolveStatus
		want   string
	}{
		{types.DirectStatus(), "direct"},
		{types.QPStatus("optimal"), "qp_optimal"},
		{types.QPStatus("primal_infeasible"), "qp_primal_infeasible"},
		{types.LPSuccessStatus(), "lp_success"},
		{types.OptimalStatus(), "optimal"},
		{types.UnknownStatus(), "unknown"},
		{types.FailedStatus(errors.New("boom")), "FAIL_boom"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.status.String())
		parsed, err := types.ParseSolveStatus(tc.want)
		require.NoError(t, err)
		assert.Equal(t, tc.status, parsed)
	}

	_, err := types.ParseSolveStatus("bogus")
	assert.Error(t, err)
}

func TestCoLinearErrorUnwraps(t *testing.T) {
	err := error(&types.CoLinearError{Pairs: [][2]string{{"a", "b"}}})
	assert.True(t, errors.Is(err, types.ErrCoLinearAssets))
	assert.Contains(t, err.Error(), "a~b")
}

func TestOptionalFloatDecoding(t *testing.T) {
	var specs []types.AssetSpec
	payload := `[
		{"id":"a","lower_bound":"0.1","upper_bound":""},
		{"id":"b","lower_bound":0.2,"upper_bound":null},
		{"id":"c"}
	]`
	require.NoError(t, json.Unmarshal([]byte(payload), &specs))

	assert.Equal(t, types.Float(0.1), specs[0].LowerBound)
	assert.False(t, specs[0].UpperBound.Set)
	assert.Equal(t, types.Float(0.2), specs[1].LowerBound)
	assert.False(t, specs[1].UpperBound.Set)
	assert.False(t, specs[2].LowerBound.Set)

	var bad types.OptionalFloat
	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &bad))
}

func TestReturnMatrixHelpers(t *testing.T) {
	m := types.ReturnMatrix{{1, 2, 3}, {4, 5, 6}}
	require.NoError(t, m.Validate())
	assert.Equal(t, 2, m.Assets())
	assert.Equal(t, 3, m.Days())
	assert.Equal(t, []float64{2, 5}, m.Column(1))
	assert.Equal(t, types.ReturnMatrix{{2, 3}, {5, 6}}, m.Slice(1, 3))
	assert.Equal(t, types.ReturnMatrix{{0.5, 1, 1.5}, {2, 2.5, 3}}, m.Scale(0.5))

	ragged := types.ReturnMatrix{{1, 2}, {3}}
	assert.ErrorIs(t, ragged.Validate(), types.ErrDimensionMismatch)
}

func TestReportMap(t *testing.T) {
	start := time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)
	report := &types.BacktestReport{
		ID:       "bt_1",
		Strategy: types.StrategyFixed,
		AssetIDs: []string{"x", "y"},
		Periods: []types.PeriodRecord{{
			Weights: []float64{0.25, 0.75},
			Status:  types.DirectStatus(),
			Period:  types.DateRange{Start: start, End: start.AddDate(0, 0, 4)},
		}},
		Summary: types.BacktestSummary{
			Return:       0.1,
			InvestAmount: decimal.NewFromInt(10000),
			FinalCapital: decimal.NewFromInt(11000),
		},
	}

	m := report.Map()
	assert.Equal(t, "fixed", m["strategy"])
	periods := m["periods"].([]any)
	require.Len(t, periods, 1)
	period := periods[0].(map[string]any)
	assert.Equal(t, "direct", period["status"])
	assert.Equal(t, "20200102", period["start"])
	assert.Equal(t, 0.75, period["weights"].(map[string]any)["y"])

	summary := m["summary"].(map[string]any)
	assert.Equal(t, "11000", summary["final_capital"])
	assert.Equal(t, 0.1, summary["rtn"])
}
