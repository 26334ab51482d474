package data_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/allocation-backend/internal/data"
	"github.com/atlas-desktop/allocation-backend/pkg/types"
)

// seedSequential stores day index t as the return of asset A and -t for B.
func seedSequential(t *testing.T, store *data.Store, n int) []data.DailyReturn {
	t.Helper()
	calendar := data.WeekdayCalendar(day(1), n)
	a := make([]data.DailyReturn, n)
	b := make([]data.DailyReturn, n)
	for i, d := range calendar {
		a[i] = data.DailyReturn{Day: d, Return: float64(i)}
		b[i] = data.DailyReturn{Day: d, Return: -float64(i)}
	}
	ctx := context.Background()
	require.NoError(t, store.SaveReturns(ctx, "A", a))
	require.NoError(t, store.SaveReturns(ctx, "B", b))
	return a
}

func TestProviderWindows(t *testing.T) {
	store := openTestStore(t)
	series := seedSequential(t, store, 20)
	provider := data.NewProvider(zap.NewNop(), store)

	// holding days are indices 5..14 (10 days), gap 4 -> 4,4,2
	set, err := provider.Windows(context.Background(), data.WindowRequest{
		AssetIDs: []string{"A", "B"},
		Begin:    series[5].Day,
		End:      series[14].Day,
		Gap:      4,
		Lookback: 5,
		Dilate:   10,
	})
	require.NoError(t, err)
	require.Equal(t, 3, set.Len())

	assert.Equal(t, types.ReturnMatrix{{0, 10, 20, 30, 40}, {0, -10, -20, -30, -40}}, set.Training[0])
	assert.Equal(t, []float64{50, 60, 70, 80}, set.Holding[0][0])
	assert.Equal(t, []float64{90, 100, 110, 120}, set.Holding[1][0])
	assert.Equal(t, []float64{130, 140}, set.Holding[2][0])
	assert.Equal(t, []float64{40, 50, 60, 70, 80}, set.Training[1][0])

	assert.True(t, set.HoldingRanges[2].Start.Equal(series[13].Day))
	assert.True(t, set.HoldingRanges[2].End.Equal(series[14].Day))
	assert.True(t, set.Span.Start.Equal(series[5].Day))
	assert.Equal(t, 10, set.Dilate)
}

func TestProviderWindowsInsufficientLookback(t *testing.T) {
	store := openTestStore(t)
	series := seedSequential(t, store, 10)
	provider := data.NewProvider(zap.NewNop(), store)

	_, err := provider.Windows(context.Background(), data.WindowRequest{
		AssetIDs: []string{"A"},
		Begin:    series[2].Day,
		End:      series[9].Day,
		Gap:      2,
		Lookback: 5,
	})
	assert.ErrorIs(t, err, types.ErrDataInsufficiency)

	_, err = provider.Windows(context.Background(), data.WindowRequest{
		AssetIDs: []string{"A"},
		Begin:    series[9].Day.AddDate(1, 0, 0),
		End:      series[9].Day.AddDate(2, 0, 0),
		Gap:      2,
		Lookback: 5,
	})
	assert.ErrorIs(t, err, types.ErrDataInsufficiency)
}

func TestProviderLookback(t *testing.T) {
	store := openTestStore(t)
	series := seedSequential(t, store, 10)
	provider := data.NewProvider(zap.NewNop(), store)

	m, span, err := provider.Lookback(context.Background(), []string{"A"}, series[9].Day, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, types.ReturnMatrix{{7, 8, 9}}, m)
	assert.True(t, span.End.Equal(series[9].Day))

	_, _, err = provider.Lookback(context.Background(), []string{"A"}, series[9].Day, 30, 1)
	assert.ErrorIs(t, err, types.ErrDataInsufficiency)
}
