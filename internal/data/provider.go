package data

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/allocation-backend/internal/backtester"
	"github.com/atlas-desktop/allocation-backend/pkg/types"
)

// ReturnSource is the storage the provider slices windows from
type ReturnSource interface {
	TradingDays(ctx context.Context, from, to time.Time) ([]time.Time, error)
	TradingDaysBefore(ctx context.Context, day time.Time, n int) ([]time.Time, error)
	LoadReturns(ctx context.Context, assetIDs []string, days []time.Time) (types.ReturnMatrix, error)
}

// WindowRequest describes the windows of one backtest
type WindowRequest struct {
	AssetIDs []string
	Begin    time.Time
	End      time.Time
	Gap      int // holding days per rebalance window
	Lookback int // training days per window
	Dilate   int // factor applied to every stored return
}

// WindowSet holds the pre-sliced training and holding matrices of a
// backtest, all asset-major and scaled by the dilate factor.
type WindowSet struct {
	AssetIDs      []string
	Training      []types.ReturnMatrix
	Holding       []types.ReturnMatrix
	HoldingRanges []types.DateRange
	Span          types.DateRange // first to last holding trading day
	Dilate        int
}

// Len returns the number of windows
func (w *WindowSet) Len() int { return len(w.Holding) }

// Provider slices stored returns into rebalance windows
type Provider struct {
	logger *zap.Logger
	source ReturnSource
}

// NewProvider creates a window provider
func NewProvider(logger *zap.Logger, source ReturnSource) *Provider {
	return &Provider{logger: logger, source: source}
}

// Windows loads the lookback days before Begin and the trading days in
// [Begin, End] and cuts them into rebalance windows.
func (p *Provider) Windows(ctx context.Context, req WindowRequest) (*WindowSet, error) {
	if req.End.Before(req.Begin) {
		return nil, fmt.Errorf("begin %s is after end %s", req.Begin.Format(types.DateLayout), req.End.Format(types.DateLayout))
	}
	dilate := req.Dilate
	if dilate <= 0 {
		dilate = 1
	}

	holdingDays, err := p.source.TradingDays(ctx, req.Begin, req.End)
	if err != nil {
		return nil, fmt.Errorf("failed to load holding days: %w", err)
	}
	if len(holdingDays) == 0 {
		return nil, fmt.Errorf("%w: no trading days between %s and %s", types.ErrDataInsufficiency,
			req.Begin.Format(types.DateLayout), req.End.Format(types.DateLayout))
	}

	lookbackDays, err := p.source.TradingDaysBefore(ctx, holdingDays[0], req.Lookback)
	if err != nil {
		return nil, fmt.Errorf("failed to load lookback days: %w", err)
	}
	if len(lookbackDays) < req.Lookback {
		return nil, fmt.Errorf("%w: %d trading days before %s, lookback needs %d", types.ErrDataInsufficiency,
			len(lookbackDays), holdingDays[0].Format(types.DateLayout), req.Lookback)
	}

	windows, err := backtester.RebalanceWindows(len(holdingDays), req.Lookback, req.Gap)
	if err != nil {
		return nil, err
	}

	calendar := append(append([]time.Time(nil), lookbackDays...), holdingDays...)
	raw, err := p.source.LoadReturns(ctx, req.AssetIDs, calendar)
	if err != nil {
		return nil, fmt.Errorf("failed to load returns: %w", err)
	}
	combined := raw.Scale(float64(dilate))

	set := &WindowSet{
		AssetIDs:      append([]string(nil), req.AssetIDs...),
		Training:      make([]types.ReturnMatrix, len(windows)),
		Holding:       make([]types.ReturnMatrix, len(windows)),
		HoldingRanges: make([]types.DateRange, len(windows)),
		Span:          types.DateRange{Start: holdingDays[0], End: holdingDays[len(holdingDays)-1]},
		Dilate:        dilate,
	}
	for k, w := range windows {
		set.Training[k] = combined.Slice(w.Training.Start, w.Training.End)
		set.Holding[k] = combined.Slice(w.Holding.Start, w.Holding.End)
		set.HoldingRanges[k] = types.DateRange{
			Start: calendar[w.Holding.Start],
			End:   calendar[w.Holding.End-1],
		}
	}

	p.logger.Debug("sliced windows",
		zap.Int("windows", len(windows)),
		zap.Int("holdingDays", len(holdingDays)),
		zap.Int("lookback", req.Lookback),
		zap.Int("gap", req.Gap),
	)
	return set, nil
}

// Lookback returns the dilated returns of the last n trading days on or
// before end, for a one-off solve.
func (p *Provider) Lookback(ctx context.Context, assetIDs []string, end time.Time, n, dilate int) (types.ReturnMatrix, types.DateRange, error) {
	if dilate <= 0 {
		dilate = 1
	}
	days, err := p.source.TradingDaysBefore(ctx, end.AddDate(0, 0, 1), n)
	if err != nil {
		return nil, types.DateRange{}, fmt.Errorf("failed to load lookback days: %w", err)
	}
	if len(days) < n || n < 2 {
		return nil, types.DateRange{}, fmt.Errorf("%w: %d trading days up to %s, need %d",
			types.ErrDataInsufficiency, len(days), end.Format(types.DateLayout), n)
	}

	raw, err := p.source.LoadReturns(ctx, assetIDs, days)
	if err != nil {
		return nil, types.DateRange{}, fmt.Errorf("failed to load returns: %w", err)
	}
	return raw.Scale(float64(dilate)), types.DateRange{Start: days[0], End: days[len(days)-1]}, nil
}
