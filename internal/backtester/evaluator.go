package backtester

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/allocation-backend/pkg/types"
)

// Accumulator concatenates the daily series of consecutive holding windows.
// Once a window stops early every later window is ignored.
type Accumulator struct {
	returns   []float64
	periods   int
	stopped   bool
	totalCost decimal.Decimal
}

// NewAccumulator creates an empty accumulator
func NewAccumulator() *Accumulator {
	return &Accumulator{totalCost: decimal.Zero}
}

// Append adds one window's series. It returns false, leaving the
// accumulator untouched, when an earlier window already stopped early.
func (a *Accumulator) Append(series []float64, earlyStop bool) bool {
	if a.stopped {
		return false
	}
	a.returns = append(a.returns, series...)
	a.periods++
	a.stopped = earlyStop
	return true
}

// AddCost books a reallocation cost against the invested capital.
func (a *Accumulator) AddCost(cost decimal.Decimal) {
	a.totalCost = a.totalCost.Add(cost)
}

// Returns returns a copy of the concatenated series.
func (a *Accumulator) Returns() []float64 {
	return append([]float64(nil), a.returns...)
}

func (a *Accumulator) Stopped() bool { return a.stopped }
func (a *Accumulator) Periods() int  { return a.periods }

// EvaluatorConfig configures the evaluator
type EvaluatorConfig struct {
	InvestAmount decimal.Decimal
}

// DefaultEvaluatorConfig returns sensible defaults
func DefaultEvaluatorConfig() *EvaluatorConfig {
	return &EvaluatorConfig{
		InvestAmount: decimal.NewFromInt(10000),
	}
}

// Evaluator turns an accumulated return series into a backtest summary.
type Evaluator struct {
	logger  *zap.Logger
	config  *EvaluatorConfig
	metrics *MetricsCalculator
}

// NewEvaluator creates a new evaluator
func NewEvaluator(logger *zap.Logger, config *EvaluatorConfig) *Evaluator {
	if config == nil {
		config = DefaultEvaluatorConfig()
	}
	if !config.InvestAmount.IsPositive() {
		config.InvestAmount = DefaultEvaluatorConfig().InvestAmount
	}
	return &Evaluator{
		logger:  logger,
		config:  config,
		metrics: NewMetricsCalculator(),
	}
}

// Metrics exposes the calculator used for per-window figures.
func (e *Evaluator) Metrics() *MetricsCalculator {
	return e.metrics
}

// Summarize computes the aggregate figures of acc. span is the requested
// backtest range used for annualization.
func (e *Evaluator) Summarize(acc *Accumulator, span types.DateRange) (*types.BacktestSummary, error) {
	returns := acc.returns
	invest := e.config.InvestAmount
	cost := acc.totalCost

	gross := e.metrics.GrossReturn(returns)
	if math.IsNaN(gross) || math.IsInf(gross, 0) {
		return nil, fmt.Errorf("%w: gross return %v over %d days is not finite",
			types.ErrDataInsufficiency, gross, len(returns))
	}
	grossAmount := invest.Mul(decimal.NewFromFloat(gross))
	net := grossAmount.Sub(cost).Div(invest).InexactFloat64()

	rec, err := NewPipeline(AddStd(), Annualize(span.CalendarDays())).Run(Record{
		KeyReturn:   net,
		KeyVariance: e.metrics.Variance(returns),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to post-process summary: %w", err)
	}

	summary := &types.BacktestSummary{
		Return:           net,
		GrossReturn:      gross,
		Variance:         rec[KeyVariance],
		Std:              rec[KeyStd],
		TradeDays:        len(returns),
		MaxDrawdown:      e.metrics.MaxDrawdown(returns, invest.InexactFloat64()),
		AnnualizedReturn: rec[KeyAnnualized],
		InvestAmount:     invest,
		TotalCost:        cost,
		FinalCapital:     invest.Add(grossAmount).Sub(cost).Round(2),
		EarlyStop:        acc.stopped,
	}

	e.logger.Debug("Backtest summarized",
		zap.Int("periods", acc.periods),
		zap.Int("tradeDays", summary.TradeDays),
		zap.Float64("return", summary.Return),
		zap.Float64("maxDrawdown", summary.MaxDrawdown),
		zap.Bool("earlyStop", summary.EarlyStop),
	)
	return summary, nil
}
