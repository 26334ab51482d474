// Package types provides shared type definitions for the allocation backend.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StrategyKind selects the allocation policy of a backtest.
type StrategyKind string

const (
	StrategyMeanVariance StrategyKind = "mean_variance"
	StrategyRiskBudget   StrategyKind = "risk_budget"
	StrategyFixed        StrategyKind = "fixed"
)

// ObjectiveMode selects the mean-variance objective.
type ObjectiveMode string

const (
	ModeMinWave   ObjectiveMode = "minWave"
	ModeMaxReturn ObjectiveMode = "maxReturn"
	ModeSharpe    ObjectiveMode = "sharpe"
)

// ReturnMatrix holds fractional periodic returns, one row per asset.
type ReturnMatrix [][]float64

// Assets returns the number of rows.
func (m ReturnMatrix) Assets() int { return len(m) }

// Days returns the number of observations per asset.
func (m ReturnMatrix) Days() int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

// Validate checks that every row has the same length.
func (m ReturnMatrix) Validate() error {
	days := m.Days()
	for i, row := range m {
		if len(row) != days {
			return fmt.Errorf("%w: row %d has %d observations, expected %d", ErrDimensionMismatch, i, len(row), days)
		}
	}
	return nil
}

// Scale returns a copy with every entry multiplied by factor.
func (m ReturnMatrix) Scale(factor float64) ReturnMatrix {
	out := make(ReturnMatrix, len(m))
	for i, row := range m {
		out[i] = make([]float64, len(row))
		for j, v := range row {
			out[i][j] = v * factor
		}
	}
	return out
}

// Slice returns the columns [from, to) of every row. The rows share storage
// with m.
func (m ReturnMatrix) Slice(from, to int) ReturnMatrix {
	out := make(ReturnMatrix, len(m))
	for i, row := range m {
		out[i] = row[from:to]
	}
	return out
}

// Column returns the cross-section of returns on day t.
func (m ReturnMatrix) Column(t int) []float64 {
	col := make([]float64, len(m))
	for i, row := range m {
		col[i] = row[t]
	}
	return col
}

// DateRange is an inclusive range of trading days.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CalendarDays returns the number of calendar days from Start to End.
func (r DateRange) CalendarDays() int {
	return int(r.End.Sub(r.Start).Hours() / 24)
}

// SolveResult is the output of a single allocation solve.
type SolveResult struct {
	Weights           []float64   `json:"weights"`
	Return            float64     `json:"return"`
	Variance          float64     `json:"variance"`
	RiskContributions []float64   `json:"riskContributions,omitempty"`
	Status            SolveStatus `json:"status"`
}

// PeriodRecord summarizes one rebalance window of a backtest.
type PeriodRecord struct {
	Position         int         `json:"position"`
	Weights          []float64   `json:"weights"`
	Fallback         bool        `json:"fallback"`
	Status           SolveStatus `json:"status"`
	ExpectedReturn   float64     `json:"expectedReturn"`
	ExpectedVariance float64     `json:"expectedVariance"`
	ExpectedStd      float64     `json:"expectedStd"`
	ExpectedSharpe   *float64    `json:"expectedSharpe,omitempty"`
	DailyReturns     []float64   `json:"dailyReturns"`
	Return           float64     `json:"return"`
	Variance         float64     `json:"variance"`
	Std              float64     `json:"std"`
	Period           DateRange   `json:"period"`
	EarlyStop        bool        `json:"earlyStop"`
}

// BacktestSummary aggregates the realized series of all windows.
type BacktestSummary struct {
	Return           float64         `json:"return"`
	GrossReturn      float64         `json:"grossReturn"`
	Variance         float64         `json:"variance"`
	Std              float64         `json:"std"`
	TradeDays        int             `json:"tradeDays"`
	MaxDrawdown      float64         `json:"maxDrawdown"`
	AnnualizedReturn float64         `json:"annualizedReturn"`
	InvestAmount     decimal.Decimal `json:"investAmount"`
	TotalCost        decimal.Decimal `json:"totalCost"`
	FinalCapital     decimal.Decimal `json:"finalCapital"`
	EarlyStop        bool            `json:"earlyStop"`
}

// BacktestReport is the full outcome of a strategy run.
type BacktestReport struct {
	ID          string           `json:"id"`
	Strategy    StrategyKind     `json:"strategy"`
	Mode        ObjectiveMode    `json:"mode,omitempty"`
	AssetIDs    []string         `json:"assetIds"`
	Periods     []PeriodRecord   `json:"periods"`
	Summary     BacktestSummary  `json:"summary"`
	Fallbacks   int              `json:"fallbacks"`
	Benchmark   *BenchmarkResult `json:"benchmark,omitempty"`
	StartedAt   time.Time        `json:"startedAt"`
	CompletedAt time.Time        `json:"completedAt"`
}

// BenchmarkResult compares a run with a fixed-weight reference portfolio
// held over the same windows.
type BenchmarkResult struct {
	Name             string          `json:"name"`
	AssetIDs         []string        `json:"assetIds"`
	Weights          []float64       `json:"weights"`
	Summary          BacktestSummary `json:"summary"`
	ExcessReturn     float64         `json:"excessReturn"`
	ExcessAnnualized float64         `json:"excessAnnualized"`
}

// SolveReport is the outcome of a single allocation solve on the latest
// lookback window. Figures are on the undilated scale.
type SolveReport struct {
	Strategy          StrategyKind  `json:"strategy"`
	Mode              ObjectiveMode `json:"mode,omitempty"`
	AssetIDs          []string      `json:"assetIds"`
	Window            DateRange     `json:"window"`
	Weights           []float64     `json:"weights"`
	Status            SolveStatus   `json:"status"`
	ExpectedReturn    float64       `json:"expectedReturn"`
	ExpectedVariance  float64       `json:"expectedVariance"`
	ExpectedStd       float64       `json:"expectedStd"`
	ExpectedSharpe    *float64      `json:"expectedSharpe,omitempty"`
	AnnualizedReturn  float64       `json:"annualizedReturn"`
	RiskContributions []float64     `json:"riskContributions,omitempty"`
	Error             string        `json:"error,omitempty"`
}

// Map renders the report as nested maps of primitives for serialization
// layers that do not speak the typed structs.
func (r *BacktestReport) Map() map[string]any {
	periods := make([]any, len(r.Periods))
	for i, p := range r.Periods {
		periods[i] = p.Map(r.AssetIDs)
	}
	out := map[string]any{
		"id":        r.ID,
		"strategy":  string(r.Strategy),
		"mode":      string(r.Mode),
		"assets":    append([]string(nil), r.AssetIDs...),
		"periods":   periods,
		"fallbacks": r.Fallbacks,
		"summary":   r.Summary.Map(),
	}
	if b := r.Benchmark; b != nil {
		out["benchmark"] = map[string]any{
			"name":    b.Name,
			"summary": b.Summary.Map(),
		}
		out["excess"] = map[string]any{
			"rtn":            b.ExcessReturn,
			"annualized_rtn": b.ExcessAnnualized,
		}
	}
	return out
}

// Map renders the record keyed by asset id for weights.
func (p PeriodRecord) Map(assetIDs []string) map[string]any {
	weights := make(map[string]any, len(p.Weights))
	for i, w := range p.Weights {
		key := fmt.Sprintf("%d", i)
		if i < len(assetIDs) {
			key = assetIDs[i]
		}
		weights[key] = w
	}
	expected := map[string]any{
		"rtn": p.ExpectedReturn,
		"var": p.ExpectedVariance,
		"std": p.ExpectedStd,
	}
	if p.ExpectedSharpe != nil {
		expected["sharpe"] = *p.ExpectedSharpe
	}
	return map[string]any{
		"position":   p.Position,
		"weights":    weights,
		"fallback":   p.Fallback,
		"status":     p.Status.String(),
		"expected":   expected,
		"rtn":        p.Return,
		"var":        p.Variance,
		"std":        p.Std,
		"start":      p.Period.Start.Format(DateLayout),
		"end":        p.Period.End.Format(DateLayout),
		"early_stop": p.EarlyStop,
	}
}

// Map renders the summary with decimal amounts as strings.
func (s BacktestSummary) Map() map[string]any {
	return map[string]any{
		"rtn":            s.Return,
		"gross_rtn":      s.GrossReturn,
		"var":            s.Variance,
		"std":            s.Std,
		"trade_days":     s.TradeDays,
		"max_drawdown":   s.MaxDrawdown,
		"annualized_rtn": s.AnnualizedReturn,
		"invest_amount":  s.InvestAmount.String(),
		"total_cost":     s.TotalCost.String(),
		"final_capital":  s.FinalCapital.String(),
		"early_stop":     s.EarlyStop,
	}
}
