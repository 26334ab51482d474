// Package orchestrator runs allocation strategies window by window: parallel
// solves on the worker pool, then a sequential pass that applies fallback
// weights, simulates drift and accumulates the backtest.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/allocation-backend/internal/backtester"
	"github.com/atlas-desktop/allocation-backend/internal/config"
	"github.com/atlas-desktop/allocation-backend/internal/data"
	"github.com/atlas-desktop/allocation-backend/internal/metrics"
	"github.com/atlas-desktop/allocation-backend/internal/optimization"
	"github.com/atlas-desktop/allocation-backend/internal/stats"
	"github.com/atlas-desktop/allocation-backend/internal/workers"
	"github.com/atlas-desktop/allocation-backend/pkg/types"
)

// WindowSource supplies sliced return windows
type WindowSource interface {
	Windows(ctx context.Context, req data.WindowRequest) (*data.WindowSet, error)
	Lookback(ctx context.Context, assetIDs []string, end time.Time, n, dilate int) (types.ReturnMatrix, types.DateRange, error)
}

// RunStore persists finished reports
type RunStore interface {
	SaveRun(ctx context.Context, report *types.BacktestReport) error
}

// ProgressFunc is called after each evaluated window, in window order.
type ProgressFunc func(runID string, rec types.PeriodRecord, total int)

// OrchestratorConfig configures the orchestrator.
type OrchestratorConfig struct {
	Workers      int                        `json:"workers"`
	InvestAmount decimal.Decimal            `json:"investAmount"`
	Solver       *optimization.SolverConfig `json:"-"`
}

// DefaultOrchestratorConfig returns sensible defaults
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Workers:      0, // one per CPU
		InvestAmount: decimal.NewFromInt(10000),
		Solver:       optimization.DefaultSolverConfig(),
	}
}

// Orchestrator coordinates windows, solvers and the backtest evaluator.
type Orchestrator struct {
	logger  *zap.Logger
	config  OrchestratorConfig
	pool    *workers.Pool
	windows WindowSource
	runs    RunStore
	metrics *metrics.Collector
}

// NewOrchestrator creates an orchestrator. runs and collector may be nil.
func NewOrchestrator(logger *zap.Logger, config OrchestratorConfig, windows WindowSource, runs RunStore, collector *metrics.Collector) *Orchestrator {
	if config.Solver == nil {
		config.Solver = optimization.DefaultSolverConfig()
	}
	if !config.InvestAmount.IsPositive() {
		config.InvestAmount = DefaultOrchestratorConfig().InvestAmount
	}
	poolConfig := workers.DefaultPoolConfig("solve")
	if config.Workers > 0 {
		poolConfig.NumWorkers = config.Workers
	}
	return &Orchestrator{
		logger:  logger,
		config:  config,
		pool:    workers.NewPool(logger, poolConfig),
		windows: windows,
		runs:    runs,
		metrics: collector,
	}
}

// PoolStats exposes the solve pool statistics
func (o *Orchestrator) PoolStats() workers.PoolStats {
	return o.pool.Stats()
}

// Allocate runs the backtest described by req: windows are loaded from the
// source, solved, evaluated and the report is stored.
func (o *Orchestrator) Allocate(ctx context.Context, req *types.AllocationRequest, progress ProgressFunc) (*types.BacktestReport, error) {
	begin, end, err := requestSpan(req)
	if err != nil {
		return nil, err
	}
	assets, err := config.ResolveAssets(req.Assets)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve assets: %w", err)
	}
	benchmark, err := config.ParseBenchmark(req.Benchmark)
	if err != nil {
		return nil, fmt.Errorf("failed to parse benchmark: %w", err)
	}

	plan, err := o.BuildPlan(req, assets)
	if err != nil {
		return nil, err
	}
	plan.Span = types.DateRange{Start: begin, End: end}
	plan.OnPeriod = progress

	windowReq := data.WindowRequest{
		AssetIDs: assets.AssetIDs,
		Begin:    begin,
		End:      end,
		Gap:      req.GapDays,
		Lookback: req.LookbackDays,
		Dilate:   req.DilateFactor(),
	}
	set, err := o.windows.Windows(ctx, windowReq)
	if err != nil {
		return nil, fmt.Errorf("failed to load windows: %w", err)
	}

	report, err := o.Run(ctx, plan, set)
	if err != nil {
		return nil, err
	}

	if benchmark != nil {
		result, err := o.runBenchmark(ctx, benchmark, windowReq, plan)
		if err != nil {
			return nil, fmt.Errorf("failed to run benchmark %s: %w", benchmark.Name, err)
		}
		result.ExcessReturn = report.Summary.Return - result.Summary.Return
		result.ExcessAnnualized = report.Summary.AnnualizedReturn - result.Summary.AnnualizedReturn
		report.Benchmark = result
	}

	if o.runs != nil {
		if err := o.runs.SaveRun(ctx, report); err != nil {
			o.logger.Error("failed to save run", zap.String("run", report.ID), zap.Error(err))
		}
	}
	return report, nil
}

func (o *Orchestrator) runBenchmark(ctx context.Context, b *config.Benchmark, windowReq data.WindowRequest, parent *Plan) (*types.BenchmarkResult, error) {
	windowReq.AssetIDs = b.AssetIDs
	set, err := o.windows.Windows(ctx, windowReq)
	if err != nil {
		return nil, err
	}
	plan := &Plan{
		Strategy:     types.StrategyFixed,
		Solver:       optimization.NewFixedWeightSolver(b.Weights),
		Accepted:     DefaultAccepted(types.StrategyFixed),
		InvestAmount: parent.InvestAmount,
		Span:         parent.Span,
	}
	report, err := o.Run(ctx, plan, set)
	if err != nil {
		return nil, err
	}
	return &types.BenchmarkResult{
		Name:     b.Name,
		AssetIDs: b.AssetIDs,
		Weights:  b.Weights,
		Summary:  report.Summary,
	}, nil
}

// Solve runs one solve on the lookback days ending at the request end date.
// Solver failures are reported in the result rather than returned.
func (o *Orchestrator) Solve(ctx context.Context, req *types.AllocationRequest) (*types.SolveReport, error) {
	begin, end, err := requestSpan(req)
	if err != nil {
		return nil, err
	}
	assets, err := config.ResolveAssets(req.Assets)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve assets: %w", err)
	}
	plan, err := o.BuildPlan(req, assets)
	if err != nil {
		return nil, err
	}

	dilate := req.DilateFactor()
	training, window, err := o.windows.Lookback(ctx, assets.AssetIDs, end, req.LookbackDays, dilate)
	if err != nil {
		return nil, fmt.Errorf("failed to load lookback: %w", err)
	}

	report := &types.SolveReport{
		Strategy: plan.Strategy,
		Mode:     plan.Mode,
		AssetIDs: assets.AssetIDs,
		Window:   window,
	}

	out, err := o.solveWindow(ctx, plan, assets.AssetIDs, training, 0)
	if err != nil {
		return nil, err
	}
	report.Status = out.status
	if out.result == nil {
		report.Error = out.err.Error()
		report.ExpectedVariance = -1
		report.ExpectedStd = -1
		return report, nil
	}

	pipeline := plan.diagnostics(dilate, types.DateRange{Start: begin, End: end}.CalendarDays())
	rec, err := pipeline.Run(backtester.Record{
		backtester.KeyReturn:   out.result.Return,
		backtester.KeyVariance: out.result.Variance,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to post-process solve: %w", err)
	}
	report.Weights = out.result.Weights
	report.RiskContributions = out.result.RiskContributions
	report.ExpectedReturn = rec[backtester.KeyReturn]
	report.ExpectedVariance = rec[backtester.KeyVariance]
	report.ExpectedStd = rec[backtester.KeyStd]
	report.AnnualizedReturn = rec[backtester.KeyAnnualized]
	if v, ok := rec[backtester.KeySharpe]; ok {
		report.ExpectedSharpe = &v
	}
	return report, nil
}

// windowOutcome is the phase-one result of one window. result is nil when
// the solve failed.
type windowOutcome struct {
	result *types.SolveResult
	status types.SolveStatus
	err    error
}

// Run solves every window of set in parallel, then walks them in order:
// unaccepted statuses reuse the previous weights, holding returns are
// de-dilated and drifted, and the first total loss ends the run.
func (o *Orchestrator) Run(ctx context.Context, plan *Plan, set *data.WindowSet) (*types.BacktestReport, error) {
	n := set.Len()
	if len(set.Training) != n || len(set.HoldingRanges) != n {
		return nil, fmt.Errorf("%w: %d training, %d holding, %d ranges",
			types.ErrDimensionMismatch, len(set.Training), n, len(set.HoldingRanges))
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: no windows", types.ErrDataInsufficiency)
	}

	report := &types.BacktestReport{
		ID:        uuid.NewString(),
		Strategy:  plan.Strategy,
		Mode:      plan.Mode,
		AssetIDs:  append([]string(nil), set.AssetIDs...),
		StartedAt: time.Now(),
	}
	o.logger.Info("starting backtest",
		zap.String("run", report.ID),
		zap.String("strategy", string(plan.Strategy)),
		zap.Int("windows", n),
		zap.Int("assets", len(set.AssetIDs)),
	)

	// Phase 1: parallel solves, stored by window index
	outcomes := make([]windowOutcome, n)
	err := o.pool.Run(ctx, n, func(ctx context.Context, i int) error {
		out, err := o.solveWindow(ctx, plan, set.AssetIDs, set.Training[i], i)
		outcomes[i] = out
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to solve windows: %w", err)
	}

	// Phase 2: sequential fallback, drift and accumulation
	dilate := set.Dilate
	if dilate <= 0 {
		dilate = 1
	}
	span := plan.Span
	if span.Start.IsZero() {
		span = set.Span
	}
	diagnostics := plan.diagnostics(dilate, -1)
	evaluator := backtester.NewEvaluator(o.logger, &backtester.EvaluatorConfig{InvestAmount: plan.InvestAmount})
	mc := evaluator.Metrics()
	acc := backtester.NewAccumulator()

	prev := plan.InitialWeights
	if prev == nil {
		prev = equalWeights(len(set.AssetIDs))
	}

	for i, out := range outcomes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		weights := prev
		fallback := out.result == nil || !plan.accepts(out.status)
		if fallback {
			report.Fallbacks++
			o.metrics.ObserveFallback(string(plan.Strategy))
			o.logger.Debug("window falls back to previous weights",
				zap.String("run", report.ID),
				zap.Int("window", i),
				zap.String("status", out.status.String()),
			)
		} else {
			weights = out.result.Weights
			prev = weights
		}

		holding := set.Holding[i].Scale(1 / float64(dilate))
		drift, err := backtester.Drift(weights, holding)
		if err != nil {
			return nil, fmt.Errorf("failed to drift window %d: %w", i, err)
		}
		acc.Append(drift.Returns, drift.EarlyStop)

		ret, variance, std := mc.SeriesStats(drift.Returns)
		rec := types.PeriodRecord{
			Position:         i,
			Weights:          append([]float64(nil), weights...),
			Fallback:         fallback,
			Status:           out.status,
			ExpectedVariance: -1,
			ExpectedStd:      -1,
			DailyReturns:     drift.Returns,
			Return:           ret,
			Variance:         variance,
			Std:              std,
			Period:           set.HoldingRanges[i],
			EarlyStop:        drift.EarlyStop,
		}
		if out.result != nil {
			if err := fillExpected(&rec, diagnostics, out.result); err != nil {
				return nil, fmt.Errorf("failed to post-process window %d: %w", i, err)
			}
		}
		report.Periods = append(report.Periods, rec)
		if plan.OnPeriod != nil {
			plan.OnPeriod(report.ID, rec, n)
		}

		if drift.EarlyStop {
			o.logger.Warn("portfolio wiped out, stopping backtest",
				zap.String("run", report.ID),
				zap.Int("window", i),
				zap.Int("day", len(drift.Returns)-1),
			)
			break
		}
	}

	summary, err := evaluator.Summarize(acc, span)
	if err != nil {
		return nil, err
	}
	report.Summary = *summary
	report.CompletedAt = time.Now()
	o.metrics.ObserveBacktest(string(plan.Strategy), summary.EarlyStop)

	o.logger.Info("backtest complete",
		zap.String("run", report.ID),
		zap.Int("periods", len(report.Periods)),
		zap.Int("fallbacks", report.Fallbacks),
		zap.Float64("return", summary.Return),
		zap.Duration("elapsed", report.CompletedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

// solveWindow computes statistics and solves one window. Solver errors and
// panics become FAIL statuses; only dimension mismatches and cancellation
// are returned as errors.
func (o *Orchestrator) solveWindow(ctx context.Context, plan *Plan, assetIDs []string, training types.ReturnMatrix, i int) (out windowOutcome, fatal error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("solver panic: %v", r)
			o.logger.Error("window solve panicked", zap.Int("window", i), zap.Any("panic", r))
			out, fatal = windowOutcome{status: types.FailedStatus(err), err: err}, nil
		}
		if fatal == nil {
			o.metrics.ObserveSolve(string(plan.Strategy), statusLabel(out.status), time.Since(start))
		}
	}()

	st, err := stats.Compute(assetIDs, training)
	if err == nil {
		var res *types.SolveResult
		res, err = plan.Solver.Solve(ctx, st)
		if err == nil {
			return windowOutcome{result: res, status: res.Status}, nil
		}
	}

	if errors.Is(err, types.ErrDimensionMismatch) {
		return windowOutcome{}, fmt.Errorf("window %d: %w", i, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return windowOutcome{}, err
	}

	o.logger.Debug("window solve failed", zap.Int("window", i), zap.Error(err))
	return windowOutcome{status: types.FailedStatus(err), err: err}, nil
}

func fillExpected(rec *types.PeriodRecord, pipeline *backtester.Pipeline, res *types.SolveResult) error {
	out, err := pipeline.Run(backtester.Record{
		backtester.KeyReturn:   res.Return,
		backtester.KeyVariance: res.Variance,
	})
	if err != nil {
		return err
	}
	rec.ExpectedReturn = out[backtester.KeyReturn]
	rec.ExpectedVariance = out[backtester.KeyVariance]
	rec.ExpectedStd = out[backtester.KeyStd]
	if v, ok := out[backtester.KeySharpe]; ok {
		rec.ExpectedSharpe = &v
	}
	return nil
}

// statusLabel keeps failure messages out of metric labels
func statusLabel(s types.SolveStatus) string {
	if s.IsFailure() {
		return "FAIL"
	}
	return s.String()
}

func requestSpan(req *types.AllocationRequest) (begin, end time.Time, err error) {
	if begin, err = req.Begin(); err != nil {
		return begin, end, fmt.Errorf("invalid begin date %q: %w", req.BeginDate, err)
	}
	if end, err = req.End(); err != nil {
		return begin, end, fmt.Errorf("invalid end date %q: %w", req.EndDate, err)
	}
	if end.Before(begin) {
		return begin, end, fmt.Errorf("begin date %s is after end date %s", req.BeginDate, req.EndDate)
	}
	return begin, end, nil
}

func equalWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	return w
}
