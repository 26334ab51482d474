package orchestrator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/allocation-backend/internal/backtester"
	"github.com/atlas-desktop/allocation-backend/internal/config"
	"github.com/atlas-desktop/allocation-backend/internal/optimization"
	"github.com/atlas-desktop/allocation-backend/internal/stats"
	"github.com/atlas-desktop/allocation-backend/pkg/types"
)

// Plan is everything the window loop needs to run one strategy.
type Plan struct {
	Strategy types.StrategyKind
	Mode     types.ObjectiveMode
	Solver   optimization.Solver

	// Accepted holds the status tags whose weights are used; any other
	// status carries the previous weights forward.
	Accepted map[string]bool

	// RiskFree is on the dilated scale. Zero with a non-Sharpe mode means no
	// Sharpe diagnostics.
	RiskFree     float64
	InvestAmount decimal.Decimal

	// InitialWeights is used when the first window falls back. It holds the
	// request's fixed weights when every asset sets one, else nil for equal
	// weights.
	InitialWeights []float64

	// Span is the requested range used for annualization; zero means the
	// window set's own span.
	Span     types.DateRange
	OnPeriod ProgressFunc
}

// DefaultAccepted returns the statuses accepted by default for a strategy.
func DefaultAccepted(strategy types.StrategyKind) map[string]bool {
	switch strategy {
	case types.StrategyMeanVariance:
		return map[string]bool{"direct": true, "qp_optimal": true}
	case types.StrategyRiskBudget:
		return map[string]bool{"optimal": true}
	default:
		return map[string]bool{"direct": true}
	}
}

func (p *Plan) accepts(s types.SolveStatus) bool {
	return !s.IsFailure() && p.Accepted[s.String()]
}

// diagnostics de-dilates solver figures and adds std, plus annualized return
// when calendarDays >= 0 and Sharpe for the Sharpe objective.
func (p *Plan) diagnostics(dilate, calendarDays int) *backtester.Pipeline {
	d := float64(dilate)
	transforms := []backtester.Transform{backtester.DeDilate(d), backtester.AddStd()}
	if p.Mode == types.ModeSharpe {
		transforms = append(transforms, backtester.AddSharpe(p.RiskFree/d))
	}
	if calendarDays >= 0 {
		transforms = append(transforms, backtester.Annualize(calendarDays))
	}
	return backtester.NewPipeline(transforms...)
}

// BuildPlan selects and configures the solver for req.
func (o *Orchestrator) BuildPlan(req *types.AllocationRequest, assets *config.AssetConstraints) (*Plan, error) {
	plan := &Plan{
		Strategy:       req.Strategy,
		Accepted:       DefaultAccepted(req.Strategy),
		RiskFree:       req.RiskFreeRate,
		InvestAmount:   req.InvestAmount,
		InitialWeights: assets.FixedWeights,
	}
	if !plan.InvestAmount.IsPositive() {
		plan.InvestAmount = o.config.InvestAmount
	}

	switch req.Strategy {
	case types.StrategyMeanVariance:
		mode := req.Mode
		if mode == "" {
			mode = types.ModeMinWave
		}
		objective, err := optimization.ObjectiveFor(mode, req.TargetValue, req.RiskFreeRate)
		if err != nil {
			return nil, err
		}
		plan.Mode = mode
		solver := optimization.NewMeanVarianceSolver(o.logger, o.config.Solver, objective, assets.Bounds)
		if len(req.ViewPick) > 0 {
			bl, err := blackLittermanFor(req, len(assets.AssetIDs))
			if err != nil {
				return nil, err
			}
			solver = solver.WithForecaster(bl)
		}
		plan.Solver = solver

	case types.StrategyRiskBudget:
		var groups [][]float64
		target := assets.RiskRatios
		if req.GroupByCategory {
			groups, target = assets.Groups, assets.GroupRatios
		}
		plan.Solver = optimization.NewRiskBudgetSolver(o.logger, o.config.Solver, groups, target, assets.Bounds)

	case types.StrategyFixed:
		plan.Solver = optimization.NewFixedWeightSolver(assets.FixedWeights)

	default:
		return nil, fmt.Errorf("unknown strategy %q", req.Strategy)
	}

	if len(req.AcceptStatuses) > 0 {
		plan.Accepted = make(map[string]bool, len(req.AcceptStatuses))
		for _, tag := range req.AcceptStatuses {
			status, err := types.ParseSolveStatus(tag)
			if err != nil {
				return nil, fmt.Errorf("invalid accepted status: %w", err)
			}
			if status.IsFailure() {
				return nil, fmt.Errorf("failure status %q cannot be accepted", tag)
			}
			plan.Accepted[status.String()] = true
		}
	}
	return plan, nil
}

func blackLittermanFor(req *types.AllocationRequest, n int) (*stats.BlackLitterman, error) {
	cfg := stats.DefaultBlackLittermanConfig()
	if req.Tau > 0 {
		cfg.Tau = req.Tau
	}
	if req.RiskAversion > 0 {
		cfg.RiskAversion = req.RiskAversion
	}
	cfg.Dilate = float64(req.DilateFactor())

	equilibrium := req.EquilibriumWeights
	if equilibrium == nil {
		equilibrium = equalWeights(n)
	}
	if len(equilibrium) != n {
		return nil, fmt.Errorf("%w: %d equilibrium weights for %d assets", types.ErrDimensionMismatch, len(equilibrium), n)
	}
	bl, err := stats.NewBlackLitterman(stats.Views{Pick: req.ViewPick, Returns: req.ViewReturns}, equilibrium, cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid views: %w", err)
	}
	return bl, nil
}
