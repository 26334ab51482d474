// Package backtester simulates holding allocations through their rebalance
// windows and aggregates the realized performance.
package backtester

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/atlas-desktop/allocation-backend/pkg/types"
)

// DriftResult is the day-by-day evolution of one holding window.
type DriftResult struct {
	// Weights[t] are the weights at the start of day t.
	Weights   [][]float64
	Returns   []float64
	EarlyStop bool
}

// Drift lets w0 float with market moves over the holding matrix. Each day
// the weights are rescaled by the previous day's asset returns:
//
//	w_t = (w_{t-1} + w_{t-1}⊙r_{t-1}) / (1 + w_{t-1}·r_{t-1})
//
// and the portfolio earns p_t = w_t·r_t. The first day with p_t <= -1 wipes
// the portfolio out; the series is cut after it and EarlyStop is set.
func Drift(w0 []float64, holding types.ReturnMatrix) (*DriftResult, error) {
	if len(w0) != holding.Assets() {
		return nil, fmt.Errorf("%w: %d weights for %d assets", types.ErrDimensionMismatch, len(w0), holding.Assets())
	}
	if err := holding.Validate(); err != nil {
		return nil, err
	}

	days := holding.Days()
	res := &DriftResult{
		Weights: make([][]float64, 0, days),
		Returns: make([]float64, 0, days),
	}

	w := append([]float64(nil), w0...)
	var prev []float64
	for t := 0; t < days; t++ {
		if prev != nil {
			growth := 1 + floats.Dot(w, prev)
			next := make([]float64, len(w))
			for i := range w {
				next[i] = (w[i] + w[i]*prev[i]) / growth
			}
			w = next
		}
		r := holding.Column(t)
		p := floats.Dot(w, r)

		res.Weights = append(res.Weights, w)
		res.Returns = append(res.Returns, p)
		if p <= -1 {
			res.EarlyStop = true
			break
		}
		prev = r
	}
	return res, nil
}
