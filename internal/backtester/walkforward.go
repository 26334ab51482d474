// Package backtester provides walk-forward window slicing for rebalancing.
package backtester

import (
	"fmt"

	"github.com/atlas-desktop/allocation-backend/pkg/types"
)

// Span is a half-open index range [Start, End).
type Span struct {
	Start int
	End   int
}

func (s Span) Len() int { return s.End - s.Start }

// RebalanceWindow pairs a lookback (training) span with the holding span
// that follows it. Both index the combined calendar whose first lookback
// days precede the backtest start.
type RebalanceWindow struct {
	Position int
	Training Span
	Holding  Span
}

// StridedWindows cuts [0, length) into spans of size window starting every
// stride indices. residual is the trailing span past the last full window,
// or nil when the full windows reach the end.
func StridedWindows(length, window, stride int) (spans []Span, residual *Span) {
	if window <= 0 || stride <= 0 || length < window {
		return nil, nil
	}
	count := (length-window)/stride + 1
	spans = make([]Span, count)
	for k := range spans {
		spans[k] = Span{Start: k * stride, End: k*stride + window}
	}
	if start := stride * count; start < length {
		residual = &Span{Start: start, End: length}
	}
	return spans, residual
}

// RebalanceWindows splits holdingDays trading days into holding windows of
// gap days plus a trailing residual window, and gives each one the lookback
// days immediately before it as training data.
func RebalanceWindows(holdingDays, lookback, gap int) ([]RebalanceWindow, error) {
	if holdingDays < 1 {
		return nil, fmt.Errorf("%w: no trading days in the backtest range", types.ErrDataInsufficiency)
	}
	if gap < 1 || lookback < 1 {
		return nil, fmt.Errorf("invalid window sizes: gap %d, lookback %d", gap, lookback)
	}

	var holding []Span
	if holdingDays < gap {
		holding = []Span{{Start: 0, End: holdingDays}}
	} else {
		spans, residual := StridedWindows(holdingDays, gap, gap)
		holding = spans
		if residual != nil {
			holding = append(holding, *residual)
		}
	}

	windows := make([]RebalanceWindow, len(holding))
	for k, h := range holding {
		windows[k] = RebalanceWindow{
			Position: k,
			Training: Span{Start: h.Start, End: h.Start + lookback},
			Holding:  Span{Start: lookback + h.Start, End: lookback + h.End},
		}
	}
	return windows, nil
}
