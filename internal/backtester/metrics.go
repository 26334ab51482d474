// Package backtester provides performance metrics calculation.
package backtester

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// MetricsCalculator calculates performance metrics of daily return series
type MetricsCalculator struct{}

// NewMetricsCalculator creates a new metrics calculator
func NewMetricsCalculator() *MetricsCalculator {
	return &MetricsCalculator{}
}

// GrossReturn compounds the series: Π(1+p) - 1.
func (mc *MetricsCalculator) GrossReturn(returns []float64) float64 {
	growth := 1.0
	for _, p := range returns {
		growth *= 1 + p
	}
	return growth - 1
}

// Variance is the population variance of the series, zero when empty.
func (mc *MetricsCalculator) Variance(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	return stat.PopVariance(returns, nil)
}

// Std is the square root of variance, or -1 when that is not a finite
// number.
func (mc *MetricsCalculator) Std(variance float64) float64 {
	std := math.Sqrt(variance)
	if math.IsNaN(std) || math.IsInf(std, 0) {
		return -1
	}
	return std
}

// SeriesStats returns the compounded return, variance and std of one series.
func (mc *MetricsCalculator) SeriesStats(returns []float64) (ret, variance, std float64) {
	variance = mc.Variance(returns)
	return mc.GrossReturn(returns), variance, mc.Std(variance)
}

// MaxDrawdown tracks an index that starts at base and compounds the series.
// The running peak also starts at base. The result is the most negative
// (index - peak)/peak seen, so it is always <= 0.
func (mc *MetricsCalculator) MaxDrawdown(returns []float64, base float64) float64 {
	if base <= 0 {
		base = 1
	}
	index, peak := base, base
	maxDD := 0.0
	for _, p := range returns {
		index *= 1 + p
		if index > peak {
			peak = index
		}
		if dd := (index - peak) / peak; dd < maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// AnnualizedReturn scales a total return earned over calendarDays to a
// 365-day year. A total loss stays -1 and a non-positive span leaves the
// return unchanged.
func (mc *MetricsCalculator) AnnualizedReturn(ret float64, calendarDays int) float64 {
	if calendarDays <= 0 {
		return ret
	}
	if ret <= -1 {
		return -1
	}
	return math.Pow(1+ret, 365/float64(calendarDays)) - 1
}
