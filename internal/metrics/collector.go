// Package metrics provides prometheus instrumentation for allocation runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "allocation"

// Collector holds the counters and histograms of the backtest engine
type Collector struct {
	gatherer prometheus.Gatherer

	WindowsSolved *prometheus.CounterVec
	Fallbacks     *prometheus.CounterVec
	SolveDuration *prometheus.HistogramVec
	BacktestsRun  *prometheus.CounterVec
	EarlyStops    prometheus.Counter
}

// NewCollector registers the engine metrics on a fresh registry
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	return NewCollectorWith(reg, reg)
}

// NewCollectorWith registers the engine metrics on reg
func NewCollectorWith(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		gatherer: gatherer,
		WindowsSolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_solved_total",
			Help:      "Rebalance windows solved, by strategy and solve status.",
		}, []string{"strategy", "status"}),
		Fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Windows that reused the previous weights.",
		}, []string{"strategy"}),
		SolveDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "solve_duration_seconds",
			Help:      "Wall time of a single window solve.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"strategy"}),
		BacktestsRun: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backtests_total",
			Help:      "Completed backtests by strategy.",
		}, []string{"strategy"}),
		EarlyStops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "early_stops_total",
			Help:      "Backtests halted by a total loss.",
		}),
	}
}

// ObserveSolve records one window solve
func (c *Collector) ObserveSolve(strategy, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.WindowsSolved.WithLabelValues(strategy, status).Inc()
	c.SolveDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

// ObserveFallback records a window that kept the previous weights
func (c *Collector) ObserveFallback(strategy string) {
	if c == nil {
		return
	}
	c.Fallbacks.WithLabelValues(strategy).Inc()
}

// ObserveBacktest records a finished backtest
func (c *Collector) ObserveBacktest(strategy string, earlyStop bool) {
	if c == nil {
		return
	}
	c.BacktestsRun.WithLabelValues(strategy).Inc()
	if earlyStop {
		c.EarlyStops.Inc()
	}
}

// Handler serves the registry in the prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
