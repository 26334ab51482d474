// Package workers provides bounded parallel execution of indexed tasks.
package workers

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// IndexedFunc processes item i of a batch.
type IndexedFunc func(ctx context.Context, i int) error

// Pool runs batches of indexed tasks with a concurrency limit.
type Pool struct {
	logger  *zap.Logger
	config  *PoolConfig
	metrics *PoolMetrics
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	Name          string // Pool name for logging
	NumWorkers    int    // Max tasks in flight per batch
	PanicRecovery bool   // Convert task panics into *PanicError
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:          name,
		NumWorkers:    runtime.NumCPU(),
		PanicRecovery: true,
	}
}

// PoolMetrics tracks pool performance
type PoolMetrics struct {
	mu sync.Mutex

	TasksSubmitted atomic.Int64
	TasksCompleted atomic.Int64
	TasksFailed    atomic.Int64
	PanicRecovered atomic.Int64

	latencies  []int64
	latencyIdx int
	filled     int
	startTime  time.Time
}

// NewPoolMetrics creates a new metrics tracker
func NewPoolMetrics() *PoolMetrics {
	return &PoolMetrics{
		latencies: make([]int64, 1024),
		startTime: time.Now(),
	}
}

// RecordLatency records task execution latency
func (m *PoolMetrics) RecordLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latencies[m.latencyIdx] = d.Nanoseconds()
	m.latencyIdx = (m.latencyIdx + 1) % len(m.latencies)
	if m.filled < len(m.latencies) {
		m.filled++
	}
}

// GetP99Latency returns the 99th percentile latency
func (m *PoolMetrics) GetP99Latency() time.Duration {
	m.mu.Lock()
	sorted := make([]int64, m.filled)
	copy(sorted, m.latencies[:m.filled])
	m.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return time.Duration(sorted[idx])
}

// GetStats returns current metrics
func (m *PoolMetrics) GetStats() PoolStats {
	return PoolStats{
		TasksSubmitted: m.TasksSubmitted.Load(),
		TasksCompleted: m.TasksCompleted.Load(),
		TasksFailed:    m.TasksFailed.Load(),
		PanicRecovered: m.PanicRecovered.Load(),
		P99Latency:     m.GetP99Latency(),
		Uptime:         time.Since(m.startTime),
	}
}

// PoolStats contains pool statistics
type PoolStats struct {
	TasksSubmitted int64         `json:"tasks_submitted"`
	TasksCompleted int64         `json:"tasks_completed"`
	TasksFailed    int64         `json:"tasks_failed"`
	PanicRecovered int64         `json:"panic_recovered"`
	P99Latency     time.Duration `json:"p99_latency"`
	Uptime         time.Duration `json:"uptime"`
}

// NewPool creates a new worker pool
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = runtime.NumCPU()
	}
	return &Pool{
		logger:  logger,
		config:  config,
		metrics: NewPoolMetrics(),
	}
}

// Run calls fn for every index in [0, n) with at most NumWorkers calls in
// flight. The first error cancels the context handed to the remaining calls
// and is returned once all started calls have finished.
func (p *Pool) Run(ctx context.Context, n int, fn IndexedFunc) error {
	if n <= 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.NumWorkers)

	p.logger.Debug("running batch",
		zap.String("pool", p.config.Name),
		zap.Int("tasks", n),
		zap.Int("workers", p.config.NumWorkers),
	)

	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		i := i
		p.metrics.TasksSubmitted.Add(1)
		g.Go(func() error {
			return p.execute(gctx, i, fn)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// execute runs a single task with panic recovery
func (p *Pool) execute(ctx context.Context, i int, fn IndexedFunc) (err error) {
	start := time.Now()
	defer func() {
		if p.config.PanicRecovery {
			if r := recover(); r != nil {
				p.metrics.PanicRecovered.Add(1)
				p.logger.Error("worker recovered from panic",
					zap.String("pool", p.config.Name),
					zap.Int("task", i),
					zap.Any("panic", r),
				)
				err = &PanicError{Task: i, Recovered: r}
			}
		}
		p.metrics.RecordLatency(time.Since(start))
		if err != nil {
			p.metrics.TasksFailed.Add(1)
		} else {
			p.metrics.TasksCompleted.Add(1)
		}
	}()

	return fn(ctx, i)
}

// Metrics returns the pool metrics
func (p *Pool) Metrics() *PoolMetrics {
	return p.metrics
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	return p.metrics.GetStats()
}

// PanicError represents a recovered panic
type PanicError struct {
	Task      int
	Recovered interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered in task %d: %v", e.Task, e.Recovered)
}
