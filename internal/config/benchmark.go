package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/atlas-desktop/allocation-backend/pkg/types"
)

// ErrInvalidBenchmark reports a malformed benchmark definition.
var ErrInvalidBenchmark = errors.New("invalid benchmark")

// Benchmark is a fixed-weight reference portfolio.
type Benchmark struct {
	Name     string
	AssetIDs []string
	Weights  []float64
}

// ParseBenchmark reads "id" or "id:weight,id:weight". Weights must sum to
// one. An empty string means no benchmark.
func ParseBenchmark(raw string) (*Benchmark, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	b := &Benchmark{Name: raw}
	parts := strings.Split(raw, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		id, weight, hasWeight := strings.Cut(part, ":")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("%w %q: empty asset id", ErrInvalidBenchmark, raw)
		}
		w := 1.0
		if hasWeight {
			var err error
			w, err = strconv.ParseFloat(strings.TrimSpace(weight), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: weight for %s: %v", ErrInvalidBenchmark, id, err)
			}
		} else if len(parts) > 1 {
			return nil, fmt.Errorf("%w %q: weight missing for %s", ErrInvalidBenchmark, raw, id)
		}
		b.AssetIDs = append(b.AssetIDs, id)
		b.Weights = append(b.Weights, w)
	}

	sum := 0.0
	for _, w := range b.Weights {
		sum += w
	}
	if math.Abs(sum-1) > 1e-6 {
		return nil, fmt.Errorf("%w: benchmark weights sum to %g", types.ErrInfeasibleTarget, sum)
	}
	return b, nil
}
