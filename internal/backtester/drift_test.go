// Package backtester_test provides tests for the drift simulator.
package backtester_test

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/atlas-desktop/allocation-backend/internal/backtester"
	"github.com/atlas-desktop/allocation-backend/pkg/types"
)

func TestDriftZeroReturnsKeepWeights(t *testing.T) {
	w0 := []float64{0.2, 0.3, 0.5}
	holding := types.ReturnMatrix{
		{0, 0, 0, 0},
		{0, 0, 0, 0},
		{0, 0, 0, 0},
	}

	res, err := backtester.Drift(w0, holding)
	if err != nil {
		t.Fatalf("Drift failed: %v", err)
	}

	if len(res.Returns) != 4 {
		t.Fatalf("Expected 4 daily returns, got %d", len(res.Returns))
	}
	for day, w := range res.Weights {
		for i := range w {
			if w[i] != w0[i] {
				t.Errorf("Day %d asset %d: expected weight %v, got %v", day, i, w0[i], w[i])
			}
		}
		if res.Returns[day] != 0 {
			t.Errorf("Day %d: expected zero return, got %v", day, res.Returns[day])
		}
	}
	if res.EarlyStop {
		t.Error("Unexpected early stop")
	}
}

func TestDriftWipeOutOnFirstDay(t *testing.T) {
	res, err := backtester.Drift([]float64{0.5, 0.5}, types.ReturnMatrix{
		{-1, 0.1, 0.2},
		{-1, 0.1, 0.2},
	})
	if err != nil {
		t.Fatalf("Drift failed: %v", err)
	}

	if !res.EarlyStop {
		t.Error("Expected early stop")
	}
	if len(res.Returns) != 1 || res.Returns[0] != -1 {
		t.Errorf("Expected series [-1], got %v", res.Returns)
	}
}

func TestDriftStopsAfterLosingDay(t *testing.T) {
	res, err := backtester.Drift([]float64{1}, types.ReturnMatrix{{0.05, -1.2, 0.3}})
	if err != nil {
		t.Fatalf("Drift failed: %v", err)
	}
	if !res.EarlyStop || len(res.Returns) != 2 {
		t.Errorf("Expected stop after day 1, got %v (early stop %v)", res.Returns, res.EarlyStop)
	}
}

func TestDriftRebalancesWithMarket(t *testing.T) {
	res, err := backtester.Drift([]float64{0.5, 0.5}, types.ReturnMatrix{
		{0.1, 0.1},
		{-0.1, 0},
	})
	if err != nil {
		t.Fatalf("Drift failed: %v", err)
	}

	if math.Abs(res.Returns[0]) > 1e-15 {
		t.Errorf("Day 0: expected 0 return, got %v", res.Returns[0])
	}
	if math.Abs(res.Weights[1][0]-0.55) > 1e-12 || math.Abs(res.Weights[1][1]-0.45) > 1e-12 {
		t.Errorf("Day 1: expected weights [0.55 0.45], got %v", res.Weights[1])
	}
	if math.Abs(res.Returns[1]-0.055) > 1e-12 {
		t.Errorf("Day 1: expected return 0.055, got %v", res.Returns[1])
	}
}

func TestDriftWeightsStayNormalized(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	holding := make(types.ReturnMatrix, 4)
	for i := range holding {
		holding[i] = make([]float64, 30)
		for j := range holding[i] {
			holding[i][j] = rng.Float64()*0.1 - 0.05
		}
	}

	res, err := backtester.Drift([]float64{0.1, 0.2, 0.3, 0.4}, holding)
	if err != nil {
		t.Fatalf("Drift failed: %v", err)
	}
	for day, w := range res.Weights {
		sum := 0.0
		for _, x := range w {
			sum += x
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Errorf("Day %d: weights sum to %v", day, sum)
		}
	}
}

func TestDriftDimensionMismatch(t *testing.T) {
	_, err := backtester.Drift([]float64{1}, types.ReturnMatrix{{0.1}, {0.2}})
	if !errors.Is(err, types.ErrDimensionMismatch) {
		t.Errorf("Expected dimension mismatch, got %v", err)
	}
}
