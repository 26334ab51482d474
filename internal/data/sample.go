package data

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// SampleConfig configures synthetic return generation
type SampleConfig struct {
	AssetIDs []string
	Start    time.Time
	Days     int     // trading days to generate
	Low      float64 // uniform lower bound of a daily return
	High     float64 // uniform upper bound of a daily return
	Seed     int64
}

// DefaultSampleConfig returns a five asset, two year sample
func DefaultSampleConfig() *SampleConfig {
	return &SampleConfig{
		AssetIDs: []string{"0", "1", "2", "3", "4"},
		Start:    time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		Days:     520,
		Low:      -0.1,
		High:     0.1,
		Seed:     100,
	}
}

// WeekdayCalendar returns n weekdays starting on or after start.
func WeekdayCalendar(start time.Time, n int) []time.Time {
	days := make([]time.Time, 0, n)
	for day := start; len(days) < n; day = day.AddDate(0, 0, 1) {
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		days = append(days, day)
	}
	return days
}

// GenerateSample draws uniform daily returns on a weekday calendar. The same
// seed always yields the same series.
func GenerateSample(config *SampleConfig) map[string][]DailyReturn {
	rng := rand.New(rand.NewSource(config.Seed))
	calendar := WeekdayCalendar(config.Start, config.Days)
	width := config.High - config.Low

	out := make(map[string][]DailyReturn, len(config.AssetIDs))
	for _, id := range config.AssetIDs {
		series := make([]DailyReturn, len(calendar))
		for t, day := range calendar {
			series[t] = DailyReturn{Day: day, Return: config.Low + width*rng.Float64()}
		}
		out[id] = series
	}
	return out
}

// SeedSample fills the store with generated returns
func (s *Store) SeedSample(ctx context.Context, config *SampleConfig) error {
	if config == nil {
		config = DefaultSampleConfig()
	}
	if config.Days <= 0 || config.High <= config.Low {
		return fmt.Errorf("invalid sample config: days %d, range [%g, %g]", config.Days, config.Low, config.High)
	}

	sample := GenerateSample(config)
	for _, id := range config.AssetIDs {
		if err := s.SaveReturns(ctx, id, sample[id]); err != nil {
			return fmt.Errorf("failed to seed asset %s: %w", id, err)
		}
	}

	s.logger.Info("seeded sample returns",
		zap.Int("assets", len(config.AssetIDs)),
		zap.Int("days", config.Days),
		zap.Int64("seed", config.Seed),
	)
	return nil
}
