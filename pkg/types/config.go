// Package types provides configuration types for the allocation backend.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the compact trading-day format used by requests and storage.
const DateLayout = "20060102"

// OptionalFloat is a number that may be absent. It decodes from a JSON
// number, a numeric string, an empty string or null.
type OptionalFloat struct {
	Value float64
	Set   bool
}

// Float returns a set OptionalFloat.
func Float(v float64) OptionalFloat { return OptionalFloat{Value: v, Set: true} }

func (o *OptionalFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*o = OptionalFloat{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*o = OptionalFloat{}
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", s, err)
		}
		*o = Float(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Float(v)
	return nil
}

func (o OptionalFloat) MarshalJSON() ([]byte, error) {
	if !o.Set {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// AssetSpec describes one asset of an allocation request.
type AssetSpec struct {
	ID          string        `json:"id" validate:"required"`
	LowerBound  OptionalFloat `json:"lower_bound"`
	UpperBound  OptionalFloat `json:"upper_bound"`
	Category    string        `json:"category"`
	RiskRatio   OptionalFloat `json:"asset_risk_ratio"`
	FixedWeight OptionalFloat `json:"fixed_wght"`
}

// AllocationRequest configures a multi-window backtest. Targets and the
// risk-free rate are expressed on the dilated return scale.
type AllocationRequest struct {
	Strategy        StrategyKind    `json:"strategy" validate:"required,oneof=mean_variance risk_budget fixed"`
	Mode            ObjectiveMode   `json:"mvo_target" validate:"omitempty,oneof=minWave maxReturn sharpe"`
	TargetValue     float64         `json:"expt_tgt_value"`
	RiskFreeRate    float64         `json:"risk_free_rate"`
	Dilate          int             `json:"rtn_dilate" validate:"gte=0"`
	BeginDate       string          `json:"begindate" validate:"required,len=8,numeric"`
	EndDate         string          `json:"termidate" validate:"required,len=8,numeric"`
	GapDays         int             `json:"gapday" validate:"gte=1"`
	LookbackDays    int             `json:"back_window_size" validate:"gte=2"`
	Benchmark       string          `json:"benchmark"`
	GroupByCategory bool            `json:"group_by_category"`
	InvestAmount    decimal.Decimal `json:"invest_amount"`
	AcceptStatuses  []string        `json:"accept_statuses"`
	Assets          []AssetSpec     `json:"assets_info" validate:"required,min=1,dive"`

	// Black-Litterman views for the mean-variance strategy. View returns are
	// on the dilated scale; zero Tau or RiskAversion takes the default and
	// missing equilibrium weights mean equal weights.
	ViewPick           [][]float64 `json:"view_pick_mat"`
	ViewReturns        []float64   `json:"view_rtn_vec"`
	Tau                float64     `json:"tau" validate:"gte=0"`
	RiskAversion       float64     `json:"risk_avers_factor" validate:"gte=0"`
	EquilibriumWeights []float64   `json:"equi_wght_vec"`
}

// Begin parses BeginDate.
func (r *AllocationRequest) Begin() (time.Time, error) {
	return time.Parse(DateLayout, r.BeginDate)
}

// End parses EndDate.
func (r *AllocationRequest) End() (time.Time, error) {
	return time.Parse(DateLayout, r.EndDate)
}

// DilateFactor returns the dilate factor, treating zero as one.
func (r *AllocationRequest) DilateFactor() int {
	if r.Dilate <= 0 {
		return 1
	}
	return r.Dilate
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host           string        `json:"host" mapstructure:"host"`
	Port           int           `json:"port" mapstructure:"port"`
	WebSocketPath  string        `json:"websocketPath" mapstructure:"websocket_path"`
	ReadTimeout    time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	AllowedOrigins []string      `json:"allowedOrigins" mapstructure:"allowed_origins"`
	EnableMetrics  bool          `json:"enableMetrics" mapstructure:"enable_metrics"`
}

// DataConfig represents data storage configuration
type DataConfig struct {
	DBPath     string `json:"dbPath" mapstructure:"db_path"`
	SeedSample bool   `json:"seedSample" mapstructure:"seed_sample"`
	SampleDays int    `json:"sampleDays" mapstructure:"sample_days"`
}

// BacktestConfig holds defaults applied to every backtest run.
type BacktestConfig struct {
	InvestAmount float64 `json:"investAmount" mapstructure:"invest_amount"`
	Workers      int     `json:"workers" mapstructure:"workers"`
	Dilate       int     `json:"dilate" mapstructure:"dilate"`
}
