// Package config loads application settings and resolves per-asset
// allocation constraints.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/atlas-desktop/allocation-backend/pkg/types"
)

// EnvPrefix prefixes every environment override, e.g. ALLOC_SERVER_PORT.
const EnvPrefix = "ALLOC"

// Config is the application configuration
type Config struct {
	Server   types.ServerConfig   `mapstructure:"server"`
	Data     types.DataConfig     `mapstructure:"data"`
	Backtest types.BacktestConfig `mapstructure:"backtest"`
	Logging  LoggingConfig        `mapstructure:"logging"`
}

// LoggingConfig configures the zap logger
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.enable_metrics", true)

	v.SetDefault("data.db_path", "./allocation.db")
	v.SetDefault("data.seed_sample", false)
	v.SetDefault("data.sample_days", 520)

	v.SetDefault("backtest.invest_amount", 10000.0)
	v.SetDefault("backtest.workers", 0)
	v.SetDefault("backtest.dilate", 1)

	v.SetDefault("logging.level", "info")
}

// Load reads defaults, the optional config file at path and ALLOC_*
// environment overrides, in increasing precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the ranges viper cannot express
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Data.DBPath == "" {
		errs = append(errs, errors.New("data.db_path is required"))
	}
	if c.Backtest.InvestAmount <= 0 {
		errs = append(errs, fmt.Errorf("backtest.invest_amount must be positive, got %g", c.Backtest.InvestAmount))
	}
	if c.Backtest.Workers < 0 {
		errs = append(errs, fmt.Errorf("backtest.workers must not be negative, got %d", c.Backtest.Workers))
	}
	if c.Backtest.Dilate < 1 {
		errs = append(errs, fmt.Errorf("backtest.dilate must be at least 1, got %d", c.Backtest.Dilate))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
