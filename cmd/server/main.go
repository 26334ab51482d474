// Package main provides the entry point for the allocation backend server:
// walk-forward backtests of mean-variance, risk-budget and fixed-weight
// portfolios over stored daily returns.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/allocation-backend/internal/api"
	"github.com/atlas-desktop/allocation-backend/internal/config"
	"github.com/atlas-desktop/allocation-backend/internal/data"
	"github.com/atlas-desktop/allocation-backend/internal/metrics"
	"github.com/atlas-desktop/allocation-backend/internal/orchestrator"
)

func main() {
	configPath := flag.String("config", "", "Config file (yaml, json or toml)")
	host := flag.String("host", "", "Server host (overrides config)")
	port := flag.Int("port", 0, "Server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	seed := flag.Bool("seed", false, "Seed sample returns when the store is empty")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Data.DBPath = *dbPath
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *seed {
		cfg.Data.SeedSample = true
	}

	logger := setupLogger(cfg.Logging.Level)
	defer logger.Sync()

	logger.Info("Starting allocation backend",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("db", cfg.Data.DBPath),
		zap.Int("workers", cfg.Backtest.Workers),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := data.NewStore(logger, cfg.Data.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize data store", zap.Error(err))
	}
	defer store.Close()

	if cfg.Data.SeedSample {
		if err := seedIfEmpty(ctx, store, cfg.Data.SampleDays); err != nil {
			logger.Fatal("Failed to seed sample returns", zap.Error(err))
		}
	}

	collector := metrics.NewCollector()

	orchConfig := orchestrator.DefaultOrchestratorConfig()
	orchConfig.Workers = cfg.Backtest.Workers
	orchConfig.InvestAmount = decimal.NewFromFloat(cfg.Backtest.InvestAmount)

	allocator := orchestrator.NewOrchestrator(
		logger,
		orchConfig,
		data.NewProvider(logger, store),
		store,
		collector,
	)

	server := api.NewServer(logger, &cfg.Server, &cfg.Backtest, allocator, store, collector)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Error("Server error", zap.Error(err))
			sigChan <- syscall.SIGTERM
		}
	}()

	logger.Info("Server started successfully",
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", cfg.Server.Host, cfg.Server.Port, cfg.Server.WebSocketPath)),
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
	)

	<-sigChan
	logger.Info("Shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	logger.Info("Server stopped", zap.Any("pool", allocator.PoolStats()))
}

func seedIfEmpty(ctx context.Context, store *data.Store, days int) error {
	assets, err := store.Assets(ctx)
	if err != nil {
		return err
	}
	if len(assets) > 0 {
		return nil
	}
	sample := data.DefaultSampleConfig()
	if days > 0 {
		sample.Days = days
	}
	return store.SeedSample(ctx, sample)
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
