// Package data provides return storage, window slicing and sample data.
package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/atlas-desktop/allocation-backend/pkg/types"
)

// ErrRunNotFound is returned when a stored run id does not exist.
var ErrRunNotFound = errors.New("run not found")

// DailyReturn is one asset return observation.
type DailyReturn struct {
	Day    time.Time
	Return float64
}

// AssetInfo describes the stored history of one asset
type AssetInfo struct {
	ID           string    `json:"id"`
	Observations int       `json:"observations"`
	FirstDay     time.Time `json:"firstDay"`
	LastDay      time.Time `json:"lastDay"`
}

// RunInfo is the listing entry of a stored backtest report
type RunInfo struct {
	ID          string             `json:"id"`
	Strategy    types.StrategyKind `json:"strategy"`
	Return      float64            `json:"return"`
	CompletedAt time.Time          `json:"completedAt"`
}

// Store provides access to historical asset returns and saved runs
type Store struct {
	mu     sync.RWMutex
	logger *zap.Logger
	db     *sql.DB
	path   string
	cache  map[string]map[string]float64 // asset -> day -> return

	// generation counts writes per asset; a load only caches its series
	// when no write landed while it was querying.
	generation map[string]uint64
}

// NewStore opens (or creates) the SQLite database at path and runs
// migrations. Use ":memory:" for a throwaway store.
func NewStore(logger *zap.Logger, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{
		logger: logger,
		db:     db,
		path:   path,
		cache:  make(map[string]map[string]float64),

		generation: make(map[string]uint64),
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("opened return store", zap.String("path", path))
	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	version := 0
	// missing table means a fresh database
	_ = s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS trading_days (
				day TEXT PRIMARY KEY
			);

			CREATE TABLE IF NOT EXISTS asset_returns (
				asset_id TEXT NOT NULL,
				day      TEXT NOT NULL,
				rtn      REAL NOT NULL,
				PRIMARY KEY (asset_id, day)
			);
			CREATE INDEX IF NOT EXISTS idx_asset_returns_day ON asset_returns(day);

			CREATE TABLE IF NOT EXISTS runs (
				id           TEXT PRIMARY KEY,
				strategy     TEXT NOT NULL,
				rtn          REAL NOT NULL,
				completed_at TEXT NOT NULL,
				report       TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_runs_completed ON runs(completed_at);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		s.logger.Debug("applied migration", zap.Int("version", 1))
	}
	return nil
}

func dayKey(t time.Time) string {
	return t.Format(types.DateLayout)
}

func parseDay(key string) (time.Time, error) {
	return time.Parse(types.DateLayout, key)
}

// SaveReturns upserts the series of one asset and registers its days as
// trading days.
func (s *Store) SaveReturns(ctx context.Context, assetID string, series []DailyReturn) error {
	if assetID == "" {
		return errors.New("asset id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	dayStmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO trading_days (day) VALUES (?)")
	if err != nil {
		return fmt.Errorf("failed to prepare day insert: %w", err)
	}
	defer dayStmt.Close()

	rtnStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO asset_returns (asset_id, day, rtn) VALUES (?, ?, ?)
		ON CONFLICT(asset_id, day) DO UPDATE SET rtn = excluded.rtn`)
	if err != nil {
		return fmt.Errorf("failed to prepare return insert: %w", err)
	}
	defer rtnStmt.Close()

	for _, obs := range series {
		key := dayKey(obs.Day)
		if _, err := dayStmt.ExecContext(ctx, key); err != nil {
			return fmt.Errorf("failed to insert trading day %s: %w", key, err)
		}
		if _, err := rtnStmt.ExecContext(ctx, assetID, key, obs.Return); err != nil {
			return fmt.Errorf("failed to insert return %s/%s: %w", assetID, key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit returns: %w", err)
	}

	delete(s.cache, assetID)
	s.generation[assetID]++
	s.logger.Debug("saved returns", zap.String("asset", assetID), zap.Int("observations", len(series)))
	return nil
}

// TradingDays returns the trading days in [from, to], ascending.
func (s *Store) TradingDays(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT day FROM trading_days WHERE day >= ? AND day <= ? ORDER BY day ASC",
		dayKey(from), dayKey(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query trading days: %w", err)
	}
	return scanDays(rows)
}

// TradingDaysBefore returns up to n trading days strictly before day,
// ascending.
func (s *Store) TradingDaysBefore(ctx context.Context, day time.Time, n int) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT day FROM trading_days WHERE day < ? ORDER BY day DESC LIMIT ?",
		dayKey(day), n)
	if err != nil {
		return nil, fmt.Errorf("failed to query trading days: %w", err)
	}
	days, err := scanDays(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(days)-1; i < j; i, j = i+1, j-1 {
		days[i], days[j] = days[j], days[i]
	}
	return days, nil
}

func scanDays(rows *sql.Rows) ([]time.Time, error) {
	defer rows.Close()

	var days []time.Time
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan trading day: %w", err)
		}
		day, err := parseDay(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse trading day %q: %w", key, err)
		}
		days = append(days, day)
	}
	return days, rows.Err()
}

// LoadReturns builds the asset-major return matrix for the given days.
// Every asset must have an observation on every day.
func (s *Store) LoadReturns(ctx context.Context, assetIDs []string, days []time.Time) (types.ReturnMatrix, error) {
	if len(assetIDs) == 0 {
		return nil, fmt.Errorf("%w: no assets requested", types.ErrDataInsufficiency)
	}

	m := make(types.ReturnMatrix, len(assetIDs))
	for i, id := range assetIDs {
		series, err := s.assetSeries(ctx, id)
		if err != nil {
			return nil, err
		}
		row := make([]float64, len(days))
		var missing []string
		for t, day := range days {
			v, ok := series[dayKey(day)]
			if !ok {
				missing = append(missing, dayKey(day))
				continue
			}
			row[t] = v
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("%w: asset %s has no return on %s",
				types.ErrDataInsufficiency, id, strings.Join(missing, ","))
		}
		m[i] = row
	}
	return m, nil
}

// assetSeries returns the cached series of one asset, loading it on miss
func (s *Store) assetSeries(ctx context.Context, assetID string) (map[string]float64, error) {
	s.mu.RLock()
	cached, ok := s.cache[assetID]
	gen := s.generation[assetID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	rows, err := s.db.QueryContext(ctx, "SELECT day, rtn FROM asset_returns WHERE asset_id = ?", assetID)
	if err != nil {
		return nil, fmt.Errorf("failed to query returns for %s: %w", assetID, err)
	}
	defer rows.Close()

	series := make(map[string]float64)
	for rows.Next() {
		var day string
		var rtn float64
		if err := rows.Scan(&day, &rtn); err != nil {
			return nil, fmt.Errorf("failed to scan return: %w", err)
		}
		series[day] = rtn
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("%w: no returns stored for asset %s", types.ErrDataInsufficiency, assetID)
	}

	s.mu.Lock()
	if s.generation[assetID] == gen {
		s.cache[assetID] = series
	}
	s.mu.Unlock()
	return series, nil
}

// Assets lists every stored asset with its observation range
func (s *Store) Assets(ctx context.Context) ([]AssetInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset_id, COUNT(*), MIN(day), MAX(day)
		FROM asset_returns GROUP BY asset_id ORDER BY asset_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}
	defer rows.Close()

	var assets []AssetInfo
	for rows.Next() {
		var info AssetInfo
		var first, last string
		if err := rows.Scan(&info.ID, &info.Observations, &first, &last); err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		if info.FirstDay, err = parseDay(first); err != nil {
			return nil, err
		}
		if info.LastDay, err = parseDay(last); err != nil {
			return nil, err
		}
		assets = append(assets, info)
	}
	return assets, rows.Err()
}

// SaveRun stores a completed backtest report
func (s *Store) SaveRun(ctx context.Context, report *types.BacktestReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, strategy, rtn, completed_at, report) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET report = excluded.report`,
		report.ID, string(report.Strategy), report.Summary.Return,
		report.CompletedAt.UTC().Format(time.RFC3339Nano), string(payload))
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", report.ID, err)
	}
	return nil
}

// GetRun loads a stored backtest report
func (s *Store) GetRun(ctx context.Context, id string) (*types.BacktestReport, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT report FROM runs WHERE id = ?", id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}

	var report types.BacktestReport
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		return nil, fmt.Errorf("failed to parse run %s: %w", id, err)
	}
	return &report, nil
}

// ListRuns returns the most recent runs first
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, strategy, rtn, completed_at FROM runs ORDER BY completed_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunInfo
	for rows.Next() {
		var info RunInfo
		var strategy, completed string
		if err := rows.Scan(&info.ID, &strategy, &info.Return, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		info.Strategy = types.StrategyKind(strategy)
		if info.CompletedAt, err = time.Parse(time.RFC3339Nano, completed); err != nil {
			return nil, err
		}
		runs = append(runs, info)
	}
	return runs, rows.Err()
}

// GetCacheSize returns the number of cached asset series
func (s *Store) GetCacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.cache)
}
