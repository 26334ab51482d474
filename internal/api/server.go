// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/allocation-backend/internal/config"
	"github.com/atlas-desktop/allocation-backend/internal/data"
	"github.com/atlas-desktop/allocation-backend/internal/metrics"
	"github.com/atlas-desktop/allocation-backend/internal/orchestrator"
	"github.com/atlas-desktop/allocation-backend/pkg/types"
)

// Allocator runs backtests and single solves.
type Allocator interface {
	Allocate(ctx context.Context, req *types.AllocationRequest, progress orchestrator.ProgressFunc) (*types.BacktestReport, error)
	Solve(ctx context.Context, req *types.AllocationRequest) (*types.SolveReport, error)
}

// Catalog lists stored assets and past runs.
type Catalog interface {
	Assets(ctx context.Context) ([]data.AssetInfo, error)
	GetRun(ctx context.Context, id string) (*types.BacktestReport, error)
	ListRuns(ctx context.Context, limit int) ([]data.RunInfo, error)
}

// errBadRequest marks malformed input that the validator cannot catch.
var errBadRequest = errors.New("bad request")

// strategyRoutes maps the allocate path segment to a strategy.
var strategyRoutes = map[string]types.StrategyKind{
	"mean-variance": types.StrategyMeanVariance,
	"risk-budget":   types.StrategyRiskBudget,
	"fixed":         types.StrategyFixed,
}

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     *types.ServerConfig
	defaults   *types.BacktestConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	validate   *validator.Validate
	hub        *Hub
	allocator  Allocator
	catalog    Catalog
	metrics    *metrics.Collector
	started    time.Time
}

// progressEvent is published after each evaluated window.
type progressEvent struct {
	RunID     string  `json:"runId"`
	Position  int     `json:"position"`
	Total     int     `json:"total"`
	Status    string  `json:"status"`
	Fallback  bool    `json:"fallback"`
	Return    float64 `json:"return"`
	EarlyStop bool    `json:"earlyStop"`
}

// NewServer creates a new API server. collector may be nil.
func NewServer(logger *zap.Logger, config *types.ServerConfig, defaults *types.BacktestConfig, allocator Allocator, catalog Catalog, collector *metrics.Collector) *Server {
	if defaults == nil {
		defaults = &types.BacktestConfig{Dilate: 1}
	}
	s := &Server{
		logger:    logger,
		config:    config,
		defaults:  defaults,
		router:    mux.NewRouter(),
		validate:  validator.New(),
		hub:       NewHub(logger),
		allocator: allocator,
		catalog:   catalog,
		metrics:   collector,
		started:   time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/assets", s.handleAssets).Methods("GET")

	s.router.HandleFunc("/api/v1/allocate/{strategy}", s.handleAllocate).Methods("POST")
	s.router.HandleFunc("/api/v1/solve", s.handleSolve).Methods("POST")

	s.router.HandleFunc("/api/v1/runs", s.handleListRuns).Methods("GET")
	s.router.HandleFunc("/api/v1/runs/{id}", s.handleGetRun).Methods("GET")

	if s.config.EnableMetrics && s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	wsPath := s.config.WebSocketPath
	if wsPath == "" {
		wsPath = "/ws"
	}
	s.router.HandleFunc(wsPath, s.handleWebSocket)
}

// Router returns the route table without CORS, for embedding and tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub returns the progress hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start starts the hub and serves HTTP until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins: s.allowedOrigins(),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go s.hub.Run(ctx)

	s.logger.Info("starting API server", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.hub.CloseAll()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) allowedOrigins() []string {
	if len(s.config.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.config.AllowedOrigins
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.allowedOrigins() {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"time":        time.Now().Unix(),
		"uptime":      time.Since(s.started).String(),
		"clients":     s.hub.ClientCount(),
		"subscribers": s.hub.SubscriberCount(ChannelRuns),
	})
}

// handleAssets lists the assets with stored returns
func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.catalog.Assets(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]map[string]interface{}, len(assets))
	for i, a := range assets {
		out[i] = map[string]interface{}{
			"id":           a.ID,
			"observations": a.Observations,
			"first":        a.FirstDay.Format(types.DateLayout),
			"last":         a.LastDay.Format(types.DateLayout),
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"assets": out,
		"count":  len(out),
	})
}

// handleAllocate runs a backtest synchronously and streams window progress
// to websocket subscribers.
func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	strategy, ok := strategyRoutes[mux.Vars(r)["strategy"]]
	if !ok {
		http.Error(w, "unknown strategy", http.StatusNotFound)
		return
	}

	req, err := s.decodeRequest(r, strategy)
	if err != nil {
		s.writeError(w, err)
		return
	}

	progress := func(runID string, rec types.PeriodRecord, total int) {
		s.hub.PublishRun(runID, MsgTypeProgress, progressEvent{
			RunID:     runID,
			Position:  rec.Position,
			Total:     total,
			Status:    rec.Status.String(),
			Fallback:  rec.Fallback,
			Return:    rec.Return,
			EarlyStop: rec.EarlyStop,
		})
	}

	report, err := s.allocator.Allocate(r.Context(), req, progress)
	if err != nil {
		s.hub.PublishToChannel(ChannelRuns, MsgTypeRunFailed, map[string]string{
			"strategy": string(strategy),
			"error":    err.Error(),
		})
		s.writeError(w, err)
		return
	}

	s.hub.PublishRun(report.ID, MsgTypeRunComplete, map[string]interface{}{
		"runId":   report.ID,
		"summary": report.Summary,
	})
	writeJSON(w, http.StatusOK, report)
}

// handleSolve solves one allocation on the latest lookback window
func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeRequest(r, "")
	if err != nil {
		s.writeError(w, err)
		return
	}

	report, err := s.allocator.Solve(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleListRuns lists stored runs, newest first
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := s.catalog.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// handleGetRun returns a stored report. view=flat renders the nested map
// form keyed by asset id.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.catalog.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	if r.URL.Query().Get("view") == "flat" {
		writeJSON(w, http.StatusOK, report.Map())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.NewString(), s.hub, conn)
	s.hub.register(client)
	s.logger.Info("websocket client connected", zap.String("id", client.id))

	go client.WritePump()
	go client.ReadPump()
}

// decodeRequest decodes and validates an allocation request. A non-empty
// strategy overrides the body.
func (s *Server) decodeRequest(r *http.Request, strategy types.StrategyKind) (*types.AllocationRequest, error) {
	var req types.AllocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: invalid request body: %v", errBadRequest, err)
	}
	if strategy != "" {
		req.Strategy = strategy
	}
	if req.Dilate == 0 {
		req.Dilate = s.defaults.Dilate
	}

	if err := s.validate.Struct(&req); err != nil {
		return nil, err
	}

	begin, err := req.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: invalid begindate: %v", errBadRequest, err)
	}
	end, err := req.End()
	if err != nil {
		return nil, fmt.Errorf("%w: invalid termidate: %v", errBadRequest, err)
	}
	if end.Before(begin) {
		return nil, fmt.Errorf("%w: termidate %s before begindate %s", errBadRequest, req.EndDate, req.BeginDate)
	}
	if len(req.ViewPick) > 0 && req.Strategy != types.StrategyMeanVariance {
		return nil, fmt.Errorf("%w: views apply to the %s strategy only", errBadRequest, types.StrategyMeanVariance)
	}
	return &req, nil
}

// statusFor maps an error to an HTTP status code.
func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs),
		errors.Is(err, errBadRequest),
		errors.Is(err, config.ErrInvalidBenchmark),
		errors.Is(err, types.ErrInfeasibleTarget),
		errors.Is(err, types.ErrDimensionMismatch):
		return http.StatusBadRequest
	case errors.Is(err, data.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrDataInsufficiency):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
