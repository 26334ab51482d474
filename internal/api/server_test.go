package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/allocation-backend/internal/api"
	"github.com/atlas-desktop/allocation-backend/internal/data"
	"github.com/atlas-desktop/allocation-backend/internal/metrics"
	"github.com/atlas-desktop/allocation-backend/internal/orchestrator"
	"github.com/atlas-desktop/allocation-backend/pkg/types"
)

func setupTestServer(t *testing.T) (*api.Server, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()

	store, err := data.NewStore(logger, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.SeedSample(context.Background(), &data.SampleConfig{
		AssetIDs: []string{"a", "b", "c"},
		Start:    time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		Days:     200,
		Low:      -0.02,
		High:     0.025,
		Seed:     7,
	}))

	cfg := orchestrator.DefaultOrchestratorConfig()
	cfg.Workers = 2
	collector := metrics.NewCollector()
	o := orchestrator.NewOrchestrator(logger, cfg, data.NewProvider(logger, store), store, collector)

	server := api.NewServer(logger, &types.ServerConfig{
		WebSocketPath: "/ws",
		EnableMetrics: true,
	}, &types.BacktestConfig{Dilate: 1}, o, store, collector)

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return server, ts
}

func fixedRequest() map[string]interface{} {
	return map[string]interface{}{
		"begindate":        "20200401",
		"termidate":        "20200630",
		"gapday":           20,
		"back_window_size": 30,
		"invest_amount":    "1000",
		"assets_info": []map[string]interface{}{
			{"id": "a", "fixed_wght": 0.5},
			{"id": "b", "fixed_wght": 0.3},
			{"id": "c", "fixed_wght": "0.2"},
		},
	}
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "healthy", result["status"])
}

func TestAssetsEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/assets")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Assets []map[string]interface{} `json:"assets"`
		Count  int                      `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, 3, result.Count)
	assert.Equal(t, "a", result.Assets[0]["id"])
	assert.EqualValues(t, 200, result.Assets[0]["observations"])
}

func TestAllocateAndFetchRun(t *testing.T) {
	_, ts := setupTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/allocate/fixed", fixedRequest())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report types.BacktestReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	require.NotEmpty(t, report.ID)
	assert.Equal(t, types.StrategyFixed, report.Strategy)
	require.NotEmpty(t, report.Periods)
	assert.Equal(t, []float64{0.5, 0.3, 0.2}, report.Periods[0].Weights)
	assert.Equal(t, "1000", report.Summary.InvestAmount.String())

	got, err := http.Get(ts.URL + "/api/v1/runs/" + report.ID)
	require.NoError(t, err)
	defer got.Body.Close()
	require.Equal(t, http.StatusOK, got.StatusCode)
	var stored types.BacktestReport
	require.NoError(t, json.NewDecoder(got.Body).Decode(&stored))
	assert.Equal(t, report.ID, stored.ID)
	assert.Len(t, stored.Periods, len(report.Periods))

	flat, err := http.Get(ts.URL + "/api/v1/runs/" + report.ID + "?view=flat")
	require.NoError(t, err)
	defer flat.Body.Close()
	var m map[string]interface{}
	require.NoError(t, json.NewDecoder(flat.Body).Decode(&m))
	assert.Contains(t, m, "summary")
	assert.Equal(t, []interface{}{"a", "b", "c"}, m["assets"])

	list, err := http.Get(ts.URL + "/api/v1/runs?limit=5")
	require.NoError(t, err)
	defer list.Body.Close()
	var runs struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(list.Body).Decode(&runs))
	assert.Equal(t, 1, runs.Count)
}

func TestAllocateRejectsBadInput(t *testing.T) {
	_, ts := setupTestServer(t)

	tests := []struct {
		name   string
		path   string
		mutate func(map[string]interface{})
		want   int
	}{
		{"unknown strategy", "/api/v1/allocate/momentum", func(map[string]interface{}) {}, http.StatusNotFound},
		{"missing assets", "/api/v1/allocate/fixed", func(b map[string]interface{}) { delete(b, "assets_info") }, http.StatusBadRequest},
		{"bad date", "/api/v1/allocate/fixed", func(b map[string]interface{}) { b["begindate"] = "20201399" }, http.StatusBadRequest},
		{"reversed range", "/api/v1/allocate/fixed", func(b map[string]interface{}) { b["termidate"] = "20200301" }, http.StatusBadRequest},
		{"zero gap", "/api/v1/allocate/fixed", func(b map[string]interface{}) { b["gapday"] = 0 }, http.StatusBadRequest},
		{"inverted bounds", "/api/v1/allocate/fixed", func(b map[string]interface{}) {
			b["assets_info"] = []map[string]interface{}{{"id": "a", "lower_bound": 0.8, "upper_bound": 0.2}}
		}, http.StatusBadRequest},
		{"duplicate asset", "/api/v1/allocate/fixed", func(b map[string]interface{}) {
			b["assets_info"] = []map[string]interface{}{{"id": "a"}, {"id": "a"}}
		}, http.StatusBadRequest},
		{"bad benchmark", "/api/v1/allocate/fixed", func(b map[string]interface{}) { b["benchmark"] = "a,b:1" }, http.StatusBadRequest},
		{"views on fixed", "/api/v1/allocate/fixed", func(b map[string]interface{}) {
			b["view_pick_mat"] = [][]float64{{1, -1, 0}}
			b["view_rtn_vec"] = []float64{0.01}
		}, http.StatusBadRequest},
		{"short view row", "/api/v1/allocate/mean-variance", func(b map[string]interface{}) {
			b["mvo_target"] = "sharpe"
			b["view_pick_mat"] = [][]float64{{1, -1}}
			b["view_rtn_vec"] = []float64{0.01}
		}, http.StatusBadRequest},
		{"not enough history", "/api/v1/allocate/fixed", func(b map[string]interface{}) { b["back_window_size"] = 500 }, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := fixedRequest()
			tt.mutate(body)
			resp := postJSON(t, ts.URL+tt.path, body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	resp, err := http.Post(ts.URL+"/api/v1/allocate/fixed", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetUnknownRun(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/runs/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSolveEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	body := map[string]interface{}{
		"strategy":         "risk_budget",
		"begindate":        "20200101",
		"termidate":        "20200630",
		"back_window_size": 60,
		"gapday":           1,
		"assets_info": []map[string]interface{}{
			{"id": "a", "asset_risk_ratio": 1, "lower_bound": 0, "upper_bound": 1},
			{"id": "b", "asset_risk_ratio": 1, "lower_bound": 0, "upper_bound": 1},
			{"id": "c", "asset_risk_ratio": 2, "lower_bound": 0, "upper_bound": 1},
		},
	}
	resp := postJSON(t, ts.URL+"/api/v1/solve", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report types.SolveReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, types.StrategyRiskBudget, report.Strategy)
	assert.Equal(t, []string{"a", "b", "c"}, report.AssetIDs)
	assert.False(t, report.Window.End.After(time.Date(2020, 6, 30, 0, 0, 0, 0, time.UTC)))
	assert.Positive(t, report.Window.CalendarDays())
}

func TestSolveWithViews(t *testing.T) {
	_, ts := setupTestServer(t)

	body := map[string]interface{}{
		"strategy":         "mean_variance",
		"mvo_target":       "sharpe",
		"begindate":        "20200101",
		"termidate":        "20200630",
		"back_window_size": 60,
		"gapday":           1,
		"view_pick_mat":    [][]float64{{0, 1, -1}},
		"view_rtn_vec":     []float64{0.002},
		"tau":              0.1,
		"equi_wght_vec":    []float64{0.4, 0.4, 0.2},
		"assets_info":      []map[string]interface{}{{"id": "a"}, {"id": "b"}, {"id": "c"}},
	}
	resp := postJSON(t, ts.URL+"/api/v1/solve", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report types.SolveReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, "direct", report.Status.String())
	require.Len(t, report.Weights, 3)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/allocate/fixed", fixedRequest())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	m, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer m.Body.Close()
	raw, err := io.ReadAll(m.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `allocation_backtests_total{strategy="fixed"} 1`)
}

func TestWebSocketProgress(t *testing.T) {
	server, ts := setupTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(api.WSMessage{Type: api.MsgTypeSubscribe, Channel: api.ChannelRuns}))
	require.Eventually(t, func() bool {
		return server.Hub().SubscriberCount(api.ChannelRuns) == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp := postJSON(t, ts.URL+"/api/v1/allocate/fixed", fixedRequest())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	progress := 0
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg api.WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == api.MsgTypeProgress {
			progress++
			continue
		}
		if msg.Type == api.MsgTypeRunComplete {
			break
		}
	}
	assert.Positive(t, progress)
}
