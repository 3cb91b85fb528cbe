package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tradeguard/internal/engine"
	"tradeguard/internal/inventory"
	"tradeguard/internal/monitor"
	"tradeguard/internal/position"
	"tradeguard/internal/reconciliation"
	"tradeguard/internal/resilience"
	"tradeguard/internal/risk"
	"tradeguard/internal/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	positions []engine.PositionView
	inv       inventory.State
	recon     *reconciliation.Result
	breakers  []resilience.BreakerState
	overlay   risk.OverlayDecision
	cycle     *engine.CycleReport
	status    engine.SystemStatus
}

func (f *fakeService) Positions(context.Context) []engine.PositionView       { return f.positions }
func (f *fakeService) Inventory(context.Context) inventory.State             { return f.inv }
func (f *fakeService) Reconciliation(context.Context) *reconciliation.Result { return f.recon }
func (f *fakeService) Breakers(context.Context) []resilience.BreakerState    { return f.breakers }
func (f *fakeService) Overlay(context.Context) risk.OverlayDecision          { return f.overlay }
func (f *fakeService) LastCycle(context.Context) *engine.CycleReport         { return f.cycle }
func (f *fakeService) Status(context.Context) engine.SystemStatus            { return f.status }

type fakeTasks []scheduler.TaskStatus

func (f fakeTasks) Status() []scheduler.TaskStatus { return f }

func newTestServer(t *testing.T, svc *fakeService, d Deps) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	d.Engine = svc
	s, err := NewServer(d)
	require.NoError(t, err)
	return s
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestNewServerRequiresEngine(t *testing.T) {
	_, err := NewServer(Deps{})
	require.Error(t, err)
}

func TestHealthOK(t *testing.T) {
	svc := &fakeService{overlay: risk.NormalPosture()}
	s := newTestServer(t, svc, Deps{
		Tasks:  fakeTasks{{Name: "strategy", Interval: time.Minute, Runs: 3}},
		Health: monitor.NewHealth(prometheus.NewRegistry(), time.Minute),
	})

	rec := get(t, s, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "normal", body["overlay_mode"])
	tasks, ok := body["tasks"].([]any)
	require.True(t, ok)
	assert.Len(t, tasks, 1)
	assert.Contains(t, body, "venue")
}

func TestHealthDegradedOnOpenBreaker(t *testing.T) {
	svc := &fakeService{
		overlay:  risk.NormalPosture(),
		breakers: []resilience.BreakerState{{Name: "orders", IsOpen: true}, {Name: "reads"}},
	}
	s := newTestServer(t, svc, Deps{})

	body := decode(t, get(t, s, "/health"))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, []any{"orders"}, body["open_breakers"])
}

func TestHealthDegradedWhenEntriesStopped(t *testing.T) {
	svc := &fakeService{overlay: risk.OverlayDecision{Mode: risk.ModeFlattenOnly}}
	s := newTestServer(t, svc, Deps{})

	body := decode(t, get(t, s, "/health"))
	assert.Equal(t, "degraded", body["status"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newTestServer(t, &fakeService{}, Deps{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	s.Router.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestReadEndpoints(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc := &fakeService{
		positions: []engine.PositionView{{
			ManagedPosition: position.ManagedPosition{ID: "p1", Symbol: "BTCUSDT", Quantity: 0.5, EntryPrice: 100, State: position.StateManaging},
			CurrentPrice:    110,
			UnrealizedPnL:   5,
		}},
		inv: inventory.State{
			CashUSD:   900,
			Available: map[string]float64{"BTCUSDT": 0.5},
			Reserved:  map[string]float64{},
		},
		recon:    &reconciliation.Result{FillsChecked: 4, FeeMismatches: 1, Errors: []string{}},
		breakers: []resilience.BreakerState{{Name: "reads", FailureCount: 2}},
		overlay:  risk.OverlayDecision{Mode: risk.ModeReduced, SizeMultiplier: 0.5, Reasons: []string{"drawdown"}},
		cycle:    &engine.CycleReport{StartedAt: at, EquityUSD: 955},
		status:   engine.SystemStatus{Version: "test", Venue: "paper", Symbols: []string{"BTCUSDT"}, Cycles: 7},
	}
	s := newTestServer(t, svc, Deps{Tasks: fakeTasks{{Name: "reconciliation"}}})

	t.Run("status", func(t *testing.T) {
		rec := get(t, s, "/api/status")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "paper", body["venue"])
		assert.EqualValues(t, 7, body["cycles"])
	})

	t.Run("positions", func(t *testing.T) {
		rec := get(t, s, "/api/positions")
		require.Equal(t, http.StatusOK, rec.Code)
		var out []engine.PositionView
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		require.Len(t, out, 1)
		assert.Equal(t, "BTCUSDT", out[0].Symbol)
		assert.InDelta(t, 5, out[0].UnrealizedPnL, 1e-9)
	})

	t.Run("inventory", func(t *testing.T) {
		rec := get(t, s, "/api/inventory")
		require.Equal(t, http.StatusOK, rec.Code)
		var out inventory.State
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		assert.InDelta(t, 900, out.CashUSD, 1e-9)
		assert.InDelta(t, 0.5, out.Available["BTCUSDT"], 1e-9)
	})

	t.Run("reconciliation", func(t *testing.T) {
		body := decode(t, get(t, s, "/api/reconciliation"))
		assert.EqualValues(t, 4, body["fills_checked"])
		assert.EqualValues(t, 1, body["fee_mismatches"])
	})

	t.Run("breakers", func(t *testing.T) {
		rec := get(t, s, "/api/breakers")
		var out []resilience.BreakerState
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		require.Len(t, out, 1)
		assert.Equal(t, 2, out[0].FailureCount)
	})

	t.Run("overlay", func(t *testing.T) {
		body := decode(t, get(t, s, "/api/overlay"))
		assert.Equal(t, "reduced", body["mode"])
		assert.InDelta(t, 0.5, body["size_multiplier"], 1e-9)
	})

	t.Run("cycle", func(t *testing.T) {
		body := decode(t, get(t, s, "/api/cycle"))
		assert.InDelta(t, 955, body["equity_usd"], 1e-9)
	})

	t.Run("tasks", func(t *testing.T) {
		rec := get(t, s, "/api/tasks")
		var out []scheduler.TaskStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		require.Len(t, out, 1)
		assert.Equal(t, "reconciliation", out[0].Name)
	})
}

func TestNotReadyEndpoints(t *testing.T) {
	s := newTestServer(t, &fakeService{}, Deps{})

	for _, path := range []string{"/api/reconciliation", "/api/cycle"} {
		rec := get(t, s, path)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, "not_ready", decode(t, rec)["code"], path)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	health := monitor.NewHealth(reg, time.Minute)
	health.ObserveBlock("risk", "kill_switch")

	s := newTestServer(t, &fakeService{}, Deps{Gatherer: reg})
	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tradeguard_")
	assert.Contains(t, rec.Body.String(), `gate="kill_switch"`)
}

func TestMetricsRouteAbsentWithoutGatherer(t *testing.T) {
	s := newTestServer(t, &fakeService{}, Deps{})
	assert.Equal(t, http.StatusNotFound, get(t, s, "/metrics").Code)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, &fakeService{}, Deps{RateLimit: 1})

	codes := map[int]int{}
	for i := 0; i < 10; i++ {
		codes[get(t, s, "/api/status").Code]++
	}
	assert.Positive(t, codes[http.StatusTooManyRequests])
	assert.Positive(t, codes[http.StatusOK])
}

func TestIPLimitersReset(t *testing.T) {
	now := time.Unix(0, 0)
	l := newIPLimiters(1, 1)
	l.now = func() time.Time { return now }

	first := l.get("10.0.0.1")
	assert.Same(t, first, l.get("10.0.0.1"))

	now = now.Add(6 * time.Minute)
	assert.NotSame(t, first, l.get("10.0.0.1"))
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, &fakeService{}, Deps{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	s.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
