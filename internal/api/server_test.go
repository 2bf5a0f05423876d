package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tradeguard/internal/execution"
	"tradeguard/internal/resilience"
	"tradeguard/internal/risk"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSubmitter struct {
	out *execution.Outcome
	err error
	got risk.TradeRequest
}

func (s *stubSubmitter) Submit(_ context.Context, req risk.TradeRequest, _ float64, _ []risk.Position) (*execution.Outcome, error) {
	s.got = req
	return s.out, s.err
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *risk.Engine, *resilience.Registry, *httptest.Server) {
	t.Helper()
	engine := risk.NewEngine(risk.DefaultLimits())
	registry := resilience.NewRegistry(resilience.DefaultBreakerConfig())
	srv := NewServer(engine, registry, 0, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, engine, registry, ts
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealth(t *testing.T) {
	_, _, _, ts := newTestServer(t)

	resp, body := do(t, "GET", ts.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestEmergencyStopLifecycle(t *testing.T) {
	_, engine, _, ts := newTestServer(t)

	resp, _ := do(t, "POST", ts.URL+"/api/v1/emergency-stop", `{"reason":"exchange outage"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, engine.EmergencyStopActive())

	_, status := do(t, "GET", ts.URL+"/api/v1/status", "")
	assert.Equal(t, false, status["canTrade"])
	stop := status["emergencyStop"].(map[string]any)
	assert.Equal(t, "exchange outage", stop["reason"])

	resp, body := do(t, "DELETE", ts.URL+"/api/v1/emergency-stop", `{"reason":"recovered"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["active"])
	assert.False(t, engine.EmergencyStopActive())
}

func TestEmergencyStopRequiresReason(t *testing.T) {
	_, engine, _, ts := newTestServer(t)

	for _, body := range []string{"", `{}`, `{"reason":"   "}`, `not json`} {
		resp, decoded := do(t, "POST", ts.URL+"/api/v1/emergency-stop", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body %q", body)
		assert.NotEmpty(t, decoded["error"])
	}
	assert.False(t, engine.EmergencyStopActive())
}

func TestBreakers(t *testing.T) {
	_, _, registry, ts := newTestServer(t)
	cb := registry.GetOrCreate("exchange-orders")
	cb.ForceOpen()
	registry.GetOrCreate("marketdata-ws")

	req, _ := http.NewRequest("GET", ts.URL+"/api/v1/breakers", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var stats []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()

	require.Len(t, stats, 2)
	assert.Equal(t, "exchange-orders", stats[0]["name"])
	assert.Equal(t, "OPEN", stats[0]["state"])

	_, status := do(t, "GET", ts.URL+"/api/v1/status", "")
	assert.Equal(t, []any{"exchange-orders"}, status["openBreakers"])

	resp, body := do(t, "POST", ts.URL+"/api/v1/breakers/exchange-orders/reset", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CLOSED", body["state"])
	assert.Equal(t, resilience.StateClosed, cb.State())

	resp, _ = do(t, "POST", ts.URL+"/api/v1/breakers/nope/reset", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUserStats(t *testing.T) {
	_, engine, _, ts := newTestServer(t)
	req := risk.NewTradeRequest("alice", "BTC/USDT", risk.SideBuy, 0.1)
	engine.RecordTrade(req, risk.TradeResult{PnL: -25, Balance: 5000})
	engine.RecordTrade(req, risk.TradeResult{PnL: 10, Balance: 5010})

	resp, body := do(t, "GET", ts.URL+"/api/v1/users/alice/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "alice", body["userId"])
	assert.Equal(t, 2.0, body["tradesLastHour"])
	assert.Equal(t, 5010.0, body["peakBalance"])
	today := body["today"].(map[string]any)
	assert.Equal(t, 2.0, today["tradeCount"])
	assert.Equal(t, 25.0, today["cumulativeLoss"])
}

func TestTradeResult_SettlesWithoutCountingAgain(t *testing.T) {
	_, engine, _, ts := newTestServer(t)
	req := risk.NewTradeRequest("alice", "BTC/USDT", risk.SideBuy, 0.1)
	engine.RecordTrade(req, risk.TradeResult{OrderID: "ord-1", Balance: 10000})

	resp, body := do(t, "POST", ts.URL+"/api/v1/trades/ord-1/result", `{"userId":"alice","pnl":-500,"balance":9500}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	today := body["today"].(map[string]any)
	assert.Equal(t, 1.0, today["tradeCount"])
	assert.Equal(t, 500.0, today["cumulativeLoss"])
	assert.Equal(t, 1.0, body["tradesLastHour"])

	day := engine.DailyStats("alice")
	assert.Equal(t, 1, day.TradeCount)
	assert.Equal(t, 500.0, day.CumulativeLoss)
}

func TestTradeResult_Validation(t *testing.T) {
	_, engine, _, ts := newTestServer(t)

	for _, body := range []string{"", `{"pnl":-10}`, `{"userId":"alice"}`, `{"userId":"  ","pnl":-10}`} {
		resp, decoded := do(t, "POST", ts.URL+"/api/v1/trades/ord-1/result", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body %q", body)
		assert.NotEmpty(t, decoded["error"])
	}
	assert.Zero(t, engine.DailyStats("alice").CumulativeLoss)
}

func TestServer_NoRestartAfterStop(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, srv.Start())
	assert.Error(t, srv.Start(), "already running")
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx))

	assert.Error(t, srv.Start())
	assert.NotPanics(t, func() { _ = srv.Stop(ctx) })
}

func TestMethodNotAllowed(t *testing.T) {
	_, _, _, ts := newTestServer(t)

	resp, _ := do(t, "PUT", ts.URL+"/api/v1/emergency-stop", `{"reason":"x"}`)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestOrdersRouteOnlyWithSubmitter(t *testing.T) {
	_, _, _, ts := newTestServer(t)

	resp, _ := do(t, "POST", ts.URL+"/api/v1/orders", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitOrder(t *testing.T) {
	allowed := &execution.Outcome{
		Assessment: risk.Assessment{Action: risk.ActionAllow, Level: risk.LevelLow},
		Amount:     0.1,
	}
	blocked := &execution.Outcome{
		Assessment: risk.Assessment{Action: risk.ActionBlock, Level: risk.LevelCritical, Reasons: []string{"emergency stop active"}},
	}

	tests := []struct {
		name   string
		out    *execution.Outcome
		err    error
		status int
	}{
		{"placed", allowed, nil, http.StatusCreated},
		{"blocked", blocked, fmt.Errorf("%w: BLOCK CRITICAL", execution.ErrTradeBlocked), http.StatusForbidden},
		{"breaker open", allowed, fmt.Errorf("place order: %w", &resilience.CircuitOpenError{Name: "exchange-orders"}), http.StatusServiceUnavailable},
		{"exchange failure", allowed, resilience.Errorf(resilience.KindServer, "502"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &stubSubmitter{out: tt.out, err: tt.err}
			_, _, _, ts := newTestServer(t, WithSubmitter(sub))

			resp, body := do(t, "POST", ts.URL+"/api/v1/orders",
				`{"request":{"userId":"alice","symbol":"BTC/USDT","side":"buy","amount":0.1,"price":30000},"balance":10000}`)
			assert.Equal(t, tt.status, resp.StatusCode)

			a := body["assessment"].(map[string]any)
			assert.Equal(t, string(tt.out.Assessment.Action), a["action"])

			assert.Equal(t, "alice", sub.got.UserID)
			require.NotNil(t, sub.got.Price)
			assert.Equal(t, 30000.0, *sub.got.Price)
			assert.False(t, sub.got.Timestamp.IsZero())
		})
	}
}

func TestStatusStream(t *testing.T) {
	_, engine, _, ts := newTestServer(t, WithStatusInterval(20*time.Millisecond))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/status"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first Status
	require.NoError(t, conn.ReadJSON(&first))
	assert.True(t, first.CanTrade)

	engine.ActivateEmergencyStop("drill")

	require.Eventually(t, func() bool {
		var st Status
		if err := conn.ReadJSON(&st); err != nil {
			return false
		}
		return !st.CanTrade && st.EmergencyStop.Reason == "drill"
	}, 2*time.Second, time.Millisecond)
}
