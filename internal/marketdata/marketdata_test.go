package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tradeguard/internal/common"
	"tradeguard/internal/resilience"
	"tradeguard/internal/risk"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCounter struct{ n atomic.Int64 }

func (c *countingCounter) Inc() { c.n.Add(1) }

func TestCache_UpdateAndGet(t *testing.T) {
	cache := NewCache(time.Minute)
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	cache.Update("BTC/USDT", risk.MarketData{Volatility: 0.07, Spread: 0.001})

	md, ok := cache.Get("BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, 0.07, md.Volatility)
	assert.Equal(t, now, md.UpdatedAt, "missing timestamps are stamped on update")

	_, ok = cache.Get("ETH/USDT")
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = cache.Get("BTC/USDT")
	assert.False(t, ok, "entries older than max age are stale")
	assert.Equal(t, []string{"BTC/USDT"}, cache.Symbols())
}

func TestCache_Snapshot(t *testing.T) {
	cache := NewCache(time.Minute)
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	cache.Update("BTC/USDT", risk.MarketData{Volatility: 0.02})
	cache.Update("ETH/USDT", risk.MarketData{Volatility: 0.04})
	cache.Update("OLD/USDT", risk.MarketData{Volatility: 0.5, UpdatedAt: now.Add(-time.Hour)})

	all := cache.Snapshot()
	assert.Len(t, all, 2)
	assert.NotContains(t, all, "OLD/USDT")

	some := cache.Snapshot("ETH/USDT", "SOL/USDT")
	assert.Len(t, some, 1)
	assert.Equal(t, 0.04, some["ETH/USDT"].Volatility)
}

func TestCache_NoMaxAge(t *testing.T) {
	cache := NewCache(0)
	cache.Update("BTC/USDT", risk.MarketData{UpdatedAt: time.Unix(0, 0)})

	_, ok := cache.Get("BTC/USDT")
	assert.True(t, ok)
}

// feedServer upgrades every connection, checks the subscription and sends
// the given messages before closing.
func feedServer(t *testing.T, messages []string, hold time.Duration) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conns.Add(1)

		var sub struct {
			Op   string              `json:"op"`
			Args []map[string]string `json:"args"`
		}
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		assert.Equal(t, "subscribe", sub.Op)

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"subscribe","success":true}`))
		for _, m := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		time.Sleep(hold)
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testRetry() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 10 * time.Millisecond
	return cfg
}

func TestFeed_StreamsIntoCache(t *testing.T) {
	srv, _ := feedServer(t, []string{
		`{"symbol":"BTC/USDT","volatility":0.12,"spread":0.002,"volume":50,"avgVolume":100}`,
		`not json`,
		`{"symbol":"ETH/USDT","volatility":0.03,"spread":0.001,"volume":10,"avgVolume":10,"ts":1741942800000}`,
	}, time.Second)

	cache := NewCache(0)
	exec := resilience.NewExecutor(resilience.DefaultBreakerConfig())
	updates := &countingCounter{}
	feed := NewFeed(FeedConfig{URL: wsURL(srv), Symbols: []string{"BTC/USDT", "ETH/USDT"}, Ping: time.Second, Retry: testRetry()},
		cache, exec, WithCounters(&countingCounter{}, updates))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- feed.Run(ctx) }()

	require.Eventually(t, func() bool { return updates.n.Load() == 2 }, 2*time.Second, 10*time.Millisecond)

	btc, ok := cache.Get("BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, 0.12, btc.Volatility)
	assert.Equal(t, 100.0, btc.AvgVolume)

	eth, ok := cache.Get("ETH/USDT")
	require.True(t, ok)
	assert.Equal(t, time.UnixMilli(1741942800000).UTC(), eth.UpdatedAt)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop after cancel")
	}
}

func TestFeed_ReconnectsAfterDrop(t *testing.T) {
	srv, conns := feedServer(t, []string{`{"symbol":"BTC/USDT","volatility":0.01}`}, 0)

	cache := NewCache(0)
	exec := resilience.NewExecutor(resilience.DefaultBreakerConfig())
	reconnects := &countingCounter{}
	feed := NewFeed(FeedConfig{URL: wsURL(srv), Symbols: []string{"BTC/USDT"}, Ping: time.Second, Retry: testRetry()},
		cache, exec, WithCounters(reconnects, &countingCounter{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	require.Eventually(t, func() bool { return conns.Load() >= 3 }, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, reconnects.n.Load(), int64(2))
}

func TestFeed_ConnectClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   resilience.ErrorKind
	}{
		{"server error", http.StatusServiceUnavailable, resilience.KindServer},
		{"unauthorized", http.StatusUnauthorized, resilience.KindAuth},
		{"rate limited", http.StatusTooManyRequests, resilience.KindRateLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			feed := NewFeed(FeedConfig{URL: wsURL(srv)}, NewCache(0), resilience.NewExecutor(resilience.DefaultBreakerConfig()))
			_, err := feed.connect(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.want, resilience.KindOf(err))
		})
	}

	feed := NewFeed(FeedConfig{URL: "ws://127.0.0.1:1/ws"}, NewCache(0), resilience.NewExecutor(resilience.DefaultBreakerConfig()))
	_, err := feed.connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, resilience.KindNetwork, resilience.KindOf(err))
}

func TestFeed_OpensBreakerWhenEndpointDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	breakerCfg := resilience.DefaultBreakerConfig()
	breakerCfg.FailureThreshold = 2
	breakerCfg.RecoveryTimeout = time.Hour
	exec := resilience.NewExecutor(breakerCfg)

	feed := NewFeed(FeedConfig{URL: wsURL(srv), Retry: testRetry()}, NewCache(0), exec)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := feed.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	cb, ok := exec.Registry().Get(common.BreakerMarketData)
	require.True(t, ok)
	assert.Equal(t, resilience.StateOpen, cb.State())
}
