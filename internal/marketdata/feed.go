package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"tradeguard/internal/common"
	"tradeguard/internal/resilience"
	"tradeguard/internal/risk"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	readLimit    = 512 * 1024 // 512KB max message size
	writeTimeout = 10 * time.Second
)

// Counter is the subset of a Prometheus counter the feed needs.
type Counter interface {
	Inc()
}

type nopCounter struct{}

func (nopCounter) Inc() {}

// Update is one market snapshot message. Volatility and spread are fractions.
type Update struct {
	Symbol     string  `json:"symbol"`
	Volatility float64 `json:"volatility"`
	Spread     float64 `json:"spread"`
	Volume     float64 `json:"volume"`
	AvgVolume  float64 `json:"avgVolume"`
	Ts         int64   `json:"ts,omitempty"` // unix millis
}

func (u Update) marketData() risk.MarketData {
	md := risk.MarketData{
		Volatility: u.Volatility,
		Spread:     u.Spread,
		Volume:     u.Volume,
		AvgVolume:  u.AvgVolume,
	}
	if u.Ts > 0 {
		md.UpdatedAt = time.UnixMilli(u.Ts).UTC()
	}
	return md
}

// FeedConfig describes the stream to follow.
type FeedConfig struct {
	URL     string
	Symbols []string
	Ping    time.Duration
	// Retry governs each connection attempt; attempts are bound to the
	// marketdata-ws circuit breaker.
	Retry resilience.RetryConfig
}

// Feed streams market snapshots into a Cache, reconnecting through the
// resilience executor whenever the connection drops.
type Feed struct {
	cfg    FeedConfig
	cache  *Cache
	exec   *resilience.Executor
	dialer *websocket.Dialer

	reconnects Counter
	updates    Counter
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithCounters reports reconnects and received snapshots.
func WithCounters(reconnects, updates Counter) FeedOption {
	return func(f *Feed) {
		f.reconnects = reconnects
		f.updates = updates
	}
}

func NewFeed(cfg FeedConfig, cache *Cache, exec *resilience.Executor, opts ...FeedOption) *Feed {
	if cfg.Ping <= 0 {
		cfg.Ping = 15 * time.Second
	}
	f := &Feed{
		cfg:        cfg,
		cache:      cache,
		exec:       exec,
		dialer:     websocket.DefaultDialer,
		reconnects: nopCounter{},
		updates:    nopCounter{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run keeps the feed connected until ctx is done.
func (f *Feed) Run(ctx context.Context) error {
	for {
		result := f.exec.Execute(ctx, f.connect, f.cfg.Retry, common.BreakerMarketData)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !result.Success {
			idle := f.cfg.Retry.MaxDelay
			if idle <= 0 {
				idle = time.Second
			}
			log.Warn().Err(result.FinalError).
				Str("outcome", string(result.Outcome)).
				Int("attempts", len(result.Attempts)).
				Dur("idle", idle).
				Msg("market data connection failed, waiting before next round")
			select {
			case <-time.After(idle):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		conn := result.Value.(*websocket.Conn)
		err := f.stream(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.reconnects.Inc()
		log.Warn().Err(err).Msg("market data stream dropped, reconnecting")
	}
}

// connect dials and subscribes. Failures are tagged for the retry policy.
func (f *Feed) connect(ctx context.Context) (any, error) {
	log.Info().Str("url", f.cfg.URL).Int("symbols_count", len(f.cfg.Symbols)).Msg("Establishing market data connection")

	conn, resp, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return nil, resilience.WithKind(dialKind(resp, err), fmt.Errorf("dial failed: %w", err))
	}

	args := make([]map[string]string, 0, len(f.cfg.Symbols))
	for _, s := range f.cfg.Symbols {
		args = append(args, map[string]string{"symbol": s, "ch": "market"})
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": args}); err != nil {
		conn.Close()
		return nil, resilience.WithKind(resilience.KindNetwork, fmt.Errorf("subscribe failed: %w", err))
	}
	return conn, nil
}

func dialKind(resp *http.Response, err error) resilience.ErrorKind {
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return resilience.KindRateLimit
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return resilience.KindAuth
		case resp.StatusCode >= 500:
			return resilience.KindServer
		}
	}
	if kind := resilience.DefaultClassifier(err); kind != resilience.KindUnknown {
		return kind
	}
	return resilience.KindNetwork
}

// stream reads snapshots until the connection fails or ctx is done.
func (f *Feed) stream(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	deadline := 2 * f.cfg.Ping
	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(f.cfg.Ping)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
					log.Debug().Err(err).Msg("market data ping failed")
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error().Err(err).Msg("market data connection closed unexpectedly")
			}
			return fmt.Errorf("read message failed: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(deadline))
		f.handle(msg)
	}
}

func (f *Feed) handle(msg []byte) {
	var u Update
	if err := json.Unmarshal(msg, &u); err != nil {
		log.Debug().Err(err).Str("message", string(msg)).Msg("failed to parse message")
		return
	}
	// Subscription acks and heartbeats carry no symbol.
	if u.Symbol == "" {
		return
	}
	f.cache.Update(u.Symbol, u.marketData())
	f.updates.Inc()
}
