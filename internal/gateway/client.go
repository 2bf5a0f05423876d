// Package gateway places orders on the exchange over signed REST calls.
//
// Every failure is tagged with a resilience.ErrorKind so the retry executor
// and circuit breakers can decide what to do with it without knowing HTTP.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradeguard/internal/resilience"
	"tradeguard/internal/risk"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const DefaultOrderPath = "/api/v1/orders"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds the exchange connection settings.
type Config struct {
	Key               string
	Secret            string
	BaseURL           string
	OrderPath         string
	Timeout           time.Duration
	RequestsPerSecond float64
	// DryRun acknowledges orders locally without calling the exchange.
	DryRun bool
}

// OrderRecorder receives the result label and latency of each placement call.
type OrderRecorder interface {
	OrderResult(result string, elapsed time.Duration)
}

type Client struct {
	key, secret string
	orderURL    string
	dryRun      bool

	rest    *resty.Client
	limiter *rate.Limiter
	metrics OrderRecorder
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

func WithMetrics(m OrderRecorder) Option {
	return func(c *Client) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a client. A zero Timeout falls back to 5s and a zero request
// rate disables pacing.
func New(cfg Config, opts ...Option) *Client {
	r := resty.New()
	if cfg.Timeout > 0 {
		r.SetTimeout(cfg.Timeout)
	} else {
		r.SetTimeout(5 * time.Second) // default fallback
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	path := cfg.OrderPath
	if path == "" {
		path = DefaultOrderPath
	}

	c := &Client{
		key:      cfg.Key,
		secret:   cfg.Secret,
		orderURL: strings.TrimRight(cfg.BaseURL, "/") + path,
		dryRun:   cfg.DryRun,
		rest:     r,
		limiter:  limiter,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OrderRequest is the body sent to the exchange.
type OrderRequest struct {
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"` // BUY or SELL
	Qty           string `json:"qty"`
	OrderType     string `json:"orderType"` // MARKET or LIMIT
	Price         string `json:"price,omitempty"`
	StopLoss      string `json:"stopLoss,omitempty"`
	TakeProfit    string `json:"takeProfit,omitempty"`
	Leverage      string `json:"leverage,omitempty"`
}

// NewOrderRequest converts an assessed trade into an order for amount. The
// client order id is generated once here so retries reuse it.
func NewOrderRequest(req risk.TradeRequest, amount float64) OrderRequest {
	o := OrderRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        req.Symbol,
		Side:          strings.ToUpper(string(req.Side)),
		Qty:           decimal.NewFromFloat(amount).String(),
		OrderType:     "MARKET",
	}
	if req.OrderType != "" {
		o.OrderType = strings.ToUpper(req.OrderType)
	}
	o.Price = optional(req.Price)
	o.StopLoss = optional(req.StopLoss)
	o.TakeProfit = optional(req.TakeProfit)
	o.Leverage = optional(req.Leverage)
	return o
}

func optional(v *float64) string {
	if v == nil {
		return ""
	}
	return decimal.NewFromFloat(*v).String()
}

// OrderAck is the exchange's acceptance of an order.
type OrderAck struct {
	OrderID       string    `json:"orderId"`
	ClientOrderID string    `json:"clientOrderId"`
	Symbol        string    `json:"symbol"`
	DryRun        bool      `json:"dryRun,omitempty"`
	AcceptedAt    time.Time `json:"acceptedAt"`
}

type orderResp struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		OrderID string `json:"orderId"`
	} `json:"data"`
}

// PlaceOrder sends o and returns the acknowledgement. Errors carry a
// resilience.ErrorKind: network or timeout for transport failures, rate_limit
// for 429, server for 5xx, auth for 401/403 and rejected for any other 4xx or
// a non-zero response code.
func (c *Client) PlaceOrder(ctx context.Context, o OrderRequest) (*OrderAck, error) {
	if o.ClientOrderID == "" {
		o.ClientOrderID = uuid.NewString()
	}
	if o.Symbol == "" || o.Qty == "" {
		return nil, resilience.Errorf(resilience.KindValidation, "order requires symbol and qty")
	}

	started := c.now()
	ack, err := c.place(ctx, o)
	c.record(err, c.now().Sub(started))
	if err != nil {
		log.Warn().Err(err).
			Str("symbol", o.Symbol).
			Str("client_order_id", o.ClientOrderID).
			Str("kind", string(resilience.KindOf(err))).
			Msg("order placement failed")
		return nil, err
	}

	log.Info().
		Str("symbol", o.Symbol).
		Str("side", o.Side).
		Str("qty", o.Qty).
		Str("order_id", ack.OrderID).
		Bool("dry_run", ack.DryRun).
		Msg("order accepted")
	return ack, nil
}

func (c *Client) place(ctx context.Context, o OrderRequest) (*OrderAck, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, resilience.WithKind(resilience.DefaultClassifier(ctx.Err()), err)
		}
		return nil, resilience.WithKind(resilience.KindRateLimit, fmt.Errorf("rate limiter: %w", err))
	}

	if c.dryRun {
		return &OrderAck{
			OrderID:       "dry-" + o.ClientOrderID,
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			DryRun:        true,
			AcceptedAt:    c.now().UTC(),
		}, nil
	}

	body, err := json.Marshal(o)
	if err != nil {
		return nil, resilience.WithKind(resilience.KindValidation, fmt.Errorf("marshal order: %w", err))
	}

	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	sign := Sign(c.secret, nonce, c.key, ts, string(body))

	resp := &orderResp{}
	httpResp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("api-key", c.key).
		SetHeader("nonce", nonce).
		SetHeader("timestamp", ts).
		SetHeader("sign", sign).
		SetBody(body).
		SetResult(resp).
		SetError(resp).
		Post(c.orderURL)
	if err != nil {
		kind := resilience.DefaultClassifier(err)
		if kind == resilience.KindUnknown {
			kind = resilience.KindNetwork
		}
		return nil, resilience.WithKind(kind, fmt.Errorf("place order: %w", err))
	}

	if kind, failed := classifyStatus(httpResp.StatusCode()); failed {
		return nil, resilience.Errorf(kind, "place order: status %d: %s", httpResp.StatusCode(), responseMsg(resp, httpResp))
	}
	if resp.Code != 0 {
		return nil, resilience.Errorf(resilience.KindRejected, "place order: code %d: %s", resp.Code, resp.Msg)
	}

	return &OrderAck{
		OrderID:       resp.Data.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		AcceptedAt:    c.now().UTC(),
	}, nil
}

func classifyStatus(status int) (resilience.ErrorKind, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return resilience.KindRateLimit, true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return resilience.KindAuth, true
	case status >= 500:
		return resilience.KindServer, true
	case status >= 400:
		return resilience.KindRejected, true
	default:
		return "", false
	}
}

func responseMsg(resp *orderResp, httpResp *resty.Response) string {
	if resp.Msg != "" {
		return resp.Msg
	}
	return strings.TrimSpace(httpResp.String())
}

func (c *Client) record(err error, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	result := "accepted"
	if err != nil {
		result = string(resilience.KindOf(err))
	}
	c.metrics.OrderResult(result, elapsed)
}
