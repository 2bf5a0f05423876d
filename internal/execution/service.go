// Package execution runs a trade through the risk gate and, when allowed,
// places it on the exchange behind the retry executor and circuit breaker.
package execution

import (
	"context"
	"errors"
	"fmt"

	"tradeguard/internal/common"
	"tradeguard/internal/gateway"
	"tradeguard/internal/resilience"
	"tradeguard/internal/risk"

	"github.com/rs/zerolog/log"
)

// ErrTradeBlocked is wrapped by Submit when the assessment does not allow
// automatic execution (BLOCK or REQUIRE_APPROVAL).
var ErrTradeBlocked = errors.New("trade not allowed by risk assessment")

// OrderPlacer sends an order to the exchange.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, o gateway.OrderRequest) (*gateway.OrderAck, error)
}

// MarketSource provides the market snapshot an assessment reads.
type MarketSource interface {
	Snapshot(symbols ...string) risk.MarketSnapshot
}

// Outcome describes what happened to one submitted trade. Assessment is
// always set; Order and Retry only once placement was attempted.
type Outcome struct {
	Assessment risk.Assessment         `json:"assessment"`
	Amount     float64                 `json:"amount"`
	Order      *gateway.OrderRequest   `json:"order,omitempty"`
	Ack        *gateway.OrderAck       `json:"ack,omitempty"`
	Retry      *resilience.RetryResult `json:"-"`
}

// Placed reports whether the exchange accepted the order.
func (o *Outcome) Placed() bool {
	return o.Ack != nil
}

type Service struct {
	engine *risk.Engine
	exec   *resilience.Executor
	placer OrderPlacer
	market MarketSource
	retry  resilience.RetryConfig
}

func New(engine *risk.Engine, exec *resilience.Executor, placer OrderPlacer, market MarketSource, retry resilience.RetryConfig) *Service {
	return &Service{
		engine: engine,
		exec:   exec,
		placer: placer,
		market: market,
		retry:  retry,
	}
}

// Submit assesses req against balance and the caller's open positions. An
// allowed trade is placed (at the recommended size after REDUCE_SIZE) and
// recorded in the ledger once the exchange acknowledges it.
func (s *Service) Submit(ctx context.Context, req risk.TradeRequest, balance float64, positions []risk.Position) (*Outcome, error) {
	var market risk.MarketSnapshot
	if s.market != nil {
		market = s.market.Snapshot(req.Symbol)
	}

	a := s.engine.AssessTradeRisk(req, balance, positions, market)
	out := &Outcome{Assessment: a}

	if !a.Allowed() {
		return out, fmt.Errorf("%w: %s %s", ErrTradeBlocked, a.Action, a.Level)
	}

	out.Amount = a.ExecutableAmount(req)
	if out.Amount <= 0 {
		return out, fmt.Errorf("%w: nothing left to execute after size reduction", ErrTradeBlocked)
	}
	if a.Action == risk.ActionReduceSize {
		log.Info().
			Str("user", req.UserID).
			Str("symbol", req.Symbol).
			Float64("requested", req.Amount).
			Float64("amount", out.Amount).
			Msg("order size reduced by risk assessment")
	}

	order := gateway.NewOrderRequest(req, out.Amount)
	out.Order = &order

	out.Retry = s.exec.Execute(ctx, func(ctx context.Context) (any, error) {
		return s.placer.PlaceOrder(ctx, order)
	}, s.retry, common.BreakerExchangeOrders)

	if !out.Retry.Success {
		log.Error().Err(out.Retry.FinalError).
			Str("user", req.UserID).
			Str("symbol", req.Symbol).
			Str("client_order_id", order.ClientOrderID).
			Str("outcome", string(out.Retry.Outcome)).
			Int("attempts", len(out.Retry.Attempts)).
			Msg("order placement failed")
		return out, fmt.Errorf("place order (%s): %w", out.Retry.Outcome, out.Retry.FinalError)
	}

	out.Ack, _ = out.Retry.Value.(*gateway.OrderAck)
	orderID := order.ClientOrderID
	if out.Ack != nil {
		orderID = out.Ack.OrderID
	}

	// PnL is unknown at placement; Engine.SettleTrade books it later without
	// counting the order again. The balance seeds the drawdown peak.
	s.engine.RecordTrade(req, risk.TradeResult{OrderID: orderID, Balance: balance})
	return out, nil
}
