// Package risk decides whether a proposed trade may proceed, must be shrunk
// or must be blocked, and keeps the per-user counters those decisions read.
package risk

import (
	"fmt"
	"strings"
	"time"
)

// Action is the verdict of an assessment.
type Action string

const (
	ActionAllow           Action = "ALLOW"
	ActionBlock           Action = "BLOCK"
	ActionRequireApproval Action = "REQUIRE_APPROVAL"
	ActionReduceSize      Action = "REDUCE_SIZE"
)

// RiskLevel is totally ordered: LevelLow < LevelMedium < LevelHigh < LevelCritical.
// The zero value means "unset" and is only meaningful in Limits.ApprovalLevel.
type RiskLevel int

const (
	LevelLow RiskLevel = iota + 1
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l RiskLevel) String() string {
	switch l {
	case LevelLow:
		return "LOW"
	case LevelMedium:
		return "MEDIUM"
	case LevelHigh:
		return "HIGH"
	case LevelCritical:
		return "CRITICAL"
	case 0:
		return ""
	default:
		return fmt.Sprintf("RiskLevel(%d)", int(l))
	}
}

// MarshalText renders the level by name in JSON and YAML.
func (l RiskLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText accepts level names case-insensitively. An empty string is
// the unset level.
func (l *RiskLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseRiskLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseRiskLevel parses LOW, MEDIUM, HIGH or CRITICAL.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return 0, nil
	case "LOW":
		return LevelLow, nil
	case "MEDIUM":
		return LevelMedium, nil
	case "HIGH":
		return LevelHigh, nil
	case "CRITICAL":
		return LevelCritical, nil
	default:
		return 0, fmt.Errorf("unknown risk level %q", s)
	}
}

func maxLevel(a, b RiskLevel) RiskLevel {
	if a > b {
		return a
	}
	return b
}

// Side of the order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// TradeRequest is a proposed trade. Optional numeric fields are nil when absent.
type TradeRequest struct {
	UserID     string    `json:"userId"`
	BotID      string    `json:"botId,omitempty"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Amount     float64   `json:"amount"`
	Price      *float64  `json:"price,omitempty"`
	OrderType  string    `json:"orderType,omitempty"`
	StopLoss   *float64  `json:"stopLoss,omitempty"`
	TakeProfit *float64  `json:"takeProfit,omitempty"`
	Leverage   *float64  `json:"leverage,omitempty"`
	Strategy   string    `json:"strategy,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewTradeRequest builds a market request stamped with the current time.
func NewTradeRequest(userID, symbol string, side Side, amount float64) TradeRequest {
	return TradeRequest{
		UserID:    userID,
		Symbol:    symbol,
		Side:      side,
		Amount:    amount,
		OrderType: "market",
		Timestamp: time.Now().UTC(),
	}
}

// Float returns a pointer to v, for the optional request fields.
func Float(v float64) *float64 {
	return &v
}

// EffectivePrice is the request price, or 1 when none was given.
func (r TradeRequest) EffectivePrice() float64 {
	if r.Price == nil || *r.Price == 0 {
		return 1
	}
	return *r.Price
}

// Notional is amount × price.
func (r TradeRequest) Notional() float64 {
	return r.Amount * r.EffectivePrice()
}

// Position is an open position as reported by the caller.
type Position struct {
	ID       string  `json:"id"`
	Symbol   string  `json:"symbol"`
	Notional float64 `json:"notional"`
}

// MarketData is a per-symbol snapshot. Volatility and Spread are fractions
// (0.10 means 10%).
type MarketData struct {
	Volatility float64   `json:"volatility"`
	Spread     float64   `json:"spread"`
	Volume     float64   `json:"volume"`
	AvgVolume  float64   `json:"avgVolume"`
	UpdatedAt  time.Time `json:"updatedAt,omitempty"`
}

// MarketSnapshot maps symbol to market data.
type MarketSnapshot map[string]MarketData

// TradeResult is reported back after the exchange call completes.
type TradeResult struct {
	OrderID string  `json:"orderId,omitempty"`
	PnL     float64 `json:"pnl"`
	// Balance is the account balance after the trade; zero when unknown.
	Balance float64 `json:"balance,omitempty"`
}

// Assessment is the outcome of AssessTradeRisk.
type Assessment struct {
	ID                string    `json:"id"`
	UserID            string    `json:"userId"`
	Symbol            string    `json:"symbol"`
	Action            Action    `json:"action"`
	Level             RiskLevel `json:"riskLevel"`
	Reasons           []string  `json:"reasons"`
	RecommendedAmount *float64  `json:"recommendedAmount,omitempty"`
	Warnings          []string  `json:"warnings"`
	AssessedAt        time.Time `json:"assessedAt"`
}

// Allowed reports whether the trade may be executed without a human.
func (a Assessment) Allowed() bool {
	return a.Action == ActionAllow || a.Action == ActionReduceSize
}

// ExecutableAmount is the amount to send for req: the recommendation when
// the size was reduced, the requested amount when allowed, zero otherwise.
func (a Assessment) ExecutableAmount(req TradeRequest) float64 {
	switch a.Action {
	case ActionAllow:
		return req.Amount
	case ActionReduceSize:
		if a.RecommendedAmount != nil {
			return *a.RecommendedAmount
		}
		return req.Amount
	default:
		return 0
	}
}

// EmergencyEvent records an emergency-stop toggle.
type EmergencyEvent struct {
	Active bool      `json:"active"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}
