package risk

import (
	"fmt"
	"strings"
)

// Limits is the risk policy an Engine enforces. Percentages are 0-100.
//
// A zero cap disables its check: MaxDailyLoss, MaxPositionSize, MaxLeverage,
// MaxDrawdownPercent, MaxTradesPerHour, MaxTradesPerDay,
// MaxRiskPerTradePercent and MaxOpenPositions. A zero MinAccountBalance
// accepts any balance.
type Limits struct {
	MaxDailyLoss           float64  `yaml:"maxDailyLoss" json:"maxDailyLoss"`
	MaxPositionSize        float64  `yaml:"maxPositionSize" json:"maxPositionSize"`
	MaxLeverage            float64  `yaml:"maxLeverage" json:"maxLeverage"`
	MaxDrawdownPercent     float64  `yaml:"maxDrawdownPercent" json:"maxDrawdownPercent"`
	MaxTradesPerHour       int      `yaml:"maxTradesPerHour" json:"maxTradesPerHour"`
	MaxTradesPerDay        int      `yaml:"maxTradesPerDay" json:"maxTradesPerDay"`
	MinAccountBalance      float64  `yaml:"minAccountBalance" json:"minAccountBalance"`
	MaxRiskPerTradePercent float64  `yaml:"maxRiskPerTradePercent" json:"maxRiskPerTradePercent"`
	StopLossRequired       bool     `yaml:"stopLossRequired" json:"stopLossRequired"`
	MaxOpenPositions       int      `yaml:"maxOpenPositions" json:"maxOpenPositions"`
	BlacklistedSymbols     []string `yaml:"blacklistedSymbols" json:"blacklistedSymbols"`

	// ApprovalLevel turns non-blocking results at or above this level into
	// REQUIRE_APPROVAL. Zero disables it.
	ApprovalLevel RiskLevel `yaml:"approvalLevel" json:"approvalLevel,omitempty"`
}

// DefaultLimits returns conservative production limits.
func DefaultLimits() Limits {
	return Limits{
		MaxDailyLoss:           1000,
		MaxPositionSize:        10000,
		MaxLeverage:            10,
		MaxDrawdownPercent:     20,
		MaxTradesPerHour:       10,
		MaxTradesPerDay:        50,
		MinAccountBalance:      100,
		MaxRiskPerTradePercent: 2,
		StopLossRequired:       true,
		MaxOpenPositions:       5,
	}
}

// Validate checks that every limit is non-negative and percentages are in range.
func (l Limits) Validate() error {
	nonNegative := []struct {
		name  string
		value float64
	}{
		{"maxDailyLoss", l.MaxDailyLoss},
		{"maxPositionSize", l.MaxPositionSize},
		{"maxLeverage", l.MaxLeverage},
		{"maxDrawdownPercent", l.MaxDrawdownPercent},
		{"maxTradesPerHour", float64(l.MaxTradesPerHour)},
		{"maxTradesPerDay", float64(l.MaxTradesPerDay)},
		{"minAccountBalance", l.MinAccountBalance},
		{"maxRiskPerTradePercent", l.MaxRiskPerTradePercent},
		{"maxOpenPositions", float64(l.MaxOpenPositions)},
	}
	for _, f := range nonNegative {
		if f.value < 0 {
			return fmt.Errorf("%s must be non-negative, got %v", f.name, f.value)
		}
	}
	if l.MaxDrawdownPercent > 100 {
		return fmt.Errorf("maxDrawdownPercent must be within 0-100, got %v", l.MaxDrawdownPercent)
	}
	if l.MaxRiskPerTradePercent > 100 {
		return fmt.Errorf("maxRiskPerTradePercent must be within 0-100, got %v", l.MaxRiskPerTradePercent)
	}
	if l.ApprovalLevel < 0 || l.ApprovalLevel > LevelCritical {
		return fmt.Errorf("approvalLevel %d out of range", l.ApprovalLevel)
	}
	for _, s := range l.BlacklistedSymbols {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("blacklistedSymbols contains an empty entry")
		}
	}
	return nil
}

// IsBlacklisted reports whether symbol is in the blacklist, ignoring case.
func (l Limits) IsBlacklisted(symbol string) bool {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, s := range l.BlacklistedSymbols {
		if strings.ToUpper(strings.TrimSpace(s)) == symbol {
			return true
		}
	}
	return false
}

func (l Limits) blacklistSet() map[string]struct{} {
	set := make(map[string]struct{}, len(l.BlacklistedSymbols))
	for _, s := range l.BlacklistedSymbols {
		set[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
	return set
}
