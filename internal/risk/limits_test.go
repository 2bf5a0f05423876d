package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLimits_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Limits)
		wantErr bool
	}{
		{"defaults", func(l *Limits) {}, false},
		{"zero limits", func(l *Limits) { *l = Limits{} }, false},
		{"negative daily loss", func(l *Limits) { l.MaxDailyLoss = -1 }, true},
		{"negative trades per hour", func(l *Limits) { l.MaxTradesPerHour = -1 }, true},
		{"negative open positions", func(l *Limits) { l.MaxOpenPositions = -2 }, true},
		{"drawdown over 100", func(l *Limits) { l.MaxDrawdownPercent = 101 }, true},
		{"risk per trade over 100", func(l *Limits) { l.MaxRiskPerTradePercent = 150 }, true},
		{"approval level out of range", func(l *Limits) { l.ApprovalLevel = 9 }, true},
		{"empty blacklist entry", func(l *Limits) { l.BlacklistedSymbols = []string{"BTC/USDT", " "} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := DefaultLimits()
			tt.modify(&l)
			err := l.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLimits_IsBlacklisted(t *testing.T) {
	l := Limits{BlacklistedSymbols: []string{"LUNA/USDT", "ftt-usdt"}}

	assert.True(t, l.IsBlacklisted("LUNA/USDT"))
	assert.True(t, l.IsBlacklisted("luna/usdt"))
	assert.True(t, l.IsBlacklisted("FTT-USDT"))
	assert.False(t, l.IsBlacklisted("BTC/USDT"))
}

func TestLimits_YAML(t *testing.T) {
	src := `
maxDailyLoss: 250
maxTradesPerDay: 3
stopLossRequired: true
approvalLevel: high
blacklistedSymbols: [LUNA/USDT]
`
	var l Limits
	require.NoError(t, yaml.Unmarshal([]byte(src), &l))

	assert.Equal(t, 250.0, l.MaxDailyLoss)
	assert.Equal(t, 3, l.MaxTradesPerDay)
	assert.True(t, l.StopLossRequired)
	assert.Equal(t, LevelHigh, l.ApprovalLevel)
	assert.Equal(t, []string{"LUNA/USDT"}, l.BlacklistedSymbols)
}

func TestRiskLevel(t *testing.T) {
	assert.True(t, LevelLow < LevelMedium)
	assert.True(t, LevelMedium < LevelHigh)
	assert.True(t, LevelHigh < LevelCritical)

	for _, l := range []RiskLevel{LevelLow, LevelMedium, LevelHigh, LevelCritical} {
		parsed, err := ParseRiskLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, parsed)
	}

	_, err := ParseRiskLevel("extreme")
	assert.Error(t, err)
}

func TestLedger_PrunesHistoryAfter24h(t *testing.T) {
	l := NewLedger()
	start := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

	l.Record("u", TradeResult{}, start)
	l.Record("u", TradeResult{}, start.Add(2*time.Hour))

	assert.Equal(t, 2, l.TradesInWindow("u", start.Add(3*time.Hour), 24*time.Hour))
	assert.Equal(t, 1, l.TradesInWindow("u", start.Add(25*time.Hour), 24*time.Hour))
	assert.Equal(t, 0, l.TradesInWindow("u", start.Add(27*time.Hour), 24*time.Hour))

	snap := l.Snapshot(start.Add(27 * time.Hour))
	assert.Empty(t, snap.History)
	assert.Equal(t, 2, snap.Daily["u"]["2025-03-14"].TradeCount, "daily stats are never pruned")
}

func TestLedger_DayKeyIsUTC(t *testing.T) {
	l := NewLedger()
	tokyo := time.FixedZone("JST", 9*60*60)

	// 2025-03-15 01:00 in Tokyo is still 2025-03-14 in UTC.
	l.Record("u", TradeResult{}, time.Date(2025, 3, 15, 1, 0, 0, 0, tokyo))

	assert.Equal(t, 1, l.Daily("u", time.Date(2025, 3, 14, 20, 0, 0, 0, time.UTC)).TradeCount)
	assert.Equal(t, []string{"u"}, l.Users())
}
