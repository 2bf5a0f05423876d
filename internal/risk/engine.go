package risk

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	maxAmountDecimals = 8
	maxBalanceUsage   = 0.95

	volatilityHigh   = 0.10
	volatilityMedium = 0.05
	spreadWide       = 0.005
	volumeThin       = 0.30
)

var symbolPattern = regexp.MustCompile(`^[A-Z]{2,10}[/-][A-Z]{2,10}$`)

// MetricsRecorder receives assessment and ledger events.
type MetricsRecorder interface {
	AssessmentRecorded(action Action, level RiskLevel, elapsed time.Duration)
	TradeRecorded(pnl float64)
	PnLSettled(pnl float64)
	EmergencyStopChanged(active bool)
}

// AuditSink persists assessments and emergency-stop toggles.
type AuditSink interface {
	SaveAssessment(a Assessment, req TradeRequest) error
	SaveEmergencyEvent(ev EmergencyEvent) error
}

// Engine evaluates trade requests against Limits and the trade-safety ledger.
// One mutex guards the ledger and the emergency-stop state for all users.
type Engine struct {
	limits    Limits
	blacklist map[string]struct{}
	now       func() time.Time
	metrics   MetricsRecorder
	audit     AuditSink

	mu              sync.Mutex
	ledger          *Ledger
	emergencyActive bool
	emergencyReason string
	emergencySince  time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now. Day boundaries are computed in UTC.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics reports assessments, recorded trades and emergency-stop changes.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAuditSink persists every assessment and emergency-stop toggle.
func WithAuditSink(s AuditSink) Option {
	return func(e *Engine) { e.audit = s }
}

// NewEngine creates an engine with an empty ledger.
func NewEngine(limits Limits, opts ...Option) *Engine {
	e := &Engine{
		limits:    limits,
		blacklist: limits.blacklistSet(),
		now:       time.Now,
		ledger:    NewLedger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Limits returns the policy the engine enforces.
func (e *Engine) Limits() Limits {
	return e.limits
}

// AssessTradeRisk decides whether req may proceed. It never panics: an
// internal failure yields BLOCK/CRITICAL with the failure as the reason.
func (e *Engine) AssessTradeRisk(req TradeRequest, balance float64, positions []Position, market MarketSnapshot) Assessment {
	started := time.Now()

	a := e.evaluateSafely(req, balance, positions, market)
	a.ID = uuid.NewString()
	a.UserID = req.UserID
	a.Symbol = req.Symbol

	elapsed := time.Since(started)
	if e.metrics != nil {
		e.metrics.AssessmentRecorded(a.Action, a.Level, elapsed)
	}
	if e.audit != nil {
		if err := e.audit.SaveAssessment(a, req); err != nil {
			log.Warn().Err(err).Str("assessment", a.ID).Msg("failed to store assessment")
		}
	}

	ev := log.Debug()
	if a.Action == ActionBlock {
		ev = log.Info()
	}
	ev.Str("user", req.UserID).
		Str("symbol", req.Symbol).
		Str("action", string(a.Action)).
		Str("level", a.Level.String()).
		Strs("reasons", a.Reasons).
		Dur("elapsed", elapsed).
		Msg("trade assessed")

	return a
}

func (e *Engine) evaluateSafely(req TradeRequest, balance float64, positions []Position, market MarketSnapshot) (a Assessment) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("user", req.UserID).Msg("risk assessment failed, blocking trade")
			a = Assessment{
				Action:     ActionBlock,
				Level:      LevelCritical,
				Reasons:    []string{fmt.Sprintf("risk assessment error: %v", r)},
				Warnings:   []string{},
				AssessedAt: time.Now().UTC(),
			}
		}
	}()
	return e.evaluate(req, balance, positions, market)
}

// verdict accumulates the assessment while checks run.
type verdict struct {
	action      Action
	level       RiskLevel
	reasons     []string
	warnings    []string
	recommended *float64
}

func (v *verdict) raise(level RiskLevel) {
	v.level = maxLevel(v.level, level)
}

func (v *verdict) warn(level RiskLevel, format string, args ...any) {
	v.raise(level)
	v.warnings = append(v.warnings, fmt.Sprintf(format, args...))
}

func (v *verdict) block(level RiskLevel, reasons ...string) {
	v.action = ActionBlock
	v.raise(level)
	v.reasons = append(v.reasons, reasons...)
	v.recommended = nil
}

func (v *verdict) blocked() bool {
	return v.action == ActionBlock
}

func (v *verdict) assessment(at time.Time) Assessment {
	a := Assessment{
		Action:            v.action,
		Level:             v.level,
		Reasons:           v.reasons,
		Warnings:          v.warnings,
		RecommendedAmount: v.recommended,
		AssessedAt:        at.UTC(),
	}
	if a.Reasons == nil {
		a.Reasons = []string{}
	}
	if a.Warnings == nil {
		a.Warnings = []string{}
	}
	return a
}

func (e *Engine) evaluate(req TradeRequest, balance float64, positions []Position, market MarketSnapshot) Assessment {
	now := e.now()
	v := &verdict{action: ActionAllow, level: LevelLow}

	if active, reason := e.emergencyState(); active {
		msg := "emergency stop active"
		if reason != "" {
			msg += ": " + reason
		}
		v.block(LevelCritical, msg)
		return v.assessment(now)
	}

	if problems := e.validate(req); len(problems) > 0 {
		v.block(LevelHigh, problems...)
		return v.assessment(now)
	}

	if e.checkBalance(v, req, balance); v.blocked() {
		return v.assessment(now)
	}
	if e.checkSizing(v, req, balance, positions); v.blocked() {
		return v.assessment(now)
	}
	if e.checkLedger(v, req.UserID, balance, now); v.blocked() {
		return v.assessment(now)
	}

	if md, ok := market[req.Symbol]; ok {
		checkMarket(v, md)
	}

	if e.checkSymbol(v, req.Symbol); v.blocked() {
		return v.assessment(now)
	}

	if e.limits.StopLossRequired && req.StopLoss == nil {
		v.warn(LevelMedium, "no stop loss set; stop loss is required by policy")
	}

	if e.limits.ApprovalLevel > 0 && v.level >= e.limits.ApprovalLevel {
		v.action = ActionRequireApproval
		v.reasons = append(v.reasons, fmt.Sprintf("risk level %s requires manual approval", v.level))
		v.reasons = append(v.reasons, v.warnings...)
		v.recommended = nil
	}

	return v.assessment(now)
}

func (e *Engine) validate(req TradeRequest) []string {
	var problems []string

	if strings.TrimSpace(req.Symbol) == "" {
		problems = append(problems, "symbol is required")
	}
	if req.Side != SideBuy && req.Side != SideSell {
		problems = append(problems, fmt.Sprintf("invalid side %q: must be buy or sell", req.Side))
	}

	switch {
	case math.IsNaN(req.Amount) || math.IsInf(req.Amount, 0):
		problems = append(problems, "amount must be a finite number")
	case req.Amount <= 0:
		problems = append(problems, fmt.Sprintf("amount must be positive, got %v", req.Amount))
	case decimal.NewFromFloat(req.Amount).Exponent() < -maxAmountDecimals:
		problems = append(problems, fmt.Sprintf("amount %v has more than %d decimal places", req.Amount, maxAmountDecimals))
	}

	if req.Price != nil {
		p := *req.Price
		if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
			problems = append(problems, fmt.Sprintf("price must be a non-negative number, got %v", p))
		}
	}

	if req.Leverage != nil {
		lev := *req.Leverage
		switch {
		case math.IsNaN(lev) || lev <= 0:
			problems = append(problems, fmt.Sprintf("leverage must be positive, got %v", lev))
		case e.limits.MaxLeverage > 0 && lev > e.limits.MaxLeverage:
			problems = append(problems, fmt.Sprintf("leverage %v exceeds maximum %v", lev, e.limits.MaxLeverage))
		}
	}

	return problems
}

func (e *Engine) checkBalance(v *verdict, req TradeRequest, balance float64) {
	var problems []string
	if balance < e.limits.MinAccountBalance {
		problems = append(problems, fmt.Sprintf("account balance %.2f is below minimum %.2f", balance, e.limits.MinAccountBalance))
	}
	if notional := req.Notional(); notional > balance*maxBalanceUsage {
		problems = append(problems, fmt.Sprintf("trade value %.2f exceeds 95%% of account balance %.2f", notional, balance))
	}
	if len(problems) > 0 {
		v.block(LevelHigh, problems...)
	}
}

func (e *Engine) checkSizing(v *verdict, req TradeRequest, balance float64, positions []Position) {
	price := req.EffectivePrice()
	notional := req.Notional()

	// Recommendations are truncated to the precision accepted for amounts,
	// so they never round up past the cap.
	reduceTo := func(amount float64) {
		amount = decimal.NewFromFloat(amount).Truncate(maxAmountDecimals).InexactFloat64()
		if v.recommended == nil || amount < *v.recommended {
			v.recommended = &amount
		}
	}

	if e.limits.MaxPositionSize > 0 && notional > e.limits.MaxPositionSize {
		v.reasons = append(v.reasons, fmt.Sprintf("position value %.2f exceeds max position size %.2f", notional, e.limits.MaxPositionSize))
		reduceTo(e.limits.MaxPositionSize / price)
	}

	if e.limits.MaxRiskPerTradePercent > 0 && balance > 0 {
		riskPct := notional / balance * 100
		if riskPct > e.limits.MaxRiskPerTradePercent {
			v.reasons = append(v.reasons, fmt.Sprintf("trade risks %.2f%% of balance, max %.2f%%", riskPct, e.limits.MaxRiskPerTradePercent))
			reduceTo(balance * e.limits.MaxRiskPerTradePercent / 100 / price)
		}
	}

	if v.recommended != nil {
		v.action = ActionReduceSize
		v.warn(LevelMedium, "order size reduced from %v to %v", req.Amount, *v.recommended)
	}

	if e.limits.MaxOpenPositions > 0 && len(positions) >= e.limits.MaxOpenPositions {
		v.block(LevelMedium, fmt.Sprintf("open position limit reached: %d/%d", len(positions), e.limits.MaxOpenPositions))
	}
}

func (e *Engine) checkLedger(v *verdict, userID string, balance float64, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	day := e.ledger.Daily(userID, now)
	if e.limits.MaxTradesPerDay > 0 && day.TradeCount >= e.limits.MaxTradesPerDay {
		v.block(LevelMedium, fmt.Sprintf("daily trade limit reached: %d/%d trades today", day.TradeCount, e.limits.MaxTradesPerDay))
		return
	}

	hourly := e.ledger.TradesInWindow(userID, now, hourlyWindow)
	if e.limits.MaxTradesPerHour > 0 && hourly >= e.limits.MaxTradesPerHour {
		v.block(LevelMedium, fmt.Sprintf("hourly trade limit reached: %d/%d trades in the last hour", hourly, e.limits.MaxTradesPerHour))
		return
	}

	if e.limits.MaxDailyLoss > 0 && day.CumulativeLoss >= e.limits.MaxDailyLoss {
		v.block(LevelHigh, fmt.Sprintf("daily loss limit reached: %.2f/%.2f", day.CumulativeLoss, e.limits.MaxDailyLoss))
		return
	}

	if peak := e.ledger.PeakBalance(userID); peak > 0 && e.limits.MaxDrawdownPercent > 0 {
		drawdown := (peak - balance) / peak * 100
		if drawdown >= e.limits.MaxDrawdownPercent {
			v.block(LevelHigh, fmt.Sprintf("drawdown %.2f%% from peak balance %.2f reaches limit %.2f%%", drawdown, peak, e.limits.MaxDrawdownPercent))
		}
	}
}

// checkMarket only adds warnings.
func checkMarket(v *verdict, md MarketData) {
	switch {
	case md.Volatility > volatilityHigh:
		v.warn(LevelHigh, "high volatility: %.2f%%", md.Volatility*100)
	case md.Volatility >= volatilityMedium:
		v.warn(LevelMedium, "elevated volatility: %.2f%%", md.Volatility*100)
	}
	if md.Spread > spreadWide {
		v.warn(LevelMedium, "wide spread: %.3f%%", md.Spread*100)
	}
	if md.AvgVolume > 0 && md.Volume < md.AvgVolume*volumeThin {
		v.warn(LevelMedium, "low volume: %.0f%% of average", md.Volume/md.AvgVolume*100)
	}
}

func (e *Engine) checkSymbol(v *verdict, symbol string) {
	if _, banned := e.blacklist[strings.ToUpper(strings.TrimSpace(symbol))]; banned {
		v.block(LevelHigh, fmt.Sprintf("symbol %s is blacklisted", symbol))
		return
	}
	if !symbolPattern.MatchString(symbol) {
		v.block(LevelHigh, fmt.Sprintf("invalid symbol format %q: expected BASE/QUOTE or BASE-QUOTE", symbol))
	}
}

// RecordTrade updates the ledger after an exchange call completed.
func (e *Engine) RecordTrade(req TradeRequest, result TradeResult) {
	e.mu.Lock()
	e.ledger.Record(req.UserID, result, e.now())
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.TradeRecorded(result.PnL)
	}
	log.Debug().
		Str("user", req.UserID).
		Str("symbol", req.Symbol).
		Str("order", result.OrderID).
		Float64("pnl", result.PnL).
		Msg("trade recorded")
}

// SettleTrade books the realized PnL of an order that RecordTrade already
// counted. Only today's cumulative loss and the peak balance change.
func (e *Engine) SettleTrade(userID string, result TradeResult) {
	e.mu.Lock()
	e.ledger.Settle(userID, result, e.now())
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.PnLSettled(result.PnL)
	}
	log.Debug().
		Str("user", userID).
		Str("order", result.OrderID).
		Float64("pnl", result.PnL).
		Msg("trade settled")
}

// ActivateEmergencyStop blocks every subsequent assessment.
func (e *Engine) ActivateEmergencyStop(reason string) {
	e.setEmergency(true, reason)
}

// DeactivateEmergencyStop lifts the emergency stop.
func (e *Engine) DeactivateEmergencyStop(reason string) {
	e.setEmergency(false, reason)
}

func (e *Engine) setEmergency(active bool, reason string) {
	now := e.now()

	e.mu.Lock()
	e.emergencyActive = active
	e.emergencyReason = reason
	e.emergencySince = now
	e.mu.Unlock()

	if active {
		log.Warn().Str("reason", reason).Msg("emergency stop activated")
	} else {
		log.Warn().Str("reason", reason).Msg("emergency stop deactivated")
	}

	if e.metrics != nil {
		e.metrics.EmergencyStopChanged(active)
	}
	if e.audit != nil {
		if err := e.audit.SaveEmergencyEvent(EmergencyEvent{Active: active, Reason: reason, At: now.UTC()}); err != nil {
			log.Warn().Err(err).Msg("failed to store emergency stop event")
		}
	}
}

func (e *Engine) emergencyState() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emergencyActive, e.emergencyReason
}

// EmergencyStatus describes the emergency-stop flag.
type EmergencyStatus struct {
	Active bool      `json:"active"`
	Reason string    `json:"reason,omitempty"`
	Since  time.Time `json:"since,omitempty"`
}

// EmergencyStopActive reports whether trading is halted.
func (e *Engine) EmergencyStopActive() bool {
	active, _ := e.emergencyState()
	return active
}

// EmergencyStatus returns the flag with the reason of its last change.
func (e *Engine) EmergencyStatus() EmergencyStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EmergencyStatus{Active: e.emergencyActive, Reason: e.emergencyReason, Since: e.emergencySince}
}

// UserStats is a read-only view of one user's ledger entries.
type UserStats struct {
	UserID         string    `json:"userId"`
	Day            string    `json:"day"`
	Today          DailyStat `json:"today"`
	TradesLastHour int       `json:"tradesLastHour"`
	TradesLast24h  int       `json:"tradesLast24h"`
	PeakBalance    float64   `json:"peakBalance"`
}

// DailyStats returns today's counters for userID.
func (e *Engine) DailyStats(userID string) DailyStat {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Daily(userID, e.now())
}

// TradesInLastHour counts userID's trades in the trailing hour.
func (e *Engine) TradesInLastHour(userID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.TradesInWindow(userID, e.now(), hourlyWindow)
}

// Stats returns userID's daily, hourly and 24h counters.
func (e *Engine) Stats(userID string) UserStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	return UserStats{
		UserID:         userID,
		Day:            dayKey(now),
		Today:          e.ledger.Daily(userID, now),
		TradesLastHour: e.ledger.TradesInWindow(userID, now, hourlyWindow),
		TradesLast24h:  e.ledger.TradesInWindow(userID, now, historyWindow),
		PeakBalance:    e.ledger.PeakBalance(userID),
	}
}

// SnapshotLedger copies the ledger for persistence.
func (e *Engine) SnapshotLedger() LedgerSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Snapshot(e.now())
}

// RestoreLedger replaces the ledger with snap.
func (e *Engine) RestoreLedger(snap LedgerSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ledger.Restore(snap)
}
