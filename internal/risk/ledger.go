package risk

import (
	"math"
	"time"
)

const (
	dayKeyLayout  = "2006-01-02"
	historyWindow = 24 * time.Hour
	hourlyWindow  = time.Hour
)

// DailyStat holds one user's counters for one UTC calendar day.
type DailyStat struct {
	TradeCount     int       `json:"tradeCount"`
	CumulativeLoss float64   `json:"cumulativeLoss"`
	LastTradeTime  time.Time `json:"lastTradeTime"`
}

// Ledger is the per-user trade-safety state read by assessments. It is not
// safe for concurrent use; the Engine serializes access.
type Ledger struct {
	daily   map[string]map[string]*DailyStat // user -> day -> stat
	history map[string][]time.Time           // user -> trade times, oldest first
	peak    map[string]float64               // user -> highest post-trade balance
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		daily:   make(map[string]map[string]*DailyStat),
		history: make(map[string][]time.Time),
		peak:    make(map[string]float64),
	}
}

func dayKey(t time.Time) string {
	return t.UTC().Format(dayKeyLayout)
}

// stat returns the stat for (user, day of now), creating it on first access.
func (l *Ledger) stat(userID string, now time.Time) *DailyStat {
	days, ok := l.daily[userID]
	if !ok {
		days = make(map[string]*DailyStat)
		l.daily[userID] = days
	}
	key := dayKey(now)
	s, ok := days[key]
	if !ok {
		s = &DailyStat{}
		days[key] = s
	}
	return s
}

// prune drops history entries older than 24h and returns what remains.
func (l *Ledger) prune(userID string, now time.Time) []time.Time {
	times := l.history[userID]
	cutoff := now.Add(-historyWindow)
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		times = append([]time.Time(nil), times[i:]...)
		if len(times) == 0 {
			delete(l.history, userID)
		} else {
			l.history[userID] = times
		}
	}
	return times
}

// Record applies a completed trade at now.
func (l *Ledger) Record(userID string, result TradeResult, now time.Time) {
	l.prune(userID, now)
	l.history[userID] = append(l.history[userID], now)

	s := l.stat(userID, now)
	s.TradeCount++
	if result.PnL < 0 {
		s.CumulativeLoss += math.Abs(result.PnL)
	}
	s.LastTradeTime = now

	if result.Balance > l.peak[userID] {
		l.peak[userID] = result.Balance
	}
}

// Settle books the realized result of a trade that was already recorded.
// The loss lands on the day containing now; the trade count and the
// trade-time window are left alone.
func (l *Ledger) Settle(userID string, result TradeResult, now time.Time) {
	if result.PnL < 0 {
		l.stat(userID, now).CumulativeLoss += math.Abs(result.PnL)
	}
	if result.Balance > l.peak[userID] {
		l.peak[userID] = result.Balance
	}
}

// Daily returns a copy of the user's stat for the day containing now.
func (l *Ledger) Daily(userID string, now time.Time) DailyStat {
	return *l.stat(userID, now)
}

// TradesInWindow counts trades in (now-window, now].
func (l *Ledger) TradesInWindow(userID string, now time.Time, window time.Duration) int {
	times := l.prune(userID, now)
	cutoff := now.Add(-window)
	n := 0
	for i := len(times) - 1; i >= 0; i-- {
		if !times[i].After(cutoff) {
			break
		}
		if !times[i].After(now) {
			n++
		}
	}
	return n
}

// PeakBalance is the highest balance reported for the user, zero if none.
func (l *Ledger) PeakBalance(userID string) float64 {
	return l.peak[userID]
}

// LedgerSnapshot is the serializable form of a Ledger.
type LedgerSnapshot struct {
	Daily   map[string]map[string]DailyStat `json:"daily"`
	History map[string][]time.Time         `json:"history"`
	Peak    map[string]float64             `json:"peak"`
	TakenAt time.Time                      `json:"takenAt"`
}

// Snapshot deep-copies the ledger.
func (l *Ledger) Snapshot(now time.Time) LedgerSnapshot {
	snap := LedgerSnapshot{
		Daily:   make(map[string]map[string]DailyStat, len(l.daily)),
		History: make(map[string][]time.Time, len(l.history)),
		Peak:    make(map[string]float64, len(l.peak)),
		TakenAt: now,
	}
	for user, days := range l.daily {
		copied := make(map[string]DailyStat, len(days))
		for day, s := range days {
			copied[day] = *s
		}
		snap.Daily[user] = copied
	}
	for user := range l.history {
		if times := l.prune(user, now); len(times) > 0 {
			snap.History[user] = append([]time.Time(nil), times...)
		}
	}
	for user, p := range l.peak {
		snap.Peak[user] = p
	}
	return snap
}

// Restore replaces the ledger contents with snap.
func (l *Ledger) Restore(snap LedgerSnapshot) {
	l.daily = make(map[string]map[string]*DailyStat, len(snap.Daily))
	for user, days := range snap.Daily {
		copied := make(map[string]*DailyStat, len(days))
		for day, s := range days {
			s := s
			copied[day] = &s
		}
		l.daily[user] = copied
	}
	l.history = make(map[string][]time.Time, len(snap.History))
	for user, times := range snap.History {
		l.history[user] = append([]time.Time(nil), times...)
	}
	l.peak = make(map[string]float64, len(snap.Peak))
	for user, p := range snap.Peak {
		l.peak[user] = p
	}
}

// Users returns every user the ledger has counters for.
func (l *Ledger) Users() []string {
	seen := make(map[string]struct{})
	for u := range l.daily {
		seen[u] = struct{}{}
	}
	for u := range l.history {
		seen[u] = struct{}{}
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	return users
}
