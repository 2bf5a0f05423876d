package metrics

import (
	"time"

	"tradeguard/internal/resilience"
	"tradeguard/internal/risk"

	"github.com/prometheus/client_golang/prometheus"
)

// Interfaces for metrics to avoid circular imports
type MetricsCounter interface {
	Inc()
}

// MetricsWrapper adapts Metrics to the recorder interfaces declared by the
// risk and resilience packages.
type MetricsWrapper struct {
	m *Metrics
}

var (
	_ risk.MetricsRecorder       = (*MetricsWrapper)(nil)
	_ resilience.MetricsRecorder = (*MetricsWrapper)(nil)
)

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

// AssessmentRecorded implements risk.MetricsRecorder.
func (w *MetricsWrapper) AssessmentRecorded(action risk.Action, level risk.RiskLevel, elapsed time.Duration) {
	w.m.AssessmentsTotal.WithLabelValues(string(action), level.String()).Inc()
	w.m.AssessmentDuration.Observe(elapsed.Seconds())
}

// TradeRecorded implements risk.MetricsRecorder.
func (w *MetricsWrapper) TradeRecorded(pnl float64) {
	w.m.TradesRecorded.Inc()
	w.m.RealizedPnL.Add(pnl)
}

// PnLSettled implements risk.MetricsRecorder.
func (w *MetricsWrapper) PnLSettled(pnl float64) {
	w.m.RealizedPnL.Add(pnl)
}

// EmergencyStopChanged implements risk.MetricsRecorder.
func (w *MetricsWrapper) EmergencyStopChanged(active bool) {
	if active {
		w.m.EmergencyStop.Set(1)
	} else {
		w.m.EmergencyStop.Set(0)
	}
}

// RetryAttempt implements resilience.MetricsRecorder.
func (w *MetricsWrapper) RetryAttempt(breaker string, kind resilience.ErrorKind) {
	w.m.RetryAttempts.WithLabelValues(breakerLabel(breaker), string(kind)).Inc()
	w.m.ErrorsTotal.Inc()
}

// RetryOutcome implements resilience.MetricsRecorder.
func (w *MetricsWrapper) RetryOutcome(breaker string, outcome resilience.Outcome, elapsed time.Duration) {
	w.m.RetryOutcomes.WithLabelValues(breakerLabel(breaker), string(outcome)).Inc()
	w.m.RetryDuration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

// BreakerStateChanged implements resilience.MetricsRecorder.
func (w *MetricsWrapper) BreakerStateChanged(breaker string, _, to resilience.BreakerState) {
	w.m.BreakerState.WithLabelValues(breaker).Set(float64(to))
	w.m.BreakerTransitions.WithLabelValues(breaker, to.String()).Inc()
}

func breakerLabel(name string) string {
	if name == "" {
		return "none"
	}
	return name
}

// OrderResult counts one placement call and its latency.
func (w *MetricsWrapper) OrderResult(result string, elapsed time.Duration) {
	w.m.OrdersTotal.WithLabelValues(result).Inc()
	w.m.OrderExecutionDuration.Observe(elapsed.Seconds())
}

func (w *MetricsWrapper) WSReconnects() MetricsCounter {
	return &CounterWrapper{w.m.WSReconnects}
}

func (w *MetricsWrapper) MarketUpdates() MetricsCounter {
	return &CounterWrapper{w.m.MarketUpdates}
}

func (w *MetricsWrapper) ErrorsTotal() MetricsCounter {
	return &CounterWrapper{w.m.ErrorsTotal}
}

type CounterWrapper struct {
	c prometheus.Counter
}

func (cw *CounterWrapper) Inc() {
	cw.c.Inc()
}
