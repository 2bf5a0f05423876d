package metrics

import (
	"testing"
	"time"

	"tradeguard/internal/resilience"
	"tradeguard/internal/risk"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestWrapper(t *testing.T) (*Metrics, *MetricsWrapper) {
	t.Helper()
	registry := prometheus.NewRegistry()
	m := NewWithRegistry(registry)
	return m, NewWrapper(m)
}

func TestNewWrapper(t *testing.T) {
	m, wrapper := newTestWrapper(t)

	if wrapper == nil {
		t.Fatal("NewWrapper returned nil")
	}
	if wrapper.m != m {
		t.Error("Wrapper does not contain correct metrics instance")
	}
}

func TestMetricsWrapper_Assessments(t *testing.T) {
	m, wrapper := newTestWrapper(t)

	wrapper.AssessmentRecorded(risk.ActionAllow, risk.LevelLow, 2*time.Millisecond)
	wrapper.AssessmentRecorded(risk.ActionBlock, risk.LevelHigh, time.Millisecond)
	wrapper.AssessmentRecorded(risk.ActionBlock, risk.LevelHigh, time.Millisecond)

	if v := testutil.ToFloat64(m.AssessmentsTotal.WithLabelValues("ALLOW", "LOW")); v != 1 {
		t.Errorf("Expected 1 ALLOW/LOW assessment, got %f", v)
	}
	if v := testutil.ToFloat64(m.AssessmentsTotal.WithLabelValues("BLOCK", "HIGH")); v != 2 {
		t.Errorf("Expected 2 BLOCK/HIGH assessments, got %f", v)
	}
	if n := testutil.CollectAndCount(m.AssessmentDuration); n != 1 {
		t.Errorf("Expected assessment duration histogram to be collected, got %d series", n)
	}
}

func TestMetricsWrapper_TradesAndEmergencyStop(t *testing.T) {
	m, wrapper := newTestWrapper(t)

	wrapper.TradeRecorded(120.5)
	wrapper.TradeRecorded(-20.5)

	if v := testutil.ToFloat64(m.TradesRecorded); v != 2 {
		t.Errorf("Expected 2 recorded trades, got %f", v)
	}
	if v := testutil.ToFloat64(m.RealizedPnL); v != 100 {
		t.Errorf("Expected realized PnL 100, got %f", v)
	}

	wrapper.PnLSettled(-40)
	if v := testutil.ToFloat64(m.TradesRecorded); v != 2 {
		t.Errorf("Expected settlement not to count as a trade, got %f", v)
	}
	if v := testutil.ToFloat64(m.RealizedPnL); v != 60 {
		t.Errorf("Expected realized PnL 60 after settlement, got %f", v)
	}

	wrapper.EmergencyStopChanged(true)
	if v := testutil.ToFloat64(m.EmergencyStop); v != 1 {
		t.Errorf("Expected emergency stop gauge 1, got %f", v)
	}
	wrapper.EmergencyStopChanged(false)
	if v := testutil.ToFloat64(m.EmergencyStop); v != 0 {
		t.Errorf("Expected emergency stop gauge 0, got %f", v)
	}
}

func TestMetricsWrapper_Resilience(t *testing.T) {
	m, wrapper := newTestWrapper(t)

	wrapper.RetryAttempt("exchange-orders", resilience.KindServer)
	wrapper.RetryAttempt("", resilience.KindNetwork)
	wrapper.RetryOutcome("exchange-orders", resilience.OutcomeCircuitOpen, 0)
	wrapper.RetryOutcome("exchange-orders", resilience.OutcomeExhausted, time.Second)
	wrapper.BreakerStateChanged("exchange-orders", resilience.StateClosed, resilience.StateOpen)

	if v := testutil.ToFloat64(m.RetryAttempts.WithLabelValues("exchange-orders", "server")); v != 1 {
		t.Errorf("Expected 1 server failure, got %f", v)
	}
	if v := testutil.ToFloat64(m.RetryAttempts.WithLabelValues("none", "network")); v != 1 {
		t.Errorf("Expected unbound attempts under the none label, got %f", v)
	}
	if v := testutil.ToFloat64(m.ErrorsTotal); v != 2 {
		t.Errorf("Expected 2 errors, got %f", v)
	}
	if v := testutil.ToFloat64(m.RetryOutcomes.WithLabelValues("exchange-orders", "circuit_open")); v != 1 {
		t.Errorf("Expected circuit_open outcome to be counted separately, got %f", v)
	}
	if v := testutil.ToFloat64(m.RetryOutcomes.WithLabelValues("exchange-orders", "exhausted")); v != 1 {
		t.Errorf("Expected 1 exhausted outcome, got %f", v)
	}
	if v := testutil.ToFloat64(m.BreakerState.WithLabelValues("exchange-orders")); v != float64(resilience.StateOpen) {
		t.Errorf("Expected breaker state gauge %d, got %f", resilience.StateOpen, v)
	}
	if v := testutil.ToFloat64(m.BreakerTransitions.WithLabelValues("exchange-orders", "OPEN")); v != 1 {
		t.Errorf("Expected 1 transition to OPEN, got %f", v)
	}
}

func TestMetricsWrapper_CounterOperations(t *testing.T) {
	m, wrapper := newTestWrapper(t)

	reconnects := wrapper.WSReconnects()
	if reconnects == nil {
		t.Fatal("WSReconnects returned nil counter")
	}

	// Initial value should be 0
	if v := testutil.ToFloat64(m.WSReconnects); v != 0 {
		t.Errorf("Expected initial counter value 0, got %f", v)
	}

	reconnects.Inc()
	reconnects.Inc()
	if v := testutil.ToFloat64(m.WSReconnects); v != 2 {
		t.Errorf("Expected counter value 2 after two increments, got %f", v)
	}

	wrapper.MarketUpdates().Inc()
	if v := testutil.ToFloat64(m.MarketUpdates); v != 1 {
		t.Errorf("Expected 1 market update, got %f", v)
	}

	wrapper.OrderResult("accepted", 15*time.Millisecond)
	if v := testutil.ToFloat64(m.OrdersTotal.WithLabelValues("accepted")); v != 1 {
		t.Errorf("Expected 1 accepted order, got %f", v)
	}
}
