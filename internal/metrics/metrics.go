// Package metrics provides Prometheus metrics collection for the trade-safety
// service. It covers risk assessments, the ledger, the emergency stop, retries,
// circuit breakers, order placement and the market-data feed, all exposed via
// the Prometheus metrics endpoint for monitoring and alerting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Risk metrics
	AssessmentsTotal   *prometheus.CounterVec // Assessments by action and risk level
	AssessmentDuration prometheus.Histogram   // Time spent evaluating one request
	EmergencyStop      prometheus.Gauge       // 1 while the emergency stop is active
	TradesRecorded     prometheus.Counter     // Trades reported back to the ledger
	RealizedPnL        prometheus.Gauge       // Sum of reported trade PnL since start

	// Resilience metrics
	RetryAttempts      *prometheus.CounterVec   // Failed attempts by breaker and error kind
	RetryOutcomes      *prometheus.CounterVec   // Finished executions by breaker and outcome
	RetryDuration      *prometheus.HistogramVec // Total execution time by outcome
	BreakerState       *prometheus.GaugeVec     // 0 closed, 1 open, 2 half-open
	BreakerTransitions *prometheus.CounterVec   // State changes by breaker and target state

	// Order gateway metrics
	OrdersTotal            *prometheus.CounterVec // Order placement calls by result
	OrderExecutionDuration prometheus.Histogram   // Latency of a single placement call

	// Market data metrics
	WSReconnects  prometheus.Counter // Total number of WebSocket reconnections
	MarketUpdates prometheus.Counter // Market snapshots received

	// System metrics
	ErrorsTotal prometheus.Counter // Total number of errors encountered
}

// New creates and registers all Prometheus metrics using the default registry.
// This is the standard way to create metrics for production use.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		AssessmentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_assessments_total",
			Help: "Total number of trade risk assessments by action and level",
		}, []string{"action", "level"}),
		AssessmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "risk_assessment_duration_seconds",
			Help:    "Time spent assessing a single trade request",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		EmergencyStop: factory.NewGauge(prometheus.GaugeOpts{
			Name: "risk_emergency_stop_active",
			Help: "1 while the emergency stop is active, 0 otherwise",
		}),
		TradesRecorded: factory.NewCounter(prometheus.CounterOpts{
			Name: "risk_trades_recorded_total",
			Help: "Total number of completed trades recorded in the ledger",
		}),
		RealizedPnL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "risk_realized_pnl",
			Help: "Sum of realized PnL reported since start",
		}),
		RetryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "retry_failed_attempts_total",
			Help: "Failed operation attempts by breaker and error kind",
		}, []string{"breaker", "kind"}),
		RetryOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "retry_executions_total",
			Help: "Finished retried executions by breaker and outcome",
		}, []string{"breaker", "outcome"}),
		RetryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "retry_execution_duration_seconds",
			Help:    "Total time of a retried execution including delays",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"outcome"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		}, []string{"breaker"}),
		BreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Circuit breaker state changes by target state",
		}, []string{"breaker", "to"}),
		OrdersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_total",
			Help: "Order placement calls by result",
		}, []string{"result"}),
		OrderExecutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "order_execution_duration_seconds",
			Help:    "Duration of order placement calls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		WSReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_reconnects_total",
			Help: "Total number of WebSocket reconnections",
		}),
		MarketUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "market_updates_total",
			Help: "Total number of market snapshots received",
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors encountered",
		}),
	}
}
