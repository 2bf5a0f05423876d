package resilience

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// BreakerState represents the state of a circuit breaker
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the breaker state
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText lets states render as names in JSON.
func (s BreakerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BreakerConfig holds configuration for a circuit breaker
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"` // Failures in CLOSED before opening
	RecoveryTimeout  time.Duration `yaml:"recoveryTimeout"`  // Time in OPEN before a trial call
	SuccessThreshold int           `yaml:"successThreshold"` // Successes in HALF_OPEN before closing
	ExpectedKinds    []ErrorKind   `yaml:"expectedKinds"`    // Kinds that count as failures; empty counts all
	Classifier       Classifier    `yaml:"-"`
}

// DefaultBreakerConfig returns the breaker settings used when none are
// configured. Only dependency failures count; rejected, validation, auth,
// canceled and unclassified errors leave the breaker alone.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
		ExpectedKinds:    DefaultExpectedKinds(),
	}
}

// DefaultExpectedKinds lists the error kinds a default breaker counts.
func DefaultExpectedKinds() []ErrorKind {
	return []ErrorKind{KindNetwork, KindTimeout, KindServer, KindRateLimit}
}

func (c *BreakerConfig) applyDefaults() {
	def := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.Classifier == nil {
		c.Classifier = DefaultClassifier
	}
}

// BreakerStats is a point-in-time copy of a breaker's counters.
type BreakerStats struct {
	Name            string       `json:"name"`
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failureCount"`
	SuccessCount    int          `json:"successCount"`
	LastFailureTime time.Time    `json:"lastFailureTime,omitempty"`
}

// StateChangeFunc is called after a breaker changes state, outside its lock.
type StateChangeFunc func(name string, from, to BreakerState)

// CircuitBreaker stops calls to a failing resource for RecoveryTimeout and
// then lets trial calls through until SuccessThreshold of them succeed.
type CircuitBreaker struct {
	name   string
	config BreakerConfig
	now    func() time.Time

	mu              sync.Mutex
	state           BreakerState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	onStateChange   StateChangeFunc
}

// NewCircuitBreaker creates a closed breaker. Zero config fields take defaults.
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	config.applyDefaults()
	return &CircuitBreaker{
		name:   name,
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Name returns the resource name the breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// OnStateChange registers fn to be told about transitions.
func (cb *CircuitBreaker) OnStateChange(fn StateChangeFunc) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

func (cb *CircuitBreaker) setClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// CanExecute reports whether a call may proceed. An OPEN breaker whose
// recovery timeout has elapsed moves to HALF_OPEN and admits the call.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	from := cb.state
	allowed := false
	switch cb.state {
	case StateClosed, StateHalfOpen:
		allowed = true
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.state = StateHalfOpen
			cb.successCount = 0
			allowed = true
		}
	}
	to, fn := cb.state, cb.onStateChange
	cb.mu.Unlock()

	cb.notify(fn, from, to)
	return allowed
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failureCount = 0
		}
	case StateClosed:
		cb.failureCount = 0
	}
	to, fn := cb.state, cb.onStateChange
	cb.mu.Unlock()

	cb.notify(fn, from, to)
}

// RecordFailure records a failed call. Errors whose kind is not one of the
// configured ExpectedKinds are ignored.
func (cb *CircuitBreaker) RecordFailure(err error) {
	if !cb.counts(err) {
		return
	}

	cb.mu.Lock()
	from := cb.state
	cb.failureCount++
	cb.lastFailureTime = cb.now()
	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.state = StateOpen
		}
	}
	to, fn := cb.state, cb.onStateChange
	cb.mu.Unlock()

	cb.notify(fn, from, to)
}

func (cb *CircuitBreaker) counts(err error) bool {
	if len(cb.config.ExpectedKinds) == 0 {
		return true
	}
	return containsKind(cb.config.ExpectedKinds, cb.config.Classifier(err))
}

func (cb *CircuitBreaker) notify(fn StateChangeFunc, from, to BreakerState) {
	if from == to {
		return
	}
	log.Info().
		Str("breaker", cb.name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit breaker state changed")
	if fn != nil {
		fn(cb.name, from, to)
	}
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		LastFailureTime: cb.lastFailureTime,
	}
}

// Reset forces the breaker back to CLOSED with cleared counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	fn := cb.onStateChange
	cb.mu.Unlock()

	cb.notify(fn, from, StateClosed)
}

// ForceOpen trips the breaker as if a failure had just occurred.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateOpen
	cb.lastFailureTime = cb.now()
	cb.successCount = 0
	fn := cb.onStateChange
	cb.mu.Unlock()

	cb.notify(fn, from, StateOpen)
}
