package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// Operation is the unit of work the Executor retries. It should honour ctx.
type Operation func(ctx context.Context) (any, error)

// Outcome says why an Execute call ended.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeExhausted    Outcome = "exhausted"
	OutcomeNonRetryable Outcome = "non_retryable"
	OutcomeCircuitOpen  Outcome = "circuit_open"
	OutcomeCanceled     Outcome = "canceled"
)

// RetryAttempt records one failed invocation. Delay is the wait scheduled
// after it, zero when no further attempt followed.
type RetryAttempt struct {
	Number    int           `json:"number"`
	Delay     time.Duration `json:"delay"`
	Err       error         `json:"-"`
	Kind      ErrorKind     `json:"kind"`
	Timestamp time.Time     `json:"timestamp"`
}

// RetryResult is what Execute returns instead of an error.
type RetryResult struct {
	Success    bool
	Value      any
	Attempts   []RetryAttempt
	TotalTime  time.Duration
	FinalError error
	Outcome    Outcome
}

// MetricsRecorder receives retry and breaker events.
type MetricsRecorder interface {
	RetryAttempt(breaker string, kind ErrorKind)
	RetryOutcome(breaker string, outcome Outcome, elapsed time.Duration)
	BreakerStateChanged(breaker string, from, to BreakerState)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Executor runs operations under a RetryConfig, optionally bound to a named
// circuit breaker from its registry.
type Executor struct {
	registry *Registry
	now      func() time.Time
	sleep    Sleeper
	random   func() float64
	metrics  MetricsRecorder
}

// ExecutorOption customises an Executor.
type ExecutorOption func(*Executor)

// WithExecutorClock replaces time.Now for the executor and its breakers.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// WithSleeper replaces the inter-attempt wait.
func WithSleeper(s Sleeper) ExecutorOption {
	return func(e *Executor) { e.sleep = s }
}

// WithRandom replaces the jitter source; f must return values in [0, 1).
func WithRandom(f func() float64) ExecutorOption {
	return func(e *Executor) { e.random = f }
}

// WithExecutorMetrics reports attempts, outcomes and breaker transitions.
func WithExecutorMetrics(m MetricsRecorder) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates an executor whose breakers default to breakerDefaults.
func NewExecutor(breakerDefaults BreakerConfig, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: NewRegistry(breakerDefaults),
		now:      time.Now,
		sleep:    sleepContext,
		random:   rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.registry.setClock(e.now)
	if e.metrics != nil {
		m := e.metrics
		e.registry.setStateChange(func(name string, from, to BreakerState) {
			m.BreakerStateChanged(name, from, to)
		})
	}
	return e
}

// Registry exposes the executor's breakers.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs op up to cfg.MaxAttempts times. An empty breakerName runs
// without a circuit breaker. It never returns nil.
func (e *Executor) Execute(ctx context.Context, op Operation, cfg RetryConfig, breakerName string) *RetryResult {
	cfg.applyDefaults()
	start := e.now()
	result := &RetryResult{}

	var cb *CircuitBreaker
	if breakerName != "" {
		cb = e.registry.GetOrCreate(breakerName)
	}

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return e.finish(result, breakerName, start, OutcomeCanceled, err)
		}

		if cb != nil && !cb.CanExecute() {
			return e.finish(result, breakerName, start, OutcomeCircuitOpen, &CircuitOpenError{Name: breakerName})
		}

		value, err := e.invoke(ctx, op, cfg.PerAttemptTimeout)
		if err == nil {
			if cb != nil {
				cb.RecordSuccess()
			}
			result.Success = true
			result.Value = value
			return e.finish(result, breakerName, start, OutcomeSuccess, nil)
		}

		kind := cfg.Classifier(err)
		if cb != nil {
			cb.RecordFailure(WithKind(kind, err))
		}
		if e.metrics != nil {
			e.metrics.RetryAttempt(breakerName, kind)
		}

		record := RetryAttempt{
			Number:    attempt,
			Err:       err,
			Kind:      kind,
			Timestamp: e.now(),
		}

		if !cfg.retryable(kind) {
			result.Attempts = append(result.Attempts, record)
			return e.finish(result, breakerName, start, OutcomeNonRetryable, err)
		}
		if attempt == cfg.MaxAttempts {
			result.Attempts = append(result.Attempts, record)
			return e.finish(result, breakerName, start, OutcomeExhausted, err)
		}

		record.Delay = cfg.Delay(attempt, e.random())
		result.Attempts = append(result.Attempts, record)

		log.Debug().
			Str("breaker", breakerName).
			Int("attempt", attempt).
			Str("kind", string(kind)).
			Dur("delay", record.Delay).
			Err(err).
			Msg("operation failed, retrying")

		if err := e.sleep(ctx, record.Delay); err != nil {
			return e.finish(result, breakerName, start, OutcomeCanceled, err)
		}
	}

	// not reached: applyDefaults guarantees MaxAttempts >= 1
	return e.finish(result, breakerName, start, OutcomeExhausted, result.FinalError)
}

// ExecuteAsync runs Execute on its own goroutine. The channel receives
// exactly one result and is then closed.
func (e *Executor) ExecuteAsync(ctx context.Context, op Operation, cfg RetryConfig, breakerName string) <-chan *RetryResult {
	out := make(chan *RetryResult, 1)
	go func() {
		defer close(out)
		out <- e.Execute(ctx, op, cfg, breakerName)
	}()
	return out
}

func (e *Executor) finish(result *RetryResult, breakerName string, start time.Time, outcome Outcome, err error) *RetryResult {
	result.Outcome = outcome
	result.FinalError = err
	result.TotalTime = e.now().Sub(start)

	if e.metrics != nil {
		e.metrics.RetryOutcome(breakerName, outcome, result.TotalTime)
	}

	switch outcome {
	case OutcomeSuccess:
	case OutcomeCircuitOpen:
		log.Warn().
			Str("breaker", breakerName).
			Int("attempts", len(result.Attempts)).
			Msg("circuit breaker open, call rejected")
	default:
		log.Warn().
			Str("breaker", breakerName).
			Str("outcome", string(outcome)).
			Int("attempts", len(result.Attempts)).
			Dur("elapsed", result.TotalTime).
			Err(err).
			Msg("operation failed")
	}
	return result
}

// invoke calls op, bounding it by timeout when positive. A panic inside op
// is returned as an error.
func (e *Executor) invoke(ctx context.Context, op Operation, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		return safeCall(ctx, op)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := safeCall(attemptCtx, op)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == nil && attemptCtx.Err() != nil {
			return nil, attemptTimeout(timeout, o.err)
		}
		return o.value, o.err
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, attemptTimeout(timeout, attemptCtx.Err())
	}
}

func attemptTimeout(timeout time.Duration, err error) error {
	return WithKind(KindTimeout, fmt.Errorf("attempt exceeded %v: %w", timeout, err))
}

func safeCall(ctx context.Context, op Operation) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return op(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs op through e and returns its value or the final error, for callers
// that prefer plain error returns over a RetryResult.
func Do[T any](ctx context.Context, e *Executor, cfg RetryConfig, breakerName string, op func(ctx context.Context) (T, error)) (T, error) {
	result := e.Execute(ctx, func(ctx context.Context) (any, error) {
		return op(ctx)
	}, cfg, breakerName)

	var zero T
	if !result.Success {
		return zero, result.FinalError
	}
	value, ok := result.Value.(T)
	if !ok {
		return zero, nil
	}
	return value, nil
}
