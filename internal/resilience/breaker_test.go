package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(t *testing.T, cfg BreakerConfig) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	cb := NewCircuitBreaker("exchange", cfg)
	cb.setClock(clock.Now)
	return cb, clock
}

var errBoom = errors.New("boom")

func TestCircuitBreaker_FullCycle(t *testing.T) {
	cb, clock := newTestBreaker(t, BreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	})

	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.CanExecute())

	cb.RecordFailure(errBoom)
	assert.Equal(t, StateClosed, cb.State(), "one failure is below the threshold")

	cb.RecordFailure(errBoom)
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanExecute(), "open breaker rejects before recovery timeout")

	clock.Advance(29 * time.Second)
	assert.False(t, cb.CanExecute())
	assert.Equal(t, StateOpen, cb.State())

	clock.Advance(time.Second)
	assert.True(t, cb.CanExecute(), "recovery timeout elapsed")
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.RecordFailure(errBoom)
	assert.Equal(t, StateOpen, cb.State(), "a failure in HALF_OPEN reopens immediately")

	clock.Advance(30 * time.Second)
	require.True(t, cb.CanExecute())
	require.Equal(t, StateHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, StateHalfOpen, cb.State())
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().FailureCount)
}

func TestCircuitBreaker_SuccessResetsFailuresWhenClosed(t *testing.T) {
	cb, _ := newTestBreaker(t, BreakerConfig{FailureThreshold: 3})

	cb.RecordFailure(errBoom)
	cb.RecordFailure(errBoom)
	assert.Equal(t, 2, cb.Stats().FailureCount)

	cb.RecordSuccess()
	assert.Equal(t, 0, cb.Stats().FailureCount)

	cb.RecordFailure(errBoom)
	cb.RecordFailure(errBoom)
	assert.Equal(t, StateClosed, cb.State(), "counter decayed, so two more failures stay below 3")
}

func TestCircuitBreaker_IgnoresUnexpectedKinds(t *testing.T) {
	cb, _ := newTestBreaker(t, BreakerConfig{
		FailureThreshold: 1,
		ExpectedKinds:    []ErrorKind{KindNetwork, KindServer},
	})

	cb.RecordFailure(WithKind(KindValidation, errBoom))
	cb.RecordFailure(errBoom)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().FailureCount)

	cb.RecordFailure(WithKind(KindServer, errBoom))
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_LastFailureTime(t *testing.T) {
	cb, clock := newTestBreaker(t, BreakerConfig{FailureThreshold: 5})

	assert.True(t, cb.Stats().LastFailureTime.IsZero())
	cb.RecordFailure(errBoom)
	assert.Equal(t, clock.Now(), cb.Stats().LastFailureTime)
}

func TestCircuitBreaker_ResetAndForceOpen(t *testing.T) {
	cb, clock := newTestBreaker(t, BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})

	cb.ForceOpen()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanExecute())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.CanExecute())

	cb.RecordFailure(errBoom)
	require.Equal(t, StateOpen, cb.State())
	clock.Advance(time.Minute)
	assert.True(t, cb.CanExecute())
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	cb, clock := newTestBreaker(t, BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Second, SuccessThreshold: 1})

	type transition struct{ from, to BreakerState }
	var got []transition
	cb.OnStateChange(func(name string, from, to BreakerState) {
		assert.Equal(t, "exchange", name)
		got = append(got, transition{from, to})
	})

	cb.RecordFailure(errBoom)
	clock.Advance(time.Second)
	cb.CanExecute()
	cb.RecordSuccess()

	assert.Equal(t, []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, got)
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker("defaults", BreakerConfig{})
	def := DefaultBreakerConfig()
	assert.Equal(t, def.FailureThreshold, cb.config.FailureThreshold)
	assert.Equal(t, def.RecoveryTimeout, cb.config.RecoveryTimeout)
	assert.Equal(t, def.SuccessThreshold, cb.config.SuccessThreshold)
}

func TestCircuitBreaker_DefaultCountsOnlyDependencyFailures(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	cb, _ := newTestBreaker(t, cfg)

	for _, err := range []error{
		WithKind(KindRejected, errBoom),
		WithKind(KindValidation, errBoom),
		WithKind(KindAuth, errBoom),
		context.Canceled,
		errBoom,
	} {
		cb.RecordFailure(err)
		assert.Equal(t, StateClosed, cb.State(), "%v must not trip the breaker", err)
	}

	for _, kind := range []ErrorKind{KindNetwork, KindTimeout, KindServer, KindRateLimit} {
		cb.Reset()
		cb.RecordFailure(WithKind(kind, errBoom))
		assert.Equal(t, StateOpen, cb.State(), "%s trips the breaker", kind)
	}
}

func TestCircuitBreaker_ConcurrentUse(t *testing.T) {
	cb, _ := newTestBreaker(t, BreakerConfig{FailureThreshold: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				cb.CanExecute()
				cb.RecordFailure(errBoom)
				cb.Stats()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 500, cb.Stats().FailureCount)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "UNKNOWN", BreakerState(42).String())
}

func TestRegistry_GetOrCreate(t *testing.T) {
	r := NewRegistry(BreakerConfig{FailureThreshold: 3})
	r.Configure("slow-venue", BreakerConfig{FailureThreshold: 1})

	a := r.GetOrCreate("orders")
	b := r.GetOrCreate("orders")
	assert.Same(t, a, b)
	assert.Equal(t, 3, a.config.FailureThreshold)

	slow := r.GetOrCreate("slow-venue")
	assert.Equal(t, 1, slow.config.FailureThreshold)

	_, ok := r.Get("missing")
	assert.False(t, ok)

	slow.RecordFailure(errBoom)
	assert.Equal(t, []string{"slow-venue"}, r.OpenBreakers())

	stats := r.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "orders", stats[0].Name)
	assert.Equal(t, "slow-venue", stats[1].Name)

	assert.True(t, r.Reset("slow-venue"))
	assert.False(t, r.Reset("missing"))
	assert.Empty(t, r.OpenBreakers())
}

func TestRegistry_ConcurrentGetOrCreate(t *testing.T) {
	r := NewRegistry(DefaultBreakerConfig())

	var wg sync.WaitGroup
	results := make([]*CircuitBreaker, 64)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.GetOrCreate("shared")
		}(i)
	}
	wg.Wait()

	for _, cb := range results {
		assert.Same(t, results[0], cb)
	}
}
