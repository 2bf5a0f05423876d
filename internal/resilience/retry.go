package resilience

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// BackoffStrategy selects how the delay grows between attempts.
type BackoffStrategy string

const (
	StrategyFixed             BackoffStrategy = "FIXED"
	StrategyLinear            BackoffStrategy = "LINEAR"
	StrategyExponential       BackoffStrategy = "EXPONENTIAL"
	StrategyExponentialJitter BackoffStrategy = "EXPONENTIAL_JITTER"
)

// ParseStrategy accepts strategy names case-insensitively.
func ParseStrategy(s string) (BackoffStrategy, error) {
	switch st := BackoffStrategy(strings.ToUpper(strings.TrimSpace(s))); st {
	case StrategyFixed, StrategyLinear, StrategyExponential, StrategyExponentialJitter:
		return st, nil
	default:
		return "", fmt.Errorf("unknown backoff strategy %q", s)
	}
}

// RetryConfig holds configuration for one retried operation.
//
// Delay for attempt n (1-based) before clamping to MaxDelay:
//
//	FIXED:              BaseDelay
//	LINEAR:             BaseDelay * n
//	EXPONENTIAL:        BaseDelay * BackoffMultiplier^(n-1)
//	EXPONENTIAL_JITTER: EXPONENTIAL * (1 + uniform(JitterMin, JitterMax))
type RetryConfig struct {
	MaxAttempts       int             `yaml:"maxAttempts"`
	BaseDelay         time.Duration   `yaml:"baseDelay"`
	MaxDelay          time.Duration   `yaml:"maxDelay"`
	Strategy          BackoffStrategy `yaml:"strategy"`
	BackoffMultiplier float64         `yaml:"backoffMultiplier"`
	JitterMin         float64         `yaml:"jitterMin"`
	JitterMax         float64         `yaml:"jitterMax"`

	// RetryableKinds limits retries to these kinds; empty retries every kind
	// not listed in NonRetryableKinds.
	RetryableKinds []ErrorKind `yaml:"retryableKinds"`
	// NonRetryableKinds always stop the loop and win over RetryableKinds.
	NonRetryableKinds []ErrorKind `yaml:"nonRetryableKinds"`

	// PerAttemptTimeout bounds each invocation when > 0.
	PerAttemptTimeout time.Duration `yaml:"perAttemptTimeout"`

	Classifier Classifier `yaml:"-"`
}

// DefaultRetryConfig suits order placement against an exchange API:
// 3 attempts, 200ms, 400ms (+ jitter), never waiting more than 5s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         200 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		Strategy:          StrategyExponentialJitter,
		BackoffMultiplier: 2.0,
		JitterMin:         -0.1,
		JitterMax:         0.1,
		NonRetryableKinds: []ErrorKind{KindValidation, KindAuth, KindRejected, KindCanceled},
	}
}

// Validate reports configuration errors. It does not mutate the config.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("delays cannot be negative")
	}
	if c.MaxDelay > 0 && c.BaseDelay > c.MaxDelay {
		return fmt.Errorf("base delay %v exceeds max delay %v", c.BaseDelay, c.MaxDelay)
	}
	if _, err := ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	if c.JitterMin > c.JitterMax {
		return fmt.Errorf("jitter range [%f, %f] is inverted", c.JitterMin, c.JitterMax)
	}
	if c.JitterMin < -1 {
		return fmt.Errorf("jitter min %f would produce negative delays", c.JitterMin)
	}
	if c.PerAttemptTimeout < 0 {
		return fmt.Errorf("per-attempt timeout cannot be negative")
	}
	return nil
}

func (c *RetryConfig) applyDefaults() {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.Strategy == "" {
		c.Strategy = StrategyExponential
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2.0
	}
	if c.Classifier == nil {
		c.Classifier = DefaultClassifier
	}
}

// RawDelay is the strategy's delay for attempt (1-based) before jitter and
// before clamping.
func (c RetryConfig) RawDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := c.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	base := float64(c.BaseDelay)

	var d float64
	switch c.Strategy {
	case StrategyFixed:
		d = base
	case StrategyLinear:
		d = base * float64(attempt)
	default:
		d = base * math.Pow(mult, float64(attempt-1))
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Delay returns the clamped wait after a failed attempt. u must be a uniform
// sample in [0, 1); it is only used by EXPONENTIAL_JITTER.
func (c RetryConfig) Delay(attempt int, u float64) time.Duration {
	d := float64(c.RawDelay(attempt))
	if c.Strategy == StrategyExponentialJitter {
		jitter := c.JitterMin + u*(c.JitterMax-c.JitterMin)
		d *= 1 + jitter
	}
	if d < 0 {
		d = 0
	}
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}

// retryable applies the kind lists: non-retryable first, then retryable.
func (c RetryConfig) retryable(kind ErrorKind) bool {
	if containsKind(c.NonRetryableKinds, kind) {
		return false
	}
	if len(c.RetryableKinds) == 0 {
		return true
	}
	return containsKind(c.RetryableKinds, kind)
}
