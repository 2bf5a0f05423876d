// Package resilience wraps outbound operations with retry/backoff and
// per-resource circuit breakers.
//
// Errors are classified into a closed set of kinds. Retry and breaker policies
// are expressed in terms of those kinds rather than concrete error types, so a
// caller decides once how its errors map onto the enumeration (by tagging them
// with WithKind or by supplying a Classifier) and every policy works from that.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind is the classification retry and breaker policies match against.
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindTimeout     ErrorKind = "timeout"
	KindRateLimit   ErrorKind = "rate_limit"
	KindServer      ErrorKind = "server"
	KindRejected    ErrorKind = "rejected"
	KindValidation  ErrorKind = "validation"
	KindAuth        ErrorKind = "auth"
	KindCanceled    ErrorKind = "canceled"
	KindCircuitOpen ErrorKind = "circuit_open"
	KindUnknown     ErrorKind = "unknown"
)

// Classifier maps an error onto an ErrorKind.
type Classifier func(error) ErrorKind

// KindError tags an underlying error with a kind.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// WithKind tags err with kind. A nil err stays nil.
func WithKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// Errorf builds a tagged error in one step.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// ErrCircuitOpen is matched by every CircuitOpenError via errors.Is.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError is returned when a bound breaker refuses execution.
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open", e.Name)
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// KindOf returns the kind of the outermost tagged error in err's chain,
// or KindUnknown when none is tagged.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if errors.Is(err, ErrCircuitOpen) {
		return KindCircuitOpen
	}
	return KindUnknown
}

// DefaultClassifier honours WithKind tags first, then recognises context and
// net errors. Anything else is KindUnknown.
func DefaultClassifier(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if kind := KindOf(err); kind != KindUnknown {
		return kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindUnknown
}

func containsKind(kinds []ErrorKind, kind ErrorKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
