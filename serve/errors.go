package serve

import (
	"errors"
	"fmt"
)

// Sentinel errors for the request path. Callers match with errors.Is.
var (
	// ErrCircuitOpen rejects a request while the circuit breaker is OPEN.
	// Not retryable: the caller should back off until the breaker probes again.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrRateLimited rejects a request when the token bucket has no capacity.
	// Retryable after the limiter's WaitTime.
	ErrRateLimited = errors.New("rate limited")

	// ErrSchedulerStopped is returned at submit time once Stop has been called,
	// and resolves every handle still pending at shutdown.
	ErrSchedulerStopped = errors.New("scheduler stopped")

	// ErrDuplicateRequest rejects a submit whose request ID is already in flight.
	ErrDuplicateRequest = errors.New("duplicate request id")

	// ErrResultMissing fails a request whose ID was absent from the runtime's
	// results for its batch.
	ErrResultMissing = errors.New("no result returned for request")
)

// Gate names used for admission-error attribution.
const (
	GateCircuitBreaker = "circuit-breaker"
	GateRateLimiter    = "rate-limiter"
)

// AdmissionError reports which gate rejected a request before it reached the
// pending queue. Wraps ErrCircuitOpen or ErrRateLimited.
type AdmissionError struct {
	Gate      string
	RequestID string
	Err       error
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("request %s rejected by %s: %v", e.RequestID, e.Gate, e.Err)
}

func (e *AdmissionError) Unwrap() error { return e.Err }

// DispatchError wraps a wholesale runtime failure for one batch. Every request
// in the batch is failed with the same DispatchError.
type DispatchError struct {
	BatchID   string
	Transient bool
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("batch %s dispatch failed: %v", e.BatchID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry the request by contract:
// rate-limit rejections and dispatch errors the runtime marked transient.
// Breaker-open rejections and validation errors are not retryable.
func Retryable(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Transient
	}
	return false
}

// transienter is implemented by runtime errors that are safe to retry.
type transienter interface {
	Transient() bool
}

// isTransient reports whether a runtime error marked itself transient.
func isTransient(err error) bool {
	var t transienter
	return errors.As(err, &t) && t.Transient()
}
