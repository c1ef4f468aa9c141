package serve

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BreakerState is the lifecycle state of a CircuitBreaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreakerConfig holds the breaker thresholds. Zero values take the
// defaults noted per field.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`   // consecutive failures before opening (default 5)
	SuccessThreshold int           `yaml:"success_threshold"`   // half-open successes before closing (default 2)
	Timeout          time.Duration `yaml:"timeout"`             // open duration before probing (default 30s)
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"` // max concurrent probes while half-open (default 3)
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 3
	}
	return c
}

// CircuitBreaker is a three-state fail-fast gate. CLOSED counts consecutive
// failures; OPEN rejects everything until Timeout has elapsed since the last
// failure; HALF_OPEN admits a bounded number of probes and either closes
// (enough successes) or reopens (any failure).
//
// The OPEN→HALF_OPEN transition is checked lazily on every state read — there
// is no timer goroutine.
type CircuitBreaker struct {
	mu  sync.Mutex
	cfg CircuitBreakerConfig

	state             BreakerState
	consecutiveFails  int
	lastFailure       time.Time
	halfOpenCalls     int
	halfOpenSuccesses int

	nowFn func() time.Time // test seam
}

// NewCircuitBreaker creates a CLOSED breaker with the given thresholds.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:   cfg.withDefaults(),
		state: BreakerClosed,
		nowFn: time.Now,
	}
}

// Allow reports whether a request may proceed. While HALF_OPEN, each true
// return consumes one of the HalfOpenMaxCalls probe slots.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.halfOpenCalls < b.cfg.HalfOpenMaxCalls {
			b.halfOpenCalls++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess feeds back a successful call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	switch b.state {
	case BreakerClosed:
		b.consecutiveFails = 0
	case BreakerHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			logrus.Infof("circuit breaker: closing after %d half-open successes", b.halfOpenSuccesses)
			b.toClosedLocked()
		}
	}
}

// RecordFailure feeds back a failed call.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	switch b.state {
	case BreakerClosed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			logrus.Warnf("circuit breaker: opening after %d consecutive failures", b.consecutiveFails)
			b.toOpenLocked()
		} else {
			b.lastFailure = b.nowFn()
		}
	case BreakerHalfOpen:
		logrus.Warnf("circuit breaker: reopening on half-open failure")
		b.toOpenLocked()
	case BreakerOpen:
		b.lastFailure = b.nowFn()
	}
}

// State returns the current state after applying any lazy OPEN→HALF_OPEN
// transition.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state
}

// advanceLocked applies the lazy OPEN→HALF_OPEN transition.
func (b *CircuitBreaker) advanceLocked() {
	if b.state == BreakerOpen && b.nowFn().Sub(b.lastFailure) >= b.cfg.Timeout {
		b.state = BreakerHalfOpen
		b.halfOpenCalls = 0
		b.halfOpenSuccesses = 0
	}
}

func (b *CircuitBreaker) toOpenLocked() {
	b.state = BreakerOpen
	b.lastFailure = b.nowFn()
	b.halfOpenCalls = 0
	b.halfOpenSuccesses = 0
}

func (b *CircuitBreaker) toClosedLocked() {
	b.state = BreakerClosed
	b.consecutiveFails = 0
	b.halfOpenCalls = 0
	b.halfOpenSuccesses = 0
}
