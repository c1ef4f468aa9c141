package serve

import (
	"sync"
	"time"
)

// RateLimiterConfig holds token-bucket parameters.
type RateLimiterConfig struct {
	Capacity float64 `yaml:"capacity"` // maximum stored tokens (default 100)
	Rate     float64 `yaml:"rate"`     // refill rate in tokens per second (default 100)
}

func (c RateLimiterConfig) withDefaults() RateLimiterConfig {
	if c.Capacity <= 0 {
		c.Capacity = 100
	}
	if c.Rate <= 0 {
		c.Rate = 100
	}
	return c
}

// TokenBucketRateLimiter throttles admissions with a lazily refilled token
// bucket: tokens accrue at Rate per second up to Capacity, reconciled on every
// Acquire rather than by a timer. Acquire is an atomic check-and-deduct, so
// available tokens never exceed Capacity and never go negative.
type TokenBucketRateLimiter struct {
	mu         sync.Mutex
	capacity   float64
	rate       float64
	tokens     float64
	lastRefill time.Time

	nowFn func() time.Time // test seam
}

// NewTokenBucketRateLimiter creates a full bucket.
func NewTokenBucketRateLimiter(cfg RateLimiterConfig) *TokenBucketRateLimiter {
	cfg = cfg.withDefaults()
	now := time.Now()
	return &TokenBucketRateLimiter{
		capacity:   cfg.Capacity,
		rate:       cfg.Rate,
		tokens:     cfg.Capacity,
		lastRefill: now,
		nowFn:      time.Now,
	}
}

// Acquire deducts n tokens if available and reports whether it succeeded.
func (l *TokenBucketRateLimiter) Acquire(n float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	if l.tokens >= n {
		l.tokens -= n
		return true
	}
	return false
}

// WaitTime reports how long until n tokens would be available, without
// mutating the bucket. Zero means an Acquire(n) would succeed now.
func (l *TokenBucketRateLimiter) WaitTime(n float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	available := l.tokens + l.nowFn().Sub(l.lastRefill).Seconds()*l.rate
	if available > l.capacity {
		available = l.capacity
	}
	if available >= n {
		return 0
	}
	deficit := n - available
	return time.Duration(deficit / l.rate * float64(time.Second))
}

// Available returns the current token count after a lazy refill.
func (l *TokenBucketRateLimiter) Available() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return l.tokens
}

func (l *TokenBucketRateLimiter) refillLocked() {
	now := l.nowFn()
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed.Seconds() * l.rate
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	l.lastRefill = now
}
