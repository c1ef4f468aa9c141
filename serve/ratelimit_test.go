package serve

import (
	"testing"
	"time"
)

func testLimiter(capacity, rate float64) (*TokenBucketRateLimiter, func(time.Duration)) {
	clock, advance := fixedClock(time.Unix(7000, 0))
	l := NewTokenBucketRateLimiter(RateLimiterConfig{Capacity: capacity, Rate: rate})
	l.nowFn = clock
	l.lastRefill = clock()
	l.tokens = capacity
	return l, advance
}

func TestTokenBucket_AcquireWithinCapacity(t *testing.T) {
	// GIVEN a full bucket of 10 tokens
	l, _ := testLimiter(10, 1)

	// WHEN 10 tokens are acquired one by one
	for i := 0; i < 10; i++ {
		if !l.Acquire(1) {
			t.Fatalf("Acquire(1) #%d: want true", i)
		}
	}

	// THEN the next acquire fails and the count never goes negative
	if l.Acquire(1) {
		t.Error("Acquire on empty bucket: want false")
	}
	if got := l.Available(); got < 0 {
		t.Errorf("Available: got %f, want >= 0", got)
	}
}

func TestTokenBucket_RefillNeverExceedsCapacity(t *testing.T) {
	// GIVEN a drained bucket refilling at 5 tokens/s with capacity 10
	l, advance := testLimiter(10, 5)
	if !l.Acquire(10) {
		t.Fatal("Acquire(10) on full bucket: want true")
	}

	// WHEN far more time passes than needed to refill
	advance(time.Hour)

	// THEN available tokens are capped at capacity
	if got := l.Available(); got != 10 {
		t.Errorf("Available after long idle: got %f, want 10 (capacity)", got)
	}
}

func TestTokenBucket_LazyRefill(t *testing.T) {
	// GIVEN a drained bucket refilling at 4 tokens/s
	l, advance := testLimiter(8, 4)
	l.Acquire(8)

	// WHEN one second passes
	advance(time.Second)

	// THEN exactly the refilled amount is acquirable
	if !l.Acquire(4) {
		t.Error("Acquire(4) after 1s refill: want true")
	}
	if l.Acquire(1) {
		t.Error("Acquire(1) beyond refill: want false")
	}
}

func TestTokenBucket_AcquireLargerThanAvailable(t *testing.T) {
	// GIVEN a bucket holding 3 tokens
	l, _ := testLimiter(10, 1)
	l.Acquire(7)

	// WHEN 5 tokens are requested
	// THEN the acquire fails atomically — no partial deduction
	if l.Acquire(5) {
		t.Fatal("Acquire(5) with 3 available: want false")
	}
	if !l.Acquire(3) {
		t.Error("Acquire(3): the failed acquire must not have deducted tokens")
	}
}

func TestTokenBucket_WaitTime(t *testing.T) {
	// GIVEN a drained bucket refilling at 2 tokens/s
	l, _ := testLimiter(10, 2)
	l.Acquire(10)

	// WHEN the wait for 4 tokens is queried
	wait := l.WaitTime(4)

	// THEN it reports deficit/rate = 2s without mutating the bucket
	if wait != 2*time.Second {
		t.Errorf("WaitTime(4): got %v, want 2s", wait)
	}
	if got := l.Available(); got != 0 {
		t.Errorf("Available after WaitTime: got %f, want 0 (WaitTime must not mutate)", got)
	}
}

func TestTokenBucket_WaitTimeZeroWhenSatisfiable(t *testing.T) {
	// GIVEN a full bucket
	l, _ := testLimiter(10, 1)

	// THEN the wait for an affordable acquire is zero
	if got := l.WaitTime(10); got != 0 {
		t.Errorf("WaitTime(10) on full bucket: got %v, want 0", got)
	}
}
