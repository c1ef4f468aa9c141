package serve

import (
	"sync"
	"time"
)

// SlidingWindow maintains time-bucketed counters over a trailing horizon.
// Observations land in the current bucket; stale buckets are reclaimed lazily
// on every access, so no background timer is needed.
//
// All methods are safe for concurrent use; the window owns a single mutex.
type SlidingWindow struct {
	mu          sync.Mutex
	horizon     time.Duration
	bucketWidth time.Duration
	buckets     []windowBucket

	nowFn func() time.Time // test seam
}

type windowBucket struct {
	epoch  int64 // bucket index since the Unix epoch; -1 = unused
	count  int64
	sum    float64
	errors int64
}

// NewSlidingWindow creates a window covering horizon with the given number of
// buckets. Panics on non-positive arguments (programmer error).
func NewSlidingWindow(horizon time.Duration, buckets int) *SlidingWindow {
	if horizon <= 0 || buckets <= 0 {
		panic("NewSlidingWindow: horizon and buckets must be positive")
	}
	w := &SlidingWindow{
		horizon:     horizon,
		bucketWidth: horizon / time.Duration(buckets),
		buckets:     make([]windowBucket, buckets),
		nowFn:       time.Now,
	}
	for i := range w.buckets {
		w.buckets[i].epoch = -1
	}
	return w
}

// Observe records one observation with its value and error flag.
func (w *SlidingWindow) Observe(value float64, isError bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b := w.bucketFor(w.epochNow())
	b.count++
	b.sum += value
	if isError {
		b.errors++
	}
}

// Count returns the number of observations inside the horizon.
func (w *SlidingWindow) Count() int64 {
	count, _, _ := w.aggregate()
	return count
}

// Sum returns the summed observation values inside the horizon.
func (w *SlidingWindow) Sum() float64 {
	_, sum, _ := w.aggregate()
	return sum
}

// Mean returns the mean observation value, or 0 with no observations.
func (w *SlidingWindow) Mean() float64 {
	count, sum, _ := w.aggregate()
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// ErrorRate returns errors/observations in [0,1], or 0 with no observations.
func (w *SlidingWindow) ErrorRate() float64 {
	count, _, errs := w.aggregate()
	if count == 0 {
		return 0
	}
	return float64(errs) / float64(count)
}

// Rate returns observations per second over the horizon.
func (w *SlidingWindow) Rate() float64 {
	count, _, _ := w.aggregate()
	return float64(count) / w.horizon.Seconds()
}

func (w *SlidingWindow) epochNow() int64 {
	return w.nowFn().UnixNano() / int64(w.bucketWidth)
}

// bucketFor returns the bucket for epoch, reclaiming the slot if it holds a
// stale epoch. Caller must hold w.mu.
func (w *SlidingWindow) bucketFor(epoch int64) *windowBucket {
	b := &w.buckets[epoch%int64(len(w.buckets))]
	if b.epoch != epoch {
		*b = windowBucket{epoch: epoch}
	}
	return b
}

// aggregate sums all buckets still inside the horizon.
func (w *SlidingWindow) aggregate() (count int64, sum float64, errs int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	current := w.epochNow()
	oldest := current - int64(len(w.buckets)) + 1
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.epoch < oldest || b.epoch > current {
			continue
		}
		count += b.count
		sum += b.sum
		errs += b.errors
	}
	return count, sum, errs
}
