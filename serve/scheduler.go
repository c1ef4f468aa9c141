// Implements the BatchScheduler: aggregates individually submitted requests
// into dispatchable batches under size, latency, and token-budget constraints,
// and runs the background drain loop that feeds the inference runtime.

package serve

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inference-serve/inference-serve/serve/internal/util"
)

// SchedulerMode selects the batching strategy at construction.
type SchedulerMode string

const (
	// ModeFixedWindow collects requests until the effective batch size is
	// reached or MaxLatency has elapsed since the oldest pending arrival.
	ModeFixedWindow SchedulerMode = "fixed-window"
	// ModeContinuous drains the priority queue whenever work is pending,
	// bounded by the per-batch token budget.
	ModeContinuous SchedulerMode = "continuous"
)

// BatchSchedulerConfig groups batching parameters.
type BatchSchedulerConfig struct {
	Mode           SchedulerMode `yaml:"mode"`             // fixed-window (default) or continuous
	MaxBatchSize   int           `yaml:"max_batch_size"`   // configured batch size cap (default 8)
	MaxLatency     time.Duration `yaml:"max_latency"`      // fixed-window dispatch deadline (default 50ms)
	MaxBatchTokens int           `yaml:"max_batch_tokens"` // continuous-mode token budget per batch (default 2048)
}

func (c BatchSchedulerConfig) withDefaults() BatchSchedulerConfig {
	if c.Mode == "" {
		c.Mode = ModeFixedWindow
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 8
	}
	if c.MaxLatency <= 0 {
		c.MaxLatency = 50 * time.Millisecond
	}
	if c.MaxBatchTokens <= 0 {
		c.MaxBatchTokens = 2048
	}
	return c
}

// Validate rejects unusable configurations.
func (c BatchSchedulerConfig) Validate() error {
	switch c.Mode {
	case "", ModeFixedWindow, ModeContinuous:
	default:
		return fmt.Errorf("unknown scheduler mode %q", c.Mode)
	}
	return nil
}

// Trailing dispatch-latency window driving adaptive sizing in fixed-window
// mode. Below growFraction of the latency budget the effective size grows by
// one (capped at 2× configured); above shrinkFraction it shrinks (floor 1).
const (
	adaptiveWindow = 20
	growFraction   = 0.6
	shrinkFraction = 0.9
)

// BatchScheduler aggregates submitted requests into batches and dispatches
// them to the runtime from a single background drain loop. Submitters block on
// their own handle only; Stop resolves every outstanding handle with
// ErrSchedulerStopped so no caller waits forever.
type BatchScheduler struct {
	cfg     BatchSchedulerConfig
	runtime InferenceRuntime
	metrics *Metrics // optional
	queue   *PendingQueue

	mu                sync.Mutex
	running           bool
	inflight          map[string]*ResultHandle // queued or dispatched, unresolved
	effectiveMax      int                      // adaptive batch size (fixed-window mode)
	dispatchLatencies []time.Duration          // trailing window, at most adaptiveWindow entries

	stopCh chan struct{}
	doneCh chan struct{}
	wakeCh chan struct{}

	nowFn func() time.Time // test seam
}

// NewBatchScheduler creates a stopped scheduler. Call Start before Submit.
func NewBatchScheduler(cfg BatchSchedulerConfig, runtime InferenceRuntime, metrics *Metrics) (*BatchScheduler, error) {
	if runtime == nil {
		return nil, fmt.Errorf("runtime must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &BatchScheduler{
		cfg:          cfg,
		runtime:      runtime,
		metrics:      metrics,
		queue:        NewPendingQueue(),
		inflight:     make(map[string]*ResultHandle),
		effectiveMax: cfg.MaxBatchSize,
		wakeCh:       make(chan struct{}, 1),
		nowFn:        time.Now,
	}, nil
}

// Start launches the background drain loop. Starting a running scheduler is
// an error.
func (s *BatchScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already started")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run()
	logrus.Infof("batch scheduler started (mode=%s, max_batch_size=%d)", s.cfg.Mode, s.cfg.MaxBatchSize)
	return nil
}

// Stop halts the drain loop, waits for any in-flight dispatch to finish, and
// fails every still-pending handle with ErrSchedulerStopped before returning.
// Stopping a stopped scheduler is a no-op.
func (s *BatchScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh

	// Fail queued requests first, then sweep any handle that slipped into the
	// inflight map during the shutdown window. resolve is once-only, so the
	// double visit is harmless.
	for _, req := range s.queue.DrainAll() {
		req.handle.resolve(nil, ErrSchedulerStopped)
	}
	s.mu.Lock()
	for id, h := range s.inflight {
		h.resolve(nil, ErrSchedulerStopped)
		delete(s.inflight, id)
	}
	s.mu.Unlock()
	logrus.Info("batch scheduler stopped")
}

// Submit hands a request to the scheduler and returns its result handle.
// Synchronous errors: ErrSchedulerStopped, ErrDuplicateRequest, and
// validation failures. The scheduler owns req after a successful Submit.
func (s *BatchScheduler) Submit(req *PendingRequest) (*ResultHandle, error) {
	if req == nil || req.ID == "" {
		return nil, fmt.Errorf("submit: request ID must not be empty")
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, ErrSchedulerStopped
	}
	if _, ok := s.inflight[req.ID]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, req.ID)
	}
	h := newResultHandle(req.ID)
	req.handle = h
	req.ArrivalTime = s.nowFn()
	s.inflight[req.ID] = h
	s.mu.Unlock()

	s.queue.Enqueue(req)
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
	return h, nil
}

// Pending returns the number of queued (not yet dispatched) requests.
func (s *BatchScheduler) Pending() int {
	return s.queue.Len()
}

// EffectiveMaxBatchSize returns the current adaptive batch size cap.
// Always equal to the configured maximum in continuous mode.
func (s *BatchScheduler) EffectiveMaxBatchSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveMax
}

// run is the drain loop: wait for new work or the batching deadline, then
// dispatch as many batches as are ready.
func (s *BatchScheduler) run() {
	defer close(s.doneCh)
	timer := time.NewTimer(s.cfg.MaxLatency)
	defer timer.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.wakeCh:
		case <-timer.C:
		}

		for {
			items := s.nextBatch()
			if len(items) == 0 {
				break
			}
			s.dispatch(items)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.nextWake())
	}
}

// nextWake returns how long the drain loop may sleep before it must recheck
// the queue. In fixed-window mode this is the oldest pending request's
// remaining latency budget.
func (s *BatchScheduler) nextWake() time.Duration {
	if s.cfg.Mode == ModeFixedWindow {
		if head := s.queue.Peek(); head != nil {
			remaining := s.cfg.MaxLatency - s.nowFn().Sub(head.ArrivalTime)
			if remaining < time.Millisecond {
				remaining = time.Millisecond
			}
			return remaining
		}
		return s.cfg.MaxLatency
	}
	// Continuous mode drains eagerly on wake; the timer is only a safety net.
	return 50 * time.Millisecond
}

func (s *BatchScheduler) nextBatch() []*PendingRequest {
	if s.cfg.Mode == ModeContinuous {
		return s.nextContinuousBatch()
	}
	return s.nextFixedBatch()
}

// nextFixedBatch returns a full batch, or everything pending once the oldest
// request has aged past MaxLatency, or nil if the window is still filling.
func (s *BatchScheduler) nextFixedBatch() []*PendingRequest {
	n := s.queue.Len()
	if n == 0 {
		return nil
	}
	s.mu.Lock()
	eff := s.effectiveMax
	s.mu.Unlock()

	head := s.queue.Peek()
	if n < eff && head != nil && s.nowFn().Sub(head.ArrivalTime) < s.cfg.MaxLatency {
		return nil
	}
	take := n
	if take > eff {
		take = eff
	}
	items := make([]*PendingRequest, 0, take)
	for len(items) < take {
		req := s.queue.Dequeue()
		if req == nil {
			break
		}
		items = append(items, req)
	}
	return items
}

// nextContinuousBatch pulls items in priority order while the token budget
// holds. An item that would overflow the budget is returned to the queue
// rather than dropped — unless the batch is still empty, in which case a
// single oversized item is admitted alone to avoid starvation.
func (s *BatchScheduler) nextContinuousBatch() []*PendingRequest {
	budget := s.cfg.MaxBatchTokens
	var items []*PendingRequest
	for len(items) < s.cfg.MaxBatchSize {
		req := s.queue.Dequeue()
		if req == nil {
			break
		}
		if len(items) > 0 && req.EstimatedTokens > budget {
			s.queue.Requeue(req)
			break
		}
		items = append(items, req)
		budget -= req.EstimatedTokens
		if budget <= 0 {
			break
		}
	}
	return items
}

// dispatch runs one batch through the runtime and resolves every handle in it.
func (s *BatchScheduler) dispatch(items []*PendingRequest) {
	batch := newBatch(items, s.nowFn())
	logrus.Debugf("dispatching batch %s (%d requests, %d tokens)", batch.ID, batch.Size(), batch.TotalTokens())

	start := s.nowFn()
	results, err := s.runtime.Infer(context.Background(), batch)
	elapsed := s.nowFn().Sub(start)

	if s.cfg.Mode == ModeFixedWindow {
		s.recordDispatchLatency(elapsed)
	}
	if s.metrics != nil {
		s.metrics.BatchesDispatched.Inc()
		s.metrics.BatchSize.Observe(float64(len(items)))
	}

	if err != nil {
		logrus.Warnf("batch %s: runtime dispatch failed: %v", batch.ID, err)
		derr := &DispatchError{BatchID: batch.ID, Transient: isTransient(err), Err: err}
		for _, req := range items {
			s.finish(req, nil, derr)
		}
		return
	}

	// Match results back by request ID — runtime result order is not
	// guaranteed to follow submission order.
	byID := make(map[string]RequestResult, len(results))
	for _, r := range results {
		byID[r.RequestID] = r
	}
	for _, req := range items {
		r, ok := byID[req.ID]
		if !ok {
			s.finish(req, nil, fmt.Errorf("%w: %s (batch %s)", ErrResultMissing, req.ID, batch.ID))
			continue
		}
		s.finish(req, r.Output, r.Err)
	}
}

func (s *BatchScheduler) finish(req *PendingRequest, output any, err error) {
	req.handle.resolve(output, err)
	s.mu.Lock()
	delete(s.inflight, req.ID)
	s.mu.Unlock()
}

// recordDispatchLatency feeds the adaptive size controller: the mean of the
// trailing dispatch latencies against the latency budget decides whether the
// effective batch size grows or shrinks.
func (s *BatchScheduler) recordDispatchLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatchLatencies = append(s.dispatchLatencies, d)
	if len(s.dispatchLatencies) > adaptiveWindow {
		s.dispatchLatencies = s.dispatchLatencies[len(s.dispatchLatencies)-adaptiveWindow:]
	}
	mean := util.MeanDuration(s.dispatchLatencies)
	budget := s.cfg.MaxLatency
	switch {
	case mean < time.Duration(growFraction*float64(budget)) && s.effectiveMax < 2*s.cfg.MaxBatchSize:
		s.effectiveMax++
	case mean > time.Duration(shrinkFraction*float64(budget)) && s.effectiveMax > 1:
		s.effectiveMax--
		logrus.Debugf("adaptive batching: shrinking effective max to %d (mean dispatch %v)", s.effectiveMax, mean)
	}
}
