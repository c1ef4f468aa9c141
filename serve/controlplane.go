// ServingControlPlane is the facade that gates and dispatches one inference
// call: circuit breaker → rate limiter → batch scheduler → runtime.

package serve

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// ServingControlPlane composes the admission gates with the BatchScheduler.
// Admission errors are reported immediately without touching the queue;
// dispatch outcomes feed back into the breaker.
type ServingControlPlane struct {
	breaker   *CircuitBreaker
	limiter   *TokenBucketRateLimiter
	scheduler *BatchScheduler
	metrics   *Metrics // optional
}

// NewServingControlPlane wires the gates and scheduler. metrics may be nil.
func NewServingControlPlane(cfg ControlPlaneConfig, runtime InferenceRuntime, metrics *Metrics) (*ServingControlPlane, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scheduler, err := NewBatchScheduler(cfg.Scheduler, runtime, metrics)
	if err != nil {
		return nil, err
	}
	return &ServingControlPlane{
		breaker:   NewCircuitBreaker(cfg.Breaker),
		limiter:   NewTokenBucketRateLimiter(cfg.Limiter),
		scheduler: scheduler,
		metrics:   metrics,
	}, nil
}

// Start launches the scheduler's drain loop.
func (cp *ServingControlPlane) Start() error {
	return cp.scheduler.Start()
}

// Stop halts the drain loop and fails every pending request.
func (cp *ServingControlPlane) Stop() {
	cp.scheduler.Stop()
}

// Breaker exposes the facade's circuit breaker for external health feeds.
func (cp *ServingControlPlane) Breaker() *CircuitBreaker { return cp.breaker }

// Limiter exposes the facade's rate limiter, e.g. for WaitTime hints.
func (cp *ServingControlPlane) Limiter() *TokenBucketRateLimiter { return cp.limiter }

// Scheduler exposes the underlying batch scheduler.
func (cp *ServingControlPlane) Scheduler() *BatchScheduler { return cp.scheduler }

// Submit runs the admission gates and enqueues the request without waiting
// for its result. Rejections carry the gate that refused them.
func (cp *ServingControlPlane) Submit(req *PendingRequest) (*ResultHandle, error) {
	if !cp.breaker.Allow() {
		cp.countRejection(GateCircuitBreaker)
		return nil, &AdmissionError{Gate: GateCircuitBreaker, RequestID: req.ID, Err: ErrCircuitOpen}
	}
	if !cp.limiter.Acquire(tokenCost(req)) {
		cp.countRejection(GateRateLimiter)
		return nil, &AdmissionError{Gate: GateRateLimiter, RequestID: req.ID, Err: ErrRateLimited}
	}
	return cp.scheduler.Submit(req)
}

// Infer gates, enqueues, and waits for one request. The caller-visible
// timeout is whatever deadline ctx carries; the scheduler itself enforces no
// per-request timeout beyond the batch-formation deadline.
func (cp *ServingControlPlane) Infer(ctx context.Context, req *PendingRequest) (any, error) {
	handle, err := cp.Submit(req)
	if err != nil {
		return nil, err
	}
	output, err := handle.Wait(ctx)
	cp.recordOutcome(err)
	return output, err
}

// recordOutcome feeds dispatch results into the breaker. Context expiry is
// the caller abandoning the wait, not a runtime failure, so it counts neither
// way; admission errors never reach here.
func (cp *ServingControlPlane) recordOutcome(err error) {
	switch {
	case err == nil:
		cp.breaker.RecordSuccess()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	case errors.Is(err, ErrSchedulerStopped):
	default:
		cp.breaker.RecordFailure()
		if cp.metrics != nil {
			cp.metrics.RequestFailures.Inc()
		}
		logrus.Debugf("control plane: request failed: %v", err)
	}
	cp.metrics.ObserveBreakerState(cp.breaker.State())
}

func (cp *ServingControlPlane) countRejection(gate string) {
	if cp.metrics != nil {
		cp.metrics.AdmissionRejections.WithLabelValues(gate).Inc()
	}
}

// tokenCost charges the limiter by estimated work, with a floor of one token
// so zero-cost requests still consume admission capacity.
func tokenCost(req *PendingRequest) float64 {
	if req == nil || req.EstimatedTokens <= 0 {
		return 1
	}
	return float64(req.EstimatedTokens)
}
