// Defines PendingRequest, the unit of work flowing through the BatchScheduler,
// and ResultHandle, the caller's one-shot view of the outcome.

package serve

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PendingRequest models a single inference request awaiting dispatch.
// The caller fills ID, Payload, Priority, and EstimatedTokens; the scheduler
// owns the request from Submit until its handle is resolved and sets the
// remaining fields. Lower Priority means more urgent.
type PendingRequest struct {
	ID              string // Unique identifier, required
	Payload         any    // Opaque input handed to the runtime
	Priority        int    // Lower = more urgent; only read in continuous mode
	EstimatedTokens int    // Estimated work cost counted against the batch token budget

	ArrivalTime time.Time // Set by the scheduler at submit

	// seq is the arrival sequence number, assigned under the queue lock so
	// that equal-priority ordering is total even with concurrent submitters.
	seq    uint64
	index  int // heap bookkeeping for PendingQueue
	handle *ResultHandle
}

func (r *PendingRequest) String() string {
	return fmt.Sprintf("PendingRequest(ID: %s, Priority: %d, EstimatedTokens: %d)", r.ID, r.Priority, r.EstimatedTokens)
}

// RequestResult is one element of the runtime's per-batch response.
// Results are matched back to requests by RequestID, never by position.
type RequestResult struct {
	RequestID string
	Output    any
	Err       error
}

// ResultHandle is resolved exactly once with a result, an error, or
// ErrSchedulerStopped. Submitters block on their own handle only.
type ResultHandle struct {
	requestID string
	done      chan struct{}
	once      sync.Once
	output    any
	err       error
}

func newResultHandle(requestID string) *ResultHandle {
	return &ResultHandle{
		requestID: requestID,
		done:      make(chan struct{}),
	}
}

// RequestID returns the ID of the request this handle tracks.
func (h *ResultHandle) RequestID() string { return h.requestID }

// Done returns a channel closed when the handle has been resolved.
func (h *ResultHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the handle is resolved or ctx expires. A ctx error does
// not cancel the underlying request; it only abandons the wait.
func (h *ResultHandle) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.output, h.err
	}
}

// resolve records the outcome. Safe to call more than once; only the first
// call wins, which lets shutdown sweep handles without racing the drain loop.
func (h *ResultHandle) resolve(output any, err error) {
	h.once.Do(func() {
		h.output = output
		h.err = err
		close(h.done)
	})
}
