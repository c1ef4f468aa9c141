package serve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingRuntime captures dispatched batches and echoes payloads.
type recordingRuntime struct {
	mu      sync.Mutex
	batches []*Batch
	err     error           // non-nil fails every batch wholesale
	skipIDs map[string]bool // IDs to omit from results
}

func (r *recordingRuntime) Infer(_ context.Context, batch *Batch) ([]RequestResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
	if r.err != nil {
		return nil, r.err
	}
	results := make([]RequestResult, 0, batch.Size())
	for _, req := range batch.Requests {
		if r.skipIDs[req.ID] {
			continue
		}
		results = append(results, RequestResult{RequestID: req.ID, Output: req.Payload})
	}
	return results, nil
}

func (r *recordingRuntime) batchSizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sizes := make([]int, len(r.batches))
	for i, b := range r.batches {
		sizes[i] = b.Size()
	}
	return sizes
}

type flakyError struct{ msg string }

func (e *flakyError) Error() string   { return e.msg }
func (e *flakyError) Transient() bool { return true }

func waitAll(t *testing.T, handles []*ResultHandle) []error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs := make([]error, len(handles))
	for i, h := range handles {
		_, errs[i] = h.Wait(ctx)
		if errors.Is(errs[i], context.DeadlineExceeded) {
			t.Fatalf("handle %s never resolved", h.RequestID())
		}
	}
	return errs
}

func TestBatchScheduler_FixedWindow_SingleBatchBelowMax(t *testing.T) {
	// GIVEN a fixed-window scheduler with room for 8 requests per batch
	rt := &recordingRuntime{}
	s, err := NewBatchScheduler(BatchSchedulerConfig{
		Mode:         ModeFixedWindow,
		MaxBatchSize: 8,
		MaxLatency:   30 * time.Millisecond,
	}, rt, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop()

	// WHEN 3 requests arrive within the latency budget
	handles := make([]*ResultHandle, 3)
	for i := range handles {
		h, err := s.Submit(&PendingRequest{ID: fmt.Sprintf("req-%d", i), Payload: i})
		require.NoError(t, err)
		handles[i] = h
	}

	// THEN exactly one batch of size 3 is dispatched and all handles resolve
	for _, err := range waitAll(t, handles) {
		assert.NoError(t, err)
	}
	assert.Equal(t, []int{3}, rt.batchSizes())
}

func TestBatchScheduler_FixedWindow_BurstYieldsMultipleBatches(t *testing.T) {
	// GIVEN a fixed-window scheduler with max batch size 2
	rt := &recordingRuntime{}
	s, err := NewBatchScheduler(BatchSchedulerConfig{
		Mode:         ModeFixedWindow,
		MaxBatchSize: 2,
		MaxLatency:   20 * time.Millisecond,
	}, rt, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop()

	// WHEN 5 requests arrive in a burst
	handles := make([]*ResultHandle, 5)
	for i := range handles {
		h, err := s.Submit(&PendingRequest{ID: fmt.Sprintf("req-%d", i)})
		require.NoError(t, err)
		handles[i] = h
	}

	// THEN every request resolves across more than one batch
	for _, err := range waitAll(t, handles) {
		assert.NoError(t, err)
	}
	sizes := rt.batchSizes()
	assert.GreaterOrEqual(t, len(sizes), 2, "burst should split into multiple batches")
	total := 0
	for _, n := range sizes {
		total += n
	}
	assert.Equal(t, 5, total)
}

func TestBatchScheduler_Stop_FailsAllPending(t *testing.T) {
	// GIVEN a scheduler whose window is far from dispatching
	rt := &recordingRuntime{}
	s, err := NewBatchScheduler(BatchSchedulerConfig{
		Mode:         ModeFixedWindow,
		MaxBatchSize: 100,
		MaxLatency:   time.Hour,
	}, rt, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	handles := make([]*ResultHandle, 4)
	for i := range handles {
		h, err := s.Submit(&PendingRequest{ID: fmt.Sprintf("req-%d", i)})
		require.NoError(t, err)
		handles[i] = h
	}

	// WHEN the scheduler is stopped with requests pending
	s.Stop()

	// THEN every handle resolves with the stopped error — none hang
	for _, err := range waitAll(t, handles) {
		assert.ErrorIs(t, err, ErrSchedulerStopped)
	}

	// AND further submits fail synchronously
	_, err = s.Submit(&PendingRequest{ID: "late"})
	assert.ErrorIs(t, err, ErrSchedulerStopped)
}

func TestBatchScheduler_DuplicateID_RejectedAtSubmit(t *testing.T) {
	// GIVEN an in-flight request ID
	rt := &recordingRuntime{}
	s, err := NewBatchScheduler(BatchSchedulerConfig{
		Mode:         ModeFixedWindow,
		MaxBatchSize: 100,
		MaxLatency:   time.Hour,
	}, rt, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop()
	_, err = s.Submit(&PendingRequest{ID: "dup"})
	require.NoError(t, err)

	// WHEN the same ID is submitted again
	_, err = s.Submit(&PendingRequest{ID: "dup"})

	// THEN the submit fails synchronously
	assert.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestBatchScheduler_ContinuousBatch_TokenBudget(t *testing.T) {
	// GIVEN a continuous scheduler with a 100-token budget and queued
	// requests of 60 and 50 tokens
	rt := &recordingRuntime{}
	s, err := NewBatchScheduler(BatchSchedulerConfig{
		Mode:           ModeContinuous,
		MaxBatchSize:   10,
		MaxBatchTokens: 100,
	}, rt, nil)
	require.NoError(t, err)
	s.queue.Enqueue(&PendingRequest{ID: "a", EstimatedTokens: 60, handle: newResultHandle("a")})
	s.queue.Enqueue(&PendingRequest{ID: "b", EstimatedTokens: 50, handle: newResultHandle("b")})

	// WHEN batches are formed
	first := s.nextContinuousBatch()
	second := s.nextContinuousBatch()

	// THEN the overflowing request is deferred to the next batch, not dropped
	require.Len(t, first, 1)
	assert.Equal(t, "a", first[0].ID)
	require.Len(t, second, 1)
	assert.Equal(t, "b", second[0].ID)
}

func TestBatchScheduler_ContinuousBatch_OversizedAdmittedAlone(t *testing.T) {
	// GIVEN a continuous scheduler whose head request alone exceeds the budget
	rt := &recordingRuntime{}
	s, err := NewBatchScheduler(BatchSchedulerConfig{
		Mode:           ModeContinuous,
		MaxBatchSize:   10,
		MaxBatchTokens: 100,
	}, rt, nil)
	require.NoError(t, err)
	s.queue.Enqueue(&PendingRequest{ID: "huge", EstimatedTokens: 500, handle: newResultHandle("huge")})
	s.queue.Enqueue(&PendingRequest{ID: "small", EstimatedTokens: 10, handle: newResultHandle("small")})

	// WHEN a batch is formed
	batch := s.nextContinuousBatch()

	// THEN the oversized request is admitted alone rather than starved
	require.Len(t, batch, 1)
	assert.Equal(t, "huge", batch[0].ID)
}

func TestBatchScheduler_ContinuousBatch_PriorityOrder(t *testing.T) {
	// GIVEN queued requests with priorities 5 and 1
	rt := &recordingRuntime{}
	s, err := NewBatchScheduler(BatchSchedulerConfig{
		Mode:           ModeContinuous,
		MaxBatchSize:   10,
		MaxBatchTokens: 1000,
	}, rt, nil)
	require.NoError(t, err)
	s.queue.Enqueue(&PendingRequest{ID: "later", Priority: 5, EstimatedTokens: 10, handle: newResultHandle("later")})
	s.queue.Enqueue(&PendingRequest{ID: "urgent", Priority: 1, EstimatedTokens: 10, handle: newResultHandle("urgent")})

	// WHEN a batch is formed
	batch := s.nextContinuousBatch()

	// THEN the lower priority value drains first
	require.Len(t, batch, 2)
	assert.Equal(t, "urgent", batch[0].ID)
	assert.Equal(t, "later", batch[1].ID)
}

func TestBatchScheduler_Dispatch_WholeBatchFailure(t *testing.T) {
	// GIVEN a runtime that fails wholesale with a transient error
	rt := &recordingRuntime{err: &flakyError{msg: "backend unavailable"}}
	s, err := NewBatchScheduler(BatchSchedulerConfig{Mode: ModeContinuous}, rt, nil)
	require.NoError(t, err)
	a := &PendingRequest{ID: "a", handle: newResultHandle("a")}
	b := &PendingRequest{ID: "b", handle: newResultHandle("b")}
	s.inflight["a"], s.inflight["b"] = a.handle, b.handle

	// WHEN the batch is dispatched
	s.dispatch([]*PendingRequest{a, b})

	// THEN both handles fail with the same retryable dispatch error
	ctx := context.Background()
	_, errA := a.handle.Wait(ctx)
	_, errB := b.handle.Wait(ctx)
	var de *DispatchError
	require.ErrorAs(t, errA, &de)
	assert.True(t, de.Transient)
	assert.True(t, Retryable(errA))
	require.ErrorAs(t, errB, &de)
}

func TestBatchScheduler_Dispatch_MissingResultFailsOnlyThatRequest(t *testing.T) {
	// GIVEN a runtime that omits one request from its results
	rt := &recordingRuntime{skipIDs: map[string]bool{"lost": true}}
	s, err := NewBatchScheduler(BatchSchedulerConfig{Mode: ModeContinuous}, rt, nil)
	require.NoError(t, err)
	ok := &PendingRequest{ID: "ok", Payload: "fine", handle: newResultHandle("ok")}
	lost := &PendingRequest{ID: "lost", handle: newResultHandle("lost")}
	s.inflight["ok"], s.inflight["lost"] = ok.handle, lost.handle

	// WHEN the batch is dispatched
	s.dispatch([]*PendingRequest{ok, lost})

	// THEN the sibling succeeds while the missing ID fails individually
	ctx := context.Background()
	out, errOK := ok.handle.Wait(ctx)
	assert.NoError(t, errOK)
	assert.Equal(t, "fine", out)
	_, errLost := lost.handle.Wait(ctx)
	assert.ErrorIs(t, errLost, ErrResultMissing)
}

func TestBatchScheduler_AdaptiveSizing(t *testing.T) {
	// GIVEN a fixed-window scheduler with a 100ms latency budget
	rt := &recordingRuntime{}
	s, err := NewBatchScheduler(BatchSchedulerConfig{
		Mode:         ModeFixedWindow,
		MaxBatchSize: 4,
		MaxLatency:   100 * time.Millisecond,
	}, rt, nil)
	require.NoError(t, err)

	// WHEN dispatch latencies stay well below 60% of the budget
	for i := 0; i < 6; i++ {
		s.recordDispatchLatency(10 * time.Millisecond)
	}

	// THEN the effective size grows, capped at twice the configured max
	assert.Greater(t, s.EffectiveMaxBatchSize(), 4)
	for i := 0; i < 50; i++ {
		s.recordDispatchLatency(10 * time.Millisecond)
	}
	assert.Equal(t, 8, s.EffectiveMaxBatchSize())

	// WHEN latencies exceed 90% of the budget
	for i := 0; i < 50; i++ {
		s.recordDispatchLatency(99 * time.Millisecond)
	}

	// THEN the effective size shrinks back down to the floor of 1
	assert.Equal(t, 1, s.EffectiveMaxBatchSize())
}

func TestBatchScheduler_ConcurrentSubmitters(t *testing.T) {
	// GIVEN many goroutines submitting concurrently
	rt := &recordingRuntime{}
	s, err := NewBatchScheduler(BatchSchedulerConfig{
		Mode:         ModeFixedWindow,
		MaxBatchSize: 16,
		MaxLatency:   10 * time.Millisecond,
	}, rt, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop()

	const n = 64
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := s.Submit(&PendingRequest{ID: fmt.Sprintf("req-%d", i)})
			if err != nil {
				errCh <- err
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err = h.Wait(ctx)
			errCh <- err
		}(i)
	}
	wg.Wait()
	close(errCh)

	// THEN every submitter gets a result
	for err := range errCh {
		assert.NoError(t, err)
	}
}
