// Implements the PendingQueue, which holds all requests waiting to be
// dispatched. Requests are enqueued at submit time.

package serve

import (
	"container/heap"
	"sync"
)

// PendingQueue is a priority queue of requests waiting to be batched.
// Ordering: Priority ascending (lower = more urgent), then arrival sequence
// ascending for ties. The sequence number is assigned under the queue lock at
// enqueue time, so equal-priority ordering stays total and stable regardless
// of how concurrent submitters interleave.
//
// The drain loop is the only consumer; submitters only enqueue.
type PendingQueue struct {
	mu      sync.Mutex
	items   pendingHeap
	nextSeq uint64
}

// NewPendingQueue creates an empty queue.
func NewPendingQueue() *PendingQueue {
	q := &PendingQueue{}
	heap.Init(&q.items)
	return q
}

// Enqueue adds a request and assigns its arrival sequence number.
func (q *PendingQueue) Enqueue(req *PendingRequest) {
	if req == nil {
		panic("Enqueue: req must not be nil")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	req.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.items, req)
}

// Requeue returns a previously dequeued request without assigning a new
// sequence number, preserving its original position among equals. Used when a
// request would overflow the batch token budget.
func (q *PendingQueue) Requeue(req *PendingRequest) {
	if req == nil {
		panic("Requeue: req must not be nil")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.items, req)
}

// Dequeue removes and returns the most urgent request, or nil if empty.
func (q *PendingQueue) Dequeue() *PendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*PendingRequest)
}

// Peek returns the most urgent request without removing it, or nil if empty.
func (q *PendingQueue) Peek() *PendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Len returns the number of queued requests.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DrainAll removes and returns every queued request in dispatch order.
// Used at shutdown so each handle can be failed rather than left unresolved.
func (q *PendingQueue) DrainAll() []*PendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]*PendingRequest, 0, len(q.items))
	for len(q.items) > 0 {
		drained = append(drained, heap.Pop(&q.items).(*PendingRequest))
	}
	return drained
}

// pendingHeap implements heap.Interface with deterministic ordering:
// priority → arrival sequence.
type pendingHeap []*PendingRequest

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x any) {
	req := x.(*PendingRequest)
	req.index = len(*h)
	*h = append(*h, req)
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	req.index = -1
	*h = old[:n-1]
	return req
}
