package serve

import (
	"time"

	"github.com/google/uuid"
)

// Batch is an ordered, finite collection of pending requests plus a generated
// identifier. Immutable once formed; consumed exactly once by the runtime call.
type Batch struct {
	ID        string
	Requests  []*PendingRequest
	CreatedAt time.Time
}

func newBatch(requests []*PendingRequest, now time.Time) *Batch {
	return &Batch{
		ID:        uuid.NewString(),
		Requests:  requests,
		CreatedAt: now,
	}
}

// Size returns the number of requests in the batch.
func (b *Batch) Size() int {
	return len(b.Requests)
}

// TotalTokens returns the summed estimated token cost across the batch.
func (b *Batch) TotalTokens() int {
	total := 0
	for _, r := range b.Requests {
		total += r.EstimatedTokens
	}
	return total
}
