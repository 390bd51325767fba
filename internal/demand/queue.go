package demand

import (
	"context"
	"sync"

	"edition-publisher/internal/models"
)

// Queue is a per-edition FIFO of demand work. DrainAll must remove and return
// everything queued for the edition in one atomic step.
type Queue interface {
	Push(ctx context.Context, work models.DemandWork) error
	DrainAll(ctx context.Context, editionID int64) ([]models.DemandWork, error)
	Depth(ctx context.Context, editionID int64) (int64, error)
}

// MemoryQueue keeps demand work in process.
type MemoryQueue struct {
	mu       sync.Mutex
	editions map[int64][]models.DemandWork
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{editions: make(map[int64][]models.DemandWork)}
}

func (q *MemoryQueue) Push(_ context.Context, work models.DemandWork) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.editions[work.EditionID] = append(q.editions[work.EditionID], work)
	return nil
}

func (q *MemoryQueue) DrainAll(_ context.Context, editionID int64) ([]models.DemandWork, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	work := q.editions[editionID]
	delete(q.editions, editionID)
	return work, nil
}

func (q *MemoryQueue) Depth(_ context.Context, editionID int64) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.editions[editionID])), nil
}
