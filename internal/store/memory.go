package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"edition-publisher/internal/models"
)

// Memory is an in-process publish log and edition catalog for development and tests.
type Memory struct {
	nextID  atomic.Int64
	nextRef atomic.Int64

	mu        sync.RWMutex
	statuses  map[int64][]models.ItemStatus
	summaries map[int64]models.JobStatus
	editions  map[int64]models.Edition
	// FailAfter, when positive, caps how many records a single SaveStatuses call writes.
	FailAfter int
}

func NewMemory() *Memory {
	return &Memory{
		statuses:  make(map[int64][]models.ItemStatus),
		summaries: make(map[int64]models.JobStatus),
		editions:  make(map[int64]models.Edition),
	}
}

func (m *Memory) NextJobID(context.Context) (int64, error) {
	return m.nextID.Add(1), nil
}

func (m *Memory) NextReferenceIDs(_ context.Context, n int) ([]int64, error) {
	if n <= 0 {
		return nil, nil
	}
	last := m.nextRef.Add(int64(n))
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = last - int64(n) + int64(i) + 1
	}
	return ids, nil
}

func (m *Memory) SaveStatuses(_ context.Context, batch []models.ItemStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	written := 0
	for _, st := range batch {
		if m.FailAfter > 0 && written >= m.FailAfter {
			return written, fmt.Errorf("wrote %d of %d statuses", written, len(batch))
		}
		m.statuses[st.JobID] = append(m.statuses[st.JobID], st.Clone())
		written++
	}
	return written, nil
}

func (m *Memory) ListStatuses(_ context.Context, jobID int64) ([]models.ItemStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ItemStatus, 0, len(m.statuses[jobID]))
	for _, st := range m.statuses[jobID] {
		out = append(out, st.Clone())
	}
	return out, nil
}

func (m *Memory) SaveJobSummary(_ context.Context, st models.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.Messages = append([]string(nil), st.Messages...)
	m.summaries[st.JobID] = st
	return nil
}

func (m *Memory) JobSummary(_ context.Context, jobID int64) (models.JobStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.summaries[jobID]
	if !ok {
		return models.JobStatus{}, fmt.Errorf("job %d: %w", jobID, ErrNotFound)
	}
	return st, nil
}

func (m *Memory) Edition(_ context.Context, id int64) (models.Edition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ed, ok := m.editions[id]
	if !ok {
		return models.Edition{}, fmt.Errorf("edition %d: %w", id, ErrNotFound)
	}
	return ed, nil
}

func (m *Memory) PutEdition(_ context.Context, ed models.Edition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.editions[ed.ID] = ed
	return nil
}
