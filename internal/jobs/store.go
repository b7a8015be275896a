package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/journalcraft/journal-crew/pkg/types"
)

// MemoryStore manages job state in memory
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*types.JournalJob
}

// NewMemoryStore creates a new in-memory job store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*types.JournalJob),
	}
}

// Create stores a copy of job
func (s *MemoryStore) Create(_ context.Context, job *types.JournalJob) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, ErrAlreadyExists)
	}

	s.jobs[job.ID] = job.Clone()
	return nil
}

// Get returns a copy of the job so callers never share state with writers
func (s *MemoryStore) Get(_ context.Context, id string) (*types.JournalJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}

	return job.Clone(), nil
}

// Mutate edits a copy of the stored job and swaps it in when fn succeeds
func (s *MemoryStore) Mutate(_ context.Context, id string, fn MutateFunc) (*types.JournalJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.jobs[id]
	if !exists {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if current.Status.IsTerminal() {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobTerminal)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}

	s.jobs[id] = next
	return next.Clone(), nil
}

// List returns the newest jobs of an owner
func (s *MemoryStore) List(_ context.Context, ownerID string, limit int) ([]*types.JournalJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.JournalJob
	for _, job := range s.jobs {
		if job.OwnerID == ownerID {
			out = append(out, job.Clone())
		}
	}

	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListByStatus returns every job currently in status
func (s *MemoryStore) ListByStatus(_ context.Context, status types.JobStatus) ([]*types.JournalJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.JournalJob
	for _, job := range s.jobs {
		if job.Status == status {
			out = append(out, job.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() {}

func sortNewestFirst(list []*types.JournalJob) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}
