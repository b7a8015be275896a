package jobs

import (
	"context"
	"errors"

	"github.com/journalcraft/journal-crew/pkg/types"
)

var (
	// ErrNotFound is returned when a job id is unknown
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyExists is returned by Create for a duplicate id
	ErrAlreadyExists = errors.New("job already exists")

	// ErrJobTerminal is returned by Mutate once a job is completed or failed
	ErrJobTerminal = errors.New("job is in a terminal state")
)

// MutateFunc edits a private copy of a job. Returning an error discards the edit.
type MutateFunc func(job *types.JournalJob) error

// Store defines the interface for journal job storage
type Store interface {
	// Create persists a new job
	Create(ctx context.Context, job *types.JournalJob) error

	// Get returns a snapshot of a job
	Get(ctx context.Context, id string) (*types.JournalJob, error)

	// Mutate applies fn atomically and returns the resulting snapshot
	Mutate(ctx context.Context, id string, fn MutateFunc) (*types.JournalJob, error)

	// List returns the most recent jobs of an owner, newest first
	List(ctx context.Context, ownerID string, limit int) ([]*types.JournalJob, error)

	// ListByStatus returns every job in the given status
	ListByStatus(ctx context.Context, status types.JobStatus) ([]*types.JournalJob, error)

	// Close releases store resources
	Close()
}
