package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/journalcraft/journal-crew/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id               TEXT PRIMARY KEY,
    owner_id         TEXT        NOT NULL,
    preferences      JSONB       NOT NULL,
    status           TEXT        NOT NULL,
    current_stage    TEXT        NOT NULL,
    progress_percent INTEGER     NOT NULL DEFAULT 0 CHECK (progress_percent BETWEEN 0 AND 100),
    stage_results    JSONB       NOT NULL DEFAULT '[]'::jsonb,
    error            JSONB,
    created_at       TIMESTAMPTZ NOT NULL,
    started_at       TIMESTAMPTZ,
    completed_at     TIMESTAMPTZ,
    updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_owner_created_idx ON jobs (owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status);
`

const selectColumns = `
	id, owner_id, preferences, status, current_stage, progress_percent,
	stage_results, error, created_at, started_at, completed_at, updated_at
`

// PgStore manages job state in PostgreSQL
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL-backed job store
func NewPgStore(ctx context.Context, connString string) (*PgStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PgStore{pool: pool}, nil
}

// Migrate creates the jobs table and its indexes
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection pool
func (s *PgStore) Close() {
	s.pool.Close()
}

// Create inserts a new job row
func (s *PgStore) Create(ctx context.Context, job *types.JournalJob) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}

	row, err := encodeRow(job)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (id, owner_id, preferences, status, current_stage, progress_percent,
		                  stage_results, error, created_at, started_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = s.pool.Exec(ctx, query,
		job.ID,
		job.OwnerID,
		row.preferences,
		job.Status,
		job.CurrentStage,
		job.ProgressPercent,
		row.stageResults,
		row.jobError,
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("job %s: %w", job.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// Get retrieves a job by ID
func (s *PgStore) Get(ctx context.Context, id string) (*types.JournalJob, error) {
	query := `SELECT ` + selectColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// Mutate locks the row, applies fn and writes the result in one transaction
func (s *PgStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*types.JournalJob, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + selectColumns + ` FROM jobs WHERE id = $1 FOR UPDATE`
	job, err := scanJob(tx.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobTerminal)
	}

	if err := fn(job); err != nil {
		return nil, err
	}

	row, err := encodeRow(job)
	if err != nil {
		return nil, err
	}

	updateQuery := `
		UPDATE jobs
		SET status = $1,
		    current_stage = $2,
		    progress_percent = $3,
		    stage_results = $4,
		    error = $5,
		    started_at = $6,
		    completed_at = $7,
		    updated_at = $8
		WHERE id = $9
	`

	_, err = tx.Exec(ctx, updateQuery,
		job.Status,
		job.CurrentStage,
		job.ProgressPercent,
		row.stageResults,
		row.jobError,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
		job.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return job, nil
}

// List returns the newest jobs of an owner
func (s *PgStore) List(ctx context.Context, ownerID string, limit int) ([]*types.JournalJob, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + selectColumns + ` FROM jobs WHERE owner_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
	return s.queryJobs(ctx, query, ownerID, limit)
}

// ListByStatus returns every job currently in status
func (s *PgStore) ListByStatus(ctx context.Context, status types.JobStatus) ([]*types.JournalJob, error) {
	query := `SELECT ` + selectColumns + ` FROM jobs WHERE status = $1 ORDER BY created_at DESC, id DESC`
	return s.queryJobs(ctx, query, status)
}

func (s *PgStore) queryJobs(ctx context.Context, query string, args ...any) ([]*types.JournalJob, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var out []*types.JournalJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type encodedRow struct {
	preferences  []byte
	stageResults []byte
	jobError     []byte
}

func encodeRow(job *types.JournalJob) (encodedRow, error) {
	var row encodedRow
	var err error

	row.preferences, err = json.Marshal(job.Preferences)
	if err != nil {
		return row, fmt.Errorf("failed to marshal preferences: %w", err)
	}

	results := job.StageResults
	if results == nil {
		results = []types.StageResult{}
	}
	row.stageResults, err = json.Marshal(results)
	if err != nil {
		return row, fmt.Errorf("failed to marshal stage results: %w", err)
	}

	if job.Error != nil {
		row.jobError, err = json.Marshal(job.Error)
		if err != nil {
			return row, fmt.Errorf("failed to marshal job error: %w", err)
		}
	}

	return row, nil
}

func scanJob(row pgx.Row) (*types.JournalJob, error) {
	var job types.JournalJob
	var prefsJSON, resultsJSON, errorJSON []byte

	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&prefsJSON,
		&job.Status,
		&job.CurrentStage,
		&job.ProgressPercent,
		&resultsJSON,
		&errorJSON,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(prefsJSON, &job.Preferences); err != nil {
		return nil, fmt.Errorf("failed to unmarshal preferences: %w", err)
	}

	if resultsJSON != nil {
		if err := json.Unmarshal(resultsJSON, &job.StageResults); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stage results: %w", err)
		}
	}

	if errorJSON != nil {
		job.Error = &types.JobError{}
		if err := json.Unmarshal(errorJSON, job.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job error: %w", err)
		}
	}

	return &job, nil
}
