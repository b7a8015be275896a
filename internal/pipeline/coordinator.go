package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/journalcraft/journal-crew/internal/jobs"
	"github.com/journalcraft/journal-crew/internal/metrics"
	"github.com/journalcraft/journal-crew/internal/progress"
	"github.com/journalcraft/journal-crew/pkg/types"
)

const (
	cancelledMessage    = "cancelled by user"
	restartMessage      = "interrupted by service restart"
	shutdownMessage     = "interrupted by service shutdown"
	notifyTimeout       = 5 * time.Second
	defaultListLimit    = 50
	stageOutcomeOK      = "success"
	stageOutcomeError   = "error"
	stageOutcomeTimeout = "timeout"
	stageOutcomeLate    = "discarded"
)

// Notifier receives every progress event after the broadcaster. Failures are
// logged and never affect the job.
type Notifier interface {
	Notify(ctx context.Context, event types.ProgressEvent) error
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithNotifier adds an event sink such as the message queue relay
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) {
		if n != nil {
			c.notifiers = append(c.notifiers, n)
		}
	}
}

// WithMetrics records job and stage metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// jobRun serializes the commit-and-publish steps of one job. Every state
// change is written to the store and published while holding mu, so events
// reach subscribers in commit order even when Cancel races a stage.
type jobRun struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	refs   int
}

// Coordinator drives journal jobs through the stage pipeline
type Coordinator struct {
	store       jobs.Store
	broadcaster *progress.Broadcaster
	stages      []Stage
	notifiers   []Notifier
	metrics     *metrics.Metrics
	now         func() time.Time

	mu   sync.Mutex
	runs map[string]*jobRun

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewCoordinator validates stages and returns a coordinator writing to store
// and publishing to broadcaster.
func NewCoordinator(store jobs.Store, broadcaster *progress.Broadcaster, stages []Stage, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("job store is required")
	}
	if broadcaster == nil {
		return nil, errors.New("broadcaster is required")
	}
	if err := ValidateStages(stages); err != nil {
		return nil, err
	}

	baseCtx, stop := context.WithCancel(context.Background())
	c := &Coordinator{
		store:       store,
		broadcaster: broadcaster,
		stages:      append([]Stage(nil), stages...),
		now:         time.Now,
		runs:        make(map[string]*jobRun),
		baseCtx:     baseCtx,
		stop:        stop,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// StageNames returns the pipeline order
func (c *Coordinator) StageNames() []string {
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.Name
	}
	return names
}

// Submit validates preferences and creates a queued job. Nothing is persisted
// when validation fails.
func (c *Coordinator) Submit(ctx context.Context, ownerID string, prefs types.Preferences) (*types.JournalJob, error) {
	if ownerID == "" {
		return nil, &ValidationError{Field: "owner_id", Message: "is required"}
	}
	prefs, err := NormalizePreferences(prefs)
	if err != nil {
		return nil, err
	}

	now := c.now()
	job := &types.JournalJob{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Preferences:  prefs,
		Status:       types.JobStatusQueued,
		CurrentStage: types.StageNone,
		StageResults: []types.StageResult{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := c.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if c.metrics != nil {
		c.metrics.RecordJob(string(types.JobStatusQueued))
	}
	slog.Info("Job submitted", "job", job.ID, "owner", ownerID, "theme", prefs.Theme, "depth", prefs.ResearchDepth)

	c.publish(ctx, job.Event())
	return job.Clone(), nil
}

// Start moves a queued job to running and executes its stages in a background
// goroutine. It returns once the job is running.
func (c *Coordinator) Start(ctx context.Context, jobID string) error {
	run, runCtx, job, err := c.begin(ctx, c.baseCtx, jobID)
	if err != nil {
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.execute(runCtx, run, job)
	}()
	return nil
}

// Run executes a queued job in the calling goroutine and returns its final
// snapshot. Cancelling ctx interrupts the job.
func (c *Coordinator) Run(ctx context.Context, jobID string) (*types.JournalJob, error) {
	run, runCtx, job, err := c.begin(ctx, ctx, jobID)
	if err != nil {
		return nil, err
	}

	c.wg.Add(1)
	defer c.wg.Done()
	c.execute(runCtx, run, job)

	return c.store.Get(context.WithoutCancel(ctx), jobID)
}

// begin performs the queued -> running transition
func (c *Coordinator) begin(ctx, parent context.Context, jobID string) (*jobRun, context.Context, *types.JournalJob, error) {
	run := c.acquire(jobID)
	run.mu.Lock()

	if run.cancel != nil {
		run.mu.Unlock()
		c.release(jobID, run)
		return nil, nil, nil, fmt.Errorf("job %s: %w", jobID, ErrJobActive)
	}

	job, err := c.store.Mutate(ctx, jobID, func(j *types.JournalJob) error {
		if j.Status != types.JobStatusQueued {
			return fmt.Errorf("job %s is %s: %w", jobID, j.Status, ErrJobNotQueued)
		}
		now := c.now()
		j.Status = types.JobStatusRunning
		j.CurrentStage = c.stages[0].Name
		j.StartedAt = &now
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		run.mu.Unlock()
		c.release(jobID, run)
		if errors.Is(err, jobs.ErrJobTerminal) {
			return nil, nil, nil, fmt.Errorf("job %s: %w", jobID, ErrJobNotQueued)
		}
		return nil, nil, nil, err
	}

	runCtx, cancel := context.WithCancel(parent)
	run.cancel = cancel

	if c.metrics != nil {
		c.metrics.IncrementActiveJobs()
	}
	slog.Info("Job started", "job", jobID, "stages", len(c.stages))
	c.publish(ctx, job.Event())
	run.mu.Unlock()

	return run, runCtx, job, nil
}

// execute runs every stage in order until the job completes or fails
func (c *Coordinator) execute(ctx context.Context, run *jobRun, job *types.JournalJob) {
	defer c.release(job.ID, run)
	defer run.cancel()
	if c.metrics != nil {
		defer c.metrics.DecrementActiveJobs()
	}

	// Commits must land even after ctx is cancelled
	storeCtx := context.WithoutCancel(ctx)
	completedWeight := 0

	for i, stage := range c.stages {
		sc := &StageContext{
			JobID:       job.ID,
			OwnerID:     job.OwnerID,
			Preferences: job.Preferences,
			Previous:    job.Clone().StageResults,
		}

		slog.Debug("Stage starting", "job", job.ID, "stage", stage.Name, "timeout", stage.Timeout)
		started := c.now()
		out, err := c.runStage(ctx, stage, sc)
		elapsed := c.now().Sub(started)

		if err != nil {
			c.fail(storeCtx, run, job.ID, stage, err, elapsed)
			return
		}

		last := i == len(c.stages)-1
		completedWeight += stage.Weight
		nextStage := types.StageNone
		if !last {
			nextStage = c.stages[i+1].Name
		}

		run.mu.Lock()
		updated, err := c.store.Mutate(storeCtx, job.ID, func(j *types.JournalJob) error {
			if j.Status != types.JobStatusRunning {
				return fmt.Errorf("job %s is %s: %w", j.ID, j.Status, jobs.ErrJobTerminal)
			}
			now := c.now()
			j.StageResults = append(j.StageResults, types.StageResult{
				Stage:       stage.Name,
				Kind:        out.Kind,
				Content:     out.Content,
				Artifacts:   out.Artifacts,
				DurationMs:  elapsed.Milliseconds(),
				CompletedAt: now,
			})
			j.ProgressPercent = completedWeight
			j.CurrentStage = nextStage
			j.UpdatedAt = now
			if last {
				j.ProgressPercent = 100
				j.Status = types.JobStatusCompleted
				j.CompletedAt = &now
			}
			return nil
		})
		if err != nil {
			run.mu.Unlock()
			if errors.Is(err, jobs.ErrJobTerminal) {
				slog.Info("Discarding late stage result", "job", job.ID, "stage", stage.Name)
				c.recordStage(stage.Name, stageOutcomeLate, elapsed)
				return
			}
			slog.Error("Failed to commit stage result", "job", job.ID, "stage", stage.Name, "error", err)
			c.fail(storeCtx, run, job.ID, stage, &StageExecutionError{Stage: stage.Name, Err: errors.New("result could not be saved")}, elapsed)
			return
		}

		c.recordStage(stage.Name, stageOutcomeOK, elapsed)
		slog.Info("Stage completed",
			"job", job.ID,
			"stage", stage.Name,
			"progress", updated.ProgressPercent,
			"duration", elapsed)
		c.publish(storeCtx, updated.Event())
		run.mu.Unlock()

		job = updated
	}

	if c.metrics != nil {
		c.metrics.RecordJob(string(types.JobStatusCompleted))
	}
	slog.Info("Job completed", "job", job.ID, "artifacts", len(job.Artifacts()))
}

// runStage calls the stage function under its timeout. The function runs in
// its own goroutine so a stage that ignores ctx cannot stall the job.
func (c *Coordinator) runStage(ctx context.Context, stage Stage, sc *StageContext) (StageOutput, error) {
	var stageCtx context.Context
	var cancel context.CancelFunc
	if stage.Timeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, stage.Timeout)
	} else {
		stageCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type result struct {
		out StageOutput
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Stage panicked", "job", sc.JobID, "stage", stage.Name, "panic", r)
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := stage.Run(stageCtx, sc)
		done <- result{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return StageOutput{}, &StageTimeoutError{Stage: stage.Name, Timeout: stage.Timeout}
			}
			if ctx.Err() != nil {
				return StageOutput{}, ctx.Err()
			}
			return StageOutput{}, &StageExecutionError{Stage: stage.Name, Err: res.err}
		}
		out, err := res.out.normalize()
		if err != nil {
			return StageOutput{}, &StageExecutionError{Stage: stage.Name, Err: err}
		}
		return out, nil

	case <-stageCtx.Done():
		if ctx.Err() != nil {
			return StageOutput{}, ctx.Err()
		}
		return StageOutput{}, &StageTimeoutError{Stage: stage.Name, Timeout: stage.Timeout}
	}
}

// fail records a terminal failure unless the job already reached a terminal
// state (a user cancel), in which case the stage outcome is discarded.
func (c *Coordinator) fail(ctx context.Context, run *jobRun, jobID string, stage Stage, cause error, elapsed time.Duration) {
	jobErr := &types.JobError{Stage: stage.Name, Kind: types.ErrorKindExecution, Message: cause.Error()}
	outcome := stageOutcomeError

	var timeoutErr *StageTimeoutError
	switch {
	case errors.As(cause, &timeoutErr):
		jobErr.Kind = types.ErrorKindTimeout
		outcome = stageOutcomeTimeout
	case errors.Is(cause, context.Canceled):
		jobErr.Message = shutdownMessage
		outcome = stageOutcomeLate
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	updated, err := c.store.Mutate(ctx, jobID, func(j *types.JournalJob) error {
		now := c.now()
		j.Status = types.JobStatusFailed
		j.CurrentStage = types.StageNone
		j.Error = jobErr
		j.CompletedAt = &now
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, jobs.ErrJobTerminal) {
			slog.Info("Job already terminal, stage outcome discarded", "job", jobID, "stage", stage.Name)
			c.recordStage(stage.Name, stageOutcomeLate, elapsed)
			return
		}
		slog.Error("Failed to record job failure", "job", jobID, "stage", stage.Name, "error", err)
		return
	}

	c.recordStage(stage.Name, outcome, elapsed)
	if c.metrics != nil {
		c.metrics.RecordJob(string(types.JobStatusFailed))
	}
	slog.Error("Job failed", "job", jobID, "stage", stage.Name, "error", cause)
	c.publish(ctx, updated.Event())
}

// Status returns a snapshot of the job
func (c *Coordinator) Status(ctx context.Context, jobID string) (*types.JournalJob, error) {
	return c.store.Get(ctx, jobID)
}

// List returns the newest jobs of an owner
func (c *Coordinator) List(ctx context.Context, ownerID string, limit int) ([]*types.JournalJob, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return c.store.List(ctx, ownerID, limit)
}

// Cancel fails a queued or running job with "cancelled by user". The in-flight
// stage is abandoned; whatever it returns later is discarded. Terminal jobs
// yield jobs.ErrJobTerminal.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) (*types.JournalJob, error) {
	run := c.acquire(jobID)
	defer c.release(jobID, run)
	run.mu.Lock()
	defer run.mu.Unlock()

	var failedStage string
	updated, err := c.store.Mutate(ctx, jobID, func(j *types.JournalJob) error {
		now := c.now()
		failedStage = j.CurrentStage
		j.Status = types.JobStatusFailed
		j.CurrentStage = types.StageNone
		j.Error = &types.JobError{Stage: failedStage, Kind: types.ErrorKindCancelled, Message: cancelledMessage}
		j.CompletedAt = &now
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if run.cancel != nil {
		run.cancel()
	}
	if c.metrics != nil {
		c.metrics.RecordJob(string(types.JobStatusFailed))
	}
	slog.Info("Job cancelled", "job", jobID, "stage", failedStage)
	c.publish(ctx, updated.Event())
	return updated, nil
}

// RecoverInterrupted fails jobs left running by a previous process and starts
// the jobs still queued, oldest first. Only persistent stores have any.
func (c *Coordinator) RecoverInterrupted(ctx context.Context) (failed, started int, err error) {
	running, err := c.store.ListByStatus(ctx, types.JobStatusRunning)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list running jobs: %w", err)
	}
	for _, job := range running {
		updated, err := c.store.Mutate(ctx, job.ID, func(j *types.JournalJob) error {
			if j.Status != types.JobStatusRunning {
				return fmt.Errorf("job %s is %s: %w", j.ID, j.Status, jobs.ErrJobTerminal)
			}
			now := c.now()
			j.Error = &types.JobError{Stage: j.CurrentStage, Kind: types.ErrorKindExecution, Message: restartMessage}
			j.Status = types.JobStatusFailed
			j.CurrentStage = types.StageNone
			j.CompletedAt = &now
			j.UpdatedAt = now
			return nil
		})
		if err != nil {
			slog.Warn("Failed to mark interrupted job", "job", job.ID, "error", err)
			continue
		}
		failed++
		c.publish(ctx, updated.Event())
	}

	queued, err := c.store.ListByStatus(ctx, types.JobStatusQueued)
	if err != nil {
		return failed, 0, fmt.Errorf("failed to list queued jobs: %w", err)
	}
	sort.Slice(queued, func(i, j int) bool {
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})
	for _, job := range queued {
		if err := c.Start(ctx, job.ID); err != nil {
			slog.Warn("Failed to start queued job", "job", job.ID, "error", err)
			continue
		}
		started++
	}

	if failed > 0 || started > 0 {
		slog.Info("Recovered jobs after restart", "failed", failed, "started", started)
	}
	return failed, started, nil
}

// Wait blocks until every job started so far has finished
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Shutdown waits for running jobs until ctx expires, then interrupts the
// remaining ones and waits for them to record their failure.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.stop()
		return nil
	case <-ctx.Done():
		slog.Warn("Interrupting running jobs")
		c.stop()
		<-done
		return ctx.Err()
	}
}

// publish fans an event out to subscribers and notifiers. Callers hold the
// job's run lock so events leave in commit order.
func (c *Coordinator) publish(ctx context.Context, event types.ProgressEvent) {
	c.broadcaster.Publish(event)

	for _, n := range c.notifiers {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		if err := n.Notify(nctx, event); err != nil {
			slog.Warn("Progress notifier failed", "job", event.JobID, "status", event.Status, "error", err)
		}
		cancel()
	}
}

func (c *Coordinator) recordStage(stage, outcome string, d time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordStage(stage, outcome, d)
	}
}

func (c *Coordinator) acquire(jobID string) *jobRun {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, ok := c.runs[jobID]
	if !ok {
		run = &jobRun{}
		c.runs[jobID] = run
	}
	run.refs++
	return run
}

func (c *Coordinator) release(jobID string, run *jobRun) {
	c.mu.Lock()
	defer c.mu.Unlock()

	run.refs--
	if run.refs == 0 {
		delete(c.runs, jobID)
	}
}
