package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/journalcraft/journal-crew/internal/jobs"
	"github.com/journalcraft/journal-crew/internal/progress"
	"github.com/journalcraft/journal-crew/pkg/types"
)

var gratitude = types.Preferences{
	Theme:         "gratitude",
	TitleStyle:    "inspirational",
	AuthorStyle:   "empathetic",
	ResearchDepth: "light",
}

// echoStage reports how many results preceded it and counts invocations
func echoStage(calls *int32) StageFunc {
	return func(ctx context.Context, sc *StageContext) (StageOutput, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return JSONOutput(map[string]any{"previous": len(sc.Previous)})
	}
}

func fiveStages(calls *[5]int32) []Stage {
	names := []string{"research", "curation", "editing", "media", "pdf_build"}
	weights := []int{20, 30, 20, 15, 15}
	stages := make([]Stage, len(names))
	for i := range names {
		var counter *int32
		if calls != nil {
			counter = &calls[i]
		}
		stages[i] = Stage{Name: names[i], Weight: weights[i], Timeout: time.Second, Run: echoStage(counter)}
	}
	return stages
}

func newTestCoordinator(t *testing.T, stages []Stage, opts ...Option) (*Coordinator, *jobs.MemoryStore, *progress.Broadcaster) {
	t.Helper()
	store := jobs.NewMemoryStore()
	b := progress.NewBroadcaster(nil)
	c, err := NewCoordinator(store, b, stages, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c, store, b
}

func watch(t *testing.T, b *progress.Broadcaster, job *types.JournalJob) *progress.ChanSubscriber {
	t.Helper()
	sub := progress.NewChanSubscriber("watch-"+job.ID, 64)
	b.Subscribe(job.ID, sub, job.Event())
	return sub
}

// collect reads events until a terminal one arrives
func collect(t *testing.T, sub *progress.ChanSubscriber) []types.ProgressEvent {
	t.Helper()
	var events []types.ProgressEvent
	for {
		select {
		case ev := <-sub.Events():
			events = append(events, ev)
			if ev.Status.IsTerminal() {
				return events
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no terminal event, got %+v", events)
		}
	}
}

func TestCoordinator_CompletesAllStages(t *testing.T) {
	var calls [5]int32
	c, _, b := newTestCoordinator(t, fiveStages(&calls))
	ctx := context.Background()

	job, err := c.Submit(ctx, "user-1", gratitude)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, job.Status)
	assert.Equal(t, types.StageNone, job.CurrentStage)
	assert.Equal(t, 0, job.ProgressPercent)

	sub := watch(t, b, job)
	require.NoError(t, c.Start(ctx, job.ID))
	events := collect(t, sub)
	c.Wait()

	final, err := c.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, final.Status)
	assert.Equal(t, 100, final.ProgressPercent)
	assert.Equal(t, types.StageNone, final.CurrentStage)
	assert.Nil(t, final.Error)
	require.NotNil(t, final.CompletedAt)
	require.NotNil(t, final.StartedAt)

	require.Len(t, final.StageResults, 5)
	for i, name := range c.StageNames() {
		assert.Equal(t, name, final.StageResults[i].Stage)
		assert.Equal(t, types.ResultKindJSON, final.StageResults[i].Kind)
		assert.JSONEq(t, fmt.Sprintf(`{"previous":%d}`, i), string(final.StageResults[i].Content))
		assert.Equal(t, int32(1), calls[i])
	}

	type step struct {
		stage    string
		progress int
		status   types.JobStatus
	}
	want := []step{
		{types.StageNone, 0, types.JobStatusQueued},
		{"research", 0, types.JobStatusRunning},
		{"curation", 20, types.JobStatusRunning},
		{"editing", 50, types.JobStatusRunning},
		{"media", 70, types.JobStatusRunning},
		{"pdf_build", 85, types.JobStatusRunning},
		{types.StageNone, 100, types.JobStatusCompleted},
	}
	require.Len(t, events, len(want))
	for i, w := range want {
		assert.Equal(t, w, step{events[i].CurrentStage, events[i].ProgressPercent, events[i].Status}, "event %d", i)
	}
}

func TestCoordinator_ProgressMonotonic(t *testing.T) {
	c, _, b := newTestCoordinator(t, fiveStages(nil))
	ctx := context.Background()

	job, err := c.Submit(ctx, "user-1", gratitude)
	require.NoError(t, err)
	sub := watch(t, b, job)
	require.NoError(t, c.Start(ctx, job.ID))

	last := -1
	for _, ev := range collect(t, sub) {
		assert.GreaterOrEqual(t, ev.ProgressPercent, last)
		assert.Equal(t, ev.ProgressPercent == 100, ev.Status == types.JobStatusCompleted)
		last = ev.ProgressPercent
	}
}

func TestCoordinator_StageTimeout(t *testing.T) {
	stages := fiveStages(nil)
	stages[0].Timeout = 50 * time.Millisecond
	stages[0].Run = func(ctx context.Context, sc *StageContext) (StageOutput, error) {
		<-ctx.Done()
		return StageOutput{}, ctx.Err()
	}

	c, _, _ := newTestCoordinator(t, stages)
	ctx := context.Background()

	job, err := c.Submit(ctx, "user-1", gratitude)
	require.NoError(t, err)
	final, err := c.Run(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, types.JobStatusFailed, final.Status)
	assert.Empty(t, final.StageResults)
	assert.Equal(t, types.StageNone, final.CurrentStage)
	assert.Equal(t, 0, final.ProgressPercent)
	require.NotNil(t, final.Error)
	assert.Equal(t, "research", final.Error.Stage)
	assert.Equal(t, types.ErrorKindTimeout, final.Error.Kind)
	assert.Contains(t, final.Error.Message, "research")
	assert.Contains(t, final.Error.Message, "stage timeout")
}

func TestCoordinator_StageIgnoringContextIsAbandonedOnTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	stages := fiveStages(nil)
	stages[1].Timeout = 50 * time.Millisecond
	stages[1].Run = func(ctx context.Context, sc *StageContext) (StageOutput, error) {
		<-release
		return TextOutput("too late"), nil
	}

	c, _, _ := newTestCoordinator(t, stages)
	ctx := context.Background()
	job, err := c.Submit(ctx, "user-1", gratitude)
	require.NoError(t, err)

	final, err := c.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, final.Status)
	assert.Equal(t, types.ErrorKindTimeout, final.Error.Kind)
	assert.Len(t, final.StageResults, 1)
	assert.Equal(t, 20, final.ProgressPercent)
}

func TestCoordinator_FailureContainment(t *testing.T) {
	tests := []struct {
		name    string
		run     StageFunc
		message string
	}{
		{
			name: "error",
			run: func(ctx context.Context, sc *StageContext) (StageOutput, error) {
				return StageOutput{}, errors.New("upstream rejected prompt")
			},
			message: "editing stage failed: upstream rejected prompt",
		},
		{
			name: "panic",
			run: func(ctx context.Context, sc *StageContext) (StageOutput, error) {
				panic("nil entries")
			},
			message: "editing stage failed: panic: nil entries",
		},
		{
			name: "empty output",
			run: func(ctx context.Context, sc *StageContext) (StageOutput, error) {
				return TextOutput("   "), nil
			},
			message: "editing stage failed: stage returned no content",
		},
		{
			name: "malformed json",
			run: func(ctx context.Context, sc *StageContext) (StageOutput, error) {
				return StageOutput{Kind: types.ResultKindJSON, Content: []byte(`{"entries": [`)}, nil
			},
			message: "editing stage failed: stage returned malformed JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls [5]int32
			stages := fiveStages(&calls)
			stages[2].Run = tt.run

			c, _, b := newTestCoordinator(t, stages)
			ctx := context.Background()
			job, err := c.Submit(ctx, "user-1", gratitude)
			require.NoError(t, err)
			sub := watch(t, b, job)

			require.NoError(t, c.Start(ctx, job.ID))
			events := collect(t, sub)
			c.Wait()

			final, err := c.Status(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, types.JobStatusFailed, final.Status)
			require.Len(t, final.StageResults, 2)
			assert.Equal(t, "research", final.StageResults[0].Stage)
			assert.Equal(t, "curation", final.StageResults[1].Stage)
			assert.Equal(t, 50, final.ProgressPercent)

			require.NotNil(t, final.Error)
			assert.Equal(t, "editing", final.Error.Stage)
			assert.Equal(t, types.ErrorKindExecution, final.Error.Kind)
			assert.Equal(t, tt.message, final.Error.Message)

			assert.Zero(t, atomic.LoadInt32(&calls[3]), "media must not run")
			assert.Zero(t, atomic.LoadInt32(&calls[4]), "pdf_build must not run")

			terminal := events[len(events)-1]
			assert.Equal(t, types.JobStatusFailed, terminal.Status)
			require.NotNil(t, terminal.Error)
			assert.Equal(t, "editing", terminal.Error.Stage)
		})
	}
}

func TestCoordinator_ConcurrentJobsIndependent(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{})
	stages := fiveStages(nil)
	stages[1].Run = func(ctx context.Context, sc *StageContext) (StageOutput, error) {
		if sc.OwnerID == "user-b" {
			close(entered)
			select {
			case <-gate:
			case <-ctx.Done():
				return StageOutput{}, ctx.Err()
			}
		}
		return JSONOutput(map[string]string{"owner": sc.OwnerID})
	}

	c, _, b := newTestCoordinator(t, stages)
	ctx := context.Background()

	jobA, err := c.Submit(ctx, "user-a", gratitude)
	require.NoError(t, err)
	jobB, err := c.Submit(ctx, "user-b", types.Preferences{
		Theme: "resilience", TitleStyle: "minimal", AuthorStyle: "direct", ResearchDepth: "deep",
	})
	require.NoError(t, err)

	subA := watch(t, b, jobA)
	require.NoError(t, c.Start(ctx, jobB.ID))
	require.NoError(t, c.Start(ctx, jobA.ID))

	collect(t, subA)
	<-entered

	a, err := c.Status(ctx, jobA.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, a.Status)

	before, err := c.Status(ctx, jobB.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, before.Status)
	assert.Equal(t, 20, before.ProgressPercent)
	require.Len(t, before.StageResults, 1)
	assert.Equal(t, "curation", before.CurrentStage)

	subB := watch(t, b, before)
	close(gate)
	collect(t, subB)
	c.Wait()

	after, err := c.Status(ctx, jobB.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, after.Status)
	assert.Len(t, after.StageResults, 5)

	curation, ok := after.Result("curation")
	require.True(t, ok)
	assert.JSONEq(t, `{"owner":"user-b"}`, string(curation.Content))
}

func TestCoordinator_CancelRunningDiscardsLateResult(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	stages := fiveStages(nil)
	stages[1].Run = func(ctx context.Context, sc *StageContext) (StageOutput, error) {
		close(entered)
		<-release
		return TextOutput("late curation"), nil
	}

	c, _, b := newTestCoordinator(t, stages)
	ctx := context.Background()
	job, err := c.Submit(ctx, "user-1", gratitude)
	require.NoError(t, err)
	sub := watch(t, b, job)

	require.NoError(t, c.Start(ctx, job.ID))
	<-entered

	cancelled, err := c.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, cancelled.Status)
	require.NotNil(t, cancelled.Error)
	assert.Equal(t, "cancelled by user", cancelled.Error.Message)
	assert.Equal(t, types.ErrorKindCancelled, cancelled.Error.Kind)
	assert.Equal(t, "curation", cancelled.Error.Stage)

	c.Wait()
	close(release)

	events := collect(t, sub)
	assert.Equal(t, "cancelled by user", events[len(events)-1].Error.Message)

	final, err := c.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, final.Status)
	assert.Len(t, final.StageResults, 1)
	assert.Equal(t, 20, final.ProgressPercent)
	assert.Equal(t, "cancelled by user", final.Error.Message)

	_, err = c.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, jobs.ErrJobTerminal)
}

func TestCoordinator_CancelQueued(t *testing.T) {
	c, _, _ := newTestCoordinator(t, fiveStages(nil))
	ctx := context.Background()

	job, err := c.Submit(ctx, "user-1", gratitude)
	require.NoError(t, err)

	cancelled, err := c.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, cancelled.Status)
	assert.Equal(t, types.StageNone, cancelled.Error.Stage)

	err = c.Start(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotQueued)

	_, err = c.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestCoordinator_StartTwice(t *testing.T) {
	release := make(chan struct{})
	stages := fiveStages(nil)
	stages[0].Run = func(ctx context.Context, sc *StageContext) (StageOutput, error) {
		<-release
		return TextOutput("notes"), nil
	}

	c, _, _ := newTestCoordinator(t, stages)
	ctx := context.Background()
	job, err := c.Submit(ctx, "user-1", gratitude)
	require.NoError(t, err)

	require.NoError(t, c.Start(ctx, job.ID))
	assert.Error(t, c.Start(ctx, job.ID))

	close(release)
	c.Wait()

	assert.ErrorIs(t, c.Start(ctx, job.ID), ErrJobNotQueued)
	assert.ErrorIs(t, c.Start(ctx, "missing"), jobs.ErrNotFound)
}

func TestCoordinator_SubmitValidation(t *testing.T) {
	c, store, _ := newTestCoordinator(t, fiveStages(nil))
	ctx := context.Background()

	tests := []struct {
		name  string
		owner string
		prefs types.Preferences
		field string
	}{
		{"missing owner", "", gratitude, "owner_id"},
		{"missing theme", "u", types.Preferences{TitleStyle: "a", AuthorStyle: "b", ResearchDepth: "light"}, "theme"},
		{"blank title style", "u", types.Preferences{Theme: "t", TitleStyle: "  ", AuthorStyle: "b", ResearchDepth: "light"}, "title_style"},
		{"unknown depth", "u", types.Preferences{Theme: "t", TitleStyle: "a", AuthorStyle: "b", ResearchDepth: "exhaustive"}, "research_depth"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Submit(ctx, tt.owner, tt.prefs)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}

	list, err := store.List(ctx, "u", 10)
	require.NoError(t, err)
	assert.Empty(t, list, "invalid submissions are not persisted")

	job, err := c.Submit(ctx, "u", types.Preferences{Theme: " t ", TitleStyle: "a", AuthorStyle: "b", ResearchDepth: "DEEP"})
	require.NoError(t, err)
	assert.Equal(t, "t", job.Preferences.Theme)
	assert.Equal(t, "deep", job.Preferences.ResearchDepth)
}

func TestCoordinator_StatusIsIdempotent(t *testing.T) {
	c, _, _ := newTestCoordinator(t, fiveStages(nil))
	ctx := context.Background()

	job, err := c.Submit(ctx, "user-1", gratitude)
	require.NoError(t, err)
	_, err = c.Run(ctx, job.ID)
	require.NoError(t, err)

	first, err := c.Status(ctx, job.ID)
	require.NoError(t, err)
	second, err := c.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	first.StageResults[0].Stage = "mutated"
	third, err := c.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "research", third.StageResults[0].Stage, "snapshots are copies")

	_, err = c.Status(ctx, "missing")
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []types.ProgressEvent
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, ev types.ProgressEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func TestCoordinator_NotifierFailureDoesNotAffectJob(t *testing.T) {
	n := &recordingNotifier{err: errors.New("broker unavailable")}
	c, _, _ := newTestCoordinator(t, fiveStages(nil), WithNotifier(n))
	ctx := context.Background()

	job, err := c.Submit(ctx, "user-1", gratitude)
	require.NoError(t, err)
	final, err := c.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, final.Status)

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Len(t, n.events, 7)
	assert.Equal(t, types.JobStatusQueued, n.events[0].Status)
	assert.Equal(t, types.JobStatusCompleted, n.events[6].Status)
}

func TestCoordinator_RecoverInterrupted(t *testing.T) {
	c, store, _ := newTestCoordinator(t, fiveStages(nil))
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Create(ctx, &types.JournalJob{
		ID: "stale", OwnerID: "u", Preferences: gratitude,
		Status: types.JobStatusRunning, CurrentStage: "editing", ProgressPercent: 50,
		CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
	}))
	require.NoError(t, store.Create(ctx, &types.JournalJob{
		ID: "waiting", OwnerID: "u", Preferences: gratitude,
		Status: types.JobStatusQueued, CurrentStage: types.StageNone,
		CreatedAt: now.Add(-time.Minute), UpdatedAt: now.Add(-time.Minute),
	}))

	failed, started, err := c.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, started)
	c.Wait()

	stale, err := c.Status(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, stale.Status)
	assert.Equal(t, "interrupted by service restart", stale.Error.Message)
	assert.Equal(t, "editing", stale.Error.Stage)
	assert.Equal(t, 50, stale.ProgressPercent)

	waiting, err := c.Status(ctx, "waiting")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, waiting.Status)
}

func TestCoordinator_ShutdownInterruptsRunningJobs(t *testing.T) {
	stages := fiveStages(nil)
	stages[0].Timeout = time.Minute
	stages[0].Run = func(ctx context.Context, sc *StageContext) (StageOutput, error) {
		<-ctx.Done()
		return StageOutput{}, ctx.Err()
	}

	store := jobs.NewMemoryStore()
	c, err := NewCoordinator(store, progress.NewBroadcaster(nil), stages)
	require.NoError(t, err)
	ctx := context.Background()

	job, err := c.Submit(ctx, "user-1", gratitude)
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx, job.ID))

	shutdownCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Shutdown(shutdownCtx), context.DeadlineExceeded)

	final, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, final.Status)
	assert.Equal(t, "interrupted by service shutdown", final.Error.Message)
}

func TestNewCoordinator_RejectsInvalidStages(t *testing.T) {
	run := echoStage(nil)
	tests := []struct {
		name   string
		stages []Stage
	}{
		{"no stages", nil},
		{"weights under 100", []Stage{{Name: "research", Weight: 90, Run: run}}},
		{"duplicate", []Stage{{Name: "research", Weight: 50, Run: run}, {Name: "research", Weight: 50, Run: run}}},
		{"missing func", []Stage{{Name: "research", Weight: 100}}},
		{"reserved name", []Stage{{Name: types.StageNone, Weight: 100, Run: run}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCoordinator(jobs.NewMemoryStore(), progress.NewBroadcaster(nil), tt.stages)
			assert.Error(t, err)
		})
	}
}

func TestIsStageFailure(t *testing.T) {
	assert.True(t, IsStageFailure(&StageExecutionError{Stage: "media", Err: errors.New("x")}))
	assert.True(t, IsStageFailure(fmt.Errorf("wrapped: %w", &StageTimeoutError{Stage: "media", Timeout: time.Second})))
	assert.False(t, IsStageFailure(errors.New("plain")))

	timeout := &StageTimeoutError{Stage: "research", Timeout: 90 * time.Second}
	assert.Equal(t, "research stage timeout after 1m30s", timeout.Error())
	assert.ErrorIs(t, timeout, context.DeadlineExceeded)
}
