package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/journalcraft/journal-crew/internal/artifacts"
	"github.com/journalcraft/journal-crew/internal/jobs"
	"github.com/journalcraft/journal-crew/internal/metrics"
	"github.com/journalcraft/journal-crew/internal/pipeline"
	"github.com/journalcraft/journal-crew/internal/progress"
	"github.com/journalcraft/journal-crew/pkg/types"
)

const pdfBody = "%PDF-1.4 test journal"

var gratitudeBody = `{"theme":"gratitude","title_style":"inspirational","author_style":"empathetic","research_depth":"light"}`

type testEnv struct {
	srv   *httptest.Server
	coord *pipeline.Coordinator

	gate    chan struct{}
	release func()
}

// newTestEnv serves the full router over a coordinator whose first stage
// blocks until release is called
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := artifacts.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	env := &testEnv{gate: make(chan struct{})}
	var once sync.Once
	env.release = func() { once.Do(func() { close(env.gate) }) }

	stages := []pipeline.Stage{
		{Name: "research", Weight: 60, Timeout: 10 * time.Second, Run: func(ctx context.Context, sc *pipeline.StageContext) (pipeline.StageOutput, error) {
			select {
			case <-env.gate:
				return pipeline.TextOutput("three insights about " + sc.Preferences.Theme), nil
			case <-ctx.Done():
				return pipeline.StageOutput{}, ctx.Err()
			}
		}},
		{Name: "pdf_build", Weight: 40, Timeout: 10 * time.Second, Run: func(ctx context.Context, sc *pipeline.StageContext) (pipeline.StageOutput, error) {
			a, err := store.Put(ctx, sc.JobID, "journal.pdf", "application/pdf", []byte(pdfBody))
			if err != nil {
				return pipeline.StageOutput{}, err
			}
			return pipeline.FileOutput(map[string]int{"bytes": len(pdfBody)}, a)
		}},
	}

	m := metrics.NewMetrics("journal")
	b := progress.NewBroadcaster(m)
	coord, err := pipeline.NewCoordinator(jobs.NewMemoryStore(), b, stages, pipeline.WithMetrics(m))
	require.NoError(t, err)
	env.coord = coord

	h := NewHandler(coord, b, store)
	h.keepAlive = 50 * time.Millisecond
	env.srv = httptest.NewServer(NewRouter(h, RouterOptions{Metrics: m}))

	t.Cleanup(func() {
		env.srv.Close()
		env.release()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, owner, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) create(t *testing.T, owner string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/jobs", owner, gratitudeBody)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created createJobResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.JobID)
	return created.JobID
}

// complete creates a job and waits for it to finish
func (e *testEnv) complete(t *testing.T, owner string) string {
	t.Helper()
	id := e.create(t, owner)
	e.release()
	e.coord.Wait()
	return id
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestCreateJob(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/jobs", "alice", gratitudeBody)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	created := decode[createJobResponse](t, resp)
	assert.Equal(t, types.JobStatusQueued, created.Status)

	job, err := env.coord.Status(context.Background(), created.JobID)
	require.NoError(t, err)
	assert.Equal(t, "alice", job.OwnerID)
	assert.Equal(t, types.JobStatusRunning, job.Status)
}

// unstartable submits jobs but refuses to run them
type unstartable struct {
	*pipeline.Coordinator
}

func (unstartable) Start(context.Context, string) error {
	return errors.New("worker pool unavailable")
}

func TestCreateJob_StartFailureFailsJob(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(unstartable{env.coord}, progress.NewBroadcaster(nil), nil)
	router := NewRouter(h, RouterOptions{})

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(gratitudeBody))
	req.Header.Set(OwnerHeader, "alice")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var body errorBody
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, CodeUnavailable, body.Error.Code)

	list, err := env.coord.List(context.Background(), "alice", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, types.JobStatusFailed, list[0].Status)
	require.NotNil(t, list[0].Error)
	assert.Equal(t, types.ErrorKindCancelled, list[0].Error.Kind)
}

func TestCreateJob_RequiresOwner(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/jobs", "", gratitudeBody)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode[errorBody](t, resp)
	assert.Equal(t, CodeUnauthenticated, body.Error.Code)
}

func TestCreateJob_Validation(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"malformed JSON", `{"theme":`, ""},
		{"missing theme", `{"title_style":"fun","author_style":"warm","research_depth":"light"}`, "theme"},
		{"blank author style", `{"theme":"grief","title_style":"fun","author_style":"  ","research_depth":"light"}`, "author_style"},
		{"unknown depth", `{"theme":"grief","title_style":"fun","author_style":"warm","research_depth":"extreme"}`, "research_depth"},
	}

	env := newTestEnv(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/jobs", "alice", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decode[errorBody](t, resp)
			assert.Equal(t, CodeInvalidArgument, body.Error.Code)
			assert.Equal(t, tt.field, body.Error.Field)
		})
	}

	resp := env.do(t, http.MethodGet, "/jobs", "alice", "")
	list := decode[listJobsResponse](t, resp)
	assert.Empty(t, list.Jobs, "rejected requests must not create jobs")
}

func TestGetJob(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, "alice")

	resp := env.do(t, http.MethodGet, "/jobs/"+id, "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := decode[types.JournalJob](t, resp)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, "gratitude", job.Preferences.Theme)

	resp = env.do(t, http.MethodGet, "/jobs/"+id, "mallory", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/jobs/does-not-exist", "alice", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode[errorBody](t, resp)
	assert.Equal(t, CodeNotFound, body.Error.Code)
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "alice")
	env.create(t, "alice")
	env.create(t, "bob")

	resp := env.do(t, http.MethodGet, "/jobs", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[listJobsResponse](t, resp)
	require.Len(t, list.Jobs, 2)
	for _, j := range list.Jobs {
		assert.Equal(t, "alice", j.OwnerID)
	}

	resp = env.do(t, http.MethodGet, "/jobs?limit=1", "alice", "")
	list = decode[listJobsResponse](t, resp)
	assert.Len(t, list.Jobs, 1)

	resp = env.do(t, http.MethodGet, "/jobs?limit=zero", "alice", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[errorBody](t, resp)
	assert.Equal(t, "limit", body.Error.Field)
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, "alice")

	resp := env.do(t, http.MethodDelete, "/jobs/"+id, "mallory", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/jobs/"+id, "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := decode[types.JournalJob](t, resp)
	assert.Equal(t, types.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, types.ErrorKindCancelled, job.Error.Kind)
	assert.Equal(t, "research", job.Error.Stage)

	resp = env.do(t, http.MethodDelete, "/jobs/"+id, "alice", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode[errorBody](t, resp)
	assert.Equal(t, CodeConflict, body.Error.Code)
}

func TestFiles(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, "alice")

	resp := env.do(t, http.MethodGet, "/jobs/"+id+"/files", "alice", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode[errorBody](t, resp)
	assert.Equal(t, CodeJobNotCompleted, body.Error.Code)

	env.release()
	env.coord.Wait()

	resp = env.do(t, http.MethodGet, "/jobs/"+id+"/files", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	files := decode[listFilesResponse](t, resp)
	require.Len(t, files.Files, 1)
	f := files.Files[0]
	assert.Equal(t, "journal.pdf", f.Name)
	assert.Equal(t, "application/pdf", f.ContentType)
	assert.Equal(t, int64(len(pdfBody)), f.Size)
	assert.Equal(t, "/jobs/"+id+"/files/journal.pdf", f.URL)

	resp = env.do(t, http.MethodGet, f.URL, "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), `filename=journal.pdf`)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, pdfBody, string(data))

	resp = env.do(t, http.MethodHead, f.URL, "alice", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(len(pdfBody)), resp.ContentLength)

	resp = env.do(t, http.MethodGet, "/jobs/"+id+"/files/journal.epub", "alice", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, f.URL, "mallory", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func dial(t *testing.T, env *testEnv, id string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	u := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/jobs/" + id + "/ws?user_id=alice"
	conn, _, err := websocket.Dial(ctx, u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) (types.ProgressEvent, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var ev types.ProgressEvent
	err := wsjson.Read(ctx, conn, &ev)
	return ev, err
}

func TestJobSocket_StreamsUntilTerminal(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, "alice")
	conn := dial(t, env, id)

	first, err := readEvent(t, conn)
	require.NoError(t, err)
	assert.Equal(t, id, first.JobID)
	assert.Equal(t, types.JobStatusRunning, first.Status)
	assert.Equal(t, "research", first.CurrentStage)

	env.release()

	events := []types.ProgressEvent{first}
	for {
		ev, err := readEvent(t, conn)
		if err != nil {
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
		events = append(events, ev)
	}

	last := events[len(events)-1]
	assert.Equal(t, types.JobStatusCompleted, last.Status)
	assert.Equal(t, 100, last.ProgressPercent)
	assert.Equal(t, types.StageNone, last.CurrentStage)
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].ProgressPercent, events[i-1].ProgressPercent)
	}
}

func TestJobSocket_AfterTerminal(t *testing.T) {
	env := newTestEnv(t)
	id := env.complete(t, "alice")
	conn := dial(t, env, id)

	ev, err := readEvent(t, conn)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, ev.Status)

	_, err = readEvent(t, conn)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestJobSocket_UnknownJob(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	u := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/jobs/nope/ws?user_id=alice"
	_, resp, err := websocket.Dial(ctx, u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobStream(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, "alice")

	resp := env.do(t, http.MethodGet, "/jobs/"+id+"/stream", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []types.ProgressEvent
	var keepAlives int
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, ": keepalive"):
			keepAlives++
			env.release()
		case strings.HasPrefix(line, "data: "):
			var ev types.ProgressEvent
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			events = append(events, ev)
		}
	}

	require.NotEmpty(t, events)
	assert.Equal(t, types.JobStatusRunning, events[0].Status)
	assert.Equal(t, types.JobStatusCompleted, events[len(events)-1].Status)
	assert.Positive(t, keepAlives)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.complete(t, "alice")

	resp := env.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "OK\n", string(body))

	resp = env.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ = io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `journal_jobs_total{status="completed"} 1`)
}
