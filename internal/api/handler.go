package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/journalcraft/journal-crew/internal/artifacts"
	"github.com/journalcraft/journal-crew/internal/jobs"
	"github.com/journalcraft/journal-crew/internal/pipeline"
	"github.com/journalcraft/journal-crew/internal/progress"
	"github.com/journalcraft/journal-crew/pkg/types"
)

const (
	maxRequestBody = 64 << 10
	maxListLimit   = 200
)

// JobService is the part of the coordinator the API needs
type JobService interface {
	Submit(ctx context.Context, ownerID string, prefs types.Preferences) (*types.JournalJob, error)
	Start(ctx context.Context, jobID string) error
	Status(ctx context.Context, jobID string) (*types.JournalJob, error)
	List(ctx context.Context, ownerID string, limit int) ([]*types.JournalJob, error)
	Cancel(ctx context.Context, jobID string) (*types.JournalJob, error)
}

var _ JobService = (*pipeline.Coordinator)(nil)

// Handler serves the job routes
type Handler struct {
	jobs        JobService
	broadcaster *progress.Broadcaster
	artifacts   artifacts.Store

	writeTimeout time.Duration
	keepAlive    time.Duration
}

// NewHandler creates a handler
func NewHandler(jobs JobService, broadcaster *progress.Broadcaster, store artifacts.Store) *Handler {
	return &Handler{
		jobs:         jobs,
		broadcaster:  broadcaster,
		artifacts:    store,
		writeTimeout: 5 * time.Second,
		keepAlive:    15 * time.Second,
	}
}

type createJobResponse struct {
	JobID  string          `json:"job_id"`
	Status types.JobStatus `json:"status"`
}

type listJobsResponse struct {
	Jobs []*types.JournalJob `json:"jobs"`
}

type listFilesResponse struct {
	JobID string           `json:"job_id"`
	Files []types.Artifact `json:"files"`
}

// HandleCreateJob handles POST /jobs
func (h *Handler) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	var prefs types.Preferences
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&prefs); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidArgument, "request body must be a JSON object")
		return
	}

	job, err := h.jobs.Submit(r.Context(), ownerFrom(r.Context()), prefs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	if err := h.jobs.Start(r.Context(), job.ID); err != nil {
		slog.Error("Failed to start job", "job", job.ID, "error", err)
		// Fail the record so it does not sit queued until the next restart
		if _, cerr := h.jobs.Cancel(context.WithoutCancel(r.Context()), job.ID); cerr != nil {
			slog.Error("Failed to cancel unstarted job", "job", job.ID, "error", cerr)
		}
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "job could not be started")
		return
	}

	writeJSON(w, http.StatusAccepted, createJobResponse{JobID: job.ID, Status: types.JobStatusQueued})
}

// HandleListJobs handles GET /jobs
func (h *Handler) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeServiceError(w, r, &pipeline.ValidationError{Field: "limit", Message: "must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	list, err := h.jobs.List(r.Context(), ownerFrom(r.Context()), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []*types.JournalJob{}
	}
	writeJSON(w, http.StatusOK, listJobsResponse{Jobs: list})
}

// HandleGetJob handles GET /jobs/{id}
func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleCancelJob handles DELETE /jobs/{id}
func (h *Handler) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	updated, err := h.jobs.Cancel(r.Context(), job.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// HandleListFiles handles GET /jobs/{id}/files
func (h *Handler) HandleListFiles(w http.ResponseWriter, r *http.Request) {
	job, ok := h.completedJob(w, r)
	if !ok {
		return
	}

	files := job.Artifacts()
	if files == nil {
		files = []types.Artifact{}
	}
	for i := range files {
		files[i].URL = "/jobs/" + url.PathEscape(job.ID) + "/files/" + url.PathEscape(files[i].Name)
	}
	writeJSON(w, http.StatusOK, listFilesResponse{JobID: job.ID, Files: files})
}

// HandleDownloadFile handles GET /jobs/{id}/files/{name}
func (h *Handler) HandleDownloadFile(w http.ResponseWriter, r *http.Request) {
	job, name, ok := h.jobArtifact(w, r)
	if !ok {
		return
	}

	body, artifact, err := h.artifacts.Open(r.Context(), job.ID, name)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	defer body.Close()

	setFileHeaders(w, artifact)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		slog.Warn("Artifact download interrupted", "job", job.ID, "file", name, "error", err)
	}
}

// HandleStatFile handles HEAD /jobs/{id}/files/{name}
func (h *Handler) HandleStatFile(w http.ResponseWriter, r *http.Request) {
	job, name, ok := h.jobArtifact(w, r)
	if !ok {
		return
	}

	artifact, err := h.artifacts.Stat(r.Context(), job.ID, name)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	setFileHeaders(w, artifact)
	w.WriteHeader(http.StatusOK)
}

// ownedJob loads the job named in the path. Jobs of other owners are
// reported as missing.
func (h *Handler) ownedJob(w http.ResponseWriter, r *http.Request) (*types.JournalJob, bool) {
	job, err := h.jobs.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return nil, false
	}
	if job.OwnerID != ownerFrom(r.Context()) {
		writeServiceError(w, r, jobs.ErrNotFound)
		return nil, false
	}
	return job, true
}

func (h *Handler) completedJob(w http.ResponseWriter, r *http.Request) (*types.JournalJob, bool) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return nil, false
	}
	if job.Status != types.JobStatusCompleted {
		writeError(w, http.StatusConflict, CodeJobNotCompleted, "job is "+string(job.Status))
		return nil, false
	}
	return job, true
}

// jobArtifact resolves a file name against the artifacts the job recorded
func (h *Handler) jobArtifact(w http.ResponseWriter, r *http.Request) (*types.JournalJob, string, bool) {
	job, ok := h.completedJob(w, r)
	if !ok {
		return nil, "", false
	}
	name := chi.URLParam(r, "name")
	for _, a := range job.Artifacts() {
		if a.Name == name {
			return job, name, true
		}
	}
	writeServiceError(w, r, artifacts.ErrNotFound)
	return nil, "", false
}

func setFileHeaders(w http.ResponseWriter, a types.Artifact) {
	w.Header().Set("Content-Type", a.ContentType)
	if a.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(a.Size, 10))
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Name}))
}

// isClientGone reports errors caused by the peer going away
func isClientGone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, io.EOF)
}
