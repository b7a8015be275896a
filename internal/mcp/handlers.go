package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/journalcraft/journal-crew/internal/jobs"
	"github.com/journalcraft/journal-crew/internal/pipeline"
	"github.com/journalcraft/journal-crew/pkg/types"
)

const defaultResearchDepth = "medium"

// ownerHeader fills in owner_id for REST tool calls
const ownerHeader = "X-User-ID"

// JobSummary is the structured result of the status tools
type JobSummary struct {
	JobID           string          `json:"job_id"`
	Status          types.JobStatus `json:"status"`
	CurrentStage    string          `json:"current_stage"`
	ProgressPercent int             `json:"progress_percent"`
	Error           *types.JobError `json:"error,omitempty"`
	Files           []string        `json:"files,omitempty"`
}

func summarize(job *types.JournalJob) JobSummary {
	s := JobSummary{
		JobID:           job.ID,
		Status:          job.Status,
		CurrentStage:    job.CurrentStage,
		ProgressPercent: job.ProgressPercent,
		Error:           job.Error,
	}
	for _, a := range job.Artifacts() {
		s.Files = append(s.Files, fmt.Sprintf("/jobs/%s/files/%s", job.ID, a.Name))
	}
	return s
}

func (s JobSummary) String() string {
	switch {
	case s.Status == types.JobStatusFailed && s.Error != nil:
		return fmt.Sprintf("Job %s failed at stage %s: %s", s.JobID, s.Error.Stage, s.Error.Message)
	case s.Status == types.JobStatusCompleted:
		return fmt.Sprintf("Job %s completed with %d file(s)", s.JobID, len(s.Files))
	case s.Status == types.JobStatusRunning:
		return fmt.Sprintf("Job %s is running: stage %s, %d%% done", s.JobID, s.CurrentStage, s.ProgressPercent)
	default:
		return fmt.Sprintf("Job %s is %s", s.JobID, s.Status)
	}
}

func (s *Server) handleCreateJournal(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, err := request.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	prefs := types.Preferences{
		Theme:         request.GetString("theme", ""),
		TitleStyle:    request.GetString("title_style", ""),
		AuthorStyle:   request.GetString("author_style", ""),
		ResearchDepth: request.GetString("research_depth", defaultResearchDepth),
	}

	job, err := s.jobs.Submit(ctx, owner, prefs)
	if err != nil {
		return toolError("failed to create journal", err), nil
	}
	if err := s.jobs.Start(ctx, job.ID); err != nil {
		slog.Error("Failed to start job", "job", job.ID, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("journal %s was created but could not be started", job.ID)), nil
	}

	message := fmt.Sprintf(
		"Journal job created with ID: %s\n\nUse the following endpoints:\n"+
			"- Status: GET /jobs/%s\n"+
			"- Real-time updates: GET /jobs/%s/ws (WebSocket) or /jobs/%s/stream (SSE)",
		job.ID, job.ID, job.ID, job.ID,
	)
	return mcp.NewToolResultStructured(map[string]any{
		"job_id": job.ID,
		"status": types.JobStatusQueued,
	}, message), nil
}

func (s *Server) handleGetJournalStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	job, errResult := s.ownedJob(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	summary := summarize(job)
	return mcp.NewToolResultStructured(summary, summary.String()), nil
}

func (s *Server) handleCancelJournal(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	job, errResult := s.ownedJob(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	updated, err := s.jobs.Cancel(ctx, job.ID)
	if err != nil {
		return toolError("failed to cancel journal", err), nil
	}
	summary := summarize(updated)
	return mcp.NewToolResultStructured(summary, summary.String()), nil
}

// ownedJob loads job_id and hides jobs of other owners
func (s *Server) ownedJob(ctx context.Context, request mcp.CallToolRequest) (*types.JournalJob, *mcp.CallToolResult) {
	jobID, err := request.RequireString("job_id")
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	owner, err := request.RequireString("owner_id")
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}

	job, err := s.jobs.Status(ctx, jobID)
	if err == nil && job.OwnerID != owner {
		err = jobs.ErrNotFound
	}
	if err != nil {
		return nil, toolError("failed to load journal", err)
	}
	return job, nil
}

// toolError turns domain errors into tool results the model can act on
func toolError(action string, err error) *mcp.CallToolResult {
	var validationErr *pipeline.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return mcp.NewToolResultError(validationErr.Error())
	case errors.Is(err, jobs.ErrNotFound):
		return mcp.NewToolResultError("journal job not found")
	case errors.Is(err, jobs.ErrJobTerminal):
		return mcp.NewToolResultError("journal job already finished")
	default:
		slog.Error("Tool call failed", "action", action, "error", err)
		return mcp.NewToolResultError(action)
	}
}

// HandleToolCall handles POST /tools/call, a REST shortcut to the MCP tools
// that needs no session.
func (s *Server) HandleToolCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "Tool name is required", http.StatusBadRequest)
		return
	}

	handler := s.ToolHandler(req.Name)
	if handler == nil {
		http.Error(w, fmt.Sprintf("Tool %q not found", req.Name), http.StatusNotFound)
		return
	}

	if req.Arguments == nil {
		req.Arguments = make(map[string]any)
	}
	// The header identifies the caller; a body owner_id may only repeat it
	if owner := r.Header.Get(ownerHeader); owner != "" {
		if claimed, ok := req.Arguments["owner_id"]; ok && claimed != owner {
			http.Error(w, "owner_id does not match "+ownerHeader, http.StatusForbidden)
			return
		}
		req.Arguments["owner_id"] = owner
	}

	result, err := handler(r.Context(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      req.Name,
			Arguments: req.Arguments,
		},
	})
	if err != nil {
		slog.Error("Tool call failed", "tool", req.Name, "error", err)
		http.Error(w, "Tool call failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		slog.Error("Failed to encode result", "error", err)
	}
}
