package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/journalcraft/journal-crew/internal/artifacts"
	"github.com/journalcraft/journal-crew/internal/jobs"
	"github.com/journalcraft/journal-crew/internal/pipeline"
)

// Error codes returned in the error body
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeJobNotCompleted = "JOB_NOT_COMPLETED"
	CodeUnavailable     = "UNAVAILABLE"
	CodeInternal        = "INTERNAL"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeServiceError maps domain errors to status codes. Unknown errors are
// logged and reported without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *pipeline.ValidationError
	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
			Code:    CodeInvalidArgument,
			Message: validationErr.Error(),
			Field:   validationErr.Field,
		}})
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, "job not found")
	case errors.Is(err, artifacts.ErrNotFound), errors.Is(err, artifacts.ErrInvalidName):
		writeError(w, http.StatusNotFound, CodeNotFound, "file not found")
	case errors.Is(err, jobs.ErrJobTerminal):
		writeError(w, http.StatusConflict, CodeConflict, "job already finished")
	case errors.Is(err, pipeline.ErrJobNotQueued), errors.Is(err, pipeline.ErrJobActive):
		writeError(w, http.StatusConflict, CodeConflict, "job is not queued")
	default:
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}
