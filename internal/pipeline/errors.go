package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrJobNotQueued is returned by Start and Run for jobs that already left the queue
	ErrJobNotQueued = errors.New("job is not queued")

	// ErrJobActive is returned when a second execution is requested for a job
	ErrJobActive = errors.New("job is already executing")

	// ErrEmptyOutput marks a stage result without content or artifacts
	ErrEmptyOutput = errors.New("stage returned no content")

	// ErrInvalidJSON marks a JSON stage result that does not parse
	ErrInvalidJSON = errors.New("stage returned malformed JSON")
)

// ValidationError reports a malformed or missing job preference
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// StageExecutionError wraps a stage function failure or an unusable result
type StageExecutionError struct {
	Stage string
	Err   error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageExecutionError) Unwrap() error {
	return e.Err
}

// StageTimeoutError is returned when a stage exceeds its allotted time
type StageTimeoutError struct {
	Stage   string
	Timeout time.Duration
}

func (e *StageTimeoutError) Error() string {
	return fmt.Sprintf("%s stage timeout after %s", e.Stage, e.Timeout)
}

func (e *StageTimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// IsStageFailure reports whether err came from a stage, including timeouts
func IsStageFailure(err error) bool {
	var execErr *StageExecutionError
	var timeoutErr *StageTimeoutError
	return errors.As(err, &execErr) || errors.As(err, &timeoutErr)
}
