package llm

import (
	"context"
	"errors"
)

var (
	// ErrAPIKeyNotSet is returned when no OpenAI key is configured
	ErrAPIKeyNotSet = errors.New("OpenAI API key not set: set JOURNAL_OPENAI_API_KEY or OPENAI_API_KEY")

	// ErrMaxRetriesExceeded is returned when rate limiting outlasts the retry budget
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrInvalidJSON is returned when a JSON completion stays unparseable
	ErrInvalidJSON = errors.New("completion is not valid JSON")

	// ErrEmptyCompletion is returned when the model produced no text
	ErrEmptyCompletion = errors.New("completion is empty")
)

// CompletionRequest is a single prompt sent to the model
type CompletionRequest struct {
	System      string
	Prompt      string
	JSON        bool
	Temperature float64
	MaxTokens   int
}

// CompletionResponse is the model output for one request
type CompletionResponse struct {
	Content    string
	TokensUsed int
	Model      string
}

// Client generates completions
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}
