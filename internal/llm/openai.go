package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const (
	DefaultModel = "gpt-4o-mini"

	// MaxRetries bounds retries after a 429
	MaxRetries = 3

	BaseBackoff = 2 * time.Second
	MaxBackoff  = 32 * time.Second

	// JSONParseMaxRetries is how many times a malformed JSON answer is re-requested
	JSONParseMaxRetries = 1

	jsonReminder = "Your previous answer was not valid JSON. Reply with a single valid JSON object and nothing else."
)

// OpenAIClient calls the chat completions API
type OpenAIClient struct {
	client      openai.Client
	model       string
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// OpenAIOption customises an OpenAIClient
type OpenAIOption func(*openAISettings)

type openAISettings struct {
	baseURL     string
	httpClient  *http.Client
	baseBackoff time.Duration
}

// WithBaseURL points the client at an OpenAI-compatible endpoint
func WithBaseURL(url string) OpenAIOption {
	return func(s *openAISettings) {
		s.baseURL = url
	}
}

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(s *openAISettings) {
		s.httpClient = c
	}
}

// WithBackoff sets the first retry delay after a rate limit
func WithBackoff(d time.Duration) OpenAIOption {
	return func(s *openAISettings) {
		s.baseBackoff = d
	}
}

// NewOpenAIClient creates a client for model (DefaultModel when empty)
func NewOpenAIClient(apiKey, model string, opts ...OpenAIOption) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	if model == "" {
		model = DefaultModel
	}

	settings := openAISettings{baseBackoff: BaseBackoff}
	for _, opt := range opts {
		opt(&settings)
	}

	// Rate limit retries are handled here, not by the SDK
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if settings.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(settings.baseURL))
	}
	if settings.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(settings.httpClient))
	}

	maxBackoff := MaxBackoff
	if settings.baseBackoff < BaseBackoff {
		maxBackoff = settings.baseBackoff * 16
	}

	return &OpenAIClient{
		client:      openai.NewClient(reqOpts...),
		model:       model,
		baseBackoff: settings.baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Model returns the configured model name
func (c *OpenAIClient) Model() string {
	return c.model
}

// Complete sends req, retrying on rate limits. JSON requests whose answer
// does not parse are asked once more with a reminder.
func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	prompt := req.Prompt
	for attempt := 0; ; attempt++ {
		resp, err := c.completeWithRetry(ctx, req, prompt)
		if err != nil {
			return CompletionResponse{}, err
		}

		if req.JSON && !json.Valid([]byte(resp.Content)) {
			if attempt >= JSONParseMaxRetries {
				return CompletionResponse{}, fmt.Errorf("%w after %d retries", ErrInvalidJSON, JSONParseMaxRetries)
			}
			slog.Debug("Completion was not valid JSON, asking again", "model", c.model)
			prompt = req.Prompt + "\n\n" + jsonReminder
			continue
		}

		return resp, nil
	}
}

func (c *OpenAIClient) completeWithRetry(ctx context.Context, req CompletionRequest, prompt string) (CompletionResponse, error) {
	var lastErr error

	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.baseBackoff << (attempt - 1)
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}

			select {
			case <-ctx.Done():
				return CompletionResponse{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
		if req.System != "" {
			messages = append(messages, openai.SystemMessage(req.System))
		}
		messages = append(messages, openai.UserMessage(prompt))

		params := openai.ChatCompletionNewParams{
			Model:       shared.ChatModel(c.model),
			Messages:    messages,
			Temperature: openai.Float(req.Temperature),
		}
		if req.MaxTokens > 0 {
			params.MaxTokens = openai.Int(int64(req.MaxTokens))
		}
		if req.JSON {
			params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{
					Type: "json_object",
				},
			}
		}

		completion, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			lastErr = err
			if isRateLimitError(err) {
				slog.Warn("OpenAI rate limited, backing off", "attempt", attempt+1, "model", c.model)
				continue
			}
			return CompletionResponse{}, fmt.Errorf("OpenAI API call failed: %w", err)
		}

		if len(completion.Choices) == 0 {
			return CompletionResponse{}, fmt.Errorf("no completion choices returned")
		}

		content := strings.TrimSpace(completion.Choices[0].Message.Content)
		if content == "" {
			return CompletionResponse{}, ErrEmptyCompletion
		}

		return CompletionResponse{
			Content:    content,
			TokensUsed: int(completion.Usage.TotalTokens),
			Model:      string(completion.Model),
		}, nil
	}

	return CompletionResponse{}, fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
}

func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

var _ Client = (*OpenAIClient)(nil)
