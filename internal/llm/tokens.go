package llm

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter measures prompt sizes with the cl100k_base encoding. When the
// encoding cannot be loaded (no network on first use) it falls back to an
// estimate of three runes per token.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter loads cl100k_base, logging and falling back to the
// estimate on failure
func NewTokenCounter() *TokenCounter {
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("Failed to load tiktoken encoding, estimating token counts", "error", err)
		return &TokenCounter{}
	}
	return &TokenCounter{encoding: encoding}
}

// Exact reports whether counts come from the real tokenizer
func (tc *TokenCounter) Exact() bool {
	return tc != nil && tc.encoding != nil
}

// Count returns the number of tokens in text
func (tc *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if !tc.Exact() {
		return EstimateTokens(text)
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// Truncate returns the longest prefix of text that fits in maxTokens
func (tc *TokenCounter) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if tc.Count(text) <= maxTokens {
		return text
	}

	if tc.Exact() {
		tokens := tc.encoding.Encode(text, nil, nil)
		return tc.encoding.Decode(tokens[:maxTokens])
	}

	runes := []rune(text)
	limit := maxTokens * 3
	if limit > len(runes) {
		limit = len(runes)
	}
	return string(runes[:limit])
}

// EstimateTokens approximates the token count at three runes per token
func EstimateTokens(text string) int {
	n := len([]rune(text))
	return (n + 2) / 3
}
