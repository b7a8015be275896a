package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limited throttles calls to an underlying client. Concurrent jobs share one
// Limited so the service stays inside the provider's request quota.
type Limited struct {
	next    Client
	limiter *rate.Limiter
}

// NewLimited allows rps requests per second with a burst of one.
// rps <= 0 disables limiting.
func NewLimited(next Client, rps float64) *Limited {
	l := &Limited{next: next}
	if rps > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return l
}

// Complete waits for a token and forwards the request
func (l *Limited) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return CompletionResponse{}, fmt.Errorf("rate limiter: %w", err)
		}
	}
	return l.next.Complete(ctx, req)
}

var _ Client = (*Limited)(nil)
