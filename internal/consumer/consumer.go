package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/journalcraft/journal-crew/internal/pipeline"
	"github.com/journalcraft/journal-crew/internal/queue"
	"github.com/journalcraft/journal-crew/pkg/types"
)

// JobStarter creates and launches journal jobs
type JobStarter interface {
	Submit(ctx context.Context, ownerID string, prefs types.Preferences) (*types.JournalJob, error)
	Start(ctx context.Context, jobID string) error
}

// RequestConsumer turns journal requests arriving on a queue into jobs
type RequestConsumer struct {
	queueClient queue.Client
	jobs        JobStarter
	queueName   string
	done        chan struct{}

	// Delay between failed receives; grows up to maxRetryWait
	retryWait    time.Duration
	maxRetryWait time.Duration
}

// NewRequestConsumer creates a new request consumer
func NewRequestConsumer(queueClient queue.Client, jobs JobStarter, queueName string) *RequestConsumer {
	return &RequestConsumer{
		queueClient:  queueClient,
		jobs:         jobs,
		queueName:    queueName,
		done:         make(chan struct{}),
		retryWait:    500 * time.Millisecond,
		maxRetryWait: 30 * time.Second,
	}
}

// Start consumes in the background until ctx is cancelled
func (c *RequestConsumer) Start(ctx context.Context) error {
	slog.Info("Starting request consumer", "queue", c.queueName)
	go c.consumeQueue(ctx)
	return nil
}

// Done is closed once the consumer loop has exited
func (c *RequestConsumer) Done() <-chan struct{} {
	return c.done
}

func (c *RequestConsumer) consumeQueue(ctx context.Context) {
	defer close(c.done)

	retry := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.retryWait),
		backoff.WithMaxInterval(c.maxRetryWait),
		backoff.WithMaxElapsedTime(0),
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping consumer", "queue", c.queueName)
			return
		default:
			// Blocks until a message is available or ctx is cancelled
			msg, err := c.queueClient.Receive(ctx, c.queueName)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				wait := retry.NextBackOff()
				slog.Error("Error receiving from queue", "queue", c.queueName, "error", err, "retry_in", wait)
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
				continue
			}
			retry.Reset()

			slog.Debug("Received message", "queue", c.queueName, "id", msg.ID(), "body", string(msg.Body()[:min(len(msg.Body()), 200)]))
			c.processMessage(ctx, msg)
		}
	}
}

// processMessage submits and starts one job. Every message is acked: a
// request that cannot be parsed or validated would fail again on redelivery.
func (c *RequestConsumer) processMessage(ctx context.Context, msg queue.QueueMessage) {
	defer func() {
		if err := c.queueClient.Ack(context.WithoutCancel(ctx), msg); err != nil {
			slog.Error("Failed to ack message", "id", msg.ID(), "error", err)
		}
	}()

	var req types.JournalRequest
	if err := json.Unmarshal(msg.Body(), &req); err != nil {
		slog.Error("Failed to parse journal request, dropping", "id", msg.ID(), "error", err)
		return
	}
	if req.OwnerID == "" {
		slog.Error("Journal request has no owner_id, dropping", "id", msg.ID())
		return
	}

	job, err := c.jobs.Submit(ctx, req.OwnerID, req.Preferences)
	if err != nil {
		var validationErr *pipeline.ValidationError
		if errors.As(err, &validationErr) {
			slog.Warn("Invalid journal request, dropping", "id", msg.ID(), "owner", req.OwnerID, "error", err)
			return
		}
		slog.Error("Failed to submit journal request", "id", msg.ID(), "owner", req.OwnerID, "error", err)
		return
	}

	if err := c.jobs.Start(ctx, job.ID); err != nil {
		slog.Error("Failed to start job", "job", job.ID, "error", err)
		return
	}

	slog.Info("Job submitted from queue", "job", job.ID, "owner", req.OwnerID)
}
