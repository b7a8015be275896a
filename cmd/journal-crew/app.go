package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/journalcraft/journal-crew/internal/agents"
	"github.com/journalcraft/journal-crew/internal/artifacts"
	"github.com/journalcraft/journal-crew/internal/config"
	"github.com/journalcraft/journal-crew/internal/jobs"
	"github.com/journalcraft/journal-crew/internal/llm"
	"github.com/journalcraft/journal-crew/internal/metrics"
	"github.com/journalcraft/journal-crew/internal/pipeline"
	"github.com/journalcraft/journal-crew/internal/progress"
	"github.com/journalcraft/journal-crew/internal/queue"
)

// app holds the components shared by serve and generate
type app struct {
	cfg         *config.Config
	store       jobs.Store
	artifacts   artifacts.Store
	metrics     *metrics.Metrics
	broadcaster *progress.Broadcaster
	coordinator *pipeline.Coordinator

	// requests is the broker client the request consumer reads from; nil
	// without RabbitMQ
	requests queue.Client

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.metrics = metrics.NewMetrics(cfg.MetricsNamespace)

	if cfg.DatabaseURL != "" {
		slog.Info("Using PostgreSQL job store")
		pg, err := jobs.NewPgStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		a.store = pg
	} else {
		slog.Info("Using in-memory job store (jobs are lost on restart)")
		a.store = jobs.NewMemoryStore()
	}

	var err error
	if cfg.Artifacts.S3Bucket != "" {
		slog.Info("Storing artifacts in S3", "bucket", cfg.Artifacts.S3Bucket, "prefix", cfg.Artifacts.S3Prefix)
		a.artifacts, err = artifacts.NewS3Store(ctx, artifacts.S3Config{
			Bucket:         cfg.Artifacts.S3Bucket,
			Region:         cfg.Artifacts.S3Region,
			Endpoint:       cfg.Artifacts.S3Endpoint,
			Prefix:         cfg.Artifacts.S3Prefix,
			ForcePathStyle: cfg.Artifacts.S3ForcePathStyle,
		})
	} else {
		slog.Info("Storing artifacts on disk", "dir", cfg.Artifacts.Dir)
		a.artifacts, err = artifacts.NewLocalStore(cfg.Artifacts.Dir)
	}
	if err != nil {
		return nil, err
	}

	var llmOpts []llm.OpenAIOption
	if cfg.OpenAI.BaseURL != "" {
		llmOpts = append(llmOpts, llm.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	client, err := llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model, llmOpts...)
	if err != nil {
		return nil, err
	}

	crew := &agents.Crew{
		LLM:              llm.NewLimited(client, cfg.OpenAI.RequestsPerSecond),
		Artifacts:        a.artifacts,
		Tokens:           llm.NewTokenCounter(),
		Days:             cfg.JournalDays,
		MaxContextTokens: cfg.OpenAI.MaxContextTokens,
	}
	stages, err := crew.Stages(cfg.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}

	a.broadcaster = progress.NewBroadcaster(a.metrics)

	opts := []pipeline.Option{pipeline.WithMetrics(a.metrics)}
	relay, err := a.eventRelay(ctx)
	if err != nil {
		return nil, err
	}
	if relay != nil {
		opts = append(opts, pipeline.WithNotifier(relay))
	}

	a.coordinator, err = pipeline.NewCoordinator(a.store, a.broadcaster, stages, opts...)
	if err != nil {
		return nil, err
	}

	slog.Info("Pipeline ready", "stages", a.coordinator.StageNames(), "model", client.Model(), "days", cfg.JournalDays)
	ok = true
	return a, nil
}

// eventRelay connects the configured broker. SQS takes precedence for events;
// RabbitMQ also feeds the request consumer.
func (a *app) eventRelay(ctx context.Context) (*queue.EventRelay, error) {
	cfg := a.cfg
	var publisher queue.Publisher

	if cfg.RabbitMQ.Enabled() {
		slog.Info("RabbitMQ configuration", "exchange", cfg.RabbitMQ.Exchange, "poolSize", cfg.RabbitMQ.PoolSize)
		client, err := queue.NewRabbitMQClientPooled(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.PoolSize)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.requests = client
		publisher = client
	}

	if cfg.SQSEventsQueueURL != "" {
		slog.Info("Relaying progress events to SQS", "queue", cfg.SQSEventsQueueURL)
		client, err := queue.NewSQSClient(ctx, queue.SQSConfig{
			QueueURL: cfg.SQSEventsQueueURL,
			Region:   cfg.SQSRegion,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		publisher = client
	}

	if publisher == nil {
		return nil, nil
	}
	return queue.NewEventRelay(publisher, a.metrics), nil
}

// Close releases connections in reverse order of creation
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
