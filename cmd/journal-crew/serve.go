package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/journalcraft/journal-crew/internal/api"
	"github.com/journalcraft/journal-crew/internal/config"
	"github.com/journalcraft/journal-crew/internal/consumer"
	"github.com/journalcraft/journal-crew/internal/mcp"
)

const (
	pruneInterval     = time.Minute
	httpShutdownWait  = 10 * time.Second
	jobShutdownWait   = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the journal API server",
	Long: `Serve the HTTP API (jobs, files, WebSocket and SSE progress), the MCP
endpoint and, with RabbitMQ configured, the journal request consumer.

Configuration is read from JOURNAL_* environment variables and an optional
.env file.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	setupLogging(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.Info("Starting journal-crew", "addr", cfg.HTTPAddr, "logLevel", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.broadcaster.Run(ctx, pruneInterval, cfg.EventRetention)

	if _, _, err := a.coordinator.RecoverInterrupted(ctx); err != nil {
		slog.Error("Failed to recover interrupted jobs", "error", err)
	}

	var requests *consumer.RequestConsumer
	if a.requests != nil {
		requests = consumer.NewRequestConsumer(a.requests, a.coordinator, cfg.RabbitMQ.RequestQueue)
		if err := requests.Start(ctx); err != nil {
			return fmt.Errorf("failed to start request consumer: %w", err)
		}
	}

	opts := api.RouterOptions{}
	if cfg.MetricsEnabled {
		opts.Metrics = a.metrics
	}
	if cfg.MCPEnabled {
		mcpServer := mcp.NewServer(a.coordinator)
		opts.MCP = mcpServer.HTTPHandler()
		opts.Tools = http.HandlerFunc(mcpServer.HandleToolCall)
	}
	handler := api.NewHandler(a.coordinator, a.broadcaster, a.artifacts)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(handler, opts),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", server.Addr)
		slog.Info("Jobs: POST /jobs, GET /jobs/{id}, GET /jobs/{id}/files")
		slog.Info("Progress: GET /jobs/{id}/ws (WebSocket), GET /jobs/{id}/stream (SSE)")
		if cfg.MCPEnabled {
			slog.Info("MCP endpoint: POST /mcp, REST tool endpoint: POST /tools/call")
		}
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Received signal, initiating shutdown")
	case err := <-serveErr:
		if err != nil {
			slog.Error("Server failed", "error", err)
			stop()
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownWait)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	if requests != nil {
		<-requests.Done()
	}

	jobsCtx, cancelJobs := context.WithTimeout(context.Background(), jobShutdownWait)
	defer cancelJobs()
	if err := a.coordinator.Shutdown(jobsCtx); err != nil {
		slog.Warn("Jobs interrupted by shutdown", "error", err)
	}

	slog.Info("Shutdown complete")
	return nil
}
