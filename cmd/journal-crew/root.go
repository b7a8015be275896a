package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "journal-crew",
	Short: "Generate themed journals with a crew of LLM agents",
	Long: `journal-crew turns a theme and a few style preferences into a 30-day
journal: research, curation, editing and media planning by LLM agents,
rendered to PDF and EPUB.

Run 'serve' for the HTTP, WebSocket and MCP API, or 'generate' to build a
single journal from the command line.`,
	SilenceUsage: true,
}

// setupLogging installs the default slog logger
func setupLogging(w io.Writer, logLevel, format string) {
	var level slog.Level
	switch strings.ToUpper(logLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "INFO":
		level = slog.LevelInfo
	case "WARN", "WARNING":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}
