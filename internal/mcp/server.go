// Package mcp exposes journal jobs as MCP tools.
package mcp

import (
	"context"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/journalcraft/journal-crew/pkg/types"
)

const (
	serverName    = "journal-crew"
	serverVersion = "0.1.0"
)

// Jobs is the part of the coordinator the tools call
type Jobs interface {
	Submit(ctx context.Context, ownerID string, prefs types.Preferences) (*types.JournalJob, error)
	Start(ctx context.Context, jobID string) error
	Status(ctx context.Context, jobID string) (*types.JournalJob, error)
	Cancel(ctx context.Context, jobID string) (*types.JournalJob, error)
}

// Server wraps the mark3labs MCP server
type Server struct {
	mcpServer *server.MCPServer
	jobs      Jobs
	handlers  map[string]server.ToolHandlerFunc
}

// NewServer creates the MCP server and registers the journal tools
func NewServer(jobs Jobs) *Server {
	s := &Server{
		jobs:     jobs,
		handlers: make(map[string]server.ToolHandlerFunc),
	}

	s.mcpServer = server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(false), // Tools don't change at runtime
		server.WithRecovery(),
	)
	s.registerTools()

	return s
}

func (s *Server) registerTools() {
	s.addTool(mcp.NewTool(
		"createJournal",
		mcp.WithDescription("Start generating a themed 30-day journal. Returns the job id to poll or stream."),
		mcp.WithString("owner_id",
			mcp.Required(),
			mcp.Description("User the journal belongs to"),
		),
		mcp.WithString("theme",
			mcp.Required(),
			mcp.Description("Journal theme, e.g. gratitude or resilience"),
		),
		mcp.WithString("title_style",
			mcp.Required(),
			mcp.Description("Style of the journal title, e.g. inspirational"),
		),
		mcp.WithString("author_style",
			mcp.Required(),
			mcp.Description("Voice the entries are written in, e.g. empathetic"),
		),
		mcp.WithString("research_depth",
			mcp.Description("How much research to gather (default: medium)"),
			mcp.Enum("light", "medium", "deep"),
		),
	), s.handleCreateJournal)

	s.addTool(mcp.NewTool(
		"getJournalStatus",
		mcp.WithDescription("Report the status, current stage and progress of a journal job"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job id returned by createJournal")),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("User the journal belongs to")),
	), s.handleGetJournalStatus)

	s.addTool(mcp.NewTool(
		"cancelJournal",
		mcp.WithDescription("Cancel a queued or running journal job"),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job id returned by createJournal")),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("User the journal belongs to")),
	), s.handleCancelJournal)
}

func (s *Server) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.mcpServer.AddTool(tool, handler)
	s.handlers[tool.Name] = handler
}

// ToolHandler returns the handler registered under name, or nil
func (s *Server) ToolHandler(name string) server.ToolHandlerFunc {
	return s.handlers[name]
}

// GetMCPServer returns the underlying MCP server
func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

// HTTPHandler serves the streamable HTTP transport
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}
