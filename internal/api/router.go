// Package api serves the journal HTTP API: job submission and queries,
// artifact downloads and live progress over WebSocket and SSE.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/journalcraft/journal-crew/internal/metrics"
)

// OwnerHeader identifies the caller. Authentication happens upstream.
const OwnerHeader = "X-User-ID"

// ownerQueryParam is accepted on the streaming routes, browsers cannot set
// headers on a WebSocket handshake or an EventSource
const ownerQueryParam = "user_id"

type ctxKey int

const ownerKey ctxKey = iota

// RouterOptions holds the optional mounts
type RouterOptions struct {
	MCP     http.Handler
	Tools   http.Handler
	Metrics *metrics.Metrics
}

// NewRouter wires the handler into a chi router
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}
	if opts.MCP != nil {
		r.Handle("/mcp", opts.MCP)
	}
	if opts.Tools != nil {
		r.Handle("/tools/call", opts.Tools)
	}

	r.Route("/jobs", func(r chi.Router) {
		r.Use(requireOwner)
		r.Post("/", h.HandleCreateJob)
		r.Get("/", h.HandleListJobs)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.HandleGetJob)
			r.Delete("/", h.HandleCancelJob)
			r.Get("/files", h.HandleListFiles)
			r.Get("/files/{name}", h.HandleDownloadFile)
			r.Head("/files/{name}", h.HandleStatFile)
			r.Get("/ws", h.HandleJobSocket)
			r.Get("/stream", h.HandleJobStream)
		})
	})

	return r
}

// requireOwner rejects requests without an owner id
func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(OwnerHeader)
		if owner == "" {
			owner = r.URL.Query().Get(ownerQueryParam)
		}
		if owner == "" {
			writeError(w, http.StatusUnauthorized, CodeUnauthenticated, OwnerHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey, owner)))
	})
}

func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey).(string)
	return owner
}

// requestLogger logs one line per request through slog
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			level := slog.LevelDebug
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			slog.Log(r.Context(), level, "HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		}()
		next.ServeHTTP(ww, r)
	})
}
