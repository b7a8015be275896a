package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/journalcraft/journal-crew/internal/progress"
	"github.com/journalcraft/journal-crew/pkg/types"
)

const subscriberBuffer = 32

// follow subscribes to a job and passes every event to send until the
// terminal one has been sent. It returns false when the broadcaster dropped
// the subscriber first.
func (h *Handler) follow(ctx context.Context, job *types.JournalJob, send func(types.ProgressEvent) error, idle func() error) (bool, error) {
	sub := progress.NewChanSubscriber(uuid.NewString(), subscriberBuffer)
	defer sub.Close()
	defer h.broadcaster.Unsubscribe(job.ID, sub)
	h.broadcaster.Subscribe(job.ID, sub, job.Event())

	var tick <-chan time.Time
	if idle != nil {
		ticker := time.NewTicker(h.keepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case ev := <-sub.Events():
			if err := send(ev); err != nil {
				return true, err
			}
			if ev.Status.IsTerminal() {
				return true, nil
			}
		case <-sub.Done():
			slog.Debug("Stream subscriber dropped", "job", job.ID, "subscriber", sub.ID(), "error", sub.Err())
			return false, nil
		case <-tick:
			if err := idle(); err != nil {
				return true, err
			}
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

// HandleJobSocket handles GET /jobs/{id}/ws. The current state is sent on
// connect, then one message per transition; the server closes the socket
// after the terminal message.
func (h *Handler) HandleJobSocket(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "job", job.ID, "error", err)
		return
	}
	defer conn.CloseNow()

	// Client messages are ignored; CloseRead handles control frames
	ctx := conn.CloseRead(r.Context())

	send := func(ev types.ProgressEvent) error {
		writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
		defer cancel()
		return wsjson.Write(writeCtx, conn, ev)
	}

	finished, err := h.follow(ctx, job, send, nil)
	switch {
	case err != nil:
		if !isClientGone(err) {
			slog.Warn("WebSocket stream ended", "job", job.ID, "error", err)
		}
	case !finished:
		conn.Close(websocket.StatusTryAgainLater, "subscriber dropped")
	default:
		conn.Close(websocket.StatusNormalClosure, "job finished")
	}
}

// HandleJobStream handles GET /jobs/{id}/stream as server-sent events
func (h *Handler) HandleJobStream(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.Warn("Streaming not supported", "job", job.ID, "error", err)
		return
	}

	send := func(ev types.ProgressEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data); err != nil {
			return err
		}
		return rc.Flush()
	}
	keepAlive := func() error {
		if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
			return err
		}
		return rc.Flush()
	}

	finished, err := h.follow(r.Context(), job, send, keepAlive)
	if err != nil && !isClientGone(err) {
		slog.Warn("Event stream ended", "job", job.ID, "error", err)
	}
	if !finished {
		fmt.Fprint(w, "event: dropped\ndata: {}\n\n")
		_ = rc.Flush()
	}
}
