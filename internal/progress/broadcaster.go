package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/journalcraft/journal-crew/internal/metrics"
	"github.com/journalcraft/journal-crew/pkg/types"
)

// retainedEvent is the last event published for a job
type retainedEvent struct {
	event types.ProgressEvent
	at    time.Time
}

// subscription is a registered subscriber. initial holds the state delivered
// on subscribe until the next publish, so a commit already seen in the
// snapshot is not sent twice.
type subscription struct {
	sub     Subscriber
	initial *types.ProgressEvent
}

// Broadcaster fans out job progress events to subscribed connections
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]map[string]*subscription
	last        map[string]retainedEvent
	total       int
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewBroadcaster creates an empty broadcaster. m may be nil.
func NewBroadcaster(m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]map[string]*subscription),
		last:        make(map[string]retainedEvent),
		metrics:     m,
		now:         time.Now,
	}
}

// Subscribe delivers the freshest known state of jobID to sub and registers
// it for further events. current is the caller's snapshot of the job and is
// used when the broadcaster has not seen the job yet.
//
// It returns false when sub was not registered: the delivered state was
// terminal, or the initial delivery failed.
func (b *Broadcaster) Subscribe(jobID string, sub Subscriber, current types.ProgressEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	initial := current
	if r, ok := b.last[jobID]; ok && (initial.JobID == "" || newer(r.event, initial)) {
		initial = r.event
	}

	if initial.JobID != "" {
		if err := sub.Send(initial); err != nil {
			b.dropLocked(jobID, sub, err)
			return false
		}
		if initial.Status.IsTerminal() {
			slog.Debug("Job already terminal, subscriber not registered", "job", jobID, "subscriber", sub.ID())
			return false
		}
	}

	subs, ok := b.subscribers[jobID]
	if !ok {
		subs = make(map[string]*subscription)
		b.subscribers[jobID] = subs
	}
	if _, exists := subs[sub.ID()]; !exists {
		b.total++
	}
	entry := &subscription{sub: sub}
	if initial.JobID != "" {
		entry.initial = &initial
	}
	subs[sub.ID()] = entry
	b.reportLocked()

	slog.Debug("Subscriber registered", "job", jobID, "subscriber", sub.ID())
	return true
}

// Publish sends event to every subscriber of its job. Delivery is best-effort:
// a subscriber whose Send fails is unregistered without affecting the others.
// Subscribers are released after a terminal event.
func (b *Broadcaster) Publish(event types.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.last[event.JobID] = retainedEvent{event: event, at: b.now()}

	for _, entry := range b.subscribers[event.JobID] {
		seen := entry.initial
		entry.initial = nil
		if seen != nil && sameState(*seen, event) {
			continue
		}
		if err := entry.sub.Send(event); err != nil {
			b.removeLocked(event.JobID, entry.sub.ID())
			b.dropLocked(event.JobID, entry.sub, err)
		}
	}

	if event.Status.IsTerminal() {
		if subs, ok := b.subscribers[event.JobID]; ok {
			b.total -= len(subs)
			delete(b.subscribers, event.JobID)
		}
	}
	b.reportLocked()

	slog.Debug("Progress published",
		"job", event.JobID,
		"stage", event.CurrentStage,
		"progress", event.ProgressPercent,
		"status", event.Status)
}

// Unsubscribe removes sub; it is a no-op when sub is not registered
func (b *Broadcaster) Unsubscribe(jobID string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeLocked(jobID, sub.ID())
	b.reportLocked()
}

// Subscribers returns how many listeners are registered for jobID
func (b *Broadcaster) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[jobID])
}

// Last returns the most recent event published for jobID
func (b *Broadcaster) Last(jobID string) (types.ProgressEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.last[jobID]
	return r.event, ok
}

// Prune forgets terminal last-events recorded before the retention window
func (b *Broadcaster) Prune(retention time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-retention)
	pruned := 0
	for jobID, r := range b.last {
		if r.event.Status.IsTerminal() && r.at.Before(cutoff) {
			delete(b.last, jobID)
			pruned++
		}
	}
	return pruned
}

// Run prunes retained events periodically until ctx is cancelled
func (b *Broadcaster) Run(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := b.Prune(retention); n > 0 {
				slog.Debug("Pruned retained progress events", "count", n)
			}
		}
	}
}

// removeLocked unregisters a subscriber (must hold lock)
func (b *Broadcaster) removeLocked(jobID, subID string) {
	subs, ok := b.subscribers[jobID]
	if !ok {
		return
	}
	if _, exists := subs[subID]; !exists {
		return
	}
	delete(subs, subID)
	b.total--
	if len(subs) == 0 {
		delete(b.subscribers, jobID)
	}
}

// dropLocked reports a failed delivery (must hold lock)
func (b *Broadcaster) dropLocked(jobID string, sub Subscriber, err error) {
	deliveryErr := &BroadcastDeliveryError{JobID: jobID, Subscriber: sub.ID(), Err: err}
	slog.Warn("Dropping progress subscriber", "job", jobID, "subscriber", sub.ID(), "error", deliveryErr)

	if b.metrics != nil {
		b.metrics.RecordBroadcastDrop()
	}
	if d, ok := sub.(Dropper); ok {
		d.Dropped(deliveryErr)
	}
}

func (b *Broadcaster) reportLocked() {
	if b.metrics != nil {
		b.metrics.SetSubscribers(b.total)
	}
}

// sameState reports whether a and b describe the same commit
func sameState(a, b types.ProgressEvent) bool {
	return a.Status == b.Status && a.ProgressPercent == b.ProgressPercent && a.CurrentStage == b.CurrentStage
}

// newer reports whether a describes a later point in the job lifecycle than b
func newer(a, b types.ProgressEvent) bool {
	if ra, rb := statusRank(a.Status), statusRank(b.Status); ra != rb {
		return ra > rb
	}
	if a.ProgressPercent != b.ProgressPercent {
		return a.ProgressPercent > b.ProgressPercent
	}
	return a.Timestamp.After(b.Timestamp)
}

func statusRank(s types.JobStatus) int {
	switch s {
	case types.JobStatusQueued:
		return 0
	case types.JobStatusRunning:
		return 1
	case types.JobStatusCompleted, types.JobStatusFailed:
		return 2
	}
	return -1
}
