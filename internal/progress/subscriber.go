package progress

import (
	"errors"
	"fmt"
	"sync"

	"github.com/journalcraft/journal-crew/pkg/types"
)

// ErrSubscriberFull is returned by Send when a subscriber cannot keep up
var ErrSubscriberFull = errors.New("subscriber buffer full")

// ErrSubscriberClosed is returned by Send after the subscriber went away
var ErrSubscriberClosed = errors.New("subscriber closed")

// Subscriber is a live listener for one job's progress events.
//
// Send is called with the broadcaster lock held and must not block; any
// error marks the subscriber unhealthy and it is unregistered.
type Subscriber interface {
	ID() string
	Send(event types.ProgressEvent) error
}

// Dropper is implemented by subscribers that want to be told when the
// broadcaster gives up on them after a failed delivery.
type Dropper interface {
	Dropped(err error)
}

// BroadcastDeliveryError records a failed delivery to one subscriber
type BroadcastDeliveryError struct {
	JobID      string
	Subscriber string
	Err        error
}

func (e *BroadcastDeliveryError) Error() string {
	return fmt.Sprintf("deliver progress for job %s to subscriber %s: %v", e.JobID, e.Subscriber, e.Err)
}

func (e *BroadcastDeliveryError) Unwrap() error {
	return e.Err
}

// ChanSubscriber buffers events on a channel for a single reader
type ChanSubscriber struct {
	id      string
	events  chan types.ProgressEvent
	dropped chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

// NewChanSubscriber creates a subscriber holding up to buffer undelivered events
func NewChanSubscriber(id string, buffer int) *ChanSubscriber {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChanSubscriber{
		id:      id,
		events:  make(chan types.ProgressEvent, buffer),
		dropped: make(chan struct{}),
	}
}

func (s *ChanSubscriber) ID() string {
	return s.id
}

// Send enqueues without blocking
func (s *ChanSubscriber) Send(event types.ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSubscriberClosed
	}

	select {
	case s.events <- event:
		return nil
	default:
		return ErrSubscriberFull
	}
}

// Events returns the receive side of the buffer
func (s *ChanSubscriber) Events() <-chan types.ProgressEvent {
	return s.events
}

// Done is closed once the broadcaster dropped the subscriber or Close was called
func (s *ChanSubscriber) Done() <-chan struct{} {
	return s.dropped
}

// Err reports why the subscriber was dropped, if it was
func (s *ChanSubscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ChanSubscriber) Dropped(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(err)
}

// Close stops accepting events
func (s *ChanSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(nil)
}

func (s *ChanSubscriber) closeLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.dropped)
}
