// Package events fans capture lifecycle events out to live observers.
//
// Delivery is prospective only: a subscriber sees the events published after
// it subscribed, in publish order, and nothing from before. A subscriber whose
// queue is full misses the event; publishers never wait on observers.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getmockd/interceptor/pkg/logging"
)

// Event types.
const (
	TypeNewRequest    = "new_request"
	TypeUpdateRequest = "update_request"
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 64

// Event is one published notification. Data holds the JSON payload.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	Time time.Time       `json:"timestamp"`
}

// Options configures a Broadcaster.
type Options struct {
	// BufferSize is the queue length per subscriber (default DefaultBufferSize).
	BufferSize int
	// Logger for drop diagnostics (nil = no logging).
	Logger *slog.Logger
}

// Broadcaster delivers published events to every current subscriber.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool

	bufferSize int
	log        *slog.Logger
	now        func() time.Time
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster(opts Options) *Broadcaster {
	b := &Broadcaster{
		subs:       make(map[*Subscription]struct{}),
		bufferSize: opts.BufferSize,
		log:        opts.Logger,
		now:        time.Now,
	}
	if b.bufferSize <= 0 {
		b.bufferSize = DefaultBufferSize
	}
	if b.log == nil {
		b.log = logging.Nop()
	}
	return b
}

// Subscribe registers a new observer. After Close on the broadcaster the
// returned subscription is already closed.
func (b *Broadcaster) Subscribe() *Subscription {
	s := &Subscription{b: b, ch: make(chan Event, b.bufferSize)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish marshals payload once and queues it for every subscriber.
func (b *Broadcaster) Publish(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", eventType, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ev := Event{Type: eventType, Data: data, Time: b.now()}
	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			n := s.dropped.Add(1)
			b.log.Warn("subscriber queue full, event dropped",
				"type", eventType, "dropped", n)
		}
	}
	return nil
}

// Count returns the number of active subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for s := range b.subs {
		b.detach(s)
	}
}

// detach removes s and closes its channel. Callers hold b.mu.
func (b *Broadcaster) detach(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	delete(b.subs, s)
	close(s.ch)
}

// Subscription is one observer's view of the event stream.
type Subscription struct {
	b       *Broadcaster
	ch      chan Event
	closed  bool // guarded by b.mu
	dropped atomic.Uint64
}

// Events returns the channel of delivered events. It is closed when the
// subscription or the broadcaster is closed.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.detach(s)
}

// Dropped returns how many events this subscriber missed on a full queue.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }
