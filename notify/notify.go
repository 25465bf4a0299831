// Package notify broadcasts change notifications to in-process
// subscribers, typically SSE connections.
package notify

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/metrics"
)

const (
	EventConflictDetected        = "ConflictDetected"
	EventConflictResolved        = "ConflictResolved"
	EventSynchronizationStarted  = "SynchronizationStarted"
	EventSynchronizationFinished = "SynchronizationFinished"
	EventFileChanged             = "FileChanged"
	EventFileDeleted             = "FileDeleted"
)

// DefaultQueueSize is how many events a subscriber may lag behind before
// it starts missing some.
const DefaultQueueSize = 64

// Event is one notification.
type Event struct {
	Type      string      `json:"type"`
	FileName  string      `json:"fileName"`
	ServerURL string      `json:"serverUrl,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// WriteSSE writes e as one server-sent event frame.
func (e Event) WriteSSE(w io.Writer) error {
	data, err := json.Marshal(e)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	return errors.WithStack(err)
}

// Publisher is what producers of events depend on.
type Publisher interface {
	Publish(event Event)
}

// Filter selects the events a subscription receives. A nil Filter keeps
// everything.
type Filter func(Event) bool

// ForFile keeps the events of fileName. A name ending with a slash keeps
// the events of every file under that directory.
func ForFile(fileName string) Filter {
	if strings.HasSuffix(fileName, "/") {
		return func(e Event) bool { return strings.HasPrefix(e.FileName, fileName) }
	}
	return func(e Event) bool { return e.FileName == fileName }
}

// OfTypes keeps the events of the given types.
func OfTypes(types ...string) Filter {
	return func(e Event) bool {
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
}

// All keeps the events every filter keeps.
func All(filters ...Filter) Filter {
	return func(e Event) bool {
		for _, f := range filters {
			if f != nil && !f(e) {
				return false
			}
		}
		return true
	}
}

// Subscription queues the events of one subscriber.
type Subscription struct {
	b       *Broadcaster
	filter  Filter
	events  chan Event
	dropped atomic.Int64
	closed  bool
}

// Events is closed once the subscription is.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Dropped counts the events missed because the queue was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes. Closing twice is fine.
func (s *Subscription) Close() {
	b := s.b
	b.mu.Lock()
	if !s.closed {
		s.closed = true
		delete(b.subscriptions, s)
		close(s.events)
	}
	count := len(b.subscriptions)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(count))
}

// Broadcaster fans events out to subscriptions. Publish never blocks: a
// subscriber that doesn't keep up misses events.
type Broadcaster struct {
	mu            sync.RWMutex
	subscriptions map[*Subscription]struct{}
	queueSize     int
}

var _ Publisher = (*Broadcaster)(nil)

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscriptions: make(map[*Subscription]struct{}),
		queueSize:     DefaultQueueSize,
	}
}

func (b *Broadcaster) Subscribe(filter Filter) *Subscription {
	s := &Subscription{
		b:      b,
		filter: filter,
		events: make(chan Event, b.queueSize),
	}
	b.mu.Lock()
	b.subscriptions[s] = struct{}{}
	count := len(b.subscriptions)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(count))
	return s
}

func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	metrics.RecordNotification(event.Type)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscriptions {
		if s.filter != nil && !s.filter(event) {
			continue
		}
		select {
		case s.events <- event:
		default:
			s.dropped.Add(1)
			metrics.RecordNotificationDropped(event.Type)
		}
	}
}

func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}
