// Package events is the in-process notification bus for replication lifecycle events.
package events

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Kind identifies an event.
type Kind int

const (
	// BeforeSend is published before each delivery attempt to a destination.
	// Subscribers may call Cancel to skip it.
	BeforeSend Kind = iota
	// MessageStored is published once an outbound message is persisted and queued.
	MessageStored
	// MessageHandled is published after a received message was handled successfully.
	MessageHandled
	// InstanceChanged is published when an instance's trust status or key changes.
	InstanceChanged
)

func (k Kind) String() string {
	switch k {
	case BeforeSend:
		return "before_send"
	case MessageStored:
		return "message_stored"
	case MessageHandled:
		return "message_handled"
	case InstanceChanged:
		return "instance_changed"
	default:
		return "unknown"
	}
}

// Event carries the details of a notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind

	MessageID   string
	MessageType string
	Source      string
	Metadata    map[string][]string
	Destination string
	Targets     []string

	Instance       string
	Status         string
	PreviousStatus string

	cancelled bool
}

// Cancel vetoes a BeforeSend delivery. It has no effect on other kinds.
func (e *Event) Cancel() {
	if e.Kind == BeforeSend {
		e.cancelled = true
	}
}

// Cancelled reports whether a subscriber cancelled the event.
func (e *Event) Cancelled() bool {
	return e.cancelled
}

// Handler receives events synchronously on the publishing goroutine.
type Handler func(*Event)

// Bus dispatches events to subscribers in subscription order. A nil *Bus is valid and
// drops everything.
type Bus struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[int]Handler
}

// NewBus creates an event bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		logger: logger.With().Str("component", "events").Logger(),
		subs:   make(map[int]Handler),
	}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers e to every subscriber and reports whether it was cancelled.
// A panicking subscriber is logged and does not prevent delivery to the others.
func (b *Bus) Publish(e *Event) bool {
	if b == nil || e == nil {
		return false
	}

	b.mu.RLock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	handlers := make([]Handler, 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		handlers = append(handlers, b.subs[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, e)
	}
	return e.Cancelled()
}

func (b *Bus) dispatch(h Handler, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("event", e.Kind.String()).Msg("event subscriber panicked")
		}
	}()
	h(e)
}
