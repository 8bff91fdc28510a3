// Package events delivers structured session lifecycle and progress events
// to in-process subscribers. Delivery is at-least-once within a single
// process run; nothing survives a restart.
package events

import (
	"sync"
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	// Lifecycle events
	SessionCreated Type = "session.created"
	StatusChanged  Type = "session.status-changed"
	SessionClosed  Type = "session.closed"

	// Streaming progress events, one per inbound worker message kind
	AssistantText    Type = "worker.text"
	ToolStart        Type = "worker.tool-start"
	ToolResult       Type = "worker.tool-result"
	ProgressiveUsage Type = "worker.progressive-usage"
	FinalUsage       Type = "worker.final-usage"
	SubagentStart    Type = "worker.subagent-start"
	SubagentStop     Type = "worker.subagent-stop"
	QueryDone        Type = "worker.done"
	QueryError       Type = "worker.error"

	// PTY sessions stream raw terminal bytes
	TerminalOutput Type = "terminal.output"
	TerminalClosed Type = "terminal.closed"
)

// Event is a structured event scoped to one session.
type Event struct {
	Type      Type
	SessionID string
	Timestamp time.Time

	// Payload carries the event-specific data: a string for AssistantText
	// and TerminalOutput, the typed protocol payload for worker events,
	// the new status string for StatusChanged.
	Payload any
}

// Bus fans events out to subscribers. Subscribers select by session id,
// event type, or both; the zero value of either field matches everything.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	sessionID string
	eventType Type
	ch        chan Event
	done      chan struct{}
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers interest in events matching sessionID and eventType;
// an empty sessionID or eventType matches any value. The returned cancel
// function must be called exactly once when the subscriber is done.
//
// The channel is buffered; when a subscriber stops draining, Publish blocks
// rather than dropping, preserving at-least-once delivery.
func (b *Bus) Subscribe(sessionID string, eventType Type) (<-chan Event, func()) {
	sub := &subscriber{
		sessionID: sessionID,
		eventType: eventType,
		ch:        make(chan Event, 64),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(sub.done)
	}

	return sub.ch, cancel
}

// Publish delivers an event to all matching subscribers.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	matched := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(evt) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		select {
		case sub.ch <- evt:
		case <-sub.done:
		}
	}
}

func (s *subscriber) matches(evt Event) bool {
	if s.sessionID != "" && s.sessionID != evt.SessionID {
		return false
	}
	if s.eventType != "" && s.eventType != evt.Type {
		return false
	}
	return true
}
