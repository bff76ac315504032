package analytics

import (
	"sync"
	"time"
)

// recentCap bounds the ring of recent events kept for the admin view.
const recentCap = 100

// Hub is the central event bus for the gateway.
// It provides pub/sub semantics with typed events and non-blocking fan-out.
type Hub struct {
	mu   sync.RWMutex
	subs map[EventType][]chan Event

	// Global subscribers receive all events
	global []chan Event

	// Ring of recent events, newest last
	recent []Event
	head   int
	filled bool

	// Metrics
	published uint64
	dropped   uint64
}

// NewHub creates a new event hub.
func NewHub() *Hub {
	return &Hub{
		subs:   make(map[EventType][]chan Event),
		recent: make([]Event, recentCap),
	}
}

// Publish sends an event to all subscribers of that event type.
// This is non-blocking - if a subscriber's channel is full, the event is dropped.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.published++

	h.recent[h.head] = e
	h.head = (h.head + 1) % recentCap
	if h.head == 0 {
		h.filled = true
	}

	for _, ch := range h.subs[e.Type] {
		select {
		case ch <- e:
		default:
			h.dropped++
		}
	}

	for _, ch := range h.global {
		select {
		case ch <- e:
		default:
			h.dropped++
		}
	}
}

// PublishAsync sends an event in a goroutine (fire-and-forget).
func (h *Hub) PublishAsync(e Event) {
	go h.Publish(e)
}

// Subscribe returns a channel that receives events of the specified types.
// If no types are specified, subscribes to all events.
// The caller is responsible for draining the channel to avoid drops.
func (h *Hub) Subscribe(bufSize int, types ...EventType) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}

	ch := make(chan Event, bufSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(types) == 0 {
		h.global = append(h.global, ch)
	} else {
		for _, t := range types {
			h.subs[t] = append(h.subs[t], ch)
		}
	}

	return ch
}

// Unsubscribe removes a channel from all subscriptions.
// The channel is NOT closed by this method.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.global = removeFromSlice(h.global, ch)

	for t, subs := range h.subs {
		h.subs[t] = removeFromSlice(subs, ch)
	}
}

// Recent returns up to n recent events, oldest first.
func (h *Hub) Recent(n int) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	size := h.head
	if h.filled {
		size = recentCap
	}
	if n > size {
		n = size
	}
	if n <= 0 {
		return nil
	}

	out := make([]Event, n)
	start := (h.head - n + recentCap) % recentCap
	for i := 0; i < n; i++ {
		out[i] = h.recent[(start+i)%recentCap]
	}
	return out
}

// Stats returns publish/drop counts for monitoring.
func (h *Hub) Stats() (published, dropped uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.published, h.dropped
}

// removeFromSlice removes a channel from a slice of channels.
func removeFromSlice(slice []chan Event, target <-chan Event) []chan Event {
	result := make([]chan Event, 0, len(slice))
	for _, ch := range slice {
		if ch != target {
			result = append(result, ch)
		}
	}
	return result
}

// ──────────────────────────────────────────────────────────────────────────────
// Convenience Methods
// ──────────────────────────────────────────────────────────────────────────────

// EmitSessionOpened publishes a session attach event.
func (h *Hub) EmitSessionOpened(sessionID, workspace, user string) {
	h.Publish(Event{
		Type:   EventSessionOpened,
		Source: "gateway",
		Data:   SessionData{SessionID: sessionID, Workspace: workspace, User: user},
	})
}

// EmitSessionClosed publishes a session detach event.
func (h *Hub) EmitSessionClosed(sessionID, workspace, user, reason string) {
	h.Publish(Event{
		Type:   EventSessionClosed,
		Source: "gateway",
		Data:   SessionData{SessionID: sessionID, Workspace: workspace, User: user, Reason: reason},
	})
}

// EmitSessionEvicted publishes a reconnect eviction event.
func (h *Hub) EmitSessionEvicted(sessionID, workspace, user string) {
	h.Publish(Event{
		Type:   EventSessionEvicted,
		Source: "gateway",
		Data:   SessionData{SessionID: sessionID, Workspace: workspace, User: user, Reason: "reconnect"},
	})
}

// EmitWorkspaceUp publishes a workspace creation event.
func (h *Hub) EmitWorkspaceUp(workspace string) {
	h.Publish(Event{
		Type:   EventWorkspaceUp,
		Source: "gateway",
		Data:   WorkspaceData{Workspace: workspace},
	})
}

// EmitWorkspaceDown publishes a workspace teardown event.
func (h *Hub) EmitWorkspaceDown(workspace string, sessions int, reason string) {
	h.Publish(Event{
		Type:   EventWorkspaceDown,
		Source: "gateway",
		Data:   WorkspaceData{Workspace: workspace, Sessions: sessions, Reason: reason},
	})
}

// EmitWorkspaceUpgrade publishes an upgrade-window event.
func (h *Hub) EmitWorkspaceUpgrade(workspace string) {
	h.Publish(Event{
		Type:   EventWorkspaceUpgrade,
		Source: "gateway",
		Data:   WorkspaceData{Workspace: workspace, Reason: "upgrade"},
	})
}

// EmitAdminAction publishes a control-plane operation event.
func (h *Hub) EmitAdminAction(operation, actor, target string, allowed bool) {
	h.Publish(Event{
		Type:   EventAdminAction,
		Source: "api",
		Data:   AdminActionData{Operation: operation, Actor: actor, Target: target, Allowed: allowed},
	})
}

// EmitPanic publishes a recovered panic event.
func (h *Hub) EmitPanic(component string, value string) {
	h.Publish(Event{
		Type:   EventPanic,
		Source: component,
		Data:   PanicData{Component: component, Value: value},
	})
}
