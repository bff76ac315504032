// Package analytics provides the gateway's internal event bus. Session and
// workspace lifecycle, administrative actions and recovered panics flow
// through a hub with non-blocking fan-out; subscribers bridge events into
// logs and metrics, and a small ring of recent events feeds the admin
// statistics view.
package analytics

import "time"

// EventType identifies the category of event.
type EventType string

const (
	// Session lifecycle
	EventSessionOpened  EventType = "session.opened"
	EventSessionClosed  EventType = "session.closed"
	EventSessionEvicted EventType = "session.evicted"

	// Workspace lifecycle
	EventWorkspaceUp      EventType = "workspace.up"
	EventWorkspaceDown    EventType = "workspace.down"
	EventWorkspaceUpgrade EventType = "workspace.upgrade"

	// Control plane
	EventAdminAction EventType = "admin.action"

	// Recovered panics
	EventPanic EventType = "panic.recovered"
)

// Event is the core message passed through the event bus.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"`
	Data      interface{} `json:"data"`
}

// SessionData is the payload for session lifecycle events.
type SessionData struct {
	SessionID string `json:"session_id"`
	Workspace string `json:"workspace"`
	User      string `json:"user,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// WorkspaceData is the payload for workspace lifecycle events.
type WorkspaceData struct {
	Workspace string `json:"workspace"`
	Sessions  int    `json:"sessions,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// AdminActionData is the payload for EventAdminAction.
type AdminActionData struct {
	Operation string `json:"operation"`
	Actor     string `json:"actor,omitempty"`
	Target    string `json:"target,omitempty"`
	Allowed   bool   `json:"allowed"`
}

// PanicData is the payload for EventPanic.
type PanicData struct {
	Component string `json:"component"`
	Value     string `json:"value"`
}
