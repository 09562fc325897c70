// Package events defines the boundary between the core pipeline and the
// rendering surfaces (terminal UI, web clients).
package events

import "time"

const (
	TypeCommentary     = "commentary"
	TypeDispatchStatus = "dispatch_status"
	TypeSessions       = "sessions_changed"
	TypeEngineError    = "engine_error"
)

// Event is a real-time update pushed to rendering surfaces.
type Event struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id,omitempty"`
	AgentKind  string    `json:"agent_kind,omitempty"`
	Title      string    `json:"title,omitempty"`
	Text       string    `json:"text,omitempty"`
	Direction  string    `json:"direction,omitempty"`
	Security   string    `json:"security,omitempty"`
	DispatchID string    `json:"dispatch_id,omitempty"`
	State      string    `json:"state,omitempty"`
	Target     string    `json:"target,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Broadcaster fans events out to connected consumers.
// A nil Broadcaster is safe to use -- Broadcast becomes a no-op.
type Broadcaster interface {
	Broadcast(e Event)
}

// BroadcastFunc adapts a plain function to the Broadcaster interface.
type BroadcastFunc func(Event)

func (f BroadcastFunc) Broadcast(e Event) { f(e) }

// Multi fans one event out to several broadcasters, skipping nils.
type Multi []Broadcaster

func (m Multi) Broadcast(e Event) {
	for _, b := range m {
		if b != nil {
			b.Broadcast(e)
		}
	}
}
