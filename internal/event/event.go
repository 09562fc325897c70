// Package event defines the canonical activity event produced by the
// per-vendor log decoders and consumed by the registry and engine.
package event

import "time"

type AgentKind string

const (
	AgentClaude AgentKind = "claude"
	AgentCodex  AgentKind = "codex"
)

// Kind classifies one observed agent action.
type Kind string

const (
	KindToolInvocation   Kind = "tool_invocation"
	KindToolResult       Kind = "tool_result"
	KindAssistantMessage Kind = "assistant_message"
	KindLifecycleMeta    Kind = "lifecycle_meta"
)

// Activity is one canonicalized agent action decoded from a single log
// line. It is immutable after decode; whichever buffer holds it owns it.
type Activity struct {
	SessionID    string
	AgentKind    AgentKind
	ProjectLabel string
	SessionTitle string
	Timestamp    time.Time
	Kind         Kind
	Summary      string
	Details      map[string]string
}
