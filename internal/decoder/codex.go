package decoder

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/zsprackett/agent-overseer/internal/event"
)

// Codex decodes Codex CLI rollout JSONL entries. Every line wraps a
// typed payload: session_meta carries the session identity, response
// items carry messages and function calls, event_msg entries mirror the
// interactive transcript.
type Codex struct{}

func (Codex) Kind() event.AgentKind { return event.AgentCodex }

type codexEntry struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type codexSessionMeta struct {
	ID         string `json:"id"`
	CWD        string `json:"cwd"`
	Originator string `json:"originator"`
	CLIVersion string `json:"cli_version"`
}

type codexResponseItem struct {
	Type      string          `json:"type"`
	Role      string          `json:"role"`
	Name      string          `json:"name"`
	Arguments string          `json:"arguments"`
	Output    string          `json:"output"`
	Content   json.RawMessage `json:"content"`
}

type codexContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type codexEventMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (Codex) Decode(line []byte, path string) []event.Activity {
	line = []byte(strings.TrimSpace(string(line)))
	if len(line) == 0 {
		return nil
	}
	var entry codexEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		return nil
	}

	base := event.Activity{
		AgentKind:    event.AgentCodex,
		ProjectLabel: filepath.Base(filepath.Dir(path)),
		Timestamp:    parseClaudeTime(entry.Timestamp),
	}

	switch entry.Type {
	case "session_meta":
		var meta codexSessionMeta
		if json.Unmarshal(entry.Payload, &meta) != nil || meta.ID == "" {
			return nil
		}
		base.SessionID = meta.ID
		if meta.CWD != "" {
			base.ProjectLabel = filepath.Base(meta.CWD)
		}
		base.Kind = event.KindLifecycleMeta
		base.Summary = "session started"
		base.Details = map[string]string{
			"record":      "session_meta",
			"cwd":         meta.CWD,
			"originator":  meta.Originator,
			"cli_version": meta.CLIVersion,
		}
		return []event.Activity{base}

	case "response_item":
		var item codexResponseItem
		if json.Unmarshal(entry.Payload, &item) != nil {
			return nil
		}
		switch item.Type {
		case "function_call", "custom_tool_call":
			base.Kind = event.KindToolInvocation
			base.Summary = compact(item.Name + " " + item.Arguments)
			base.Details = map[string]string{"tool": item.Name, "input": compact(item.Arguments)}
			return []event.Activity{base}
		case "function_call_output", "custom_tool_call_output":
			base.Kind = event.KindToolResult
			base.Summary = compact(codexOutputText(item.Output))
			base.Details = map[string]string{}
			return []event.Activity{base}
		case "message":
			text := codexContentText(item.Content)
			if text == "" {
				return nil
			}
			base.Summary = compact(text)
			base.Details = map[string]string{"role": item.Role}
			if item.Role == "assistant" {
				base.Kind = event.KindAssistantMessage
			} else {
				base.Kind = event.KindLifecycleMeta
			}
			return []event.Activity{base}
		}
		return nil

	case "event_msg":
		var msg codexEventMsg
		if json.Unmarshal(entry.Payload, &msg) != nil {
			return nil
		}
		switch msg.Type {
		case "user_message":
			base.Kind = event.KindLifecycleMeta
			base.Summary = compact(msg.Message)
			base.Details = map[string]string{"role": "user"}
			return []event.Activity{base}
		case "turn_aborted":
			base.Kind = event.KindLifecycleMeta
			base.Summary = "turn aborted"
			base.Details = map[string]string{"record": "turn_aborted"}
			return []event.Activity{base}
		}
		return nil
	}
	return nil
}

func codexContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var parts []codexContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var texts []string
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

// codexOutputText unwraps the JSON-encoded output wrapper some Codex
// versions write ({"output": "...", "metadata": ...}); otherwise the
// raw string is the output itself.
func codexOutputText(output string) string {
	if strings.HasPrefix(output, "{") {
		var wrapper struct {
			Output string `json:"output"`
		}
		if json.Unmarshal([]byte(output), &wrapper) == nil && wrapper.Output != "" {
			return wrapper.Output
		}
	}
	if output == "" {
		return "(no output)"
	}
	return output
}
