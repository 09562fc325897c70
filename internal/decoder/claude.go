package decoder

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/zsprackett/agent-overseer/internal/event"
)

// Claude decodes Claude Code session JSONL entries. Each line is one
// self-contained record; user and assistant entries carry a message
// payload whose content is either a plain string or a list of typed
// blocks (text, tool_use, tool_result).
type Claude struct{}

func (Claude) Kind() event.AgentKind { return event.AgentClaude }

type claudeEntry struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	CWD       string          `json:"cwd"`
	Timestamp string          `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
	Summary   string          `json:"summary"`
	IsMeta    bool            `json:"isMeta"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

func (Claude) Decode(line []byte, path string) []event.Activity {
	line = []byte(strings.TrimSpace(string(line)))
	if len(line) == 0 {
		return nil
	}
	var entry claudeEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		return nil
	}

	base := event.Activity{
		SessionID:    entry.SessionID,
		AgentKind:    event.AgentClaude,
		ProjectLabel: claudeProjectLabel(entry.CWD, path),
		Timestamp:    parseClaudeTime(entry.Timestamp),
	}

	switch entry.Type {
	case "summary":
		if entry.Summary == "" {
			return nil
		}
		base.Kind = event.KindLifecycleMeta
		base.SessionTitle = compact(entry.Summary)
		base.Summary = compact(entry.Summary)
		base.Details = map[string]string{"record": "summary"}
		return []event.Activity{base}
	case "user", "assistant":
		// handled below
	default:
		return nil
	}

	var msg claudeMessage
	if len(entry.Message) == 0 || json.Unmarshal(entry.Message, &msg) != nil {
		return nil
	}

	var out []event.Activity

	// Plain string content: a user prompt or a bare assistant reply.
	var asString string
	if err := json.Unmarshal(msg.Content, &asString); err == nil {
		out = claudeTextEvent(base, msg.Role, asString, entry.IsMeta)
		return attachCWD(out, entry.CWD)
	}

	var blocks []claudeBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return nil
	}

	for _, block := range blocks {
		switch block.Type {
		case "text":
			out = append(out, claudeTextEvent(base, msg.Role, block.Text, entry.IsMeta)...)
		case "tool_use":
			ev := base
			ev.Kind = event.KindToolInvocation
			ev.Summary = compact(block.Name + " " + toolInputSummary(block.Input))
			ev.Details = map[string]string{
				"tool":  block.Name,
				"input": compact(string(block.Input)),
			}
			out = append(out, ev)
		case "tool_result":
			ev := base
			ev.Kind = event.KindToolResult
			ev.Summary = compact(toolResultSummary(block.Content))
			ev.Details = map[string]string{"tool_use_id": block.ToolUseID}
			if block.IsError {
				ev.Details["error"] = "true"
			}
			out = append(out, ev)
		}
	}
	return attachCWD(out, entry.CWD)
}

func attachCWD(out []event.Activity, cwd string) []event.Activity {
	if cwd == "" {
		return out
	}
	for i := range out {
		if out[i].Details != nil {
			out[i].Details["cwd"] = cwd
		}
	}
	return out
}

func claudeTextEvent(base event.Activity, role, text string, isMeta bool) []event.Activity {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	ev := base
	ev.Summary = compact(text)
	ev.Details = map[string]string{"role": role}
	if role == "assistant" {
		ev.Kind = event.KindAssistantMessage
	} else {
		ev.Kind = event.KindLifecycleMeta
		if isMeta {
			ev.Details["meta"] = "true"
		}
	}
	return []event.Activity{ev}
}

// toolInputSummary pulls the most descriptive argument out of a tool_use
// input object rather than echoing the whole JSON blob.
func toolInputSummary(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return string(raw)
	}
	for _, key := range []string{"command", "file_path", "path", "pattern", "query", "url", "description"} {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return string(raw)
}

func toolResultSummary(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "(no output)"
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	return string(raw)
}

// claudeProjectLabel prefers the cwd recorded in the entry and falls
// back to the log's parent directory name (the encoded project path
// under ~/.claude/projects).
func claudeProjectLabel(cwd, path string) string {
	if cwd != "" {
		return filepath.Base(cwd)
	}
	dir := filepath.Base(filepath.Dir(path))
	if i := strings.LastIndex(dir, "-"); i >= 0 && i+1 < len(dir) {
		return dir[i+1:]
	}
	return dir
}

func parseClaudeTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return time.Time{}
}
