// Package decoder turns raw vendor log lines into canonical activity
// events. One decoder per agent vendor; decoders are pure and tolerate
// unknown or malformed lines by producing no events.
package decoder

import (
	"strings"
	"unicode"

	"github.com/zsprackett/agent-overseer/internal/event"
)

// Decoder maps one raw log line plus its source file path to zero or
// more activity events.
type Decoder interface {
	Kind() event.AgentKind

	// Decode never fails: a line the decoder does not understand yields
	// no events.
	Decode(line []byte, path string) []event.Activity
}

// ForKind returns the decoder for the given agent kind, or nil.
func ForKind(kind event.AgentKind) Decoder {
	switch kind {
	case event.AgentClaude:
		return Claude{}
	case event.AgentCodex:
		return Codex{}
	default:
		return nil
	}
}

const maxSummaryLen = 160

// compact collapses whitespace runs and truncates to a display-friendly
// single line.
func compact(s string) string {
	var b strings.Builder
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > maxSummaryLen {
		cut := maxSummaryLen
		for cut > 0 && !isBoundary(out[cut-1]) {
			cut--
		}
		if cut == 0 {
			cut = maxSummaryLen
		}
		out = strings.TrimRight(out[:cut], " ") + "…"
	}
	return out
}

func isBoundary(b byte) bool {
	return b == ' ' || b == '.' || b == ',' || b == ';'
}
