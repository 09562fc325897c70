package registry

import (
	"regexp"
	"strings"

	"github.com/zsprackett/agent-overseer/internal/event"
)

var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// titleFilter rejects harvested title candidates that would read as
// noise. Evaluated in order; the label is surfaced in debug logs and
// keeps the table unit-testable as data.
type titleFilter struct {
	pattern *regexp.Regexp
	label   string
}

var titleFilters = []titleFilter{
	{regexp.MustCompile(`^[0-9a-fA-F-]{16,}$`), "opaque identifier"},
	{regexp.MustCompile(`^[0-9a-fA-F]{7,40}$`), "hex string"},
	{regexp.MustCompile(`^<`), "tag-shaped output"},
	{regexp.MustCompile(`^Caveat:`), "injected caveat"},
	{regexp.MustCompile(`^\[Request interrupted`), "interrupt marker"},
	{regexp.MustCompile(`^\(no content\)`), "empty placeholder"},
	{regexp.MustCompile(`(?i)^(ls|pwd|cat|cd|git status)\b`), "command echo"},
	{regexp.MustCompile(`^\$\s`), "shell prompt echo"},
}

// harvestTitle derives a session title from an activity event, or empty
// when the event carries nothing title-worthy. Summary records and the
// first user message are the two sources; opaque or machine-generated
// text is rejected.
func harvestTitle(ev event.Activity) string {
	candidate := ev.SessionTitle
	if candidate == "" && ev.Kind == event.KindLifecycleMeta && ev.Details["role"] == "user" {
		candidate = ev.Summary
	}
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return ""
	}
	if IsLoopSignature(candidate) || strings.Contains(candidate, LoopMarkerA) {
		return ""
	}
	for _, f := range titleFilters {
		if f.pattern.MatchString(candidate) {
			return ""
		}
	}
	if len(candidate) > 60 {
		candidate = strings.TrimRight(candidate[:60], " ") + "…"
	}
	return candidate
}
