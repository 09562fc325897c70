package engine

import (
	"fmt"
	"strings"

	"github.com/zsprackett/agent-overseer/internal/event"
)

// Style is one output-format template. The engine rotates through the
// enabled styles deterministically so consecutive batches never use the
// same one.
type Style struct {
	Name         string
	Instructions string
}

var allStyles = []Style{
	{"brief", "Write two or three plain sentences describing what the agent did and where it is heading."},
	{"bullets", "Write three or four short bullet points, one per distinct action or outcome."},
	{"play-by-play", "Write a terse play-by-play in present tense, one line per notable step."},
	{"headline", "Write one headline-style sentence followed by one sentence of detail."},
}

// StylesNamed resolves a comma-separated settings value to styles,
// falling back to the full set when nothing matches.
func StylesNamed(csv string) []Style {
	var out []Style
	for _, name := range strings.Split(csv, ",") {
		name = strings.TrimSpace(name)
		for _, s := range allStyles {
			if s.Name == name {
				out = append(out, s)
			}
		}
	}
	if len(out) == 0 {
		return allStyles
	}
	return out
}

var tonePresets = map[string]string{
	"neutral":  "Keep a neutral, factual tone.",
	"casual":   "Keep a relaxed, conversational tone.",
	"dry":      "Keep a dry, understated tone.",
	"coaching": "Keep an encouraging, coaching tone.",
}

// Prompt is the assembled generation request content.
type Prompt struct {
	System string
	User   string
	Style  string
}

// BuildPrompt assembles the system and user instructions for one batch.
// The system instruction carries the fixed rules, the rotated style, the
// tone preset, and any free-text focus. The user instruction carries the
// batch grouped under its session header plus the computed assessment.
func BuildPrompt(batch Batch, a Assessment, style Style, tone, focus string) Prompt {
	var sys strings.Builder
	sys.WriteString("You are a commentator observing an AI coding agent's activity log. ")
	sys.WriteString("Summarize only what the events show; never invent actions. ")
	sys.WriteString("Never quote session identifiers, file offsets, or raw log syntax. ")
	sys.WriteString("Do not describe yourself or mention that you are reading logs. ")
	sys.WriteString(style.Instructions)
	if t, ok := tonePresets[tone]; ok {
		sys.WriteString(" " + t)
	}
	if focus != "" {
		sys.WriteString(" Pay particular attention to: " + focus + ".")
	}
	sys.WriteString(" End with a line of the form \"Verdict: <direction> (<confidence> confidence)\".")
	if a.Security != SecurityClean {
		sys.WriteString(" The activity contains a security-relevant action; include an explicit security callout line starting with \"Security:\".")
	}

	var usr strings.Builder
	header := batch.Title
	if header == "" {
		header = batch.Project
	}
	fmt.Fprintf(&usr, "Session %q (%s", header, batch.Kind)
	if batch.Project != "" && batch.Project != header {
		fmt.Fprintf(&usr, ", project %s", batch.Project)
	}
	usr.WriteString("):\n")
	for _, ev := range batch.Events {
		fmt.Fprintf(&usr, "- [%s] %s\n", summarizeKind(ev.Kind), ev.Summary)
	}

	usr.WriteString("\nHeuristic assessment (computed from the events, trust it):\n")
	fmt.Fprintf(&usr, "- actions: %d read, %d write, %d search, %d command, %d test, %d deploy\n",
		a.Reads, a.Writes, a.Searches, a.Commands, a.Tests, a.Deploys)
	fmt.Fprintf(&usr, "- error signals: %d\n", a.Errors)
	fmt.Fprintf(&usr, "- direction: %s, confidence: %s, security: %s\n", a.Direction, a.Confidence, a.Security)
	for _, f := range a.Findings {
		fmt.Fprintf(&usr, "- security finding (%s): %s\n", f.Severity, f.Label)
	}

	if len(batch.History) > 0 {
		usr.WriteString("\nYou recently said (do not repeat yourself):\n")
		for _, h := range batch.History {
			fmt.Fprintf(&usr, "- %s\n", firstLine(h))
		}
	}

	return Prompt{System: sys.String(), User: usr.String(), Style: style.Name}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func summarizeKind(k event.Kind) string {
	switch k {
	case event.KindToolInvocation:
		return "tool"
	case event.KindToolResult:
		return "result"
	case event.KindAssistantMessage:
		return "said"
	default:
		return "meta"
	}
}
