package registry

import (
	"strings"
	"testing"

	"github.com/zsprackett/agent-overseer/internal/event"
)

func userPrompt(text string) event.Activity {
	return event.Activity{
		Kind:    event.KindLifecycleMeta,
		Summary: text,
		Details: map[string]string{"role": "user"},
	}
}

func TestHarvestTitleAccepts(t *testing.T) {
	cases := map[string]string{
		"fix the flaky websocket test":   "fix the flaky websocket test",
		"  trim me  ":                    "trim me",
		"Refactor config loading":        "Refactor config loading",
	}
	for in, want := range cases {
		if got := harvestTitle(userPrompt(in)); got != want {
			t.Errorf("harvestTitle(%q): got %q want %q", in, got, want)
		}
	}
}

func TestHarvestTitleRejectsNoise(t *testing.T) {
	cases := []string{
		"",
		"deadbeefdeadbeef",
		"11111111-2222-3333-4444-555555555555",
		"a1b2c3d",
		"<local-command-stdout>",
		"Caveat: the messages below were generated",
		"[Request interrupted by user]",
		"(no content)",
		"ls -la",
		"git status",
		"$ make build",
		LoopMarkerA + " run tests " + LoopMarkerB,
	}
	for _, in := range cases {
		if got := harvestTitle(userPrompt(in)); got != "" {
			t.Errorf("harvestTitle(%q): expected rejection, got %q", in, got)
		}
	}
}

func TestHarvestTitlePrefersSummaryRecord(t *testing.T) {
	ev := event.Activity{
		Kind:         event.KindLifecycleMeta,
		SessionTitle: "Sort out CI caching",
		Summary:      "Sort out CI caching",
		Details:      map[string]string{"record": "summary"},
	}
	if got := harvestTitle(ev); got != "Sort out CI caching" {
		t.Errorf("got %q", got)
	}
}

func TestHarvestTitleIgnoresToolEvents(t *testing.T) {
	ev := event.Activity{
		Kind:    event.KindToolInvocation,
		Summary: "Bash go test ./...",
		Details: map[string]string{"tool": "Bash"},
	}
	if got := harvestTitle(ev); got != "" {
		t.Errorf("tool event produced title %q", got)
	}
}

func TestHarvestTitleTruncates(t *testing.T) {
	long := strings.Repeat("abc ", 40)
	got := harvestTitle(userPrompt(long))
	if got == "" {
		t.Fatal("long prompt rejected outright")
	}
	if len(got) > 70 {
		t.Errorf("title not truncated: %d bytes", len(got))
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("expected ellipsis suffix, got %q", got)
	}
}

func TestSessionIDFromFilename(t *testing.T) {
	cases := map[string]string{
		"/x/11111111-2222-3333-4444-555555555555.jsonl":                  "11111111-2222-3333-4444-555555555555",
		"/x/rollout-2026-08-30T10-00-00-11111111-2222-3333-4444-555555555555.jsonl": "11111111-2222-3333-4444-555555555555",
		"/x/notes.jsonl": "notes",
	}
	for in, want := range cases {
		if got := sessionIDFromFilename(in); got != want {
			t.Errorf("sessionIDFromFilename(%q): got %q want %q", in, got, want)
		}
	}
}
