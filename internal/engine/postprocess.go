package engine

import (
	"regexp"
	"strings"
)

// FallbackCommentary replaces a result that post-processing emptied out;
// the engine never emits an empty entry.
const FallbackCommentary = "Activity continues; nothing noteworthy to report yet."

var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`),
	regexp.MustCompile(`\b[0-9a-f]{16,64}\b`),
	regexp.MustCompile(`\brollout-\d{4}-\d{2}-\d{2}T[\w-]+\b`),
	regexp.MustCompile(`\bturn[_-][0-9a-zA-Z]{6,}\b`),
}

// metaLeakPatterns match first-person meta-commentary about reading
// internal logs; whole lines matching any of them are dropped.
var metaLeakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bI (just |)(read|am reading|looked at|parsed|scanned)\b.*\b(log|logs|transcript|jsonl|file)\b`),
	regexp.MustCompile(`(?i)\b(from|in) the (logs?|transcript|jsonl)\b`),
	regexp.MustCompile(`(?i)\bas an (ai|assistant|observer)\b`),
	regexp.MustCompile(`(?i)\bbased on the (provided|internal) (events?|logs?)\b`),
}

// Postprocess cleans generated text for display: token-shaped
// identifiers are redacted, meta-leak lines are dropped, and an empty
// result is replaced with the fixed fallback sentence.
func Postprocess(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		leak := false
		for _, p := range metaLeakPatterns {
			if p.MatchString(line) {
				leak = true
				break
			}
		}
		if leak {
			continue
		}
		for _, p := range redactPatterns {
			line = p.ReplaceAllString(line, "[…]")
		}
		kept = append(kept, line)
	}
	out := strings.TrimSpace(strings.Join(kept, "\n"))
	if out == "" {
		return FallbackCommentary
	}
	return out
}

// Enforce appends the deterministic verdict and security lines when the
// generated text omitted them, so every commentary carries a directional
// verdict and any non-clean security finding.
func Enforce(text string, a Assessment) string {
	out := strings.TrimRight(text, "\n")
	if !strings.Contains(out, "Verdict:") {
		out += "\n" + a.VerdictLine()
	}
	if a.Security != SecurityClean && !strings.Contains(out, "Security:") {
		out += "\n" + a.SecurityLine()
	}
	return out
}
