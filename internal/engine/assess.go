package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/zsprackett/agent-overseer/internal/event"
)

type Direction string

const (
	DirectionOnTrack  Direction = "on-track"
	DirectionDrifting Direction = "drifting"
	DirectionBlocked  Direction = "blocked"
)

type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

type Security string

const (
	SecurityClean Security = "clean"
	SecurityWatch Security = "watch"
	SecurityAlert Security = "alert"
)

// SecurityFinding is one matched rule from the security table.
type SecurityFinding struct {
	Label    string
	Severity Security
	Match    string
}

// Assessment is the cheap heuristic verdict computed independently of
// the generated text and enforced on the final output.
type Assessment struct {
	Reads      int
	Writes     int
	Searches   int
	Commands   int
	Tests      int
	Deploys    int
	Errors     int
	Direction  Direction
	Confidence Confidence
	Security   Security
	Findings   []SecurityFinding
}

// securityRule pairs a pattern with its severity and a human label. The
// table is evaluated in order against command-like event content; the
// highest severity across matches wins.
type securityRule struct {
	pattern  *regexp.Regexp
	severity Security
	label    string
}

var securityRules = []securityRule{
	{regexp.MustCompile(`(curl|wget)[^|;&]*\|\s*(sudo\s+)?(ba|z)?sh`), SecurityAlert, "remote download piped into a shell"},
	{regexp.MustCompile(`rm\s+(-[a-zA-Z]*[rR][a-zA-Z]*f|-[a-zA-Z]*f[a-zA-Z]*[rR])[a-zA-Z]*\s+['"]?(/|~/?)(\s|$|['"])`), SecurityAlert, "recursive delete of a root path"},
	{regexp.MustCompile(`(--insecure\b|-k\s+https|verify\s*=\s*False|InsecureSkipVerify\s*:\s*true|NODE_TLS_REJECT_UNAUTHORIZED\s*=\s*0)`), SecurityAlert, "TLS verification disabled"},
	{regexp.MustCompile(`chmod\s+(-R\s+)?777\b`), SecurityWatch, "broad file permission change"},
	{regexp.MustCompile(`(?i)(password|passwd|secret|api[_-]?key|access[_-]?token|bearer)\s*[=:]\s*['"]?[A-Za-z0-9_\-]{8,}`), SecurityWatch, "secret-looking command argument"},
	{regexp.MustCompile(`(?i)aws_secret_access_key|BEGIN (RSA|OPENSSH) PRIVATE KEY`), SecurityAlert, "credential material in command"},
	{regexp.MustCompile(`\bgit\s+push\s+.*--force\b`), SecurityWatch, "force push"},
}

var errorSignal = regexp.MustCompile(`(?i)\b(error|failed|failure|exception|panic|traceback|fatal)\b`)

var (
	readTools   = regexp.MustCompile(`(?i)^(read|open|view|cat|notebookread)$`)
	writeTools  = regexp.MustCompile(`(?i)^(write|edit|multiedit|apply_patch|notebookedit|create)$`)
	searchTools = regexp.MustCompile(`(?i)^(grep|glob|search|websearch|webfetch|ls|find)$`)
	shellTools  = regexp.MustCompile(`(?i)^(bash|shell|exec|run|command|local_shell)$`)

	testCommand   = regexp.MustCompile(`(?i)\b(go test|pytest|jest|vitest|cargo test|npm (run )?test|make test|rspec|phpunit)\b`)
	deployCommand = regexp.MustCompile(`(?i)\b(deploy|kubectl (apply|rollout)|terraform (apply|destroy)|helm (install|upgrade)|docker push|fly deploy)\b`)
)

// Assess computes the heuristic assessment for one batch.
func Assess(batch []event.Activity) Assessment {
	var a Assessment
	a.Direction = DirectionOnTrack
	a.Security = SecurityClean

	for _, ev := range batch {
		switch ev.Kind {
		case event.KindToolInvocation:
			tool := ev.Details["tool"]
			input := ev.Details["input"]
			switch {
			case readTools.MatchString(tool):
				a.Reads++
			case writeTools.MatchString(tool):
				a.Writes++
			case searchTools.MatchString(tool):
				a.Searches++
			case shellTools.MatchString(tool):
				a.Commands++
				switch {
				case testCommand.MatchString(input):
					a.Tests++
				case deployCommand.MatchString(input):
					a.Deploys++
				}
			default:
				a.Commands++
			}
			a.applySecurityRules(input)
			a.applySecurityRules(ev.Summary)
		case event.KindToolResult:
			if ev.Details["error"] == "true" || errorSignal.MatchString(ev.Summary) {
				a.Errors++
			}
		case event.KindAssistantMessage:
			if errorSignal.MatchString(ev.Summary) {
				a.Errors++
			}
		}
	}

	activity := a.Reads + a.Writes + a.Searches + a.Commands
	progress := a.Writes + a.Tests
	switch {
	case a.Errors >= 2 && a.Errors > progress:
		a.Direction = DirectionBlocked
	case activity >= 6 && progress == 0:
		a.Direction = DirectionDrifting
	}

	evidence := a.Writes + a.Tests + a.Errors
	switch {
	case len(batch) < 4:
		a.Confidence = ConfidenceLow
	case len(batch) >= 10 && evidence > 0:
		a.Confidence = ConfidenceHigh
	default:
		a.Confidence = ConfidenceMedium
	}

	return a
}

func (a *Assessment) applySecurityRules(text string) {
	if text == "" {
		return
	}
	for _, rule := range securityRules {
		m := rule.pattern.FindString(text)
		if m == "" {
			continue
		}
		a.Findings = append(a.Findings, SecurityFinding{
			Label:    rule.label,
			Severity: rule.severity,
			Match:    m,
		})
		if rule.severity == SecurityAlert || a.Security == SecurityClean {
			a.Security = rule.severity
		}
	}
}

// VerdictLine is the closing line every commentary must carry.
func (a Assessment) VerdictLine() string {
	return fmt.Sprintf("Verdict: %s (%s confidence)", a.Direction, a.Confidence)
}

// SecurityLine summarizes non-clean findings for enforcement.
func (a Assessment) SecurityLine() string {
	if a.Security == SecurityClean {
		return ""
	}
	labels := make([]string, 0, len(a.Findings))
	seen := make(map[string]bool)
	for _, f := range a.Findings {
		if !seen[f.Label] {
			seen[f.Label] = true
			labels = append(labels, f.Label)
		}
	}
	return fmt.Sprintf("Security: %s (%s)", a.Security, strings.Join(labels, "; "))
}
