package dispatch

import (
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strings"

	"github.com/zsprackett/agent-overseer/internal/event"
)

// buildArgs returns the vendor-specific argument list for delivering
// text to an existing session.
func buildArgs(kind event.AgentKind, sessionID, text string) []string {
	switch kind {
	case event.AgentCodex:
		return []string{"exec", "resume", "--json", "--skip-git-repo-check", sessionID, text}
	default: // claude family
		return []string{"-p", text, "--output-format", "stream-json", "--resume", sessionID}
	}
}

// cmdWrapperScript matches the `"%~dp0\...js"` reference inside an npm
// .cmd shim so the backing script can be invoked through node directly.
var cmdWrapperScript = regexp.MustCompile(`"%~dp0\\([^"]+)"`)

// resolveCommand resolves binary on the search path and builds the
// command. On Windows an npm .cmd shim is unwrapped to its backing
// script and run through node, sidestepping cmd.exe's command-length
// limit on long instructions.
func resolveCommand(binary string, args []string) (*exec.Cmd, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, err
	}

	if runtime.GOOS == "windows" && strings.HasSuffix(strings.ToLower(path), ".cmd") {
		if script := scriptFromCmdWrapper(path); script != "" {
			if node, nodeErr := exec.LookPath("node"); nodeErr == nil {
				return exec.Command(node, append([]string{script}, args...)...), nil
			}
		}
	}
	return exec.Command(path, args...), nil
}

// scriptFromCmdWrapper reads an npm-style .cmd shim and returns the
// absolute path of the script it forwards to, or empty when the shim
// does not look like one.
func scriptFromCmdWrapper(cmdPath string) string {
	data, err := os.ReadFile(cmdPath)
	if err != nil || len(data) > 64*1024 {
		return ""
	}
	m := cmdWrapperScript.FindSubmatch(data)
	if m == nil {
		return ""
	}
	dir := cmdPath[:strings.LastIndexAny(cmdPath, `/\`)+1]
	return dir + string(m[1])
}

// unsupportedFlagPatterns identify stderr from CLI versions that lack
// the resume flags this protocol depends on.
var unsupportedFlagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)unknown (option|flag|argument)`),
	regexp.MustCompile(`(?i)unrecognized (option|flag|argument)`),
	regexp.MustCompile(`(?i)invalid option`),
	regexp.MustCompile(`(?i)unexpected argument`),
	regexp.MustCompile(`(?i)no such (option|command)`),
}

func looksLikeUnsupportedFlags(stderr string) bool {
	for _, p := range unsupportedFlagPatterns {
		if p.MatchString(stderr) {
			return true
		}
	}
	return false
}
