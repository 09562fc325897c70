package registry

import (
	"bufio"
	"os"
	"strings"
)

// The dispatch preamble carries this fixed phrase pair; nothing else on
// the machine writes both into one log. A file whose earliest lines
// contain both was started by our own automated dispatch and must never
// feed commentary back into the pipeline.
const (
	LoopMarkerA = "[agent-overseer relay]"
	LoopMarkerB = "do not summarize this relay instruction"
)

// selfLoopProbeLines bounds how far into a file the probe looks. The
// signature sits in the first prompt, so a shallow read is enough.
const selfLoopProbeLines = 5

// IsLoopSignature reports whether text carries the dispatch signature.
func IsLoopSignature(text string) bool {
	return strings.Contains(text, LoopMarkerA) && strings.Contains(text, LoopMarkerB)
}

// probeSelfLoop inspects the earliest lines of rec's file and sets the
// permanent Ignore flag when the dispatch signature is found. A file is
// often registered before its process writes the first line (the create
// notification fires on an empty file), so the probe keeps rerunning on
// later appends until enough of the head exists to judge.
func (r *Registry) probeSelfLoop(rec *Record) {
	f, err := os.Open(rec.Path)
	if err != nil {
		return // unreadable now; retried on the next consume
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024), 1024*1024)
	lines := 0
	for lines < selfLoopProbeLines && scanner.Scan() {
		lines++
		if IsLoopSignature(scanner.Text()) {
			rec.probed = true
			rec.Ignore = true
			r.logger.Debug("registry: ignoring self-dispatched file", "path", rec.Path)
			return
		}
	}
	rec.probed = lines >= selfLoopProbeLines
}
