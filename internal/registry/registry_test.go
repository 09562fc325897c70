package registry_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zsprackett/agent-overseer/internal/event"
	"github.com/zsprackett/agent-overseer/internal/registry"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTitles struct {
	overrides map[string]string
}

func (f *fakeTitles) TitleOverride(agentKind, sessionID string) string {
	return f.overrides[agentKind+":"+sessionID]
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatal(err)
	}
}

const sampleUUID = "11111111-2222-3333-4444-555555555555"

func TestScanTracksNewFilesWithoutReplay(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "proj", sampleUUID+".jsonl")
	writeFile(t, path, `{"type":"user","sessionId":"`+sampleUUID+`","message":{"role":"user","content":"old history"}}`+"\n")

	var got []event.Activity
	reg := registry.New(registry.Options{ClaudeLogDir: root}, nil,
		func(ev event.Activity) { got = append(got, ev) }, nil, discard())

	reg.Scan()

	sessions := reg.ActiveSessions()
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].SessionID != sampleUUID {
		t.Errorf("session id: got %q", sessions[0].SessionID)
	}
	if len(got) != 0 {
		t.Fatalf("pre-existing content must not be replayed, got %d events", len(got))
	}

	appendFile(t, path, `{"type":"user","sessionId":"`+sampleUUID+`","cwd":"/home/me/proj","message":{"role":"user","content":"new prompt"}}`+"\n")
	reg.FileChanged(path)

	if len(got) != 1 {
		t.Fatalf("expected 1 event after append, got %d", len(got))
	}
	if got[0].Summary != "new prompt" {
		t.Errorf("summary: got %q", got[0].Summary)
	}
}

func TestScanIsIdempotent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "p", sampleUUID+".jsonl"), "")

	changes := 0
	reg := registry.New(registry.Options{ClaudeLogDir: root}, nil, nil,
		func() { changes++ }, discard())

	reg.Scan()
	first := changes
	reg.Scan()
	reg.Scan()
	if changes != first {
		t.Errorf("repeated scans changed state: %d then %d notifications", first, changes)
	}
}

func TestOffsetNeverDecreases(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "p", sampleUUID+".jsonl")
	writeFile(t, path, "")

	var got []event.Activity
	reg := registry.New(registry.Options{ClaudeLogDir: root}, nil,
		func(ev event.Activity) { got = append(got, ev) }, nil, discard())
	reg.Scan()

	line := `{"type":"user","sessionId":"` + sampleUUID + `","message":{"role":"user","content":"hello there"}}` + "\n"
	appendFile(t, path, line)
	reg.FileChanged(path)
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}

	// Shrink the file below the tracked offset; no data may be emitted.
	writeFile(t, path, "x\n")
	reg.FileChanged(path)
	if len(got) != 1 {
		t.Fatalf("shrunken file produced events: got %d total", len(got))
	}
}

func TestSelfDispatchedFileIsIgnored(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "p", sampleUUID+".jsonl")
	writeFile(t, path,
		`{"type":"user","sessionId":"`+sampleUUID+`","message":{"role":"user","content":"`+
			registry.LoopMarkerA+` `+registry.LoopMarkerB+` now run the tests"}}`+"\n")

	var got []event.Activity
	reg := registry.New(registry.Options{ClaudeLogDir: root}, nil,
		func(ev event.Activity) { got = append(got, ev) }, nil, discard())
	reg.Scan()

	if sessions := reg.ActiveSessions(); len(sessions) != 0 {
		t.Fatalf("self-dispatched session leaked into the view: %+v", sessions)
	}

	appendFile(t, path, `{"type":"assistant","sessionId":"`+sampleUUID+`","message":{"role":"assistant","content":"done"}}`+"\n")
	reg.FileChanged(path)
	if len(got) != 0 {
		t.Fatalf("ignored file emitted %d events", len(got))
	}
}

func TestSelfDispatchedFileRegisteredEmptyIsIgnored(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "p", sampleUUID+".jsonl")
	// The create notification typically lands before the CLI writes its
	// first line, so the file is tracked while still empty.
	writeFile(t, path, "")

	var got []event.Activity
	reg := registry.New(registry.Options{ClaudeLogDir: root}, nil,
		func(ev event.Activity) { got = append(got, ev) }, nil, discard())
	reg.Scan()

	appendFile(t, path,
		`{"type":"user","sessionId":"`+sampleUUID+`","message":{"role":"user","content":"`+
			registry.LoopMarkerA+` `+registry.LoopMarkerB+` now run the tests"}}`+"\n")
	reg.FileChanged(path)

	if len(got) != 0 {
		t.Fatalf("self-dispatched file emitted %d events; want 0", len(got))
	}
	if sessions := reg.ActiveSessions(); len(sessions) != 0 {
		t.Fatalf("self-dispatched session leaked into the view: %+v", sessions)
	}

	appendFile(t, path, `{"type":"assistant","sessionId":"`+sampleUUID+`","message":{"role":"assistant","content":"done"}}`+"\n")
	reg.FileChanged(path)
	if len(got) != 0 {
		t.Fatalf("ignored file emitted %d events after further appends", len(got))
	}
}

func TestIsLoopSignature(t *testing.T) {
	if !registry.IsLoopSignature(registry.LoopMarkerA + " please " + registry.LoopMarkerB) {
		t.Error("full signature not detected")
	}
	if registry.IsLoopSignature(registry.LoopMarkerA + " alone") {
		t.Error("single marker must not match")
	}
	if registry.IsLoopSignature("ordinary prompt text") {
		t.Error("plain text must not match")
	}
}

func TestActiveSessionsDedupByIdentity(t *testing.T) {
	root := t.TempDir()
	older := filepath.Join(root, "a", sampleUUID+".jsonl")
	newer := filepath.Join(root, "b", sampleUUID+".jsonl")
	writeFile(t, older, "")
	writeFile(t, newer, "")
	past := time.Now().Add(-2 * time.Minute)
	if err := os.Chtimes(older, past, past); err != nil {
		t.Fatal(err)
	}

	reg := registry.New(registry.Options{ClaudeLogDir: root}, nil, nil, nil, discard())
	reg.Scan()

	sessions := reg.ActiveSessions()
	if len(sessions) != 1 {
		t.Fatalf("expected 1 deduplicated session, got %d", len(sessions))
	}
	if sessions[0].Path != newer {
		t.Errorf("dedup kept the older record: %q", sessions[0].Path)
	}
}

func TestStaleRecordsPruned(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "p", sampleUUID+".jsonl"), "")

	now := time.Now()
	reg := registry.New(registry.Options{ClaudeLogDir: root, ActivityWindow: time.Minute}, nil, nil, nil, discard())
	reg.SetNow(func() time.Time { return now })
	reg.Scan()
	if len(reg.ActiveSessions()) != 1 {
		t.Fatal("expected session tracked")
	}

	now = now.Add(5 * time.Minute)
	reg.Scan()
	if sessions := reg.ActiveSessions(); len(sessions) != 0 {
		t.Fatalf("stale session not pruned: %+v", sessions)
	}
}

func TestTitleOverrideBeatsHarvest(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "p", sampleUUID+".jsonl")
	writeFile(t, path, "")

	titles := &fakeTitles{overrides: map[string]string{
		"claude:" + sampleUUID: "Payments refactor",
	}}
	reg := registry.New(registry.Options{ClaudeLogDir: root}, titles, nil, nil, discard())
	reg.Scan()

	appendFile(t, path, `{"type":"user","sessionId":"`+sampleUUID+`","message":{"role":"user","content":"totally different prompt"}}`+"\n")
	reg.FileChanged(path)

	sessions := reg.ActiveSessions()
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].Title != "Payments refactor" {
		t.Errorf("title: got %q want override", sessions[0].Title)
	}
}

func TestHarvestedTitleFromFirstPrompt(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "p", sampleUUID+".jsonl")
	writeFile(t, path, "")

	reg := registry.New(registry.Options{ClaudeLogDir: root}, nil, nil, nil, discard())
	reg.Scan()

	appendFile(t, path, `{"type":"user","sessionId":"`+sampleUUID+`","message":{"role":"user","content":"add retry logic to the uploader"}}`+"\n")
	reg.FileChanged(path)

	sessions := reg.ActiveSessions()
	if len(sessions) != 1 || sessions[0].Title != "add retry logic to the uploader" {
		t.Fatalf("harvested title wrong: %+v", sessions)
	}
}

func TestLookup(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "p", sampleUUID+".jsonl"), "")

	reg := registry.New(registry.Options{ClaudeLogDir: root}, nil, nil, nil, discard())
	reg.Scan()

	if _, ok := reg.Lookup(event.AgentClaude, sampleUUID); !ok {
		t.Error("expected lookup hit")
	}
	if _, ok := reg.Lookup(event.AgentCodex, sampleUUID); ok {
		t.Error("kind mismatch must miss")
	}
	if _, ok := reg.Lookup(event.AgentClaude, "nope"); ok {
		t.Error("unknown id must miss")
	}
}
