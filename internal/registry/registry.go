// Package registry converts the rotating append-only log files written
// by local coding agents into a stable, deduplicated notion of active
// sessions, and streams newly appended activity to a subscriber.
package registry

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zsprackett/agent-overseer/internal/decoder"
	"github.com/zsprackett/agent-overseer/internal/event"
)

// Record is the per-file bookkeeping for one watched log file. The byte
// offset only ever increases; once Ignore is set it is never cleared.
type Record struct {
	Path         string
	SessionID    string
	AgentKind    event.AgentKind
	ProjectLabel string
	Title        string
	WorkDir      string
	Offset       int64
	Ignore       bool
	LastActivity time.Time

	probed bool
}

// Session is one Session View entry: the deduplicated projection of the
// tracked records. Values are copies; callers never mutate registry state
// through them.
type Session struct {
	SessionID    string          `json:"session_id"`
	AgentKind    event.AgentKind `json:"agent_kind"`
	ProjectLabel string          `json:"project_label"`
	Title        string          `json:"title,omitempty"`
	WorkDir      string          `json:"-"`
	Path         string          `json:"-"`
	LastActivity time.Time       `json:"last_activity"`
}

// TitleStore resolves user-set title overrides. Overrides beat titles
// harvested from log content.
type TitleStore interface {
	TitleOverride(agentKind, sessionID string) string
}

// OnEvent receives every activity event decoded from tracked files.
type OnEvent func(ev event.Activity)

type root struct {
	dir  string
	kind event.AgentKind
}

type Options struct {
	ClaudeLogDir   string
	CodexLogDir    string
	ScanInterval   time.Duration
	ActivityWindow time.Duration
}

type Registry struct {
	mu        sync.Mutex
	records   map[string]*Record
	roots     []root
	titles    TitleStore
	onEvent   OnEvent
	onChange  func()
	window    time.Duration
	scanEvery time.Duration
	logger    *slog.Logger
	now       func() time.Time

	watcher *fsnotify.Watcher
	watched map[string]bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func New(opts Options, titles TitleStore, onEvent OnEvent, onChange func(), logger *slog.Logger) *Registry {
	scanEvery := opts.ScanInterval
	if scanEvery <= 0 {
		scanEvery = 15 * time.Second
	}
	window := opts.ActivityWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	var roots []root
	if opts.ClaudeLogDir != "" {
		roots = append(roots, root{dir: opts.ClaudeLogDir, kind: event.AgentClaude})
	}
	if opts.CodexLogDir != "" {
		roots = append(roots, root{dir: opts.CodexLogDir, kind: event.AgentCodex})
	}
	return &Registry{
		records:   make(map[string]*Record),
		roots:     roots,
		titles:    titles,
		onEvent:   onEvent,
		onChange:  onChange,
		window:    window,
		scanEvery: scanEvery,
		logger:    logger,
		now:       time.Now,
		watched:   make(map[string]bool),
		stop:      make(chan struct{}),
	}
}

// SetNow replaces the time source. Used in tests only.
func (r *Registry) SetNow(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = fn
}

// Start launches the scan ticker and the filesystem watcher. The watcher
// is best-effort: when it cannot be created the periodic scan alone keeps
// records current.
func (r *Registry) Start() {
	if w, err := fsnotify.NewWatcher(); err == nil {
		r.watcher = w
	} else {
		r.logger.Warn("registry: fsnotify unavailable, polling only", "error", err)
	}

	r.Scan()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.scanEvery)
		defer ticker.Stop()

		var watchEvents chan fsnotify.Event
		var watchErrors chan error
		if r.watcher != nil {
			watchEvents = r.watcher.Events
			watchErrors = r.watcher.Errors
		}

		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.Scan()
			case ev, ok := <-watchEvents:
				if !ok {
					watchEvents = nil
					continue
				}
				if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
					r.FileChanged(ev.Name)
				}
			case err, ok := <-watchErrors:
				if !ok {
					watchErrors = nil
					continue
				}
				r.logger.Warn("registry: watch error", "error", err)
			}
		}
	}()
}

func (r *Registry) Stop() {
	close(r.stop)
	r.wg.Wait()
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// Scan re-enumerates the log roots: new files become tracked records with
// their offset at the current size (history is not replayed), and records
// whose file has been quiet beyond the activity window are pruned.
// Running it twice with no filesystem change is a no-op.
func (r *Registry) Scan() {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	seen := make(map[string]bool)

	for _, rt := range r.roots {
		r.watchDir(rt.dir)
		filepath.WalkDir(rt.dir, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return nil
			}
			if d.IsDir() {
				r.watchDir(path)
				return nil
			}
			if !strings.HasSuffix(d.Name(), ".jsonl") {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			seen[path] = true
			if rec, ok := r.records[path]; ok {
				// Catch-up for appends the watcher missed.
				if info.Size() > rec.Offset {
					r.consume(rec, info.Size())
				}
				return nil
			}
			if r.now().Sub(info.ModTime()) > r.window {
				return nil
			}
			r.register(path, rt.kind, info)
			changed = true
			return nil
		})
	}

	cutoff := r.now().Add(-r.window)
	for path, rec := range r.records {
		stale := rec.LastActivity.Before(cutoff)
		if _, err := os.Stat(path); err != nil && !seen[path] {
			stale = true
		}
		if stale {
			delete(r.records, path)
			changed = true
		}
	}

	if changed {
		r.notifyChange()
	}
}

// FileChanged consumes the bytes appended to path since the tracked
// record's offset. Unknown paths are ignored; the next Scan picks new
// files up.
func (r *Registry) FileChanged(path string) {
	if !strings.HasSuffix(path, ".jsonl") {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[path]
	if !ok {
		if kind, found := r.kindForPath(path); found {
			if info, err := os.Stat(path); err == nil {
				rec = r.register(path, kind, info)
				r.notifyChange()
			}
		}
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return // vanished: no data this tick
	}
	if info.Size() > rec.Offset {
		r.consume(rec, info.Size())
	}
}

// ActiveSessions returns the Session View: one entry per distinct
// (agentKind, sessionId), preferring the most recently active record,
// newest first. The slice and its entries are copies.
func (r *Registry) ActiveSessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	byKey := make(map[string]Session)
	for _, rec := range r.records {
		if rec.Ignore {
			continue
		}
		s := Session{
			SessionID:    rec.sessionIDOrFallback(),
			AgentKind:    rec.AgentKind,
			ProjectLabel: rec.ProjectLabel,
			Title:        rec.Title,
			WorkDir:      rec.WorkDir,
			Path:         rec.Path,
			LastActivity: rec.LastActivity,
		}
		key := string(s.AgentKind) + ":" + s.SessionID
		if prev, ok := byKey[key]; ok && !s.LastActivity.After(prev.LastActivity) {
			continue
		}
		byKey[key] = s
	}

	out := make([]Session, 0, len(byKey))
	for _, s := range byKey {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// Lookup returns the Session View entry for (kind, id), if present.
func (r *Registry) Lookup(kind event.AgentKind, sessionID string) (Session, bool) {
	for _, s := range r.ActiveSessions() {
		if s.AgentKind == kind && s.SessionID == sessionID {
			return s, true
		}
	}
	return Session{}, false
}

func (r *Registry) register(path string, kind event.AgentKind, info fs.FileInfo) *Record {
	rec := &Record{
		Path:         path,
		AgentKind:    kind,
		ProjectLabel: projectLabelFromPath(kind, path),
		Offset:       info.Size(),
		LastActivity: info.ModTime(),
	}
	r.probeSelfLoop(rec)
	r.records[path] = rec
	r.logger.Debug("registry: tracking file",
		"path", path, "kind", string(kind), "offset", rec.Offset, "ignore", rec.Ignore)
	return rec
}

// consume reads [rec.Offset, size), decodes each line and emits the
// resulting events. The offset always advances to size, even when no
// event is produced. Caller holds the registry lock.
func (r *Registry) consume(rec *Record, size int64) {
	data, err := readRange(rec.Path, rec.Offset, size)
	if err != nil {
		return // unreadable: treated as absent, retried next tick
	}
	rec.Offset = size
	rec.LastActivity = r.now()

	if !rec.probed {
		r.probeSelfLoop(rec)
	}

	dec := decoder.ForKind(rec.AgentKind)
	if dec == nil {
		return
	}

	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		for _, ev := range dec.Decode([]byte(line), rec.Path) {
			// First non-empty identity wins and is reused even if a
			// later line carries a different-looking one.
			if rec.SessionID == "" && ev.SessionID != "" {
				rec.SessionID = ev.SessionID
			}
			if rec.WorkDir == "" && ev.Details["cwd"] != "" {
				rec.WorkDir = ev.Details["cwd"]
			}
			if rec.Title == "" {
				r.resolveTitle(rec, ev)
			}
			if rec.Ignore {
				continue
			}
			ev.SessionID = rec.sessionIDOrFallback()
			if ev.ProjectLabel == "" {
				ev.ProjectLabel = rec.ProjectLabel
			}
			ev.SessionTitle = rec.Title
			if r.onEvent != nil {
				r.onEvent(ev)
			}
		}
	}
}

// resolveTitle fills the record title once: an explicit override from the
// title store wins over anything harvested from log content.
func (r *Registry) resolveTitle(rec *Record, ev event.Activity) {
	id := rec.sessionIDOrFallback()
	if r.titles != nil && id != "" {
		if t := r.titles.TitleOverride(string(rec.AgentKind), id); t != "" {
			rec.Title = t
			r.notifyChange()
			return
		}
	}
	if t := harvestTitle(ev); t != "" {
		rec.Title = t
		r.notifyChange()
	}
}

func (rec *Record) sessionIDOrFallback() string {
	if rec.SessionID != "" {
		return rec.SessionID
	}
	return sessionIDFromFilename(rec.Path)
}

func (r *Registry) kindForPath(path string) (event.AgentKind, bool) {
	for _, rt := range r.roots {
		if strings.HasPrefix(path, rt.dir+string(filepath.Separator)) {
			return rt.kind, true
		}
	}
	return "", false
}

func (r *Registry) watchDir(dir string) {
	if r.watcher == nil || r.watched[dir] {
		return
	}
	if err := r.watcher.Add(dir); err == nil {
		r.watched[dir] = true
	}
}

func (r *Registry) notifyChange() {
	if r.onChange != nil {
		r.onChange()
	}
}

// readRange reads the byte range [from, to) of the file at path.
func readRange(path string, from, to int64) ([]byte, error) {
	if to <= from {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, to-from)
	n, err := f.ReadAt(buf, from)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

// sessionIDFromFilename extracts the identity embedded in the log file
// name: Claude logs are named <uuid>.jsonl, Codex rollouts end in the
// session uuid.
func sessionIDFromFilename(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	if m := uuidPattern.FindString(stem); m != "" {
		return m
	}
	return stem
}

func projectLabelFromPath(kind event.AgentKind, path string) string {
	dir := filepath.Base(filepath.Dir(path))
	if kind == event.AgentClaude {
		// ~/.claude/projects/-home-user-src-myproj/<id>.jsonl
		if i := strings.LastIndex(dir, "-"); i >= 0 && i+1 < len(dir) {
			return dir[i+1:]
		}
	}
	return dir
}
