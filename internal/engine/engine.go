// Package engine decides, per session, when enough agent activity has
// accumulated to justify generating commentary, runs generation through
// the text backend one batch at a time, and keeps the output honest with
// an independently computed assessment.
package engine

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsprackett/agent-overseer/internal/backend"
	"github.com/zsprackett/agent-overseer/internal/db"
	"github.com/zsprackett/agent-overseer/internal/event"
	"github.com/zsprackett/agent-overseer/internal/events"
)

const (
	defaultIdleSeconds = 8
	maxWait            = 90 * time.Second
	gracePeriod        = 30 * time.Second
	hardCap            = 50
	minBatch           = 3
	genTimeout         = 60 * time.Second
	historyDepth       = 3
)

// Settings reads and writes user preferences; db.DB satisfies it. The
// engine persists its pause state and focus topic through it so both
// survive restarts and stay in sync with the settings API.
type Settings interface {
	GetSetting(key string) string
	SetSetting(key, value string) error
}

// Store persists commentary history; db.DB satisfies it.
type Store interface {
	InsertCommentary(c db.Commentary) error
	RecentCommentary(sessionID string, limit int) ([]db.Commentary, error)
}

// Batch is the drained set of events handed to generation.
type Batch struct {
	SessionID string
	Kind      event.AgentKind
	Title     string
	Project   string
	Events    []event.Activity
	History   []string
}

// batchState is the per-session accumulation state. Owned exclusively by
// the engine; timers re-enter through the engine lock.
type batchState struct {
	key        string
	sessionID  string
	kind       event.AgentKind
	title      string
	project    string
	pending    []event.Activity
	idleTimer  Timer
	maxTimer   Timer
	graceTimer Timer
	history    []string
}

type Engine struct {
	mu       sync.Mutex
	sessions map[string]*batchState
	fifo     []string
	queued   map[string]bool
	paused   bool
	focus    string
	styleIdx int

	gen         backend.Generator
	settings    Settings
	store       Store
	broadcaster events.Broadcaster
	clock       Clock
	logger      *slog.Logger

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

func New(gen backend.Generator, settings Settings, store Store, broadcaster events.Broadcaster, clock Clock, logger *slog.Logger) *Engine {
	if clock == nil {
		clock = RealClock()
	}
	e := &Engine{
		sessions:    make(map[string]*batchState),
		queued:      make(map[string]bool),
		gen:         gen,
		settings:    settings,
		store:       store,
		broadcaster: broadcaster,
		clock:       clock,
		logger:      logger,
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
	if settings != nil {
		e.paused = settings.GetSetting(db.SettingPaused) == "true"
		e.focus = settings.GetSetting(db.SettingFocus)
	}
	return e
}

// Start launches the single generation worker. At most one batch across
// all sessions is ever being generated at a time.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run()
	}()
}

// Stop shuts the worker down. A generation already in flight finishes
// and its commentary is still emitted.
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
}

// Pause stops new batches from being queued and clears everything
// pending. An in-flight generation is allowed to finish. The state is
// persisted so a restart comes back paused.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
	for _, st := range e.sessions {
		st.stopTimers()
		st.pending = nil
	}
	e.fifo = nil
	e.queued = make(map[string]bool)
	e.persistSetting(db.SettingPaused, "true")
}

func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
	e.persistSetting(db.SettingPaused, "false")
}

func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// SetFocus narrows commentary to a free-text topic chosen by the user
// and persists it.
func (e *Engine) SetFocus(focus string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.focus = focus
	e.persistSetting(db.SettingFocus, focus)
}

// persistSetting writes through to the settings store. Caller holds the
// lock.
func (e *Engine) persistSetting(key, value string) {
	if e.settings == nil {
		return
	}
	if err := e.settings.SetSetting(key, value); err != nil {
		e.logger.Warn("engine: persist setting", "key", key, "error", err)
	}
}

// HandleEvent accepts one activity event from the registry.
func (e *Engine) HandleEvent(ev event.Activity) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused || ev.SessionID == "" {
		return
	}

	key := string(ev.AgentKind) + ":" + ev.SessionID
	st, ok := e.sessions[key]
	if !ok {
		st = &batchState{
			key:       key,
			sessionID: ev.SessionID,
			kind:      ev.AgentKind,
			history:   e.primeHistory(ev.SessionID),
		}
		e.sessions[key] = st
	}
	if ev.SessionTitle != "" {
		st.title = ev.SessionTitle
	}
	if ev.ProjectLabel != "" {
		st.project = ev.ProjectLabel
	}

	st.pending = append(st.pending, ev)

	if st.idleTimer != nil {
		st.idleTimer.Stop()
	}
	st.idleTimer = e.clock.AfterFunc(e.idleWindow(), func() { e.onIdleTimer(key) })

	// The max-wait ceiling is armed on the first event of the batch only
	// and is not reset by continued activity.
	if len(st.pending) == 1 && st.maxTimer == nil {
		st.maxTimer = e.clock.AfterFunc(maxWait, func() { e.onForceTimer(key) })
	}

	if len(st.pending) >= hardCap {
		e.requestFlush(st)
	}
}

func (e *Engine) onIdleTimer(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.sessions[key]
	if !ok || len(st.pending) == 0 {
		return
	}
	if len(st.pending) < minBatch {
		// Not enough happened for a useful summary: restart the grace
		// timer instead of generating, so a trickle is neither
		// summarized one action at a time nor left waiting forever.
		if st.graceTimer != nil {
			st.graceTimer.Stop()
		}
		st.graceTimer = e.clock.AfterFunc(gracePeriod, func() { e.onForceTimer(key) })
		return
	}
	e.requestFlush(st)
}

func (e *Engine) onForceTimer(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.sessions[key]
	if !ok || len(st.pending) == 0 {
		return
	}
	e.requestFlush(st)
}

// requestFlush pushes the session onto the global FIFO. A session
// already queued is not re-queued. Caller holds the lock.
func (e *Engine) requestFlush(st *batchState) {
	st.stopTimers()
	if e.queued[st.key] {
		return
	}
	e.queued[st.key] = true
	e.fifo = append(e.fifo, st.key)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// run drains the FIFO one session at a time in arrival order.
func (e *Engine) run() {
	for {
		e.mu.Lock()
		for len(e.fifo) == 0 {
			e.mu.Unlock()
			select {
			case <-e.stop:
				return
			case <-e.wake:
			}
			e.mu.Lock()
		}

		key := e.fifo[0]
		e.fifo = e.fifo[1:]
		delete(e.queued, key)

		st, ok := e.sessions[key]
		if !ok || len(st.pending) == 0 {
			e.mu.Unlock()
			continue
		}
		batch := Batch{
			SessionID: st.sessionID,
			Kind:      st.kind,
			Title:     st.title,
			Project:   st.project,
			Events:    st.pending,
			History:   append([]string(nil), st.history...),
		}
		st.pending = nil
		style := e.nextStyleLocked()
		e.mu.Unlock()

		text, a, err := e.generate(batch, style)
		if err != nil {
			// The drained batch is dropped: re-submitting stale events
			// risks duplicate or contradictory commentary.
			e.logger.Warn("engine: generation failed", "session", batch.SessionID, "error", err)
			e.broadcast(events.Event{
				Type:      events.TypeEngineError,
				SessionID: batch.SessionID,
				AgentKind: string(batch.Kind),
				Text:      err.Error(),
				Timestamp: e.clock.Now(),
			})
		} else {
			e.emit(batch, text, a)
		}

		e.mu.Lock()
		if st, ok := e.sessions[key]; ok {
			switch {
			case len(st.pending) >= minBatch:
				// Events arrived while generating: go again without
				// waiting for new activity.
				e.requestFlush(st)
			case len(st.pending) > 0:
				if st.graceTimer != nil {
					st.graceTimer.Stop()
				}
				st.graceTimer = e.clock.AfterFunc(gracePeriod, func() { e.onForceTimer(key) })
			default:
				if err == nil {
					st.stopTimers()
					delete(e.sessions, key)
				}
			}
		}
		e.mu.Unlock()
	}
}

func (e *Engine) generate(batch Batch, style Style) (string, Assessment, error) {
	a := Assess(batch.Events)
	prompt := BuildPrompt(batch, a, style, e.settings.GetSetting(db.SettingTone), e.currentFocus())

	ctx, cancel := context.WithTimeout(context.Background(), genTimeout)
	defer cancel()

	raw, err := e.gen.Generate(ctx, backend.Request{
		System: prompt.System,
		User:   prompt.User,
		Model:  e.settings.GetSetting(db.SettingModel),
	})
	if err != nil {
		return "", a, err
	}
	return Enforce(Postprocess(raw), a), a, nil
}

func (e *Engine) emit(batch Batch, text string, a Assessment) {
	entry := db.Commentary{
		ID:        uuid.NewString(),
		SessionID: batch.SessionID,
		AgentKind: string(batch.Kind),
		Ts:        e.clock.Now(),
		Text:      text,
		Direction: string(a.Direction),
		Security:  string(a.Security),
	}
	if e.store != nil {
		if err := e.store.InsertCommentary(entry); err != nil {
			e.logger.Warn("engine: persist commentary", "error", err)
		}
	}

	e.mu.Lock()
	if st, ok := e.sessions[string(batch.Kind)+":"+batch.SessionID]; ok {
		st.history = append(st.history, text)
		if len(st.history) > historyDepth {
			st.history = st.history[len(st.history)-historyDepth:]
		}
	}
	e.mu.Unlock()

	e.broadcast(events.Event{
		Type:      events.TypeCommentary,
		SessionID: batch.SessionID,
		AgentKind: string(batch.Kind),
		Title:     batch.Title,
		Text:      text,
		Direction: string(a.Direction),
		Security:  string(a.Security),
		Timestamp: entry.Ts,
	})
}

func (e *Engine) primeHistory(sessionID string) []string {
	if e.store == nil {
		return nil
	}
	rows, err := e.store.RecentCommentary(sessionID, historyDepth)
	if err != nil {
		return nil
	}
	// Rows arrive newest first; history reads oldest first.
	out := make([]string, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		out = append(out, rows[i].Text)
	}
	return out
}

// nextStyleLocked rotates deterministically through the enabled styles,
// never repeating the style used for the previous batch when more than
// one is enabled. Caller holds the lock.
func (e *Engine) nextStyleLocked() Style {
	styles := StylesNamed(e.settings.GetSetting(db.SettingStyles))
	e.styleIdx = (e.styleIdx + 1) % len(styles)
	return styles[e.styleIdx]
}

func (e *Engine) currentFocus() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.focus
}

func (e *Engine) idleWindow() time.Duration {
	secs := defaultIdleSeconds
	if v := e.settings.GetSetting(db.SettingInterval); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			secs = n
		}
	}
	return time.Duration(secs) * time.Second
}

func (e *Engine) broadcast(ev events.Event) {
	if e.broadcaster != nil {
		e.broadcaster.Broadcast(ev)
	}
}

func (st *batchState) stopTimers() {
	if st.idleTimer != nil {
		st.idleTimer.Stop()
		st.idleTimer = nil
	}
	if st.maxTimer != nil {
		st.maxTimer.Stop()
		st.maxTimer = nil
	}
	if st.graceTimer != nil {
		st.graceTimer.Stop()
		st.graceTimer = nil
	}
}
