// Package webserver exposes the session view, commentary history, and
// dispatch over a small JSON API plus a websocket event stream for web
// clients.
package webserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/zsprackett/agent-overseer/internal/db"
	"github.com/zsprackett/agent-overseer/internal/dispatch"
	"github.com/zsprackett/agent-overseer/internal/event"
	"github.com/zsprackett/agent-overseer/internal/events"
	"github.com/zsprackett/agent-overseer/internal/registry"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type AuthConfig struct {
	JWTSecret string
}

type Config struct {
	Enabled bool
	Port    int
	Host    string
	TLS     TLSConfig
	Auth    AuthConfig
}

// Sessions is the read side of the registry the API serves.
type Sessions interface {
	ActiveSessions() []registry.Session
}

// Control is the live engine surface the settings API drives;
// engine.Engine satisfies it. Writing the paused or focus setting must
// take effect immediately, not only after a restart.
type Control interface {
	Pause()
	Resume()
	SetFocus(focus string)
}

type Server struct {
	store    *db.DB
	sessions Sessions
	disp     *dispatch.Dispatcher
	ctrl     Control
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[chan events.Event]struct{}
}

func New(store *db.DB, sessions Sessions, disp *dispatch.Dispatcher, ctrl Control, cfg Config, logger *slog.Logger) *Server {
	return &Server{
		store:    store,
		sessions: sessions,
		disp:     disp,
		ctrl:     ctrl,
		cfg:      cfg,
		logger:   logger,
		clients:  make(map[chan events.Event]struct{}),
	}
}

// Broadcast implements events.Broadcaster.
func (s *Server) Broadcast(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- e:
		default:
		}
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/commentary", s.handleCommentary)
	mux.HandleFunc("POST /api/dispatch", s.handleDispatch)
	mux.HandleFunc("GET /api/dispatch/{id}", s.handleDispatchTrail)
	mux.HandleFunc("POST /api/sessions/{kind}/{id}/title", s.handleSetTitle)
	mux.HandleFunc("GET /api/settings/{key}", s.handleGetSetting)
	mux.HandleFunc("PUT /api/settings/{key}", s.handlePutSetting)
	mux.HandleFunc("GET /ws", s.handleWS)
	return jwtMiddleware(s.cfg.Auth.JWTSecret, []string{"/api/login", "/api/refresh"}, mux)
}

func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		var err error
		if s.cfg.TLS.CertFile != "" && s.cfg.TLS.KeyFile != "" {
			err = srv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("webserver: listen failed", "error", err)
		}
	}()
	return nil
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"sessions": s.sessions.ActiveSessions()})
}

func (s *Server) handleCommentary(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	rows, err := s.store.RecentCommentary(r.URL.Query().Get("session"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"commentary": rows})
}

type dispatchRequest struct {
	AgentKind   string `json:"agent_kind"`
	SessionID   string `json:"session_id,omitempty"`
	Instruction string `json:"instruction"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	target := dispatch.Target{
		AgentKind: event.AgentKind(req.AgentKind),
		SessionID: req.SessionID,
	}
	id := s.disp.Dispatch(target, req.Instruction)
	writeJSON(w, map[string]string{"dispatch_id": id})
}

func (s *Server) handleDispatchTrail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	trail, err := s.store.DispatchTrail(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"trail": trail})
}

func (s *Server) handleSetTitle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	kind := r.PathValue("kind")
	id := r.PathValue("id")
	if err := s.store.SetTitleOverride(kind, id, body.Title); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.Broadcast(events.Event{Type: events.TypeSessions, SessionID: id, AgentKind: kind, Title: body.Title})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	writeJSON(w, map[string]string{"key": key, "value": s.store.GetSetting(key)})
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	key := r.PathValue("key")
	if err := s.store.SetSetting(key, body.Value); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if s.ctrl != nil {
		switch key {
		case db.SettingPaused:
			if body.Value == "true" {
				s.ctrl.Pause()
			} else {
				s.ctrl.Resume()
			}
		case db.SettingFocus:
			s.ctrl.SetFocus(body.Value)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := make(chan events.Event, 64)
	s.mu.Lock()
	s.clients[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, ch)
		s.mu.Unlock()
	}()

	// Reader goroutine: only there to observe the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case e := <-ch:
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
