package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type DB struct {
	sql *sql.DB
}

func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}
	return &DB{sql: conn}, nil
}

func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) Migrate() error {
	stmts := []struct {
		name string
		ddl  string
	}{
		{"metadata", `
			CREATE TABLE IF NOT EXISTS metadata (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`},
		{"session_titles", `
			CREATE TABLE IF NOT EXISTS session_titles (
				agent_kind TEXT NOT NULL,
				session_id TEXT NOT NULL,
				title      TEXT NOT NULL,
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (agent_kind, session_id)
			)`},
		{"commentary", `
			CREATE TABLE IF NOT EXISTS commentary (
				id         TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				agent_kind TEXT NOT NULL,
				ts         INTEGER NOT NULL,
				text       TEXT NOT NULL,
				direction  TEXT NOT NULL DEFAULT '',
				security   TEXT NOT NULL DEFAULT ''
			)`},
		{"commentary index", `
			CREATE INDEX IF NOT EXISTS idx_commentary_session
			ON commentary(session_id, ts DESC)`},
		{"dispatch_events", `
			CREATE TABLE IF NOT EXISTS dispatch_events (
				id          INTEGER PRIMARY KEY,
				dispatch_id TEXT NOT NULL,
				ts          INTEGER NOT NULL,
				state       TEXT NOT NULL,
				message     TEXT NOT NULL DEFAULT '',
				target      TEXT NOT NULL DEFAULT ''
			)`},
		{"dispatch index", `
			CREATE INDEX IF NOT EXISTS idx_dispatch_events_dispatch
			ON dispatch_events(dispatch_id, ts)`},
		{"accounts", `
			CREATE TABLE IF NOT EXISTS accounts (
				id            TEXT PRIMARY KEY,
				username      TEXT NOT NULL UNIQUE,
				password_hash TEXT NOT NULL,
				created_at    INTEGER NOT NULL
			)`},
		{"refresh_tokens", `
			CREATE TABLE IF NOT EXISTS refresh_tokens (
				token      TEXT PRIMARY KEY,
				account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
				expires_at INTEGER NOT NULL,
				created_at INTEGER NOT NULL
			)`},
	}
	for _, s := range stmts {
		if _, err := d.sql.Exec(s.ddl); err != nil {
			return fmt.Errorf("create %s: %w", s.name, err)
		}
	}
	return nil
}

// GetSetting returns the stored value for key, or the documented default
// when the key has never been written. Unknown keys fall back to empty.
func (d *DB) GetSetting(key string) string {
	var value string
	err := d.sql.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return SettingDefaults[key]
	}
	return value
}

func (d *DB) SetSetting(key, value string) error {
	_, err := d.sql.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// TitleOverride returns the user-set title for a session, empty when none
// exists. Overrides beat any title harvested from the log content.
func (d *DB) TitleOverride(agentKind, sessionID string) string {
	var title string
	err := d.sql.QueryRow(`
		SELECT title FROM session_titles WHERE agent_kind = ? AND session_id = ?
	`, agentKind, sessionID).Scan(&title)
	if err != nil {
		return ""
	}
	return title
}

func (d *DB) SetTitleOverride(agentKind, sessionID, title string) error {
	_, err := d.sql.Exec(`
		INSERT INTO session_titles (agent_kind, session_id, title, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_kind, session_id) DO UPDATE
		SET title = excluded.title, updated_at = excluded.updated_at
	`, agentKind, sessionID, title, time.Now().Unix())
	return err
}

func (d *DB) InsertCommentary(c Commentary) error {
	_, err := d.sql.Exec(`
		INSERT INTO commentary (id, session_id, agent_kind, ts, text, direction, security)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.SessionID, c.AgentKind, c.Ts.Unix(), c.Text, c.Direction, c.Security)
	return err
}

// RecentCommentary returns up to limit entries, newest first. When
// sessionID is empty, entries for all sessions are returned.
func (d *DB) RecentCommentary(sessionID string, limit int) ([]Commentary, error) {
	query := `
		SELECT id, session_id, agent_kind, ts, text, direction, security
		FROM commentary
	`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.sql.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Commentary
	for rows.Next() {
		var c Commentary
		var ts int64
		if err := rows.Scan(&c.ID, &c.SessionID, &c.AgentKind, &ts, &c.Text, &c.Direction, &c.Security); err != nil {
			return nil, err
		}
		c.Ts = time.Unix(ts, 0)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (d *DB) InsertDispatchEvent(e DispatchEvent) error {
	_, err := d.sql.Exec(`
		INSERT INTO dispatch_events (dispatch_id, ts, state, message, target)
		VALUES (?, ?, ?, ?, ?)
	`, e.DispatchID, e.Ts.Unix(), e.State, e.Message, e.Target)
	return err
}

func (d *DB) DispatchTrail(dispatchID string) ([]DispatchEvent, error) {
	rows, err := d.sql.Query(`
		SELECT id, dispatch_id, ts, state, message, target
		FROM dispatch_events WHERE dispatch_id = ? ORDER BY ts, id
	`, dispatchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DispatchEvent
	for rows.Next() {
		var e DispatchEvent
		var ts int64
		if err := rows.Scan(&e.ID, &e.DispatchID, &ts, &e.State, &e.Message, &e.Target); err != nil {
			return nil, err
		}
		e.Ts = time.Unix(ts, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}
