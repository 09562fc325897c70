package db

import "time"

// Settings keys with their documented fallback defaults. The metadata
// table is a plain key/value store; callers go through GetSetting which
// applies the fallback when a key has never been written.
const (
	SettingModel    = "model"            // backend model id
	SettingTone     = "tone"             // commentary tone preset
	SettingStyles   = "styles"           // comma-separated enabled output styles
	SettingInterval = "interval_seconds" // idle window before a batch flushes
	SettingPaused   = "paused"           // "true" stops new batches from queueing
	SettingFocus    = "focus"            // free-text topic commentary should favor
)

// SettingDefaults maps each known key to its fallback value.
var SettingDefaults = map[string]string{
	SettingModel:    "gpt-4o-mini",
	SettingTone:     "neutral",
	SettingStyles:   "brief,bullets,play-by-play",
	SettingInterval: "8",
	SettingPaused:   "false",
	SettingFocus:    "",
}

// Commentary is one generated commentary entry persisted for history and
// anti-repetition priming.
type Commentary struct {
	ID        string
	SessionID string
	AgentKind string
	Ts        time.Time
	Text      string
	Direction string
	Security  string
}

// DispatchEvent is one status transition in a dispatch's lifecycle.
type DispatchEvent struct {
	ID         int64
	DispatchID string
	Ts         time.Time
	State      string
	Message    string
	Target     string
}

type Account struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

type RefreshToken struct {
	Token     string
	AccountID string
	ExpiresAt time.Time
	CreatedAt time.Time
}
