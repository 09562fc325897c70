package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

type BackendConfig struct {
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apiKey"` // falls back to $OVERSEER_API_KEY
}

type NotificationsConfig struct {
	Enabled bool   `json:"enabled"`
	Webhook string `json:"webhook"`
	NtfyURL string `json:"ntfy"`
}

type TLSConfig struct {
	CertFile string `json:"certFile"`
	KeyFile  string `json:"keyFile"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwtSecret"`
}

type WebserverConfig struct {
	Enabled bool       `json:"enabled"`
	Port    int        `json:"port"`
	Host    string     `json:"host"`
	TLS     TLSConfig  `json:"tls"`
	Auth    AuthConfig `json:"auth"`
}

type WatchConfig struct {
	ClaudeLogDir    string `json:"claudeLogDir"`
	CodexLogDir     string `json:"codexLogDir"`
	ScanSeconds     int    `json:"scanSeconds"`
	ActivityMinutes int    `json:"activityMinutes"`
}

type Config struct {
	ClaudeBinary  string              `json:"claudeBinary"`
	CodexBinary   string              `json:"codexBinary"`
	Watch         WatchConfig         `json:"watch"`
	Backend       BackendConfig       `json:"backend"`
	Notifications NotificationsConfig `json:"notifications"`
	Webserver     WebserverConfig     `json:"webserver"`
	LogDir        string              `json:"logDir"`
	LogLevel      string              `json:"logLevel"`
}

func Defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		ClaudeBinary: "claude",
		CodexBinary:  "codex",
		Watch: WatchConfig{
			ClaudeLogDir:    filepath.Join(home, ".claude", "projects"),
			CodexLogDir:     filepath.Join(home, ".codex", "sessions"),
			ScanSeconds:     15,
			ActivityMinutes: 5,
		},
		Backend: BackendConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Webserver: WebserverConfig{
			Enabled: false,
			Port:    8080,
			Host:    "127.0.0.1",
		},
		LogDir:   filepath.Join(home, ".agent-overseer", "logs"),
		LogLevel: "info",
	}
}

func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agent-overseer", "config.json")
}

func DBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agent-overseer", "state.db")
}

func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Backend.APIKey == "" {
		cfg.Backend.APIKey = os.Getenv("OVERSEER_API_KEY")
	}
	return cfg, nil
}

// EnsureJWTSecret generates and persists a JWT secret on first run so web
// sessions survive restarts.
func EnsureJWTSecret(path string, cfg *Config) error {
	if cfg.Webserver.Auth.JWTSecret != "" {
		return nil
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return err
	}
	cfg.Webserver.Auth.JWTSecret = hex.EncodeToString(b)
	return Save(path, *cfg)
}

func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
