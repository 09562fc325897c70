package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/zsprackett/agent-overseer/internal/applog"
	"github.com/zsprackett/agent-overseer/internal/backend"
	"github.com/zsprackett/agent-overseer/internal/config"
	"github.com/zsprackett/agent-overseer/internal/db"
	"github.com/zsprackett/agent-overseer/internal/dispatch"
	"github.com/zsprackett/agent-overseer/internal/engine"
	"github.com/zsprackett/agent-overseer/internal/events"
	"github.com/zsprackett/agent-overseer/internal/notify"
	"github.com/zsprackett/agent-overseer/internal/registry"
	"github.com/zsprackett/agent-overseer/internal/ui"
	"github.com/zsprackett/agent-overseer/internal/webserver"
)

func openDB() (*db.DB, error) {
	dbPath := config.DBPath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, err
	}
	store, err := db.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func main() {
	if len(os.Args) >= 3 && os.Args[1] == "adduser" {
		username := os.Args[2]
		fmt.Printf("Password for %s: ", username)
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		hash, err := bcrypt.GenerateFromPassword(pw, bcrypt.DefaultCost)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		store, err := openDB()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
		if _, err := store.CreateAccount(username, string(hash)); err != nil {
			fmt.Fprintf(os.Stderr, "error creating account: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Account created: %s\n", username)
		return
	}

	if len(os.Args) >= 3 && os.Args[1] == "passwd" {
		username := os.Args[2]
		fmt.Printf("New password for %s: ", username)
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		hash, err := bcrypt.GenerateFromPassword(pw, bcrypt.DefaultCost)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		store, err := openDB()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
		acc, err := store.GetAccountByUsername(username)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: user not found: %v\n", err)
			os.Exit(1)
		}
		store.UpdateAccountPassword(acc.ID, string(hash))
		store.DeleteRefreshTokensByAccount(acc.ID)
		fmt.Printf("Password updated: %s (all sessions invalidated)\n", username)
		return
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not load config: %v\n", err)
		cfg = config.Defaults()
	}

	if cfg.Webserver.Enabled {
		if err := config.EnsureJWTSecret(config.DefaultPath(), &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not persist JWT secret: %v\n", err)
		}
	}

	logger, logCloser, err := applog.Init(applog.InitConfig{
		LogDir:   cfg.LogDir,
		LogLevel: cfg.LogLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not init log file: %v\n", err)
		logger = slog.Default() // falls back to default (stderr)
	} else {
		defer logCloser.Close()
	}

	store, err := openDB()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: could not open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	// The event bus is populated after all surfaces exist; engine, registry
	// and dispatcher hold an indirection so construction order stays simple.
	var bus events.Multi
	relay := events.BroadcastFunc(func(e events.Event) { bus.Broadcast(e) })

	gen := backend.NewOpenAIClient(cfg.Backend.BaseURL, cfg.Backend.APIKey, 0)
	eng := engine.New(gen, store, store, relay, engine.RealClock(), logger)

	reg := registry.New(registry.Options{
		ClaudeLogDir:   cfg.Watch.ClaudeLogDir,
		CodexLogDir:    cfg.Watch.CodexLogDir,
		ScanInterval:   time.Duration(cfg.Watch.ScanSeconds) * time.Second,
		ActivityWindow: time.Duration(cfg.Watch.ActivityMinutes) * time.Minute,
	}, store, eng.HandleEvent, func() {
		relay.Broadcast(events.Event{Type: events.TypeSessions, Timestamp: time.Now()})
	}, logger)

	disp := dispatch.New(reg, store, relay, dispatch.Options{
		ClaudeBinary: cfg.ClaudeBinary,
		CodexBinary:  cfg.CodexBinary,
	}, logger)

	app := ui.NewApp(reg, eng, disp, logger)

	surfaces := events.Multi{app}
	if cfg.Webserver.Enabled {
		web := webserver.New(store, reg, disp, eng, webserver.Config{
			Enabled: true,
			Port:    cfg.Webserver.Port,
			Host:    cfg.Webserver.Host,
			TLS:     webserver.TLSConfig(cfg.Webserver.TLS),
			Auth:    webserver.AuthConfig(cfg.Webserver.Auth),
		}, logger)
		surfaces = append(surfaces, web)
		go func() {
			if err := web.Start(); err != nil {
				logger.Error("webserver stopped", "error", err)
			}
		}()
	}
	if cfg.Notifications.Enabled {
		surfaces = append(surfaces, notify.New(notify.Config(cfg.Notifications), logger))
	}
	bus = surfaces

	eng.Start()
	defer eng.Stop()
	reg.Start()
	defer reg.Stop()

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
