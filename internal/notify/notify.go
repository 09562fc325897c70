// Package notify fires system notifications and optional webhook POSTs
// for events worth interrupting the user over: security alerts in
// commentary and failed dispatches.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/zsprackett/agent-overseer/internal/engine"
	"github.com/zsprackett/agent-overseer/internal/events"
)

// Config holds notification settings.
type Config struct {
	Enabled bool   `json:"enabled"`
	Webhook string `json:"webhook"`
	NtfyURL string `json:"ntfy"`
}

type Notifier struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Notifier {
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Broadcast implements events.Broadcaster; only alert-worthy events
// produce a notification.
func (n *Notifier) Broadcast(e events.Event) {
	if !n.cfg.Enabled {
		return
	}
	switch {
	case e.Type == events.TypeCommentary && e.Security == string(engine.SecurityAlert):
		title := e.Title
		if title == "" {
			title = e.SessionID
		}
		n.send(fmt.Sprintf("security alert in %s: %s", title, firstLine(e.Text)))
	case e.Type == events.TypeDispatchStatus && e.State == "failed":
		n.send(fmt.Sprintf("dispatch to %s failed: %s", e.Target, e.Text))
	}
}

func (n *Notifier) send(msg string) {
	n.sendSystemNotification(msg)
	if n.cfg.Webhook != "" {
		n.post(n.cfg.Webhook, map[string]string{"message": msg})
	}
	if n.cfg.NtfyURL != "" {
		n.postPlain(n.cfg.NtfyURL, msg)
	}
}

func (n *Notifier) sendSystemNotification(msg string) {
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf(`display notification %q with title "agent-overseer"`, msg)
		exec.Command("osascript", "-e", script).Run()
	case "linux":
		exec.Command("notify-send", "agent-overseer", msg).Run()
	}
}

func (n *Notifier) post(url string, payload map[string]string) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		n.logger.Debug("notify: webhook failed", "error", err)
		return
	}
	resp.Body.Close()
}

func (n *Notifier) postPlain(url, msg string) {
	resp, err := n.client.Post(url, "text/plain", strings.NewReader(msg))
	if err != nil {
		n.logger.Debug("notify: ntfy failed", "error", err)
		return
	}
	resp.Body.Close()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
