// Package ui is the terminal surface: a live session list, the
// commentary feed, and an input line that routes instructions to the
// selected session. All state lives in the core components; the UI only
// renders events and forwards input.
package ui

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/zsprackett/agent-overseer/internal/dispatch"
	"github.com/zsprackett/agent-overseer/internal/engine"
	"github.com/zsprackett/agent-overseer/internal/events"
	"github.com/zsprackett/agent-overseer/internal/registry"
)

type App struct {
	tapp     *tview.Application
	layout   *tview.Flex
	sessions *tview.List
	feed     *tview.TextView
	input    *tview.InputField
	status   *tview.TextView

	reg    *registry.Registry
	eng    *engine.Engine
	disp   *dispatch.Dispatcher
	logger *slog.Logger

	visible []registry.Session
}

func NewApp(reg *registry.Registry, eng *engine.Engine, disp *dispatch.Dispatcher, logger *slog.Logger) *App {
	a := &App{
		tapp:   tview.NewApplication(),
		reg:    reg,
		eng:    eng,
		disp:   disp,
		logger: logger,
	}

	a.sessions = tview.NewList().ShowSecondaryText(true)
	a.sessions.SetBorder(true).SetTitle(" Sessions ").SetBorderColor(ColorBorder)
	a.sessions.SetBackgroundColor(ColorBackgroundPanel)
	a.sessions.SetMainTextColor(ColorText)
	a.sessions.SetSecondaryTextColor(ColorTextMuted)
	a.sessions.SetSelectedBackgroundColor(ColorPrimary)
	a.sessions.SetSelectedTextColor(ColorBackground)

	a.feed = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	a.feed.SetBorder(true).SetTitle(" Commentary ").SetBorderColor(ColorBorder)
	a.feed.SetBackgroundColor(ColorBackground)
	a.feed.SetChangedFunc(func() { a.tapp.Draw() })

	a.input = tview.NewInputField().
		SetLabel(" instruct> ").
		SetLabelColor(ColorAccent).
		SetFieldBackgroundColor(ColorBackgroundPanel).
		SetFieldTextColor(ColorText)
	a.input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			a.submitInstruction()
		}
	})

	a.status = tview.NewTextView().SetDynamicColors(true)
	a.status.SetBackgroundColor(ColorBackgroundPanel)
	a.status.SetTextColor(ColorTextMuted)

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.feed, 0, 1, false).
		AddItem(a.input, 1, 0, false).
		AddItem(a.status, 1, 0, false)

	a.layout = tview.NewFlex().
		AddItem(a.sessions, 34, 0, true).
		AddItem(right, 0, 1, false)

	a.tapp.SetRoot(a.layout, true).EnableMouse(false)
	a.tapp.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		switch {
		case ev.Key() == tcell.KeyTab:
			a.cycleFocus()
			return nil
		case ev.Key() == tcell.KeyRune && a.tapp.GetFocus() != a.input:
			switch ev.Rune() {
			case 'q':
				a.tapp.Stop()
				return nil
			case 'p':
				a.togglePause()
				return nil
			case 'i':
				a.tapp.SetFocus(a.input)
				return nil
			case 'r':
				a.refillLastFailed()
				return nil
			}
		}
		return ev
	})

	a.refreshSessions()
	a.setStatus("ready; i to type an instruction, p to pause commentary, q to quit")
	return a
}

func (a *App) Run() error {
	go a.pollSessions()
	return a.tapp.Run()
}

// Broadcast implements events.Broadcaster; the core pushes commentary,
// dispatch statuses, and session changes through here.
func (a *App) Broadcast(e events.Event) {
	a.tapp.QueueUpdateDraw(func() {
		switch e.Type {
		case events.TypeCommentary:
			a.appendCommentary(e)
		case events.TypeDispatchStatus:
			a.setStatus(fmt.Sprintf("dispatch %s: %s", e.State, e.Text))
			if e.State == "failed" {
				a.appendLine(fmt.Sprintf("[#f38ba8]dispatch to %s failed: %s[-]", e.Target, e.Text))
			}
		case events.TypeSessions:
			a.refreshSessions()
		case events.TypeEngineError:
			a.setStatus("commentary error: " + e.Text)
		}
	})
}

func (a *App) appendCommentary(e events.Event) {
	icon, color := DirectionIcon(e.Direction)
	title := e.Title
	if title == "" {
		title = e.SessionID
	}
	header := fmt.Sprintf("[#%06x]%s[-] [::b]%s[-] [#6c7086]%s · %s[-]",
		color.Hex(), icon, tview.Escape(title), e.AgentKind, e.Timestamp.Format("15:04:05"))
	fmt.Fprintf(a.feed, "%s\n%s%s\n\n", header, SecurityTag(e.Security), tview.Escape(e.Text))
	a.feed.ScrollToEnd()
}

func (a *App) appendLine(line string) {
	fmt.Fprintf(a.feed, "%s\n", line)
	a.feed.ScrollToEnd()
}

func (a *App) refreshSessions() {
	selected := a.sessions.GetCurrentItem()
	a.sessions.Clear()
	a.visible = a.reg.ActiveSessions()
	for _, s := range a.visible {
		title := s.Title
		if title == "" {
			title = s.ProjectLabel
		}
		secondary := fmt.Sprintf("%s · %s", s.AgentKind, humanize.Time(s.LastActivity))
		a.sessions.AddItem(tview.Escape(title), secondary, 0, nil)
	}
	if selected >= 0 && selected < a.sessions.GetItemCount() {
		a.sessions.SetCurrentItem(selected)
	}
}

// pollSessions keeps the list's relative timestamps fresh even when no
// event arrives.
func (a *App) pollSessions() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		a.tapp.QueueUpdateDraw(a.refreshSessions)
	}
}

func (a *App) submitInstruction() {
	text := strings.TrimSpace(a.input.GetText())
	if text == "" {
		return
	}
	idx := a.sessions.GetCurrentItem()
	if idx < 0 || idx >= len(a.visible) {
		a.setStatus("no session selected")
		return
	}
	s := a.visible[idx]
	a.disp.Dispatch(dispatch.Target{
		AgentKind: s.AgentKind,
		SessionID: s.SessionID,
		Title:     s.Title,
	}, text)
	a.input.SetText("")
	a.tapp.SetFocus(a.sessions)
}

// refillLastFailed restores the most recently failed instruction into
// the input line for resubmission.
func (a *App) refillLastFailed() {
	if text, ok := a.disp.LastFailed(); ok {
		a.input.SetText(text)
		a.tapp.SetFocus(a.input)
		a.setStatus("failed instruction restored; Enter to resend")
	}
}

func (a *App) togglePause() {
	if a.eng.Paused() {
		a.eng.Resume()
		a.setStatus("commentary resumed")
	} else {
		a.eng.Pause()
		a.setStatus("commentary paused; pending batches cleared")
	}
}

func (a *App) cycleFocus() {
	switch a.tapp.GetFocus() {
	case a.sessions:
		a.tapp.SetFocus(a.feed)
	case a.feed:
		a.tapp.SetFocus(a.input)
	default:
		a.tapp.SetFocus(a.sessions)
	}
}

func (a *App) setStatus(msg string) {
	a.status.SetText(" " + tview.Escape(msg))
}
