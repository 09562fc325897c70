package ui

import "github.com/gdamore/tcell/v2"

// Theme colors for the TUI.
var (
	ColorBackground      = tcell.NewHexColor(0x1e1e2e)
	ColorBackgroundPanel = tcell.NewHexColor(0x181825)
	ColorPrimary         = tcell.NewHexColor(0x89b4fa) // blue
	ColorAccent          = tcell.NewHexColor(0xcba6f7) // mauve
	ColorText            = tcell.NewHexColor(0xcdd6f4)
	ColorTextMuted       = tcell.NewHexColor(0x6c7086)
	ColorSuccess         = tcell.NewHexColor(0xa6e3a1) // green
	ColorWarning         = tcell.NewHexColor(0xf9e2af) // yellow
	ColorError           = tcell.NewHexColor(0xf38ba8) // red
	ColorBorder          = tcell.NewHexColor(0x45475a)
)

// DirectionIcon returns the feed icon and color for a direction verdict.
func DirectionIcon(direction string) (string, tcell.Color) {
	switch direction {
	case "blocked":
		return "✗", ColorError
	case "drifting":
		return "◐", ColorWarning
	default:
		return "●", ColorSuccess
	}
}

// SecurityTag returns the colored tag shown for non-clean verdicts.
func SecurityTag(security string) string {
	switch security {
	case "alert":
		return "[#f38ba8::b]SEC ALERT[-::-] "
	case "watch":
		return "[#f9e2af]sec watch[-] "
	default:
		return ""
	}
}
