package tui

import "strings"

const (
	keyTab      = "tab"
	keyShiftTab = "shift+tab"
	keyQuit     = "q"
	keyCtrlC    = "ctrl+c"
	keyPane1    = "1"
	keyPane2    = "2"
	keyUp       = "up"
	keyDown     = "down"
	keyJ        = "j"
	keyK        = "k"
)

var helpBindings = []struct{ keys, action string }{
	{"tab", "cycle focus"},
	{"1/2", "jump to pane"},
	{"j/k", "select task"},
	{"pgup/pgdn", "scroll output"},
	{"q", "quit"},
}

// HelpView returns the one-line help bar.
func HelpView() string {
	parts := make([]string, len(helpBindings))
	for i, b := range helpBindings {
		parts[i] = b.keys + ": " + b.action
	}
	return styleHelp.Render(strings.Join(parts, " | "))
}
