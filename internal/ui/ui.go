// Package ui renders short status markers for CLI output. Styling is only
// applied when stdout is a terminal.
package ui

import (
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#22c55e")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#eab308")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#ef4444")).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#38bdf8"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

var (
	ttyOnce sync.Once
	tty     bool
	plain   bool
)

// IsTTY reports whether stdout is a terminal.
func IsTTY() bool {
	ttyOnce.Do(func() {
		tty = term.IsTerminal(int(os.Stdout.Fd()))
	})
	return tty
}

// SetPlain disables styling regardless of the terminal.
func SetPlain(on bool) { plain = on }

func render(s lipgloss.Style, text string) string {
	if plain || !IsTTY() {
		return text
	}
	return s.Render(text)
}

// RenderPass styles a success marker.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderWarn styles a warning marker.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderFail styles a failure marker.
func RenderFail(s string) string { return render(failStyle, s) }

// RenderAccent styles a heading marker.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderMuted styles secondary text.
func RenderMuted(s string) string { return render(mutedStyle, s) }

// RenderHeader styles a section heading.
func RenderHeader(s string) string { return render(headerStyle, s) }
