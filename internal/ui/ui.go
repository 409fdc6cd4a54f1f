// Package ui provides terminal rendering helpers for the CLI.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	boldStyle   = lipgloss.NewStyle().Bold(true)
)

// colorEnabled reports whether the terminal supports color output.
// Respects NO_COLOR and dumb terminals.
func colorEnabled() bool {
	return termenv.EnvColorProfile() != termenv.Ascii
}

func render(style lipgloss.Style, s string) string {
	if !colorEnabled() {
		return s
	}
	return style.Render(s)
}

// RenderAccent renders informational highlights.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderPass renders success markers.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderWarn renders warnings.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderFail renders failures.
func RenderFail(s string) string { return render(failStyle, s) }

// RenderMuted renders de-emphasized detail text.
func RenderMuted(s string) string { return render(mutedStyle, s) }

// RenderBold renders emphasized text.
func RenderBold(s string) string { return render(boldStyle, s) }
