package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	// Colors
	colorPrimary   = lipgloss.Color("99")
	colorSecondary = lipgloss.Color("241")
	colorSuccess   = lipgloss.Color("82")
	colorWarning   = lipgloss.Color("214")
	colorError     = lipgloss.Color("196")
	colorHighlight = lipgloss.Color("212")
	colorMuted     = lipgloss.Color("245")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorHighlight)

	agentNameStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("81"))

	okStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(colorSuccess)

	warnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorWarning)

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorError)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	pathStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")).
			Italic(true)

	dividerStyle = lipgloss.NewStyle().
			Foreground(colorSecondary)

	iconOK      = okStyle.Render("✓")
	iconWarn    = warnStyle.Render("!")
	iconError   = errorStyle.Render("✗")
	iconPending = lipgloss.NewStyle().Foreground(colorMuted).Render("○")
)

func statusIcon(status string) string {
	switch status {
	case "ok", "complete", "ready":
		return iconOK
	case "running", "warn", "skipped":
		return iconWarn
	case "failed", "error", "cancelled":
		return iconError
	default:
		return iconPending
	}
}

func renderDivider(width int) string {
	line := ""
	for i := 0; i < width; i++ {
		line += "─"
	}
	return dividerStyle.Render(line)
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
