package main

import (
	"strings"

	"charm.land/lipgloss/v2"
)

var (
	colorAccent    = lipgloss.Color("141")
	colorTextMuted = lipgloss.Color("245")
	colorError     = lipgloss.Color("196")
	colorWarning   = lipgloss.Color("214")
	colorSuccess   = lipgloss.Color("42")

	titleStyle   = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorTextMuted)
	noticeStyle  = lipgloss.NewStyle().Foreground(colorWarning)
	errorStyle   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess)
	bulletStyle  = lipgloss.NewStyle().Foreground(colorAccent)
)

// padRight pads s with spaces to width display cells.
func padRight(s string, width int) string {
	if gap := width - lipgloss.Width(s); gap > 0 {
		return s + strings.Repeat(" ", gap)
	}
	return s
}
