package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"ambient/internal/types"
)

// Semantic colors
var (
	Destructive = lipgloss.Color("#e53935") // Red
	Success     = lipgloss.Color("#8BC34A") // Lime Green
	Warning     = lipgloss.Color("#FFC107") // Yellow
	Info        = lipgloss.Color("#2196F3") // Blue
	Muted       = lipgloss.Color("#8a94a6")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(Info)
	okStyle      = lipgloss.NewStyle().Foreground(Success)
	failStyle    = lipgloss.NewStyle().Foreground(Destructive).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(Warning)
	mutedStyle   = lipgloss.NewStyle().Foreground(Muted)
	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Muted).
			Padding(0, 1)
)

func mark(ok bool) string {
	if ok {
		return okStyle.Render("✓")
	}
	return failStyle.Render("✗")
}

// dispositionStyle colors a disposition by how it ended.
func dispositionStyle(d types.Disposition) lipgloss.Style {
	switch d {
	case types.DispositionVerified, types.DispositionApplied:
		return okStyle
	case types.DispositionFailed:
		return failStyle
	case types.DispositionDeferred, types.DispositionPendingApproval:
		return warnStyle
	default:
		return mutedStyle
	}
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "completed":
		return okStyle
	case "error":
		return failStyle
	case "paused", "throttled":
		return warnStyle
	default:
		return mutedStyle
	}
}

// padRight pads s to width visible cells.
func padRight(s string, width int) string {
	if n := lipgloss.Width(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}
