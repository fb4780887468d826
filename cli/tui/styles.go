// Package tui provides the Bubble Tea generation view for the inkwell CLI.
//
// The TUI is the default surface for interactive runs; piped or --no-tui
// runs fall back to plain rendering with the same data.
package tui

import "github.com/charmbracelet/lipgloss"

// Color palette.
var (
	primaryColor   = lipgloss.Color("#7C3AED") // Purple
	successColor   = lipgloss.Color("#10B981") // Green
	warningColor   = lipgloss.Color("#F59E0B") // Amber
	errorColor     = lipgloss.Color("#EF4444") // Red
	mutedColor     = lipgloss.Color("#6B7280") // Gray
	highlightColor = lipgloss.Color("#3B82F6") // Blue
)

// Styles for TUI components.
var (
	// TitleStyle for headers and titles.
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	// LabelStyle for field labels.
	LabelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(14)

	// ValueStyle for field values.
	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF"))

	// SuccessStyle for success states.
	SuccessStyle = lipgloss.NewStyle().
			Foreground(successColor)

	// WarningStyle for warning states.
	WarningStyle = lipgloss.NewStyle().
			Foreground(warningColor)

	// ErrorStyle for error states.
	ErrorStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	// BoxStyle for bordered containers.
	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(1, 2)

	// PreviewStyle for the streamed content tail.
	PreviewStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(highlightColor).
			Padding(0, 1)

	// HelpStyle for help text.
	HelpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			MarginTop(1)
)

// StatusStyle returns a style for a job status string.
func StatusStyle(status string) lipgloss.Style {
	switch status {
	case "completed":
		return SuccessStyle
	case "queued", "streaming":
		return WarningStyle
	case "failed", "canceled":
		return ErrorStyle
	default:
		return ValueStyle
	}
}

// ConnStyle returns a style for a connection state string.
func ConnStyle(state string) lipgloss.Style {
	switch state {
	case "connected":
		return SuccessStyle
	case "connecting", "retrying":
		return WarningStyle
	case "circuit_open":
		return ErrorStyle
	default:
		return ValueStyle
	}
}
