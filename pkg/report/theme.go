package report

import "github.com/charmbracelet/lipgloss"

const (
	IconSuccess = "✓"
	IconFailure = "✗"
	IconSkipped = "⊘"
)

// Theme is the terminal palette for run summaries.
type Theme struct {
	Success lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
	Text    lipgloss.Color

	Title  lipgloss.Style
	Header lipgloss.Style
	Cell   lipgloss.Style
	Border lipgloss.Style

	StatusSuccess lipgloss.Style
	StatusFailure lipgloss.Style
	StatusSkipped lipgloss.Style
}

func DefaultTheme() Theme {
	success := lipgloss.Color("#22C55E") // Green
	errorC := lipgloss.Color("#EF4444")  // Red
	muted := lipgloss.Color("#6B7280")   // Gray
	text := lipgloss.Color("#F9FAFB")    // White
	primary := lipgloss.Color("#7C3AED") // Purple

	return Theme{
		Success: success,
		Error:   errorC,
		Muted:   muted,
		Text:    text,

		Title:  lipgloss.NewStyle().Bold(true).Foreground(primary),
		Header: lipgloss.NewStyle().Bold(true).Foreground(text).Padding(0, 1),
		Cell:   lipgloss.NewStyle().Padding(0, 1),
		Border: lipgloss.NewStyle().Foreground(muted),

		StatusSuccess: lipgloss.NewStyle().Foreground(success).Padding(0, 1),
		StatusFailure: lipgloss.NewStyle().Foreground(errorC).Bold(true).Padding(0, 1),
		StatusSkipped: lipgloss.NewStyle().Foreground(muted).Padding(0, 1),
	}
}
