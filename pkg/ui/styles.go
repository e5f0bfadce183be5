package ui

import "github.com/charmbracelet/lipgloss"

var (
	pink  = lipgloss.Color("#ff71ce")
	blue  = lipgloss.Color("#01cdfe")
	mint  = lipgloss.Color("#05ffa1")
	muted = lipgloss.Color("#9ca3d8")
	red   = lipgloss.Color("196")

	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(pink)
	activeTabStyle = lipgloss.NewStyle().Bold(true).Foreground(mint).Underline(true)
	tabStyle       = lipgloss.NewStyle().Foreground(muted)
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(blue)
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(mint)
	errorStyle     = lipgloss.NewStyle().Foreground(red).Bold(true)
	helpStyle      = lipgloss.NewStyle().Foreground(muted)
	statusStyle    = lipgloss.NewStyle().Foreground(pink)
	panelStyle     = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(blue).
		Padding(0, 1)
)
