// Package ui provides terminal styling and output helpers for the fq CLI.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Adaptive colors pick a readable tone on both light and dark terminals.
var (
	ColorPass   = lipgloss.AdaptiveColor{Light: "28", Dark: "42"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "124", Dark: "196"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "130", Dark: "214"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "26", Dark: "39"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "241", Dark: "245"}
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	failStyle   = lipgloss.NewStyle().Foreground(ColorFail).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	mutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	accentStyle = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)

	TableHeaderStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorAccent)

	TableBorderStyle = lipgloss.NewStyle().
		Foreground(ColorMuted)
)

// RenderPass styles success markers and counts.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderFail styles error markers.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderWarn styles warning markers, used for open conflicts.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderMuted styles hints and secondary detail.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderAccent styles identifiers and headings.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// NewTable creates a bordered table with the default styling.
func NewTable() *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(TableBorderStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return TableHeaderStyle
			}
			return lipgloss.NewStyle()
		})
}
