package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Tone picks the colour of a summary value.
type Tone int

const (
	ToneNormal Tone = iota
	ToneGood
	ToneWarn
	ToneBad
)

type SummaryRow struct {
	Label string
	Value string
	Tone  Tone
}

// RenderSummary draws a two-column table under a title.
func RenderSummary(title string, rows []SummaryRow) string {
	labelWidth := 0
	valueWidth := lipgloss.Width(title)
	for _, row := range rows {
		labelWidth = max(labelWidth, lipgloss.Width(row.Label))
		valueWidth = max(valueWidth, lipgloss.Width(row.Value))
	}

	hline := dimStyle.Render(strings.Repeat("-", labelWidth+valueWidth+3))
	lines := []string{titleStyle.Render(title), hline}

	for _, row := range rows {
		label := padRight(row.Label, labelWidth)
		line := fmt.Sprintf("%s %s %s", labelStyle.Render(label), dimStyle.Render("|"), toneStyle(row.Tone).Render(row.Value))
		lines = append(lines, line)
	}

	lines = append(lines, hline)
	return strings.Join(lines, "\n")
}

func toneStyle(t Tone) lipgloss.Style {
	switch t {
	case ToneGood:
		return valueStyle.Foreground(ColorSuccess)
	case ToneWarn:
		return valueStyle.Foreground(ColorWarn)
	case ToneBad:
		return valueStyle.Foreground(ColorError)
	default:
		return valueStyle
	}
}

func padRight(s string, width int) string {
	if w := lipgloss.Width(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}

var valueStyle = lipgloss.NewStyle().Foreground(ColorInk).Bold(true)
