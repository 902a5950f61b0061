// Package render formats command output for the terminal. Styling is
// centralized here so commands return plain data and every surface
// looks the same.
package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/cinderd/cinder/internal/config"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFD479"))
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#5B8DEF"))
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	badStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	offStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
)

// Title renders a section heading.
func Title(s string) string {
	return titleStyle.Render(s)
}

// Dim renders secondary detail text.
func Dim(s string) string {
	return dimStyle.Render(s)
}

// Readiness colors a readiness value: green ready, yellow missing,
// red invalid.
func Readiness(r config.Readiness) string {
	switch r {
	case config.ReadinessReady:
		return okStyle.Render(string(r))
	case config.ReadinessMissing:
		return warnStyle.Render(string(r))
	default:
		return badStyle.Render(string(r))
	}
}

// Status colors an agent status.
func Status(s config.AgentStatus) string {
	switch s {
	case config.StatusCompleted:
		return okStyle.Render(string(s))
	case config.StatusPartial, config.StatusDegraded:
		return warnStyle.Render(string(s))
	case config.StatusSkipped:
		return offStyle.Render(string(s))
	default:
		return badStyle.Render(string(s))
	}
}

// Severity colors a diagnostic severity.
func Severity(s config.Severity) string {
	if s == config.SeverityError {
		return badStyle.Render(string(s))
	}
	return warnStyle.Render(string(s))
}

// Table lays out rows under a styled header. Column widths follow the
// widest cell; styling is applied to the header only, so the body
// stays copy-paste friendly.
func Table(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && cellWidth(cell) > widths[i] {
				widths[i] = cellWidth(cell)
			}
		}
	}

	var b strings.Builder
	for i, h := range headers {
		b.WriteString(headerStyle.Render(pad(h, widths[i])))
		if i < len(headers)-1 {
			b.WriteString("  ")
		}
	}
	b.WriteString("\n")
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			b.WriteString(padStyled(cell, widths[i]))
			if i < len(row)-1 {
				b.WriteString("  ")
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// KeyValues renders aligned "key: value" lines with dimmed keys.
func KeyValues(pairs [][2]string) string {
	width := 0
	for _, p := range pairs {
		if len(p[0]) > width {
			width = len(p[0])
		}
	}
	var b strings.Builder
	for _, p := range pairs {
		b.WriteString(dimStyle.Render(pad(p[0], width)))
		b.WriteString("  ")
		b.WriteString(p[1])
		b.WriteString("\n")
	}
	return b.String()
}

// cellWidth measures the visible width of a possibly styled cell.
func cellWidth(s string) int {
	return lipgloss.Width(s)
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// padStyled pads by visible width so ANSI-styled cells align.
func padStyled(s string, width int) string {
	w := lipgloss.Width(s)
	if w >= width {
		return s
	}
	return s + strings.Repeat(" ", width-w)
}

// Count pluralizes a simple "<n> <noun>" phrase.
func Count(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
