package main

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// theme keeps every CLI color in one place.
type theme struct {
	OK      lipgloss.Style
	Running lipgloss.Style
	Failed  lipgloss.Style
	Queued  lipgloss.Style
	Warn    lipgloss.Style
	Header  lipgloss.Style
	Dim     lipgloss.Style
	Border  lipgloss.Style
}

var styles = theme{
	OK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
	Running: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
	Failed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
	Queued:  lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
	Warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
	Header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF")),
	Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
	Border:  lipgloss.NewStyle().Foreground(lipgloss.Color("#874BFD")),
}

// statusStyle colors a lane, dispatch or effect status.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "completed", "sent", "idle":
		return styles.OK
	case "running", "claimed", "debouncing", "dispatch-in-flight":
		return styles.Running
	case "failed", "cancelled", "dropped":
		return styles.Failed
	case "unknown", "paused":
		return styles.Warn
	default:
		return styles.Queued
	}
}

// renderTable draws rows under headers. statusCol, when not negative, is
// colored by statusStyle.
func renderTable(headers []string, rows [][]string, statusCol int) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(styles.Border).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			base := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return styles.Header.Padding(0, 1)
			}
			if col == statusCol && row >= 0 && row < len(rows) {
				return statusStyle(rows[row][col]).Padding(0, 1)
			}
			return base
		})
	return t.String()
}

// keyValue renders aligned "key: value" lines.
func keyValue(pairs [][2]string) string {
	width := 0
	for _, p := range pairs {
		if len(p[0]) > width {
			width = len(p[0])
		}
	}
	key := styles.Header.Width(width + 1)
	var out string
	for _, p := range pairs {
		out += lipgloss.JoinHorizontal(lipgloss.Top, key.Render(p[0]+":"), " ", p[1]) + "\n"
	}
	return out
}
