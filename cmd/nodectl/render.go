package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	xansi "github.com/charmbracelet/x/ansi"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"

	"nodectl/internal/types"
)

const (
	labelWidth = 48
	barWidth   = 20
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	runningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	cancelledStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func statusStyle(status types.SessionStatus) lipgloss.Style {
	switch status {
	case types.SessionStatusCompleted:
		return completedStyle
	case types.SessionStatusFailed:
		return failedStyle
	case types.SessionStatusCancelled:
		return cancelledStyle
	default:
		return runningStyle
	}
}

func progressBar(percent int) string {
	percent = max(0, min(percent, 100))
	filled := percent * barWidth / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", barWidth-filled) + "]"
}

// renderProgress formats one progress line for a session.
func renderProgress(kind types.SessionKind, snapshot types.ProgressSnapshot) string {
	status := &types.Session{Status: snapshot.Status, ConnectionLost: snapshot.ConnectionLost}
	line := fmt.Sprintf("%s %s %s %3d%% %s/%s %s",
		headerStyle.Render(string(kind)),
		snapshot.SessionID,
		progressBar(snapshot.Percent),
		snapshot.Percent,
		humanize.Comma(int64(snapshot.UnitsDone)),
		humanize.Comma(int64(snapshot.UnitsTotal)),
		statusStyle(snapshot.Status).Render(status.StatusText()),
	)
	if label := strings.TrimSpace(snapshot.CurrentLabel); label != "" {
		line += " " + dimStyle.Render(xansi.Truncate(label, labelWidth, "…"))
	}
	if snapshot.Final && snapshot.Error != "" {
		line += " " + failedStyle.Render(xansi.Truncate(snapshot.Error, labelWidth, "…"))
	}
	return line
}

func renderSession(session *types.Session) string {
	return fmt.Sprintf("%s %s %s", headerStyle.Render(string(session.Kind)), session.ID, statusStyle(session.Status).Render(session.StatusText()))
}

type column struct {
	title string
	width int
}

// renderTable pads cells by display width so wide characters line up.
func renderTable(columns []column, rows [][]string) string {
	var b strings.Builder
	header := make([]string, len(columns))
	for i, col := range columns {
		header[i] = runewidth.FillRight(col.title, col.width)
	}
	b.WriteString(headerStyle.Render(strings.TrimRight(strings.Join(header, "  "), " ")))
	b.WriteByte('\n')
	for _, row := range rows {
		cells := make([]string, len(columns))
		for i, col := range columns {
			cell := ""
			if i < len(row) {
				cell = runewidth.Truncate(row[i], col.width, "…")
			}
			cells[i] = runewidth.FillRight(cell, col.width)
		}
		b.WriteString(strings.TrimRight(strings.Join(cells, "  "), " "))
		b.WriteByte('\n')
	}
	return b.String()
}

func formatAge(savedAt, now time.Time) string {
	if savedAt.IsZero() {
		return "-"
	}
	return humanize.RelTime(savedAt, now, "ago", "from now")
}
