package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/lattice-batch/internal/monitor"
)

var (
	titleStyle        = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	headStyle         = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	labelStyleDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleTimeout = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	labelStyleSkipped = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	labelStyleDefault = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailTextStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	boxStyle          = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("#444444")).
				Padding(0, 1)
)

func statusStyle(status monitor.Status) lipgloss.Style {
	switch status {
	case monitor.StatusCompleted:
		return labelStyleDone
	case monitor.StatusFailed:
		return labelStyleFailed
	case monitor.StatusRunning:
		return labelStyleRunning
	case monitor.StatusTimedOut:
		return labelStyleTimeout
	case monitor.StatusSkipped:
		return labelStyleSkipped
	default:
		return labelStyleDefault
	}
}

// RenderReport draws a report as a static summary, one box per group.
func RenderReport(report monitor.ExecutionReport, width int) string {
	sections := []string{
		titleStyle.Render(fmt.Sprintf("⬡ %s", reportTitle(report))),
		renderTotals(report),
	}
	items := make(map[string]monitor.ItemStatus, len(report.Items))
	for _, item := range report.Items {
		items[item.ItemID] = item
	}
	for _, group := range report.Groups {
		sections = append(sections, renderGroup(group, items, width))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func reportTitle(report monitor.ExecutionReport) string {
	title := report.BatchID
	if title == "" {
		title = "batch"
	}
	if report.RunID != "" {
		title += " · " + shortID(report.RunID)
	}
	return title
}

func renderTotals(report monitor.ExecutionReport) string {
	parts := []string{
		labelStyleDone.Render(fmt.Sprintf("%d completed", report.Completed)),
		labelStyleFailed.Render(fmt.Sprintf("%d failed", report.Failed)),
		labelStyleTimeout.Render(fmt.Sprintf("%d timed out", report.TimedOut)),
		labelStyleSkipped.Render(fmt.Sprintf("%d skipped", report.Skipped)),
	}
	if report.Running > 0 {
		parts = append(parts, labelStyleRunning.Render(fmt.Sprintf("%d running", report.Running)))
	}
	if report.Pending > 0 {
		parts = append(parts, labelStyleDefault.Render(fmt.Sprintf("%d pending", report.Pending)))
	}
	line := strings.Join(parts, "  ")
	stats := fmt.Sprintf("wall %s · avg %s · speed-up %.2fx",
		formatDuration(report.WallClock), formatDuration(report.AverageDuration), report.SpeedupRatio)
	if report.Serial {
		stats += " · serial"
	}
	return lipgloss.JoinVertical(lipgloss.Left, line, detailTextStyle.Render(stats))
}

func renderGroup(group monitor.GroupReport, items map[string]monitor.ItemStatus, width int) string {
	heading := fmt.Sprintf("GROUP %d", group.Index)
	if group.Serial {
		heading += " (serial)"
	}
	if group.WallClock > 0 {
		heading += fmt.Sprintf(" · %s · %.2fx", formatDuration(group.WallClock), group.SpeedupRatio)
	}
	lines := []string{headStyle.Render(heading)}
	for _, id := range group.Items {
		item, ok := items[id]
		if !ok {
			item = monitor.ItemStatus{ItemID: id, Status: monitor.StatusPending}
		}
		lines = append(lines, renderItem(item))
	}
	style := boxStyle
	if width > 0 {
		style = style.Width(max(20, width-2))
	}
	return style.Render(strings.Join(lines, "\n"))
}

func renderItem(item monitor.ItemStatus) string {
	label := statusStyle(item.Status).Render(fmt.Sprintf("%-10s", item.Status))
	line := fmt.Sprintf("%s %s", label, item.ItemID)
	var detail string
	switch {
	case item.SkipReason != "":
		detail = string(item.SkipReason)
	case item.Error != "":
		detail = item.Error
	}
	if item.Attempts > 1 {
		detail = strings.TrimSpace(fmt.Sprintf("attempt %d %s", item.Attempts, detail))
	}
	if detail != "" {
		line += " " + detailTextStyle.Render(truncate(detail, 72))
	}
	return line
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(100 * time.Millisecond).String()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
