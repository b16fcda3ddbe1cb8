package watch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/runlane/internal/events"
)

// HealthState tracks service health from /healthz polling.
type HealthState struct {
	Status            string
	UptimeSeconds     int64
	ProcessingEnabled bool
	Epoch             int64
	Active            int
	Queued            int
	Unknown           int
	Connected         bool
	LastCheck         time.Time
}

func panel(theme Theme, width int, title string, lines ...string) string {
	content := lipgloss.JoinVertical(lipgloss.Left, append([]string{theme.Title.Render(title)}, lines...)...)
	return theme.Border.Width(width - 4).Render(content)
}

// schedulerStall is how long without a scheduler.tick before the header
// flags the scheduler as quiet.
const schedulerStall = 10 * time.Second

func renderHeader(h HealthState, board *Board, ticker Ticker, activity Activity, theme Theme, width int, now time.Time) string {
	status := theme.StatusOK.Render("RUNNING")
	switch {
	case !h.Connected:
		status = theme.StatusFailed.Render("CONNECTING")
	case !h.ProcessingEnabled || board.Paused:
		mode := board.Mode
		if mode == "" {
			mode = "paused"
		}
		status = theme.StatusPaused.Render("PAUSED (" + mode + ")")
	case h.Status != "ok" && h.Status != "":
		status = theme.StatusFailed.Render("DEGRADED")
	}

	epoch := h.Epoch
	if board.Epoch > epoch {
		epoch = board.Epoch
	}

	lastEvent := "never"
	if !activity.LastEvent().IsZero() {
		lastEvent = formatAgo(now.Sub(activity.LastEvent()))
	}

	beat := theme.Highlight.Render(ticker.Current())
	if last := ticker.LastTick(); h.Connected && !last.IsZero() && now.Sub(last) > schedulerStall {
		beat = theme.StatusFailed.Render("scheduler quiet " + formatAgo(now.Sub(last)))
	}
	title := fmt.Sprintf(" RUNLANE WATCH %s", beat)
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := width - 8 - lipgloss.Width(title) - lipgloss.Width(clock)
	if pad < 1 {
		pad = 1
	}

	return theme.Border.Width(width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			title+strings.Repeat(" ", pad)+clock,
			fmt.Sprintf(" %s  epoch %d  up %s  active %d  queued %d  unknown effects %d",
				status, epoch, formatDuration(time.Duration(h.UptimeSeconds)*time.Second), h.Active, h.Queued, h.Unknown),
			fmt.Sprintf(" Last event: %s %s", lastEvent, activity.Render(theme)),
		),
	)
}

func renderLanes(board *Board, selected int, theme Theme, width int, now time.Time) string {
	if len(board.Lanes) == 0 {
		return panel(theme, width, "LANES", theme.Dim.Render("  No lane activity yet..."))
	}

	var lines []string
	for i, key := range board.LaneKeys() {
		lines = append(lines, renderLaneRow(board.Lanes[key], i == selected, theme, now))
	}
	return panel(theme, width, "LANES", lines...)
}

func renderLaneRow(l *LaneState, selected bool, theme Theme, now time.Time) string {
	name := fmt.Sprintf("%-32s", shorten(l.Key, 32))
	if selected {
		name = theme.Selected.Render(name)
	}
	state := l.State()

	var b strings.Builder
	fmt.Fprintf(&b, " %s %s", name, theme.ForStatus(state).Render(fmt.Sprintf("%-18s", state)))
	if l.Pending > 0 {
		fmt.Fprintf(&b, " pending %d", l.Pending)
	}
	if l.Dropped > 0 {
		fmt.Fprintf(&b, " %s", theme.StatusFailed.Render(fmt.Sprintf("dropped %d", l.Dropped)))
	}
	if !l.LastRun.IsZero() {
		fmt.Fprintf(&b, " %s", theme.Dim.Render("last "+l.LastStatus+" "+formatAgo(now.Sub(l.LastRun))))
	}

	if l.Dispatch != "" {
		detail := l.Status
		if l.Worker != "" {
			detail += fmt.Sprintf(" by %s (attempt %d)", l.Worker, l.Attempt)
		}
		if l.Control != "" && l.Control != "normal" {
			detail += " " + theme.StatusPaused.Render(l.Control)
		}
		fmt.Fprintf(&b, "\n    └─ %s %s", theme.Highlight.Render(shortID(l.Dispatch)), detail)
	}
	return b.String()
}

func renderOutbox(board *Board, theme Theme, width int) string {
	if len(board.Channels) == 0 {
		return panel(theme, width, "OUTBOX", theme.Dim.Render("  No effects yet..."))
	}
	var lines []string
	for _, name := range board.ChannelNames() {
		c := board.Channels[name]
		unknown := fmt.Sprintf("unknown %d", c.Unknown)
		if c.Unknown > 0 {
			unknown = theme.StatusPaused.Render(unknown)
		}
		lines = append(lines, fmt.Sprintf(" %-16s pending %-4d %s  %s  %s",
			name, c.Pending,
			theme.StatusOK.Render(fmt.Sprintf("sent %d", c.Sent)),
			theme.StatusFailed.Render(fmt.Sprintf("failed %d", c.Failed)),
			unknown,
		))
	}
	return panel(theme, width, "OUTBOX", lines...)
}

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	if len(eventLog) == 0 {
		return panel(theme, width, "EVENT STREAM", theme.Dim.Render("  Waiting for events..."))
	}
	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}
	return panel(theme, width, "EVENT STREAM", lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")))
}

func formatEvent(e events.Event, theme Theme) string {
	var style lipgloss.Style
	switch {
	case strings.HasSuffix(e.Type, ".sent"), strings.HasSuffix(e.Type, ".resumed"):
		style = theme.StatusOK
	case strings.HasSuffix(e.Type, ".failed"), strings.HasSuffix(e.Type, ".dropped"):
		style = theme.StatusFailed
	case strings.HasSuffix(e.Type, ".unknown"), strings.HasSuffix(e.Type, ".paused"):
		style = theme.StatusPaused
	case strings.HasSuffix(e.Type, ".claimed"), strings.HasSuffix(e.Type, ".flushed"):
		style = theme.StatusRunning
	default:
		style = theme.Dim
	}
	return fmt.Sprintf("%s %s %s",
		theme.Dim.Render(e.At.Local().Format("15:04:05")),
		style.Render(fmt.Sprintf("%-18s", e.Type)),
		describeEvent(e),
	)
}

// describeEvent picks the identifying fields out of an event body.
func describeEvent(e events.Event) string {
	var p payload
	_ = json.Unmarshal(e.Data, &p)

	var parts []string
	if id := firstNonEmpty(p.DispatchID, p.ID); id != "" {
		parts = append(parts, "["+shortID(id)+"]")
	}
	if p.QueueKey != "" {
		parts = append(parts, p.QueueKey)
	}
	if p.Channel != "" {
		parts = append(parts, "→ "+p.Channel)
	}
	if p.Status != "" {
		parts = append(parts, p.Status)
	}
	if p.Loser != "" {
		parts = append(parts, shortID(p.Loser)+" into "+shortID(p.Survivor))
	}
	if len(parts) == 0 {
		return shorten(string(e.Data), 60)
	}
	return strings.Join(parts, " ")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func formatAgo(d time.Duration) string {
	d = d.Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
