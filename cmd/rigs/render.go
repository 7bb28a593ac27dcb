package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/cloud-shuttle/rigs/pkg/types"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229"))
	dimStyle    = lipgloss.NewStyle().Faint(true).Foreground(lipgloss.Color("245"))
	greenStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	yellowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	redStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	emptyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

const progressWidth = 20

func healthStyle(h types.TankHealth) lipgloss.Style {
	switch h {
	case types.TankHealthGreen:
		return greenStyle
	case types.TankHealthYellow:
		return yellowStyle
	case types.TankHealthRed:
		return redStyle
	}
	return emptyStyle
}

// renderTankLine is the one-line summary used by "tank list" and "status"
func renderTankLine(t *types.Tank, now time.Time) string {
	style := healthStyle(t.Health)
	if t.Capacity == types.Unlimited {
		return fmt.Sprintf("%s %-8s %s  unlimited", t.Health.Emoji(), t.Provider, style.Render(t.ProgressBar(progressWidth)))
	}
	return fmt.Sprintf("%s %-8s %s  %s / %s  resets in %s",
		t.Health.Emoji(), t.Provider, style.Render(t.ProgressBar(progressWidth)),
		formatTokens(t.Remaining), formatTokens(t.Capacity), formatDuration(t.TimeUntilReset(now)))
}

// formatTokens renders n with thousands separators: 15000 -> "15,000"
func formatTokens(n int64) string {
	if n == types.Unlimited {
		return "unlimited"
	}
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	lead := len(s) % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(s[:lead])
	for i := lead; i < len(s); i += 3 {
		b.WriteByte(',')
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// formatDuration renders d as "4h12m", "3m05s" or "12s"
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	switch {
	case d >= time.Hour:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	case d >= time.Minute:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}

func statusEmoji(s types.BeadStatus) string {
	switch s {
	case types.BeadStatusCompleted:
		return "✅"
	case types.BeadStatusFailed:
		return "❌"
	case types.BeadStatusCancelled:
		return "🛑"
	case types.BeadStatusDeferred:
		return "⏳"
	case types.BeadStatusPending, types.BeadStatusQueued:
		return "⏸️"
	}
	return "🔄"
}

func convoyEmoji(s types.ConvoyStatus) string {
	switch s {
	case types.ConvoyStatusCompleted:
		return "✅"
	case types.ConvoyStatusFailed:
		return "❌"
	case types.ConvoyStatusPaused:
		return "⏸️"
	case types.ConvoyStatusInProgress:
		return "🔄"
	}
	return "📋"
}

// progressBar renders a fraction as a fixed-width bar
func progressBar(ratio float64, width int) string {
	filled := min(max(int(ratio*float64(width)+0.5), 0), width)
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
