// Package utils provides formatting helpers for the worktime CLI
package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/intranet/worktime/pkg/models"
)

// ParseDuration parses a duration string with support for a day unit ("7d")
func ParseDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days := strings.TrimSuffix(s, "d")
		var d int
		if _, err := fmt.Sscanf(days, "%d", &d); err != nil {
			return 0, err
		}
		if d < 0 {
			return 0, fmt.Errorf("negative duration: %s", s)
		}
		return time.Duration(d) * 24 * time.Hour, nil
	}

	return time.ParseDuration(s)
}

// FormatDuration formats a duration in compact form ("1d 2h 3m")
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	days := d / (24 * time.Hour)
	d = d % (24 * time.Hour)
	hours := d / time.Hour
	d = d % time.Hour
	minutes := d / time.Minute
	d = d % time.Minute
	seconds := d / time.Second

	parts := []string{}

	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}

	return strings.Join(parts, " ")
}

// TruncateString truncates a string to a maximum length
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// TimerStateIcon returns an icon for the given timer state
func TimerStateIcon(state models.TimerState) string {
	switch state {
	case models.TimerIdle:
		return "⏸️"
	case models.TimerRunningConfirmed:
		return "🟢"
	case models.TimerRunningLocalOnly:
		return "⏳"
	case models.TimerRunningOffline:
		return "📴"
	case models.TimerStoppedPendingSync:
		return "🔄"
	default:
		return "❓"
	}
}

// TimerStateLabel returns a human label for the given timer state
func TimerStateLabel(state models.TimerState) string {
	switch state {
	case models.TimerIdle:
		return "No active timer"
	case models.TimerRunningConfirmed:
		return "Running (confirmed by server)"
	case models.TimerRunningLocalOnly:
		return "Running (waiting for server)"
	case models.TimerRunningOffline:
		return "Running (offline)"
	case models.TimerStoppedPendingSync:
		return "Stopped (pending sync)"
	default:
		return "Unknown"
	}
}
