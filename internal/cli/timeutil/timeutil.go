// Package timeutil formats daemon timestamps for terminal display.
package timeutil

import (
	"fmt"
	"time"
)

const displayFormat = "Mon Jan 2 15:04:05 2006"

// FormatTime converts an RFC3339 timestamp from the API into local
// time for display. Unparseable input is shown as-is.
func FormatTime(stamp string) string {
	t, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return stamp
	}
	return t.Local().Format(displayFormat)
}

// FormatUptime renders a Go duration string (as reported by /health,
// e.g. "26h3m2s") in days/hours/minutes/seconds. Unparseable input is
// shown as-is.
func FormatUptime(uptime string) string {
	d, err := time.ParseDuration(uptime)
	if err != nil {
		return uptime
	}
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	mins := d / time.Minute
	secs := d/time.Second - mins*60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, mins, secs)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	case mins > 0:
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
