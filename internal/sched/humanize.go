package sched

import (
	"fmt"
	"time"
)

// HumanizeUntil renders the gap between now and t as "in 5 minutes",
// "in 2 hours", "in 3 days", or "overdue" for past times.
func HumanizeUntil(t, now time.Time) string {
	delta := t.Sub(now)
	if delta < 0 {
		return "overdue"
	}

	minutes := int(delta.Minutes())
	hours := minutes / 60
	days := hours / 24

	switch {
	case days > 0:
		return fmt.Sprintf("in %d %s", days, plural(days, "day"))
	case hours > 0:
		return fmt.Sprintf("in %d %s", hours, plural(hours, "hour"))
	case minutes > 0:
		return fmt.Sprintf("in %d %s", minutes, plural(minutes, "minute"))
	default:
		return "in less than a minute"
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return unit
	}
	return unit + "s"
}
