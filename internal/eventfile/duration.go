package eventfile

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var durationPattern = regexp.MustCompile(`(?i)^\s*(\d+)\s*(hour|minute|second)s?\b`)

// ParseDuration parses descriptors such as "2 hours", "1 minute" or "30 seconds".
// Consecutive quantities are summed, so "1 hour 30 minutes" (as written by
// FormatSpan) parses to 90 minutes. It returns false for AllDay and for
// anything it does not recognize.
func ParseDuration(descriptor string) (time.Duration, bool) {
	var (
		total time.Duration
		found bool
		rest  = descriptor
	)

	for {
		loc := durationPattern.FindStringSubmatchIndex(rest)
		if loc == nil {
			break
		}
		n, err := strconv.Atoi(rest[loc[2]:loc[3]])
		if err != nil {
			return 0, false
		}
		total += time.Duration(n) * unitOf(rest[loc[4]:loc[5]])
		found = true
		rest = rest[loc[1]:]
	}

	return total, found
}

func unitOf(unit string) time.Duration {
	switch strings.ToLower(unit) {
	case "hour":
		return time.Hour
	case "minute":
		return time.Minute
	default:
		return time.Second
	}
}

// FormatDuration renders the span between start and end
func FormatDuration(start, end time.Time) string {
	return FormatSpan(end.Sub(start))
}

// FormatSpan renders d as hours and minutes ("1 hour 30 minutes", "2 hours",
// "45 minutes"). Seconds are dropped; zero, negative and sub-minute spans
// render as "0 minutes".
func FormatSpan(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int(d / time.Hour)
	minutes := int((d % time.Hour) / time.Minute)

	switch {
	case hours > 0 && minutes > 0:
		return plural(hours, "hour") + " " + plural(minutes, "minute")
	case hours > 0:
		return plural(hours, "hour")
	case minutes > 0:
		return plural(minutes, "minute")
	default:
		return "0 minutes"
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
