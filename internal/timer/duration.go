package timer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	hoursRe   = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*h`)
	minutesRe = regexp.MustCompile(`(?i)(\d+)\s*m`)
	secondsRe = regexp.MustCompile(`(?i)(\d+)\s*s`)
	bareRe    = regexp.MustCompile(`^\d+(?:\.\d+)?$`)
)

// ParseDuration parses inputs like "2h 30m", "45m", "1h 5m 10s" or "1.5".
// A bare number is a number of hours.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("duration is empty")
	}
	if bareRe.MatchString(s) {
		h, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return positive(s, time.Duration(h*float64(time.Hour)))
	}

	var total time.Duration
	if m := hoursRe.FindStringSubmatch(s); m != nil {
		h, _ := strconv.ParseFloat(m[1], 64)
		total += time.Duration(h * float64(time.Hour))
	}
	if m := minutesRe.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		total += time.Duration(n) * time.Minute
	}
	if m := secondsRe.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		total += time.Duration(n) * time.Second
	}
	return positive(s, total)
}

func positive(s string, d time.Duration) (time.Duration, error) {
	if d <= 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// FormatDuration renders d as "2h 30m", "4m 10s" or "12s".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	sec := int(d % time.Minute / time.Second)
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, sec)
	}
	return fmt.Sprintf("%ds", sec)
}
