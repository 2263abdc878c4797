package ratelimit

import (
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses the duration formats providers put in rate-limit
// headers: bare seconds ("30"), single units ("30s", "5m", "1h", "500ms"),
// and compound strings ("1m30s", "2h30m").
func ParseDuration(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	// Bare integer means seconds, per the Retry-After spec.
	if secs, err := strconv.ParseUint(s, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, true
	}

	if stripped, ok := strings.CutSuffix(s, "ms"); ok {
		if ms, err := strconv.ParseUint(stripped, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond, true
		}
		return 0, false
	}

	if strings.Contains(s, "h") || (strings.Contains(s, "m") && strings.Contains(s, "s")) {
		if d, ok := parseCompound(s); ok {
			return d, true
		}
	}

	if stripped, ok := strings.CutSuffix(s, "s"); ok {
		if secs, err := strconv.ParseFloat(stripped, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), true
		}
		return 0, false
	}
	if stripped, ok := strings.CutSuffix(s, "m"); ok {
		if mins, err := strconv.ParseUint(stripped, 10, 64); err == nil {
			return time.Duration(mins) * time.Minute, true
		}
		return 0, false
	}
	if stripped, ok := strings.CutSuffix(s, "h"); ok {
		if hours, err := strconv.ParseUint(stripped, 10, 64); err == nil {
			return time.Duration(hours) * time.Hour, true
		}
		return 0, false
	}

	return 0, false
}

func parseCompound(s string) (time.Duration, bool) {
	var total time.Duration
	var num strings.Builder

	for _, c := range s {
		if c >= '0' && c <= '9' {
			num.WriteRune(c)
			continue
		}
		if num.Len() == 0 {
			continue
		}
		n, err := strconv.ParseUint(num.String(), 10, 64)
		num.Reset()
		if err != nil {
			continue
		}
		switch c {
		case 'h':
			total += time.Duration(n) * time.Hour
		case 'm':
			total += time.Duration(n) * time.Minute
		case 's':
			total += time.Duration(n) * time.Second
		}
	}

	return total, total > 0
}
