package vods

import (
	"fmt"
	"regexp"
	"strconv"
)

var durationPattern = regexp.MustCompile(`^(?:(\d+)h)?(?:(\d+)m)?(?:(\d+)s)?$`)

// ParseDuration converts an upstream duration string like "2h30m15s"
// (any component may be absent) into seconds.
func ParseDuration(s string) (int64, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil || s == "" {
		return 0, fmt.Errorf("unparseable duration %q", s)
	}
	var total int64
	units := []int64{3600, 60, 1}
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, err
		}
		total += n * unit
	}
	return total, nil
}

// FormatDuration renders seconds as "2h30m15s", omitting zero leading
// components the way the upstream API does.
func FormatDuration(seconds int64) string {
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	out := ""
	if h > 0 {
		out += fmt.Sprintf("%dh", h)
	}
	if m > 0 || h > 0 {
		out += fmt.Sprintf("%dm", m)
	}
	out += fmt.Sprintf("%ds", s)
	return out
}
