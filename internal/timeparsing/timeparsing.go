// Package timeparsing turns human-friendly time expressions into
// concrete timestamps for retention cutoffs.
package timeparsing

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var parser = initParser()

func initParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// ParseRelativeTime accepts RFC 3339 timestamps, bare day counts
// ("30"), Go durations with a day extension ("72h", "30d"), and
// natural language ("3 days ago", "last monday"). Day counts and
// durations are subtracted from base; natural language resolves
// against base.
func ParseRelativeTime(s string, base time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time expression")
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	if days, err := strconv.Atoi(s); err == nil && days >= 0 {
		return base.AddDate(0, 0, -days), nil
	}

	if d, err := parseDuration(s); err == nil {
		return base.Add(-d), nil
	}

	result, err := parser.Parse(s, base)
	if err == nil && result != nil {
		return result.Time, nil
	}
	return time.Time{}, fmt.Errorf("cannot parse time expression %q", s)
}

// parseDuration extends time.ParseDuration with a "d" suffix for days.
func parseDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q", s)
		}
		return time.Duration(days * 24 * float64(time.Hour)), nil
	}
	return time.ParseDuration(s)
}
