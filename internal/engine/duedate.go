package engine

import (
	"strings"
	"time"
)

// Extended (+hh:mm) and basic (+hhmm) offsets, down to hour precision.
var dueDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04-0700",
	"2006-01-02T15Z07:00",
	"2006-01-02T15-0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02T15",
	"2006-01-02",
}

// parseDueDate accepts ISO-8601 timestamps. A trailing Z is rewritten to an
// explicit +00:00 offset first; values without an offset are taken as UTC.
func parseDueDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if strings.HasSuffix(s, "Z") || strings.HasSuffix(s, "z") {
		s = s[:len(s)-1] + "+00:00"
	}
	if len(s) > 10 && s[10] == ' ' {
		s = s[:10] + "T" + s[11:]
	}
	for _, layout := range dueDateLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, invalid("due_date", "invalid ISO-8601 timestamp %q", raw)
}
