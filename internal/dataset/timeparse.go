package dataset

import (
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04:05",
	"01/02/2006 15:04:05",
	"01/02/2006 03:04:05 PM",
	"01/02/2006 15:04",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
}

// ParseTimestamp parses the date-time formats seen in event exports. A bare
// "YYYY-MM" month resolves to the last second of that month in UTC. Values
// without a zone are read as UTC.
func ParseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if len(raw) == len("2006-01") {
		if t, err := time.Parse("2006-01", raw); err == nil {
			return endOfMonth(t), true
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func endOfMonth(t time.Time) time.Time {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, 1, 0).Add(-time.Second)
}
