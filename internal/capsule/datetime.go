package capsule

import (
	"math"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// msThreshold separates unix seconds from unix milliseconds, matching the
// driver's reading of integer DATETIME columns.
const msThreshold = 1e12

// canonicalDateTime renders a DATETIME value as RFC 3339 in UTC, the form
// the driver yields when it scans the column. Strings are read with the
// driver's timestamp layouts and integers as unix seconds or
// milliseconds. ok is false for values that are not a point in time.
func canonicalDateTime(v any) (string, bool) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), true
	case string:
		s := strings.TrimSuffix(strings.TrimSpace(val), "Z")
		for _, layout := range sqlite3.SQLiteTimestampFormats {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return t.UTC().Format(time.RFC3339Nano), true
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(val)); err == nil {
			return t.UTC().Format(time.RFC3339Nano), true
		}
		return "", false
	case int64:
		return unixDateTime(val), true
	case float64:
		if val != math.Trunc(val) || math.Abs(val) > math.MaxInt64 {
			return "", false
		}
		return unixDateTime(int64(val)), true
	}
	return "", false
}

func unixDateTime(n int64) string {
	var t time.Time
	if n > msThreshold || n < -msThreshold {
		t = time.UnixMilli(n)
	} else {
		t = time.Unix(n, 0)
	}
	return t.UTC().Format(time.RFC3339Nano)
}
