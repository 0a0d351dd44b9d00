package awsv4

import (
	"fmt"
	"regexp"
	"time"
)

var timestampRe = regexp.MustCompile(`^[0-9]{8}T[0-9]{6}Z$`)

// Timestamp formats a Unix time as a SigV4 timestamp (YYYYMMDDTHHMMSSZ).
func Timestamp(unix int64) string {
	return time.Unix(unix, 0).UTC().Format(TimestampFormat)
}

// ValidTimestamp reports whether s matches the SigV4 timestamp shape.
func ValidTimestamp(s string) bool {
	return timestampRe.MatchString(s)
}

// ParseTimestamp converts a SigV4 timestamp back to Unix time.
func ParseTimestamp(s string) (int64, error) {
	if !ValidTimestamp(s) {
		return 0, fmt.Errorf("%w: bad timestamp %q", ErrInvalidTimestamp, s)
	}
	t, err := time.Parse(TimestampFormat, s)
	if err != nil {
		return 0, fmt.Errorf("%w: bad timestamp %q", ErrInvalidTimestamp, s)
	}
	return t.Unix(), nil
}

// ParseISO8601 converts an extended ISO-8601 timestamp, as returned by STS
// and the instance metadata service (e.g. "2017-07-03T22:42:58Z"), to Unix
// time. Fractional seconds and the trailing zone designator are ignored.
func ParseISO8601(s string) (int64, error) {
	if len(s) < 19 {
		return 0, fmt.Errorf("%w: bad ISO-8601 timestamp %q", ErrInvalidTimestamp, s)
	}
	t, err := time.Parse("2006-01-02T15:04:05", s[:19])
	if err != nil {
		return 0, fmt.Errorf("%w: bad ISO-8601 timestamp %q", ErrInvalidTimestamp, s)
	}
	return t.Unix(), nil
}
