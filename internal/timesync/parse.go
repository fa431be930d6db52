package timesync

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SyncPrefix is the optional keyword in front of a time-sync line.
const SyncPrefix = "SYNC_TIME:"

// ErrMalformedTimestamp is returned for lines that look like a timestamp but
// do not carry non-negative integer seconds and microseconds.
var ErrMalformedTimestamp = errors.New("timesync: malformed timestamp")

var (
	// loose shape used to route a console line to the time-sync handler
	timestampShape = regexp.MustCompile(`^(?:SYNC_TIME:\s*)?-?\d+\.`)
	// strict grammar accepted by ParseTimestamp
	timestampGrammar = regexp.MustCompile(`^(?:SYNC_TIME:\s*)?(\d+)\.(\d+)$`)
)

// LooksLikeTimestamp reports whether a trimmed console line has the shape of
// a time-sync command. It does not validate the fields.
func LooksLikeTimestamp(line string) bool {
	return timestampShape.MatchString(line)
}

// ParseTimestamp parses "SYNC_TIME: <sec>.<usec>" or "<sec>.<usec>".
// Microseconds outside [0, 1e6) are clamped to 0.
func ParseTimestamp(line string) (sec, usec int64, err error) {
	m := timestampGrammar.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedTimestamp, line)
	}
	sec, err = strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: seconds %q: %v", ErrMalformedTimestamp, m[1], err)
	}
	usec, err = strconv.ParseInt(m[2], 10, 64)
	if err != nil || usec >= 1_000_000 {
		usec = 0
	}
	return sec, usec, nil
}

// FormatTimestamp renders t as "<sec>.<usec>" with six microsecond digits.
func FormatTimestamp(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}
