//go:build !unix

package timesync

import (
	"errors"
	"time"
)

// SystemSetter is unavailable on this platform; use ApplyOffset.
type SystemSetter struct{}

func (SystemSetter) SetTime(time.Time) error {
	return errors.New("timesync: setting the system clock is not supported on this platform")
}
