//go:build unix

package timesync

import (
	"time"

	"golang.org/x/sys/unix"
)

// SystemSetter sets the operating system clock with settimeofday(2).
// The process needs CAP_SYS_TIME or root.
type SystemSetter struct{}

func (SystemSetter) SetTime(t time.Time) error {
	tv := unix.NsecToTimeval(t.UnixNano())
	return unix.Settimeofday(&tv)
}
