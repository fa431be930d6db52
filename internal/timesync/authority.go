// Package timesync owns the node's notion of synchronized time: the
// synchronized flag and the clock value set by a time-sync command.
package timesync

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/csi.relay/internal/timeutil"
)

// ApplyMode selects where a synchronized time is written.
type ApplyMode string

const (
	// ApplySystem sets the operating system clock.
	ApplySystem ApplyMode = "system"
	// ApplyOffset keeps the system clock untouched and tracks an offset.
	ApplyOffset ApplyMode = "offset"
)

// Setter writes wall-clock time. SystemSetter is the production implementation.
type Setter interface {
	SetTime(t time.Time) error
}

type syncState struct {
	synced   bool
	offset   time.Duration
	syncedAt time.Time
}

// Authority holds the sync flag and clock offset. The state is swapped as a
// single value so readers never observe a half-applied sync.
type Authority struct {
	clock  timeutil.Clock
	mode   ApplyMode
	setter Setter
	state  atomic.Pointer[syncState]

	hookMu sync.Mutex
	hooks  []func(time.Time)
}

// NewAuthority creates an unsynchronized authority. setter is only used in
// ApplySystem mode and may be nil otherwise.
func NewAuthority(clock timeutil.Clock, mode ApplyMode, setter Setter) (*Authority, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	switch mode {
	case ApplySystem:
		if setter == nil {
			setter = SystemSetter{}
		}
	case ApplyOffset:
	default:
		return nil, fmt.Errorf("timesync: unknown apply mode %q", mode)
	}
	a := &Authority{clock: clock, mode: mode, setter: setter}
	a.state.Store(&syncState{})
	return a, nil
}

// Mode returns the configured apply mode.
func (a *Authority) Mode() ApplyMode { return a.mode }

// Synced reports whether a time-sync command has succeeded.
func (a *Authority) Synced() bool { return a.state.Load().synced }

// LastSync returns the time that was applied by the most recent sync, or the
// zero time if none has happened.
func (a *Authority) LastSync() time.Time { return a.state.Load().syncedAt }

// Now returns the synchronized current time.
func (a *Authority) Now() time.Time {
	return a.clock.Now().Add(a.state.Load().offset)
}

// Timestamp returns Now formatted as "<sec>.<usec>".
func (a *Authority) Timestamp() string {
	return FormatTimestamp(a.Now())
}

// Snapshot returns the sync flag and the current timestamp from one state read.
func (a *Authority) Snapshot() (synced bool, timestamp string) {
	st := a.state.Load()
	return st.synced, FormatTimestamp(a.clock.Now().Add(st.offset))
}

// OnSync registers fn to run after every successful sync.
func (a *Authority) OnSync(fn func(time.Time)) {
	a.hookMu.Lock()
	a.hooks = append(a.hooks, fn)
	a.hookMu.Unlock()
}

// Apply sets the clock to sec.usec and marks the authority synchronized.
// On failure the state is left unchanged.
func (a *Authority) Apply(sec, usec int64) error {
	if usec < 0 || usec >= 1_000_000 {
		usec = 0
	}
	t := time.Unix(sec, usec*int64(time.Microsecond))

	next := &syncState{synced: true, syncedAt: t}
	switch a.mode {
	case ApplySystem:
		if err := a.setter.SetTime(t); err != nil {
			return fmt.Errorf("timesync: set system time: %w", err)
		}
	case ApplyOffset:
		next.offset = t.Sub(a.clock.Now())
	}
	a.state.Store(next)

	a.hookMu.Lock()
	hooks := append([]func(time.Time){}, a.hooks...)
	a.hookMu.Unlock()
	for _, fn := range hooks {
		fn(t)
	}
	return nil
}

// ApplyLine parses a time-sync line and applies it.
func (a *Authority) ApplyLine(line string) (time.Time, error) {
	sec, usec, err := ParseTimestamp(line)
	if err != nil {
		return time.Time{}, err
	}
	if err := a.Apply(sec, usec); err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, usec*int64(time.Microsecond)), nil
}
