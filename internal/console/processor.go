// Package console implements the line-oriented command protocol the node
// accepts on its console: time synchronization, status and help.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/banshee-data/csi.relay/internal/csi"
	"github.com/banshee-data/csi.relay/internal/timeutil"
)

// DefaultMaxLine is the console line buffer size, terminator included.
const DefaultMaxLine = 512

// OverflowNotice is printed when a line outgrows the buffer.
const OverflowNotice = "Warning: Command too long, buffer reset"

// TimeSync is the part of the timestamp authority the console drives.
type TimeSync interface {
	Snapshot() (synced bool, timestamp string)
	ApplyLine(line string) (time.Time, error)
}

// StatusField is one extra line in the status report.
type StatusField struct {
	Name  string
	Value string
}

// Config wires a Processor.
type Config struct {
	Time    TimeSync
	Mode    csi.Mode
	Role    string
	MaxLine int
	Out     io.Writer
	// PollInterval is the pause after a read that returned no data.
	PollInterval time.Duration
	Clock        timeutil.Clock
	// Extra adds component status, such as queue depth and peer, to the
	// status report.
	Extra func() []StatusField
}

// Processor accumulates console bytes into lines and dispatches each
// complete line. Feed must be called from a single goroutine; the counters
// may be read concurrently.
type Processor struct {
	cfg Config
	buf []byte

	handled   atomic.Uint64
	rejected  atomic.Uint64
	overflows atomic.Uint64
}

// NewProcessor creates a processor with an empty line buffer.
func NewProcessor(cfg Config) *Processor {
	if cfg.MaxLine <= 1 {
		cfg.MaxLine = DefaultMaxLine
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 25 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Processor{cfg: cfg, buf: make([]byte, 0, cfg.MaxLine)}
}

// Write feeds p to the processor. It never fails.
func (p *Processor) Write(b []byte) (int, error) {
	p.Feed(b)
	return len(b), nil
}

// Feed consumes console bytes. '\n' and '\r' end a line; a line that fills
// the buffer without a terminator is discarded with a notice, and the bytes
// that follow start a new line.
func (p *Processor) Feed(b []byte) {
	for _, c := range b {
		switch {
		case c == '\n' || c == '\r':
			p.dispatchLine()
		case len(p.buf) < p.cfg.MaxLine-1:
			p.buf = append(p.buf, c)
		default:
			p.overflows.Add(1)
			fmt.Fprintln(p.cfg.Out, OverflowNotice)
			p.buf = p.buf[:0]
		}
	}
}

func (p *Processor) dispatchLine() {
	line := strings.TrimSpace(string(p.buf))
	p.buf = p.buf[:0]
	if line == "" {
		return
	}
	p.Execute(line)
}

// Execute classifies and runs one command line, reporting whether it was
// handled. Only handled commands advance the counter.
func (p *Processor) Execute(line string) bool {
	line = strings.TrimSpace(line)
	kind := Classify(line)
	h, ok := handlers[kind]
	if !ok {
		h = (*Processor).handleUnknown
	}
	if !h(p, line) {
		p.rejected.Add(1)
		return false
	}
	p.handled.Add(1)
	return true
}

// Handled returns the number of commands handled successfully.
func (p *Processor) Handled() uint64 { return p.handled.Load() }

// Rejected returns the number of unknown or failed commands.
func (p *Processor) Rejected() uint64 { return p.rejected.Load() }

// Overflows returns the number of lines discarded for length.
func (p *Processor) Overflows() uint64 { return p.overflows.Load() }

// Buffered returns the number of bytes waiting for a terminator.
func (p *Processor) Buffered() int { return len(p.buf) }
