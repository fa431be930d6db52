package pipeline

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/banshee-data/csi.relay/internal/csi"
	"github.com/banshee-data/csi.relay/internal/monitoring"
	"github.com/banshee-data/csi.relay/internal/timesync"
	"github.com/banshee-data/csi.relay/internal/timeutil"
)

// Sink transmits one record to a peer. network.Sender implements it.
type Sink interface {
	SendTo(payload []byte, host string, port int) error
}

// PeerSource supplies the current destination. ok is false until discovery
// has produced an address.
type PeerSource interface {
	PeerAddress() (host string, ok bool)
}

// Observer receives record sizes; prometheus.Histogram implements it.
type Observer interface {
	Observe(float64)
}

// ForwarderConfig contains the forwarder's collaborators.
type ForwarderConfig struct {
	Queue       *Queue
	Formatter   *csi.Formatter
	Peers       PeerSource
	Sink        Sink
	Port        int
	LogInterval time.Duration
	Clock       timeutil.Clock
	Echo        io.Writer // optional copy of every record
	RecordSize  Observer  // optional
}

// ForwarderStats is a snapshot of the forwarder counters.
type ForwarderStats struct {
	Sent         uint64
	SendFailures uint64
	NoPeer       uint64 // formatted but not sent: no destination yet
	FormatErrors uint64
	Truncated    uint64
}

// Forwarder is the consumer task: dequeue, format, send, release.
type Forwarder struct {
	cfg ForwarderConfig
	buf []byte

	sent         atomic.Uint64
	sendFailures atomic.Uint64
	noPeer       atomic.Uint64
	formatErrors atomic.Uint64
	truncated    atomic.Uint64

	// touched only by the Run goroutine
	intervalFailures int
	lastErr          error
}

// NewForwarder creates a forwarder. Queue, Formatter, Peers and Sink are required.
func NewForwarder(cfg ForwarderConfig) *Forwarder {
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	limit := cfg.Formatter.PayloadLimit
	if limit <= 0 {
		limit = csi.DefaultPayloadLimit
	}
	return &Forwarder{cfg: cfg, buf: make([]byte, 0, limit)}
}

// Run processes samples until ctx is cancelled. Send failures are counted and
// summarised once per log interval; they never stop the loop.
func (f *Forwarder) Run(ctx context.Context) error {
	ticker := f.cfg.Clock.NewTicker(f.cfg.LogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.logFailures()
			return ctx.Err()
		case s := <-f.cfg.Queue.C():
			f.process(s)
		case <-ticker.C():
			f.logFailures()
		}
	}
}

func (f *Forwarder) process(s *csi.Sample) {
	defer s.Release()

	out, truncated, err := f.cfg.Formatter.AppendRecord(f.buf, s, s.Synced, timesync.FormatTimestamp(s.CapturedAt))
	if err != nil {
		f.formatErrors.Add(1)
		f.noteFailure(err)
		return
	}
	f.buf = out
	if truncated {
		f.truncated.Add(1)
	}
	if f.cfg.RecordSize != nil {
		f.cfg.RecordSize.Observe(float64(len(out)))
	}
	if f.cfg.Echo != nil {
		f.cfg.Echo.Write(out)
	}

	host, ok := f.cfg.Peers.PeerAddress()
	if !ok {
		f.noPeer.Add(1)
		return
	}
	if err := f.cfg.Sink.SendTo(out, host, f.cfg.Port); err != nil {
		f.sendFailures.Add(1)
		f.noteFailure(err)
		return
	}
	f.sent.Add(1)
}

func (f *Forwarder) noteFailure(err error) {
	f.intervalFailures++
	f.lastErr = err
}

func (f *Forwarder) logFailures() {
	if f.intervalFailures == 0 {
		return
	}
	monitoring.Logf("Dropped %d CSI records due to errors (latest: %v)", f.intervalFailures, f.lastErr)
	f.intervalFailures = 0
	f.lastErr = nil
}

// Stats returns the current counters.
func (f *Forwarder) Stats() ForwarderStats {
	return ForwarderStats{
		Sent:         f.sent.Load(),
		SendFailures: f.sendFailures.Load(),
		NoPeer:       f.noPeer.Load(),
		FormatErrors: f.formatErrors.Load(),
		Truncated:    f.truncated.Load(),
	}
}
