// Package collector is the host side of the telemetry link: it receives
// records over UDP (or from a capture), appends them to a CSV file and keeps
// running statistics for the admin pages.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/csi.relay/internal/csi"
	"github.com/banshee-data/csi.relay/internal/monitoring"
	"github.com/banshee-data/csi.relay/internal/network"
	"github.com/banshee-data/csi.relay/internal/timeutil"
)

// RecordSink receives every parsed record with its receive time.
type RecordSink interface {
	WriteRecord(rec csi.Record, at time.Time) error
}

// Config configures a Collector.
type Config struct {
	Listen        string
	Factory       network.UDPSocketFactory
	Sink          RecordSink
	StatsInterval time.Duration
	Clock         timeutil.Clock
	// SessionID labels this run; a random one is chosen when empty.
	SessionID string
}

// Collector parses datagrams into records and fans them out to the sink,
// the statistics window and the value profile.
type Collector struct {
	cfg     Config
	clock   timeutil.Clock
	window  *Window
	profile *Profile

	received  atomic.Uint64
	bytes     atomic.Uint64
	malformed atomic.Uint64
	sinkErrs  atomic.Uint64
	latest    atomic.Pointer[csi.Record]
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string { return uuid.NewString() }

// New creates a collector. A nil Sink discards records.
func New(cfg Config) *Collector {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.SessionID == "" {
		cfg.SessionID = NewSessionID()
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 5 * time.Second
	}
	return &Collector{
		cfg:     cfg,
		clock:   cfg.Clock,
		window:  NewWindow(cfg.Clock.Now()),
		profile: NewProfile(),
	}
}

// SessionID returns the session label written into every row.
func (c *Collector) SessionID() string { return c.cfg.SessionID }

// Handle processes one datagram received at at. Malformed datagrams are
// counted and reported as an error; they never stop the collector.
func (c *Collector) Handle(packet []byte, at time.Time) error {
	c.received.Add(1)
	c.bytes.Add(uint64(len(packet)))
	rec, err := csi.ParseRecord(packet)
	if err != nil {
		c.malformed.Add(1)
		c.window.AddMalformed()
		return err
	}
	c.window.Add(rec.MAC.String(), rec.Rx.RSSI)
	c.profile.Add(rec)
	c.latest.Store(&rec)
	if c.cfg.Sink != nil {
		if err := c.cfg.Sink.WriteRecord(rec, at); err != nil {
			c.sinkErrs.Add(1)
			return fmt.Errorf("write record: %w", err)
		}
	}
	return nil
}

// Run listens for datagrams until ctx is cancelled, logging a summary every
// StatsInterval.
func (c *Collector) Run(ctx context.Context) error {
	l := network.NewListener(network.ListenerConfig{
		Address: c.cfg.Listen,
		RcvBuf:  4 << 20,
		Factory: c.cfg.Factory,
		Handler: func(packet []byte, _ *net.UDPAddr) error {
			return c.Handle(packet, c.clock.Now())
		},
	})

	go c.reportLoop(ctx)
	err := l.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Replay feeds a capture through the same path as live traffic. Rows carry
// the capture timestamps.
func (c *Collector) Replay(ctx context.Context, r io.Reader, port int) (network.ReplayStats, error) {
	st, err := network.ReadPCAP(ctx, r, port, c.Handle)
	monitoring.Logf("%s", c.window.Roll(c.clock.Now()))
	return st, err
}

func (c *Collector) reportLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			monitoring.Logf("%s", c.window.Roll(now))
		}
	}
}

// Stats is a snapshot of the collector counters.
type Stats struct {
	SessionID  string  `json:"session_id"`
	Received   uint64  `json:"datagrams"`
	Bytes      uint64  `json:"bytes"`
	Malformed  uint64  `json:"malformed"`
	SinkErrors uint64  `json:"sink_errors"`
	Last       Summary `json:"last_interval"`
}

// Stats returns the current counters.
func (c *Collector) Stats() Stats {
	return Stats{
		SessionID:  c.cfg.SessionID,
		Received:   c.received.Load(),
		Bytes:      c.bytes.Load(),
		Malformed:  c.malformed.Load(),
		SinkErrors: c.sinkErrs.Load(),
		Last:       c.window.Last(),
	}
}

// Latest returns the most recent record, if any.
func (c *Collector) Latest() (csi.Record, bool) {
	r := c.latest.Load()
	if r == nil {
		return csi.Record{}, false
	}
	return *r, true
}

// Profile exposes the running value profile.
func (c *Collector) Profile() *Profile { return c.profile }

// Window exposes the statistics window.
func (c *Collector) Window() *Window { return c.window }
