package discovery

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/banshee-data/csi.relay/internal/monitoring"
	"github.com/banshee-data/csi.relay/internal/timeutil"
)

// Query describes one directory lookup.
type Query struct {
	Service    string // e.g. "_ssh._tcp"
	Domain     string // e.g. "local"
	Timeout    time.Duration
	MaxResults int
}

// Entry is one answer to a Query, in arrival order.
type Entry struct {
	Host   string
	AddrV4 net.IP
	Port   int
}

// Browser performs a directory query and returns entries in the order they
// arrived. MDNSBrowser is the production implementation.
type Browser interface {
	Browse(ctx context.Context, q Query) ([]Entry, error)
}

// HostResolver turns a host name into an IPv4 address for entries that
// arrived without one.
type HostResolver interface {
	ResolveHost(ctx context.Context, host string) (net.IP, error)
}

// Advertiser publishes this node's own service record.
type Advertiser interface {
	Start() error
	Shutdown() error
}

// Config contains discovery settings and collaborators. Browser is required.
type Config struct {
	Query           Query
	FallbackAddress string
	Interval        time.Duration // rediscovery period while no peer has answered
	ReadyInterval   time.Duration // network readiness poll period

	Browser    Browser
	Resolver   HostResolver // optional
	Advertiser Advertiser   // optional
	Ready      ReadyProbe   // optional, nil means always ready
	Clock      timeutil.Clock
}

// Stats counts discovery cycles.
type Stats struct {
	Queries   uint64
	Errors    uint64
	Fallbacks uint64
}

// Discoverer resolves the forwarding peer.
type Discoverer struct {
	cfg     Config
	tracker *PeerTracker

	queries   atomic.Uint64
	errors    atomic.Uint64
	fallbacks atomic.Uint64
}

// New creates a Discoverer in the Unresolved state.
func New(cfg Config) (*Discoverer, error) {
	if cfg.Browser == nil {
		return nil, errors.New("discovery: browser is required")
	}
	if net.ParseIP(cfg.FallbackAddress).To4() == nil {
		return nil, errors.New("discovery: fallback address must be IPv4")
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = time.Second
	}
	if cfg.Query.MaxResults <= 0 {
		cfg.Query.MaxResults = 20
	}
	if cfg.Query.Timeout <= 0 {
		cfg.Query.Timeout = 3 * time.Second
	}
	return &Discoverer{cfg: cfg, tracker: NewPeerTracker()}, nil
}

// Peer returns the current peer snapshot.
func (d *Discoverer) Peer() Peer { return d.tracker.Peer() }

// PeerAddress implements pipeline.PeerSource.
func (d *Discoverer) PeerAddress() (string, bool) { return d.tracker.PeerAddress() }

// Stats returns the discovery counters.
func (d *Discoverer) Stats() Stats {
	return Stats{Queries: d.queries.Load(), Errors: d.errors.Load(), Fallbacks: d.fallbacks.Load()}
}

// Discover runs one query. The first usable entry in arrival order becomes
// the peer; with no usable entry the fallback address is used, unless a
// queried peer is already known.
func (d *Discoverer) Discover(ctx context.Context) Peer {
	d.queries.Add(1)
	monitoring.Logf("Searching for peer via mDNS (%s)", d.cfg.Query.Service)

	entries, err := d.cfg.Browser.Browse(ctx, d.cfg.Query)
	if err != nil {
		d.errors.Add(1)
		monitoring.Logf("mDNS query failed: %v", err)
	}
	if len(entries) > d.cfg.Query.MaxResults {
		entries = entries[:d.cfg.Query.MaxResults]
	}

	for _, e := range entries {
		ip := d.entryAddress(ctx, e)
		if ip == nil {
			continue
		}
		monitoring.Logf("Selected peer: %s at %s", e.Host, ip)
		d.tracker.setFromQuery(ip.String(), e.Host, d.cfg.Clock.Now())
		return d.tracker.Peer()
	}

	p := d.tracker.setFallback(d.cfg.FallbackAddress, d.cfg.Clock.Now())
	if p.State == ResolvedFallback {
		d.fallbacks.Add(1)
		monitoring.Logf("No peer discovered via mDNS, using broadcast address %s", p.Address)
	}
	return p
}

func (d *Discoverer) entryAddress(ctx context.Context, e Entry) net.IP {
	if ip := e.AddrV4.To4(); ip != nil {
		return ip
	}
	if d.cfg.Resolver == nil || e.Host == "" {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, d.cfg.Query.Timeout)
	defer cancel()
	ip, err := d.cfg.Resolver.ResolveHost(rctx, e.Host)
	if err != nil {
		monitoring.Logf("mDNS resolve %s failed: %v", e.Host, err)
		return nil
	}
	return ip.To4()
}

// Run waits for the network, advertises the node, then discovers the peer
// and repeats every Interval until a peer answers a query. It returns when
// ctx is cancelled.
func (d *Discoverer) Run(ctx context.Context) error {
	if err := WaitForNetwork(ctx, d.cfg.Clock, d.cfg.Ready, d.cfg.ReadyInterval); err != nil {
		return err
	}

	if a := d.cfg.Advertiser; a != nil {
		if err := a.Start(); err != nil {
			monitoring.Logf("Failed to set up mDNS service: %v", err)
		} else {
			defer a.Shutdown()
		}
	}

	for {
		if d.tracker.Peer().State != ResolvedFromQuery {
			d.Discover(ctx)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.cfg.Clock.After(d.cfg.Interval):
		}
	}
}
