// Package node assembles the acquisition node: radio ingestion, the sample
// queue, the forwarder, peer discovery, the console and the admin surface.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/csi.relay/internal/config"
	"github.com/banshee-data/csi.relay/internal/console"
	"github.com/banshee-data/csi.relay/internal/csi"
	"github.com/banshee-data/csi.relay/internal/discovery"
	"github.com/banshee-data/csi.relay/internal/monitoring"
	"github.com/banshee-data/csi.relay/internal/network"
	"github.com/banshee-data/csi.relay/internal/pipeline"
	"github.com/banshee-data/csi.relay/internal/radio"
	"github.com/banshee-data/csi.relay/internal/store"
	"github.com/banshee-data/csi.relay/internal/timesync"
	"github.com/banshee-data/csi.relay/internal/timeutil"
)

// foreignSource is a locally administered address the synthetic driver mixes
// in so the admission filter has something to reject.
var foreignSource = csi.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}

// Options carries the validated configuration and any collaborators that
// should replace the production defaults.
type Options struct {
	Config config.Config
	Clock  timeutil.Clock

	Driver        radio.Driver
	SocketFactory network.UDPSocketFactory
	Browser       discovery.Browser
	Resolver      discovery.HostResolver
	Advertiser    discovery.Advertiser
	Ready         discovery.ReadyProbe
	TimeSetter    timesync.Setter

	// Console is read for commands when set; replies go to ConsoleOut.
	Console    io.Reader
	ConsoleOut io.Writer
	// Echo receives a copy of every record when set.
	Echo io.Writer

	// Store is optional; without it nothing is persisted.
	Store *store.Store
}

// Node is one running acquisition node.
type Node struct {
	cfg   config.Config
	clock timeutil.Clock

	auth      *timesync.Authority
	filter    *csi.AllowList
	pool      *csi.Pool
	queue     *pipeline.Queue
	ingestor  *pipeline.Ingestor
	formatter *csi.Formatter
	forwarder *pipeline.Forwarder
	sender    *network.Sender
	discover  *discovery.Discoverer
	peers     peerView
	driver    radio.Driver
	console   *console.Processor
	consoleIn io.Reader
	store     *store.Store
	metrics   *monitoring.Metrics

	bootCount int64
}

// peerView is what the node needs from either a Discoverer or a static peer.
type peerView interface {
	Peer() discovery.Peer
	PeerAddress() (string, bool)
}

// New builds a node from opts. Failures here are setup failures: the caller
// should not proceed.
func New(opts Options) (*Node, error) {
	cfg := opts.Config
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	mode, err := csi.ParseMode(cfg.Node.Mode)
	if err != nil {
		return nil, err
	}
	filter, err := csi.ParseAllowList(cfg.Node.AllowList)
	if err != nil {
		return nil, fmt.Errorf("allow list: %w", err)
	}
	if filter.Len() == 0 {
		monitoring.Logf("Allow list is empty: every sample will be filtered")
	}

	auth, err := timesync.NewAuthority(clock, timesync.ApplyMode(cfg.Time.Apply), opts.TimeSetter)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:       cfg,
		clock:     clock,
		auth:      auth,
		filter:    filter,
		pool:      csi.NewPool(csi.MaxPayload),
		queue:     pipeline.NewQueue(cfg.Node.QueueCapacity),
		store:     opts.Store,
		metrics:   monitoring.NewMetrics("csi"),
		consoleIn: opts.Console,
	}
	n.ingestor = pipeline.NewIngestor(filter, n.pool, n.queue, auth)
	n.formatter = &csi.Formatter{
		Mode:         mode,
		Role:         cfg.Node.Role,
		PayloadLimit: cfg.Node.PayloadLimit,
		MaxRawValues: cfg.Node.MaxRawValues,
		MaxPairs:     cfg.Node.MaxPairs,
	}

	if err := n.setupDiscovery(opts); err != nil {
		return nil, err
	}

	factory := opts.SocketFactory
	if factory == nil {
		factory = network.RealUDPSocketFactory{}
	}
	sock, err := factory.ListenUDP(context.Background(), ":0", true)
	if err != nil {
		return nil, fmt.Errorf("open forwarding socket: %w", err)
	}
	n.sender = network.NewSender(sock)

	n.forwarder = pipeline.NewForwarder(pipeline.ForwarderConfig{
		Queue:       n.queue,
		Formatter:   n.formatter,
		Peers:       n.peers,
		Sink:        n.sender,
		Port:        cfg.Forward.Port,
		LogInterval: cfg.Forward.LogInterval,
		Clock:       clock,
		Echo:        opts.Echo,
		RecordSize:  n.metrics.RecordBytes,
	})

	n.driver = opts.Driver
	if n.driver == nil {
		n.driver, err = newDriver(cfg, filter)
		if err != nil {
			n.sender.Close()
			return nil, err
		}
	}

	if opts.Console != nil {
		n.console = console.NewProcessor(console.Config{
			Time:         auth,
			Mode:         mode,
			Role:         cfg.Node.Role,
			MaxLine:      cfg.Console.MaxLine,
			Out:          opts.ConsoleOut,
			PollInterval: cfg.Console.PollInterval,
			Clock:        clock,
			Extra:        n.statusFields,
		})
	}

	if err := n.setupStore(); err != nil {
		n.sender.Close()
		return nil, err
	}
	n.registerMetrics()
	return n, nil
}

func (n *Node) setupDiscovery(opts Options) error {
	dc := n.cfg.Discovery
	if !dc.Active() {
		monitoring.Logf("Discovery disabled, forwarding to %s", dc.FallbackAddress)
		n.peers = discovery.NewStaticPeer(dc.FallbackAddress, n.clock.Now())
		return nil
	}

	browser := opts.Browser
	if browser == nil {
		browser = discovery.MDNSBrowser{}
	}
	advertiser := opts.Advertiser
	if advertiser == nil {
		id, err := discovery.LocalIdentity(n.cfg.Node.Interface)
		if err != nil {
			monitoring.Logf("Cannot determine local identity: %v", err)
		}
		advertiser = &discovery.MDNSAdvertiser{
			Instance: dc.Instance,
			Service:  dc.Service,
			Domain:   dc.Domain,
			Host:     discovery.Hostname(dc.HostnamePrefix, id.MAC),
			Port:     dc.Port,
			IPs:      id.IPv4,
			TXT:      []string{"role=" + n.cfg.Node.Role, "mode=" + n.formatter.Mode.String()},
		}
	}
	ready := opts.Ready
	if ready == nil {
		ready = discovery.InterfaceReady(n.cfg.Node.Interface)
	}

	d, err := discovery.New(discovery.Config{
		Query: discovery.Query{
			Service:    dc.QueryService,
			Domain:     dc.Domain,
			Timeout:    dc.Timeout,
			MaxResults: dc.MaxResults,
		},
		FallbackAddress: dc.FallbackAddress,
		Interval:        dc.Interval,
		ReadyInterval:   dc.ReadyInterval,
		Browser:         browser,
		Resolver:        opts.Resolver,
		Advertiser:      advertiser,
		Ready:           ready,
		Clock:           n.clock,
	})
	if err != nil {
		return err
	}
	n.discover = d
	n.peers = d
	return nil
}

func newDriver(cfg config.Config, filter *csi.AllowList) (radio.Driver, error) {
	switch cfg.Radio.Driver {
	case "none":
		return radio.Disabled{}, nil
	case "synthetic":
		var sources []csi.MAC
		if len(cfg.Radio.Sources) > 0 {
			for _, s := range cfg.Radio.Sources {
				m, err := csi.ParseMAC(s)
				if err != nil {
					return nil, fmt.Errorf("radio sources: %w", err)
				}
				sources = append(sources, m)
			}
		} else {
			sources = append(filter.Entries(), foreignSource)
		}
		return radio.NewSynthetic(sources, cfg.Radio.Rate, cfg.Radio.Length, 1), nil
	}
	return nil, fmt.Errorf("unknown radio driver %q", cfg.Radio.Driver)
}

// setupStore bumps the boot counter and records every successful sync.
func (n *Node) setupStore() error {
	if n.store == nil {
		return nil
	}
	boots, err := n.store.Increment(keyBootCount)
	if err != nil {
		return fmt.Errorf("record boot: %w", err)
	}
	n.bootCount = boots
	if last, err := n.store.Get(keyLastSync); err == nil {
		monitoring.Logf("Boot %d, last time sync %s", boots, last)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	n.auth.OnSync(func(t time.Time) {
		if err := n.store.Set(keyLastSync, timesync.FormatTimestamp(t)); err != nil {
			monitoring.Logf("Failed to persist time sync: %v", err)
		}
	})
	return nil
}

const (
	keyBootCount = "boot_count"
	keyLastSync  = "last_sync"
)

// Run starts every component and blocks until ctx is cancelled and all of
// them have stopped.
func (n *Node) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Logf("%s stopped: %v", name, err)
			}
		}()
	}

	start("forwarder", n.forwarder.Run)
	if n.discover != nil {
		start("discovery", n.discover.Run)
	}
	start("radio", func(ctx context.Context) error {
		return n.driver.Run(ctx, n.ingestor.Ingest)
	})
	if n.console != nil {
		start("console", func(ctx context.Context) error {
			return n.console.Monitor(ctx, n.consoleIn)
		})
	}

	monitoring.Logf("Node %s running in %s mode, forwarding to port %d", n.cfg.Node.Role, n.formatter.Mode, n.cfg.Forward.Port)
	<-ctx.Done()
	wg.Wait()

	released := n.queue.Drain()
	if released > 0 {
		monitoring.Logf("Released %d queued samples on shutdown", released)
	}
	return nil
}

// Ingest exposes the ingestion callback for external drivers.
func (n *Node) Ingest(mac csi.MAC, rx csi.RxControl, payload []int8) bool {
	return n.ingestor.Ingest(mac, rx, payload)
}

// Authority returns the node's timestamp authority.
func (n *Node) Authority() *timesync.Authority { return n.auth }

// Console returns the command processor, or nil when no console is attached.
func (n *Node) Console() *console.Processor { return n.console }

// Metrics returns the node's metrics registry.
func (n *Node) Metrics() *monitoring.Metrics { return n.metrics }

// Close releases the forwarding socket.
func (n *Node) Close() error {
	return n.sender.Close()
}
