package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/hashicorp/mdns"
)

// MDNSBrowser queries multicast DNS for a service type.
type MDNSBrowser struct {
	// Interface restricts the query to one interface; nil uses the default.
	Interface *net.Interface
}

// Browse issues a PTR query and collects up to q.MaxResults entries in
// arrival order. It returns after q.Timeout.
func (b MDNSBrowser) Browse(ctx context.Context, q Query) ([]Entry, error) {
	entriesCh := make(chan *mdns.ServiceEntry, q.MaxResults)
	var (
		entries []Entry
		wg      sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for se := range entriesCh {
			if len(entries) >= q.MaxResults {
				continue
			}
			entries = append(entries, Entry{Host: se.Host, AddrV4: se.AddrV4, Port: se.Port})
		}
	}()

	params := mdns.DefaultParams(q.Service)
	params.Domain = q.Domain
	params.Timeout = q.Timeout
	params.Interface = b.Interface
	params.Entries = entriesCh

	// Query blocks for the full timeout; it does not observe ctx.
	err := mdns.Query(params)
	if err == nil {
		err = ctx.Err()
	}
	close(entriesCh)
	wg.Wait()
	if err != nil {
		return entries, fmt.Errorf("mdns query %s: %w", q.Service, err)
	}
	return entries, nil
}

// MDNSAdvertiser answers mDNS queries for this node's service.
type MDNSAdvertiser struct {
	Instance string   // human readable instance name
	Service  string   // e.g. "_csi-collector._udp"
	Domain   string   // e.g. "local"
	Host     string   // host name without domain
	Port     int
	IPs      []net.IP // addresses to announce; empty resolves Host
	TXT      []string

	server *mdns.Server
}

func (a *MDNSAdvertiser) zone() (*mdns.MDNSService, error) {
	domain := strings.TrimSuffix(a.Domain, ".")
	if domain == "" {
		domain = "local"
	}
	host := a.Host
	if host != "" && !strings.HasSuffix(host, ".") {
		host = host + "." + domain + "."
	}
	return mdns.NewMDNSService(a.Instance, a.Service, domain+".", host, a.Port, a.IPs, a.TXT)
}

// Start begins answering queries.
func (a *MDNSAdvertiser) Start() error {
	zone, err := a.zone()
	if err != nil {
		return fmt.Errorf("mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: zone})
	if err != nil {
		return fmt.Errorf("mdns server: %w", err)
	}
	a.server = server
	return nil
}

// Shutdown stops answering queries.
func (a *MDNSAdvertiser) Shutdown() error {
	if a.server == nil {
		return nil
	}
	err := a.server.Shutdown()
	a.server = nil
	return err
}
