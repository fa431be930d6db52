package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"

	pionmdns "github.com/pion/mdns/v2"
	"golang.org/x/net/ipv4"
)

// MulticastResolver resolves ".local" host names with multicast A queries.
type MulticastResolver struct {
	conn *pionmdns.Conn
}

// NewMulticastResolver joins the IPv4 mDNS group.
func NewMulticastResolver() (*MulticastResolver, error) {
	addr, err := net.ResolveUDPAddr("udp4", pionmdns.DefaultAddressIPv4)
	if err != nil {
		return nil, err
	}
	l, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen mdns: %w", err)
	}
	conn, err := pionmdns.Server(ipv4.NewPacketConn(l), nil, &pionmdns.Config{})
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("start mdns resolver: %w", err)
	}
	return &MulticastResolver{conn: conn}, nil
}

// ResolveHost returns the IPv4 address announced for host. It blocks until
// an answer arrives or ctx is done.
func (r *MulticastResolver) ResolveHost(ctx context.Context, host string) (net.IP, error) {
	name := strings.TrimSuffix(host, ".")
	_, addr, err := r.conn.QueryAddr(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", name, err)
	}
	if !addr.Unmap().Is4() {
		return nil, fmt.Errorf("resolve %s: got non-IPv4 address %s", name, addr)
	}
	return net.IP(addr.Unmap().AsSlice()), nil
}

// Close leaves the multicast group.
func (r *MulticastResolver) Close() error {
	return r.conn.Close()
}
