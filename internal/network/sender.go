package network

import (
	"errors"
	"fmt"
	"net"
)

// ErrInvalidPeer is returned when a destination is not a literal IP address.
var ErrInvalidPeer = errors.New("network: peer is not an IP address")

// Sender writes datagrams from one socket to a destination given as a
// literal address and port. The last destination is cached so steady-state
// sends do not re-parse the address.
type Sender struct {
	sock UDPSocket

	lastHost string
	lastPort int
	lastAddr *net.UDPAddr
}

// NewSender wraps sock. The sender is used from a single goroutine.
func NewSender(sock UDPSocket) *Sender {
	return &Sender{sock: sock}
}

// SendTo transmits payload to host:port as one datagram.
func (s *Sender) SendTo(payload []byte, host string, port int) error {
	if host != s.lastHost || port != s.lastPort || s.lastAddr == nil {
		ip := net.ParseIP(host)
		if ip == nil {
			return fmt.Errorf("%w: %q", ErrInvalidPeer, host)
		}
		s.lastHost, s.lastPort = host, port
		s.lastAddr = &net.UDPAddr{IP: ip, Port: port}
	}
	n, err := s.sock.WriteToUDP(payload, s.lastAddr)
	if err != nil {
		return err
	}
	if n != len(payload) {
		return fmt.Errorf("short write to %s: %d of %d bytes", s.lastAddr, n, len(payload))
	}
	return nil
}

// Close closes the underlying socket.
func (s *Sender) Close() error {
	return s.sock.Close()
}
