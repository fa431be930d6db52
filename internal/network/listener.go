package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/csi.relay/internal/monitoring"
)

// PacketStats receives per-datagram accounting from the listener.
type PacketStats interface {
	AddPacket(bytes int)
	AddError()
}

// PacketHandler processes one received datagram. The slice is only valid for
// the duration of the call.
type PacketHandler func(packet []byte, from *net.UDPAddr) error

// ListenerConfig contains configuration options for the UDP listener.
type ListenerConfig struct {
	Address     string
	RcvBuf      int
	ReadTimeout time.Duration
	Factory     UDPSocketFactory
	Handler     PacketHandler
	Stats       PacketStats
}

// Listener receives datagrams and hands them to a PacketHandler. Reads use a
// short deadline so cancellation is observed promptly.
type Listener struct {
	cfg   ListenerConfig
	ready chan struct{}
	addr  net.Addr
}

// NewListener creates a listener with defaults filled in.
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.Stats == nil {
		cfg.Stats = noopStats{}
	}
	if cfg.Factory == nil {
		cfg.Factory = RealUDPSocketFactory{}
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}
	return &Listener{cfg: cfg, ready: make(chan struct{})}
}

type noopStats struct{}

func (noopStats) AddPacket(int) {}
func (noopStats) AddError()     {}

// Ready is closed once the socket is bound.
func (l *Listener) Ready() <-chan struct{} { return l.ready }

// Addr returns the bound address; valid after Ready is closed.
func (l *Listener) Addr() net.Addr { return l.addr }

// Run binds the socket and reads until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	if l.cfg.Handler == nil {
		return errors.New("network: listener has no handler")
	}
	sock, err := l.cfg.Factory.ListenUDP(ctx, l.cfg.Address, false)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address %s: %w", l.cfg.Address, err)
	}
	defer sock.Close()

	if l.cfg.RcvBuf > 0 {
		if err := sock.SetReadBuffer(l.cfg.RcvBuf); err != nil {
			monitoring.Logf("Warning: Failed to set UDP receive buffer size to %d: %v", l.cfg.RcvBuf, err)
		}
	}
	l.addr = sock.LocalAddr()
	close(l.ready)
	monitoring.Logf("UDP listener started on %s", l.addr)

	buffer := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		sock.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
		n, from, err := sock.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			monitoring.Logf("UDP read error: %v", err)
			continue
		}

		l.cfg.Stats.AddPacket(n)
		if err := l.cfg.Handler(buffer[:n], from); err != nil {
			l.cfg.Stats.AddError()
		}
	}
}
