package network

import (
	"context"
	"net"
	"sync"
	"time"
)

// UDPSocket defines an interface for UDP socket operations.
// This abstraction enables unit testing without real network connections.
type UDPSocket interface {
	// ReadFromUDP reads a UDP packet from the socket.
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)

	// WriteToUDP sends one datagram to addr.
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)

	// SetReadBuffer sets the size of the operating system's receive buffer.
	SetReadBuffer(bytes int) error

	// SetReadDeadline sets the deadline for future Read calls.
	SetReadDeadline(t time.Time) error

	// Close closes the socket.
	Close() error

	// LocalAddr returns the local network address.
	LocalAddr() net.Addr
}

// UDPSocketFactory creates UDP sockets.
type UDPSocketFactory interface {
	// ListenUDP creates a socket bound to laddr. With broadcast set the
	// socket may send to subnet broadcast addresses.
	ListenUDP(ctx context.Context, laddr string, broadcast bool) (UDPSocket, error)
}

// RealUDPSocket wraps *net.UDPConn to implement UDPSocket.
type RealUDPSocket struct {
	*net.UDPConn
}

// RealUDPSocketFactory implements UDPSocketFactory using net.ListenConfig.
type RealUDPSocketFactory struct{}

// ListenUDP creates a new UDP socket.
func (RealUDPSocketFactory) ListenUDP(ctx context.Context, laddr string, broadcast bool) (UDPSocket, error) {
	lc := net.ListenConfig{}
	if broadcast {
		lc.Control = enableBroadcast
	}
	pc, err := lc.ListenPacket(ctx, "udp4", laddr)
	if err != nil {
		return nil, err
	}
	return RealUDPSocket{pc.(*net.UDPConn)}, nil
}

// MockUDPSocket implements UDPSocket for testing. It is safe for use from
// a listener goroutine and a test goroutine at the same time.
type MockUDPSocket struct {
	mu sync.Mutex

	// Packets holds the packets to return from ReadFromUDP.
	Packets []MockUDPPacket
	// ReadIndex tracks the current position in Packets.
	ReadIndex int
	// Writes records every datagram passed to WriteToUDP.
	Writes []MockUDPPacket
	// WriteError is returned by WriteToUDP while set.
	WriteError error
	// ReadError is returned on the next ReadFromUDP call if set.
	ReadError error
	// Closed indicates whether Close was called.
	Closed bool
	// ReadBufferSize holds the value set by SetReadBuffer.
	ReadBufferSize int
	// ReadDeadline holds the value set by SetReadDeadline.
	ReadDeadline time.Time
	// LocalAddress is returned by LocalAddr.
	LocalAddress *net.UDPAddr
}

// MockUDPPacket represents a packet for mock testing.
type MockUDPPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// NewMockUDPSocket creates a new MockUDPSocket with the given packets.
func NewMockUDPSocket(packets []MockUDPPacket) *MockUDPSocket {
	return &MockUDPSocket{
		Packets: packets,
		LocalAddress: &net.UDPAddr{
			IP:   net.ParseIP("127.0.0.1"),
			Port: 9999,
		},
	}
}

// ReadFromUDP returns the next packet from the mock buffer, or a timeout
// once the buffer is exhausted.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Closed {
		return 0, nil, net.ErrClosed
	}
	if m.ReadError != nil {
		err := m.ReadError
		m.ReadError = nil
		return 0, nil, err
	}
	if m.ReadIndex >= len(m.Packets) {
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: &timeoutError{}}
	}
	pkt := m.Packets[m.ReadIndex]
	m.ReadIndex++
	n = copy(b, pkt.Data)
	return n, pkt.Addr, nil
}

// WriteToUDP records the datagram.
func (m *MockUDPSocket) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Closed {
		return 0, net.ErrClosed
	}
	if m.WriteError != nil {
		return 0, m.WriteError
	}
	m.Writes = append(m.Writes, MockUDPPacket{Data: append([]byte(nil), b...), Addr: addr})
	return len(b), nil
}

// SentPackets returns a copy of the recorded writes.
func (m *MockUDPSocket) SentPackets() []MockUDPPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockUDPPacket(nil), m.Writes...)
}

// SetWriteError changes the error returned by WriteToUDP.
func (m *MockUDPSocket) SetWriteError(err error) {
	m.mu.Lock()
	m.WriteError = err
	m.mu.Unlock()
}

// SetReadBuffer records the buffer size.
func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	m.ReadBufferSize = bytes
	m.mu.Unlock()
	return nil
}

// SetReadDeadline records the deadline.
func (m *MockUDPSocket) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	m.ReadDeadline = t
	m.mu.Unlock()
	return nil
}

// Close marks the socket as closed.
func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	m.Closed = true
	m.mu.Unlock()
	return nil
}

// IsClosed reports whether Close was called.
func (m *MockUDPSocket) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Closed
}

// LocalAddr returns the mock local address.
func (m *MockUDPSocket) LocalAddr() net.Addr {
	return m.LocalAddress
}

// MockUDPSocketFactory implements UDPSocketFactory for testing.
type MockUDPSocketFactory struct {
	// Socket is the socket to return from ListenUDP.
	Socket *MockUDPSocket
	// Error is returned by ListenUDP if set.
	Error error
	// ListenCalls records all ListenUDP calls.
	ListenCalls []MockListenCall
}

// MockListenCall records a call to ListenUDP.
type MockListenCall struct {
	Addr      string
	Broadcast bool
}

// NewMockUDPSocketFactory creates a new MockUDPSocketFactory.
func NewMockUDPSocketFactory(socket *MockUDPSocket) *MockUDPSocketFactory {
	return &MockUDPSocketFactory{Socket: socket}
}

// ListenUDP returns the configured mock socket.
func (f *MockUDPSocketFactory) ListenUDP(_ context.Context, laddr string, broadcast bool) (UDPSocket, error) {
	f.ListenCalls = append(f.ListenCalls, MockListenCall{Addr: laddr, Broadcast: broadcast})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Socket, nil
}

// timeoutError implements net.Error for timeout simulation.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }
