package console

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"
)

var errPortClosed = errors.New("console port closed")

// TestablePort implements TimeoutPort for tests. An empty read buffer behaves
// like an expired serial read timeout and returns (0, nil) unless EOFWhenEmpty
// is set.
type TestablePort struct {
	mu sync.Mutex

	// ReadBuffer holds data returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// EOFWhenEmpty makes an empty read buffer report io.EOF
	EOFWhenEmpty bool

	Closed      bool
	ReadCalls   int
	ReadTimeout time.Duration
}

// NewTestablePort creates an empty TestablePort.
func NewTestablePort() *TestablePort {
	return &TestablePort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
}

func (t *TestablePort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++
	if t.Closed {
		return 0, errPortClosed
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	if t.ReadBuffer.Len() == 0 {
		if t.EOFWhenEmpty {
			return 0, io.EOF
		}
		return 0, nil
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestablePort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Closed {
		return 0, errPortClosed
	}
	return t.WriteBuffer.Write(p)
}

// Close marks the port closed.
func (t *TestablePort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return nil
}

// SetReadTimeout implements TimeoutPort.
func (t *TestablePort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadTimeout = timeout
	return nil
}

// AddReadData queues data for subsequent Read calls.
func (t *TestablePort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.Write(data)
}

// Written returns a copy of everything written to the port.
func (t *TestablePort) Written() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.WriteBuffer.String()
}
