package console

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/csi.relay/internal/csi"
	"github.com/banshee-data/csi.relay/internal/monitoring"
	"github.com/banshee-data/csi.relay/internal/timesync"
	"github.com/banshee-data/csi.relay/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

func newTestProcessor(t *testing.T, mutate func(*Config)) (*Processor, *timesync.Authority, *bytes.Buffer) {
	t.Helper()
	auth, err := timesync.NewAuthority(timeutil.NewMockClock(time.Unix(50, 0)), timesync.ApplyOffset, nil)
	require.NoError(t, err)
	out := &bytes.Buffer{}
	cfg := Config{Time: auth, Mode: csi.ModeAmplitude, Role: "AP", Out: out}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewProcessor(cfg), auth, out
}

func TestClassify(t *testing.T) {
	tests := []struct {
		line string
		want Kind
	}{
		{"SYNC_TIME: 100.500000", KindTimeSync},
		{"SYNC_TIME:100.5", KindTimeSync},
		{"100.5", KindTimeSync},
		{"  100.5  ", KindTimeSync},
		{"100.-5", KindTimeSync},
		{"CSI_MODE=2", KindConfig},
		{"csi_mode", KindUnknown},
		{"help", KindHelp},
		{"HELP", KindHelp},
		{"?", KindHelp},
		{" Status ", KindStatus},
		{"INFO", KindStatus},
		{"statusx", KindUnknown},
		{"reboot", KindUnknown},
		{"", KindUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.line), "Classify(%q)", tt.line)
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "time-sync", KindTimeSync.String())
	assert.Equal(t, "unknown", Kind(42).String())
}

func TestProcessor_CountsOnlyHandledCommands(t *testing.T) {
	p, _, out := newTestProcessor(t, nil)

	p.Feed([]byte("status\nfoo\nhelp\r\nbar\n100.5\nCSI_X\n"))

	assert.Equal(t, uint64(4), p.Handled())
	assert.Equal(t, uint64(2), p.Rejected())
	assert.Contains(t, out.String(), "Unrecognized command: foo")
	assert.Contains(t, out.String(), "Unrecognized command: bar")
	assert.Contains(t, out.String(), "CSI configuration commands not yet implemented: CSI_X")
	assert.Zero(t, p.Buffered())
}

func TestProcessor_LineSplitAcrossWrites(t *testing.T) {
	p, _, _ := newTestProcessor(t, nil)

	n, err := p.Write([]byte("sta"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, p.Buffered())
	assert.Zero(t, p.Handled())

	p.Write([]byte("tus\r"))
	assert.Equal(t, uint64(1), p.Handled())
}

func TestProcessor_BlankLinesIgnored(t *testing.T) {
	p, _, out := newTestProcessor(t, nil)
	p.Feed([]byte("\r\n\n   \n"))
	assert.Zero(t, p.Handled())
	assert.Zero(t, p.Rejected())
	assert.Empty(t, out.String())
}

func TestProcessor_TimeSync(t *testing.T) {
	p, auth, out := newTestProcessor(t, nil)

	p.Feed([]byte("SYNC_TIME: 100.500000\n"))

	assert.Equal(t, uint64(1), p.Handled())
	synced, ts := auth.Snapshot()
	assert.True(t, synced)
	assert.Equal(t, "100.500000", ts)
	assert.Contains(t, out.String(), "Time synchronized")
}

func TestProcessor_MalformedTimestampLeavesClock(t *testing.T) {
	for _, line := range []string{"100.-5", "-1.5", "SYNC_TIME: 99999999999999999999.1"} {
		t.Run(line, func(t *testing.T) {
			p, auth, out := newTestProcessor(t, nil)
			p.Feed([]byte(line + "\n"))

			assert.Zero(t, p.Handled())
			assert.Equal(t, uint64(1), p.Rejected())
			assert.False(t, auth.Synced())
			assert.Contains(t, out.String(), "Time synchronization failed")
		})
	}
}

func TestProcessor_Overflow(t *testing.T) {
	p, _, out := newTestProcessor(t, func(c *Config) { c.MaxLine = 8 })

	p.Feed([]byte("abcdefgh\n"))
	assert.Equal(t, uint64(1), p.Overflows())
	assert.Zero(t, p.Handled())
	assert.Zero(t, p.Rejected())
	assert.Equal(t, OverflowNotice+"\n", out.String())

	p.Feed([]byte("help\n"))
	assert.Equal(t, uint64(1), p.Handled())
}

func TestProcessor_OverflowTailStartsNewLine(t *testing.T) {
	p, _, out := newTestProcessor(t, nil)

	p.Feed([]byte(strings.Repeat("x", 600) + "\n"))

	assert.Equal(t, uint64(1), p.Overflows())
	assert.Equal(t, uint64(1), p.Rejected())
	assert.Contains(t, out.String(), "Unrecognized command: "+strings.Repeat("x", 88)+"\n")
}

func TestProcessor_Status(t *testing.T) {
	p, _, out := newTestProcessor(t, func(c *Config) {
		c.Extra = func() []StatusField {
			return []StatusField{{Name: "Queue Depth", Value: "3/64"}, {Name: "Peer", Value: "192.168.4.255 (resolved-fallback)"}}
		}
	})

	p.Feed([]byte("help\ninfo\n"))

	s := out.String()
	assert.Contains(t, s, "Time Synchronized: No\n")
	assert.Contains(t, s, "Commands Processed: 1\n")
	assert.Contains(t, s, "Current Timestamp: 50.000000\n")
	assert.Contains(t, s, "CSI Mode: amplitude\n")
	assert.Contains(t, s, "Device Role: AP\n")
	assert.Contains(t, s, "Queue Depth: 3/64\n")
	assert.Contains(t, s, "Peer: 192.168.4.255 (resolved-fallback)\n")
	assert.Equal(t, uint64(2), p.Handled())
}

func TestProcessor_NoTimeSource(t *testing.T) {
	p := NewProcessor(Config{})
	assert.False(t, p.Execute("100.5"))
	assert.True(t, p.Execute("status"))
}

func TestMonitor_ReadsUntilEOF(t *testing.T) {
	p, _, out := newTestProcessor(t, func(c *Config) { c.PollInterval = time.Millisecond })
	port := NewTestablePort()
	port.AddReadData([]byte("status\nnope\n"))
	port.EOFWhenEmpty = true

	require.NoError(t, p.Monitor(context.Background(), port))
	assert.Equal(t, uint64(1), p.Handled())
	assert.Equal(t, uint64(1), p.Rejected())
	assert.True(t, strings.HasPrefix(out.String(), "Command processor started."))
}

func TestMonitor_PollsUntilCancelled(t *testing.T) {
	p, _, _ := newTestProcessor(t, func(c *Config) { c.PollInterval = time.Millisecond })
	port := NewTestablePort()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Monitor(ctx, port) }()

	port.AddReadData([]byte("help\n"))
	require.Eventually(t, func() bool { return p.Handled() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestMonitor_ReadError(t *testing.T) {
	p, _, _ := newTestProcessor(t, nil)
	port := NewTestablePort()
	port.ReadError = errors.New("device unplugged")

	err := p.Monitor(context.Background(), port)
	assert.EqualError(t, err, "device unplugged")
}

func TestPortOptions_Normalise(t *testing.T) {
	got, err := PortOptions{}.Normalise()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}, got)

	got, err = PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "even"}.Normalise()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "E"}, got)

	for _, bad := range []PortOptions{
		{BaudRate: 12345},
		{DataBits: 9},
		{StopBits: 3},
		{Parity: "mark"},
	} {
		_, err := bad.Normalise()
		assert.Error(t, err, "%+v", bad)
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{StopBits: 2, Parity: "O"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: 115200, DataBits: 8, StopBits: serial.TwoStopBits, Parity: serial.OddParity}, mode)

	mode, err = PortOptions{}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
	assert.Equal(t, serial.NoParity, mode.Parity)

	_, err = PortOptions{DataBits: 4}.SerialMode()
	assert.Error(t, err)
}

func TestOpenSerial_InvalidOptions(t *testing.T) {
	_, err := OpenSerial("/dev/null", PortOptions{StopBits: 5}, 25*time.Millisecond)
	assert.Error(t, err)
}

func TestProcessor_HelpOutput(t *testing.T) {
	p, _, out := newTestProcessor(t, nil)

	p.Feed([]byte("?\n"))

	assert.Equal(t, helpText, out.String())
	assert.True(t, strings.HasSuffix(out.String(), "===\n"))
	assert.Equal(t, uint64(1), p.Handled())
}
