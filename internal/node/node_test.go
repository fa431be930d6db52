package node

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/csi.relay/internal/config"
	"github.com/banshee-data/csi.relay/internal/console"
	"github.com/banshee-data/csi.relay/internal/csi"
	"github.com/banshee-data/csi.relay/internal/discovery"
	"github.com/banshee-data/csi.relay/internal/monitoring"
	"github.com/banshee-data/csi.relay/internal/network"
	"github.com/banshee-data/csi.relay/internal/radio"
	"github.com/banshee-data/csi.relay/internal/store"
)

func init() {
	monitoring.SetLogger(nil)
}

var allowed = csi.MAC{0x24, 0x0A, 0xC4, 0x00, 0x00, 0x01}

type emptyBrowser struct{}

func (emptyBrowser) Browse(context.Context, discovery.Query) ([]discovery.Entry, error) {
	return nil, nil
}

type nopAdvertiser struct{}

func (nopAdvertiser) Start() error    { return nil }
func (nopAdvertiser) Shutdown() error { return nil }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
node:
  allow_list: ["24:0a:c4:00:00:01"]
radio:
  driver: none
forward:
  log_interval: 1h
`))
	require.NoError(t, err)
	return cfg
}

func newTestNode(t *testing.T, cfg config.Config, mutate func(*Options)) (*Node, *network.MockUDPSocket) {
	t.Helper()
	sock := network.NewMockUDPSocket(nil)
	opts := Options{
		Config:        cfg,
		Driver:        radio.Disabled{},
		SocketFactory: network.NewMockUDPSocketFactory(sock),
		Browser:       emptyBrowser{},
		Advertiser:    nopAdvertiser{},
		Ready:         func() bool { return true },
	}
	if mutate != nil {
		mutate(&opts)
	}
	n, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n, sock
}

func runNode(t *testing.T, n *Node) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func samplePayload() []int8 { return []int8{3, 4, 6, 8} }

func TestNode_ForwardsToFallbackPeer(t *testing.T) {
	n, sock := newTestNode(t, testConfig(t), nil)
	stop := runNode(t, n)
	defer stop()

	require.Eventually(t, func() bool { return n.Peer().State == discovery.ResolvedFallback }, time.Second, time.Millisecond)

	assert.True(t, n.Ingest(allowed, csi.RxControl{RSSI: -50, Channel: 6}, samplePayload()))
	assert.False(t, n.Ingest(csi.MAC{1, 2, 3, 4, 5, 6}, csi.RxControl{}, samplePayload()))

	require.Eventually(t, func() bool { return len(sock.SentPackets()) == 1 }, time.Second, time.Millisecond)
	pkt := sock.SentPackets()[0]
	assert.Equal(t, "192.168.4.255:9999", pkt.Addr.String())
	rec, err := csi.ParseRecord(pkt.Data)
	require.NoError(t, err)
	assert.Equal(t, allowed, rec.MAC)
	assert.Equal(t, "AP", rec.Role)
	assert.Equal(t, []float64{5, 10}, rec.Values)
	assert.False(t, rec.Synced)

	st := n.Status()
	assert.Equal(t, uint64(1), st.Sent)
	assert.Equal(t, uint64(1), st.Filtered)
	assert.Equal(t, "resolved-fallback", st.PeerState)
	assert.Equal(t, int64(0), st.Outstanding)
}

func TestNode_QueueOverflowWithoutConsumer(t *testing.T) {
	n, _ := newTestNode(t, testConfig(t), nil)

	for i := 0; i < 65; i++ {
		n.Ingest(allowed, csi.RxControl{}, samplePayload())
	}
	st := n.Status()
	assert.Equal(t, 64, st.QueueDepth)
	assert.Equal(t, uint64(64), st.Enqueued)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, int64(64), st.Outstanding)
}

func TestNode_DiscoveryDisabledUsesStaticPeer(t *testing.T) {
	cfg := testConfig(t)
	off := false
	cfg.Discovery.Enabled = &off
	cfg.Discovery.FallbackAddress = "10.0.0.255"

	n, sock := newTestNode(t, cfg, func(o *Options) { o.Browser = nil })
	assert.Equal(t, discovery.ResolvedFallback, n.Peer().State)

	stop := runNode(t, n)
	defer stop()
	n.Ingest(allowed, csi.RxControl{}, samplePayload())
	require.Eventually(t, func() bool { return len(sock.SentPackets()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "10.0.0.255:9999", sock.SentPackets()[0].Addr.String())
}

func TestNode_ConsoleSyncStampsRecords(t *testing.T) {
	port := console.NewTestablePort()
	n, sock := newTestNode(t, testConfig(t), func(o *Options) {
		o.Console = port
		o.ConsoleOut = port
	})
	stop := runNode(t, n)
	defer stop()

	port.AddReadData([]byte("SYNC_TIME: 1700000000.250000\nstatus\nbogus\n"))
	require.Eventually(t, func() bool { return n.Console().Handled() == 2 }, time.Second, time.Millisecond)
	assert.True(t, n.Authority().Synced())
	assert.Equal(t, uint64(1), n.Console().Rejected())

	out := port.Written()
	assert.Contains(t, out, "Time Synchronized: Yes")
	assert.Contains(t, out, "Queue Depth: 0/64")
	assert.Contains(t, out, "Unrecognized command: bogus")

	require.Eventually(t, func() bool { return n.Peer().Resolved() }, time.Second, time.Millisecond)
	n.Ingest(allowed, csi.RxControl{}, samplePayload())
	require.Eventually(t, func() bool { return len(sock.SentPackets()) == 1 }, time.Second, time.Millisecond)
	rec, err := csi.ParseRecord(sock.SentPackets()[0].Data)
	require.NoError(t, err)
	assert.True(t, rec.Synced)
	assert.True(t, strings.HasPrefix(rec.Timestamp, "17000000"), rec.Timestamp)
}

func TestNode_PersistsBootsAndSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.db")
	s, _, err := store.Open(path)
	require.NoError(t, err)
	defer s.Close()

	first, _ := newTestNode(t, testConfig(t), func(o *Options) { o.Store = s })
	assert.Equal(t, int64(1), first.Status().BootCount)
	require.NoError(t, first.Authority().Apply(100, 500000))

	v, err := s.Get(keyLastSync)
	require.NoError(t, err)
	assert.Equal(t, "100.500000", v)

	second, _ := newTestNode(t, testConfig(t), func(o *Options) { o.Store = s })
	assert.Equal(t, int64(2), second.Status().BootCount)
}

func TestNew_SetupFailures(t *testing.T) {
	cfg := testConfig(t)
	_, err := New(Options{
		Config:        cfg,
		Driver:        radio.Disabled{},
		SocketFactory: &network.MockUDPSocketFactory{Error: errors.New("no route")},
		Browser:       emptyBrowser{},
		Advertiser:    nopAdvertiser{},
	})
	assert.ErrorContains(t, err, "open forwarding socket")

	bad := testConfig(t)
	bad.Time.Apply = "sundial"
	_, err = New(Options{Config: bad, SocketFactory: network.NewMockUDPSocketFactory(network.NewMockUDPSocket(nil))})
	assert.Error(t, err)
}

func TestNewDriver(t *testing.T) {
	cfg := testConfig(t)
	filter, err := csi.ParseAllowList(cfg.Node.AllowList)
	require.NoError(t, err)

	d, err := newDriver(cfg, filter)
	require.NoError(t, err)
	assert.Equal(t, radio.Disabled{}, d)

	cfg.Radio.Driver = "synthetic"
	d, err = newDriver(cfg, filter)
	require.NoError(t, err)
	syn := d.(*radio.Synthetic)
	if diff := cmp.Diff([]csi.MAC{allowed, foreignSource}, syn.Sources); diff != "" {
		t.Errorf("sources mismatch (-want +got):\n%s", diff)
	}

	cfg.Radio.Sources = []string{"aa:bb:cc:dd:ee:ff"}
	d, err = newDriver(cfg, filter)
	require.NoError(t, err)
	assert.Equal(t, []csi.MAC{{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}}, d.(*radio.Synthetic).Sources)

	cfg.Radio.Driver = "sdr"
	_, err = newDriver(cfg, filter)
	assert.Error(t, err)
}

func TestAttachAdminRoutes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.db")
	s, _, err := store.Open(path)
	require.NoError(t, err)
	defer s.Close()

	n, _ := newTestNode(t, testConfig(t), func(o *Options) {
		o.Store = s
		o.Console = console.NewTestablePort()
	})
	n.Ingest(allowed, csi.RxControl{}, samplePayload())

	mux := http.NewServeMux()
	require.NoError(t, n.AttachAdminRoutes(mux))

	get := func(path string) (int, string) {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "127.0.0.1:4321"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		body, _ := io.ReadAll(rec.Result().Body)
		return rec.Code, string(body)
	}

	code, body := get("/debug/csi-status")
	require.Equal(t, http.StatusOK, code)
	var st Status
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	assert.Equal(t, 1, st.QueueDepth)
	assert.Equal(t, int64(1), st.BootCount)
	assert.Equal(t, "unresolved", st.PeerState)

	code, body = get("/debug/prometheus")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "csi_samples_enqueued_total 1")
	assert.Contains(t, body, "csi_queue_depth 1")
	assert.Contains(t, body, "csi_commands_handled_total 0")

	code, body = get("/debug/store")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "boot_count=1")
}
