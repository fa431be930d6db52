package collector

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/csi.relay/internal/csi"
	"github.com/banshee-data/csi.relay/internal/monitoring"
	"github.com/banshee-data/csi.relay/internal/network"
	"github.com/banshee-data/csi.relay/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

var (
	macA = csi.MAC{0x24, 0x0a, 0xc4, 0x00, 0x00, 0x01}
	macB = csi.MAC{0x24, 0x0a, 0xc4, 0x00, 0x00, 0x02}
)

func recordLine(t *testing.T, mac csi.MAC, rssi int, payload ...int8) []byte {
	t.Helper()
	pool := csi.NewPool(0)
	s, err := pool.Acquire(mac, csi.RxControl{RSSI: rssi, Channel: 6}, payload)
	require.NoError(t, err)
	defer s.Release()
	line, err := csi.NewFormatter(csi.ModeRaw, "AP").Format(s, true, "1700000000.250000")
	require.NoError(t, err)
	return line
}

type memorySink struct {
	recs []csi.Record
	at   []time.Time
	err  error
}

func (m *memorySink) WriteRecord(rec csi.Record, at time.Time) error {
	if m.err != nil {
		return m.err
	}
	m.recs = append(m.recs, rec)
	m.at = append(m.at, at)
	return nil
}

func TestHeader(t *testing.T) {
	h := Header()
	require.Len(t, h, len(csi.Columns)+2)
	assert.Equal(t, "type", h[0])
	assert.Equal(t, "CSI_DATA", h[len(h)-3])
	assert.Equal(t, []string{"pc_timestamp", "session_id"}, h[len(h)-2:])
}

func TestCollector_Handle(t *testing.T) {
	sink := &memorySink{}
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	c := New(Config{Sink: sink, Clock: clock, SessionID: "s1"})

	at := time.Unix(1001, 0)
	require.NoError(t, c.Handle(recordLine(t, macA, -40, 1, -2, 3), at))
	require.NoError(t, c.Handle(recordLine(t, macB, -60, 4, 5), at))
	assert.ErrorIs(t, c.Handle([]byte("garbage"), at), csi.ErrMalformedRecord)

	require.Len(t, sink.recs, 2)
	assert.Equal(t, []float64{1, -2, 3}, sink.recs[0].Values)
	assert.Equal(t, at, sink.at[1])

	latest, ok := c.Latest()
	require.True(t, ok)
	assert.Equal(t, macB, latest.MAC)

	st := c.Stats()
	assert.Equal(t, uint64(3), st.Received)
	assert.Equal(t, uint64(1), st.Malformed)
	assert.Equal(t, "s1", st.SessionID)

	sum := c.Window().Roll(time.Unix(1002, 0))
	assert.Equal(t, 2, sum.Packets)
	assert.Equal(t, 1, sum.Malformed)
	assert.Equal(t, 2, sum.Sources)
	assert.InDelta(t, 1.0, sum.Rate, 1e-9)
	assert.InDelta(t, -50.0, sum.MeanRSSI, 1e-9)
	assert.InDelta(t, 14.142, sum.StdRSSI, 1e-3)
	assert.Equal(t, sum, c.Stats().Last)
}

func TestCollector_SinkErrorIsCounted(t *testing.T) {
	c := New(Config{Sink: &memorySink{err: errors.New("disk full")}, SessionID: "x"})
	assert.Error(t, c.Handle(recordLine(t, macA, -40, 1, 2), time.Now()))
	assert.Equal(t, uint64(1), c.Stats().SinkErrors)
	assert.Equal(t, uint64(0), c.Stats().Malformed)
}

func TestNew_GeneratesSessionID(t *testing.T) {
	a, b := New(Config{}), New(Config{})
	assert.Len(t, a.SessionID(), 36)
	assert.NotEqual(t, a.SessionID(), b.SessionID())
}

func TestWindow_EmptyInterval(t *testing.T) {
	w := NewWindow(time.Unix(0, 0))
	s := w.Roll(time.Unix(0, 0))
	assert.Equal(t, Summary{}, s)

	w.Add("a", -30)
	s = w.Roll(time.Unix(2, 0))
	assert.Equal(t, 0.5, s.Rate)
	assert.Equal(t, -30.0, s.MeanRSSI)
	assert.Equal(t, uint64(1), w.Total())
	assert.Contains(t, s.String(), "PPS: 0.50")
}

func TestProfile(t *testing.T) {
	p := NewProfile()
	p.Add(csi.Record{MAC: macB, Values: []float64{2, 4}})
	p.Add(csi.Record{MAC: macB, Values: []float64{4, 8, 10}})
	p.Add(csi.Record{MAC: macA, Values: []float64{1}})

	if diff := cmp.Diff([]csi.MAC{macA, macB}, p.Sources()); diff != "" {
		t.Errorf("sources mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []float64{3, 6, 10}, p.Mean(macB))
	assert.Equal(t, []float64{4, 8, 10}, p.Latest(macB))
	assert.Nil(t, p.Mean(csi.MAC{}))
	assert.Nil(t, p.Latest(csi.MAC{}))
}

func TestCSVWriter(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewCSVWriter(&buf, "sess", true)
	require.NoError(t, err)

	rec, err := csi.ParseRecord(recordLine(t, macA, -41, 7, -8))
	require.NoError(t, err)
	at := time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.UTC)
	require.NoError(t, w.WriteRecord(rec, at))
	assert.Equal(t, 1, w.Rows())

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, Header(), rows[0])
	row := rows[1]
	require.Len(t, row, len(Header()))
	assert.Equal(t, "CSI_DATA", row[0])
	assert.Equal(t, "24:0A:C4:00:00:01", row[2])
	assert.Equal(t, "-41", row[3])
	assert.Equal(t, "1", row[22])
	assert.Equal(t, "1700000000.250000", row[23])
	assert.Equal(t, "7 -8", row[25])
	assert.Equal(t, "2024-05-06 07:08:09.123", row[26])
	assert.Equal(t, "sess", row[27])
}

func TestCSVWriter_KeepsValueTextAsReceived(t *testing.T) {
	pool := csi.NewPool(0)
	s, err := pool.Acquire(macA, csi.RxControl{RSSI: -41}, []int8{3, 4, 6, 8})
	require.NoError(t, err)
	defer s.Release()
	line, err := csi.NewFormatter(csi.ModeAmplitude, "AP").Format(s, false, "0.0")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(line), ",4,[5.0000 10.0000]\n"), string(line))

	rec, err := csi.ParseRecord(line)
	require.NoError(t, err)
	var buf bytes.Buffer
	w, err := NewCSVWriter(&buf, "s", false)
	require.NoError(t, err)
	require.NoError(t, w.WriteRecord(rec, time.Unix(0, 0).UTC()))

	head := string(line[:bytes.IndexByte(line, '[')])
	assert.Equal(t, head+"5.0000 10.0000,1970-01-01 00:00:00.000,s\n", buf.String())
}

func TestOpenCSV_AppendsWithoutSecondHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "data.csv")
	rec, err := csi.ParseRecord(recordLine(t, macA, -41, 1))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		w, err := OpenCSV(path, "s")
		require.NoError(t, err)
		require.NoError(t, w.WriteRecord(rec, time.Unix(0, 0)))
		require.NoError(t, w.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "pc_timestamp"))
	assert.Equal(t, 3, strings.Count(string(data), "\n"))
}

func TestDefaultCSVPath(t *testing.T) {
	got := DefaultCSVPath("csi_data", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	assert.Equal(t, filepath.Join("csi_data", "csi_data_20240102_030405.csv"), got)
}

func TestCollector_RunReceivesFromSocket(t *testing.T) {
	sock := network.NewMockUDPSocket([]network.MockUDPPacket{
		{Data: recordLine(t, macA, -40, 1, 2), Addr: &net.UDPAddr{IP: net.IPv4(192, 168, 4, 1), Port: 5000}},
		{Data: []byte("noise"), Addr: &net.UDPAddr{IP: net.IPv4(192, 168, 4, 1), Port: 5000}},
	})
	sink := &memorySink{}
	c := New(Config{Listen: ":9999", Factory: network.NewMockUDPSocketFactory(sock), Sink: sink, StatsInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.Stats().Received == 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), c.Stats().Malformed)
	assert.Len(t, sink.recs, 1)
}

func TestCollector_Replay(t *testing.T) {
	var capture bytes.Buffer
	w := pcapgo.NewWriter(&capture)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	for i, payload := range [][]byte{recordLine(t, macA, -40, 1, 2), recordLine(t, macB, -50, 3, 4)} {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x24, 0x0a, 0xc4, 0, 0, 9},
			DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.IP{192, 168, 4, 1}, DstIP: net.IP{192, 168, 4, 255}}
		udp := &layers.UDP{SrcPort: 40000, DstPort: 9999}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		buf := gopacket.NewSerializeBuffer()
		require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, eth, ip, udp, gopacket.Payload(payload)))
		data := buf.Bytes()
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{Timestamp: time.Unix(1700000000+int64(i), 0), CaptureLength: len(data), Length: len(data)}, data))
	}

	sink := &memorySink{}
	c := New(Config{Sink: sink})
	st, err := c.Replay(context.Background(), &capture, 9999)
	require.NoError(t, err)
	assert.Equal(t, network.ReplayStats{Packets: 2, Delivered: 2}, st)
	require.Len(t, sink.at, 2)
	assert.Equal(t, int64(1700000001), sink.at[1].Unix())
	assert.Equal(t, macB, sink.recs[1].MAC)
}

func TestAdminRoutes(t *testing.T) {
	c := New(Config{SessionID: "chart"})
	mux := http.NewServeMux()
	c.AttachAdminRoutes(mux)

	get := func(path string) (int, string) {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "127.0.0.1:4321"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		body, _ := io.ReadAll(rec.Result().Body)
		return rec.Code, string(body)
	}

	code, _ := get("/debug/csi-chart")
	assert.Equal(t, http.StatusNotFound, code)

	require.NoError(t, c.Handle(recordLine(t, macA, -40, 1, 2, 3), time.Now()))
	code, body := get("/debug/csi-chart")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "24:0A:C4:00:00:01")
	assert.Contains(t, body, "echarts")

	code, _ = get("/debug/csi-chart?mac=zz")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = get("/debug/collector")
	require.Equal(t, http.StatusOK, code)
	var st Stats
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	assert.Equal(t, "chart", st.SessionID)
	assert.Equal(t, uint64(1), st.Received)
}

func TestPlotMeans(t *testing.T) {
	p := NewProfile()
	assert.ErrorIs(t, PlotMeans(p, filepath.Join(t.TempDir(), "none.png")), ErrNoData)

	p.Add(csi.Record{MAC: macA, Values: []float64{1, 2, 3, 2}})
	p.Add(csi.Record{MAC: macB, Values: []float64{3, 2, 1, 0}})
	path := filepath.Join(t.TempDir(), "means.png")
	require.NoError(t, PlotMeans(p, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))
}
