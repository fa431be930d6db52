package collector

import (
	"fmt"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Summary describes one reporting interval.
type Summary struct {
	Total     uint64        `json:"total_packets"`
	Packets   int           `json:"interval_packets"`
	Malformed int           `json:"interval_malformed"`
	Interval  time.Duration `json:"interval"`
	Rate      float64       `json:"packets_per_second"`
	MeanRSSI  float64       `json:"mean_rssi"`
	StdRSSI   float64       `json:"stddev_rssi"`
	Sources   int           `json:"sources"`
}

func (s Summary) String() string {
	return fmt.Sprintf("Status: %d total packets | PPS: %.2f | RSSI: %.1f±%.1f dBm | sources: %d | malformed: %d",
		s.Total, s.Rate, s.MeanRSSI, s.StdRSSI, s.Sources, s.Malformed)
}

// Window accumulates per-interval statistics. It is safe for concurrent use.
type Window struct {
	mu        sync.Mutex
	start     time.Time
	total     uint64
	rssi      []float64
	malformed int
	sources   map[string]struct{}
	last      Summary
}

// NewWindow starts a window at now.
func NewWindow(now time.Time) *Window {
	return &Window{start: now, sources: make(map[string]struct{})}
}

// Add records one parsed packet.
func (w *Window) Add(source string, rssi int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.total++
	w.rssi = append(w.rssi, float64(rssi))
	w.sources[source] = struct{}{}
}

// AddMalformed records a datagram that failed to parse.
func (w *Window) AddMalformed() {
	w.mu.Lock()
	w.malformed++
	w.mu.Unlock()
}

// Roll closes the current interval at now and starts the next one.
func (w *Window) Roll(now time.Time) Summary {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Summary{
		Total:     w.total,
		Packets:   len(w.rssi),
		Malformed: w.malformed,
		Interval:  now.Sub(w.start),
		Sources:   len(w.sources),
	}
	if secs := s.Interval.Seconds(); secs > 0 {
		s.Rate = float64(s.Packets) / secs
	}
	if len(w.rssi) > 0 {
		s.MeanRSSI, s.StdRSSI = stat.MeanStdDev(w.rssi, nil)
		if math.IsNaN(s.StdRSSI) {
			s.StdRSSI = 0
		}
	}

	w.start = now
	w.rssi = w.rssi[:0]
	w.malformed = 0
	clear(w.sources)
	w.last = s
	return s
}

// Last returns the most recently closed interval.
func (w *Window) Last() Summary {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Total returns the number of packets seen since the window was created.
func (w *Window) Total() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}
