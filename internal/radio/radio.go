// Package radio defines how channel-state samples enter the node and ships a
// synthetic driver for development without hardware.
package radio

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/banshee-data/csi.relay/internal/csi"
	"github.com/banshee-data/csi.relay/internal/timeutil"
)

// Callback receives one sample in the driver's context. payload is owned by
// the driver and is only valid for the duration of the call. The return
// value reports whether the sample was accepted.
type Callback func(mac csi.MAC, rx csi.RxControl, payload []int8) bool

// Driver delivers samples to a callback until ctx is done.
type Driver interface {
	Run(ctx context.Context, cb Callback) error
}

// Synthetic emits generated samples at a fixed rate, cycling through Sources.
type Synthetic struct {
	Sources []csi.MAC
	Rate    time.Duration // interval between samples
	Length  int           // payload bytes per sample
	Channel int
	Clock   timeutil.Clock

	rng      *rand.Rand
	payload  []int8
	seq      uint64
	started  time.Time
	emitted  atomic.Uint64
	accepted atomic.Uint64
}

// NewSynthetic creates a synthetic driver with a deterministic seed.
func NewSynthetic(sources []csi.MAC, rate time.Duration, length int, seed int64) *Synthetic {
	if length <= 0 || length > csi.MaxPayload {
		length = 128
	}
	return &Synthetic{
		Sources: sources,
		Rate:    rate,
		Length:  length,
		Channel: 6,
		Clock:   timeutil.RealClock{},
		rng:     rand.New(rand.NewSource(seed)),
		payload: make([]int8, length),
	}
}

// Next generates the next sample. The returned payload is reused by the
// following call.
func (s *Synthetic) Next() (csi.MAC, csi.RxControl, []int8) {
	now := s.Clock.Now()
	if s.started.IsZero() {
		s.started = now
	}
	mac := s.Sources[s.seq%uint64(len(s.Sources))]
	s.seq++

	// pairs of (real, imaginary) tracing a slowly rotating channel response
	phase := float64(now.Sub(s.started)) / float64(time.Second)
	pairs := s.Length / 2
	for i := 0; i < pairs; i++ {
		sub := float64(i) / float64(max(pairs, 1))
		amp := 20 + 15*math.Sin(2*math.Pi*sub*3+phase)
		theta := 2*math.Pi*sub + phase
		s.payload[2*i] = clampInt8(amp*math.Cos(theta) + s.rng.NormFloat64())
		s.payload[2*i+1] = clampInt8(amp*math.Sin(theta) + s.rng.NormFloat64())
	}
	if s.Length%2 == 1 {
		s.payload[s.Length-1] = 0
	}

	rx := csi.RxControl{
		RSSI:       -40 - s.rng.Intn(30),
		Rate:       11,
		SigMode:    1,
		MCS:        7,
		CWB:        0,
		Smoothing:  1,
		Channel:    s.Channel,
		NoiseFloor: -95,
		Timestamp:  now.Sub(s.started).Microseconds(),
		SigLen:     s.Length,
	}
	return mac, rx, s.payload[:s.Length]
}

// Run emits one sample per Rate until ctx is done.
func (s *Synthetic) Run(ctx context.Context, cb Callback) error {
	if len(s.Sources) == 0 {
		return errors.New("radio: synthetic driver has no sources")
	}
	if s.Rate <= 0 {
		return errors.New("radio: synthetic rate must be positive")
	}
	ticker := s.Clock.NewTicker(s.Rate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			mac, rx, payload := s.Next()
			s.emitted.Add(1)
			if cb(mac, rx, payload) {
				s.accepted.Add(1)
			}
		}
	}
}

// Emitted returns the number of samples delivered to the callback.
func (s *Synthetic) Emitted() uint64 { return s.emitted.Load() }

// Accepted returns the number of samples the callback accepted.
func (s *Synthetic) Accepted() uint64 { return s.accepted.Load() }

func clampInt8(v float64) int8 {
	v = math.Round(v)
	if v > math.MaxInt8 {
		return math.MaxInt8
	}
	if v < math.MinInt8 {
		return math.MinInt8
	}
	return int8(v)
}

// Disabled is a driver that produces nothing; it blocks until ctx is done.
type Disabled struct{}

func (Disabled) Run(ctx context.Context, _ Callback) error {
	<-ctx.Done()
	return ctx.Err()
}
