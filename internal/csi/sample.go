// Package csi models channel-state samples captured by the radio and the
// comma-delimited text record they are forwarded as.
package csi

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MaxPayload is the largest channel-state payload the radio reports for a
// single frame (HT-LTF, 20/40 MHz, both chains).
const MaxPayload = 612

var (
	ErrPayloadTooLarge = errors.New("csi: payload exceeds hardware maximum")
	ErrEmptyPayload    = errors.New("csi: empty payload")
)

// MAC is the 6-byte physical address a sample was received from.
type MAC [6]byte

// String formats the address as upper-case colon separated hex.
func (m MAC) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", m[0], m[1], m[2], m[3], m[4], m[5])
}

// ParseMAC parses a colon or dash separated 6-byte hardware address.
func ParseMAC(s string) (MAC, error) {
	var m MAC
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return m, fmt.Errorf("parse mac %q: %w", s, err)
	}
	if len(hw) != len(m) {
		return m, fmt.Errorf("parse mac %q: want 6 bytes, got %d", s, len(hw))
	}
	copy(m[:], hw)
	return m, nil
}

// RxControl is the receive metadata the radio attaches to every sample. The
// pipeline never interprets it, only copies it into the record.
type RxControl struct {
	RSSI             int
	Rate             int
	SigMode          int
	MCS              int
	CWB              int
	Smoothing        int
	NotSounding      int
	Aggregation      int
	STBC             int
	FECCoding        int
	SGI              int
	NoiseFloor       int
	AMPDUCount       int
	Channel          int
	SecondaryChannel int
	Timestamp        int64
	Antenna          int
	SigLen           int
	RxState          int
}

// rxFieldCount is the number of RxControl columns in a record.
const rxFieldCount = 19

func (rx *RxControl) fields() [rxFieldCount]int64 {
	return [rxFieldCount]int64{
		int64(rx.RSSI), int64(rx.Rate), int64(rx.SigMode), int64(rx.MCS), int64(rx.CWB),
		int64(rx.Smoothing), int64(rx.NotSounding), int64(rx.Aggregation), int64(rx.STBC), int64(rx.FECCoding),
		int64(rx.SGI), int64(rx.NoiseFloor), int64(rx.AMPDUCount), int64(rx.Channel), int64(rx.SecondaryChannel),
		rx.Timestamp, int64(rx.Antenna), int64(rx.SigLen), int64(rx.RxState),
	}
}

func (rx *RxControl) setFields(v [rxFieldCount]int64) {
	rx.RSSI, rx.Rate, rx.SigMode, rx.MCS, rx.CWB = int(v[0]), int(v[1]), int(v[2]), int(v[3]), int(v[4])
	rx.Smoothing, rx.NotSounding, rx.Aggregation, rx.STBC, rx.FECCoding = int(v[5]), int(v[6]), int(v[7]), int(v[8]), int(v[9])
	rx.SGI, rx.NoiseFloor, rx.AMPDUCount, rx.Channel, rx.SecondaryChannel = int(v[10]), int(v[11]), int(v[12]), int(v[13]), int(v[14])
	rx.Timestamp, rx.Antenna, rx.SigLen, rx.RxState = v[15], int(v[16]), int(v[17]), int(v[18])
}

// Sample is one captured channel-state measurement. A Sample has exactly one
// owner at a time; the owner that is done with it calls Release, and nobody
// touches it afterwards. Each Acquire hands out a distinct Sample, so a
// Release on a sample that was already released never reaches a later
// owner's data.
type Sample struct {
	MAC        MAC
	Rx         RxControl
	Payload    []int8
	Synced     bool
	CapturedAt time.Time

	pool     *Pool
	buf      *[]int8
	released atomic.Bool
}

// Release hands the payload buffer back to the pool it came from. Only the
// first call has an effect; later calls are counted by Pool.DoubleReleases.
func (s *Sample) Release() {
	if s == nil {
		return
	}
	if s.released.Swap(true) {
		if s.pool != nil {
			s.pool.doubleReleases.Add(1)
		}
		return
	}
	p, buf := s.pool, s.buf
	s.Payload, s.buf = nil, nil
	if p == nil {
		return
	}
	p.outstanding.Add(-1)
	if buf != nil {
		*buf = (*buf)[:0]
		p.buffers.Put(buf)
	}
}

// Pool recycles payload buffers so the ingestion path does not allocate a
// payload per frame once warmed up.
type Pool struct {
	buffers        sync.Pool
	maxPayload     int
	outstanding    atomic.Int64
	doubleReleases atomic.Int64
}

// NewPool creates a pool whose samples hold at most maxPayload bytes. A
// non-positive value means MaxPayload.
func NewPool(maxPayload int) *Pool {
	if maxPayload <= 0 {
		maxPayload = MaxPayload
	}
	p := &Pool{maxPayload: maxPayload}
	p.buffers.New = func() any {
		b := make([]int8, 0, maxPayload)
		return &b
	}
	return p
}

// Acquire deep-copies driver-owned data into a sample owned by the caller.
func (p *Pool) Acquire(mac MAC, rx RxControl, payload []int8) (*Sample, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(payload) > p.maxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), p.maxPayload)
	}
	buf := p.buffers.Get().(*[]int8)
	*buf = append((*buf)[:0], payload...)
	p.outstanding.Add(1)
	return &Sample{MAC: mac, Rx: rx, Payload: *buf, pool: p, buf: buf}, nil
}

// Outstanding reports how many acquired samples have not been released.
func (p *Pool) Outstanding() int64 { return p.outstanding.Load() }

// DoubleReleases reports how many times Release was called on a sample that
// had already been released.
func (p *Pool) DoubleReleases() int64 { return p.doubleReleases.Load() }
