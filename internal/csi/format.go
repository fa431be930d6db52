package csi

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// RecordTag is the literal first column of every record.
const RecordTag = "CSI_DATA"

const (
	// DefaultPayloadLimit is the transport payload ceiling for one record.
	DefaultPayloadLimit = 4096
	// DefaultMaxRawValues bounds the bytes emitted in raw mode.
	DefaultMaxRawValues = 128
	// DefaultMaxPairs bounds the (real, imaginary) pairs emitted in
	// amplitude and phase mode.
	DefaultMaxPairs = 64
	// MaxRoleLength bounds the role column.
	MaxRoleLength = 15
	// MinPayloadLimit fits the longest possible header: a full-length role,
	// every rx field and the timestamp seconds at 20 digits, plus the
	// brackets and newline.
	MinPayloadLimit = 512
)

// ErrPayloadTooSmall is returned when the record header alone does not fit
// the payload limit.
var ErrPayloadTooSmall = errors.New("csi: payload limit too small for record header")

// Mode selects how the payload is turned into the bracketed value list.
type Mode int

const (
	ModeRaw       Mode = 1
	ModeAmplitude Mode = 2
	ModePhase     Mode = 3
)

func (m Mode) String() string {
	switch m {
	case ModeRaw:
		return "raw"
	case ModeAmplitude:
		return "amplitude"
	case ModePhase:
		return "phase"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts the mode name or its numeric value.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "raw", "1":
		return ModeRaw, nil
	case "amplitude", "amp", "2":
		return ModeAmplitude, nil
	case "phase", "3":
		return ModePhase, nil
	}
	return 0, fmt.Errorf("unknown csi mode %q: expected raw, amplitude or phase", s)
}

// Formatter converts samples into newline-terminated records:
//
//	CSI_DATA,<role>,<MAC>,<19 rx fields>,<synced 0/1>,<timestamp>,<len>,[v v v]\n
//
// It holds no state between calls, so equal inputs give byte-identical output.
type Formatter struct {
	Mode         Mode
	Role         string
	PayloadLimit int
	MaxRawValues int
	MaxPairs     int
}

// NewFormatter returns a formatter with the default bounds.
func NewFormatter(mode Mode, role string) *Formatter {
	return &Formatter{
		Mode:         mode,
		Role:         role,
		PayloadLimit: DefaultPayloadLimit,
		MaxRawValues: DefaultMaxRawValues,
		MaxPairs:     DefaultMaxPairs,
	}
}

// Format renders one record into a freshly allocated buffer.
func (f *Formatter) Format(s *Sample, synced bool, timestamp string) ([]byte, error) {
	out, _, err := f.AppendRecord(nil, s, synced, timestamp)
	return out, err
}

// AppendRecord appends the record for s to dst[:0]. truncated reports whether
// values were left out to stay under the payload limit; the header, the
// closing bracket and the newline are always present.
func (f *Formatter) AppendRecord(dst []byte, s *Sample, synced bool, timestamp string) (out []byte, truncated bool, err error) {
	limit := f.PayloadLimit
	if limit <= 0 {
		limit = DefaultPayloadLimit
	}
	const closing = "]\n"

	buf := dst[:0]
	buf = append(buf, RecordTag...)
	buf = append(buf, ',')
	buf = append(buf, f.Role...)
	buf = append(buf, ',')
	buf = appendMAC(buf, s.MAC)
	for _, v := range s.Rx.fields() {
		buf = append(buf, ',')
		buf = strconv.AppendInt(buf, v, 10)
	}
	buf = append(buf, ',')
	if synced {
		buf = append(buf, '1')
	} else {
		buf = append(buf, '0')
	}
	buf = append(buf, ',')
	if timestamp == "" {
		timestamp = "0.0"
	}
	buf = append(buf, timestamp...)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, int64(len(s.Payload)), 10)
	buf = append(buf, ",["...)
	if len(buf)+len(closing) > limit {
		return dst[:0], false, fmt.Errorf("%w: header %d bytes, limit %d", ErrPayloadTooSmall, len(buf)+len(closing), limit)
	}

	var scratch [32]byte
	first := true
	emit := func(v []byte) bool {
		need := len(v)
		if !first {
			need++
		}
		if len(buf)+need+len(closing) > limit {
			return false
		}
		if !first {
			buf = append(buf, ' ')
		}
		buf = append(buf, v...)
		first = false
		return true
	}

	switch f.Mode {
	case ModeRaw:
		n := min(f.maxRaw(), len(s.Payload))
		for i := 0; i < n; i++ {
			if !emit(strconv.AppendInt(scratch[:0], int64(s.Payload[i]), 10)) {
				truncated = true
				break
			}
		}
	case ModeAmplitude, ModePhase:
		pairs := min(f.maxPairs(), len(s.Payload)/2)
		for i := 0; i < pairs; i++ {
			re := float64(s.Payload[2*i])
			im := float64(s.Payload[2*i+1])
			var v float64
			if f.Mode == ModeAmplitude {
				v = math.Sqrt(re*re + im*im)
			} else {
				v = math.Atan2(im, re)
			}
			if !emit(strconv.AppendFloat(scratch[:0], v, 'f', 4, 64)) {
				truncated = true
				break
			}
		}
	default:
		return dst[:0], false, fmt.Errorf("csi: unsupported mode %v", f.Mode)
	}

	buf = append(buf, closing...)
	return buf, truncated, nil
}

func (f *Formatter) maxRaw() int {
	if f.MaxRawValues <= 0 {
		return DefaultMaxRawValues
	}
	return f.MaxRawValues
}

func (f *Formatter) maxPairs() int {
	if f.MaxPairs <= 0 {
		return DefaultMaxPairs
	}
	return f.MaxPairs
}

const hexDigits = "0123456789ABCDEF"

func appendMAC(buf []byte, m MAC) []byte {
	for i, b := range m {
		if i > 0 {
			buf = append(buf, ':')
		}
		buf = append(buf, hexDigits[b>>4], hexDigits[b&0x0f])
	}
	return buf
}
