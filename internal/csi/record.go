package csi

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedRecord is returned by ParseRecord for input that is not a record.
var ErrMalformedRecord = errors.New("csi: malformed record")

// headerFieldCount is tag, role, mac, the rx fields, synced, timestamp and len.
const headerFieldCount = 3 + rxFieldCount + 3

// Record is a parsed telemetry record as seen by a receiver.
type Record struct {
	Tag       string
	Role      string
	MAC       MAC
	Rx        RxControl
	Synced    bool
	Timestamp string
	Length    int
	Values    []float64
	// RawValues is the text between the brackets exactly as received.
	RawValues string
}

// Columns lists the record columns in wire order. The value list is a single
// column.
var Columns = []string{
	"type", "role", "mac", "rssi", "rate", "sig_mode", "mcs",
	"bandwidth", "smoothing", "not_sounding", "aggregation",
	"stbc", "fec_coding", "sgi", "noise_floor", "ampdu_cnt",
	"channel", "secondary_channel", "local_timestamp", "ant",
	"sig_len", "rx_state", "real_time_set", "real_timestamp",
	"len", "CSI_DATA",
}

// ParseRecord decodes one record produced by Formatter.
func ParseRecord(line []byte) (Record, error) {
	var r Record
	line = bytes.TrimRight(line, "\r\n")
	open := bytes.IndexByte(line, '[')
	if open < 0 || !bytes.HasSuffix(line, []byte("]")) {
		return r, fmt.Errorf("%w: missing value list", ErrMalformedRecord)
	}
	head := string(line[:open])
	if !strings.HasSuffix(head, ",") {
		return r, fmt.Errorf("%w: value list not preceded by comma", ErrMalformedRecord)
	}
	fields := strings.Split(strings.TrimSuffix(head, ","), ",")
	if len(fields) != headerFieldCount {
		return r, fmt.Errorf("%w: %d header fields, want %d", ErrMalformedRecord, len(fields), headerFieldCount)
	}

	r.Tag = fields[0]
	r.Role = fields[1]
	mac, err := ParseMAC(fields[2])
	if err != nil {
		return r, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	r.MAC = mac

	var rx [rxFieldCount]int64
	for i := range rx {
		v, err := strconv.ParseInt(fields[3+i], 10, 64)
		if err != nil {
			return r, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, Columns[3+i], err)
		}
		rx[i] = v
	}
	r.Rx.setFields(rx)

	switch fields[3+rxFieldCount] {
	case "0":
	case "1":
		r.Synced = true
	default:
		return r, fmt.Errorf("%w: synced flag %q", ErrMalformedRecord, fields[3+rxFieldCount])
	}
	r.Timestamp = fields[4+rxFieldCount]
	r.Length, err = strconv.Atoi(fields[5+rxFieldCount])
	if err != nil {
		return r, fmt.Errorf("%w: len: %v", ErrMalformedRecord, err)
	}

	raw := line[open+1 : len(line)-1]
	r.RawValues = string(raw)
	values := bytes.Fields(raw)
	r.Values = make([]float64, 0, len(values))
	for _, v := range values {
		f, err := strconv.ParseFloat(string(v), 64)
		if err != nil {
			return r, fmt.Errorf("%w: value %q: %v", ErrMalformedRecord, v, err)
		}
		r.Values = append(r.Values, f)
	}
	return r, nil
}

// ValueString returns the value list the way it appeared inside the
// brackets. Records built in code without RawValues render Values instead.
func (r Record) ValueString() string {
	if r.RawValues != "" || len(r.Values) == 0 {
		return r.RawValues
	}
	var b strings.Builder
	for i, v := range r.Values {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	}
	return b.String()
}

// Row returns the record as string columns in Columns order.
func (r Record) Row() []string {
	row := make([]string, 0, len(Columns))
	row = append(row, r.Tag, r.Role, r.MAC.String())
	rx := r.Rx.fields()
	for _, v := range rx {
		row = append(row, strconv.FormatInt(v, 10))
	}
	synced := "0"
	if r.Synced {
		synced = "1"
	}
	row = append(row, synced, r.Timestamp, strconv.Itoa(r.Length), r.ValueString())
	return row
}
