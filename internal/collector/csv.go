package collector

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/banshee-data/csi.relay/internal/csi"
)

// PCTimestampLayout is the receive-time column format, millisecond precision.
const PCTimestampLayout = "2006-01-02 15:04:05.000"

// Header returns the CSV header: the record columns followed by the
// receive time and the session id.
func Header() []string {
	h := make([]string, 0, len(csi.Columns)+2)
	h = append(h, csi.Columns...)
	return append(h, "pc_timestamp", "session_id")
}

// CSVWriter appends one row per record and flushes after every row so a
// crash loses at most the record being written.
type CSVWriter struct {
	mu      sync.Mutex
	w       *csv.Writer
	closer  io.Closer
	session string
	rows    int
}

// NewCSVWriter writes to w. When writeHeader is set the header row is
// emitted first.
func NewCSVWriter(w io.Writer, session string, writeHeader bool) (*CSVWriter, error) {
	c := &CSVWriter{w: csv.NewWriter(w), session: session}
	if cl, ok := w.(io.Closer); ok {
		c.closer = cl
	}
	if writeHeader {
		if err := c.w.Write(Header()); err != nil {
			return nil, err
		}
		c.w.Flush()
		if err := c.w.Error(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// OpenCSV opens path for appending, creating parent directories. The header
// is written only when the file is new or empty.
func OpenCSV(path, session string) (*CSVWriter, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create csv directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open csv %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	c, err := NewCSVWriter(f, session, info.Size() == 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

// DefaultCSVPath names a capture file after its start time.
func DefaultCSVPath(dir string, start time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("csi_data_%s.csv", start.Format("20060102_150405")))
}

// WriteRecord appends rec received at at.
func (c *CSVWriter) WriteRecord(rec csi.Record, at time.Time) error {
	row := append(rec.Row(), at.Format(PCTimestampLayout), c.session)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.w.Write(row); err != nil {
		return err
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return err
	}
	c.rows++
	return nil
}

// Rows returns the number of rows written since the writer was created.
func (c *CSVWriter) Rows() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rows
}

// Close flushes and closes the underlying file, if any.
func (c *CSVWriter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Flush()
	if c.closer != nil {
		return c.closer.Close()
	}
	return c.w.Error()
}
