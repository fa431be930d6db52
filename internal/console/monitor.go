package console

import (
	"context"
	"errors"
	"io"

	"github.com/banshee-data/csi.relay/internal/monitoring"
)

// Monitor reads r and feeds the processor until ctx is cancelled or r
// reaches EOF. Reads that return no data are retried after PollInterval, so
// a serial port opened with a read timeout is polled rather than spun on.
func (p *Processor) Monitor(ctx context.Context, r io.Reader) error {
	chunks := make(chan []byte)
	readErr := make(chan error, 1)

	// the blocking Read cannot observe ctx, so it runs apart from the
	// dispatch loop
	go func() {
		defer close(chunks)
		buf := make([]byte, 256)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
			if n == 0 {
				select {
				case <-p.cfg.Clock.After(p.cfg.PollInterval):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	io.WriteString(p.cfg.Out, "Command processor started. Type 'help' for commands.\n")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				select {
				case err := <-readErr:
					if errors.Is(err, io.EOF) {
						monitoring.Logf("Console input closed")
						return nil
					}
					return err
				default:
					return ctx.Err()
				}
			}
			p.Feed(chunk)
		}
	}
}
