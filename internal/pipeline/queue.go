// Package pipeline moves CSI samples from the radio callback to the network:
// admission, a bounded drop-newest queue, and the forwarding task.
package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/banshee-data/csi.relay/internal/csi"
)

// DefaultQueueCapacity is the number of sample handles the queue holds.
const DefaultQueueCapacity = 64

// Queue is a fixed-capacity FIFO of sample handles. A full queue rejects the
// incoming sample; the producer never waits.
type Queue struct {
	ch       chan *csi.Sample
	enqueued atomic.Uint64
	dropped  atomic.Uint64
}

// NewQueue creates a queue holding up to capacity samples.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{ch: make(chan *csi.Sample, capacity)}
}

// TryEnqueue hands s to the queue. On false the queue was full, the drop has
// been counted, and the caller still owns s.
func (q *Queue) TryEnqueue(s *csi.Sample) bool {
	select {
	case q.ch <- s:
		q.enqueued.Add(1)
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Dequeue blocks until a sample is available or ctx is done. The caller owns
// the returned sample.
func (q *Queue) Dequeue(ctx context.Context) (*csi.Sample, error) {
	select {
	case s := <-q.ch:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// C exposes the receive side for consumers that select on other events.
func (q *Queue) C() <-chan *csi.Sample { return q.ch }

// Len returns the number of queued samples.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the fixed capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Enqueued returns the number of accepted samples.
func (q *Queue) Enqueued() uint64 { return q.enqueued.Load() }

// Dropped returns the number of samples rejected because the queue was full.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Drain releases every queued sample and returns how many there were. It is
// called at shutdown after the consumer has stopped.
func (q *Queue) Drain() int {
	n := 0
	for {
		select {
		case s := <-q.ch:
			s.Release()
			n++
		default:
			return n
		}
	}
}
