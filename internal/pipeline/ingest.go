package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/banshee-data/csi.relay/internal/csi"
)

// SyncSource reports the node's time-sync state. timesync.Authority
// implements it.
type SyncSource interface {
	Synced() bool
	Now() time.Time
}

// IngestStats is a snapshot of the ingestion counters.
type IngestStats struct {
	Filtered  uint64 // source not on the allow-list
	Malformed uint64 // empty or oversized payload
	Enqueued  uint64
	Dropped   uint64 // queue full
}

// Ingestor is the radio callback. It runs in the producer context, so every
// path is non-blocking and bounded.
type Ingestor struct {
	filter *csi.AllowList
	pool   *csi.Pool
	queue  *Queue
	sync   SyncSource

	filtered  atomic.Uint64
	malformed atomic.Uint64
}

// NewIngestor wires the admission filter, sample pool and queue together.
func NewIngestor(filter *csi.AllowList, pool *csi.Pool, queue *Queue, sync SyncSource) *Ingestor {
	return &Ingestor{filter: filter, pool: pool, queue: queue, sync: sync}
}

// Ingest admits, copies and enqueues one sample. It reports whether the
// sample entered the queue. payload is only read during the call.
func (in *Ingestor) Ingest(mac csi.MAC, rx csi.RxControl, payload []int8) bool {
	if !in.filter.Admit(mac) {
		in.filtered.Add(1)
		return false
	}
	s, err := in.pool.Acquire(mac, rx, payload)
	if err != nil {
		in.malformed.Add(1)
		return false
	}
	if in.sync != nil {
		s.Synced = in.sync.Synced()
		s.CapturedAt = in.sync.Now()
	} else {
		s.CapturedAt = time.Now()
	}
	if !in.queue.TryEnqueue(s) {
		s.Release()
		return false
	}
	return true
}

// Stats returns the current counters.
func (in *Ingestor) Stats() IngestStats {
	return IngestStats{
		Filtered:  in.filtered.Load(),
		Malformed: in.malformed.Load(),
		Enqueued:  in.queue.Enqueued(),
		Dropped:   in.queue.Dropped(),
	}
}
