package node

import (
	"encoding/json"
	"fmt"
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/csi.relay/internal/console"
	"github.com/banshee-data/csi.relay/internal/discovery"
	"github.com/banshee-data/csi.relay/internal/version"
)

// Status is a point-in-time view of the node.
type Status struct {
	Version   string `json:"version"`
	Role      string `json:"role"`
	Mode      string `json:"mode"`
	Synced    bool   `json:"time_synced"`
	Timestamp string `json:"timestamp"`
	Commands  uint64 `json:"commands_handled"`
	BootCount int64  `json:"boot_count,omitempty"`

	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Enqueued      uint64 `json:"samples_enqueued"`
	Dropped       uint64 `json:"samples_dropped"`
	Filtered      uint64 `json:"samples_filtered"`
	Malformed     uint64 `json:"samples_malformed"`
	Outstanding   int64  `json:"samples_outstanding"`

	Sent         uint64 `json:"records_sent"`
	SendFailures uint64 `json:"send_failures"`
	NoPeer       uint64 `json:"records_without_peer"`
	Truncated    uint64 `json:"records_truncated"`

	Peer      string `json:"peer"`
	PeerState string `json:"peer_state"`
	PeerHost  string `json:"peer_host,omitempty"`
}

// Status collects counters from every component.
func (n *Node) Status() Status {
	synced, ts := n.auth.Snapshot()
	in := n.ingestor.Stats()
	fw := n.forwarder.Stats()
	peer := n.peers.Peer()

	st := Status{
		Version:       version.String(),
		Role:          n.cfg.Node.Role,
		Mode:          n.formatter.Mode.String(),
		Synced:        synced,
		Timestamp:     ts,
		BootCount:     n.bootCount,
		QueueDepth:    n.queue.Len(),
		QueueCapacity: n.queue.Cap(),
		Enqueued:      in.Enqueued,
		Dropped:       in.Dropped,
		Filtered:      in.Filtered,
		Malformed:     in.Malformed,
		Outstanding:   n.pool.Outstanding(),
		Sent:          fw.Sent,
		SendFailures:  fw.SendFailures,
		NoPeer:        fw.NoPeer,
		Truncated:     fw.Truncated,
		Peer:          peer.Address,
		PeerState:     peer.State.String(),
		PeerHost:      peer.Host,
	}
	if n.console != nil {
		st.Commands = n.console.Handled()
	}
	return st
}

// statusFields feeds the console status report. The console already prints
// sync state, command count, timestamp, mode and role.
func (n *Node) statusFields() []console.StatusField {
	st := n.Status()
	peer := st.Peer
	if peer == "" {
		peer = "none"
	}
	return []console.StatusField{
		{Name: "Queue Depth", Value: fmt.Sprintf("%d/%d", st.QueueDepth, st.QueueCapacity)},
		{Name: "Samples Dropped", Value: fmt.Sprint(st.Dropped)},
		{Name: "Records Sent", Value: fmt.Sprint(st.Sent)},
		{Name: "Peer", Value: fmt.Sprintf("%s (%s)", peer, st.PeerState)},
	}
}

func (n *Node) registerMetrics() {
	m := n.metrics
	u := func(f func() uint64) func() float64 {
		return func() float64 { return float64(f()) }
	}
	m.CounterFunc("samples_enqueued_total", "Samples accepted into the queue.", u(n.queue.Enqueued))
	m.CounterFunc("samples_dropped_total", "Samples dropped because the queue was full.", u(n.queue.Dropped))
	m.CounterFunc("samples_filtered_total", "Samples from sources not on the allow list.", u(func() uint64 { return n.ingestor.Stats().Filtered }))
	m.CounterFunc("samples_malformed_total", "Samples rejected for their payload.", u(func() uint64 { return n.ingestor.Stats().Malformed }))
	m.CounterFunc("records_sent_total", "Records sent to the peer.", u(func() uint64 { return n.forwarder.Stats().Sent }))
	m.CounterFunc("send_failures_total", "Records the transport failed to send.", u(func() uint64 { return n.forwarder.Stats().SendFailures }))
	m.CounterFunc("records_without_peer_total", "Records formatted while no peer was known.", u(func() uint64 { return n.forwarder.Stats().NoPeer }))
	m.CounterFunc("records_truncated_total", "Records whose value list was cut at the payload limit.", u(func() uint64 { return n.forwarder.Stats().Truncated }))
	m.GaugeFunc("queue_depth", "Samples waiting in the queue.", func() float64 { return float64(n.queue.Len()) })
	m.GaugeFunc("time_synced", "1 once a time-sync command has succeeded.", func() float64 {
		if n.auth.Synced() {
			return 1
		}
		return 0
	})
	m.GaugeFunc("peer_state", "0 unresolved, 1 resolved from query, 2 fallback.", func() float64 {
		return float64(n.peers.Peer().State)
	})
	if n.console != nil {
		m.CounterFunc("commands_handled_total", "Console commands handled.", u(n.console.Handled))
		m.CounterFunc("commands_rejected_total", "Console commands rejected.", u(n.console.Rejected))
	}
	if n.discover != nil {
		m.CounterFunc("discovery_queries_total", "Peer discovery queries issued.", u(func() uint64 { return n.discover.Stats().Queries }))
	}
}

// AttachAdminRoutes mounts the node's debug pages under /debug/ on mux.
func (n *Node) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	debug.Handle("csi-status", "Node status (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(n.Status()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}))
	debug.Handle("prometheus", "Metrics (Prometheus)", n.metrics.Handler())
	if n.store != nil {
		return n.store.AttachAdminRoutes(mux)
	}
	return nil
}

// Peer returns the current forwarding peer.
func (n *Node) Peer() discovery.Peer { return n.peers.Peer() }
