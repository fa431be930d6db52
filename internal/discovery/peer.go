// Package discovery advertises the node over mDNS and resolves the peer that
// CSI records are forwarded to, falling back to a broadcast address when no
// peer answers.
package discovery

import (
	"fmt"
	"sync/atomic"
	"time"
)

// State is the resolution state of the forwarding peer.
type State int

const (
	Unresolved State = iota
	ResolvedFromQuery
	ResolvedFallback
)

func (s State) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case ResolvedFromQuery:
		return "resolved-from-query"
	case ResolvedFallback:
		return "resolved-fallback"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Peer is an immutable snapshot of the forwarding destination.
type Peer struct {
	Address    string // IPv4 literal
	Host       string // mDNS host name, empty for the fallback
	State      State
	ResolvedAt time.Time
}

// Resolved reports whether Address can be used.
func (p Peer) Resolved() bool { return p.State != Unresolved && p.Address != "" }

// PeerTracker publishes the current peer to readers on other goroutines.
// Each update replaces the whole snapshot, so a reader never sees an address
// from one result with the state of another.
type PeerTracker struct {
	cur atomic.Pointer[Peer]
}

// NewPeerTracker returns a tracker in the Unresolved state.
func NewPeerTracker() *PeerTracker {
	t := &PeerTracker{}
	t.cur.Store(&Peer{})
	return t
}

// NewStaticPeer returns a tracker fixed on addr in the ResolvedFallback
// state, for nodes that run without discovery.
func NewStaticPeer(addr string, at time.Time) *PeerTracker {
	t := NewPeerTracker()
	t.setFallback(addr, at)
	return t
}

// Peer returns the current snapshot.
func (t *PeerTracker) Peer() Peer { return *t.cur.Load() }

// PeerAddress returns the address to send to, if any.
func (t *PeerTracker) PeerAddress() (string, bool) {
	p := t.cur.Load()
	return p.Address, p.Resolved()
}

// setFromQuery records a discovered peer.
func (t *PeerTracker) setFromQuery(addr, host string, at time.Time) {
	t.cur.Store(&Peer{Address: addr, Host: host, State: ResolvedFromQuery, ResolvedAt: at})
}

// setFallback records the fallback address unless a discovered peer is
// already known; a query result is never replaced by the fallback.
func (t *PeerTracker) setFallback(addr string, at time.Time) Peer {
	for {
		old := t.cur.Load()
		if old.State == ResolvedFromQuery {
			return *old
		}
		next := &Peer{Address: addr, State: ResolvedFallback, ResolvedAt: at}
		if t.cur.CompareAndSwap(old, next) {
			return *next
		}
	}
}
