package collector

import (
	"bytes"
	"slices"
	"sync"

	"github.com/banshee-data/csi.relay/internal/csi"
)

// Profile keeps a running mean of the value list per index, one list per
// source, plus the most recent list from each source. Values are taken as
// they arrive; in amplitude mode the index is the subcarrier.
type Profile struct {
	mu      sync.Mutex
	sources map[csi.MAC]*sourceProfile
}

type sourceProfile struct {
	sums   []float64
	counts []int
	latest []float64
}

// NewProfile returns an empty profile.
func NewProfile() *Profile {
	return &Profile{sources: make(map[csi.MAC]*sourceProfile)}
}

// Add folds one record into the profile.
func (p *Profile) Add(rec csi.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp := p.sources[rec.MAC]
	if sp == nil {
		sp = &sourceProfile{}
		p.sources[rec.MAC] = sp
	}
	for len(sp.sums) < len(rec.Values) {
		sp.sums = append(sp.sums, 0)
		sp.counts = append(sp.counts, 0)
	}
	for i, v := range rec.Values {
		sp.sums[i] += v
		sp.counts[i]++
	}
	sp.latest = append(sp.latest[:0], rec.Values...)
}

// Sources lists the sources seen, in byte order.
func (p *Profile) Sources() []csi.MAC {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]csi.MAC, 0, len(p.sources))
	for m := range p.sources {
		out = append(out, m)
	}
	sortMACs(out)
	return out
}

// Mean returns the per-index mean for mac, or nil when mac was never seen.
func (p *Profile) Mean(mac csi.MAC) []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp := p.sources[mac]
	if sp == nil {
		return nil
	}
	out := make([]float64, len(sp.sums))
	for i := range sp.sums {
		if sp.counts[i] > 0 {
			out[i] = sp.sums[i] / float64(sp.counts[i])
		}
	}
	return out
}

// Latest returns a copy of the last value list received from mac.
func (p *Profile) Latest(mac csi.MAC) []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp := p.sources[mac]
	if sp == nil {
		return nil
	}
	return append([]float64(nil), sp.latest...)
}

func sortMACs(macs []csi.MAC) {
	slices.SortFunc(macs, func(a, b csi.MAC) int { return bytes.Compare(a[:], b[:]) })
}
