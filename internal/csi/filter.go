package csi

// AllowList is the fixed set of source addresses whose samples enter the
// pipeline. It is built once at startup and never mutated, so Admit is safe to
// call from the ingestion callback without locking.
type AllowList struct {
	entries []MAC
}

// NewAllowList copies the given addresses into a new allow-list.
func NewAllowList(macs ...MAC) *AllowList {
	entries := make([]MAC, len(macs))
	copy(entries, macs)
	return &AllowList{entries: entries}
}

// ParseAllowList builds an allow-list from textual addresses.
func ParseAllowList(addrs []string) (*AllowList, error) {
	macs := make([]MAC, 0, len(addrs))
	for _, a := range addrs {
		m, err := ParseMAC(a)
		if err != nil {
			return nil, err
		}
		macs = append(macs, m)
	}
	return NewAllowList(macs...), nil
}

// Admit reports whether mac exactly matches an allow-list entry.
func (a *AllowList) Admit(mac MAC) bool {
	if a == nil {
		return false
	}
	for _, e := range a.entries {
		if e == mac {
			return true
		}
	}
	return false
}

// Entries returns a copy of the allow-list.
func (a *AllowList) Entries() []MAC {
	if a == nil {
		return nil
	}
	out := make([]MAC, len(a.entries))
	copy(out, a.entries)
	return out
}

// Len returns the number of entries.
func (a *AllowList) Len() int {
	if a == nil {
		return 0
	}
	return len(a.entries)
}
