package console

import (
	"strings"

	"github.com/banshee-data/csi.relay/internal/timesync"
)

// Kind is the class a console line falls into.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeSync
	KindConfig
	KindHelp
	KindStatus
)

func (k Kind) String() string {
	switch k {
	case KindTimeSync:
		return "time-sync"
	case KindConfig:
		return "config"
	case KindHelp:
		return "help"
	case KindStatus:
		return "status"
	default:
		return "unknown"
	}
}

// ConfigPrefix marks the reserved configuration namespace.
const ConfigPrefix = "CSI_"

// aliases maps case-folded command words to their kind.
var aliases = map[string]Kind{
	"help":   KindHelp,
	"?":      KindHelp,
	"status": KindStatus,
	"info":   KindStatus,
}

// Classify returns the kind of a console line. Surrounding whitespace is
// ignored. Checks run in a fixed order: time-sync shape, config prefix, then
// the help and status aliases.
func Classify(line string) Kind {
	line = strings.TrimSpace(line)
	switch {
	case timesync.LooksLikeTimestamp(line):
		return KindTimeSync
	case strings.HasPrefix(line, ConfigPrefix):
		return KindConfig
	}
	if k, ok := aliases[strings.ToLower(line)]; ok {
		return k
	}
	return KindUnknown
}
