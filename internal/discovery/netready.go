package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/csi.relay/internal/csi"
	"github.com/banshee-data/csi.relay/internal/timeutil"
)

// ReadyProbe reports whether the network is up.
type ReadyProbe func() bool

// WaitForNetwork polls probe every interval until it reports ready or ctx is
// done. A nil probe is always ready.
func WaitForNetwork(ctx context.Context, clock timeutil.Clock, probe ReadyProbe, interval time.Duration) error {
	if probe == nil {
		return nil
	}
	for !probe() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(interval):
		}
	}
	return nil
}

// Hostname derives the advertised host name from the node's hardware
// address: prefix + "_" + the last two bytes in lower-case hex.
func Hostname(prefix string, mac csi.MAC) string {
	return fmt.Sprintf("%s_%02x%02x", prefix, mac[4], mac[5])
}

// Identity is the network identity of the interface the node runs on.
type Identity struct {
	Interface string
	MAC       csi.MAC
	IPv4      []net.IP
}

var errNoInterface = errors.New("discovery: no usable network interface")

// LocalIdentity returns the identity of the named interface, or of the first
// interface that is up, not loopback, and has a 6-byte hardware address.
func LocalIdentity(name string) (Identity, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return Identity{}, fmt.Errorf("list interfaces: %w", err)
	}
	for _, ifc := range ifaces {
		if name != "" && ifc.Name != name {
			continue
		}
		if name == "" && (ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 || len(ifc.HardwareAddr) != 6) {
			continue
		}
		id := Identity{Interface: ifc.Name}
		copy(id.MAC[:], ifc.HardwareAddr)
		id.IPv4 = interfaceIPv4(ifc)
		return id, nil
	}
	if name != "" {
		return Identity{}, fmt.Errorf("%w: %q not found", errNoInterface, name)
	}
	return Identity{}, errNoInterface
}

func interfaceIPv4(ifc net.Interface) []net.IP {
	addrs, err := ifc.Addrs()
	if err != nil {
		return nil
	}
	var out []net.IP
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			if ip4 := ipn.IP.To4(); ip4 != nil {
				out = append(out, ip4)
			}
		}
	}
	return out
}

// InterfaceReady reports ready once the named interface (or any non-loopback
// interface when name is empty) is up with an IPv4 address.
func InterfaceReady(name string) ReadyProbe {
	return func() bool {
		ifaces, err := net.Interfaces()
		if err != nil {
			return false
		}
		for _, ifc := range ifaces {
			if name != "" && ifc.Name != name {
				continue
			}
			if ifc.Flags&net.FlagUp == 0 || (name == "" && ifc.Flags&net.FlagLoopback != 0) {
				continue
			}
			if len(interfaceIPv4(ifc)) > 0 {
				return true
			}
		}
		return false
	}
}
