package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/csi.relay/internal/monitoring"
)

// ReplayStats summarises a capture replay.
type ReplayStats struct {
	Packets   int // frames read from the capture
	Delivered int // UDP payloads handed to the callback
	Errors    int // callback errors
}

// ReadPCAP replays UDP payloads addressed to udpPort from a classic pcap
// stream. A udpPort of zero accepts every UDP datagram. The capture
// timestamp of each frame is passed to handle.
func ReadPCAP(ctx context.Context, r io.Reader, udpPort int, handle func(payload []byte, ts time.Time) error) (ReplayStats, error) {
	var st ReplayStats
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return st, fmt.Errorf("failed to open pcap stream: %w", err)
	}
	linkType := reader.LinkType()
	start := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			monitoring.Logf("PCAP reader stopping due to context cancellation (processed %d packets)", st.Packets)
			return st, err
		}
		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			monitoring.Logf("PCAP replay complete: %d packets, %d delivered in %v", st.Packets, st.Delivered, time.Since(start))
			return st, nil
		}
		if err != nil {
			return st, fmt.Errorf("failed to read pcap packet %d: %w", st.Packets+1, err)
		}
		st.Packets++

		packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if udpPort > 0 && int(udp.DstPort) != udpPort {
			continue
		}
		st.Delivered++
		if err := handle(udp.Payload, ci.Timestamp); err != nil {
			st.Errors++
		}
	}
}
