package worker

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/huykuka/lidargraph/internal/pointcloud"
	"github.com/huykuka/lidargraph/internal/sensor/proto"
)

// maxReplayGap caps the inter-packet sleep so sparse captures do not stall
// the replay.
const maxReplayGap = time.Second

// runPcap replays LIDR frames carried in UDP payloads of a packet capture,
// pacing emission by the capture's own timestamps. Payloads that do not
// parse as LIDR frames are skipped.
func runPcap(opts Options) error {
	f, err := os.Open(opts.Source)
	if err != nil {
		return fmt.Errorf("could not open capture %s: %w", opts.Source, err)
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("could not read capture %s: %w", opts.Source, err)
	}
	sendStatus(opts, proto.EventConnected, "replaying capture")

	var prev time.Time
	frames := 0
	for !stopped(opts) {
		data, ci, err := reader.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("capture read error: %w", err)
		}

		packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		payload := udpLayer.(*layers.UDP).Payload
		cloud, ts, err := pointcloud.Unpack(payload)
		if err != nil {
			continue
		}

		if !prev.IsZero() {
			gap := ci.Timestamp.Sub(prev)
			if gap > maxReplayGap {
				gap = maxReplayGap
			}
			if gap > 0 {
				select {
				case <-opts.Stop:
					return nil
				case <-time.After(gap):
				}
			}
		}
		prev = ci.Timestamp

		if err := sendFrame(opts, cloud, []string{"x", "y", "z"}, ts); err != nil {
			return nil
		}
		frames++
	}
	if frames == 0 {
		return fmt.Errorf("capture %s contained no frames", opts.Source)
	}
	return nil
}
