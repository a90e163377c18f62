// Command lidar-worker is the per-sensor worker process spawned by the
// engine. It acquires its source (file replay, packet capture or serial
// port), streams length-prefixed frame envelopes on stdout and exits when
// its stdin closes.
package main

import (
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/huykuka/lidargraph/internal/sensor/worker"
)

func main() {
	var (
		nodeID = pflag.String("node-id", "", "owning sensor node id")
		mode   = pflag.String("mode", "replay", "worker mode: replay | pcap | serial")
		source = pflag.String("source", "", "point cloud file, capture file or serial device")
		baud   = pflag.Int("baud", 115200, "serial baud rate")
	)
	pflag.Parse()

	if *nodeID == "" || *source == "" {
		pflag.Usage()
		os.Exit(2)
	}

	// The engine closes our stdin as the shared stop signal.
	stop := make(chan struct{})
	go func() {
		io.Copy(io.Discard, os.Stdin)
		close(stop)
	}()

	err := worker.Run(worker.Options{
		NodeID: *nodeID,
		Mode:   *mode,
		Source: *source,
		Baud:   *baud,
		Out:    os.Stdout,
		Stop:   stop,
	})
	if err != nil {
		os.Exit(1)
	}
}
