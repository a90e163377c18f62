// Package worker implements the sensor worker process body. It runs inside
// cmd/lidar-worker, isolated from the engine, and speaks the length-prefixed
// envelope protocol on stdout. Closing the worker's stdin is the shared
// stop signal.
package worker

import (
	"fmt"
	"io"
	"time"

	"github.com/huykuka/lidargraph/internal/pointcloud"
	"github.com/huykuka/lidargraph/internal/sensor/proto"
)

// Options configures one worker run.
type Options struct {
	NodeID string
	Mode   string // replay | pcap | serial
	Source string // file path or serial device
	Baud   int
	Out    io.Writer
	Stop   <-chan struct{}
}

// replayPeriod paces file replay at roughly real-time scan rate.
const replayPeriod = 40 * time.Millisecond

// Run executes the worker until the source is exhausted or the stop signal
// fires. Terminal conditions are reported as status envelopes before
// returning.
func Run(opts Options) error {
	var err error
	switch opts.Mode {
	case "replay":
		err = runReplay(opts)
	case "pcap":
		err = runPcap(opts)
	case "serial":
		err = runSerial(opts)
	default:
		err = fmt.Errorf("unknown worker mode %q", opts.Mode)
	}
	if err != nil {
		sendStatus(opts, proto.EventError, err.Error())
		return err
	}
	sendStatus(opts, proto.EventDisconnected, "")
	return nil
}

func sendStatus(opts Options, event, message string) {
	env := proto.StatusEnvelope(opts.NodeID, event, message, nowSeconds())
	_ = proto.Write(opts.Out, env)
}

func sendFrame(opts Options, c *pointcloud.Cloud, fields []string, ts float64) error {
	return proto.Write(opts.Out, proto.FrameEnvelope(opts.NodeID, c, fields, ts))
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func stopped(opts Options) bool {
	select {
	case <-opts.Stop:
		return true
	default:
		return false
	}
}

// runReplay opens a PCD file once and re-emits it at a fixed cadence until
// stopped. The emission period subtracts the work time so the rate stays
// stable under load.
func runReplay(opts Options) error {
	cloud, fields, err := ReadPCD(opts.Source)
	if err != nil {
		return fmt.Errorf("could not load %s: %w", opts.Source, err)
	}
	if cloud.Len() == 0 {
		return fmt.Errorf("point cloud file is empty: %s", opts.Source)
	}
	sendStatus(opts, proto.EventConnected, fmt.Sprintf("loaded %d points", cloud.Len()))

	for !stopped(opts) {
		start := time.Now()
		if err := sendFrame(opts, cloud, fields, nowSeconds()); err != nil {
			// Engine side went away; treat as stop.
			return nil
		}
		work := time.Since(start)
		if sleep := replayPeriod - work; sleep > 0 {
			select {
			case <-opts.Stop:
				return nil
			case <-time.After(sleep):
			}
		}
	}
	return nil
}
