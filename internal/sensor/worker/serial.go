package worker

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"go.bug.st/serial"

	"github.com/huykuka/lidargraph/internal/pointcloud"
	"github.com/huykuka/lidargraph/internal/sensor/proto"
)

// runSerial bridges a serial-attached scanner. Each line is one scan: a
// semicolon-separated list of "distance,azimuth,elevation[,intensity]"
// tuples (meters and degrees), converted to Cartesian sensor-frame points.
func runSerial(opts Options) error {
	mode := &serial.Mode{BaudRate: opts.Baud}
	port, err := serial.Open(opts.Source, mode)
	if err != nil {
		return fmt.Errorf("could not open serial port %s: %w", opts.Source, err)
	}
	defer port.Close()
	sendStatus(opts, proto.EventConnected, fmt.Sprintf("opened %s @ %d baud", opts.Source, opts.Baud))

	scanner := bufio.NewScanner(port)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	fields := []string{"x", "y", "z", "intensity"}

	for scanner.Scan() {
		if stopped(opts) {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cloud := parseScanLine(line)
		if cloud.Len() == 0 {
			continue
		}
		if err := sendFrame(opts, cloud, fields, nowSeconds()); err != nil {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("serial read error: %w", err)
	}
	return nil
}

func parseScanLine(line string) *pointcloud.Cloud {
	tuples := strings.Split(line, ";")
	cloud := pointcloud.NewCloud(4, len(tuples))
	for _, tuple := range tuples {
		parts := strings.Split(strings.TrimSpace(tuple), ",")
		if len(parts) < 3 {
			continue
		}
		dist, err1 := strconv.ParseFloat(parts[0], 64)
		azimuth, err2 := strconv.ParseFloat(parts[1], 64)
		elevation, err3 := strconv.ParseFloat(parts[2], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		intensity := 0.0
		if len(parts) > 3 {
			intensity, _ = strconv.ParseFloat(parts[3], 64)
		}
		x, y, z := pointcloud.SphericalToCartesian(dist, azimuth, elevation)
		cloud.AppendRow(float32(x), float32(y), float32(z), float32(intensity))
	}
	return cloud
}
