package worker

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/huykuka/lidargraph/internal/pointcloud"
)

// ReadPCD parses a PCD v0.7 file with ascii or binary data. Only 4-byte
// float fields are supported, which covers the captures the replay worker
// consumes.
func ReadPCD(path string) (*pointcloud.Cloud, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)

	var fields []string
	var points int
	var format string

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, nil, fmt.Errorf("unexpected end of PCD header: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		switch strings.ToUpper(parts[0]) {
		case "FIELDS":
			fields = parts[1:]
		case "POINTS":
			points, err = strconv.Atoi(parts[1])
			if err != nil {
				return nil, nil, fmt.Errorf("bad POINTS line %q", line)
			}
		case "DATA":
			if len(parts) < 2 {
				return nil, nil, fmt.Errorf("bad DATA line %q", line)
			}
			format = strings.ToLower(parts[1])
		}
		if format != "" {
			break
		}
	}

	if len(fields) < 3 {
		return nil, nil, fmt.Errorf("PCD has %d fields, need at least x y z", len(fields))
	}
	cols := len(fields)
	if cols > pointcloud.MaxCols {
		cols = pointcloud.MaxCols
		fields = fields[:cols]
	}

	cloud := pointcloud.NewCloud(cols, points)

	switch format {
	case "ascii":
		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
		for scanner.Scan() && cloud.Len() < points {
			raw := strings.Fields(scanner.Text())
			if len(raw) < cols {
				continue
			}
			row := make([]float32, cols)
			ok := true
			for i := 0; i < cols; i++ {
				v, err := strconv.ParseFloat(raw[i], 32)
				if err != nil {
					ok = false
					break
				}
				row[i] = float32(v)
			}
			if ok {
				cloud.AppendRow(row...)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, nil, err
		}
	case "binary":
		buf := make([]byte, 4*len(fields))
		for i := 0; i < points; i++ {
			if _, err := io.ReadFull(reader, buf); err != nil {
				return nil, nil, fmt.Errorf("short binary PCD body at point %d: %w", i, err)
			}
			row := make([]float32, cols)
			for j := 0; j < cols; j++ {
				row[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[j*4:]))
			}
			cloud.AppendRow(row...)
		}
	default:
		return nil, nil, fmt.Errorf("unsupported PCD data format %q", format)
	}

	return cloud, fields, nil
}
