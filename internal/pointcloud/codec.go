package pointcloud

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// LIDR binary frame layout, little-endian:
//
//	Offset | Size | Type    | Description
//	-------|------|---------|------------
//	0      | 4    | char[4] | Magic "LIDR"
//	4      | 4    | uint32  | Version (1)
//	8      | 8    | float64 | Timestamp (seconds)
//	16     | 4    | uint32  | Point count N
//	20     | N*12 | float32 | Points (x, y, z) * N
//
// Only positions are transmitted; extra channels never cross the wire.
const (
	Magic      = "LIDR"
	Version    = 1
	HeaderSize = 20
	pointSize  = 12
)

var (
	// ErrInvalidMagic reports a frame whose first four bytes are not "LIDR".
	ErrInvalidMagic = errors.New("pointcloud: invalid magic bytes")
	// ErrUnsupportedVersion reports a frame with an unknown format version.
	ErrUnsupportedVersion = errors.New("pointcloud: unsupported version")
	// ErrSizeMismatch reports a frame whose payload length disagrees with
	// its declared point count.
	ErrSizeMismatch = errors.New("pointcloud: payload size mismatch")
)

// Pack serializes a cloud's positions and timestamp into the LIDR frame
// format. Clouds narrower than three columns have their missing position
// components zero-filled.
func Pack(c *Cloud, timestamp float64) []byte {
	n := c.Len()
	buf := make([]byte, HeaderSize+n*pointSize)
	copy(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], Version)
	binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(timestamp))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(n))

	off := HeaderSize
	for i := 0; i < n; i++ {
		row := c.Row(i)
		for j := 0; j < 3; j++ {
			var v float32
			if j < len(row) {
				v = row[j]
			}
			binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(v))
			off += 4
		}
	}
	return buf
}

// Unpack parses a LIDR frame into an (N, 3) cloud and its timestamp.
func Unpack(data []byte) (*Cloud, float64, error) {
	if len(data) < HeaderSize {
		return nil, 0, fmt.Errorf("%w: frame shorter than header (%d bytes)", ErrSizeMismatch, len(data))
	}
	if string(data[0:4]) != Magic {
		return nil, 0, fmt.Errorf("%w: %q", ErrInvalidMagic, data[0:4])
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version != Version {
		return nil, 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	timestamp := math.Float64frombits(binary.LittleEndian.Uint64(data[8:16]))
	count := int(binary.LittleEndian.Uint32(data[16:20]))

	payload := data[HeaderSize:]
	if len(payload) != count*pointSize {
		return nil, 0, fmt.Errorf("%w: expected %d bytes, got %d", ErrSizeMismatch, count*pointSize, len(payload))
	}

	c := NewCloud(3, count)
	for off := 0; off < len(payload); off += 4 {
		c.Data = append(c.Data, math.Float32frombits(binary.LittleEndian.Uint32(payload[off:off+4])))
	}
	return c, timestamp, nil
}
