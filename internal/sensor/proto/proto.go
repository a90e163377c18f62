// Package proto defines the length-prefixed envelope spoken between sensor
// worker subprocesses and the engine. The envelope itself is CBOR; the
// point payload stays raw little-endian float32 so workers can be written
// in any language without a Go-specific object format.
package proto

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/fxamacker/cbor/v2"

	"github.com/huykuka/lidargraph/internal/pointcloud"
)

// MaxEnvelopeSize bounds a single envelope read. Large enough for a dense
// 16-channel scan, small enough to reject a corrupted length prefix.
const MaxEnvelopeSize = 64 << 20

// Envelope kinds.
const (
	KindFrame  = "frame"
	KindStatus = "status"
)

// Status events emitted by workers.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventError        = "error"
)

// Envelope is one worker-to-engine message.
type Envelope struct {
	Kind      string  `cbor:"kind"`
	NodeID    string  `cbor:"node_id"`
	Timestamp float64 `cbor:"timestamp"`

	// Frame payload.
	Cols   int      `cbor:"cols,omitempty"`
	Fields []string `cbor:"fields,omitempty"`
	Points []byte   `cbor:"points,omitempty"`

	// Status payload.
	Event   string `cbor:"event,omitempty"`
	Message string `cbor:"message,omitempty"`
}

// Write frames the envelope with a uint32 little-endian length prefix.
func Write(w io.Writer, env *Envelope) error {
	payload, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("could not encode envelope: %w", err)
	}
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// Read parses the next length-prefixed envelope from r.
func Read(r io.Reader) (*Envelope, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(prefix[:])
	if size > MaxEnvelopeSize {
		return nil, fmt.Errorf("envelope too large: %d bytes", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	var env Envelope
	if err := cbor.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("could not decode envelope: %w", err)
	}
	return &env, nil
}

// EncodePoints serializes a cloud's full-width data as raw little-endian
// float32.
func EncodePoints(c *pointcloud.Cloud) []byte {
	out := make([]byte, 4*len(c.Data))
	for i, v := range c.Data {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// DecodePoints rebuilds a cloud from raw float32 data and its column count.
func DecodePoints(data []byte, cols int) (*pointcloud.Cloud, error) {
	if cols < 3 || cols > pointcloud.MaxCols {
		return nil, fmt.Errorf("invalid column count %d", cols)
	}
	if len(data)%4 != 0 || (len(data)/4)%cols != 0 {
		return nil, fmt.Errorf("point payload length %d does not divide into %d columns", len(data), cols)
	}
	c := pointcloud.NewCloud(cols, len(data)/4/cols)
	for off := 0; off < len(data); off += 4 {
		c.Data = append(c.Data, math.Float32frombits(binary.LittleEndian.Uint32(data[off:off+4])))
	}
	return c, nil
}

// FrameEnvelope builds a frame envelope from a cloud.
func FrameEnvelope(nodeID string, c *pointcloud.Cloud, fields []string, timestamp float64) *Envelope {
	return &Envelope{
		Kind:      KindFrame,
		NodeID:    nodeID,
		Timestamp: timestamp,
		Cols:      c.Cols,
		Fields:    fields,
		Points:    EncodePoints(c),
	}
}

// StatusEnvelope builds a status envelope.
func StatusEnvelope(nodeID, event, message string, timestamp float64) *Envelope {
	return &Envelope{
		Kind:      KindStatus,
		NodeID:    nodeID,
		Timestamp: timestamp,
		Event:     event,
		Message:   message,
	}
}
