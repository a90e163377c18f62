// Package engine implements the DAG execution core: the node contract, the
// lifecycle manager, the ingress dispatcher, the frame router and the
// per-node throttle controller.
package engine

import (
	"github.com/rs/zerolog"

	"github.com/huykuka/lidargraph/internal/db"
	"github.com/huykuka/lidargraph/internal/pointcloud"
	"github.com/huykuka/lidargraph/internal/stream"
)

// Frame is one (points, timestamp) payload flowing through the graph.
// Timestamps pass through transforms unchanged; SourceID is rewritten to the
// emitting node on each forward.
type Frame struct {
	SourceID  string
	Points    *pointcloud.Cloud
	Fields    []string
	Timestamp float64
	Extra     map[string]any
}

// WithSource returns a shallow copy of the frame attributed to a new
// emitting node. The point data is shared, not copied.
func (f *Frame) WithSource(nodeID string) *Frame {
	out := *f
	out.SourceID = nodeID
	return &out
}

// Forwarder is the thin slice of the manager handed to nodes at
// construction. Nodes emit output frames exclusively through it.
type Forwarder interface {
	Forward(sourceID string, frame *Frame)
}

// Node is the uniform contract every graph node obeys. OnInput is invoked by
// the routing path; implementations transform the frame and call
// Forward(self.id, out) for every emitted frame (zero or one per input).
type Node interface {
	ID() string
	Name() string
	Type() string
	OnInput(frame *Frame)
	Status() map[string]any
}

// Startable is implemented by resource-owning nodes (sensors) that spawn
// workers on engine start.
type Startable interface {
	Start() error
	Stop()
}

// Toggleable is implemented by stateless nodes that only flip an active
// flag.
type Toggleable interface {
	Enable()
	Disable()
}

// IngestFunc pushes a worker-produced frame into the engine's bounded
// ingress queue. It reports false when the queue is full and the frame was
// dropped (intentional backpressure).
type IngestFunc func(frame *Frame) bool

// BuildContext carries the collaborators a node builder may wire into its
// instance. Nodes never receive the whole manager.
type BuildContext struct {
	Log           zerolog.Logger
	Forwarder     Forwarder
	Store         *db.DB
	Hub           *stream.Hub
	Edges         []db.Edge
	Ingest        IngestFunc
	RequestReload func()
	WorkerBinary  string
	DataDir       string
}

// Builder constructs a node instance from its persisted row. Builders are
// registered per type string; unknown types are a load-time config error
// that skips the node and leaves the rest of the graph running.
type Builder func(node db.Node, ctx *BuildContext) (Node, error)

// RecorderSink is the recording service as seen by the router: an armed
// check plus the full-precision capture entry point.
type RecorderSink interface {
	IsRecording(nodeID string) bool
	RecordPayload(nodeID string, points *pointcloud.Cloud, timestamp float64)
}
