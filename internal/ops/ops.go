// Package ops implements the point-cloud operator nodes: crop, downsample,
// outlier removal, plane segmentation, clustering, attribute filtering and
// boundary detection. Every operator obeys the uniform node contract and
// transforms one input frame into at most one output frame.
package ops

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/huykuka/lidargraph/internal/db"
	"github.com/huykuka/lidargraph/internal/engine"
)

// Operation is a pure per-frame transform. Apply returns the output frame
// (nil to emit nothing) and operator-specific counters for the node status.
type Operation interface {
	Apply(frame *engine.Frame) (*engine.Frame, map[string]any, error)
}

// Node wraps an Operation into the engine node contract.
type Node struct {
	id   string
	name string
	typ  string
	op   Operation
	fwd  engine.Forwarder
	log  zerolog.Logger

	enabled atomic.Bool

	mu        sync.Mutex
	lastError string
	lastFrame time.Time
	lastInfo  map[string]any
	frames    int64
}

// NewNode wraps an operation.
func NewNode(id, name, typ string, op Operation, fwd engine.Forwarder, log zerolog.Logger) *Node {
	n := &Node{id: id, name: name, typ: typ, op: op, fwd: fwd, log: log}
	n.enabled.Store(true)
	return n
}

// ID returns the node id.
func (n *Node) ID() string { return n.id }

// Name returns the display name.
func (n *Node) Name() string { return n.name }

// Type returns the operator type tag.
func (n *Node) Type() string { return n.typ }

// Enable activates the node.
func (n *Node) Enable() { n.enabled.Store(true) }

// Disable deactivates the node; inputs are ignored while disabled.
func (n *Node) Disable() { n.enabled.Store(false) }

// OnInput transforms the frame and forwards the result attributed to this
// node. Operator errors land in the node status and do not propagate.
func (n *Node) OnInput(frame *engine.Frame) {
	if !n.enabled.Load() {
		return
	}
	out, info, err := n.op.Apply(frame)

	n.mu.Lock()
	n.frames++
	n.lastFrame = time.Now()
	n.lastInfo = info
	if err != nil {
		n.lastError = err.Error()
	} else {
		n.lastError = ""
	}
	n.mu.Unlock()

	if err != nil {
		n.log.Error().Err(err).Msg("operation failed")
		return
	}
	if out == nil {
		return
	}
	n.fwd.Forward(n.id, out.WithSource(n.id))
}

// Status reports the node health dict.
func (n *Node) Status() map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()

	status := map[string]any{
		"id":           n.id,
		"name":         n.name,
		"type":         n.typ,
		"running":      n.enabled.Load(),
		"frames_total": n.frames,
	}
	if !n.lastFrame.IsZero() {
		status["last_frame_at"] = float64(n.lastFrame.UnixNano()) / 1e9
		status["frame_age_seconds"] = time.Since(n.lastFrame).Seconds()
	}
	if n.lastError != "" {
		status["last_error"] = n.lastError
	}
	for k, v := range n.lastInfo {
		status[k] = v
	}
	return status
}

// operationFactory builds the concrete operation for a type tag.
type operationFactory func(cfg db.NodeConfig, log zerolog.Logger) (Operation, error)

var factories = map[string]operationFactory{
	"crop":                   newCrop,
	"downsample":             newVoxelDownsample,
	"uniform_downsample":     newUniformDownsample,
	"outlier_removal":        newStatisticalOutlierRemoval,
	"radius_outlier_removal": newRadiusOutlierRemoval,
	"plane_segmentation":     newPlaneSegmentation,
	"clustering":             newClustering,
	"filter_by_key":          newFilterByKey,
	"boundary_detection":     newBoundaryDetection,
}

// Register binds every operator type to the manager's builder registry.
func Register(m *engine.Manager) {
	for typ := range factories {
		typ := typ
		m.RegisterBuilder(typ, func(node db.Node, ctx *engine.BuildContext) (engine.Node, error) {
			factory := factories[typ]
			op, err := factory(node.Config, ctx.Log)
			if err != nil {
				return nil, fmt.Errorf("%s node %s: %w", typ, node.ID, err)
			}
			return NewNode(node.ID, node.Name, typ, op, ctx.Forwarder, ctx.Log), nil
		})
	}
}
