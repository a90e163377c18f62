// Package fusion implements the multi-sensor fusion node: it keeps the
// latest frame per declared upstream source and emits the concatenation of
// all of them once every source has contributed.
package fusion

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/huykuka/lidargraph/internal/db"
	"github.com/huykuka/lidargraph/internal/engine"
	"github.com/huykuka/lidargraph/internal/pointcloud"
)

// Node fuses frames from a fixed set of upstream sources. The source set is
// derived at build time from the node's inbound edges. Points arrive
// already in world coordinates; fusion is pure concatenation, narrowing all
// inputs to xyz when their column counts differ.
type Node struct {
	id      string
	name    string
	fwd     engine.Forwarder
	log     zerolog.Logger
	sources map[string]bool

	enabled atomic.Bool

	mu        sync.Mutex
	latest    map[string]*pointcloud.Cloud
	fields    map[string][]string
	lastFrame time.Time
	emitted   int64
}

// Register binds the fusion builder to the manager.
func Register(m *engine.Manager) {
	m.RegisterBuilder("fusion", Build)
}

// Build constructs a fusion node from its persisted row and the inbound
// edge set.
func Build(node db.Node, ctx *engine.BuildContext) (engine.Node, error) {
	sources := make(map[string]bool)
	for _, e := range ctx.Edges {
		if e.TargetNode == node.ID {
			sources[e.SourceNode] = true
		}
	}
	n := &Node{
		id:      node.ID,
		name:    node.Name,
		fwd:     ctx.Forwarder,
		log:     ctx.Log,
		sources: sources,
		latest:  make(map[string]*pointcloud.Cloud),
		fields:  make(map[string][]string),
	}
	n.enabled.Store(true)
	return n, nil
}

// ID returns the node id.
func (n *Node) ID() string { return n.id }

// Name returns the display name.
func (n *Node) Name() string { return n.name }

// Type returns "fusion".
func (n *Node) Type() string { return "fusion" }

// Enable activates the node.
func (n *Node) Enable() { n.enabled.Store(true) }

// Disable deactivates the node and clears the frame buffer.
func (n *Node) Disable() {
	n.enabled.Store(false)
	n.mu.Lock()
	n.latest = make(map[string]*pointcloud.Cloud)
	n.mu.Unlock()
}

// OnInput buffers the latest frame per source and, once every declared
// source has contributed at least once, emits one fused frame per arriving
// input. The fused timestamp is the triggering frame's timestamp.
func (n *Node) OnInput(frame *engine.Frame) {
	if !n.enabled.Load() {
		return
	}
	if frame.Points == nil || frame.Points.Len() == 0 {
		return
	}
	if len(n.sources) > 0 && !n.sources[frame.SourceID] {
		return
	}

	n.mu.Lock()
	n.latest[frame.SourceID] = frame.Points
	n.fields[frame.SourceID] = frame.Fields
	n.lastFrame = time.Now()

	for src := range n.sources {
		if _, ok := n.latest[src]; !ok {
			missing := src
			n.mu.Unlock()
			n.log.Debug().Str("missing", missing).Msg("fusion waiting for sources")
			return
		}
	}

	ordered := make([]string, 0, len(n.sources))
	for src := range n.sources {
		ordered = append(ordered, src)
	}
	sort.Strings(ordered)

	frames := make([]*pointcloud.Cloud, 0, len(ordered))
	var fields []string
	uniform := true
	cols := -1
	for _, src := range ordered {
		c := n.latest[src]
		if cols == -1 {
			cols = c.Cols
			fields = n.fields[src]
		} else if c.Cols != cols {
			uniform = false
		}
		frames = append(frames, c)
	}
	if !uniform {
		// Mismatched channel sets across sensors; fall back to xyz.
		for i, c := range frames {
			frames[i] = c.Narrow(3)
		}
		fields = []string{"x", "y", "z"}
	}
	fused := pointcloud.Concat(frames...)
	n.emitted++
	n.mu.Unlock()

	n.fwd.Forward(n.id, &engine.Frame{
		SourceID:  n.id,
		Points:    fused,
		Fields:    fields,
		Timestamp: frame.Timestamp,
	})
}

// Status reports the node health dict.
func (n *Node) Status() map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()

	buffered := make([]string, 0, len(n.latest))
	for src := range n.latest {
		buffered = append(buffered, src)
	}
	status := map[string]any{
		"id":             n.id,
		"name":           n.name,
		"type":           "fusion",
		"running":        n.enabled.Load(),
		"source_count":   len(n.sources),
		"buffered_from":  buffered,
		"frames_emitted": n.emitted,
	}
	if !n.lastFrame.IsZero() {
		status["frame_age_seconds"] = time.Since(n.lastFrame).Seconds()
	}
	return status
}
