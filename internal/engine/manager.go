package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/huykuka/lidargraph/internal/db"
	"github.com/huykuka/lidargraph/internal/metrics"
	"github.com/huykuka/lidargraph/internal/pointcloud"
	"github.com/huykuka/lidargraph/internal/stream"
)

// DefaultQueueSize bounds the shared ingress queue. Producers drop frames
// when it is full; there is no backpressure back to the hardware.
const DefaultQueueSize = 100

// Options configures a Manager.
type Options struct {
	QueueSize    int
	WorkerBinary string
	DataDir      string
}

// Manager owns the node instances, the downstream routing map and the
// ingress dispatcher. It is the composition root of the running graph:
// nodes receive only the thin Forwarder slice of it.
type Manager struct {
	log       zerolog.Logger
	store     *db.DB
	hub       *stream.Hub
	collector metrics.Collector
	recorder  RecorderSink
	throttle  *Throttle
	opts      Options

	builders map[string]Builder

	mu         sync.Mutex
	nodes      map[string]Node
	meta       map[string]db.Node
	downstream map[string][]string
	routeErr   map[string]string
	ingress    chan *Frame
	running    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	droppedUnknown int64
	droppedFull    int64
}

// NewManager wires a manager. The recorder sink may be attached later via
// SetRecorder to break the construction cycle with the recording service.
func NewManager(log zerolog.Logger, store *db.DB, hub *stream.Hub, collector metrics.Collector, opts Options) *Manager {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if collector == nil {
		collector = metrics.NewNopCollector()
	}
	return &Manager{
		log:        log.With().Str("component", "engine").Logger(),
		store:      store,
		hub:        hub,
		collector:  collector,
		throttle:   NewThrottle(),
		opts:       opts,
		builders:   make(map[string]Builder),
		nodes:      make(map[string]Node),
		meta:       make(map[string]db.Node),
		downstream: make(map[string][]string),
		routeErr:   make(map[string]string),
		ingress:    make(chan *Frame, opts.QueueSize),
	}
}

// SetRecorder attaches the recording service sink.
func (m *Manager) SetRecorder(r RecorderSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorder = r
}

// RegisterBuilder binds a node type string to its constructor.
func (m *Manager) RegisterBuilder(nodeType string, b Builder) {
	m.builders[nodeType] = b
}

// LoadConfig reads persisted nodes and edges and instantiates the enabled
// nodes in the order sensor -> operation -> fusion -> other, a practical
// topological approximation (true cycles are rejected at edge save time).
// A node whose type is unknown or whose builder fails is skipped with a
// logged error; the rest of the graph still loads.
func (m *Manager) LoadConfig() error {
	nodes, err := m.store.ListNodes()
	if err != nil {
		return fmt.Errorf("could not list nodes: %w", err)
	}
	edges, err := m.store.ListEdges()
	if err != nil {
		return fmt.Errorf("could not list edges: %w", err)
	}

	var enabled []db.Node
	for _, n := range nodes {
		if n.Enabled {
			enabled = append(enabled, n)
		}
	}
	m.log.Info().Int("nodes", len(enabled)).Int("edges", len(edges)).Msg("loaded graph from store")

	groups := [][]db.Node{nil, nil, nil, nil}
	for _, n := range enabled {
		switch n.Category {
		case db.CategorySensor:
			groups[0] = append(groups[0], n)
		case db.CategoryOperation:
			groups[1] = append(groups[1], n)
		case db.CategoryFusion:
			groups[2] = append(groups[2], n)
		default:
			groups[3] = append(groups[3], n)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, group := range groups {
		for _, n := range group {
			builder, ok := m.builders[n.Type]
			if !ok {
				m.log.Error().Str("node", n.ID).Str("type", n.Type).Msg("unknown node type, skipping")
				continue
			}
			instance, err := builder(n, m.buildContext(n))
			if err != nil {
				m.log.Error().Err(err).Str("node", n.ID).Msg("failed to create node, skipping")
				continue
			}
			m.nodes[n.ID] = instance
			m.meta[n.ID] = n
			m.hub.Register(pointcloud.Topic(n.Name, n.ID))
			m.throttle.Configure(n.ID, n.Config.Float("throttle_ms", 0))
		}
	}

	m.downstream = make(map[string][]string)
	for _, e := range edges {
		if e.SourceNode == "" || e.TargetNode == "" {
			continue
		}
		m.downstream[e.SourceNode] = append(m.downstream[e.SourceNode], e.TargetNode)
	}

	m.log.Info().Int("instances", len(m.nodes)).Msg("graph initialised")
	return nil
}

func (m *Manager) buildContext(n db.Node) *BuildContext {
	edges, _ := m.store.ListEdges()
	return &BuildContext{
		Log:           m.log.With().Str("node", n.ID).Str("type", n.Type).Logger(),
		Forwarder:     m,
		Store:         m.store,
		Hub:           m.hub,
		Edges:         edges,
		Ingest:        m.Ingest,
		RequestReload: func() { go m.Reload() },
		WorkerBinary:  m.opts.WorkerBinary,
		DataDir:       m.opts.DataDir,
	}
}

// Start spawns a fresh ingress queue, starts every node and launches the
// dispatcher.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	// Recreate the queue so a previous run's stranded frames cannot leak
	// into the new dispatcher.
	m.ingress = make(chan *Frame, m.opts.QueueSize)
	nodes := m.snapshotNodesLocked()
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	for _, n := range nodes {
		switch inst := n.(type) {
		case Startable:
			if err := inst.Start(); err != nil {
				m.log.Error().Err(err).Str("node", n.ID()).Msg("node start failed")
			}
		case Toggleable:
			inst.Enable()
		}
	}

	m.wg.Add(1)
	go m.dispatchLoop(ctx)
	m.log.Info().Msg("engine started")
}

// Stop cancels the dispatcher and stops every node. Sensor workers get a
// one-second join deadline before termination (enforced inside their Stop).
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	nodes := m.snapshotNodesLocked()
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, n := range nodes {
		switch inst := n.(type) {
		case Startable:
			inst.Stop()
		case Toggleable:
			inst.Disable()
		}
	}
	m.wg.Wait()
	m.log.Info().Msg("engine stopped")
}

// Reload snapshots the running state, tears the graph down, re-reads the
// store and restarts if the engine was running. User topics are dropped
// from the hub (their subscribers reconnect); system topics survive.
func (m *Manager) Reload() {
	m.mu.Lock()
	wasRunning := m.running
	m.mu.Unlock()

	m.Stop()

	m.mu.Lock()
	ids := make([]string, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.RemoveNode(id)
	}

	m.hub.Reset()
	m.throttle.Reset()

	if err := m.LoadConfig(); err != nil {
		m.log.Error().Err(err).Msg("reload failed to read graph")
	}
	if wasRunning {
		m.Start()
	}
}

// RemoveNode dynamically removes a node from the running graph: stops the
// instance, unregisters its topic and prunes it from the downstream map as
// both source and target. Safe while frames referencing the node are in
// flight; those are dropped by the dispatcher or the router.
func (m *Manager) RemoveNode(nodeID string) {
	m.mu.Lock()
	instance, ok := m.nodes[nodeID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.nodes, nodeID)
	meta := m.meta[nodeID]
	delete(m.meta, nodeID)
	delete(m.routeErr, nodeID)

	delete(m.downstream, nodeID)
	for source, targets := range m.downstream {
		kept := targets[:0]
		for _, t := range targets {
			if t != nodeID {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(m.downstream, source)
		} else {
			m.downstream[source] = kept
		}
	}
	m.mu.Unlock()

	m.log.Info().Str("node", nodeID).Msg("removing node from running graph")
	switch inst := instance.(type) {
	case Startable:
		inst.Stop()
	case Toggleable:
		inst.Disable()
	}
	m.hub.Unregister(pointcloud.Topic(meta.Name, nodeID))
	m.throttle.Remove(nodeID)
}

// Ingest pushes a frame into the bounded ingress queue without blocking.
// Returns false when the queue is full and the frame was dropped.
func (m *Manager) Ingest(frame *Frame) bool {
	m.mu.Lock()
	ch := m.ingress
	running := m.running
	m.mu.Unlock()
	if !running {
		return false
	}
	select {
	case ch <- frame:
		return true
	default:
		m.mu.Lock()
		m.droppedFull++
		m.mu.Unlock()
		return false
	}
}

// QueueDepth returns the live ingress queue depth for the metrics probe.
func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ingress)
}

// Running reports whether the dispatcher is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// dispatchLoop is the single consumer of the ingress queue. Per source
// node, frames are handed to the owning node in arrival order.
func (m *Manager) dispatchLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-m.ingress:
			m.handleIncoming(frame)
		}
	}
}

// handleIncoming resolves the owning node of an ingress payload and invokes
// its input entry. Unknown nodes (e.g. removed mid-flight) drop the frame
// with a warning; this is the only allowed loss between ingress and the
// owning source node.
func (m *Manager) handleIncoming(frame *Frame) {
	m.mu.Lock()
	node, ok := m.nodes[frame.SourceID]
	m.mu.Unlock()
	if !ok {
		m.mu.Lock()
		m.droppedUnknown++
		m.mu.Unlock()
		m.log.Warn().Str("node", frame.SourceID).Msg("received data for unknown node")
		return
	}
	m.safeInput(node, frame)
}

// Forward is the central routing method. For a payload emitted by source S:
//  1. broadcast the packed xyz frame on S's topic when anyone is listening;
//  2. hand the full-width cloud to the recorder when a recording is armed;
//  3. deliver to each downstream node that passes the throttle gate,
//     recording per-node execution latency.
//
// Broadcast and recording are independent of downstream delivery.
func (m *Manager) Forward(sourceID string, frame *Frame) {
	m.mu.Lock()
	meta, known := m.meta[sourceID]
	targets := append([]string(nil), m.downstream[sourceID]...)
	recorder := m.recorder
	m.mu.Unlock()

	if !known {
		m.log.Warn().Str("node", sourceID).Msg("forward called for unknown node")
		return
	}

	topic := pointcloud.Topic(meta.Name, sourceID)

	if frame.Points != nil && m.hub.HasSubscribers(topic) {
		packed := pointcloud.Pack(frame.Points, frame.Timestamp)
		m.hub.Broadcast(topic, packed)
		m.collector.RecordTopicMessage(topic, len(packed))
	}

	if recorder != nil && frame.Points != nil && recorder.IsRecording(sourceID) {
		recorder.RecordPayload(sourceID, frame.Points, frame.Timestamp)
	}

	for _, targetID := range targets {
		if !m.throttle.ShouldProcess(targetID) {
			m.collector.RecordThrottled(targetID)
			continue
		}
		m.mu.Lock()
		target, ok := m.nodes[targetID]
		targetMeta := m.meta[targetID]
		m.mu.Unlock()
		if !ok {
			continue
		}

		start := time.Now()
		m.safeInput(target, frame)
		execMs := float64(time.Since(start)) / float64(time.Millisecond)

		points := 0
		if frame.Points != nil {
			points = frame.Points.Len()
		}
		m.collector.RecordNodeExec(targetID, targetMeta.Name, targetMeta.Type, execMs, points)
	}
}

// safeInput shields the routing path from operator panics: the error lands
// in the node's runtime status instead of unwinding the dispatcher.
func (m *Manager) safeInput(node Node, frame *Frame) {
	defer func() {
		if r := recover(); r != nil {
			m.mu.Lock()
			m.routeErr[node.ID()] = fmt.Sprintf("%v", r)
			m.mu.Unlock()
			m.log.Error().Str("node", node.ID()).Interface("panic", r).Msg("node input panicked")
		}
	}()
	node.OnInput(frame)
	m.mu.Lock()
	delete(m.routeErr, node.ID())
	m.mu.Unlock()
}

// snapshotNodesLocked copies the node set; callers hold m.mu.
func (m *Manager) snapshotNodesLocked() []Node {
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	return out
}

// Instances returns a snapshot of all live node instances.
func (m *Manager) Instances() []Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotNodesLocked()
}

// Node returns a live node instance by id.
func (m *Manager) Node(nodeID string) (Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeID]
	return n, ok
}

// Downstream returns the current downstream targets of a node.
func (m *Manager) Downstream(nodeID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.downstream[nodeID]...)
}

// DroppedCounts reports the transient-drop counters (queue-full at ingest,
// unknown-node at dispatch).
func (m *Manager) DroppedCounts() (full, unknown int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.droppedFull, m.droppedUnknown
}

// Throttle exposes the throttle controller for status reporting.
func (m *Manager) Throttle() *Throttle { return m.throttle }
