// Package metrics provides rolling-window performance counters for graph
// nodes, stream topics and API endpoints, plus an OS-level system probe.
// Collection is opt-in: a disabled collector turns every record call into a
// no-op.
package metrics

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
	"gonum.org/v1/gonum/stat"
)

// execWindowSize bounds the per-node execution-time window.
const execWindowSize = 60

// slidingWindow is the horizon for message/throughput rates.
const slidingWindow = time.Second

type execSample struct {
	at     time.Time
	execMs float64
	points int
}

type nodeSample struct {
	nodeID    string
	nodeName  string
	nodeType  string
	lastExec  float64
	window    deque.Deque[execSample]
	calls     int64
	lastCount int
	throttled int64
	lastSeen  time.Time
}

type msgSample struct {
	at    time.Time
	bytes int
}

type topicSample struct {
	window      deque.Deque[msgSample]
	totalMsgs   int64
	totalBytes  int64
	connections int
}

type endpointSample struct {
	path    string
	method  string
	window  deque.Deque[float64]
	calls   int64
	lastSts int
}

// Registry stores rolling-window samples. All access goes through the
// collector facade; deques are append-under-lock.
type Registry struct {
	mu        sync.Mutex
	nodes     map[string]*nodeSample
	topics    map[string]*topicSample
	endpoints map[string]*endpointSample
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		nodes:     make(map[string]*nodeSample),
		topics:    make(map[string]*topicSample),
		endpoints: make(map[string]*endpointSample),
	}
}

func (r *Registry) recordNodeExec(nodeID, nodeName, nodeType string, execMs float64, points int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.nodes[nodeID]
	if !ok {
		s = &nodeSample{nodeID: nodeID, nodeName: nodeName, nodeType: nodeType}
		r.nodes[nodeID] = s
	}
	s.lastExec = execMs
	s.window.PushBack(execSample{at: time.Now(), execMs: execMs, points: points})
	for s.window.Len() > execWindowSize {
		s.window.PopFront()
	}
	s.calls++
	s.lastCount = points
	s.lastSeen = time.Now()
}

func (r *Registry) recordThrottled(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.nodes[nodeID]
	if !ok {
		s = &nodeSample{nodeID: nodeID, nodeName: nodeID}
		r.nodes[nodeID] = s
	}
	s.throttled++
}

func (r *Registry) recordTopicMessage(topic string, byteSize int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.topics[topic]
	if !ok {
		s = &topicSample{}
		r.topics[topic] = s
	}
	now := time.Now()
	s.window.PushBack(msgSample{at: now, bytes: byteSize})
	pruneMsgWindow(&s.window, now)
	s.totalMsgs++
	s.totalBytes += int64(byteSize)
}

func (r *Registry) recordTopicConnections(topic string, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.topics[topic]
	if !ok {
		s = &topicSample{}
		r.topics[topic] = s
	}
	s.connections = count
}

func (r *Registry) recordEndpoint(path, method string, latencyMs float64, status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := method + ":" + path
	s, ok := r.endpoints[key]
	if !ok {
		s = &endpointSample{path: path, method: method}
		r.endpoints[key] = s
	}
	s.window.PushBack(latencyMs)
	for s.window.Len() > execWindowSize {
		s.window.PopFront()
	}
	s.calls++
	s.lastSts = status
}

func pruneMsgWindow(d *deque.Deque[msgSample], now time.Time) {
	for d.Len() > 0 {
		front := d.Front()
		if now.Sub(front.at) <= slidingWindow {
			break
		}
		d.PopFront()
	}
}

// RemoveNode drops a node's samples, called when a node is removed from the
// running graph.
func (r *Registry) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, nodeID)
}

// Snapshot materialises the current state of every counter. queueDepth is
// the live ingress queue depth supplied by the engine.
func (r *Registry) Snapshot(queueDepth int, system SystemMetrics) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		Timestamp: float64(now.UnixNano()) / 1e9,
		System:    system,
	}
	snap.System.QueueDepth = queueDepth

	for _, s := range r.nodes {
		execs := make([]float64, 0, s.window.Len())
		points := 0
		for i := 0; i < s.window.Len(); i++ {
			e := s.window.At(i)
			execs = append(execs, e.execMs)
			if now.Sub(e.at) <= slidingWindow {
				points += e.points
			}
		}
		var avg float64
		if len(execs) > 0 {
			avg = stat.Mean(execs, nil)
		}
		snap.DAG.Nodes = append(snap.DAG.Nodes, NodeMetrics{
			NodeID:         s.nodeID,
			NodeName:       s.nodeName,
			NodeType:       s.nodeType,
			LastExecMs:     s.lastExec,
			AvgExecMs:      avg,
			CallsTotal:     s.calls,
			ThroughputPps:  float64(points),
			LastPointCount: s.lastCount,
			ThrottledCount: s.throttled,
			LastSeen:       float64(s.lastSeen.UnixNano()) / 1e9,
		})
	}
	snap.DAG.TotalNodes = len(snap.DAG.Nodes)

	snap.Topics = make(map[string]TopicMetrics, len(r.topics))
	for topic, s := range r.topics {
		pruneMsgWindow(&s.window, now)
		var msgs int
		var bytes int64
		for i := 0; i < s.window.Len(); i++ {
			m := s.window.At(i)
			msgs++
			bytes += int64(m.bytes)
		}
		snap.Topics[topic] = TopicMetrics{
			MessagesPerSec:    float64(msgs),
			BytesPerSec:       float64(bytes),
			ActiveConnections: s.connections,
			TotalMessages:     s.totalMsgs,
			TotalBytes:        s.totalBytes,
		}
		snap.TotalConnections += s.connections
	}

	for _, s := range r.endpoints {
		lats := make([]float64, 0, s.window.Len())
		for i := 0; i < s.window.Len(); i++ {
			lats = append(lats, s.window.At(i))
		}
		var avg float64
		if len(lats) > 0 {
			avg = stat.Mean(lats, nil)
		}
		snap.Endpoints = append(snap.Endpoints, EndpointMetrics{
			Path:           s.path,
			Method:         s.method,
			AvgLatencyMs:   avg,
			CallsTotal:     s.calls,
			LastStatusCode: s.lastSts,
		})
	}

	return snap
}

// NodeMetrics is the per-node slice of a snapshot.
type NodeMetrics struct {
	NodeID         string  `json:"node_id"`
	NodeName       string  `json:"node_name"`
	NodeType       string  `json:"node_type"`
	LastExecMs     float64 `json:"last_exec_ms"`
	AvgExecMs      float64 `json:"avg_exec_ms"`
	CallsTotal     int64   `json:"calls_total"`
	ThroughputPps  float64 `json:"throughput_pps"`
	LastPointCount int     `json:"last_point_count"`
	ThrottledCount int64   `json:"throttled_count"`
	LastSeen       float64 `json:"last_seen_ts"`
}

// TopicMetrics is the per-topic slice of a snapshot.
type TopicMetrics struct {
	MessagesPerSec    float64 `json:"messages_per_sec"`
	BytesPerSec       float64 `json:"bytes_per_sec"`
	ActiveConnections int     `json:"active_connections"`
	TotalMessages     int64   `json:"total_messages"`
	TotalBytes        int64   `json:"total_bytes"`
}

// EndpointMetrics is the per-endpoint slice of a snapshot.
type EndpointMetrics struct {
	Path           string  `json:"path"`
	Method         string  `json:"method"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	CallsTotal     int64   `json:"calls_total"`
	LastStatusCode int     `json:"last_status_code"`
}

// SystemMetrics carries OS-level readings from the system probe.
type SystemMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	ThreadCount   int     `json:"thread_count"`
	QueueDepth    int     `json:"queue_depth"`
}

// DAGMetrics wraps the node metric list.
type DAGMetrics struct {
	Nodes      []NodeMetrics `json:"nodes"`
	TotalNodes int           `json:"total_nodes"`
}

// Snapshot is the root envelope broadcast on the system_metrics topic.
type Snapshot struct {
	Timestamp        float64                 `json:"timestamp"`
	DAG              DAGMetrics              `json:"dag"`
	Topics           map[string]TopicMetrics `json:"topics"`
	TotalConnections int                     `json:"total_connections"`
	System           SystemMetrics           `json:"system"`
	Endpoints        []EndpointMetrics       `json:"endpoints"`
}
