package engine

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huykuka/lidargraph/internal/db"
	"github.com/huykuka/lidargraph/internal/pointcloud"
	"github.com/huykuka/lidargraph/internal/stream"
)

// stubNode records the frames routed to it.
type stubNode struct {
	id  string
	fwd Forwarder

	mu       sync.Mutex
	received []*Frame
	passThru bool
}

func (s *stubNode) ID() string   { return s.id }
func (s *stubNode) Name() string { return s.id }
func (s *stubNode) Type() string { return "stub" }

func (s *stubNode) OnInput(frame *Frame) {
	s.mu.Lock()
	s.received = append(s.received, frame)
	passThru := s.passThru
	s.mu.Unlock()
	if passThru {
		s.fwd.Forward(s.id, frame.WithSource(s.id))
	}
}

func (s *stubNode) Status() map[string]any {
	return map[string]any{"id": s.id, "name": s.id, "type": "stub", "running": true}
}

func (s *stubNode) frames() []*Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Frame(nil), s.received...)
}

type testGraph struct {
	store   *db.DB
	hub     *stream.Hub
	manager *Manager
	nodes   map[string]*stubNode
}

// newTestGraph persists source -> target and loads it with stub builders.
func newTestGraph(t *testing.T) *testGraph {
	t.Helper()
	store, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.UpsertNode(db.Node{
		ID: "source01", Name: "Source", Type: "stub", Category: db.CategorySensor,
		Enabled: true, Config: db.NodeConfig{},
	}))
	require.NoError(t, store.UpsertNode(db.Node{
		ID: "target01", Name: "Target", Type: "stub", Category: db.CategoryOperation,
		Enabled: true, Config: db.NodeConfig{},
	}))
	require.NoError(t, store.ReplaceEdges([]db.Edge{
		{ID: "e1", SourceNode: "source01", SourcePort: "out", TargetNode: "target01", TargetPort: "in"},
	}))

	hub := stream.NewHub(zerolog.Nop())
	manager := NewManager(zerolog.Nop(), store, hub, nil, Options{})

	g := &testGraph{store: store, hub: hub, manager: manager, nodes: map[string]*stubNode{}}
	manager.RegisterBuilder("stub", func(node db.Node, ctx *BuildContext) (Node, error) {
		n := &stubNode{id: node.ID, fwd: ctx.Forwarder, passThru: node.Category == db.CategorySensor}
		g.nodes[node.ID] = n
		return n, nil
	})
	require.NoError(t, manager.LoadConfig())
	return g
}

func TestLoadConfigRegistersTopics(t *testing.T) {
	g := newTestGraph(t)
	topics := g.hub.PublicTopics()
	assert.Contains(t, topics, "Source_source01")
	assert.Contains(t, topics, "Target_target01")
	assert.Equal(t, []string{"target01"}, g.manager.Downstream("source01"))
}

func TestForwardDeliversDownstreamInOrder(t *testing.T) {
	g := newTestGraph(t)

	for i := 0; i < 5; i++ {
		g.manager.Forward("source01", &Frame{
			SourceID:  "source01",
			Points:    pointcloud.FromRows([][]float32{{float32(i), 0, 0}}),
			Timestamp: float64(i),
		})
	}

	frames := g.nodes["target01"].frames()
	require.Len(t, frames, 5)
	for i, f := range frames {
		assert.Equal(t, float64(i), f.Timestamp, "frames must arrive in forward order")
	}
}

func TestForwardBroadcastsPackedFrames(t *testing.T) {
	g := newTestGraph(t)
	sub := stream.NewChanSubscriber(4)
	g.hub.Subscribe("Source_source01", sub)

	g.manager.Forward("source01", &Frame{
		SourceID:  "source01",
		Points:    pointcloud.FromRows([][]float32{{1, 2, 3}}),
		Timestamp: 9.5,
	})

	select {
	case msg := <-sub.C:
		points, ts, err := pointcloud.Unpack(msg)
		require.NoError(t, err)
		assert.Equal(t, 9.5, ts)
		assert.Equal(t, []float32{1, 2, 3}, points.Data)
	default:
		t.Fatal("no broadcast received")
	}
}

func TestDispatcherRoutesIngressToOwner(t *testing.T) {
	g := newTestGraph(t)
	g.manager.Start()
	defer g.manager.Stop()

	ok := g.manager.Ingest(&Frame{
		SourceID:  "source01",
		Points:    pointcloud.FromRows([][]float32{{1, 1, 1}}),
		Timestamp: 1,
	})
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		return len(g.nodes["source01"].frames()) == 1
	}, time.Second, 10*time.Millisecond)

	// The source node forwards, so the downstream target sees it too.
	assert.Eventually(t, func() bool {
		return len(g.nodes["target01"].frames()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestIngestUnknownNodeDropped(t *testing.T) {
	g := newTestGraph(t)
	g.manager.Start()
	defer g.manager.Stop()

	g.manager.Ingest(&Frame{SourceID: "ghost", Timestamp: 1})

	assert.Eventually(t, func() bool {
		_, unknown := g.manager.DroppedCounts()
		return unknown == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRemoveNodeMidFlight(t *testing.T) {
	g := newTestGraph(t)
	g.manager.Start()
	defer g.manager.Stop()

	g.manager.RemoveNode("target01")

	// Downstream is purged and the topic is gone; the source keeps working.
	assert.Empty(t, g.manager.Downstream("source01"))
	assert.NotContains(t, g.hub.PublicTopics(), "Target_target01")
	assert.Contains(t, g.hub.PublicTopics(), "Source_source01")

	assert.NotPanics(t, func() {
		g.manager.Forward("source01", &Frame{
			SourceID:  "source01",
			Points:    pointcloud.FromRows([][]float32{{1, 1, 1}}),
			Timestamp: 2,
		})
	})
	assert.Empty(t, g.nodes["target01"].frames())
}

func TestThrottledTargetSkipsDelivery(t *testing.T) {
	g := newTestGraph(t)
	g.manager.Throttle().Configure("target01", 10000)

	for i := 0; i < 3; i++ {
		g.manager.Forward("source01", &Frame{
			SourceID:  "source01",
			Points:    pointcloud.FromRows([][]float32{{1, 1, 1}}),
			Timestamp: float64(i),
		})
	}
	assert.Len(t, g.nodes["target01"].frames(), 1)
	assert.Equal(t, int64(2), g.manager.Throttle().ThrottledCount("target01"))
}

func TestStatusAllJoinsPersistedMeta(t *testing.T) {
	g := newTestGraph(t)
	statuses := g.manager.StatusAll()
	require.Len(t, statuses, 2)

	byID := map[string]map[string]any{}
	for _, s := range statuses {
		byID[s["id"].(string)] = s
	}
	assert.Equal(t, db.CategorySensor, byID["source01"]["category"])
	assert.Equal(t, "Source_source01", byID["source01"]["topic"])
	assert.Equal(t, true, byID["source01"]["enabled"])
}
