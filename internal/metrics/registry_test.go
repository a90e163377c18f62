package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeExecWindowBounded(t *testing.T) {
	registry := NewRegistry()
	c := NewCollector(registry)

	for i := 0; i < 200; i++ {
		c.RecordNodeExec("n1", "Node", "crop", float64(i), 100)
	}

	snap := registry.Snapshot(0, SystemMetrics{})
	require.Len(t, snap.DAG.Nodes, 1)
	n := snap.DAG.Nodes[0]
	assert.Equal(t, int64(200), n.CallsTotal)
	assert.Equal(t, float64(199), n.LastExecMs)
	// Window holds the last 60 samples: 140..199 average to 169.5.
	assert.InDelta(t, 169.5, n.AvgExecMs, 1e-9)
	assert.Equal(t, 100, n.LastPointCount)
}

func TestThrottledCounter(t *testing.T) {
	registry := NewRegistry()
	c := NewCollector(registry)
	c.RecordThrottled("n1")
	c.RecordThrottled("n1")

	snap := registry.Snapshot(0, SystemMetrics{})
	require.Len(t, snap.DAG.Nodes, 1)
	assert.Equal(t, int64(2), snap.DAG.Nodes[0].ThrottledCount)
}

func TestTopicCounters(t *testing.T) {
	registry := NewRegistry()
	c := NewCollector(registry)
	c.RecordTopicMessage("topic_a", 100)
	c.RecordTopicMessage("topic_a", 150)
	c.RecordTopicConnections("topic_a", 3)

	snap := registry.Snapshot(0, SystemMetrics{})
	topic := snap.Topics["topic_a"]
	assert.Equal(t, int64(2), topic.TotalMessages)
	assert.Equal(t, int64(250), topic.TotalBytes)
	assert.Equal(t, 3, topic.ActiveConnections)
	assert.Equal(t, float64(2), topic.MessagesPerSec)
	assert.Equal(t, 3, snap.TotalConnections)
}

func TestEndpointCounters(t *testing.T) {
	registry := NewRegistry()
	c := NewCollector(registry)
	c.RecordEndpoint("/api/v1/nodes", "GET", 2.0, 200)
	c.RecordEndpoint("/api/v1/nodes", "GET", 4.0, 200)

	snap := registry.Snapshot(0, SystemMetrics{})
	require.Len(t, snap.Endpoints, 1)
	e := snap.Endpoints[0]
	assert.Equal(t, int64(2), e.CallsTotal)
	assert.InDelta(t, 3.0, e.AvgLatencyMs, 1e-9)
	assert.Equal(t, 200, e.LastStatusCode)
}

func TestSnapshotCarriesQueueDepth(t *testing.T) {
	registry := NewRegistry()
	snap := registry.Snapshot(42, SystemMetrics{CPUPercent: 10})
	assert.Equal(t, 42, snap.System.QueueDepth)
	assert.Equal(t, 10.0, snap.System.CPUPercent)
}

func TestNopCollectorRecordsNothing(t *testing.T) {
	registry := NewRegistry()
	c := NewNopCollector()
	c.RecordNodeExec("n1", "Node", "crop", 1, 1)
	c.RecordTopicMessage("t", 10)
	assert.False(t, c.Enabled())

	snap := registry.Snapshot(0, SystemMetrics{})
	assert.Empty(t, snap.DAG.Nodes)
	assert.Empty(t, snap.Topics)
}

func TestRemoveNodeDropsSamples(t *testing.T) {
	registry := NewRegistry()
	c := NewCollector(registry)
	c.RecordNodeExec("n1", "Node", "crop", 1, 1)
	registry.RemoveNode("n1")
	snap := registry.Snapshot(0, SystemMetrics{})
	assert.Empty(t, snap.DAG.Nodes)
}
