package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	store, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNodeCRUD(t *testing.T) {
	store := newTestDB(t)

	node := Node{
		ID: "n1", Name: "Front Lidar", Type: "lidar", Category: CategorySensor,
		Enabled: true, Config: NodeConfig{"mode": "replay", "x": 1.5}, X: 10, Y: 20,
	}
	require.NoError(t, store.UpsertNode(node))

	got, err := store.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, "Front Lidar", got.Name)
	assert.Equal(t, "replay", got.Config.String("mode", ""))
	assert.Equal(t, 1.5, got.Config.Float("x", 0))

	// Upsert replaces.
	node.Name = "Renamed"
	require.NoError(t, store.UpsertNode(node))
	got, err = store.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)

	require.NoError(t, store.SetNodeEnabled("n1", false))
	got, _ = store.GetNode("n1")
	assert.False(t, got.Enabled)

	_, err = store.GetNode("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.SetNodeEnabled("ghost", true), ErrNotFound)
}

func TestUpdateNodeConfigMerges(t *testing.T) {
	store := newTestDB(t)
	require.NoError(t, store.UpsertNode(Node{
		ID: "n1", Name: "N", Type: "lidar", Category: CategorySensor,
		Enabled: true, Config: NodeConfig{"x": 1.0, "mode": "replay"},
	}))

	require.NoError(t, store.UpdateNodeConfig("n1", map[string]any{"x": 2.0, "yaw": 5.0}))
	got, err := store.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.Config.Float("x", 0))
	assert.Equal(t, 5.0, got.Config.Float("yaw", 0))
	assert.Equal(t, "replay", got.Config.String("mode", ""), "unrelated keys survive")
}

func TestDeleteNodePurgesEdges(t *testing.T) {
	store := newTestDB(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.UpsertNode(Node{ID: id, Name: id, Type: "stub", Category: CategoryOperation, Enabled: true, Config: NodeConfig{}}))
	}
	require.NoError(t, store.ReplaceEdges([]Edge{
		{ID: "e1", SourceNode: "a", SourcePort: "out", TargetNode: "b", TargetPort: "in"},
		{ID: "e2", SourceNode: "b", SourcePort: "out", TargetNode: "c", TargetPort: "in"},
	}))

	require.NoError(t, store.DeleteNode("b"))

	edges, err := store.ListEdges()
	require.NoError(t, err)
	assert.Empty(t, edges, "all edges incident to the node are purged")
}

func TestReplaceEdgesWholesale(t *testing.T) {
	store := newTestDB(t)
	require.NoError(t, store.ReplaceEdges([]Edge{
		{ID: "e1", SourceNode: "a", SourcePort: "out", TargetNode: "b", TargetPort: "in"},
	}))
	require.NoError(t, store.ReplaceEdges([]Edge{
		{ID: "e2", SourceNode: "x", SourcePort: "out", TargetNode: "y", TargetPort: "in"},
	}))

	edges, err := store.ListEdges()
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "e2", edges[0].ID)
}

func TestRecordingRoundTrip(t *testing.T) {
	store := newTestDB(t)
	rec := Recording{
		ID: "r1", Name: "capture", NodeID: "n1", FilePath: "/tmp/capture.lidr",
		FileSizeBytes: 1024, FrameCount: 42, DurationSeconds: 4.2,
		RecordingTimestamp: "2026-08-01T00:00:00Z",
		Metadata:           map[string]any{"note": "bench"},
	}
	require.NoError(t, store.InsertRecording(rec))

	got, err := store.GetRecording("r1")
	require.NoError(t, err)
	assert.Equal(t, 42, got.FrameCount)
	assert.Equal(t, "bench", got.Metadata["note"])
	assert.Empty(t, got.SensorID)

	list, err := store.ListRecordings("n1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = store.ListRecordings("other")
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, store.DeleteRecording("r1"))
	_, err = store.GetRecording("r1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCalibrationHistoryNewestFirst(t *testing.T) {
	store := newTestDB(t)
	for i, ts := range []string{"2026-01-01T00:00:00Z", "2026-02-01T00:00:00Z", "2026-03-01T00:00:00Z"} {
		require.NoError(t, store.InsertCalibration(CalibrationRow{
			ID: string(rune('a' + i)), SensorID: "s1", ReferenceSensorID: "ref",
			Timestamp: ts, Fitness: 0.9, RMSE: 0.01, Quality: "excellent",
			StagesUsed: []string{"icp"},
			PoseBefore: map[string]float64{"x": 0}, PoseAfter: map[string]float64{"x": 1},
			TransformationMatrix: [][]float64{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}},
			Accepted:             true,
		}))
	}

	rows, err := store.ListCalibrations("s1", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2026-03-01T00:00:00Z", rows[0].Timestamp)
	assert.Equal(t, []string{"icp"}, rows[0].StagesUsed)
	assert.Len(t, rows[0].TransformationMatrix, 4)

	row, err := store.GetCalibrationByTimestamp("s1", "2026-02-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 1.0, row.PoseAfter["x"])

	_, err = store.GetCalibrationByTimestamp("s1", "2000-01-01T00:00:00Z")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNodeConfigAccessors(t *testing.T) {
	cfg := NodeConfig{
		"f": 1.5, "i": float64(3), "s": "text", "b": true,
		"numstr": "2.5",
		"vec":    []any{1.0, 2.0, 3.0},
	}
	assert.Equal(t, 1.5, cfg.Float("f", 0))
	assert.Equal(t, 2.5, cfg.Float("numstr", 0))
	assert.Equal(t, 9.0, cfg.Float("missing", 9))
	assert.Equal(t, 3, cfg.Int("i", 0))
	assert.Equal(t, "text", cfg.String("s", ""))
	assert.True(t, cfg.Bool("b", false))
	assert.Equal(t, []float64{1, 2, 3}, cfg.Floats("vec", nil))
	assert.Nil(t, cfg.Floats("missing", nil))
}
