package calibration

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huykuka/lidargraph/internal/db"
	"github.com/huykuka/lidargraph/internal/engine"
	"github.com/huykuka/lidargraph/internal/pointcloud"
)

type collectForwarder struct {
	frames []*engine.Frame
}

func (c *collectForwarder) Forward(_ string, frame *engine.Frame) {
	c.frames = append(c.frames, frame)
}

func testCloud(seed int64) *pointcloud.Cloud {
	rng := rand.New(rand.NewSource(seed))
	c := pointcloud.NewCloud(3, 400)
	for i := 0; i < 400; i++ {
		face := i % 2
		u := rng.Float64()*2 - 1
		v := rng.Float64()*2 - 1
		if face == 0 {
			c.AppendRow(float32(u), float32(v), 0)
		} else {
			c.AppendRow(float32(u), 1, float32(v)*0.5)
		}
	}
	return c
}

func rotated(c *pointcloud.Cloud, yaw float64) *pointcloud.Cloud {
	out := c.Clone()
	pointcloud.ApplyTransform(out, pointcloud.Pose{Yaw: yaw}.Matrix())
	return out
}

type fixture struct {
	store    *db.DB
	node     *Node
	fwd      *collectForwarder
	reloaded int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// Two sensors: the reference at identity, the source with a 5-degree
	// yaw pose persisted.
	require.NoError(t, store.UpsertNode(db.Node{
		ID: "ref00001", Name: "Ref", Type: "lidar", Category: db.CategorySensor,
		Enabled: true, Config: db.NodeConfig{},
	}))
	require.NoError(t, store.UpsertNode(db.Node{
		ID: "src00001", Name: "Src", Type: "lidar", Category: db.CategorySensor,
		Enabled: true, Config: db.NodeConfig{"yaw": 5.0},
	}))

	f := &fixture{store: store, fwd: &collectForwarder{}}
	ctx := &engine.BuildContext{
		Log:       zerolog.Nop(),
		Forwarder: f.fwd,
		Store:     store,
		RequestReload: func() {
			f.reloaded++
		},
	}
	node, err := Build(db.Node{
		ID: "cal00001", Name: "Calibration", Type: "calibration",
		Config: db.NodeConfig{
			"icp_method":                 "point_to_point",
			"icp_threshold":              0.5,
			"enable_global_registration": false,
		},
	}, ctx)
	require.NoError(t, err)
	f.node = node.(*Node)
	return f
}

func (f *fixture) feed(t *testing.T) {
	t.Helper()
	ref := testCloud(1)
	// The source sensor observes the same scene rotated by -5 degrees;
	// its persisted +5 degree pose compensates exactly.
	src := rotated(ref, -5)

	f.node.OnInput(&engine.Frame{SourceID: "ref00001", Points: ref, Timestamp: 1})
	f.node.OnInput(&engine.Frame{SourceID: "src00001", Points: src, Timestamp: 2})
}

func TestPassthroughAndReferenceElection(t *testing.T) {
	f := newFixture(t)
	f.feed(t)

	// Passthrough: both inputs forwarded attributed to the node.
	require.Len(t, f.fwd.frames, 2)
	assert.Equal(t, "cal00001", f.fwd.frames[0].SourceID)

	status := f.node.Status()
	assert.Equal(t, "ref00001", status["reference_sensor"])
	assert.Equal(t, []string{"src00001"}, status["source_sensors"])
}

func TestTriggerAcceptRollback(t *testing.T) {
	f := newFixture(t)
	f.feed(t)

	results, err := f.node.Trigger(TriggerParams{})
	require.NoError(t, err)
	require.Contains(t, results, "src00001")

	result := results["src00001"]
	assert.Greater(t, result.Fitness, 0.9)
	assert.LessOrEqual(t, result.RMSE, 0.02)
	assert.Equal(t, "excellent", result.Quality)
	assert.Equal(t, []string{"icp"}, result.StagesUsed)
	assert.InDelta(t, 5.0, result.PoseBefore["yaw"], 1e-9)
	// The persisted pose was already right, so the new pose stays close.
	assert.InDelta(t, 5.0, result.PoseAfter["yaw"], 1.0)

	// Nothing persisted until accept.
	history, err := f.node.History("src00001", 10)
	require.NoError(t, err)
	assert.Empty(t, history)

	accepted, err := f.node.Accept(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"src00001"}, accepted)
	assert.Equal(t, 1, f.reloaded, "accept reloads the graph")

	history, err = f.node.History("src00001", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Accepted)
	assert.Equal(t, "ref00001", history[0].ReferenceSensorID)

	// Sensor pose config updated.
	sensorRow, err := f.store.GetNode("src00001")
	require.NoError(t, err)
	assert.InDelta(t, result.PoseAfter["yaw"], sensorRow.Config.Float("yaw", 0), 1e-9)

	// Rollback restores the recorded pose and reloads again.
	require.NoError(t, f.node.Rollback("src00001", history[0].Timestamp))
	assert.Equal(t, 2, f.reloaded)

	// Second accept with nothing pending fails.
	_, err = f.node.Accept(nil)
	assert.ErrorIs(t, err, ErrNoPending)
}

func TestRejectDiscardsPending(t *testing.T) {
	f := newFixture(t)
	f.feed(t)

	_, err := f.node.Trigger(TriggerParams{})
	require.NoError(t, err)
	f.node.Reject()

	_, err = f.node.Accept(nil)
	assert.ErrorIs(t, err, ErrNoPending)

	history, err := f.node.History("src00001", 10)
	require.NoError(t, err)
	assert.Empty(t, history, "reject persists nothing")
}

func TestTriggerWithoutBufferedReference(t *testing.T) {
	f := newFixture(t)
	_, err := f.node.Trigger(TriggerParams{})
	assert.Error(t, err)
}

func TestRollbackUnknownTimestamp(t *testing.T) {
	f := newFixture(t)
	err := f.node.Rollback("src00001", "2020-01-01T00:00:00Z")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestStatistics(t *testing.T) {
	f := newFixture(t)
	f.feed(t)

	_, err := f.node.Trigger(TriggerParams{})
	require.NoError(t, err)
	_, err = f.node.Accept(nil)
	require.NoError(t, err)

	stats, err := f.node.Statistics("src00001")
	require.NoError(t, err)
	assert.Equal(t, 1, stats["total"])
	assert.Equal(t, 1, stats["accepted"])
	quality := stats["quality_counts"].(map[string]int)
	assert.Equal(t, 1, quality["excellent"])
}
