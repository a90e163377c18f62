package sensor

import (
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

func buildSensor(t *testing.T, cfg db.NodeConfig) (*Node, *collectForwarder) {
	t.Helper()
	fwd := &collectForwarder{}
	ctx := &engine.BuildContext{
		Log:       zerolog.Nop(),
		Forwarder: fwd,
		Ingest:    func(*engine.Frame) bool { return true },
	}
	node, err := Build(db.Node{
		ID: "sensor01", Name: "Front", Type: "lidar", Category: db.CategorySensor,
		Config: cfg,
	}, ctx)
	require.NoError(t, err)
	return node.(*Node), fwd
}

func TestBuildRejectsUnknownMode(t *testing.T) {
	_, err := Build(db.Node{ID: "s", Config: db.NodeConfig{"mode": "telepathy"}}, &engine.BuildContext{Log: zerolog.Nop()})
	assert.Error(t, err)
}

func TestOnInputAppliesPose(t *testing.T) {
	node, fwd := buildSensor(t, db.NodeConfig{"mode": "replay", "yaw": 90.0, "x": 10.0})

	node.OnInput(&engine.Frame{
		SourceID:  "sensor01",
		Points:    pointcloud.FromRows([][]float32{{1, 0, 0, 42}}),
		Fields:    []string{"x", "y", "z", "intensity"},
		Timestamp: 5,
	})

	require.Len(t, fwd.frames, 1)
	out := fwd.frames[0]
	assert.Equal(t, "sensor01", out.SourceID)
	x, y, z := out.Points.XYZ(0)
	assert.InDelta(t, 10, float64(x), 1e-5)
	assert.InDelta(t, 1, float64(y), 1e-5)
	assert.InDelta(t, 0, float64(z), 1e-5)
	// Non-positional columns pass through unchanged.
	assert.Equal(t, float32(42), out.Points.Row(0)[3])
	assert.Equal(t, 5.0, out.Timestamp)
}

func TestSetPoseTakesEffect(t *testing.T) {
	node, fwd := buildSensor(t, db.NodeConfig{"mode": "replay"})
	node.SetPose(pointcloud.Pose{Z: 2})

	node.OnInput(&engine.Frame{
		SourceID: "sensor01",
		Points:   pointcloud.FromRows([][]float32{{0, 0, 0}}),
	})
	_, _, z := fwd.frames[0].Points.XYZ(0)
	assert.InDelta(t, 2, float64(z), 1e-6)

	got := node.Pose()
	assert.Equal(t, 2.0, got.Z)
}

func TestStatusReflectsState(t *testing.T) {
	node, _ := buildSensor(t, db.NodeConfig{"mode": "replay", "source": "scan.pcd"})

	status := node.Status()
	assert.Equal(t, "sensor01", status["id"])
	assert.Equal(t, "lidar", status["type"])
	assert.Equal(t, "replay", status["mode"])
	assert.Equal(t, false, status["running"], "no worker spawned yet")

	node.OnInput(&engine.Frame{
		SourceID: "sensor01",
		Points:   pointcloud.FromRows([][]float32{{1, 1, 1}}),
	})
	status = node.Status()
	assert.Contains(t, status, "frame_age_seconds")
	assert.Equal(t, int64(1), status["frames_total"])
}

func TestStopWithoutStartIsNoOp(t *testing.T) {
	node, _ := buildSensor(t, db.NodeConfig{"mode": "replay"})
	assert.NotPanics(t, node.Stop)
}
