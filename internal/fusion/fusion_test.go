package fusion

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

func buildFusion(t *testing.T, sources ...string) (*Node, *collectForwarder) {
	t.Helper()
	fwd := &collectForwarder{}
	edges := make([]db.Edge, 0, len(sources))
	for i, src := range sources {
		edges = append(edges, db.Edge{
			ID: string(rune('a' + i)), SourceNode: src, TargetNode: "fusion01",
		})
	}
	ctx := &engine.BuildContext{Log: zerolog.Nop(), Forwarder: fwd, Edges: edges}
	node, err := Build(db.Node{ID: "fusion01", Name: "Fusion", Type: "fusion"}, ctx)
	require.NoError(t, err)
	return node.(*Node), fwd
}

func frameFrom(source string, ts float64, rows [][]float32) *engine.Frame {
	return &engine.Frame{
		SourceID:  source,
		Points:    pointcloud.FromRows(rows),
		Fields:    []string{"x", "y", "z"},
		Timestamp: ts,
	}
}

func TestFusionWaitsForAllSources(t *testing.T) {
	node, fwd := buildFusion(t, "a", "b")

	node.OnInput(frameFrom("a", 1.0, [][]float32{{1, 0, 0}}))
	assert.Empty(t, fwd.frames, "no output until every source contributed")

	node.OnInput(frameFrom("b", 2.0, [][]float32{{2, 0, 0}}))
	require.Len(t, fwd.frames, 1)

	fused := fwd.frames[0]
	assert.Equal(t, "fusion01", fused.SourceID)
	assert.Equal(t, 2.0, fused.Timestamp, "fused timestamp is the triggering frame's")
	require.Equal(t, 2, fused.Points.Len())
	// Sources concatenate in deterministic (sorted) order: a then b.
	x0, _, _ := fused.Points.XYZ(0)
	x1, _, _ := fused.Points.XYZ(1)
	assert.Equal(t, float32(1), x0)
	assert.Equal(t, float32(2), x1)

	// A fresh frame from a replaces only a's buffered contribution.
	node.OnInput(frameFrom("a", 3.0, [][]float32{{7, 0, 0}}))
	require.Len(t, fwd.frames, 2)
	second := fwd.frames[1]
	x0, _, _ = second.Points.XYZ(0)
	x1, _, _ = second.Points.XYZ(1)
	assert.Equal(t, float32(7), x0)
	assert.Equal(t, float32(2), x1)
}

func TestFusionNarrowsOnColumnMismatch(t *testing.T) {
	node, fwd := buildFusion(t, "a", "b")

	wide := &engine.Frame{
		SourceID:  "a",
		Points:    pointcloud.FromRows([][]float32{{1, 2, 3, 99}}),
		Fields:    []string{"x", "y", "z", "intensity"},
		Timestamp: 1,
	}
	node.OnInput(wide)
	node.OnInput(frameFrom("b", 2, [][]float32{{4, 5, 6}}))

	require.Len(t, fwd.frames, 1)
	fused := fwd.frames[0]
	assert.Equal(t, 3, fused.Points.Cols, "mismatched widths narrow to xyz")
	assert.Equal(t, []string{"x", "y", "z"}, fused.Fields)
	assert.Equal(t, 2, fused.Points.Len())
}

func TestFusionIgnoresUndeclaredSources(t *testing.T) {
	node, fwd := buildFusion(t, "a", "b")
	node.OnInput(frameFrom("stranger", 1, [][]float32{{1, 1, 1}}))
	node.OnInput(frameFrom("a", 2, [][]float32{{1, 0, 0}}))
	node.OnInput(frameFrom("b", 3, [][]float32{{2, 0, 0}}))
	require.Len(t, fwd.frames, 1)
	assert.Equal(t, 2, fwd.frames[0].Points.Len())
}

func TestFusionSkipsEmptyFrames(t *testing.T) {
	node, fwd := buildFusion(t, "a", "b")
	node.OnInput(&engine.Frame{SourceID: "a", Points: pointcloud.NewCloud(3, 0), Timestamp: 1})
	node.OnInput(frameFrom("b", 2, [][]float32{{1, 0, 0}}))
	assert.Empty(t, fwd.frames, "empty frames never count as a contribution")
}
