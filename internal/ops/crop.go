package ops

import (
	"github.com/rs/zerolog"

	"github.com/huykuka/lidargraph/internal/db"
	"github.com/huykuka/lidargraph/internal/engine"
	"github.com/huykuka/lidargraph/internal/pointcloud"
)

// crop keeps points inside an axis-aligned bounding box. A degenerate box
// (min > max on any axis) produces an empty output.
type crop struct {
	min [3]float64
	max [3]float64
}

func newCrop(cfg db.NodeConfig, _ zerolog.Logger) (Operation, error) {
	minBound := cfg.Floats("min_bound", []float64{-10, -10, -2})
	maxBound := cfg.Floats("max_bound", []float64{10, 10, 2})
	c := &crop{}
	for i := 0; i < 3 && i < len(minBound); i++ {
		c.min[i] = minBound[i]
	}
	for i := 0; i < 3 && i < len(maxBound); i++ {
		c.max[i] = maxBound[i]
	}
	return c, nil
}

func (c *crop) Apply(frame *engine.Frame) (*engine.Frame, map[string]any, error) {
	in := frame.Points
	if in == nil {
		return frame, nil, nil
	}

	out := pointcloud.NewCloud(in.Cols, in.Len())
	n := in.Len()
	for i := 0; i < n; i++ {
		x, y, z := in.XYZ(i)
		if float64(x) < c.min[0] || float64(x) > c.max[0] ||
			float64(y) < c.min[1] || float64(y) > c.max[1] ||
			float64(z) < c.min[2] || float64(z) > c.max[2] {
			continue
		}
		out.Data = append(out.Data, in.Row(i)...)
	}

	result := *frame
	result.Points = out
	return &result, map[string]any{"cropped_count": out.Len()}, nil
}
