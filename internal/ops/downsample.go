package ops

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/huykuka/lidargraph/internal/db"
	"github.com/huykuka/lidargraph/internal/engine"
	"github.com/huykuka/lidargraph/internal/pointcloud"
)

// voxelDownsample quantises positions to a cubic grid and keeps, per
// non-empty voxel, the point closest to the voxel centroid. Keeping a real
// input point (rather than synthesising the centroid) preserves the
// non-positional channels. A non-positive voxel size is a pass-through.
type voxelDownsample struct {
	voxelSize float64
}

func newVoxelDownsample(cfg db.NodeConfig, _ zerolog.Logger) (Operation, error) {
	return &voxelDownsample{voxelSize: cfg.Float("voxel_size", 0.05)}, nil
}

func (v *voxelDownsample) Apply(frame *engine.Frame) (*engine.Frame, map[string]any, error) {
	in := frame.Points
	if in == nil || v.voxelSize <= 0 || in.Len() == 0 {
		return frame, map[string]any{"downsampled_count": in.Len()}, nil
	}

	invLeaf := 1 / v.voxelSize

	type voxelAccum struct {
		sumX, sumY, sumZ float64
		count            int
		bestIdx          int
		bestDist2        float64
	}

	n := in.Len()
	voxels := make(map[[3]int64]*voxelAccum, n/4)
	key := func(i int) [3]int64 {
		x, y, z := in.XYZ(i)
		return [3]int64{
			int64(math.Floor(float64(x) * invLeaf)),
			int64(math.Floor(float64(y) * invLeaf)),
			int64(math.Floor(float64(z) * invLeaf)),
		}
	}

	for i := 0; i < n; i++ {
		x, y, z := in.XYZ(i)
		acc, ok := voxels[key(i)]
		if !ok {
			acc = &voxelAccum{bestIdx: i, bestDist2: math.MaxFloat64}
			voxels[key(i)] = acc
		}
		acc.sumX += float64(x)
		acc.sumY += float64(y)
		acc.sumZ += float64(z)
		acc.count++
	}

	for i := 0; i < n; i++ {
		acc := voxels[key(i)]
		cx := acc.sumX / float64(acc.count)
		cy := acc.sumY / float64(acc.count)
		cz := acc.sumZ / float64(acc.count)
		x, y, z := in.XYZ(i)
		dx, dy, dz := float64(x)-cx, float64(y)-cy, float64(z)-cz
		d2 := dx*dx + dy*dy + dz*dz
		if d2 < acc.bestDist2 {
			acc.bestDist2 = d2
			acc.bestIdx = i
		}
	}

	keep := make([]bool, n)
	for _, acc := range voxels {
		keep[acc.bestIdx] = true
	}

	out := in.SelectMask(keep)
	result := *frame
	result.Points = out
	return &result, map[string]any{"downsampled_count": out.Len()}, nil
}

// uniformDownsample keeps every k-th input point in stable order.
type uniformDownsample struct {
	every int
}

func newUniformDownsample(cfg db.NodeConfig, _ zerolog.Logger) (Operation, error) {
	return &uniformDownsample{every: cfg.Int("every_k_points", 2)}, nil
}

func (u *uniformDownsample) Apply(frame *engine.Frame) (*engine.Frame, map[string]any, error) {
	in := frame.Points
	if in == nil || u.every <= 1 {
		return frame, nil, nil
	}

	out := pointcloud.NewCloud(in.Cols, in.Len()/u.every+1)
	for i := 0; i < in.Len(); i += u.every {
		out.Data = append(out.Data, in.Row(i)...)
	}

	result := *frame
	result.Points = out
	return &result, map[string]any{"downsampled_count": out.Len()}, nil
}
