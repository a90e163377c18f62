package ops

import (
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/huykuka/lidargraph/internal/db"
	"github.com/huykuka/lidargraph/internal/engine"
	"github.com/huykuka/lidargraph/internal/pointcloud/knn"
)

// boundaryDetection keeps points on the edge of a surface: neighbours are
// projected into the point's tangent plane, and a point is a boundary when
// the largest angular gap between consecutive neighbour directions exceeds
// the configured threshold.
type boundaryDetection struct {
	radius         float64
	maxNN          int
	angleThreshold float64 // degrees
}

func newBoundaryDetection(cfg db.NodeConfig, _ zerolog.Logger) (Operation, error) {
	return &boundaryDetection{
		radius:         cfg.Float("radius", 0.02),
		maxNN:          cfg.Int("max_nn", 30),
		angleThreshold: cfg.Float("angle_threshold", 90.0),
	}, nil
}

func (b *boundaryDetection) Apply(frame *engine.Frame) (*engine.Frame, map[string]any, error) {
	in := frame.Points
	if in == nil || in.Len() < 3 {
		return frame, map[string]any{"boundary_count": 0}, nil
	}

	n := in.Len()
	normals := knn.EstimateNormals(in, b.radius, b.maxNN)
	searcher := knn.FromCloud(in)
	thresholdRad := b.angleThreshold * math.Pi / 180

	mask := make([]bool, n)
	for i := 0; i < n; i++ {
		p := in.XYZ64(i)
		idx, _ := searcher.Radius(p[:], b.radius)
		if len(idx) > b.maxNN {
			idx = idx[:b.maxNN]
		}
		if len(idx) < 3 {
			// Isolated points sit on the boundary by definition.
			mask[i] = true
			continue
		}

		// Build an orthonormal basis (u, v) of the tangent plane.
		nrm := normals[i]
		u := perpendicular(nrm)
		v := cross(nrm, u)

		angles := make([]float64, 0, len(idx))
		for _, j := range idx {
			if j == i {
				continue
			}
			q := in.XYZ64(j)
			dx := [3]float64{q[0] - p[0], q[1] - p[1], q[2] - p[2]}
			pu := dot(dx, u)
			pv := dot(dx, v)
			if pu == 0 && pv == 0 {
				continue
			}
			angles = append(angles, math.Atan2(pv, pu))
		}
		if len(angles) < 2 {
			mask[i] = true
			continue
		}
		sort.Float64s(angles)

		maxGap := 2*math.Pi - (angles[len(angles)-1] - angles[0])
		for k := 1; k < len(angles); k++ {
			if gap := angles[k] - angles[k-1]; gap > maxGap {
				maxGap = gap
			}
		}
		mask[i] = maxGap > thresholdRad
	}

	out := in.SelectMask(mask)
	result := *frame
	result.Points = out
	return &result, map[string]any{"boundary_count": out.Len()}, nil
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

// perpendicular returns a unit vector orthogonal to n.
func perpendicular(n [3]float64) [3]float64 {
	axis := [3]float64{1, 0, 0}
	if math.Abs(n[0]) > 0.9 {
		axis = [3]float64{0, 1, 0}
	}
	p := cross(n, axis)
	norm := math.Sqrt(dot(p, p))
	if norm == 0 {
		return [3]float64{0, 1, 0}
	}
	return [3]float64{p[0] / norm, p[1] / norm, p[2] / norm}
}
