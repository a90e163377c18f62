package ops

import (
	"math"
	"math/rand"

	"github.com/rs/zerolog"

	"github.com/huykuka/lidargraph/internal/db"
	"github.com/huykuka/lidargraph/internal/engine"
)

// planeSegmentation fits a plane with RANSAC and emits only the inliers.
// The winning plane model (a, b, c, d) is reported in the output frame's
// extra map. Clouds with N <= ransacN pass through untouched.
type planeSegmentation struct {
	distanceThreshold float64
	ransacN           int
	numIterations     int
	rng               *rand.Rand
}

func newPlaneSegmentation(cfg db.NodeConfig, _ zerolog.Logger) (Operation, error) {
	return &planeSegmentation{
		distanceThreshold: cfg.Float("distance_threshold", 0.1),
		ransacN:           cfg.Int("ransac_n", 3),
		numIterations:     cfg.Int("num_iterations", 1000),
		rng:               rand.New(rand.NewSource(1)),
	}, nil
}

func (p *planeSegmentation) Apply(frame *engine.Frame) (*engine.Frame, map[string]any, error) {
	in := frame.Points
	if in == nil || in.Len() <= p.ransacN {
		return frame, map[string]any{"inlier_count": 0}, nil
	}

	n := in.Len()
	var bestInliers []int
	var bestModel [4]float64

	for iter := 0; iter < p.numIterations; iter++ {
		i0, i1, i2 := p.rng.Intn(n), p.rng.Intn(n), p.rng.Intn(n)
		if i0 == i1 || i1 == i2 || i0 == i2 {
			continue
		}
		model, ok := planeFrom3(in.XYZ64(i0), in.XYZ64(i1), in.XYZ64(i2))
		if !ok {
			continue
		}

		var inliers []int
		for i := 0; i < n; i++ {
			x, y, z := in.XYZ(i)
			dist := math.Abs(model[0]*float64(x) + model[1]*float64(y) + model[2]*float64(z) + model[3])
			if dist <= p.distanceThreshold {
				inliers = append(inliers, i)
			}
		}
		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
			bestModel = model
		}
	}

	if len(bestInliers) == 0 {
		return frame, map[string]any{"inlier_count": 0}, nil
	}

	out := in.Select(bestInliers)
	result := *frame
	result.Points = out
	extra := make(map[string]any, len(frame.Extra)+1)
	for k, v := range frame.Extra {
		extra[k] = v
	}
	extra["plane_model"] = []float64{bestModel[0], bestModel[1], bestModel[2], bestModel[3]}
	result.Extra = extra
	return &result, map[string]any{
		"inlier_count": len(bestInliers),
		"plane_model":  extra["plane_model"],
	}, nil
}

// planeFrom3 fits the normalized plane through three points. Collinear
// samples are rejected.
func planeFrom3(p0, p1, p2 [3]float64) ([4]float64, bool) {
	ux, uy, uz := p1[0]-p0[0], p1[1]-p0[1], p1[2]-p0[2]
	vx, vy, vz := p2[0]-p0[0], p2[1]-p0[1], p2[2]-p0[2]
	nx := uy*vz - uz*vy
	ny := uz*vx - ux*vz
	nz := ux*vy - uy*vx
	norm := math.Sqrt(nx*nx + ny*ny + nz*nz)
	if norm < 1e-12 {
		return [4]float64{}, false
	}
	nx, ny, nz = nx/norm, ny/norm, nz/norm
	d := -(nx*p0[0] + ny*p0[1] + nz*p0[2])
	return [4]float64{nx, ny, nz, d}, true
}
