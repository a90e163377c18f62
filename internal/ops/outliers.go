package ops

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/huykuka/lidargraph/internal/db"
	"github.com/huykuka/lidargraph/internal/engine"
	"github.com/huykuka/lidargraph/internal/pointcloud/knn"
)

// statisticalOutlierRemoval keeps points whose mean distance to their k
// nearest neighbours stays within mu + ratio*sigma of the population.
// Clouds with N <= k pass through untouched.
type statisticalOutlierRemoval struct {
	nbNeighbors int
	stdRatio    float64
}

func newStatisticalOutlierRemoval(cfg db.NodeConfig, _ zerolog.Logger) (Operation, error) {
	return &statisticalOutlierRemoval{
		nbNeighbors: cfg.Int("nb_neighbors", 20),
		stdRatio:    cfg.Float("std_ratio", 2.0),
	}, nil
}

func (o *statisticalOutlierRemoval) Apply(frame *engine.Frame) (*engine.Frame, map[string]any, error) {
	in := frame.Points
	if in == nil || in.Len() <= o.nbNeighbors {
		n := 0
		if in != nil {
			n = in.Len()
		}
		return frame, map[string]any{"filtered_count": n}, nil
	}

	n := in.Len()
	searcher := knn.FromCloud(in)

	// Mean distance to the k nearest neighbours, excluding the point itself.
	meanDists := make([]float64, n)
	for i := 0; i < n; i++ {
		x, y, z := in.XYZ(i)
		idx, dist2 := searcher.KNearest([]float64{float64(x), float64(y), float64(z)}, o.nbNeighbors+1)
		var sum float64
		var count int
		for j, id := range idx {
			if id == i {
				continue
			}
			sum += math.Sqrt(dist2[j])
			count++
		}
		if count > 0 {
			meanDists[i] = sum / float64(count)
		}
	}

	var mu float64
	for _, d := range meanDists {
		mu += d
	}
	mu /= float64(n)
	var variance float64
	for _, d := range meanDists {
		variance += (d - mu) * (d - mu)
	}
	sigma := math.Sqrt(variance / float64(n))
	threshold := mu + o.stdRatio*sigma

	mask := make([]bool, n)
	for i, d := range meanDists {
		mask[i] = d <= threshold
	}

	out := in.SelectMask(mask)
	result := *frame
	result.Points = out
	return &result, map[string]any{"filtered_count": out.Len()}, nil
}

// radiusOutlierRemoval keeps points with at least nbPoints neighbours
// within the search radius.
type radiusOutlierRemoval struct {
	nbPoints int
	radius   float64
}

func newRadiusOutlierRemoval(cfg db.NodeConfig, _ zerolog.Logger) (Operation, error) {
	return &radiusOutlierRemoval{
		nbPoints: cfg.Int("nb_points", 16),
		radius:   cfg.Float("radius", 0.05),
	}, nil
}

func (o *radiusOutlierRemoval) Apply(frame *engine.Frame) (*engine.Frame, map[string]any, error) {
	in := frame.Points
	if in == nil || in.Len() == 0 || o.radius <= 0 {
		return frame, nil, nil
	}

	n := in.Len()
	searcher := knn.FromCloud(in)
	mask := make([]bool, n)
	for i := 0; i < n; i++ {
		x, y, z := in.XYZ(i)
		idx, _ := searcher.Radius([]float64{float64(x), float64(y), float64(z)}, o.radius)
		// The query point is one of its own neighbours.
		mask[i] = len(idx)-1 >= o.nbPoints
	}

	out := in.SelectMask(mask)
	result := *frame
	result.Points = out
	return &result, map[string]any{"filtered_count": out.Len()}, nil
}
