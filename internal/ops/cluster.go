package ops

import (
	"github.com/rs/zerolog"

	"github.com/huykuka/lidargraph/internal/db"
	"github.com/huykuka/lidargraph/internal/engine"
	"github.com/huykuka/lidargraph/internal/pointcloud"
	"github.com/huykuka/lidargraph/internal/pointcloud/knn"
)

// clustering runs DBSCAN over the positions and emits only the clustered
// points, dropping noise (label -1). The cluster count is reported in the
// node status.
type clustering struct {
	eps       float64
	minPoints int
}

func newClustering(cfg db.NodeConfig, _ zerolog.Logger) (Operation, error) {
	return &clustering{
		eps:       cfg.Float("eps", 0.2),
		minPoints: cfg.Int("min_points", 10),
	}, nil
}

func (c *clustering) Apply(frame *engine.Frame) (*engine.Frame, map[string]any, error) {
	in := frame.Points
	if in == nil || in.Len() == 0 {
		return frame, map[string]any{"cluster_count": 0}, nil
	}

	labels, clusterCount := dbscan(in, c.eps, c.minPoints)

	mask := make([]bool, in.Len())
	for i, l := range labels {
		mask[i] = l > 0
	}
	out := in.SelectMask(mask)

	result := *frame
	result.Points = out
	return &result, map[string]any{"cluster_count": clusterCount}, nil
}

// dbscan labels every point: 0 unvisited (never survives), -1 noise,
// >0 cluster id. Returns the labels and the number of clusters found.
// Queue-based expansion over kd-tree region queries.
func dbscan(c *pointcloud.Cloud, eps float64, minPts int) (labels []int, clusters int) {
	n := c.Len()
	labels = make([]int, n)

	vecs := make([][]float64, n)
	for i := 0; i < n; i++ {
		p := c.XYZ64(i)
		vecs[i] = p[:]
	}
	searcher := knn.NewSearcher(vecs)
	region := func(i int) []int {
		idx, _ := searcher.Radius(vecs[i], eps)
		return idx
	}

	clusterID := 0
	for i := 0; i < n; i++ {
		if labels[i] != 0 {
			continue
		}
		neighbors := region(i)
		if len(neighbors) < minPts {
			labels[i] = -1
			continue
		}

		clusterID++
		labels[i] = clusterID
		for j := 0; j < len(neighbors); j++ {
			idx := neighbors[j]
			if labels[idx] == -1 {
				labels[idx] = clusterID // noise becomes a border point
			}
			if labels[idx] != 0 {
				continue
			}
			labels[idx] = clusterID
			newNeighbors := region(idx)
			if len(newNeighbors) >= minPts {
				neighbors = append(neighbors, newNeighbors...)
			}
		}
	}

	return labels, clusterID
}
