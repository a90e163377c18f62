package registration

import (
	"math"

	"github.com/huykuka/lidargraph/internal/pointcloud"
	"github.com/huykuka/lidargraph/internal/pointcloud/knn"
)

// FPFH descriptor layout: three Darboux-frame angular features, 11 bins
// each, concatenated to 33 dimensions.
const (
	fpfhBins = 11
	fpfhDims = 3 * fpfhBins
)

// computeFPFH computes Fast Point Feature Histograms for every point:
// first the simplified histograms (SPFH), then the distance-weighted
// neighbour blend.
func computeFPFH(c *pointcloud.Cloud, normals [][3]float64, radius float64) [][]float64 {
	n := c.Len()
	features := make([][]float64, n)
	if n == 0 {
		return features
	}

	searcher := knn.FromCloud(c)

	spfh := make([][]float64, n)
	neighborIdx := make([][]int, n)
	neighborDist := make([][]float64, n)

	for i := 0; i < n; i++ {
		p := c.XYZ64(i)
		idx, dist2 := searcher.Radius(p[:], radius)
		hist := make([]float64, fpfhDims)
		var count int
		var keptIdx []int
		var keptDist []float64
		for j, nb := range idx {
			if nb == i {
				continue
			}
			keptIdx = append(keptIdx, nb)
			keptDist = append(keptDist, math.Sqrt(dist2[j]))
			q := c.XYZ64(nb)
			alpha, phi, theta, ok := darboux(p, normals[i], q, normals[nb])
			if !ok {
				continue
			}
			hist[bin(alpha, -1, 1)]++
			hist[fpfhBins+bin(phi, -1, 1)]++
			hist[2*fpfhBins+bin(theta, -math.Pi, math.Pi)]++
			count++
		}
		if count > 0 {
			for k := range hist {
				hist[k] /= float64(count)
			}
		}
		spfh[i] = hist
		neighborIdx[i] = keptIdx
		neighborDist[i] = keptDist
	}

	for i := 0; i < n; i++ {
		out := make([]float64, fpfhDims)
		copy(out, spfh[i])
		k := len(neighborIdx[i])
		if k > 0 {
			for j, nb := range neighborIdx[i] {
				w := neighborDist[i][j]
				if w < 1e-9 {
					w = 1e-9
				}
				scale := 1 / (float64(k) * w)
				for d := 0; d < fpfhDims; d++ {
					out[d] += scale * spfh[nb][d]
				}
			}
		}
		features[i] = out
	}
	return features
}

// darboux computes the three angular features of the Darboux frame between
// a source point/normal and a neighbour point/normal.
func darboux(p, np [3]float64, q, nq [3]float64) (alpha, phi, theta float64, ok bool) {
	d := [3]float64{q[0] - p[0], q[1] - p[1], q[2] - p[2]}
	norm := math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])
	if norm < 1e-12 {
		return 0, 0, 0, false
	}
	for k := 0; k < 3; k++ {
		d[k] /= norm
	}

	u := np
	v := crossVec(d, u)
	vNorm := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if vNorm < 1e-12 {
		return 0, 0, 0, false
	}
	for k := 0; k < 3; k++ {
		v[k] /= vNorm
	}
	w := crossVec(u, v)

	alpha = dotVec(v, nq)
	phi = dotVec(u, d)
	theta = math.Atan2(dotVec(w, nq), dotVec(u, nq))
	return alpha, phi, theta, true
}

func bin(v, lo, hi float64) int {
	idx := int((v - lo) / (hi - lo) * fpfhBins)
	if idx < 0 {
		return 0
	}
	if idx >= fpfhBins {
		return fpfhBins - 1
	}
	return idx
}

func crossVec(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func dotVec(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}
