// Package knn wraps gonum's kd-tree with the neighbour queries the
// operators and the registration pipeline need: k-nearest, radius search
// and PCA normal estimation.
package knn

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/huykuka/lidargraph/internal/pointcloud"
)

// vecPoint is an indexed point of arbitrary dimension.
type vecPoint struct {
	v   []float64
	idx int
}

func (p vecPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(vecPoint)
	return p.v[d] - q.v[d]
}

func (p vecPoint) Dims() int { return len(p.v) }

func (p vecPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(vecPoint)
	var sum float64
	for i := range p.v {
		d := p.v[i] - q.v[i]
		sum += d * d
	}
	return sum
}

type vecPoints []vecPoint

func (p vecPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p vecPoints) Len() int                      { return len(p) }
func (p vecPoints) Pivot(d kdtree.Dim) int {
	return plane{Dim: d, vecPoints: p}.Pivot()
}
func (p vecPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// plane is a helper for Pivot, as required by the kdtree Interface contract.
type plane struct {
	kdtree.Dim
	vecPoints
}

func (p plane) Less(i, j int) bool {
	return p.vecPoints[i].v[p.Dim] < p.vecPoints[j].v[p.Dim]
}
func (p plane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.vecPoints = p.vecPoints[start:end]
	return p
}
func (p plane) Swap(i, j int) {
	p.vecPoints[i], p.vecPoints[j] = p.vecPoints[j], p.vecPoints[i]
}

// Searcher answers neighbour queries over a fixed point set.
type Searcher struct {
	tree *kdtree.Tree
	dims int
	n    int
}

// NewSearcher builds a searcher over arbitrary-dimension vectors. All
// vectors must share the dimension of the first.
func NewSearcher(vecs [][]float64) *Searcher {
	if len(vecs) == 0 {
		return &Searcher{}
	}
	pts := make(vecPoints, len(vecs))
	for i, v := range vecs {
		pts[i] = vecPoint{v: v, idx: i}
	}
	return &Searcher{
		tree: kdtree.New(pts, false),
		dims: len(vecs[0]),
		n:    len(vecs),
	}
}

// FromCloud builds a 3-D searcher over a cloud's positions.
func FromCloud(c *pointcloud.Cloud) *Searcher {
	n := c.Len()
	vecs := make([][]float64, n)
	for i := 0; i < n; i++ {
		x, y, z := c.XYZ(i)
		vecs[i] = []float64{float64(x), float64(y), float64(z)}
	}
	return NewSearcher(vecs)
}

// Len returns the number of indexed points.
func (s *Searcher) Len() int { return s.n }

// KNearest returns the indices and squared distances of the k points
// closest to q, nearest first. The query point itself is included when it
// is part of the indexed set.
func (s *Searcher) KNearest(q []float64, k int) (indices []int, dist2 []float64) {
	if s.tree == nil || k <= 0 {
		return nil, nil
	}
	keep := kdtree.NewNKeeper(k)
	s.tree.NearestSet(keep, vecPoint{v: q, idx: -1})
	return collect(keep.Heap)
}

// Radius returns the indices and squared distances of all points within
// radius r of q, nearest first.
func (s *Searcher) Radius(q []float64, r float64) (indices []int, dist2 []float64) {
	if s.tree == nil || r <= 0 {
		return nil, nil
	}
	keep := kdtree.NewDistKeeper(r * r)
	s.tree.NearestSet(keep, vecPoint{v: q, idx: -1})
	return collect(keep.Heap)
}

func collect(heap []kdtree.ComparableDist) (indices []int, dist2 []float64) {
	type hit struct {
		idx int
		d2  float64
	}
	hits := make([]hit, 0, len(heap))
	for _, cd := range heap {
		if cd.Comparable == nil || math.IsInf(cd.Dist, 1) {
			continue
		}
		hits = append(hits, hit{idx: cd.Comparable.(vecPoint).idx, d2: cd.Dist})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].d2 < hits[j].d2 })
	indices = make([]int, len(hits))
	dist2 = make([]float64, len(hits))
	for i, h := range hits {
		indices[i] = h.idx
		dist2[i] = h.d2
	}
	return indices, dist2
}

// EstimateNormals computes a unit normal per point from the PCA of its
// neighbourhood: the eigenvector of the smallest eigenvalue of the
// neighbour covariance. Neighbourhoods are the hybrid search used
// throughout: up to maxNN neighbours within radius. Points with fewer than
// three neighbours get the +Z normal.
func EstimateNormals(c *pointcloud.Cloud, radius float64, maxNN int) [][3]float64 {
	n := c.Len()
	normals := make([][3]float64, n)
	if n == 0 {
		return normals
	}
	s := FromCloud(c)

	for i := 0; i < n; i++ {
		x, y, z := c.XYZ(i)
		q := []float64{float64(x), float64(y), float64(z)}
		idx, _ := s.Radius(q, radius)
		if len(idx) > maxNN {
			idx = idx[:maxNN]
		}
		if len(idx) < 3 {
			normals[i] = [3]float64{0, 0, 1}
			continue
		}

		var mx, my, mz float64
		for _, j := range idx {
			px, py, pz := c.XYZ(j)
			mx += float64(px)
			my += float64(py)
			mz += float64(pz)
		}
		inv := 1 / float64(len(idx))
		mx, my, mz = mx*inv, my*inv, mz*inv

		var cxx, cxy, cxz, cyy, cyz, czz float64
		for _, j := range idx {
			px, py, pz := c.XYZ(j)
			dx, dy, dz := float64(px)-mx, float64(py)-my, float64(pz)-mz
			cxx += dx * dx
			cxy += dx * dy
			cxz += dx * dz
			cyy += dy * dy
			cyz += dy * dz
			czz += dz * dz
		}

		cov := mat.NewSymDense(3, []float64{
			cxx, cxy, cxz,
			cxy, cyy, cyz,
			cxz, cyz, czz,
		})
		var eig mat.EigenSym
		if !eig.Factorize(cov, true) {
			normals[i] = [3]float64{0, 0, 1}
			continue
		}
		var vecs mat.Dense
		eig.VectorsTo(&vecs)
		// Eigenvalues are ascending; column 0 is the normal direction.
		nx, ny, nz := vecs.At(0, 0), vecs.At(1, 0), vecs.At(2, 0)
		norm := math.Sqrt(nx*nx + ny*ny + nz*nz)
		if norm == 0 {
			normals[i] = [3]float64{0, 0, 1}
			continue
		}
		// Orient towards +Z for stability across frames.
		if nz < 0 {
			nx, ny, nz = -nx, -ny, -nz
		}
		normals[i] = [3]float64{nx / norm, ny / norm, nz / norm}
	}
	return normals
}
