package registration

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/huykuka/lidargraph/internal/pointcloud"
	"github.com/huykuka/lidargraph/internal/pointcloud/knn"
)

// icpConvergenceEps terminates the iteration when the incremental update
// becomes negligible.
const icpConvergenceEps = 1e-8

// icpPointToPoint runs point-to-point ICP, estimating each iteration's
// rigid update from the SVD of the correspondence cross-covariance.
// Returns the accumulated transform plus the final fitness (inlier
// fraction of the source) and inlier RMSE.
func icpPointToPoint(source, target [][3]float64, threshold float64, maxIterations int) (pointcloud.Matrix4, float64, float64) {
	total := pointcloud.Identity()
	if len(source) == 0 || len(target) == 0 {
		return total, 0, 0
	}

	searcher := newPointSearcher(target)
	current := clonePoints(source)

	var fitness, rmse float64
	for iter := 0; iter < maxIterations; iter++ {
		srcCorr, tgtCorr, f, r := correspondences(current, target, searcher, threshold)
		fitness, rmse = f, r
		if len(srcCorr) < 3 {
			break
		}

		update := umeyama(srcCorr, tgtCorr)
		total = update.Mul(total)
		transformInPlace(current, update)

		if update.TranslationNorm() < icpConvergenceEps && update.RotationAngle() < icpConvergenceEps {
			break
		}
	}
	// Final evaluation after the last update.
	_, _, fitness, rmse = correspondences(current, target, searcher, threshold)
	return total, fitness, rmse
}

// icpPointToPlane runs point-to-plane ICP: each iteration solves the
// linearized 6x6 system for the twist (alpha, beta, gamma, tx, ty, tz)
// minimising the residuals along the target normals.
func icpPointToPlane(source, target [][3]float64, threshold float64, maxIterations int) (pointcloud.Matrix4, float64, float64) {
	total := pointcloud.Identity()
	if len(source) == 0 || len(target) == 0 {
		return total, 0, 0
	}

	targetCloud := fromPoints(target)
	normals := knn.EstimateNormals(targetCloud, 0.1, 30)
	searcher := newPointSearcher(target)
	current := clonePoints(source)

	for iter := 0; iter < maxIterations; iter++ {
		// Pair up within the correspondence gate.
		var rows [][6]float64
		var rhs []float64
		for _, p := range current {
			idx, d2 := searcher.nearest(p)
			if idx < 0 || d2 > threshold*threshold {
				continue
			}
			q := target[idx]
			n := normals[idx]
			cx := p[1]*n[2] - p[2]*n[1]
			cy := p[2]*n[0] - p[0]*n[2]
			cz := p[0]*n[1] - p[1]*n[0]
			rows = append(rows, [6]float64{cx, cy, cz, n[0], n[1], n[2]})
			rhs = append(rhs, -((p[0]-q[0])*n[0] + (p[1]-q[1])*n[1] + (p[2]-q[2])*n[2]))
		}
		if len(rows) < 6 {
			break
		}

		a := mat.NewDense(len(rows), 6, nil)
		b := mat.NewVecDense(len(rows), rhs)
		for i, r := range rows {
			for j := 0; j < 6; j++ {
				a.Set(i, j, r[j])
			}
		}
		var x mat.VecDense
		if err := x.SolveVec(a, b); err != nil {
			break
		}

		update := twistMatrix(x.AtVec(0), x.AtVec(1), x.AtVec(2), x.AtVec(3), x.AtVec(4), x.AtVec(5))
		total = update.Mul(total)
		transformInPlace(current, update)

		if update.TranslationNorm() < icpConvergenceEps && update.RotationAngle() < icpConvergenceEps {
			break
		}
	}

	_, _, fitness, rmse := correspondences(current, target, searcher, threshold)
	return total, fitness, rmse
}

// correspondences pairs each source point with its nearest target inside
// the gate. Returns the pairs plus fitness and RMSE of the pairing.
func correspondences(source, target [][3]float64, searcher *pointSearcher, threshold float64) (src, tgt [][3]float64, fitness, rmse float64) {
	gate2 := threshold * threshold
	var sumD2 float64
	for _, p := range source {
		idx, d2 := searcher.nearest(p)
		if idx < 0 || d2 > gate2 {
			continue
		}
		src = append(src, p)
		tgt = append(tgt, target[idx])
		sumD2 += d2
	}
	if len(source) > 0 {
		fitness = float64(len(src)) / float64(len(source))
	}
	if len(src) > 0 {
		rmse = math.Sqrt(sumD2 / float64(len(src)))
	}
	return src, tgt, fitness, rmse
}

// umeyama estimates the rigid transform aligning src onto tgt via SVD of
// the cross-covariance, with the reflection-correcting determinant fix.
func umeyama(src, tgt [][3]float64) pointcloud.Matrix4 {
	n := float64(len(src))
	var cs, ct [3]float64
	for i := range src {
		for k := 0; k < 3; k++ {
			cs[k] += src[i][k]
			ct[k] += tgt[i][k]
		}
	}
	for k := 0; k < 3; k++ {
		cs[k] /= n
		ct[k] /= n
	}

	h := mat.NewDense(3, 3, nil)
	for i := range src {
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+(src[i][r]-cs[r])*(tgt[i][c]-ct[c]))
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return pointcloud.Identity()
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&v, u.T())
	if mat.Det(&r) < 0 {
		// Reflection: flip the sign of V's last column.
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		r.Mul(&v, u.T())
	}

	out := pointcloud.Identity()
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			out[row*4+col] = r.At(row, col)
		}
	}
	tx := ct[0] - (out[0]*cs[0] + out[1]*cs[1] + out[2]*cs[2])
	ty := ct[1] - (out[4]*cs[0] + out[5]*cs[1] + out[6]*cs[2])
	tz := ct[2] - (out[8]*cs[0] + out[9]*cs[1] + out[10]*cs[2])
	out[3], out[7], out[11] = tx, ty, tz
	return out
}

// twistMatrix builds the small-angle rigid transform for the solved twist.
func twistMatrix(alpha, beta, gamma, tx, ty, tz float64) pointcloud.Matrix4 {
	ca, sa := math.Cos(alpha), math.Sin(alpha)
	cb, sb := math.Cos(beta), math.Sin(beta)
	cg, sg := math.Cos(gamma), math.Sin(gamma)

	// Z * Y * X rotation order, consistent with the pose convention.
	return pointcloud.Matrix4{
		cg * cb, cg*sb*sa - sg*ca, cg*sb*ca + sg*sa, tx,
		sg * cb, sg*sb*sa + cg*ca, sg*sb*ca - cg*sa, ty,
		-sb, cb * sa, cb * ca, tz,
		0, 0, 0, 1,
	}
}

func clonePoints(pts [][3]float64) [][3]float64 {
	out := make([][3]float64, len(pts))
	copy(out, pts)
	return out
}

func transformInPlace(pts [][3]float64, m pointcloud.Matrix4) {
	for i, p := range pts {
		x, y, z := m.Apply(p[0], p[1], p[2])
		pts[i] = [3]float64{x, y, z}
	}
}

func fromPoints(pts [][3]float64) *pointcloud.Cloud {
	c := pointcloud.NewCloud(3, len(pts))
	for _, p := range pts {
		c.AppendRow(float32(p[0]), float32(p[1]), float32(p[2]))
	}
	return c
}

// pointSearcher is a thin nearest-neighbour facade over the shared kd-tree.
type pointSearcher struct {
	s *knn.Searcher
}

func newPointSearcher(pts [][3]float64) *pointSearcher {
	vecs := make([][]float64, len(pts))
	for i, p := range pts {
		vecs[i] = []float64{p[0], p[1], p[2]}
	}
	return &pointSearcher{s: knn.NewSearcher(vecs)}
}

// nearest returns the closest indexed point and its squared distance, or
// (-1, 0) when the index is empty.
func (p *pointSearcher) nearest(q [3]float64) (int, float64) {
	idx, d2 := p.s.KNearest([]float64{q[0], q[1], q[2]}, 1)
	if len(idx) == 0 {
		return -1, 0
	}
	return idx[0], d2[0]
}
