package registration

import (
	"math"
	"math/rand"

	"github.com/huykuka/lidargraph/internal/pointcloud"
	"github.com/huykuka/lidargraph/internal/pointcloud/knn"
)

// RANSAC feature-matching parameters fixed by the registration contract.
const (
	ransacSampleSize = 3
	ransacEdgeLength = 0.9
	ransacConfidence = 0.999
)

// GlobalResult is the outcome of the coarse feature-based stage.
type GlobalResult struct {
	Transformation pointcloud.Matrix4
	Fitness        float64
	Converged      bool
}

// registerGlobal performs coarse alignment: voxel-downsample both clouds,
// estimate normals, compute FPFH descriptors at twice the voxel size and
// run RANSAC over feature correspondences. Convergence requires fitness
// above the global gate.
func registerGlobal(source, target *pointcloud.Cloud, cfg Config) GlobalResult {
	srcDown := voxelCentroids(source, cfg.GlobalVoxelSize)
	tgtDown := voxelCentroids(target, cfg.GlobalVoxelSize)
	if srcDown.Len() < ransacSampleSize || tgtDown.Len() < ransacSampleSize {
		return GlobalResult{Transformation: pointcloud.Identity()}
	}

	normalRadius := cfg.GlobalVoxelSize * 2
	srcNormals := knn.EstimateNormals(srcDown, normalRadius, 30)
	tgtNormals := knn.EstimateNormals(tgtDown, normalRadius, 30)

	srcFeatures := computeFPFH(srcDown, srcNormals, cfg.FeatureRadius)
	tgtFeatures := computeFPFH(tgtDown, tgtNormals, cfg.FeatureRadius)

	// Nearest neighbour in feature space gives the candidate correspondence
	// per downsampled source point.
	featureSearcher := knn.NewSearcher(tgtFeatures)
	src := toPoints(srcDown)
	tgt := toPoints(tgtDown)
	corr := make([]int, len(src))
	for i, f := range srcFeatures {
		idx, _ := featureSearcher.KNearest(f, 1)
		if len(idx) == 0 {
			corr[i] = -1
			continue
		}
		corr[i] = idx[0]
	}

	spaceSearcher := newPointSearcher(tgt)
	gate2 := cfg.RANSACThreshold * cfg.RANSACThreshold
	rng := rand.New(rand.NewSource(1))

	best := GlobalResult{Transformation: pointcloud.Identity()}
	maxIter := cfg.RANSACIterations
	for iter := 0; iter < maxIter; iter++ {
		sample := sampleCorrespondences(rng, corr, len(src))
		if sample == nil {
			break
		}
		if !edgeLengthsAgree(src, tgt, corr, sample) {
			continue
		}

		var ss, tt [][3]float64
		for _, i := range sample {
			ss = append(ss, src[i])
			tt = append(tt, tgt[corr[i]])
		}
		candidate := umeyama(ss, tt)

		// Distance check on the sample itself before the full evaluation.
		ok := true
		for k := range ss {
			x, y, z := candidate.Apply(ss[k][0], ss[k][1], ss[k][2])
			dx, dy, dz := x-tt[k][0], y-tt[k][1], z-tt[k][2]
			if dx*dx+dy*dy+dz*dz > gate2 {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}

		inliers := 0
		for _, p := range src {
			x, y, z := candidate.Apply(p[0], p[1], p[2])
			idx, d2 := spaceSearcher.nearest([3]float64{x, y, z})
			if idx >= 0 && d2 <= gate2 {
				inliers++
			}
		}
		fitness := float64(inliers) / float64(len(src))
		if fitness > best.Fitness {
			best.Fitness = fitness
			best.Transformation = candidate

			// Adaptive termination at the configured confidence.
			w := fitness
			denom := math.Log(1 - math.Pow(w, ransacSampleSize))
			if denom < 0 {
				needed := int(math.Ceil(math.Log(1-ransacConfidence) / denom))
				if needed < maxIter {
					maxIter = iter + 1 + needed
				}
			}
		}
	}

	best.Converged = best.Fitness > globalFitnessGate
	return best
}

// sampleCorrespondences draws three distinct source indices with valid
// correspondences.
func sampleCorrespondences(rng *rand.Rand, corr []int, n int) []int {
	for attempt := 0; attempt < 64; attempt++ {
		a, b, c := rng.Intn(n), rng.Intn(n), rng.Intn(n)
		if a == b || b == c || a == c {
			continue
		}
		if corr[a] < 0 || corr[b] < 0 || corr[c] < 0 {
			continue
		}
		return []int{a, b, c}
	}
	return nil
}

// edgeLengthsAgree applies the edge-length checker: every pairwise distance
// within the source sample must be within the configured ratio of the
// corresponding target distance.
func edgeLengthsAgree(src, tgt [][3]float64, corr []int, sample []int) bool {
	for i := 0; i < len(sample); i++ {
		for j := i + 1; j < len(sample); j++ {
			ds := distVec(src[sample[i]], src[sample[j]])
			dt := distVec(tgt[corr[sample[i]]], tgt[corr[sample[j]]])
			if ds < ransacEdgeLength*dt || dt < ransacEdgeLength*ds {
				return false
			}
		}
	}
	return true
}

func distVec(a, b [3]float64) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// voxelCentroids downsamples a cloud to one centroid per occupied voxel.
// Unlike the streaming operator, the true centroid is used; only positions
// matter for registration.
func voxelCentroids(c *pointcloud.Cloud, voxelSize float64) *pointcloud.Cloud {
	if voxelSize <= 0 || c.Len() == 0 {
		return c.Narrow(3)
	}
	inv := 1 / voxelSize
	type accum struct {
		x, y, z float64
		n       int
	}
	voxels := make(map[[3]int64]*accum)
	for i := 0; i < c.Len(); i++ {
		p := c.XYZ64(i)
		key := [3]int64{
			int64(math.Floor(p[0] * inv)),
			int64(math.Floor(p[1] * inv)),
			int64(math.Floor(p[2] * inv)),
		}
		a, ok := voxels[key]
		if !ok {
			a = &accum{}
			voxels[key] = a
		}
		a.x += p[0]
		a.y += p[1]
		a.z += p[2]
		a.n++
	}
	out := pointcloud.NewCloud(3, len(voxels))
	for _, a := range voxels {
		out.AppendRow(float32(a.x/float64(a.n)), float32(a.y/float64(a.n)), float32(a.z/float64(a.n)))
	}
	return out
}
