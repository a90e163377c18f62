// Package registration implements two-stage point-cloud registration:
// an optional coarse global stage (FPFH features matched with RANSAC) and a
// local ICP refinement (point-to-plane or point-to-point). Everything runs
// natively on gonum.
package registration

import (
	"math"

	"github.com/huykuka/lidargraph/internal/db"
	"github.com/huykuka/lidargraph/internal/pointcloud"
)

// ICP estimation methods.
const (
	MethodPointToPlane = "point_to_plane"
	MethodPointToPoint = "point_to_point"
)

// Stage names recorded on results.
const (
	StageGlobal = "global"
	StageICP    = "icp"
)

// Global registration is attempted when the initial transform is further
// than these bounds from identity.
const (
	globalTranslationGate = 1.0                // meters
	globalRotationGate    = 30 * math.Pi / 180 // radians
	globalFitnessGate     = 0.3                // convergence threshold
)

// Config carries the registration tuning knobs.
type Config struct {
	Method          string
	Threshold       float64 // max correspondence distance (m)
	MaxIterations   int
	TranslationOnly bool

	EnableGlobal     bool
	GlobalVoxelSize  float64
	FeatureRadius    float64
	RANSACThreshold  float64
	RANSACIterations int

	MinFitness float64
	MaxRMSE    float64
}

// ConfigFromNode reads the registration knobs out of a calibration node's
// persisted config, applying the documented defaults.
func ConfigFromNode(cfg db.NodeConfig) Config {
	voxel := cfg.Float("global_voxel_size", 0.05)
	return Config{
		Method:           cfg.String("icp_method", MethodPointToPlane),
		Threshold:        cfg.Float("icp_threshold", 0.02),
		MaxIterations:    cfg.Int("icp_iterations", 50),
		TranslationOnly:  cfg.Bool("translation_only", false),
		EnableGlobal:     cfg.Bool("enable_global_registration", true),
		GlobalVoxelSize:  voxel,
		FeatureRadius:    cfg.Float("feature_radius", voxel*2),
		RANSACThreshold:  cfg.Float("ransac_threshold", 0.075),
		RANSACIterations: cfg.Int("ransac_iterations", 100000),
		MinFitness:       cfg.Float("min_fitness", 0.7),
		MaxRMSE:          cfg.Float("max_rmse", 0.05),
	}
}

// Result is the outcome of a registration run. Transformation is the
// correction relative to the initial transform; the caller composes the
// final pose as T_new = Transformation * T_initial.
type Result struct {
	Transformation pointcloud.Matrix4
	Fitness        float64
	RMSE           float64
	Converged      bool
	Quality        string
	StagesUsed     []string
}

// Register aligns source onto target starting from the initial transform.
func Register(source, target *pointcloud.Cloud, initial pointcloud.Matrix4, cfg Config) Result {
	stages := []string{}
	init := initial

	if cfg.EnableGlobal && needsGlobal(initial) {
		global := registerGlobal(source, target, cfg)
		if global.Converged {
			init = global.Transformation
			stages = append(stages, StageGlobal)
		}
	}

	src := applyToPoints(source, init)
	tgt := toPoints(target)

	var total pointcloud.Matrix4
	var fitness, rmse float64
	if cfg.Method == MethodPointToPoint {
		total, fitness, rmse = icpPointToPoint(src, tgt, cfg.Threshold, cfg.MaxIterations)
	} else {
		total, fitness, rmse = icpPointToPlane(src, tgt, cfg.Threshold, cfg.MaxIterations)
	}
	stages = append(stages, StageICP)

	// Fold the (possibly global-replaced) initial back in, then take the
	// correction relative to the caller's original initial transform.
	delta := total.Mul(init).Mul(initial.InverseRigid())

	if cfg.TranslationOnly {
		// Keep the initial rotation; adopt only the solved translation.
		x, y, z := delta.Translation()
		delta = pointcloud.Identity()
		delta[3], delta[7], delta[11] = x, y, z
	}

	return Result{
		Transformation: delta,
		Fitness:        fitness,
		RMSE:           rmse,
		Converged:      fitness > globalFitnessGate,
		Quality:        ClassifyQuality(fitness, rmse, cfg.MinFitness, cfg.MaxRMSE),
		StagesUsed:     stages,
	}
}

// needsGlobal reports whether the initial transform is far enough from
// identity (>1 m translation or >30 degrees rotation) to warrant the coarse
// global stage.
func needsGlobal(t pointcloud.Matrix4) bool {
	if t.TranslationNorm() > globalTranslationGate {
		return true
	}
	return t.RotationAngle() > globalRotationGate
}

// ClassifyQuality grades a registration: excellent when fitness >= 0.9 and
// rmse <= 0.02, good within the configured gates, poor otherwise.
// Non-convergence is not an error; poor quality is the signal.
func ClassifyQuality(fitness, rmse, minFitness, maxRMSE float64) string {
	switch {
	case fitness >= 0.9 && rmse <= 0.02:
		return "excellent"
	case fitness >= minFitness && rmse <= maxRMSE:
		return "good"
	default:
		return "poor"
	}
}

// toPoints widens a cloud's positions to [][3]float64.
func toPoints(c *pointcloud.Cloud) [][3]float64 {
	out := make([][3]float64, c.Len())
	for i := range out {
		out[i] = c.XYZ64(i)
	}
	return out
}

// applyToPoints widens and transforms a cloud's positions.
func applyToPoints(c *pointcloud.Cloud, m pointcloud.Matrix4) [][3]float64 {
	out := make([][3]float64, c.Len())
	for i := range out {
		p := c.XYZ64(i)
		x, y, z := m.Apply(p[0], p[1], p[2])
		out[i] = [3]float64{x, y, z}
	}
	return out
}
