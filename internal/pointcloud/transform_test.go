package pointcloud

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoseMatrixRoundTrip(t *testing.T) {
	pose := Pose{X: 1.5, Y: -2, Z: 0.25, Roll: 10, Pitch: -20, Yaw: 35}
	got := PoseFromMatrix(pose.Matrix())

	assert.InDelta(t, pose.X, got.X, 1e-9)
	assert.InDelta(t, pose.Y, got.Y, 1e-9)
	assert.InDelta(t, pose.Z, got.Z, 1e-9)
	assert.InDelta(t, pose.Roll, got.Roll, 1e-9)
	assert.InDelta(t, pose.Pitch, got.Pitch, 1e-9)
	assert.InDelta(t, pose.Yaw, got.Yaw, 1e-9)
}

func TestPoseFromMatrixGimbalLock(t *testing.T) {
	pose := Pose{Pitch: 90}
	got := PoseFromMatrix(pose.Matrix())
	// At the singularity yaw collapses to zero by convention.
	assert.InDelta(t, 0, got.Yaw, 1e-6)
	assert.InDelta(t, 90, got.Pitch, 1e-6)
}

func TestApplyTransformTranslation(t *testing.T) {
	c := FromRows([][]float32{{1, 0, 0, 7}, {0, 1, 0, 8}})
	ApplyTransform(c, Pose{X: 10, Y: 20, Z: 30}.Matrix())

	assert.Equal(t, []float32{11, 20, 30, 7}, c.Row(0))
	assert.Equal(t, []float32{10, 21, 30, 8}, c.Row(1))
}

func TestApplyTransformYaw(t *testing.T) {
	c := FromRows([][]float32{{1, 0, 0}})
	ApplyTransform(c, Pose{Yaw: 90}.Matrix())

	x, y, z := c.XYZ(0)
	assert.InDelta(t, 0, float64(x), 1e-6)
	assert.InDelta(t, 1, float64(y), 1e-6)
	assert.InDelta(t, 0, float64(z), 1e-6)
}

func TestApplyTransformIdentityNoOp(t *testing.T) {
	c := FromRows([][]float32{{1.5, 2.5, 3.5}})
	ApplyTransform(c, Identity())
	assert.Equal(t, []float32{1.5, 2.5, 3.5}, c.Row(0))
}

func TestInverseRigid(t *testing.T) {
	m := Pose{X: 1, Y: 2, Z: 3, Roll: 15, Pitch: 25, Yaw: -40}.Matrix()
	round := m.Mul(m.InverseRigid())
	id := Identity()
	for i := range round {
		assert.InDelta(t, id[i], round[i], 1e-9)
	}
}

func TestRotationAngle(t *testing.T) {
	assert.InDelta(t, 0, Identity().RotationAngle(), 1e-12)
	m := Pose{Yaw: 45}.Matrix()
	assert.InDelta(t, 45*math.Pi/180, m.RotationAngle(), 1e-9)
}

func TestSphericalToCartesian(t *testing.T) {
	// Azimuth 0 points along +Y (forward).
	x, y, z := SphericalToCartesian(2, 0, 0)
	require.InDelta(t, 0, x, 1e-9)
	require.InDelta(t, 2, y, 1e-9)
	require.InDelta(t, 0, z, 1e-9)

	// Azimuth 90 points along +X (right).
	x, y, _ = SphericalToCartesian(2, 90, 0)
	require.InDelta(t, 2, x, 1e-9)
	require.InDelta(t, 0, y, 1e-9)
}
