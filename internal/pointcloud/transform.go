package pointcloud

import "math"

// Matrix4 is a 4x4 rigid transform stored row-major:
// m00,m01,m02,m03, m10,... Matching the wire and storage convention used for
// persisted calibration matrices.
type Matrix4 [16]float64

// Identity returns the identity transform.
func Identity() Matrix4 {
	return Matrix4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// IsIdentity reports whether m is exactly the identity.
func (m Matrix4) IsIdentity() bool {
	return m == Identity()
}

// Mul returns m * o.
func (m Matrix4) Mul(o Matrix4) Matrix4 {
	var out Matrix4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += m[r*4+k] * o[k*4+c]
			}
			out[r*4+c] = sum
		}
	}
	return out
}

// Translation returns the translation column of the transform.
func (m Matrix4) Translation() (x, y, z float64) {
	return m[3], m[7], m[11]
}

// TranslationNorm returns the Euclidean length of the translation.
func (m Matrix4) TranslationNorm() float64 {
	x, y, z := m.Translation()
	return math.Sqrt(x*x + y*y + z*z)
}

// RotationAngle returns the rotation angle in radians, recovered from the
// trace identity trace(R) = 1 + 2*cos(theta).
func (m Matrix4) RotationAngle() float64 {
	tr := m[0] + m[5] + m[10]
	c := (tr - 1) / 2
	if c > 1 {
		c = 1
	} else if c < -1 {
		c = -1
	}
	return math.Acos(c)
}

// Apply transforms a single point.
func (m Matrix4) Apply(x, y, z float64) (wx, wy, wz float64) {
	wx = m[0]*x + m[1]*y + m[2]*z + m[3]
	wy = m[4]*x + m[5]*y + m[6]*z + m[7]
	wz = m[8]*x + m[9]*y + m[10]*z + m[11]
	return
}

// InverseRigid inverts a rigid transform: [R t]^-1 = [R^T  -R^T t].
func (m Matrix4) InverseRigid() Matrix4 {
	x, y, z := m.Translation()
	rt := Matrix4{
		m[0], m[4], m[8], 0,
		m[1], m[5], m[9], 0,
		m[2], m[6], m[10], 0,
		0, 0, 0, 1,
	}
	tx := -(rt[0]*x + rt[1]*y + rt[2]*z)
	ty := -(rt[4]*x + rt[5]*y + rt[6]*z)
	tz := -(rt[8]*x + rt[9]*y + rt[10]*z)
	rt[3], rt[7], rt[11] = tx, ty, tz
	return rt
}

// Pose is a sensor's world-space placement: translation in meters and
// roll/pitch/yaw in degrees, composed in Z-Y-X intrinsic order.
type Pose struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Matrix builds the 4x4 transform for the pose.
func (p Pose) Matrix() Matrix4 {
	rr := p.Roll * math.Pi / 180
	pr := p.Pitch * math.Pi / 180
	yr := p.Yaw * math.Pi / 180

	cr, sr := math.Cos(rr), math.Sin(rr)
	cp, sp := math.Cos(pr), math.Sin(pr)
	cy, sy := math.Cos(yr), math.Sin(yr)

	return Matrix4{
		cy * cp, cy*sp*sr - sy*cr, cy*sp*cr + sy*sr, p.X,
		sy * cp, sy*sp*sr + cy*cr, sy*sp*cr - cy*sr, p.Y,
		-sp, cp * sr, cp * cr, p.Z,
		0, 0, 0, 1,
	}
}

// PoseFromMatrix decomposes a rigid transform into translation plus Z-Y-X
// Euler angles in degrees. Near gimbal lock (|cos(pitch)| < 1e-6) yaw is
// fixed to zero and roll recovered from the remaining terms.
func PoseFromMatrix(m Matrix4) Pose {
	x, y, z := m.Translation()

	pitch := math.Atan2(-m[8], math.Sqrt(m[0]*m[0]+m[4]*m[4]))

	var yaw, roll float64
	if math.Abs(math.Cos(pitch)) > 1e-6 {
		yaw = math.Atan2(m[4], m[0])
		roll = math.Atan2(m[9], m[10])
	} else {
		yaw = 0
		roll = math.Atan2(-m[6], m[5])
	}

	deg := 180 / math.Pi
	return Pose{X: x, Y: y, Z: z, Roll: roll * deg, Pitch: pitch * deg, Yaw: yaw * deg}
}

// ApplyTransform applies m to the first three columns of every point in
// place. Non-positional columns pass through untouched. The identity is a
// no-op.
func ApplyTransform(c *Cloud, m Matrix4) {
	if c == nil || c.Len() == 0 || m.IsIdentity() {
		return
	}
	n := c.Len()
	for i := 0; i < n; i++ {
		row := c.Row(i)
		x, y, z := m.Apply(float64(row[0]), float64(row[1]), float64(row[2]))
		row[0], row[1], row[2] = float32(x), float32(y), float32(z)
	}
}

// SphericalToCartesian converts distance (meters), azimuth (degrees) and
// elevation (degrees) into Cartesian sensor-frame coordinates.
// Coordinate convention: X=right, Y=forward, Z=up.
func SphericalToCartesian(distance, azimuthDeg, elevationDeg float64) (x, y, z float64) {
	az := azimuthDeg * math.Pi / 180
	el := elevationDeg * math.Pi / 180
	ce := math.Cos(el)
	x = distance * ce * math.Sin(az)
	y = distance * ce * math.Cos(az)
	z = distance * math.Sin(el)
	return
}
