// Package pointcloud provides the canonical point-cloud frame representation,
// the LIDR wire codec and the rigid-body pose math shared by every node in
// the processing graph.
package pointcloud

// MaxCols is the widest frame any sensor is allowed to produce: x, y, z plus
// up to 13 sensor-native channels (intensity, reflector, ring, azimuth,
// range, echo, timestamps, ...).
const MaxCols = 16

// Cloud is an (N x Cols) array of float32 stored row-major. Columns 0-2 are
// always Cartesian x, y, z; any further columns carry sensor-native channels
// named by the owning frame's field list.
type Cloud struct {
	Cols int
	Data []float32
}

// NewCloud returns an empty cloud with the given column count and row
// capacity pre-allocated.
func NewCloud(cols, capacity int) *Cloud {
	if cols < 1 {
		cols = 3
	}
	return &Cloud{Cols: cols, Data: make([]float32, 0, cols*capacity)}
}

// FromRows builds a cloud from explicit rows. All rows must share the length
// of the first; it is intended for tests and small fixtures.
func FromRows(rows [][]float32) *Cloud {
	if len(rows) == 0 {
		return NewCloud(3, 0)
	}
	c := NewCloud(len(rows[0]), len(rows))
	for _, r := range rows {
		c.Data = append(c.Data, r...)
	}
	return c
}

// Len returns the number of points.
func (c *Cloud) Len() int {
	if c == nil || c.Cols == 0 {
		return 0
	}
	return len(c.Data) / c.Cols
}

// Row returns a view of point i. The slice aliases the cloud's storage.
func (c *Cloud) Row(i int) []float32 {
	return c.Data[i*c.Cols : (i+1)*c.Cols]
}

// XYZ returns the position of point i.
func (c *Cloud) XYZ(i int) (x, y, z float32) {
	r := c.Data[i*c.Cols:]
	return r[0], r[1], r[2]
}

// XYZ64 returns the position of point i widened to float64.
func (c *Cloud) XYZ64(i int) [3]float64 {
	x, y, z := c.XYZ(i)
	return [3]float64{float64(x), float64(y), float64(z)}
}

// AppendRow appends one point. Missing trailing values are zero-filled,
// extra values are truncated to the cloud's width.
func (c *Cloud) AppendRow(vals ...float32) {
	n := len(vals)
	if n > c.Cols {
		n = c.Cols
	}
	c.Data = append(c.Data, vals[:n]...)
	for j := n; j < c.Cols; j++ {
		c.Data = append(c.Data, 0)
	}
}

// Clone returns a deep copy.
func (c *Cloud) Clone() *Cloud {
	out := &Cloud{Cols: c.Cols, Data: make([]float32, len(c.Data))}
	copy(out.Data, c.Data)
	return out
}

// Narrow returns a copy keeping only the first cols columns of every point.
// Narrowing to the current width returns a plain clone.
func (c *Cloud) Narrow(cols int) *Cloud {
	if cols >= c.Cols {
		return c.Clone()
	}
	n := c.Len()
	out := NewCloud(cols, n)
	for i := 0; i < n; i++ {
		out.Data = append(out.Data, c.Row(i)[:cols]...)
	}
	return out
}

// Select returns a copy containing only the points at the given indices,
// preserving all columns and the input order.
func (c *Cloud) Select(indices []int) *Cloud {
	out := NewCloud(c.Cols, len(indices))
	for _, i := range indices {
		out.Data = append(out.Data, c.Row(i)...)
	}
	return out
}

// SelectMask returns a copy containing points where mask[i] is true.
func (c *Cloud) SelectMask(mask []bool) *Cloud {
	kept := 0
	for _, m := range mask {
		if m {
			kept++
		}
	}
	out := NewCloud(c.Cols, kept)
	for i, m := range mask {
		if m {
			out.Data = append(out.Data, c.Row(i)...)
		}
	}
	return out
}

// Concat concatenates clouds of equal width into one cloud. Clouds with
// mismatched widths must be narrowed by the caller first.
func Concat(clouds ...*Cloud) *Cloud {
	if len(clouds) == 0 {
		return NewCloud(3, 0)
	}
	total := 0
	for _, c := range clouds {
		total += c.Len()
	}
	out := NewCloud(clouds[0].Cols, total)
	for _, c := range clouds {
		out.Data = append(out.Data, c.Data...)
	}
	return out
}
