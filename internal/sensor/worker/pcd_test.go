package worker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const asciiPCD = `# .PCD v0.7 - Point Cloud Data file format
VERSION 0.7
FIELDS x y z intensity
SIZE 4 4 4 4
TYPE F F F F
COUNT 1 1 1 1
WIDTH 3
HEIGHT 1
VIEWPOINT 0 0 0 1 0 0 0
POINTS 3
DATA ascii
1.0 2.0 3.0 0.5
4.0 5.0 6.0 0.25
7.5 -8.25 9.0 1.0
`

func TestReadPCDAscii(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.pcd")
	require.NoError(t, os.WriteFile(path, []byte(asciiPCD), 0644))

	cloud, fields, err := ReadPCD(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z", "intensity"}, fields)
	require.Equal(t, 3, cloud.Len())
	assert.Equal(t, 4, cloud.Cols)

	assert.Equal(t, []float32{1, 2, 3, 0.5}, cloud.Row(0))
	assert.Equal(t, []float32{7.5, -8.25, 9, 1}, cloud.Row(2))
}

func TestReadPCDRejectsTooFewFields(t *testing.T) {
	bad := "FIELDS x y\nPOINTS 1\nDATA ascii\n1 2\n"
	path := filepath.Join(t.TempDir(), "bad.pcd")
	require.NoError(t, os.WriteFile(path, []byte(bad), 0644))
	_, _, err := ReadPCD(path)
	assert.Error(t, err)
}

func TestReadPCDUnsupportedFormat(t *testing.T) {
	bad := "FIELDS x y z\nPOINTS 1\nDATA binary_compressed\n"
	path := filepath.Join(t.TempDir(), "bad.pcd")
	require.NoError(t, os.WriteFile(path, []byte(bad), 0644))
	_, _, err := ReadPCD(path)
	assert.Error(t, err)
}

func TestReadPCDMissingFile(t *testing.T) {
	_, _, err := ReadPCD(filepath.Join(t.TempDir(), "nope.pcd"))
	assert.Error(t, err)
}

func TestParseScanLine(t *testing.T) {
	cloud := parseScanLine("1.0,0,0,50; 2.0,90,0,100; garbage; 3.0,0")
	require.Equal(t, 2, cloud.Len())

	// First tuple: azimuth 0 points forward (+Y).
	x, y, _ := cloud.XYZ(0)
	assert.InDelta(t, 0, float64(x), 1e-6)
	assert.InDelta(t, 1, float64(y), 1e-6)
	assert.Equal(t, float32(50), cloud.Row(0)[3])

	// Second tuple: azimuth 90 points right (+X).
	x, y, _ = cloud.XYZ(1)
	assert.InDelta(t, 2, float64(x), 1e-6)
	assert.InDelta(t, 0, float64(y), 1e-6)
}
