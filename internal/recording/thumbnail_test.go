package recording

import (
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huykuka/lidargraph/internal/pointcloud"
)

func TestGenerateThumbnail(t *testing.T) {
	out := filepath.Join(t.TempDir(), "thumb.png")
	points := pointcloud.FromRows([][]float32{
		{0, 0, 0}, // all-zero row is filtered out
		{1, 1, 0}, {2, 3, 0}, {-1, 2, 0.5},
	})

	ok, err := GenerateThumbnail(points, out, ViewTop)
	require.NoError(t, err)
	require.True(t, ok)

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 300, img.Bounds().Dx())
	assert.Equal(t, 300, img.Bounds().Dy())
}

func TestGenerateThumbnailDegenerateCases(t *testing.T) {
	out := filepath.Join(t.TempDir(), "thumb.png")

	ok, err := GenerateThumbnail(pointcloud.NewCloud(3, 0), out, ViewTop)
	require.NoError(t, err)
	assert.False(t, ok, "empty cloud produces no thumbnail")

	allZero := pointcloud.FromRows([][]float32{{0, 0, 0}, {0, 0, 0}})
	ok, err = GenerateThumbnail(allZero, out, ViewTop)
	require.NoError(t, err)
	assert.False(t, ok, "all-zero cloud produces no thumbnail")

	single := pointcloud.FromRows([][]float32{{1, 1, 1}})
	ok, err = GenerateThumbnail(single, out, ViewTop)
	require.NoError(t, err)
	assert.False(t, ok, "single-point cloud is degenerate")
}

func TestGenerateThumbnailViews(t *testing.T) {
	points := pointcloud.FromRows([][]float32{
		{1, 2, 3}, {4, 5, 6}, {-2, 0, 1}, {0.5, -1, 2},
	})
	for _, view := range []string{ViewTop, ViewFront, ViewSide, ViewIsometric} {
		out := filepath.Join(t.TempDir(), view+".png")
		ok, err := GenerateThumbnail(points, out, view)
		require.NoError(t, err, "view %s", view)
		assert.True(t, ok, "view %s", view)
	}
}

func TestGenerateThumbnailFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.lidr")
	w, err := NewWriter(path, nil)
	require.NoError(t, err)

	// First frames empty, later frames populated: the auto-selection must
	// walk forward until it finds a usable one.
	for i := 0; i < 5; i++ {
		require.NoError(t, w.WriteFrame(pointcloud.NewCloud(3, 0), float64(i)))
	}
	for i := 5; i < 20; i++ {
		require.NoError(t, w.WriteFrame(makeCloud(50, float32(i)), float64(i)))
	}
	_, err = w.Finalize()
	require.NoError(t, err)

	out := filepath.Join(dir, "thumb.png")
	ok, err := GenerateThumbnailFromFile(path, -1, out, ViewTop)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = os.Stat(out)
	assert.NoError(t, err)
}

func TestGenerateThumbnailFromEmptyRecording(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.lidr")
	w, err := NewWriter(path, nil)
	require.NoError(t, err)
	_, err = w.Finalize()
	require.NoError(t, err)

	ok, err := GenerateThumbnailFromFile(path, -1, filepath.Join(dir, "thumb.png"), ViewTop)
	require.NoError(t, err)
	assert.False(t, ok)
}
