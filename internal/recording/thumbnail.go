package recording

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"github.com/huykuka/lidargraph/internal/pointcloud"
)

// Thumbnail views.
const (
	ViewTop       = "top"
	ViewFront     = "front"
	ViewSide      = "side"
	ViewIsometric = "isometric"
)

// Workspace background and point colors, matching the frontend canvas.
var (
	thumbnailBackground = color.RGBA{R: 0x2A, G: 0x2A, B: 0x2B, A: 0xFF}
	thumbnailPointColor = color.RGBA{R: 0x3B, G: 0x82, B: 0xF6, A: 0xFF}
)

const (
	thumbnailSize    = 300
	thumbnailPadding = 0.1
	pointRadius      = 2
)

// GenerateThumbnail rasterizes a 2D projection of the cloud to a PNG.
// All-zero rows are dropped first. Returns false without error when the
// cloud is empty or degenerate (single distinct point).
func GenerateThumbnail(points *pointcloud.Cloud, outputPath, view string) (bool, error) {
	if points == nil || points.Len() == 0 {
		return false, nil
	}

	n := points.Len()
	xs := make([]float64, 0, n)
	ys := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		p := points.XYZ64(i)
		if p[0] == 0 && p[1] == 0 && p[2] == 0 {
			continue
		}
		px, py := project(p, view)
		xs = append(xs, px)
		ys = append(ys, py)
	}
	if len(xs) == 0 {
		return false, nil
	}

	minX, maxX := minMax(xs)
	minY, maxY := minMax(ys)
	if maxX-minX == 0 && maxY-minY == 0 {
		return false, nil
	}

	rangeX := maxX - minX
	rangeY := maxY - minY
	minX -= rangeX * thumbnailPadding
	maxX += rangeX * thumbnailPadding
	minY -= rangeY * thumbnailPadding
	maxY += rangeY * thumbnailPadding

	img := image.NewRGBA(image.Rect(0, 0, thumbnailSize, thumbnailSize))
	for y := 0; y < thumbnailSize; y++ {
		for x := 0; x < thumbnailSize; x++ {
			img.SetRGBA(x, y, thumbnailBackground)
		}
	}

	for i := range xs {
		px := normalize(xs[i], minX, maxX)
		// Image coordinates are top-down.
		py := thumbnailSize - 1 - normalize(ys[i], minY, maxY)
		drawPoint(img, px, py)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return false, err
	}
	out, err := os.Create(outputPath)
	if err != nil {
		return false, err
	}
	defer out.Close()
	if err := png.Encode(out, img); err != nil {
		return false, err
	}
	return true, nil
}

func project(p [3]float64, view string) (float64, float64) {
	switch view {
	case ViewFront:
		return p[0], p[2]
	case ViewSide:
		return p[1], p[2]
	case ViewIsometric:
		// Rotate 45 degrees around Z first, then project top-down.
		c, s := math.Cos(math.Pi/4), math.Sin(math.Pi/4)
		return c*p[0] - s*p[1], s*p[0] + c*p[1]
	default: // top
		return p[0], p[1]
	}
}

func minMax(vals []float64) (min, max float64) {
	min, max = vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

func normalize(v, min, max float64) int {
	if max <= min {
		return thumbnailSize / 2
	}
	return int((v - min) / (max - min) * float64(thumbnailSize-1))
}

func drawPoint(img *image.RGBA, cx, cy int) {
	for dy := -pointRadius; dy <= pointRadius; dy++ {
		for dx := -pointRadius; dx <= pointRadius; dx++ {
			if dx*dx+dy*dy > pointRadius*pointRadius {
				continue
			}
			x, y := cx+dx, cy+dy
			if x >= 0 && x < thumbnailSize && y >= 0 && y < thumbnailSize {
				img.SetRGBA(x, y, thumbnailPointColor)
			}
		}
	}
}

// GenerateThumbnailFromFile renders a thumbnail for a recorded archive.
// frameIndex < 0 auto-selects: start 10% into the recording and try up to
// ten further-spaced frames until one produces a non-degenerate projection.
// Returns false when every candidate frame is empty.
func GenerateThumbnailFromFile(recordingPath string, frameIndex int, outputPath, view string) (bool, error) {
	reader, err := OpenReader(recordingPath)
	if err != nil {
		return false, err
	}
	defer reader.Close()

	if reader.FrameCount == 0 {
		return false, nil
	}

	var candidates []int
	if frameIndex >= 0 {
		if frameIndex >= reader.FrameCount {
			frameIndex = reader.FrameCount - 1
		}
		candidates = []int{frameIndex}
	} else {
		const startPct = 0.1
		seen := map[int]bool{}
		for i := 0; i < 10; i++ {
			pct := startPct + float64(i)*((1.0-startPct)/10.0)
			idx := int(float64(reader.FrameCount) * pct)
			if idx >= reader.FrameCount {
				idx = reader.FrameCount - 1
			}
			if !seen[idx] {
				seen[idx] = true
				candidates = append(candidates, idx)
			}
		}
	}

	for _, idx := range candidates {
		points, _, err := reader.Frame(idx)
		if err != nil {
			return false, err
		}
		ok, err := GenerateThumbnail(points, outputPath, view)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
