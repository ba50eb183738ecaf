// Package media prepares camera frames for the live wire: aspect-aware
// downscaling plus JPEG encoding tuned for a one-snapshot-per-second
// cadence.
package media

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// Default snapshot shape. The live service only needs a rough view of
// the scene, so snapshots are small and aggressively compressed.
const (
	DefaultMaxWidth  = 320
	DefaultMaxHeight = 180
	DefaultQuality   = 40
)

// SnapshotConfig configures frame encoding.
type SnapshotConfig struct {
	// MaxWidth and MaxHeight bound the snapshot (0 = no limit). The
	// aspect ratio of the source frame is always preserved.
	MaxWidth  int
	MaxHeight int

	// Quality is the JPEG quality (1-100).
	Quality int
}

// DefaultSnapshotConfig returns the wire defaults.
func DefaultSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		MaxWidth:  DefaultMaxWidth,
		MaxHeight: DefaultMaxHeight,
		Quality:   DefaultQuality,
	}
}

// EncodeSnapshot downscales a camera frame to fit the configured bounds
// and encodes it as JPEG. Frames already within bounds are encoded
// as-is.
func EncodeSnapshot(img image.Image, cfg SnapshotConfig) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("nil frame")
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("empty frame %dx%d", bounds.Dx(), bounds.Dy())
	}

	width, height := targetDimensions(bounds.Dx(), bounds.Dy(), cfg.MaxWidth, cfg.MaxHeight)
	if width < bounds.Dx() || height < bounds.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		img = dst
	}

	quality := cfg.Quality
	if quality <= 0 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// targetDimensions shrinks the source shape to fit the bounds while
// preserving its aspect ratio.
func targetDimensions(origWidth, origHeight, maxWidth, maxHeight int) (int, int) {
	width, height := origWidth, origHeight

	if maxWidth > 0 && width > maxWidth {
		ratio := float64(maxWidth) / float64(width)
		width = maxWidth
		height = int(float64(height) * ratio)
	}
	if maxHeight > 0 && height > maxHeight {
		ratio := float64(maxHeight) / float64(height)
		height = maxHeight
		width = int(float64(width) * ratio)
	}

	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	return width, height
}
