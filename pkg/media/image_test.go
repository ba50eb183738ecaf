package media

import (
	"bytes"
	"image"
	"image/jpeg"
	"testing"
)

func decodeJPEG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return img
}

func TestEncodeSnapshotDownscalesWideFrame(t *testing.T) {
	t.Parallel()

	// 1280x720 camera frame, same 16:9 shape as the snapshot bounds.
	frame := image.NewRGBA(image.Rect(0, 0, 1280, 720))
	data, err := EncodeSnapshot(frame, DefaultSnapshotConfig())
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}

	out := decodeJPEG(t, data).Bounds()
	if out.Dx() != 320 || out.Dy() != 180 {
		t.Fatalf("snapshot=%dx%d, want 320x180", out.Dx(), out.Dy())
	}
}

func TestEncodeSnapshotPreservesAspectRatio(t *testing.T) {
	t.Parallel()

	// Portrait frame: the height bound dominates.
	frame := image.NewRGBA(image.Rect(0, 0, 720, 1280))
	data, err := EncodeSnapshot(frame, DefaultSnapshotConfig())
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}

	out := decodeJPEG(t, data).Bounds()
	if out.Dy() != 180 {
		t.Fatalf("height=%d, want 180", out.Dy())
	}
	if out.Dx() != 101 {
		t.Fatalf("width=%d, want 101 (aspect preserved)", out.Dx())
	}
}

func TestEncodeSnapshotKeepsSmallFrames(t *testing.T) {
	t.Parallel()

	frame := image.NewRGBA(image.Rect(0, 0, 160, 90))
	data, err := EncodeSnapshot(frame, DefaultSnapshotConfig())
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}

	out := decodeJPEG(t, data).Bounds()
	if out.Dx() != 160 || out.Dy() != 90 {
		t.Fatalf("snapshot=%dx%d, want unchanged 160x90", out.Dx(), out.Dy())
	}
}

func TestEncodeSnapshotRejectsInvalidFrames(t *testing.T) {
	t.Parallel()

	if _, err := EncodeSnapshot(nil, DefaultSnapshotConfig()); err == nil {
		t.Fatal("nil frame accepted")
	}
	if _, err := EncodeSnapshot(image.NewRGBA(image.Rect(0, 0, 0, 0)), DefaultSnapshotConfig()); err == nil {
		t.Fatal("empty frame accepted")
	}
}
