package detector

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	pigo "github.com/esimov/pigo/core"

	"github.com/example/face-blur/internal/imageprocessor"
)

func TestNewPigoRejectsBadCascades(t *testing.T) {
	if _, err := NewPigo(nil, PigoConfig{}); err == nil {
		t.Fatal("expected error for empty cascade")
	}
	if _, err := NewPigo([]byte{0x01, 0x02, 0x03}, PigoConfig{}); err == nil {
		t.Fatal("expected error for malformed cascade")
	}
	if _, err := NewPigo([]byte("cascade"), PigoConfig{MinSize: 200, MaxSize: 100}); err == nil {
		t.Fatal("expected error for inverted size range")
	}
}

func TestLoadPigoMissingFile(t *testing.T) {
	_, err := LoadPigo(filepath.Join(t.TempDir(), "missing"), PigoConfig{})
	if err == nil {
		t.Fatal("expected error for missing cascade file")
	}
}

func TestToBoxesFiltersAndConverts(t *testing.T) {
	dets := []pigo.Detection{
		{Row: 50, Col: 40, Scale: 20, Q: 9.5},
		{Row: 10, Col: 10, Scale: 8, Q: 1.0},
	}

	boxes := toBoxes(dets, 5.0, image.Rect(0, 0, 100, 100))
	if len(boxes) != 1 {
		t.Fatalf("expected one box above the quality threshold, got %v", boxes)
	}
	want := imageprocessor.BoundingBox{Top: 40, Right: 50, Bottom: 60, Left: 30}
	if boxes[0] != want {
		t.Fatalf("expected %v, got %v", want, boxes[0])
	}
}

func TestPigoConfigDefaults(t *testing.T) {
	var cfg PigoConfig
	cfg.applyDefaults()
	if cfg.MinSize != 20 || cfg.MaxSize != 1000 || cfg.ScaleFactor != 1.1 || cfg.QualityThreshold != 5.0 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

// The cascade is not vendored; drop the facefinder file from the pigo
// repository into testdata/ to run this.
func TestPigoFindsNothingInBlankImage(t *testing.T) {
	path := filepath.Join("testdata", "facefinder")
	if _, err := os.Stat(path); err != nil {
		t.Skipf("cascade not available: %v", err)
	}
	detector, err := LoadPigo(path, PigoConfig{})
	if err != nil {
		t.Fatalf("load cascade: %v", err)
	}

	img := image.NewNRGBA(image.Rect(0, 0, 120, 80))
	for y := 0; y < 80; y++ {
		for x := 0; x < 120; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 200, B: 200, A: 255})
		}
	}

	first, err := detector.Detect(context.Background(), img)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(first) != 0 {
		t.Fatalf("expected no faces in a blank image, got %v", first)
	}
}

func TestFingerprintTracksCascadeAndParams(t *testing.T) {
	cfg := PigoConfig{}
	cfg.applyDefaults()

	base := fingerprint([]byte("cascade-a"), cfg)
	if base != fingerprint([]byte("cascade-a"), cfg) {
		t.Fatal("fingerprint must be stable")
	}
	if base == fingerprint([]byte("cascade-b"), cfg) {
		t.Fatal("fingerprint must change with the cascade")
	}

	tuned := cfg
	tuned.QualityThreshold = 7.5
	if base == fingerprint([]byte("cascade-a"), tuned) {
		t.Fatal("fingerprint must change with the quality threshold")
	}
}
