package detector

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"os"

	pigo "github.com/esimov/pigo/core"

	"github.com/example/face-blur/internal/config"
	"github.com/example/face-blur/internal/imageprocessor"
)

// PigoConfig tunes the cascade scan. Zero values take the defaults below.
type PigoConfig struct {
	MinSize          int
	MaxSize          int
	ShiftFactor      float64
	ScaleFactor      float64
	IoUThreshold     float64
	QualityThreshold float32
	Angle            float64
}

func (c *PigoConfig) applyDefaults() {
	if c.MinSize == 0 {
		c.MinSize = 20
	}
	if c.MaxSize == 0 {
		c.MaxSize = 1000
	}
	if c.ShiftFactor == 0 {
		c.ShiftFactor = 0.1
	}
	if c.ScaleFactor == 0 {
		c.ScaleFactor = 1.1
	}
	if c.IoUThreshold == 0 {
		c.IoUThreshold = 0.2
	}
	if c.QualityThreshold == 0 {
		c.QualityThreshold = 5.0
	}
}

// Pigo detects faces with a pigo pixel-intensity-comparison cascade.
type Pigo struct {
	cfg         PigoConfig
	classifier  *pigo.Pigo
	fingerprint string
}

// LoadPigo reads and unpacks the cascade file at path.
func LoadPigo(path string, cfg PigoConfig) (*Pigo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cascade file %s: %w", path, err)
	}
	return NewPigo(data, cfg)
}

// NewPigo unpacks a cascade from memory.
func NewPigo(cascade []byte, cfg PigoConfig) (*Pigo, error) {
	if len(cascade) == 0 {
		return nil, errors.New("empty cascade")
	}
	cfg.applyDefaults()
	if cfg.MinSize > cfg.MaxSize {
		return nil, fmt.Errorf("min size %d exceeds max size %d", cfg.MinSize, cfg.MaxSize)
	}

	classifier, err := unpack(cascade)
	if err != nil {
		return nil, err
	}
	return &Pigo{cfg: cfg, classifier: classifier, fingerprint: fingerprint(cascade, cfg)}, nil
}

// FromConfig loads the cascade and parameters named by cfg.
func FromConfig(cfg config.DetectorConfig) (*Pigo, error) {
	return LoadPigo(cfg.CascadeFile, PigoConfig{
		MinSize:          cfg.MinSize,
		MaxSize:          cfg.MaxSize,
		ShiftFactor:      cfg.ShiftFactor,
		ScaleFactor:      cfg.ScaleFactor,
		IoUThreshold:     cfg.IoUThreshold,
		QualityThreshold: cfg.QualityThreshold,
		Angle:            cfg.Angle,
	})
}

func fingerprint(cascade []byte, cfg PigoConfig) string {
	h := sha1.New()
	h.Write(cascade)
	fmt.Fprintf(h, "|%d|%d|%g|%g|%g|%g|%g", cfg.MinSize, cfg.MaxSize, cfg.ShiftFactor,
		cfg.ScaleFactor, cfg.IoUThreshold, cfg.QualityThreshold, cfg.Angle)
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// unpack guards against malformed cascades; pigo indexes the packet without
// bounds checks.
func unpack(cascade []byte) (classifier *pigo.Pigo, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unpack cascade: malformed data: %v", r)
		}
	}()
	classifier, err = pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("unpack cascade: %w", err)
	}
	return classifier, nil
}

// Name identifies the backend in cache keys and logs.
func (p *Pigo) Name() string {
	return "pigo"
}

// Fingerprint changes whenever the cascade or any scan parameter changes.
func (p *Pigo) Fingerprint() string {
	return p.fingerprint
}

// Detect implements imageprocessor.Detector. The classifier is read-only after
// unpacking, so concurrent calls are safe.
func (p *Pigo) Detect(ctx context.Context, img image.Image) ([]imageprocessor.BoundingBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	cols, rows := bounds.Dx(), bounds.Dy()
	if cols == 0 || rows == 0 {
		return nil, nil
	}

	params := pigo.CascadeParams{
		MinSize:     p.cfg.MinSize,
		MaxSize:     p.cfg.MaxSize,
		ShiftFactor: p.cfg.ShiftFactor,
		ScaleFactor: p.cfg.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pigo.RgbToGrayscale(pigo.ImgToNRGBA(img)),
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	dets := p.classifier.RunCascade(params, p.cfg.Angle)
	dets = p.classifier.ClusterDetections(dets, p.cfg.IoUThreshold)

	return toBoxes(dets, p.cfg.QualityThreshold, bounds), nil
}

// toBoxes converts centre/scale detections into square boxes in image
// coordinates.
func toBoxes(dets []pigo.Detection, minQuality float32, bounds image.Rectangle) []imageprocessor.BoundingBox {
	boxes := make([]imageprocessor.BoundingBox, 0, len(dets))
	for _, det := range dets {
		if det.Q < minQuality {
			continue
		}
		half := det.Scale / 2
		rect := image.Rect(det.Col-half, det.Row-half, det.Col+half, det.Row+half).Add(bounds.Min)
		boxes = append(boxes, imageprocessor.BoxFromRect(rect))
	}
	return boxes
}
