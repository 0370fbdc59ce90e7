package imageprocessor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"go.uber.org/zap"
	"golang.org/x/image/font/basicfont"
)

// DebugSink receives intermediate artefacts of a request. It is opt-in.
type DebugSink interface {
	Capture(ctx context.Context, requestID string, original, anonymized image.Image, boxes []BoundingBox) error
}

// NopDebugSink discards everything.
type NopDebugSink struct{}

// Capture implements DebugSink.
func (NopDebugSink) Capture(context.Context, string, image.Image, image.Image, []BoundingBox) error {
	return nil
}

// FileDebugSink writes the original, the anonymized and an annotated copy of
// each request into Dir, named after the request id.
type FileDebugSink struct {
	Dir    string
	Logger *zap.Logger
}

// NewFileDebugSink creates dir if needed.
func NewFileDebugSink(dir string, logger *zap.Logger) (*FileDebugSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create debug dir %s: %w", dir, err)
	}
	return &FileDebugSink{Dir: dir, Logger: logger.Named("debug_sink")}, nil
}

// Capture implements DebugSink.
func (s *FileDebugSink) Capture(ctx context.Context, requestID string, original, anonymized image.Image, boxes []BoundingBox) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if requestID == "" {
		return errors.New("debug capture requires a request id")
	}

	files := map[string]image.Image{
		"original":  original,
		"blurred":   anonymized,
		"annotated": Annotate(anonymized, boxes),
	}
	for suffix, img := range files {
		path := filepath.Join(s.Dir, fmt.Sprintf("%s-%s.png", requestID, suffix))
		if err := imaging.Save(img, path); err != nil {
			return fmt.Errorf("save %s: %w", path, err)
		}
	}

	s.Logger.Debug("captured debug images",
		zap.String("request_id", requestID),
		zap.String("dir", s.Dir),
		zap.Int("faces", len(boxes)),
		zap.Any("boxes", boxes),
	)
	return nil
}

// Annotate draws an outline and an index label over every box.
func Annotate(img image.Image, boxes []BoundingBox) image.Image {
	dc := gg.NewContextForImage(img)
	dc.SetFontFace(basicfont.Face7x13)
	dc.SetLineWidth(2)

	for i, box := range boxes {
		x, y := float64(box.Left), float64(box.Top)
		w, h := float64(box.Right-box.Left), float64(box.Bottom-box.Top)

		dc.SetColor(color.NRGBA{R: 255, A: 255})
		dc.DrawRectangle(x, y, w, h)
		dc.Stroke()

		label := fmt.Sprintf("face %d", i+1)
		dc.DrawStringAnchored(label, x+2, y+2, 0, 1)
	}
	return dc.Image()
}
