package imageprocessor

import (
	"context"
	"image"
	"sort"
)

// BoundingBox is a detected face region in pixel coordinates. Bottom and Right
// are exclusive.
type BoundingBox struct {
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
}

// Rect converts the box to an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.Left, b.Top, b.Right, b.Bottom)
}

// Empty reports whether the box covers no pixels.
func (b BoundingBox) Empty() bool {
	return b.Top >= b.Bottom || b.Left >= b.Right
}

// BoxFromRect converts an image.Rectangle to a BoundingBox.
func BoxFromRect(r image.Rectangle) BoundingBox {
	r = r.Canon()
	return BoundingBox{Top: r.Min.Y, Right: r.Max.X, Bottom: r.Max.Y, Left: r.Min.X}
}

// Detector locates faces in an image. Implementations must be safe for
// concurrent use.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]BoundingBox, error)
}

// Result contains the outcome of anonymizing one image.
type Result struct {
	PNG    []byte
	Faces  []BoundingBox
	Width  int
	Height int
}

// Request is one unit of work for a Processor.
type Request struct {
	RequestID string
	Image     []byte
	// Detector overrides the processor's detector for this request when set.
	Detector Detector
}

// Processor exposes the anonymization pipeline used by the HTTP flow.
type Processor interface {
	Process(ctx context.Context, req Request) (*Result, error)
}

// NormalizeBoxes clamps boxes to bounds, drops the ones left empty and sorts
// the rest top-to-bottom, left-to-right.
func NormalizeBoxes(boxes []BoundingBox, bounds image.Rectangle) []BoundingBox {
	out := make([]BoundingBox, 0, len(boxes))
	for _, box := range boxes {
		clamped := BoxFromRect(box.Rect().Intersect(bounds))
		if clamped.Empty() {
			continue
		}
		out = append(out, clamped)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Top != out[j].Top {
			return out[i].Top < out[j].Top
		}
		return out[i].Left < out[j].Left
	})
	return out
}
