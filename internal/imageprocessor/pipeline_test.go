package imageprocessor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

type stubDetector struct {
	boxes []BoundingBox
	err   error
	calls int
}

func (s *stubDetector) Detect(ctx context.Context, img image.Image) ([]BoundingBox, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.boxes, nil
}

type recordingSink struct {
	requestIDs []string
	boxes      [][]BoundingBox
}

func (r *recordingSink) Capture(ctx context.Context, requestID string, original, anonymized image.Image, boxes []BoundingBox) error {
	r.requestIDs = append(r.requestIDs, requestID)
	r.boxes = append(r.boxes, boxes)
	return nil
}

func solidPNG(t *testing.T, w, h int, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return encodePNG(t, img)
}

func checkerPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x/2+y/2)%2 == 0 {
				img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
			} else {
				img.SetNRGBA(x, y, color.NRGBA{A: 255})
			}
		}
	}
	return encodePNG(t, img)
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func decodePNG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	return img
}

func samePixel(a, b image.Image, x, y int) bool {
	return color.NRGBAModel.Convert(a.At(x, y)) == color.NRGBAModel.Convert(b.At(x, y))
}

func newTestPipeline(t *testing.T, detector Detector, sink DebugSink) *Pipeline {
	t.Helper()
	p, err := NewPipeline(Options{
		Detector:  detector,
		MaxPixels: 1_000_000,
		DebugSink: sink,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func TestProcessWithoutFacesKeepsPixels(t *testing.T) {
	input := solidPNG(t, 100, 100, color.NRGBA{R: 30, G: 120, B: 200, A: 255})
	p := newTestPipeline(t, &stubDetector{}, nil)

	result, err := p.Process(context.Background(), Request{RequestID: "req-1", Image: input})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(result.Faces) != 0 {
		t.Fatalf("expected no faces, got %v", result.Faces)
	}
	if result.Width != 100 || result.Height != 100 {
		t.Fatalf("unexpected dimensions %dx%d", result.Width, result.Height)
	}

	in, out := decodePNG(t, input), decodePNG(t, result.PNG)
	if out.Bounds().Dx() != 100 || out.Bounds().Dy() != 100 {
		t.Fatalf("round trip changed dimensions: %v", out.Bounds())
	}
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			if !samePixel(in, out, x, y) {
				t.Fatalf("pixel (%d,%d) changed", x, y)
			}
		}
	}
}

func TestProcessBlursOnlyFaceRegions(t *testing.T) {
	input := checkerPNG(t, 80, 60)
	face := BoundingBox{Top: 10, Right: 50, Bottom: 40, Left: 20}
	sink := &recordingSink{}
	p := newTestPipeline(t, &stubDetector{boxes: []BoundingBox{face}}, sink)

	result, err := p.Process(context.Background(), Request{RequestID: "req-2", Image: input})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(result.Faces) != 1 || result.Faces[0] != face {
		t.Fatalf("unexpected faces: %v", result.Faces)
	}

	in, out := decodePNG(t, input), decodePNG(t, result.PNG)
	changed := 0
	for y := 0; y < 60; y++ {
		for x := 0; x < 80; x++ {
			inside := image.Pt(x, y).In(face.Rect())
			same := samePixel(in, out, x, y)
			if !inside && !same {
				t.Fatalf("pixel (%d,%d) outside the face changed", x, y)
			}
			if inside && !same {
				changed++
			}
		}
	}
	if changed == 0 {
		t.Fatal("expected the face region to be blurred")
	}

	if len(sink.requestIDs) != 1 || sink.requestIDs[0] != "req-2" {
		t.Fatalf("expected debug sink to see the request, got %v", sink.requestIDs)
	}
}

func TestProcessRequestDetectorOverride(t *testing.T) {
	base := &stubDetector{}
	override := &stubDetector{boxes: []BoundingBox{{Top: 0, Right: 4, Bottom: 4, Left: 0}}}
	p := newTestPipeline(t, base, nil)

	result, err := p.Process(context.Background(), Request{Image: checkerPNG(t, 10, 10), Detector: override})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if base.calls != 0 || override.calls != 1 {
		t.Fatalf("expected override to be used, base=%d override=%d", base.calls, override.calls)
	}
	if len(result.Faces) != 1 {
		t.Fatalf("expected one face, got %v", result.Faces)
	}
}

func TestProcessGarbageIsDecodeError(t *testing.T) {
	p := newTestPipeline(t, &stubDetector{}, nil)

	_, err := p.Process(context.Background(), Request{Image: []byte("definitely not a png")})
	var procErr *ProcessingError
	if !errors.As(err, &procErr) {
		t.Fatalf("expected ProcessingError, got %T (%v)", err, err)
	}
	if procErr.Stage != StageDecode {
		t.Fatalf("unexpected stage: %s", procErr.Stage)
	}
	if procErr.PublicMessage() != "failed to decode image" {
		t.Fatalf("unexpected message: %s", procErr.PublicMessage())
	}
}

func TestProcessDetectorFailure(t *testing.T) {
	p := newTestPipeline(t, &stubDetector{err: errors.New("model unavailable")}, nil)

	_, err := p.Process(context.Background(), Request{Image: solidPNG(t, 8, 8, color.NRGBA{A: 255})})
	var procErr *ProcessingError
	if !errors.As(err, &procErr) || procErr.Stage != StageDetect {
		t.Fatalf("expected detect ProcessingError, got %v", err)
	}
}

func TestProcessRejectsOversizedImage(t *testing.T) {
	p, err := NewPipeline(Options{Detector: &stubDetector{}, MaxPixels: 100})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	_, err = p.Process(context.Background(), Request{Image: solidPNG(t, 20, 20, color.NRGBA{A: 255})})
	if !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("expected ErrImageTooLarge, got %v", err)
	}
}

func TestProcessHonoursCancelledContext(t *testing.T) {
	detector := &stubDetector{}
	p := newTestPipeline(t, detector, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Process(ctx, Request{Image: solidPNG(t, 8, 8, color.NRGBA{A: 255})})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if detector.calls != 0 {
		t.Fatalf("detector should not run after cancellation")
	}
}

func TestProcessIsDeterministic(t *testing.T) {
	input := checkerPNG(t, 40, 40)
	detector := &stubDetector{boxes: []BoundingBox{
		{Top: 20, Right: 30, Bottom: 35, Left: 10},
		{Top: 2, Right: 12, Bottom: 12, Left: 2},
	}}
	p := newTestPipeline(t, detector, nil)

	first, err := p.Process(context.Background(), Request{Image: input})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := p.Process(context.Background(), Request{Image: input})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(first.Faces) != len(second.Faces) {
		t.Fatalf("face count differs: %d vs %d", len(first.Faces), len(second.Faces))
	}
	for i := range first.Faces {
		if first.Faces[i] != second.Faces[i] {
			t.Fatalf("face %d differs: %v vs %v", i, first.Faces[i], second.Faces[i])
		}
	}
	if !bytes.Equal(first.PNG, second.PNG) {
		t.Fatal("expected identical output for identical input")
	}
}

func TestNormalizeBoxes(t *testing.T) {
	bounds := image.Rect(0, 0, 100, 50)
	boxes := []BoundingBox{
		{Top: 30, Right: 120, Bottom: 70, Left: 90},
		{Top: -5, Right: 20, Bottom: 10, Left: -10},
		{Top: 60, Right: 20, Bottom: 80, Left: 0},
		{Top: 10, Right: 10, Bottom: 20, Left: 10},
	}

	got := NormalizeBoxes(boxes, bounds)
	want := []BoundingBox{
		{Top: 0, Right: 20, Bottom: 10, Left: 0},
		{Top: 30, Right: 100, Bottom: 50, Left: 90},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("box %d: expected %v, got %v", i, want[i], got[i])
		}
		b := got[i]
		if !(0 <= b.Top && b.Top < b.Bottom && b.Bottom <= 50 && 0 <= b.Left && b.Left < b.Right && b.Right <= 100) {
			t.Fatalf("box %v violates bounds", b)
		}
	}
}

func TestFileDebugSinkWritesPerRequestFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "debug")
	sink, err := NewFileDebugSink(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}

	img := decodePNG(t, checkerPNG(t, 16, 16))
	boxes := []BoundingBox{{Top: 2, Right: 10, Bottom: 10, Left: 2}}
	if err := sink.Capture(context.Background(), "abc", img, Anonymize(img, boxes), boxes); err != nil {
		t.Fatalf("capture: %v", err)
	}

	for _, suffix := range []string{"original", "blurred", "annotated"} {
		path := filepath.Join(dir, "abc-"+suffix+".png")
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("expected %s: %v", path, err)
		}
		if decodePNG(t, data).Bounds().Dx() != 16 {
			t.Fatalf("unexpected dimensions for %s", path)
		}
	}

	if err := sink.Capture(context.Background(), "", img, img, nil); err == nil {
		t.Fatal("expected an error without request id")
	}
}

func TestBlurSigmaForKernel(t *testing.T) {
	if got := blurSigma(BlurSigmaKernel); got < 3.79 || got > 3.81 {
		t.Fatalf("unexpected sigma %f", got)
	}
}

func TestAnonymizeMatchesPasteAndLeavesInputUntouched(t *testing.T) {
	img := decodePNG(t, checkerPNG(t, 64, 48))
	before := imaging.Clone(img)
	boxes := []BoundingBox{
		{Top: 4, Right: 30, Bottom: 30, Left: 4},
		{Top: 20, Right: 50, Bottom: 44, Left: 24},
	}

	got := Anonymize(img, boxes)

	want := imaging.Clone(img)
	sigma := blurSigma(BlurSigmaKernel)
	for _, box := range boxes {
		rect := box.Rect()
		want = imaging.Paste(want, imaging.Blur(imaging.Crop(want, rect), sigma), rect.Min)
	}

	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			if !samePixel(got, want, x, y) {
				t.Fatalf("pixel (%d,%d) differs from the paste-based result", x, y)
			}
			if !samePixel(img, before, x, y) {
				t.Fatalf("input modified at (%d,%d)", x, y)
			}
		}
	}
}
