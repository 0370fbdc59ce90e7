package imageprocessor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"

	"go.uber.org/zap"

	"github.com/example/face-blur/internal/logging"
)

// Options configures a Pipeline.
type Options struct {
	Detector  Detector
	MaxPixels int64
	// DebugSink defaults to NopDebugSink.
	DebugSink DebugSink
	Logger    *zap.Logger
}

// Pipeline decodes a PNG, detects faces, blurs them and encodes the result.
type Pipeline struct {
	detector  Detector
	maxPixels int64
	debug     DebugSink
	logger    *zap.Logger
	encoder   png.Encoder
}

// NewPipeline validates opts and builds a Pipeline.
func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Detector == nil {
		return nil, errors.New("detector is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DebugSink == nil {
		opts.DebugSink = NopDebugSink{}
	}
	return &Pipeline{
		detector:  opts.Detector,
		maxPixels: opts.MaxPixels,
		debug:     opts.DebugSink,
		logger:    opts.Logger.Named("pipeline"),
		encoder:   png.Encoder{CompressionLevel: png.DefaultCompression},
	}, nil
}

// Process runs the whole pipeline. Errors are *ProcessingError, or
// ErrImageTooLarge, or the context error.
func (p *Pipeline) Process(ctx context.Context, req Request) (*Result, error) {
	opLogger := logging.WithOperation(p.logger, "pipeline.process", req.RequestID)

	img, err := p.decode(req.Image)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	detector := p.detector
	if req.Detector != nil {
		detector = req.Detector
	}
	raw, err := detector.Detect(ctx, img)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ProcessingError{Stage: StageDetect, Err: err}
	}
	faces := NormalizeBoxes(raw, img.Bounds())
	if len(faces) != len(raw) {
		opLogger.Debug("dropped out-of-bounds boxes", zap.Int("reported", len(raw)), zap.Int("kept", len(faces)))
	}

	anonymized := Anonymize(img, faces)

	if err := p.debug.Capture(ctx, req.RequestID, img, anonymized, faces); err != nil {
		opLogger.Warn("debug capture failed", zap.Error(err))
	}

	var buf bytes.Buffer
	if err := p.encoder.Encode(&buf, anonymized); err != nil {
		return nil, &ProcessingError{Stage: StageEncode, Err: err}
	}

	bounds := anonymized.Bounds()
	opLogger.Debug("image anonymized",
		zap.Int("faces", len(faces)),
		zap.Int("width", bounds.Dx()),
		zap.Int("height", bounds.Dy()),
	)

	return &Result{
		PNG:    buf.Bytes(),
		Faces:  faces,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}

// decode checks the header against the pixel limit before decoding the image.
func (p *Pipeline) decode(data []byte) (image.Image, error) {
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &ProcessingError{Stage: StageDecode, Err: err}
	}
	if p.maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > p.maxPixels {
		return nil, ErrImageTooLarge
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &ProcessingError{Stage: StageDecode, Err: err}
	}
	return img, nil
}
