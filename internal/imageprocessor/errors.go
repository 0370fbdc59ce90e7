package imageprocessor

import (
	"errors"
	"fmt"
)

// Pipeline stages reported by ProcessingError.
const (
	StageDecode = "decode"
	StageDetect = "detect"
	StageEncode = "encode"
)

// ErrImageTooLarge is returned when the image dimensions exceed the pixel limit.
var ErrImageTooLarge = errors.New("image exceeds the maximum pixel count")

// InvalidInputError rejects an upload before any processing happens.
type InvalidInputError struct {
	Message string
}

func (e *InvalidInputError) Error() string {
	return e.Message
}

// NewInvalidInputError builds an InvalidInputError with a formatted message.
func NewInvalidInputError(format string, args ...any) error {
	return &InvalidInputError{Message: fmt.Sprintf(format, args...)}
}

// ProcessingError reports a failure inside the pipeline.
type ProcessingError struct {
	Stage string
	Err   error
}

func (e *ProcessingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to %s image: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("failed to %s image", e.Stage)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// PublicMessage is the client-facing text; it omits the underlying cause.
func (e *ProcessingError) PublicMessage() string {
	return fmt.Sprintf("failed to %s image", e.Stage)
}
