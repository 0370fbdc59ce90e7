package imageprocessor

import (
	"image"
	"image/draw"

	"github.com/disintegration/imaging"
)

// BlurSigmaKernel is the nominal kernel side (23 px) the face blur strength is
// derived from. It only sets sigma; imaging.Blur sizes its own kernel from
// sigma (radius ceil(3*sigma)), which spans 25 px for this value.
const BlurSigmaKernel = 23

// blurSigma derives the Gaussian sigma from a kernel size the same way
// common image libraries do when sigma is left unset.
func blurSigma(kernelSize int) float64 {
	return 0.3*(float64(kernelSize-1)*0.5-1) + 0.8
}

// Anonymize returns a copy of img in which every box has been blurred.
// Boxes are applied in order, so overlapping regions keep the last write.
func Anonymize(img image.Image, boxes []BoundingBox) *image.NRGBA {
	dst := imaging.Clone(img)
	sigma := blurSigma(BlurSigmaKernel)

	for _, box := range boxes {
		rect := box.Rect().Intersect(dst.Bounds())
		if rect.Empty() {
			continue
		}
		blurred := imaging.Blur(imaging.Crop(dst, rect), sigma)
		// In place: imaging.Paste would clone the whole image per face.
		draw.Draw(dst, rect, blurred, image.Point{}, draw.Src)
	}
	return dst
}
