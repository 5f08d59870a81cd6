// Package imageproc decodes and prepares the encoded images carried by
// caption records, producing fixed-shape images for the model.
//
// The pipeline treats this package as an opaque collaborator: decode, maybe
// flip, maybe distort, resize. Distortion is deterministic per worker id so
// parallel preprocessing workers apply slightly different variations without
// being perfectly correlated.
package imageproc

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Processor converts encoded image bytes into fixed-shape images.
type Processor struct {
	width, height int
	training      bool
}

// New returns a Processor emitting width×height images. When training is set,
// a small per-worker color distortion is applied before resizing.
func New(width, height int, training bool) *Processor {
	return &Processor{width: width, height: height, training: training}
}

// distortions are the per-worker color variations. Workers cycle through the
// table by id; even and odd ids apply brightness and contrast in opposite
// order, mirroring the convention that worker counts are even.
var distortions = []struct {
	brightness float64 // percent
	contrast   float64 // percent
	saturation float64 // percent
}{
	{0, 0, 0},
	{4, 0, 0},
	{0, 6, 0},
	{4, 0, 8},
	{-4, 6, 0},
	{0, -6, 8},
}

// Process decodes one encoded image (JPEG or PNG), optionally flips it
// horizontally, applies the worker's distortion when in training mode, and
// resizes it to the configured shape preserving aspect ratio, padding with
// black. The result is deterministic for a given (image, workerID, flip).
func (p *Processor) Process(encoded []byte, workerID int, flip bool) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(encoded))
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}
	if flip {
		img = imaging.FlipH(img)
	}
	if p.training {
		img = distort(img, workerID)
	}
	return ResizeWithPadding(img, p.width, p.height), nil
}

func distort(img image.Image, workerID int) image.Image {
	d := distortions[((workerID%len(distortions))+len(distortions))%len(distortions)]
	if workerID%2 == 0 {
		img = imaging.AdjustBrightness(img, d.brightness)
		img = imaging.AdjustContrast(img, d.contrast)
	} else {
		img = imaging.AdjustContrast(img, d.contrast)
		img = imaging.AdjustBrightness(img, d.brightness)
	}
	if d.saturation != 0 {
		img = imaging.AdjustSaturation(img, d.saturation)
	}
	return img
}

// ResizeWithPadding scales img to fit within width×height without distorting
// its aspect ratio, then pastes it centered on a black canvas of exactly
// width×height.
func ResizeWithPadding(img image.Image, width, height int) image.Image {
	imgSize := img.Bounds().Size()
	wRatio := float64(width) / float64(imgSize.X)
	hRatio := float64(height) / float64(imgSize.Y)

	adjustedWidth, adjustedHeight := width, height
	if wRatio < hRatio {
		adjustedHeight = int(wRatio * float64(imgSize.Y))
	} else if hRatio < wRatio {
		adjustedWidth = int(hRatio * float64(imgSize.X))
	}
	img = imaging.Resize(img, adjustedWidth, adjustedHeight, imaging.Lanczos)
	if adjustedWidth != width || adjustedHeight != height {
		bgImg := image.NewRGBA(image.Rect(0, 0, width, height))
		img = imaging.PasteCenter(bgImg, img)
	}
	return img
}
