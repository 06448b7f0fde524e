package flow

import (
	"image"
	"time"
)

// Field is one published motion-magnitude field. Fields are immutable once
// published: readers share the same value and must not modify Values.
type Field struct {
	// Version increases by one per successful computation. The zero field
	// published before the first computation has version 0.
	Version uint64

	Width  int
	Height int

	// Values holds the min-max normalized magnitude in [0,1], row-major.
	Values []float32

	// Mean is the mean of Values: the motion-intensity signal.
	Mean float64

	// RawMean is the mean flow magnitude before normalization, in pixels of
	// the full-resolution frame.
	RawMean float64

	// PrevSeq and CurrSeq identify the frame pair the field came from.
	PrevSeq uint64
	CurrSeq uint64

	ComputedAt time.Time
}

// NewZeroField returns a version-0 field with no motion.
func NewZeroField(width, height int) *Field {
	return &Field{
		Width:  width,
		Height: height,
		Values: make([]float32, width*height),
	}
}

// At returns the normalized magnitude at (x, y).
func (f *Field) At(x, y int) float32 {
	return f.Values[y*f.Width+x]
}

// Gray8 quantizes the field to 8 bits per pixel (value*255).
func (f *Field) Gray8() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+f.Width]
		vals := f.Values[y*f.Width : (y+1)*f.Width]
		for x, v := range vals {
			row[x] = quantize(v)
		}
	}
	return img
}

// Image replicates the field into an opaque 3-channel image for display.
func (f *Field) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i, v := range f.Values {
		q := quantize(v)
		img.Pix[4*i+0] = q
		img.Pix[4*i+1] = q
		img.Pix[4*i+2] = q
		img.Pix[4*i+3] = 0xFF
	}
	return img
}

func quantize(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(v * 255)
}
