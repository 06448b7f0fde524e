package frames

import (
	"image"
	"image/color"
	"time"

	"github.com/disintegration/gift"
)

// Standard resolution every frame is normalized to before buffering.
const (
	StandardWidth  = 640
	StandardHeight = 480
)

// PlaceholderGray is the intensity of the neutral placeholder frame.
const PlaceholderGray = 127

// Frame is one normalized color image tagged with its arrival order.
//
// Ownership transfers to the buffer on Push: neither the producer nor any
// consumer may modify Image afterwards. Consumers that draw on a frame must
// copy it first (see CloneRGBA).
type Frame struct {
	// Seq is assigned by the Buffer on Push. Monotonically increasing from 1.
	Seq uint64

	// CapturedAt is the source time supplied by the producer.
	CapturedAt time.Time

	// Image is always Width x Height with Bounds().Min at the origin.
	Image *image.RGBA
}

// Width returns the frame width in pixels.
func (f Frame) Width() int { return f.Image.Bounds().Dx() }

// Height returns the frame height in pixels.
func (f Frame) Height() int { return f.Image.Bounds().Dy() }

// Normalizer resizes arbitrary images to a fixed resolution.
type Normalizer struct {
	Width  int
	Height int
}

// DefaultNormalizer returns a Normalizer for the standard 640x480 resolution.
func DefaultNormalizer() Normalizer {
	return Normalizer{Width: StandardWidth, Height: StandardHeight}
}

// Normalize returns a fresh RGBA copy of img at the normalizer's resolution,
// anchored at the origin whatever img's bounds are. Images already at that
// size are copied without resampling.
func (n Normalizer) Normalize(img image.Image) *image.RGBA {
	b := img.Bounds()
	var g *gift.GIFT
	if b.Dx() == n.Width && b.Dy() == n.Height {
		g = gift.New()
	} else {
		g = gift.New(gift.Resize(n.Width, n.Height, gift.LinearResampling))
	}
	dst := image.NewRGBA(image.Rect(0, 0, n.Width, n.Height))
	g.Draw(dst, img)
	return dst
}

// Placeholder returns a width x height opaque gray frame.
func Placeholder(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	gray := color.RGBA{PlaceholderGray, PlaceholderGray, PlaceholderGray, 0xFF}
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i+0] = gray.R
		img.Pix[i+1] = gray.G
		img.Pix[i+2] = gray.B
		img.Pix[i+3] = gray.A
	}
	return img
}

// CloneRGBA returns a deep copy of img.
func CloneRGBA(img *image.RGBA) *image.RGBA {
	out := image.NewRGBA(img.Rect)
	copy(out.Pix, img.Pix)
	return out
}
