//go:build gocv

package flow

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

func init() {
	estimators["farneback"] = func() Estimator { return NewFarneback() }
}

// Farneback estimates dense flow with OpenCV's polynomial-expansion method.
// Only available when built with -tags gocv.
type Farneback struct {
	PyrScale   float64
	Levels     int
	WinSize    int
	Iterations int
	PolyN      int
	PolySigma  float64
}

// NewFarneback returns the parameters used by the original capture tool.
func NewFarneback() *Farneback {
	return &Farneback{
		PyrScale:   0.5,
		Levels:     3,
		WinSize:    15,
		Iterations: 3,
		PolyN:      5,
		PolySigma:  1.2,
	}
}

// Estimate implements Estimator.
func (f *Farneback) Estimate(prev, curr *image.Gray) (VectorField, error) {
	if err := checkSameSize(prev, curr); err != nil {
		return VectorField{}, err
	}
	w, h := prev.Bounds().Dx(), prev.Bounds().Dy()

	p, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8U, packedPix(prev))
	if err != nil {
		return VectorField{}, fmt.Errorf("flow: prev mat: %w", err)
	}
	defer p.Close()
	c, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8U, packedPix(curr))
	if err != nil {
		return VectorField{}, fmt.Errorf("flow: curr mat: %w", err)
	}
	defer c.Close()

	out := gocv.NewMat()
	defer out.Close()
	gocv.CalcOpticalFlowFarneback(p, c, &out, f.PyrScale, f.Levels, f.WinSize, f.Iterations, f.PolyN, f.PolySigma, 0)

	vf := VectorField{Width: w, Height: h, U: make([]float32, w*h), V: make([]float32, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			vec := out.GetVecfAt(y, x)
			vf.U[y*w+x] = vec[0]
			vf.V[y*w+x] = vec[1]
		}
	}
	return vf, nil
}

// packedPix returns the pixels without row padding.
func packedPix(img *image.Gray) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if img.Stride == w {
		return img.Pix[:w*h]
	}
	out := make([]byte, 0, w*h)
	for y := 0; y < h; y++ {
		out = append(out, img.Pix[y*img.Stride:y*img.Stride+w]...)
	}
	return out
}
