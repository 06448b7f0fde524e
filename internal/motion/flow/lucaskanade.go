package flow

import (
	"image"
	"math"
)

// LucasKanade is a dense, coarse-to-fine Lucas-Kanade estimator. Every pixel
// gets its own window least-squares solve; pyramid levels let it follow
// displacements larger than the window.
type LucasKanade struct {
	// Levels is the maximum number of pyramid levels (1 = no pyramid).
	Levels int

	// Iterations is the number of warp-and-solve refinements per level.
	Iterations int

	// WindowRadius sets the (2r+1)x(2r+1) integration window.
	WindowRadius int

	// MinEigenvalue rejects windows whose structure tensor is too weak to
	// constrain both flow components (flat or single-edge regions). Those
	// pixels keep the flow propagated from the coarser level.
	MinEigenvalue float64

	// MaxStep bounds a single refinement update, in pixels.
	MaxStep float32
}

// NewLucasKanade returns an estimator tuned for the 160x120 working
// resolution of the engine.
func NewLucasKanade() *LucasKanade {
	return &LucasKanade{
		Levels:        3,
		Iterations:    5,
		WindowRadius:  3,
		MinEigenvalue: 1.0,
		MaxStep:       2,
	}
}

// minPyramidSide stops pyramid construction before levels get too small to
// hold a window.
const minPyramidSide = 8

// Estimate implements Estimator.
func (lk *LucasKanade) Estimate(prev, curr *image.Gray) (VectorField, error) {
	if err := checkSameSize(prev, curr); err != nil {
		return VectorField{}, err
	}

	p0 := buildPyramid(grayPlane(prev).blur121(), lk.Levels)
	p1 := buildPyramid(grayPlane(curr).blur121(), len(p0))

	var u, v plane
	for l := len(p0) - 1; l >= 0; l-- {
		i0, i1 := p0[l], p1[l]
		if u.pix == nil {
			u, v = newPlane(i0.w, i0.h), newPlane(i0.w, i0.h)
		} else {
			u, v = u.upsampleFlow(i0.w, i0.h), v.upsampleFlow(i0.w, i0.h)
		}
		lk.refine(i0, i1, u, v)
	}

	return VectorField{Width: u.w, Height: u.h, U: u.pix, V: v.pix}, nil
}

// refine runs the iterative solve on one pyramid level, updating u and v in
// place.
func (lk *LucasKanade) refine(i0, i1, u, v plane) {
	ix, iy := i0.gradients()
	r := lk.WindowRadius
	sxx := product(ix, ix).box(r)
	sxy := product(ix, iy).box(r)
	syy := product(iy, iy).box(r)

	// Precompute the inverse structure tensor; it does not change across
	// iterations because gradients come from the reference image.
	n := len(i0.pix)
	inv := make([][3]float32, n)
	valid := make([]bool, n)
	for i := 0; i < n; i++ {
		a, b, c := float64(sxx.pix[i]), float64(sxy.pix[i]), float64(syy.pix[i])
		tr := a + c
		det := a*c - b*b
		disc := math.Sqrt(math.Max(tr*tr/4-det, 0))
		if tr/2-disc < lk.MinEigenvalue || det <= 0 {
			continue
		}
		valid[i] = true
		inv[i] = [3]float32{float32(c / det), float32(-b / det), float32(a / det)}
	}

	et := newPlane(i0.w, i0.h)
	for it := 0; it < lk.Iterations; it++ {
		for y := 0; y < i0.h; y++ {
			for x := 0; x < i0.w; x++ {
				i := y*i0.w + x
				et.pix[i] = i1.sample(float32(x)+u.pix[i], float32(y)+v.pix[i]) - i0.pix[i]
			}
		}
		bx := product(ix, et).box(r)
		by := product(iy, et).box(r)

		for i := 0; i < n; i++ {
			if !valid[i] {
				continue
			}
			m := inv[i]
			du := -(m[0]*bx.pix[i] + m[1]*by.pix[i])
			dv := -(m[1]*bx.pix[i] + m[2]*by.pix[i])
			u.pix[i] += clampf(du, lk.MaxStep)
			v.pix[i] += clampf(dv, lk.MaxStep)
		}
	}
}

func clampf(x, limit float32) float32 {
	if x > limit {
		return limit
	}
	if x < -limit {
		return -limit
	}
	return x
}

// plane is a single-channel float32 image with edge-replicating access.
type plane struct {
	w, h int
	pix  []float32
}

func newPlane(w, h int) plane {
	return plane{w: w, h: h, pix: make([]float32, w*h)}
}

func grayPlane(img *image.Gray) plane {
	b := img.Bounds()
	p := newPlane(b.Dx(), b.Dy())
	for y := 0; y < p.h; y++ {
		row := img.Pix[(y)*img.Stride : y*img.Stride+p.w]
		for x, g := range row {
			p.pix[y*p.w+x] = float32(g)
		}
	}
	return p
}

func (p plane) at(x, y int) float32 {
	if x < 0 {
		x = 0
	} else if x >= p.w {
		x = p.w - 1
	}
	if y < 0 {
		y = 0
	} else if y >= p.h {
		y = p.h - 1
	}
	return p.pix[y*p.w+x]
}

// sample returns the bilinear interpolation at (x, y), clamped to the edges.
func (p plane) sample(x, y float32) float32 {
	x0 := int(math.Floor(float64(x)))
	y0 := int(math.Floor(float64(y)))
	fx := x - float32(x0)
	fy := y - float32(y0)

	top := p.at(x0, y0)*(1-fx) + p.at(x0+1, y0)*fx
	bottom := p.at(x0, y0+1)*(1-fx) + p.at(x0+1, y0+1)*fx
	return top*(1-fy) + bottom*fy
}

// blur121 applies a separable [1 2 1]/4 smoothing pass.
func (p plane) blur121() plane {
	tmp := newPlane(p.w, p.h)
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			tmp.pix[y*p.w+x] = (p.at(x-1, y) + 2*p.at(x, y) + p.at(x+1, y)) / 4
		}
	}
	out := newPlane(p.w, p.h)
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			out.pix[y*p.w+x] = (tmp.at(x, y-1) + 2*tmp.at(x, y) + tmp.at(x, y+1)) / 4
		}
	}
	return out
}

// half returns the 2x2 box-averaged half-resolution plane.
func (p plane) half() plane {
	out := newPlane(p.w/2, p.h/2)
	for y := 0; y < out.h; y++ {
		for x := 0; x < out.w; x++ {
			out.pix[y*out.w+x] = (p.at(2*x, 2*y) + p.at(2*x+1, 2*y) +
				p.at(2*x, 2*y+1) + p.at(2*x+1, 2*y+1)) / 4
		}
	}
	return out
}

// gradients returns central-difference derivatives along x and y.
func (p plane) gradients() (ix, iy plane) {
	ix, iy = newPlane(p.w, p.h), newPlane(p.w, p.h)
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			i := y*p.w + x
			ix.pix[i] = (p.at(x+1, y) - p.at(x-1, y)) / 2
			iy.pix[i] = (p.at(x, y+1) - p.at(x, y-1)) / 2
		}
	}
	return ix, iy
}

// box returns the (2r+1)x(2r+1) windowed mean.
func (p plane) box(r int) plane {
	norm := float32(2*r + 1)
	tmp := newPlane(p.w, p.h)
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			var s float32
			for k := -r; k <= r; k++ {
				s += p.at(x+k, y)
			}
			tmp.pix[y*p.w+x] = s / norm
		}
	}
	out := newPlane(p.w, p.h)
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			var s float32
			for k := -r; k <= r; k++ {
				s += tmp.at(x, y+k)
			}
			out.pix[y*p.w+x] = s / norm
		}
	}
	return out
}

// upsampleFlow resamples a flow component to w x h and rescales its values
// by the size ratio.
func (p plane) upsampleFlow(w, h int) plane {
	out := newPlane(w, h)
	sx := float32(p.w) / float32(w)
	sy := float32(p.h) / float32(h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := p.sample((float32(x)+0.5)*sx-0.5, (float32(y)+0.5)*sy-0.5)
			out.pix[y*w+x] = v / sx
		}
	}
	return out
}

func product(a, b plane) plane {
	out := newPlane(a.w, a.h)
	for i := range out.pix {
		out.pix[i] = a.pix[i] * b.pix[i]
	}
	return out
}

// buildPyramid returns at most levels planes, finest first.
func buildPyramid(base plane, levels int) []plane {
	if levels < 1 {
		levels = 1
	}
	pyr := []plane{base}
	for len(pyr) < levels {
		top := pyr[len(pyr)-1]
		if top.w/2 < minPyramidSide || top.h/2 < minPyramidSide {
			break
		}
		pyr = append(pyr, top.half())
	}
	return pyr
}
