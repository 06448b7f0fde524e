package detect

import (
	"image"
	"image/color"
	"image/draw"
	"sort"

	"github.com/banshee-data/motion.capture/internal/motion/flow"
	"github.com/banshee-data/motion.capture/internal/motion/frames"
)

// DefaultThreshold is the 8-bit binarization cutoff (0.5 of the normalized
// field). A pixel is foreground when its quantized value exceeds it.
const DefaultThreshold = 127

// BoxColor is the default rectangle color.
var BoxColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}

// FieldSource produces the current motion field. *flow.Engine implements it.
type FieldSource interface {
	Compute() *flow.Field
}

// FrameSource exposes the buffered frames. *frames.Buffer implements it.
type FrameSource interface {
	Len() int
	Latest() (frames.Frame, error)
}

// Config configures a Detector. Zero values select the defaults.
type Config struct {
	Threshold uint8
	Color     color.RGBA
	Thickness int

	// MinArea drops regions with fewer foreground pixels. 0 keeps all.
	MinArea int

	// Width and Height size the placeholder returned while fewer than two
	// frames are buffered.
	Width  int
	Height int
}

// Detection is the overlay geometry for one field version, in frame
// coordinates.
type Detection struct {
	FieldVersion uint64            `json:"field_version"`
	Mean         float64           `json:"mean"`
	Regions      []image.Rectangle `json:"regions"`
}

// Detector draws bounding boxes over moving regions.
type Detector struct {
	fields FieldSource
	frames FrameSource
	cfg    Config
}

// New creates a Detector.
func New(fields FieldSource, buf FrameSource, cfg Config) *Detector {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Color == (color.RGBA{}) {
		cfg.Color = BoxColor
	}
	if cfg.Thickness <= 0 {
		cfg.Thickness = 2
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = frames.StandardWidth, frames.StandardHeight
	}
	return &Detector{fields: fields, frames: buf, cfg: cfg}
}

// Detect computes a fresh field and returns its regions scaled to the
// latest frame. It fails with frames.ErrInsufficientFrames while fewer than
// two frames are buffered.
func (d *Detector) Detect() (Detection, frames.Frame, error) {
	if d.frames.Len() < 2 {
		return Detection{}, frames.Frame{}, frames.ErrInsufficientFrames
	}
	latest, err := d.frames.Latest()
	if err != nil {
		return Detection{}, frames.Frame{}, err
	}

	f := d.fields.Compute()
	rects := Regions(f, d.cfg.Threshold, d.cfg.MinArea)
	rects = scaleRects(rects, f.Width, f.Height, latest.Width(), latest.Height())
	return Detection{FieldVersion: f.Version, Mean: f.Mean, Regions: rects}, latest, nil
}

// Overlay returns a copy of the latest frame with one rectangle per moving
// region. While fewer than two frames are buffered it returns the gray
// placeholder instead.
func (d *Detector) Overlay() *image.RGBA {
	det, latest, err := d.Detect()
	if err != nil {
		return frames.Placeholder(d.cfg.Width, d.cfg.Height)
	}
	out := frames.CloneRGBA(latest.Image)
	DrawBoxes(out, det.Regions, d.cfg.Color, d.cfg.Thickness)
	return out
}

// Binarize returns the foreground mask of f at threshold.
func Binarize(f *flow.Field, threshold uint8) []bool {
	g := f.Gray8()
	mask := make([]bool, f.Width*f.Height)
	for y := 0; y < f.Height; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+f.Width]
		for x, v := range row {
			mask[y*f.Width+x] = v > threshold
		}
	}
	return mask
}

// Regions returns the bounding rectangles of the outermost 8-connected
// foreground regions of f, ordered top-to-bottom then left-to-right.
// Regions enclosed by a hole of another region are dropped; a region that
// only sits inside another's bounding box is kept.
func Regions(f *flow.Field, threshold uint8, minArea int) []image.Rectangle {
	comps := components(Binarize(f, threshold), f.Width, f.Height)

	var rects []image.Rectangle
	for _, c := range comps {
		if c.external && c.area >= minArea {
			rects = append(rects, c.bounds)
		}
	}
	sort.Slice(rects, func(i, j int) bool {
		if rects[i].Min.Y != rects[j].Min.Y {
			return rects[i].Min.Y < rects[j].Min.Y
		}
		return rects[i].Min.X < rects[j].Min.X
	})
	return rects
}

type component struct {
	bounds image.Rectangle
	area   int

	// external is set when the region borders background that reaches the
	// image edge, i.e. it is not inside another region's hole.
	external bool
}

// components labels 8-connected regions of mask with an explicit stack.
func components(mask []bool, w, h int) []component {
	outside := exterior(mask, w, h)
	seen := make([]bool, len(mask))
	var out []component
	var stack []int
	for start, on := range mask {
		if !on || seen[start] {
			continue
		}
		seen[start] = true
		stack = append(stack[:0], start)
		x0, y0 := start%w, start/w
		c := component{bounds: image.Rect(x0, y0, x0+1, y0+1)}
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%w, i/w
			c.area++
			c.bounds = c.bounds.Union(image.Rect(x, y, x+1, y+1))
			if !c.external && touchesExterior(outside, i, w, h) {
				c.external = true
			}

			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					j := ny*w + nx
					if mask[j] && !seen[j] {
						seen[j] = true
						stack = append(stack, j)
					}
				}
			}
		}
		out = append(out, c)
	}
	return out
}

// exterior marks the background pixels 4-connected to the image edge.
// Background not reached lies in a hole of some region.
func exterior(mask []bool, w, h int) []bool {
	out := make([]bool, len(mask))
	var stack []int
	push := func(i int) {
		if !mask[i] && !out[i] {
			out[i] = true
			stack = append(stack, i)
		}
	}
	for x := 0; x < w; x++ {
		push(x)
		push((h-1)*w + x)
	}
	for y := 0; y < h; y++ {
		push(y * w)
		push(y*w + w - 1)
	}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := i%w, i/w
		if x > 0 {
			push(i - 1)
		}
		if x < w-1 {
			push(i + 1)
		}
		if y > 0 {
			push(i - w)
		}
		if y < h-1 {
			push(i + w)
		}
	}
	return out
}

// touchesExterior reports whether foreground pixel i lies on the image edge
// or next to exterior background.
func touchesExterior(outside []bool, i, w, h int) bool {
	x, y := i%w, i/w
	if x == 0 || y == 0 || x == w-1 || y == h-1 {
		return true
	}
	return outside[i-1] || outside[i+1] || outside[i-w] || outside[i+w]
}

func scaleRects(rects []image.Rectangle, fw, fh, w, h int) []image.Rectangle {
	if fw == w && fh == h {
		return rects
	}
	out := make([]image.Rectangle, len(rects))
	for i, r := range rects {
		out[i] = image.Rect(r.Min.X*w/fw, r.Min.Y*h/fh, (r.Max.X*w+fw-1)/fw, (r.Max.Y*h+fh-1)/fh)
	}
	return out
}

// DrawBoxes outlines each rectangle on img with the given stroke thickness,
// drawn inward from the rectangle edge and clipped to the image.
func DrawBoxes(img draw.Image, rects []image.Rectangle, c color.Color, thickness int) {
	src := image.NewUniform(c)
	for _, r := range rects {
		t := min(thickness, r.Dx(), r.Dy())
		edges := []image.Rectangle{
			image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
			image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
			image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
			image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
		}
		for _, e := range edges {
			draw.Draw(img, e.Intersect(img.Bounds()), src, image.Point{}, draw.Src)
		}
	}
}
