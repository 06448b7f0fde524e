package flow

import (
	"context"
	"errors"
	"image"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/gift"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/motion.capture/internal/motion/frames"
	"github.com/banshee-data/motion.capture/internal/timeutil"
)

// PairSource supplies the (previous, current) frame pair. frames.Buffer
// implements it.
type PairSource interface {
	Pair() (prev, curr frames.Frame, err error)
}

// DefaultDownsample is the working-resolution reduction applied before
// estimation.
const DefaultDownsample = 4

// flatRange is the smallest magnitude spread, in working pixels, treated as
// real motion. Narrower fields normalize to all zeros.
const flatRange = 1e-3

// Config configures an Engine.
type Config struct {
	// Width and Height size the zero field published before the first
	// computation. Defaults to the standard frame resolution.
	Width  int
	Height int

	// Downsample is the integer reduction factor for estimation.
	// Defaults to DefaultDownsample.
	Downsample int

	// Estimator defaults to NewLucasKanade().
	Estimator Estimator

	// Clock stamps ComputedAt and drives Run. Defaults to RealClock.
	Clock timeutil.Clock
}

// Engine computes motion fields from the frame pair on demand and publishes
// each as a versioned snapshot.
//
// Compute never queues: a caller arriving while a computation is in flight
// gets the last published field. Readers of Latest never block.
type Engine struct {
	src        PairSource
	estimator  Estimator
	downsample int
	clock      timeutil.Clock

	computeMu sync.Mutex
	version   uint64 // guarded by computeMu
	latest    atomic.Pointer[Field]
}

// NewEngine creates an engine reading frame pairs from src.
func NewEngine(src PairSource, cfg Config) *Engine {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = frames.StandardWidth, frames.StandardHeight
	}
	if cfg.Downsample <= 0 {
		cfg.Downsample = DefaultDownsample
	}
	if cfg.Estimator == nil {
		cfg.Estimator = NewLucasKanade()
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	e := &Engine{
		src:        src,
		estimator:  cfg.Estimator,
		downsample: cfg.Downsample,
		clock:      cfg.Clock,
	}
	e.latest.Store(NewZeroField(cfg.Width, cfg.Height))
	return e
}

// Latest returns the last published field without computing.
func (e *Engine) Latest() *Field {
	return e.latest.Load()
}

// Mean returns the motion-intensity signal of the last published field.
func (e *Engine) Mean() float64 {
	return e.latest.Load().Mean
}

// Compute estimates flow for the current frame pair, publishes the result
// and returns it. With fewer than two buffered frames, or when another
// computation is already running, the last published field is returned
// unchanged.
func (e *Engine) Compute() *Field {
	if !e.computeMu.TryLock() {
		tracef("compute in flight, serving version %d", e.Latest().Version)
		return e.Latest()
	}
	defer e.computeMu.Unlock()

	prev, curr, err := e.src.Pair()
	if err != nil {
		if !errors.Is(err, frames.ErrInsufficientFrames) {
			opsf("frame pair unavailable: %v", err)
		}
		return e.Latest()
	}

	f, err := e.compute(prev, curr)
	if err != nil {
		opsf("flow estimation failed for frames %d->%d: %v", prev.Seq, curr.Seq, err)
		return e.Latest()
	}

	e.version++
	f.Version = e.version
	e.latest.Store(f)
	tracef("v%d frames %d->%d mean=%.4f raw=%.3fpx", f.Version, f.PrevSeq, f.CurrSeq, f.Mean, f.RawMean)
	return f
}

// Visualize computes a fresh field and returns it as a 3-channel image.
func (e *Engine) Visualize() *image.RGBA {
	return e.Compute().Image()
}

// Run computes a field every interval until ctx is cancelled. It keeps the
// mean signal fresh when nothing else is pulling.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		opsf("flow pump: interval is zero or negative, not starting")
		return
	}
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()

	diagf("flow pump started: interval=%v", interval)
	for {
		select {
		case <-ctx.Done():
			diagf("flow pump stopping: %v", ctx.Err())
			return
		case <-ticker.C():
			e.Compute()
		}
	}
}

func (e *Engine) compute(prev, curr frames.Frame) (*Field, error) {
	b := curr.Image.Bounds()
	g0 := e.workingGray(prev.Image)
	g1 := e.workingGray(curr.Image)

	vf, err := e.estimator.Estimate(g0, g1)
	if err != nil {
		return nil, err
	}

	mag := make([]float64, len(vf.U))
	for i := range mag {
		u, v := float64(vf.U[i]), float64(vf.V[i])
		mag[i] = math.Hypot(u, v)
	}

	lo, hi := floats.Min(mag), floats.Max(mag)
	scale := float64(b.Dx()) / float64(vf.Width)
	f := &Field{
		Width:      b.Dx(),
		Height:     b.Dy(),
		RawMean:    stat.Mean(mag, nil) * scale,
		PrevSeq:    prev.Seq,
		CurrSeq:    curr.Seq,
		ComputedAt: e.clock.Now(),
	}

	norm := newPlane(vf.Width, vf.Height)
	if hi-lo >= flatRange {
		for i, m := range mag {
			norm.pix[i] = float32((m - lo) / (hi - lo))
		}
	}
	f.Values = norm.resize(f.Width, f.Height)
	f.Mean = meanOf(f.Values)
	return f, nil
}

// workingGray converts to 8-bit intensity at the working resolution.
func (e *Engine) workingGray(img image.Image) *image.Gray {
	b := img.Bounds()
	w := max(b.Dx()/e.downsample, 1)
	h := max(b.Dy()/e.downsample, 1)
	g := gift.New(
		gift.Grayscale(),
		gift.Resize(w, h, gift.LinearResampling),
	)
	dst := image.NewGray(g.Bounds(b))
	g.Draw(dst, img)
	return dst
}

// resize bilinearly resamples the plane to w x h, clamping to [0,1].
func (p plane) resize(w, h int) []float32 {
	out := make([]float32, w*h)
	sx := float32(p.w) / float32(w)
	sy := float32(p.h) / float32(h)
	for y := 0; y < h; y++ {
		fy := (float32(y)+0.5)*sy - 0.5
		for x := 0; x < w; x++ {
			v := p.sample((float32(x)+0.5)*sx-0.5, fy)
			out[y*w+x] = min(max(v, 0), 1)
		}
	}
	return out
}

// meanOf widens vals so the normalized mean goes through the same gonum
// path as RawMean.
func meanOf(vals []float32) float64 {
	if len(vals) == 0 {
		return 0
	}
	wide := make([]float64, len(vals))
	for i, v := range vals {
		wide[i] = float64(v)
	}
	return stat.Mean(wide, nil)
}
