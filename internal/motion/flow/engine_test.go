package flow

import (
	"context"
	"errors"
	"image"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/motion.capture/internal/motion/frames"
	"github.com/banshee-data/motion.capture/internal/timeutil"
)

func init() {
	SetLogWriters(nil, nil, nil)
}

func pattern(fx, fy float64) uint8 {
	v := 128 +
		45*math.Sin(2*math.Pi*fx/160) +
		45*math.Sin(2*math.Pi*fy/120) +
		25*math.Sin(2*math.Pi*(fx+2*fy)/200)
	return uint8(math.Max(0, math.Min(255, v)))
}

// texture renders a smooth multi-frequency pattern translated by (dx, dy).
func texture(w, h int, dx, dy float64) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g := pattern(float64(x)-dx, float64(y)-dy)
			i := img.PixOffset(x, y)
			img.Pix[i+0], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = g, g, g, 0xFF
		}
	}
	return img
}

// withSquare copies bg and paints a 48x48 inverted-texture square whose
// left edge sits at x0, moving its content along with it.
func withSquare(bg *image.RGBA, x0 int) *image.RGBA {
	img := frames.CloneRGBA(bg)
	for y := 96; y < 144; y++ {
		for x := x0; x < x0+48; x++ {
			g := 255 - pattern(float64(4*(x-x0)), float64(4*(y-96)))
			i := img.PixOffset(x, y)
			img.Pix[i+0], img.Pix[i+1], img.Pix[i+2] = g, g, g
		}
	}
	return img
}

func newTestEngine(t *testing.T, buf *frames.Buffer) *Engine {
	t.Helper()
	return NewEngine(buf, Config{Width: 320, Height: 240})
}

func TestEngine_InsufficientFramesServesLastField(t *testing.T) {
	buf := frames.NewBuffer(frames.Normalizer{Width: 320, Height: 240})
	e := newTestEngine(t, buf)

	f := e.Compute()
	assert.Equal(t, uint64(0), f.Version)
	assert.Equal(t, 320, f.Width)
	assert.Equal(t, 240, f.Height)
	assert.Zero(t, f.Mean)

	buf.Push(texture(320, 240, 0, 0), time.Now())
	assert.Same(t, f, e.Compute(), "one frame must keep the stale field")
}

func TestEngine_IdenticalFramesHaveZeroMean(t *testing.T) {
	buf := frames.NewBuffer(frames.Normalizer{Width: 320, Height: 240})
	e := newTestEngine(t, buf)

	img := texture(320, 240, 0, 0)
	buf.Push(img, time.Now())
	buf.Push(frames.CloneRGBA(img), time.Now())

	f := e.Compute()
	require.Equal(t, uint64(1), f.Version)
	assert.Equal(t, 0.0, f.Mean)
	assert.Equal(t, 0.0, f.RawMean)
	for _, v := range f.Values {
		require.Zero(t, v)
	}
	assert.Equal(t, uint64(1), f.PrevSeq)
	assert.Equal(t, uint64(2), f.CurrSeq)
}

func TestEngine_RawMeanIncreasesWithTranslation(t *testing.T) {
	shifts := []float64{4, 8, 12}
	var means []float64
	for _, s := range shifts {
		buf := frames.NewBuffer(frames.Normalizer{Width: 320, Height: 240})
		e := newTestEngine(t, buf)
		buf.Push(texture(320, 240, 0, 0), time.Now())
		buf.Push(texture(320, 240, s, 0), time.Now())

		f := e.Compute()
		require.Equal(t, uint64(1), f.Version)
		t.Logf("shift=%.0fpx raw mean=%.3fpx normalized mean=%.3f", s, f.RawMean, f.Mean)
		assert.Greater(t, f.RawMean, s/2, "shift %.0f", s)
		assert.Less(t, f.RawMean, s*1.5, "shift %.0f", s)
		means = append(means, f.RawMean)
	}
	for i := 1; i < len(means); i++ {
		assert.Greater(t, means[i], means[i-1], "raw mean must grow with displacement")
	}
}

func TestEngine_ValuesNormalized(t *testing.T) {
	buf := frames.NewBuffer(frames.Normalizer{Width: 320, Height: 240})
	e := newTestEngine(t, buf)

	// A moving square over a static texture.
	bg := texture(320, 240, 0, 0)
	moved := frames.CloneRGBA(bg)
	for y := 100; y < 140; y++ {
		for x := 140; x < 180; x++ {
			i := moved.PixOffset(x, y)
			moved.Pix[i], moved.Pix[i+1], moved.Pix[i+2] = 250, 250, 250
		}
	}
	buf.Push(bg, time.Now())
	buf.Push(moved, time.Now())

	f := e.Compute()
	require.Len(t, f.Values, 320*240)
	var hi float32
	for _, v := range f.Values {
		require.GreaterOrEqual(t, v, float32(0))
		require.LessOrEqual(t, v, float32(1))
		hi = max(hi, v)
	}
	assert.Greater(t, hi, float32(0.5))
	assert.Greater(t, f.Mean, 0.0)
	assert.Less(t, f.Mean, 1.0)

	var square float32
	for y := 100; y < 140; y++ {
		for x := 140; x < 180; x++ {
			square += f.At(x, y)
		}
	}
	assert.Greater(t, square/1600, f.At(10, 10), "motion concentrates on the square")
	assert.Less(t, f.At(10, 10), float32(0.05))
}

// Min-max normalization rescales a uniform whole-frame shift to roughly the
// same field whatever its size, so growth there is only visible on RawMean.
// A moving object grows the moving region, which Mean does track.
func TestEngine_MeanIncreasesWithObjectDisplacement(t *testing.T) {
	bg := texture(320, 240, 0, 0)
	shifts := []int{2, 8, 16}
	var means []float64
	for _, s := range shifts {
		buf := frames.NewBuffer(frames.Normalizer{Width: 320, Height: 240})
		e := newTestEngine(t, buf)
		buf.Push(withSquare(bg, 136), time.Now())
		buf.Push(withSquare(bg, 136+s), time.Now())

		f := e.Compute()
		require.Equal(t, uint64(1), f.Version)
		t.Logf("shift=%dpx normalized mean=%.3f raw mean=%.3fpx", s, f.Mean, f.RawMean)
		assert.Greater(t, f.Mean, 0.0, "shift %d", s)
		means = append(means, f.Mean)
	}
	for i := 1; i < len(means); i++ {
		assert.Greater(t, means[i], means[i-1], "mean must grow with object displacement")
	}
}

func TestMeanOf(t *testing.T) {
	assert.Equal(t, 0.0, meanOf(nil))
	assert.InDelta(t, 0.5, meanOf([]float32{0, 0.25, 0.75, 1}), 1e-9)
}

func TestEngine_VersionIncrements(t *testing.T) {
	buf := frames.NewBuffer(frames.Normalizer{Width: 320, Height: 240})
	e := newTestEngine(t, buf)
	buf.Push(texture(320, 240, 0, 0), time.Now())
	buf.Push(texture(320, 240, 4, 0), time.Now())

	first := e.Compute()
	second := e.Compute()
	assert.Equal(t, first.Version+1, second.Version)
	assert.Same(t, second, e.Latest())
	assert.Equal(t, second.Mean, e.Mean())
}

type blockingEstimator struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingEstimator) Estimate(prev, curr *image.Gray) (VectorField, error) {
	close(b.entered)
	<-b.release
	return NewLucasKanade().Estimate(prev, curr)
}

func TestEngine_ComputeNeverQueues(t *testing.T) {
	buf := frames.NewBuffer(frames.Normalizer{Width: 320, Height: 240})
	est := &blockingEstimator{entered: make(chan struct{}), release: make(chan struct{})}
	e := NewEngine(buf, Config{Width: 320, Height: 240, Estimator: est})
	buf.Push(texture(320, 240, 0, 0), time.Now())
	buf.Push(texture(320, 240, 4, 0), time.Now())

	var wg sync.WaitGroup
	wg.Add(1)
	var slow *Field
	go func() {
		defer wg.Done()
		slow = e.Compute()
	}()

	<-est.entered
	busy := e.Compute()
	assert.Equal(t, uint64(0), busy.Version, "busy engine serves the last published field")

	close(est.release)
	wg.Wait()
	assert.Equal(t, uint64(1), slow.Version)
}

type failingEstimator struct{}

func (failingEstimator) Estimate(prev, curr *image.Gray) (VectorField, error) {
	return VectorField{}, errors.New("boom")
}

func TestEngine_EstimatorErrorKeepsLastField(t *testing.T) {
	buf := frames.NewBuffer(frames.Normalizer{Width: 320, Height: 240})
	e := NewEngine(buf, Config{Width: 320, Height: 240, Estimator: failingEstimator{}})
	buf.Push(texture(320, 240, 0, 0), time.Now())
	buf.Push(texture(320, 240, 4, 0), time.Now())

	f := e.Compute()
	assert.Equal(t, uint64(0), f.Version)
}

func TestEngine_Visualize(t *testing.T) {
	buf := frames.NewBuffer(frames.Normalizer{Width: 320, Height: 240})
	e := newTestEngine(t, buf)

	img := e.Visualize()
	assert.Equal(t, image.Rect(0, 0, 320, 240), img.Bounds())
	assert.Equal(t, []uint8{0, 0, 0, 0xFF}, img.Pix[:4])
}

func TestEngine_RunComputesOnTicks(t *testing.T) {
	buf := frames.NewBuffer(frames.Normalizer{Width: 320, Height: 240})
	clock := timeutil.NewMockClock(time.Date(2025, 7, 15, 9, 0, 0, 0, time.UTC))
	e := NewEngine(buf, Config{Width: 320, Height: 240, Clock: clock})
	buf.Push(texture(320, 240, 0, 0), time.Now())
	buf.Push(texture(320, 240, 4, 0), time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx, 500*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		clock.Advance(500 * time.Millisecond)
		return e.Latest().Version >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, e.Latest().ComputedAt.IsZero())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewEstimator(t *testing.T) {
	est, err := NewEstimator("lucaskanade")
	require.NoError(t, err)
	assert.IsType(t, &LucasKanade{}, est)

	_, err = NewEstimator("nope")
	assert.Error(t, err)
	assert.Contains(t, EstimatorNames(), "lucaskanade")
}
