package capture

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/motion.capture/internal/motion/frames"
	"github.com/banshee-data/motion.capture/internal/timeutil"
)

// DefaultFrameRate is the capture rate of the original tool, in frames per
// second.
const DefaultFrameRate = 2.0

// Pusher accepts raw frames. *frames.Buffer implements it.
type Pusher interface {
	PushImage(img image.Image, capturedAt time.Time) frames.Frame
}

// FeedConfig configures a Feed.
type FeedConfig struct {
	// FrameRate in frames per second. Defaults to DefaultFrameRate.
	FrameRate float64

	// Width and Height size the placeholder preview.
	Width, Height int

	Clock timeutil.Clock
}

// FeedStats counts feed activity.
type FeedStats struct {
	Pushed   uint64 `json:"pushed"`
	Failures uint64 `json:"failures"`
}

// Feed pulls frames from a Source at a fixed rate and pushes them into the
// frame buffer. While the source is unavailable the preview shows the gray
// placeholder and the feed keeps trying; it never ends the process.
type Feed struct {
	src      Source
	buf      Pusher
	clock    timeutil.Clock
	interval time.Duration

	placeholder *image.RGBA
	preview     atomic.Pointer[image.RGBA]

	pushed   atomic.Uint64
	failures atomic.Uint64

	mu   sync.Mutex
	down bool
}

// NewFeed creates a feed. A nil src is treated as a camera that failed to
// open: the feed serves the placeholder until ctx ends.
func NewFeed(src Source, buf Pusher, cfg FeedConfig) *Feed {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = DefaultFrameRate
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = frames.StandardWidth, frames.StandardHeight
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	f := &Feed{
		src:         src,
		buf:         buf,
		clock:       cfg.Clock,
		interval:    time.Duration(float64(time.Second) / cfg.FrameRate),
		placeholder: frames.Placeholder(cfg.Width, cfg.Height),
	}
	f.preview.Store(f.placeholder)
	return f
}

// Interval returns the time between two captures.
func (f *Feed) Interval() time.Duration { return f.interval }

// Preview returns the last frame pushed, or the placeholder while the source
// is unavailable. The image must not be modified.
func (f *Feed) Preview() *image.RGBA { return f.preview.Load() }

// Stats returns the feed counters.
func (f *Feed) Stats() FeedStats {
	return FeedStats{Pushed: f.pushed.Load(), Failures: f.failures.Load()}
}

// Run captures until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) {
	if f.src == nil {
		opsf("no capture source, serving placeholder")
		<-ctx.Done()
		return
	}

	ticker := f.clock.NewTicker(f.interval)
	defer ticker.Stop()
	diagf("feed started: interval=%v", f.interval)

	f.Capture(ctx)
	for {
		select {
		case <-ctx.Done():
			diagf("feed stopping: %v", ctx.Err())
			return
		case <-ticker.C():
			f.Capture(ctx)
		}
	}
}

// Capture reads one frame from the source and pushes it.
func (f *Feed) Capture(ctx context.Context) {
	if f.src == nil {
		return
	}
	img, err := f.src.Next(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		f.failures.Add(1)
		f.setDown(true, err)
		return
	}
	fr := f.buf.PushImage(img, f.clock.Now())
	f.pushed.Add(1)
	f.preview.Store(fr.Image)
	f.setDown(false, nil)
	tracef("pushed frame %d", fr.Seq)
}

// setDown logs availability changes once per transition.
func (f *Feed) setDown(down bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if down {
		f.preview.Store(f.placeholder)
	}
	if down == f.down {
		return
	}
	f.down = down
	if down {
		if errors.Is(err, ErrCaptureUnavailable) {
			opsf("capture unavailable, serving placeholder: %v", err)
		} else {
			opsf("capture failed, serving placeholder: %v", err)
		}
		return
	}
	diagf("capture recovered")
}
