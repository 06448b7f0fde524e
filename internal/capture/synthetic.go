package capture

import (
	"context"
	"image"
	"math"
	"sync"
)

// SyntheticConfig shapes the synthetic scene. Zero values select defaults.
type SyntheticConfig struct {
	Width, Height int

	// Size is the side of the moving square.
	Size int

	// Step is the square's displacement per frame, in pixels.
	Step int
}

// SyntheticSource renders a bright square sliding across a smooth textured
// background, bouncing off the edges. Frames are deterministic.
type SyntheticSource struct {
	cfg SyntheticConfig
	bg  *image.RGBA

	mu    sync.Mutex
	x, dx int
}

// NewSyntheticSource creates a synthetic source.
func NewSyntheticSource(cfg SyntheticConfig) *SyntheticSource {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 640, 480
	}
	if cfg.Size <= 0 {
		cfg.Size = cfg.Height / 5
	}
	if cfg.Step == 0 {
		cfg.Step = 12
	}
	return &SyntheticSource{cfg: cfg, bg: background(cfg.Width, cfg.Height), dx: cfg.Step}
}

func background(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := 110 +
				40*math.Sin(2*math.Pi*float64(x)/97) +
				40*math.Sin(2*math.Pi*float64(y)/71)
			i := img.PixOffset(x, y)
			img.Pix[i+0] = uint8(v)
			img.Pix[i+1] = uint8(v * 0.9)
			img.Pix[i+2] = uint8(v * 0.8)
			img.Pix[i+3] = 0xFF
		}
	}
	return img
}

// Next renders the next frame and advances the square.
func (s *SyntheticSource) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	x := s.x
	s.x += s.dx
	if s.x < 0 || s.x+s.cfg.Size > s.cfg.Width {
		s.dx = -s.dx
		s.x = min(max(x+s.dx, 0), s.cfg.Width-s.cfg.Size)
	}
	s.mu.Unlock()

	img := image.NewRGBA(s.bg.Rect)
	copy(img.Pix, s.bg.Pix)
	y := (s.cfg.Height - s.cfg.Size) / 2
	for yy := y; yy < y+s.cfg.Size; yy++ {
		for xx := x; xx < x+s.cfg.Size && xx < s.cfg.Width; xx++ {
			i := img.PixOffset(xx, yy)
			img.Pix[i+0], img.Pix[i+1], img.Pix[i+2] = 240, 240, 230
		}
	}
	return img, nil
}

// Close implements Source.
func (s *SyntheticSource) Close() error { return nil }
