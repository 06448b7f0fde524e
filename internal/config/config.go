// Package config holds the process configuration of the capture service.
// Values come from defaults and command-line flags only; nothing is read
// from or written to a configuration file.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/motion.capture/internal/motion/flow"
	"github.com/banshee-data/motion.capture/internal/motion/persist"
)

// Log levels accepted by -log-level.
const (
	LogOps   = "ops"
	LogDiag  = "diag"
	LogTrace = "trace"
)

// Config is the complete process configuration.
type Config struct {
	// HTTP
	Listen string

	// Capture
	Source    string
	FrameRate float64
	Width     int
	Height    int

	// Optical flow
	Estimator    string
	Downsample   int
	FlowInterval time.Duration

	// Change detection
	BinarizeThreshold int
	MinRegionArea     int

	// Saving
	AutoStart bool
	Session   persist.SessionConfig

	// Gallery
	GallerySize int

	LogLevel string
}

// Default returns the defaults of the original capture tool.
func Default() Config {
	return Config{
		Listen:            ":8080",
		Source:            "synthetic",
		FrameRate:         2,
		Width:             640,
		Height:            480,
		Estimator:         "lucaskanade",
		Downsample:        4,
		FlowInterval:      250 * time.Millisecond,
		BinarizeThreshold: 127,
		Session:           persist.DefaultSessionConfig(),
		GallerySize:       10,
		LogLevel:          LogDiag,
	}
}

// RegisterFlags binds every field to a flag on fs, using the current values
// as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Listen, "listen", c.Listen, "HTTP listen address")

	fs.StringVar(&c.Source, "source", c.Source, "frame source: synthetic, dir:<path> or webcam[:<index>]")
	fs.Float64Var(&c.FrameRate, "fps", c.FrameRate, "capture rate in frames per second")
	fs.IntVar(&c.Width, "width", c.Width, "standard frame width")
	fs.IntVar(&c.Height, "height", c.Height, "standard frame height")

	fs.StringVar(&c.Estimator, "estimator", c.Estimator, "optical flow estimator (lucaskanade, or farneback with -tags gocv)")
	fs.IntVar(&c.Downsample, "flow-downsample", c.Downsample, "downsample factor applied before flow estimation")
	fs.DurationVar(&c.FlowInterval, "flow-interval", c.FlowInterval, "how often the motion signal is recomputed (0 = only on request)")

	fs.IntVar(&c.BinarizeThreshold, "binarize-threshold", c.BinarizeThreshold, "8-bit cutoff for change regions")
	fs.IntVar(&c.MinRegionArea, "min-region-area", c.MinRegionArea, "drop change regions smaller than this many pixels")

	fs.BoolVar(&c.AutoStart, "autostart", c.AutoStart, "start saving immediately")
	fs.DurationVar(&c.Session.SaveInterval, "save-interval", c.Session.SaveInterval, "minimum time between change saves")
	fs.Float64Var(&c.Session.ThresholdLow, "threshold-low", c.Session.ThresholdLow, "lower bound of the change interval")
	fs.Float64Var(&c.Session.ThresholdHigh, "threshold-high", c.Session.ThresholdHigh, "upper bound of the change interval")
	fs.DurationVar(&c.Session.BackgroundInterval, "background-interval", c.Session.BackgroundInterval, "time between neutral capture cycles")
	fs.IntVar(&c.Session.NeutralFramesPerCycle, "neutral-frames", c.Session.NeutralFramesPerCycle, "neutral frames per cycle (0 disables)")
	fs.DurationVar(&c.Session.PollInterval, "poll-interval", c.Session.PollInterval, "saving loop tick")
	fs.StringVar(&c.Session.BaseDir, "save-dir", c.Session.BaseDir, "base directory for saved images")
	fs.StringVar(&c.Session.Subfolder, "subfolder", c.Session.Subfolder, "optional per-camera subfolder of -save-dir")
	fs.IntVar(&c.Session.JPEGQuality, "jpeg-quality", c.Session.JPEGQuality, "JPEG quality (1-100)")

	fs.IntVar(&c.GallerySize, "gallery-size", c.GallerySize, "default number of images listed by the gallery")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "pipeline log level: ops, diag or trace")
}

// Validate checks every field. Session errors wrap
// persist.ErrInvalidConfiguration.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.FrameRate <= 0 {
		return fmt.Errorf("fps must be positive, got %g", c.FrameRate)
	}
	if c.Width < 16 || c.Height < 16 {
		return fmt.Errorf("frame size must be at least 16x16, got %dx%d", c.Width, c.Height)
	}
	if _, err := flow.NewEstimator(c.Estimator); err != nil {
		return err
	}
	if c.Downsample < 1 || c.Width/c.Downsample < 8 || c.Height/c.Downsample < 8 {
		return fmt.Errorf("flow-downsample %d leaves fewer than 8 pixels per side", c.Downsample)
	}
	if c.FlowInterval < 0 {
		return fmt.Errorf("flow-interval must be non-negative, got %v", c.FlowInterval)
	}
	if c.BinarizeThreshold < 1 || c.BinarizeThreshold > 254 {
		return fmt.Errorf("binarize-threshold must be in [1, 254], got %d", c.BinarizeThreshold)
	}
	if c.MinRegionArea < 0 {
		return fmt.Errorf("min-region-area must be non-negative, got %d", c.MinRegionArea)
	}
	if c.GallerySize < 1 {
		return fmt.Errorf("gallery-size must be positive, got %d", c.GallerySize)
	}
	switch strings.ToLower(c.LogLevel) {
	case LogOps, LogDiag, LogTrace:
	default:
		return fmt.Errorf("log-level must be ops, diag or trace, got %q", c.LogLevel)
	}
	return c.Session.Validate()
}
