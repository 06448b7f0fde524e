package persist

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/motion.capture/internal/security"
)

// ErrInvalidConfiguration is wrapped by every SessionConfig validation error.
var ErrInvalidConfiguration = errors.New("invalid saving configuration")

// DefaultBaseDir is the folder sessions write into when no subfolder is set.
const DefaultBaseDir = "data/captured_images"

// DefaultJPEGQuality matches the encoder quality of the original capture tool.
const DefaultJPEGQuality = 95

// SessionConfig is the configuration of one saving session.
type SessionConfig struct {
	// SaveInterval is the minimum time between two change saves.
	SaveInterval time.Duration

	// ThresholdLow and ThresholdHigh bound the open interval of mean motion
	// that counts as change.
	ThresholdLow  float64
	ThresholdHigh float64

	// BackgroundInterval is the time between the starts of two neutral
	// capture cycles. It must exceed NeutralFramesPerCycle x PollInterval
	// when background capture is enabled.
	BackgroundInterval time.Duration

	// NeutralFramesPerCycle is the number of neutral frames per cycle.
	// 0 disables background capture.
	NeutralFramesPerCycle int

	// PollInterval is the loop tick.
	PollInterval time.Duration

	// BaseDir is the default destination; Subfolder, when not blank, selects
	// a directory inside it.
	BaseDir   string
	Subfolder string

	// JPEGQuality is passed to the encoder (1-100).
	JPEGQuality int
}

// DefaultSessionConfig returns the defaults of the original capture tool.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SaveInterval:          5 * time.Second,
		ThresholdLow:          0.1,
		ThresholdHigh:         0.7,
		BackgroundInterval:    60 * time.Second,
		NeutralFramesPerCycle: 10,
		PollInterval:          100 * time.Millisecond,
		BaseDir:               DefaultBaseDir,
		JPEGQuality:           DefaultJPEGQuality,
	}
}

// Validate reports the first invalid field, wrapped in
// ErrInvalidConfiguration.
func (c SessionConfig) Validate() error {
	switch {
	case math.IsNaN(c.ThresholdLow) || math.IsNaN(c.ThresholdHigh):
		return invalidf("thresholds must be numbers")
	case c.ThresholdLow < 0:
		return invalidf("threshold_low must be >= 0, got %g", c.ThresholdLow)
	case c.ThresholdLow >= c.ThresholdHigh:
		return invalidf("threshold_low (%g) must be less than threshold_high (%g)", c.ThresholdLow, c.ThresholdHigh)
	case c.SaveInterval < 0:
		return invalidf("save interval must be >= 0, got %v", c.SaveInterval)
	case c.BackgroundInterval < 0:
		return invalidf("background interval must be >= 0, got %v", c.BackgroundInterval)
	case c.NeutralFramesPerCycle < 0:
		return invalidf("neutral frames per cycle must be >= 0, got %d", c.NeutralFramesPerCycle)
	case c.PollInterval <= 0:
		return invalidf("poll interval must be > 0, got %v", c.PollInterval)
	case c.NeutralFramesPerCycle > 0 && c.BackgroundInterval <= c.cycleLength():
		// Back-to-back cycles would leave no tick for change detection.
		return invalidf("background interval (%v) must exceed one neutral cycle (%d x %v)",
			c.BackgroundInterval, c.NeutralFramesPerCycle, c.PollInterval)
	case c.BaseDir == "":
		return invalidf("base directory must be set")
	case c.JPEGQuality < 1 || c.JPEGQuality > 100:
		return invalidf("jpeg quality must be in [1, 100], got %d", c.JPEGQuality)
	}
	if _, err := c.Destination(); err != nil {
		return invalidf("%v", err)
	}
	return nil
}

// cycleLength is the time one neutral capture cycle occupies the loop.
func (c SessionConfig) cycleLength() time.Duration {
	return time.Duration(c.NeutralFramesPerCycle) * c.PollInterval
}

// Destination returns the directory the session writes into.
func (c SessionConfig) Destination() (string, error) {
	return security.CaptureSubdirectory(c.BaseDir, c.Subfolder)
}

// Inside reports whether mean lies in the open change interval.
func (c SessionConfig) Inside(mean float64) bool {
	return mean > c.ThresholdLow && mean < c.ThresholdHigh
}

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}
