// Package capture produces frames for the motion pipeline: image sources
// (webcam, directory replay, synthetic) and the Feed loop that pushes their
// frames into the frame buffer at a fixed rate.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"

	"github.com/banshee-data/motion.capture/internal/fsutil"
)

// ErrCaptureUnavailable reports a source that cannot be opened or read.
var ErrCaptureUnavailable = errors.New("capture unavailable")

// Source yields raw frames of any size.
type Source interface {
	// Next returns the next frame. Errors wrapping ErrCaptureUnavailable
	// are transient from the feed's point of view.
	Next(ctx context.Context) (image.Image, error)
	Close() error
}

// Open opens the source named by desc:
//
//	synthetic        moving square over a textured background
//	dir:<path>       JPEG/PNG files in name order, looping
//	webcam[:<index>] camera device (requires -tags gocv)
func Open(desc string, fs fsutil.FileSystem) (Source, error) {
	kind, arg, _ := strings.Cut(strings.TrimSpace(desc), ":")
	switch kind {
	case "", "synthetic":
		return NewSyntheticSource(SyntheticConfig{}), nil
	case "dir":
		if arg == "" {
			return nil, fmt.Errorf("source %q: missing directory", desc)
		}
		src, err := NewDirectorySource(fs, arg)
		if err != nil {
			return nil, err
		}
		return src, nil
	case "webcam":
		id := 0
		if arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("source %q: invalid device index", desc)
			}
			id = n
		}
		return OpenWebcam(id)
	}
	return nil, fmt.Errorf("unknown source %q (want synthetic, dir:<path> or webcam[:<index>])", desc)
}
