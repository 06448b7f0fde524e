//go:build !gocv

package capture

import "fmt"

// OpenWebcam always fails in builds without OpenCV. Rebuild with -tags gocv
// for camera support.
func OpenWebcam(id int) (Source, error) {
	return nil, fmt.Errorf("%w: webcam %d: built without gocv support", ErrCaptureUnavailable, id)
}
