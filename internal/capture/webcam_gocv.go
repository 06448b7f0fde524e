//go:build gocv

package capture

import (
	"context"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// Webcam reads frames from a camera device through OpenCV.
type Webcam struct {
	id int

	mu  sync.Mutex
	dev *gocv.VideoCapture
	mat gocv.Mat
}

// OpenWebcam opens camera device id.
func OpenWebcam(id int) (Source, error) {
	dev, err := gocv.VideoCaptureDevice(id)
	if err != nil {
		return nil, fmt.Errorf("%w: webcam %d: %v", ErrCaptureUnavailable, id, err)
	}
	if !dev.IsOpened() {
		dev.Close()
		return nil, fmt.Errorf("%w: webcam %d did not open", ErrCaptureUnavailable, id)
	}
	diagf("webcam %d opened", id)
	return &Webcam{id: id, dev: dev, mat: gocv.NewMat()}, nil
}

// Next grabs one frame. OpenCV delivers BGR; ToImage converts it.
func (w *Webcam) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if ok := w.dev.Read(&w.mat); !ok || w.mat.Empty() {
		return nil, fmt.Errorf("%w: webcam %d read failed", ErrCaptureUnavailable, w.id)
	}
	img, err := w.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("webcam %d: convert frame: %w", w.id, err)
	}
	return img, nil
}

// Close releases the device.
func (w *Webcam) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mat.Close()
	return w.dev.Close()
}
