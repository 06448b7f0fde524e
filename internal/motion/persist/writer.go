package persist

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"path/filepath"
	"sync"
	"time"

	"github.com/banshee-data/motion.capture/internal/fsutil"
)

// File name prefixes.
const (
	PrefixChangePrev = "change_0"
	PrefixChangeCurr = "change_1"
	PrefixNeutral    = "neutral"
)

// IOError is a failed save. The frame is dropped; the session continues.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("saving %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// FileName returns "<prefix>_<YYYYMMDD_HHMMSS_micro>.jpg" for t.
func FileName(prefix string, t time.Time) string {
	return fmt.Sprintf("%s_%s_%06d.jpg", prefix, t.Format("20060102_150405"), t.Nanosecond()/1000)
}

// Writer encodes frames as JPEG files inside one directory. The directory
// is created before the first write and again after any failed attempt.
type Writer struct {
	fs      fsutil.FileSystem
	dir     string
	quality int

	mu      sync.Mutex
	created bool
}

// NewWriter creates a Writer for dir.
func NewWriter(fs fsutil.FileSystem, dir string, quality int) *Writer {
	return &Writer{fs: fs, dir: dir, quality: quality}
}

// Dir returns the destination directory.
func (w *Writer) Dir() string { return w.dir }

// Save writes img as <prefix>_<timestamp>.jpg and returns the path.
// Failures are returned as *IOError.
func (w *Writer) Save(img image.Image, prefix string, at time.Time) (string, error) {
	path := filepath.Join(w.dir, FileName(prefix, at))

	if err := w.ensureDir(); err != nil {
		return "", &IOError{Path: path, Err: err}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: w.quality}); err != nil {
		return "", &IOError{Path: path, Err: fmt.Errorf("encode: %w", err)}
	}
	if err := w.fs.WriteFile(path, buf.Bytes(), 0644); err != nil {
		w.mu.Lock()
		w.created = false
		w.mu.Unlock()
		return "", &IOError{Path: path, Err: err}
	}
	return path, nil
}

func (w *Writer) ensureDir() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.created {
		return nil
	}
	if err := w.fs.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	w.created = true
	return nil
}
