package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"path/filepath"
	"strings"
	"sync"

	"github.com/banshee-data/motion.capture/internal/fsutil"
)

// DirectorySource replays the images of a directory in name order and
// starts over after the last one. The listing is taken once at open.
type DirectorySource struct {
	fs    fsutil.FileSystem
	dir   string
	files []string

	mu   sync.Mutex
	next int
}

// NewDirectorySource lists dir. A missing directory or one without images
// is reported as ErrCaptureUnavailable.
func NewDirectorySource(fs fsutil.FileSystem, dir string) (*DirectorySource, error) {
	infos, err := fs.List(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	var files []string
	for _, info := range infos {
		switch strings.ToLower(filepath.Ext(info.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(dir, info.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no images in %s", ErrCaptureUnavailable, dir)
	}
	diagf("replaying %d images from %s", len(files), dir)
	return &DirectorySource{fs: fs, dir: dir, files: files}, nil
}

// Len returns the number of images in the replay loop.
func (s *DirectorySource) Len() int { return len(s.files) }

// Next decodes the next image in the loop.
func (s *DirectorySource) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	path := s.files[s.next]
	s.next = (s.next + 1) % len(s.files)
	s.mu.Unlock()

	data, err := s.fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	tracef("replayed %s", path)
	return img, nil
}

// Close implements Source.
func (s *DirectorySource) Close() error { return nil }
