package frames

import (
	"errors"
	"image"
	"sync"
	"time"
)

// Capacity is the number of frames the buffer retains.
const Capacity = 2

var (
	// ErrEmptyBuffer is returned by Latest when no frame has been pushed.
	ErrEmptyBuffer = errors.New("frame buffer is empty")

	// ErrInsufficientFrames is returned by Pair when fewer than two frames
	// are buffered.
	ErrInsufficientFrames = errors.New("frame buffer holds fewer than 2 frames")
)

// Buffer is the bounded ring holding the most recent frames, oldest first.
// Push is the only mutator; when full the oldest frame is evicted.
//
// Every operation is O(1) under a short mutex. Normalization in PushImage
// runs before the lock is taken, so readers never wait on a resize.
// Frames are immutable once pushed, so a reader can keep using a Frame after
// a later push evicts it.
type Buffer struct {
	normalizer Normalizer

	mu     sync.RWMutex
	frames [Capacity]Frame
	head   int // next write position
	size   int
	seq    uint64
}

// NewBuffer creates an empty buffer whose PushImage normalizes with n.
func NewBuffer(n Normalizer) *Buffer {
	return &Buffer{normalizer: n}
}

// Normalizer returns the normalizer applied by PushImage.
func (b *Buffer) Normalizer() Normalizer {
	return b.normalizer
}

// PushImage normalizes a raw image of any size and pushes it.
func (b *Buffer) PushImage(img image.Image, capturedAt time.Time) Frame {
	return b.Push(b.normalizer.Normalize(img), capturedAt)
}

// Push appends an already normalized image, evicting the oldest frame when
// the buffer is full. The buffer takes ownership of img.
func (b *Buffer) Push(img *image.RGBA, capturedAt time.Time) Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	f := Frame{Seq: b.seq, CapturedAt: capturedAt, Image: img}
	b.frames[b.head] = f
	b.head = (b.head + 1) % Capacity
	if b.size < Capacity {
		b.size++
	}
	return f
}

// Len returns the number of buffered frames (0, 1 or 2).
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Latest returns the most recently pushed frame.
func (b *Buffer) Latest() (Frame, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return Frame{}, ErrEmptyBuffer
	}
	return b.previous(1), nil
}

// Pair returns the two buffered frames as (previous, current).
func (b *Buffer) Pair() (prev, curr Frame, err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size < 2 {
		return Frame{}, Frame{}, ErrInsufficientFrames
	}
	return b.previous(2), b.previous(1), nil
}

// Clear drops every buffered frame. Sequence numbers keep increasing.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.frames = [Capacity]Frame{}
	b.head = 0
	b.size = 0
}

// previous returns the frame n steps back; previous(1) is the newest.
// Caller must hold b.mu.
func (b *Buffer) previous(n int) Frame {
	idx := (b.head - n + Capacity) % Capacity
	return b.frames[idx]
}
