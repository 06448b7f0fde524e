// Package frames owns the frame layer of the motion pipeline.
//
// Responsibilities: frame normalization to the standard resolution, the
// two-slot FrameBuffer shared by the capture producer and the flow,
// detection and persistence consumers, and the gray placeholder frame shown
// when no real frame is available.
// Key types: Frame, Buffer, Normalizer.
//
// Dependency rule: frames depends on no other motion package.
package frames
