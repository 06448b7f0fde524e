// Package persist decides which frames are written to disk while a saving
// session is active.
//
// Responsibilities: the per-session policy (change hysteresis with a
// minimum save interval, periodic neutral background captures), the
// background loop that samples the frame buffer and the motion signal on a
// fixed poll tick, JPEG persistence into the session destination, and the
// gallery query over saved files.
// Key types: Manager, Session, Policy, SessionConfig, Writer.
//
// Frames are sampled non-destructively: the buffer is only read, never
// drained, so the overlay and flow views see the same frames.
//
// Dependency rule: persist depends on frames and on a MotionSignal; it never
// imports flow or detect.
package persist
