// Package monitoring holds the process-wide diagnostic logger and the
// ops/diag/trace stream set shared by the pipeline packages.
package monitoring

import (
	"io"
	"log"
	"sync"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Streams is a set of three prefixed loggers:
//   - ops: actionable warnings and errors (failed writes, lost capture)
//   - diag: day-to-day diagnostics (state transitions, session lifecycle)
//   - trace: per-tick and per-frame telemetry
//
// A nil writer disables the corresponding stream. Streams is safe for
// concurrent use; writers may be swapped while loggers are in use.
type Streams struct {
	prefix string

	mu    sync.RWMutex
	ops   *log.Logger
	diag  *log.Logger
	trace *log.Logger
}

// NewStreams creates a stream set whose lines start with prefix.
func NewStreams(prefix string, ops, diag, trace io.Writer) *Streams {
	s := &Streams{prefix: prefix}
	s.SetWriters(ops, diag, trace)
	return s
}

// SetWriters replaces all three writers. Pass nil to disable a stream.
func (s *Streams) SetWriters(ops, diag, trace io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = newLogger(s.prefix, ops)
	s.diag = newLogger(s.prefix, diag)
	s.trace = newLogger(s.prefix, trace)
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

// Opsf logs to the ops stream.
func (s *Streams) Opsf(format string, args ...interface{}) {
	s.mu.RLock()
	l := s.ops
	s.mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Diagf logs to the diag stream.
func (s *Streams) Diagf(format string, args ...interface{}) {
	s.mu.RLock()
	l := s.diag
	s.mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Tracef logs to the trace stream.
func (s *Streams) Tracef(format string, args ...interface{}) {
	s.mu.RLock()
	l := s.trace
	s.mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}
