package persist

import (
	"io"
	"os"

	"github.com/banshee-data/motion.capture/internal/monitoring"
)

var logs = monitoring.NewStreams("[persist] ", os.Stderr, os.Stdout, nil)

// SetLogWriters configures the three logging streams for the persist package.
// Pass nil for any writer to disable that stream.
func SetLogWriters(ops, diag, trace io.Writer) {
	logs.SetWriters(ops, diag, trace)
}

func opsf(format string, args ...interface{})   { logs.Opsf(format, args...) }
func diagf(format string, args ...interface{})  { logs.Diagf(format, args...) }
func tracef(format string, args ...interface{}) { logs.Tracef(format, args...) }
