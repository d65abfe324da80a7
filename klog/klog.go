// Package klog wraps a single package-level zerolog.Logger for the
// background tasks and cmd/ tools that sit around the hot path (buffer
// cache, fault handler). The hot path itself stays on bare
// gated-by-a-bool tracing (see bc.Debug); klog is for the slower, less
// frequent events where structured fields are worth the cost: cheap
// no-op when disabled, informative when on.
package klog

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var enabled atomic.Bool

var logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
	With().Timestamp().Logger()

func init() {
	enabled.Store(true)
}

// Enable turns background-task logging on or off.
func Enable(on bool) { enabled.Store(on) }

// SetOutput redirects the logger, e.g. to io.Discard in tests.
func SetOutput(w io.Writer) {
	logger = zerolog.New(w).With().Timestamp().Logger()
}

// L returns the shared logger, or a disabled one when klog is off.
func L() *zerolog.Logger {
	if !enabled.Load() {
		lg := zerolog.Nop()
		return &lg
	}
	return &logger
}
