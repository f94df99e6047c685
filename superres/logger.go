package superres

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/andersio/Upscale/engine"
	"github.com/andersio/Upscale/gpu"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled returns false so callers skip message formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(slog.New(nopHandler{}))
}

// SetLogger configures the logger for superres and the gpu and engine
// packages it drives. By default nothing is logged. Pass nil to restore
// silence.
//
// Log levels:
//   - [slog.LevelDebug]: stage encoding, buffer sizes, pipeline compilation
//   - [slog.LevelInfo]: adapter selection, graph ready
//   - [slog.LevelWarn]: CPU fallback, failed command buffers
//
// Example:
//
//	superres.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(nopHandler{})
	}
	loggerPtr.Store(l)
	gpu.SetLogger(l)
	engine.SetLogger(l)
}

// Logger returns the current logger used by superres.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
