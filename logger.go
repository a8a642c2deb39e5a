package flut

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/flut/internal/gpu"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely, making disabled logging effectively zero-cost.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for flut and all its sub-packages.
// By default, flut produces no log output. Pass nil to restore silence.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
//
// Log levels used by flut:
//   - [slog.LevelDebug]: per-chunk and per-slot diagnostics
//   - [slog.LevelInfo]: lifecycle events (connections opened, GPU adapter
//     selected, pipeline drained)
//   - [slog.LevelWarn]: recoverable conditions (connection down, host
//     encoding fallback)
//   - [slog.LevelError]: terminal conditions (connection dead, all dead)
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
	gpu.SetLogger(l)
}

// Logger returns the current logger used by flut.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
