// Package log is a thin wrapper over log/slog: Logger(component) returns a
// handle that re-resolves slog.Default() on every call, so redirecting
// slog's output at runtime (e.g. in tests) takes effect immediately without
// every package having to re-fetch a logger.
package log

import "log/slog"

// LazyLogger tags every log line with its owning component and always logs
// through the current slog.Default(), rather than a handler captured at
// construction time.
type LazyLogger struct {
	component string
}

// Debug logs at Debug level.
func (l *LazyLogger) Debug(msg string, args ...any) {
	slog.Default().With("component", l.component).Debug(msg, args...)
}

// Info logs at Info level.
func (l *LazyLogger) Info(msg string, args ...any) {
	slog.Default().With("component", l.component).Info(msg, args...)
}

// Warn logs at Warn level.
func (l *LazyLogger) Warn(msg string, args ...any) {
	slog.Default().With("component", l.component).Warn(msg, args...)
}

// Error logs at Error level.
func (l *LazyLogger) Error(msg string, args ...any) {
	slog.Default().With("component", l.component).Error(msg, args...)
}

// Logger returns a LazyLogger for component. Every package in this repo
// keeps one package-level logger: var logger = log.Logger("mdns").
func Logger(component string) *LazyLogger {
	return &LazyLogger{component: component}
}
