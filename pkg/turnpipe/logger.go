package turnpipe

import "log/slog"

// SlogLogger adapts a *slog.Logger to the Logger interface every
// turnpipe component accepts.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps logger. A nil logger falls back to slog.Default().
func NewSlogLogger(logger *slog.Logger) SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return SlogLogger{logger: logger}
}

func (l SlogLogger) Debug(msg string, args ...interface{}) { l.logger.Debug(msg, args...) }
func (l SlogLogger) Info(msg string, args ...interface{})  { l.logger.Info(msg, args...) }
func (l SlogLogger) Warn(msg string, args ...interface{})  { l.logger.Warn(msg, args...) }
func (l SlogLogger) Error(msg string, args ...interface{}) { l.logger.Error(msg, args...) }
