package logging

import (
	"context"

	"prism/internal/ids"
)

// WithTaskID returns a logger that prefixes every line with the task id so
// output from concurrent tasks stays attributable after interleaving. An
// empty id returns the logger unchanged.
func WithTaskID(logger Logger, taskID string) Logger {
	return withTag(logger, "task", taskID)
}

// WithRequestID returns a logger that prefixes every line with the inbound
// request id.
func WithRequestID(logger Logger, requestID string) Logger {
	return withTag(logger, "request_id", requestID)
}

// FromContext tags logger with the request and task ids carried on ctx.
// Ids that are absent leave the logger unchanged.
func FromContext(ctx context.Context, logger Logger) Logger {
	logger = WithRequestID(logger, ids.RequestIDFromContext(ctx))
	return WithTaskID(logger, ids.TaskIDFromContext(ctx))
}

func withTag(logger Logger, key, value string) Logger {
	if IsNil(logger) {
		return Nop()
	}
	if value == "" {
		return logger
	}
	return &taggedLogger{logger: logger, prefix: key + "=" + value + " "}
}

// taggedLogger prepends a fixed key=value pair to each format string before
// delegating. Tags compose: wrapping an already tagged logger stacks the
// prefixes.
type taggedLogger struct {
	logger Logger
	prefix string
}

func (l *taggedLogger) Debug(format string, args ...any) {
	l.logger.Debug(l.prefix+format, args...)
}

func (l *taggedLogger) Info(format string, args ...any) {
	l.logger.Info(l.prefix+format, args...)
}

func (l *taggedLogger) Warn(format string, args ...any) {
	l.logger.Warn(l.prefix+format, args...)
}

func (l *taggedLogger) Error(format string, args ...any) {
	l.logger.Error(l.prefix+format, args...)
}
