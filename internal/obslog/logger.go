// Package obslog provides the structured logging façade used throughout
// the engine. It keeps the contextual-fields API the rest of the codebase
// expects (With, WithError, Named, WithContext) but delegates all actual
// formatting and output to zap, rather than reimplementing JSON/text/logfmt
// encoding by hand.
package obslog

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

var (
	ContextKeyRequestID  = contextKey("request_id")
	ContextKeyPipelineID = contextKey("pipeline_id")
	ContextKeyChunk      = contextKey("chunk_sequence")
)

// Logger wraps a zap.Logger with request/pipeline-scoped field helpers.
type Logger struct {
	z *zap.Logger
}

// New wraps an existing zap.Logger.
func New(z *zap.Logger) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &Logger{z: z}
}

// NewProduction builds a production zap configuration, matching
// cmd/adapipe's main entry point.
func NewProduction() (*Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return New(z), nil
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

// WithError returns a child logger with an "error" field set.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{z: l.z.With(zap.Error(err))}
}

// Named returns a child logger under an additional name segment.
func (l *Logger) Named(name string) *Logger {
	return &Logger{z: l.z.Named(name)}
}

// WithContext extracts request/pipeline/chunk scoped values from ctx and
// attaches them as fields.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	z := l.z
	if v, ok := ctx.Value(ContextKeyRequestID).(string); ok && v != "" {
		z = z.With(zap.String("request_id", v))
	}
	if v, ok := ctx.Value(ContextKeyPipelineID).(string); ok && v != "" {
		z = z.With(zap.String("pipeline_id", v))
	}
	if v, ok := ctx.Value(ContextKeyChunk).(uint64); ok {
		z = z.With(zap.Uint64("chunk_sequence", v))
	}
	return &Logger{z: z}
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.z.Sync() }

// Raw returns the underlying zap.Logger for call sites that need it
// directly (e.g. passing into a library that takes *zap.Logger).
func (l *Logger) Raw() *zap.Logger { return l.z }

// WithRequestID attaches a request id to a context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, id)
}

// WithPipelineID attaches a pipeline id to a context.
func WithPipelineID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyPipelineID, id)
}

// WithChunkSequence attaches a chunk sequence number to a context.
func WithChunkSequence(ctx context.Context, seq uint64) context.Context {
	return context.WithValue(ctx, ContextKeyChunk, seq)
}
