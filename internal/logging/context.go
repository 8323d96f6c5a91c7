package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	collectionKey ctxKey = iota
	channelKey
	workerKey
	requestIDKey
)

// WithCollection returns a context with the collection name set.
func WithCollection(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, collectionKey, name)
}

// WithChannel returns a context with the channel name set.
func WithChannel(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, channelKey, name)
}

// WithWorker returns a context with the evaluation worker id set.
func WithWorker(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, workerKey, id)
}

// WithRequestID returns a context with the tool request id set.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// Collection extracts the collection name from the context, or "" if absent.
func Collection(ctx context.Context) string {
	v, _ := ctx.Value(collectionKey).(string)
	return v
}

// Channel extracts the channel name from the context, or "" if absent.
func Channel(ctx context.Context) string {
	v, _ := ctx.Value(channelKey).(string)
	return v
}

// Worker extracts the worker id from the context.
func Worker(ctx context.Context) (int, bool) {
	v, ok := ctx.Value(workerKey).(int)
	return v, ok
}

// RequestID extracts the request id from the context, or "" if absent.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// WithTarget sets collection and channel at once. Empty values are skipped.
func WithTarget(ctx context.Context, collection, channel string) context.Context {
	if collection != "" {
		ctx = WithCollection(ctx, collection)
	}
	if channel != "" {
		ctx = WithChannel(ctx, channel)
	}
	return ctx
}

func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	if v := RequestID(ctx); v != "" {
		out = append(out, slog.String("request_id", v))
	}
	if v := Collection(ctx); v != "" {
		out = append(out, slog.String("collection", v))
	}
	if v := Channel(ctx); v != "" {
		out = append(out, slog.String("channel", v))
	}
	if v, ok := Worker(ctx); ok {
		out = append(out, slog.Int("worker", v))
	}
	return out
}

// LogWith returns a logger enriched with the correlation values in ctx.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and adds the context's
// correlation values to every record, so logger.InfoContext(ctx, ...)
// carries them without the caller repeating them.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
