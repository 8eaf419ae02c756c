package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	sessionIDKey contextKey = "session_id"
	loggerKey    contextKey = "logger"
)

// NewRequestID generates a fresh opaque request identifier.
func NewRequestID() string { return uuid.New().String() }

// ContextWithRequestID attaches a request id to ctx for correlated logging.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext retrieves the request id, or "" if absent.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ContextWithSessionID attaches the active session id to ctx.
func ContextWithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFromContext retrieves the session id, or "" if absent.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// Ctx returns a logger enriched with the request/session ids carried on ctx,
// falling back to the global logger's fields otherwise.
func Ctx(ctx context.Context) *zerolog.Logger {
	logger := Logger()
	logCtx := logger.With()
	if rid := RequestIDFromContext(ctx); rid != "" {
		logCtx = logCtx.Str("request_id", rid)
	}
	if sid := SessionIDFromContext(ctx); sid != "" {
		logCtx = logCtx.Str("session_id", sid)
	}
	built := logCtx.Logger()
	return &built
}
