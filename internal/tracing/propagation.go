package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// ForAction derives the context for one proposed action. The trace and
// session ids are kept; correlation id and service are replaced.
func ForAction(ctx context.Context, service, correlationID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithCorrelationID(ctx, correlationID)
	if service != "" {
		ctx = WithService(ctx, service)
	}
	return ctx
}

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.SessionKey != "" {
		lc = lc.Str("session_key", tc.SessionKey)
	}
	if tc.CorrelationID != "" {
		lc = lc.Str("correlation_id", tc.CorrelationID)
	}
	if tc.Service != "" {
		lc = lc.Str("service", tc.Service)
	}
	return lc.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return baseLogger
	}
	return PropagateToLogger(ctx, baseLogger)
}

// Detach returns a background context that carries ctx's tracing values but
// not its deadline or cancellation.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
