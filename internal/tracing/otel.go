package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/NForce-ai/SDRbot/pkg/crmerr"
)

const tracerPrefix = "sdrbot."

// Span attribute keys set from the tracing context and from failures.
const (
	AttrService       = attribute.Key("sdrbot.service")
	AttrCorrelationID = attribute.Key("sdrbot.correlation_id")
	AttrSessionKey    = attribute.Key("sdrbot.session_key")
	AttrErrorKind     = attribute.Key("sdrbot.error.kind")
	AttrRetryable     = attribute.Key("sdrbot.error.retryable")
)

var (
	setupOnce sync.Once
	setupErr  error

	providerMu sync.RWMutex
	provider   *sdktrace.TracerProvider
)

// InitOpenTelemetry installs the process tracer provider, sampling by
// parent. Options attach exporters or span processors. Only the first call
// takes effect.
func InitOpenTelemetry(serviceName string, opts ...sdktrace.TracerProviderOption) error {
	setupOnce.Do(func() {
		res, err := resource.New(context.Background(),
			resource.WithAttributes(semconv.ServiceName(serviceName)),
		)
		if err != nil {
			setupErr = err
			return
		}
		opts = append([]sdktrace.TracerProviderOption{
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
			sdktrace.WithResource(res),
		}, opts...)
		tp := sdktrace.NewTracerProvider(opts...)

		providerMu.Lock()
		provider = tp
		providerMu.Unlock()
		otel.SetTracerProvider(tp)
	})
	return setupErr
}

// ShutdownOpenTelemetry flushes pending spans and stops the provider.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.RLock()
	tp := provider
	providerMu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span under the component's tracer. The service,
// correlation id and session key carried by ctx become span attributes, and
// the span's trace id is recorded for LoggerFromContext when ctx has none.
func StartSpan(ctx context.Context, component, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	tc := FromContext(ctx)
	if tc.Service != "" {
		attrs = append(attrs, AttrService.String(tc.Service))
	}
	if tc.CorrelationID != "" {
		attrs = append(attrs, AttrCorrelationID.String(tc.CorrelationID))
	}
	if tc.SessionKey != "" {
		attrs = append(attrs, AttrSessionKey.String(tc.SessionKey))
	}

	ctx, span := otel.Tracer(tracerPrefix+component).Start(ctx, name, trace.WithAttributes(attrs...))
	if tc.TraceID == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}

// EndSpan ends span, marking it failed when err is non-nil. Typed failures
// also record their kind and whether they may be retried.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if e, ok := crmerr.As(err); ok {
			span.SetAttributes(AttrErrorKind.String(string(e.Kind)), AttrRetryable.Bool(e.Retryable))
		}
	}
	span.End()
}
