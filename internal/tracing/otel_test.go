package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/NForce-ai/SDRbot/pkg/crmerr"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func attrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestStartSpan_CarriesActionContext(t *testing.T) {
	rec := recordSpans(t)
	ctx := ForAction(WithSessionKey(context.Background(), "s1"), "crm-a", "a1")

	_, span := StartSpan(ctx, "toolexecutor", "toolexecutor.action", attribute.String("tool", "crm-a_get_contact"))
	EndSpan(span, nil)

	ended := rec.Ended()
	require.Len(t, ended, 1)
	got := attrs(ended[0])
	assert.Equal(t, "crm-a", got[AttrService].AsString())
	assert.Equal(t, "a1", got[AttrCorrelationID].AsString())
	assert.Equal(t, "s1", got[AttrSessionKey].AsString())
	assert.Equal(t, "crm-a_get_contact", got["tool"].AsString())
	assert.Equal(t, codes.Unset, ended[0].Status().Code)
}

func TestStartSpan_RecordsTraceID(t *testing.T) {
	recordSpans(t)

	ctx, span := StartSpan(context.Background(), "schema", "schema.sync")
	defer span.End()

	assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(ctx))
}

func TestEndSpan_ClassifiesFailures(t *testing.T) {
	rec := recordSpans(t)

	_, typed := StartSpan(context.Background(), "toolexecutor", "typed")
	EndSpan(typed, crmerr.RateLimited("crm-a", time.Second, nil))
	_, plain := StartSpan(context.Background(), "toolexecutor", "plain")
	EndSpan(plain, errors.New("boom"))

	ended := rec.Ended()
	require.Len(t, ended, 2)

	assert.Equal(t, codes.Error, ended[0].Status().Code)
	got := attrs(ended[0])
	assert.Equal(t, string(crmerr.KindRateLimited), got[AttrErrorKind].AsString())
	assert.True(t, got[AttrRetryable].AsBool())

	assert.Equal(t, codes.Error, ended[1].Status().Code)
	_, ok := attrs(ended[1])[AttrErrorKind]
	assert.False(t, ok)
}
