package crmerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "typed", err: NotConfigured("crm-a"), want: KindNotConfigured},
		{name: "wrapped typed", err: fmt.Errorf("call: %w", RateLimited("crm-a", time.Second, nil)), want: KindRateLimited},
		{name: "deadline", err: fmt.Errorf("invoke: %w", context.DeadlineExceeded), want: KindTimeout},
		{name: "canceled", err: context.Canceled, want: KindCanceled},
		{name: "opaque", err: errors.New("boom"), want: KindAdapterFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestRetryableDefaults(t *testing.T) {
	assert.True(t, KindRateLimited.Retryable())
	assert.True(t, KindAdapterFailure.Retryable())
	assert.True(t, KindTimeout.Retryable())
	assert.False(t, KindValidation.Retryable())
	assert.False(t, KindNotConfigured.Retryable())
	assert.False(t, KindAuthFailed.Retryable())
	assert.False(t, KindDenied.Retryable())
}

func TestErrorMessage(t *testing.T) {
	err := Validation("fields.email", "expected string")
	assert.Equal(t, "validation_error: expected string (field fields.email)", err.Error())

	wrapped := Wrap(KindAdapterFailure, "crm-a", errors.New("502 bad gateway"))
	assert.Equal(t, "adapter_failure [crm-a]: 502 bad gateway", wrapped.Error())
}

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", SchemaMismatch("crm-a", "Contact", "Country", errors.New("no such column")))

	assert.True(t, errors.Is(err, &Error{Kind: KindSchemaMismatch}))
	assert.True(t, errors.Is(err, &Error{Kind: KindSchemaMismatch, Service: "crm-a"}))
	assert.False(t, errors.Is(err, &Error{Kind: KindSchemaMismatch, Service: "crm-b"}))
	assert.False(t, errors.Is(err, &Error{Kind: KindRateLimited}))
}

func TestFrom(t *testing.T) {
	e := From("crm-a", errors.New("boom"))
	require.NotNil(t, e)
	assert.Equal(t, KindAdapterFailure, e.Kind)
	assert.Equal(t, "crm-a", e.Service)
	assert.True(t, e.Retryable)

	typed := Validation("id", "missing")
	e = From("crm-a", typed)
	assert.Equal(t, "crm-a", e.Service)
	assert.Empty(t, typed.Service, "original error must not be mutated")

	assert.Nil(t, From("crm-a", nil))
}
