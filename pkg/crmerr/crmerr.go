// Package crmerr defines the typed failures shared by the credential,
// schema and execution layers.
package crmerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a failure.
type Kind string

const (
	KindNotConfigured  Kind = "not_configured"
	KindAuthExpired    Kind = "auth_expired"
	KindAuthFailed     Kind = "auth_failed"
	KindSchemaMismatch Kind = "schema_mismatch"
	KindRateLimited    Kind = "rate_limited"
	KindValidation     Kind = "validation_error"
	KindDenied         Kind = "denied"
	KindAdapterFailure Kind = "adapter_failure"
	KindTimeout        Kind = "timeout"
	KindCanceled       Kind = "canceled"
	KindSyncFailed     Kind = "sync_failed"
)

// Retryable reports the default retry policy for a kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindAdapterFailure, KindTimeout, KindSyncFailed:
		return true
	}
	return false
}

// Error is a classified failure.
type Error struct {
	Kind       Kind          `json:"kind"`
	Service    string        `json:"service,omitempty"`
	Object     string        `json:"object,omitempty"`
	Field      string        `json:"field,omitempty"`
	Message    string        `json:"message"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Err        error         `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Service != "" {
		b.WriteString(" [")
		b.WriteString(e.Service)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Field != "" {
		b.WriteString(" (field ")
		b.WriteString(e.Field)
		b.WriteString(")")
	}
	if e.Err != nil && (e.Message == "" || !strings.Contains(e.Message, e.Err.Error())) {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Service == "" || t.Service == e.Service)
}

// New creates an error of the given kind with the kind's default retry policy.
func New(kind Kind, service, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      kind,
		Service:   service,
		Message:   fmt.Sprintf(format, args...),
		Retryable: kind.Retryable(),
	}
}

// Wrap classifies err as kind.
func Wrap(kind Kind, service string, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{
		Kind:      kind,
		Service:   service,
		Message:   msg,
		Retryable: kind.Retryable(),
		Err:       err,
	}
}

// NotConfigured reports a service with no stored credential.
func NotConfigured(service string) *Error {
	return New(KindNotConfigured, service, "no credential configured; run setup for %s", service)
}

// Validation reports an argument that failed the tool's parameter schema.
func Validation(field, format string, args ...interface{}) *Error {
	e := New(KindValidation, "", format, args...)
	e.Field = field
	return e
}

// SchemaMismatch reports an adapter rejecting an unknown object or field.
func SchemaMismatch(service, object, field string, err error) *Error {
	e := Wrap(KindSchemaMismatch, service, err)
	e.Object = object
	e.Field = field
	if e.Message == "" {
		e.Message = "unknown field or object"
	}
	return e
}

// RateLimited reports a throttled call.
func RateLimited(service string, retryAfter time.Duration, err error) *Error {
	e := Wrap(KindRateLimited, service, err)
	e.RetryAfter = retryAfter
	if e.Message == "" {
		e.Message = "rate limited"
	}
	return e
}

// As extracts a *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf classifies any error. Unclassified errors are adapter failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	return KindAdapterFailure
}

// From converts any error into a *Error, classifying it with KindOf.
func From(service string, err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		if e.Service == "" && service != "" {
			cp := *e
			cp.Service = service
			return &cp
		}
		return e
	}
	return Wrap(KindOf(err), service, err)
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
