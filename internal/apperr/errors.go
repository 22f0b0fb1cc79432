// Package apperr defines the error categories shared by every domain package.
//
// Domain packages declare their sentinels with the constructors below, so callers
// can match either the exact sentinel (errors.Is(err, meterdomain.ErrDuplicateEventName))
// or the category (errors.Is(err, apperr.ErrValidation)) and extract details with errors.As.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation    = errors.New("validation_error")
	ErrNotFound      = errors.New("not_found")
	ErrLimitExceeded = errors.New("limit_exceeded")
	ErrProvider      = errors.New("provider_error")
	ErrRateLimited   = errors.New("rate_limited")
	ErrForbidden     = errors.New("forbidden")
)

// ValidationError reports malformed input or a uniqueness violation.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Code
}

func (e *ValidationError) Is(target error) bool {
	if target == ErrValidation {
		return true
	}
	t, ok := target.(*ValidationError)
	return ok && t.Code == e.Code && t.Field == e.Field
}

func Validation(field, code, message string) *ValidationError {
	return &ValidationError{Field: field, Code: code, Message: message}
}

// NotFoundError reports a missing or inactive resource.
type NotFoundError struct {
	Resource string `json:"resource"`
	Key      string `json:"key,omitempty"`
}

func (e *NotFoundError) Error() string {
	if e.Key == "" {
		return e.Resource + "_not_found"
	}
	return fmt.Sprintf("%s_not_found: %s", e.Resource, e.Key)
}

func (e *NotFoundError) Is(target error) bool {
	if target == ErrNotFound {
		return true
	}
	t, ok := target.(*NotFoundError)
	return ok && t.Resource == e.Resource && (t.Key == "" || t.Key == e.Key)
}

func NotFound(resource string) *NotFoundError {
	return &NotFoundError{Resource: resource}
}

// NotFoundKey returns a NotFoundError carrying the looked-up key.
func NotFoundKey(resource, key string) *NotFoundError {
	return &NotFoundError{Resource: resource, Key: key}
}

// LimitExceededError is returned by ingest when enforcement blocks an event.
type LimitExceededError struct {
	Reason       string  `json:"reason"`
	CurrentUsage float64 `json:"current_usage"`
	LimitValue   float64 `json:"limit_value"`
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("limit_exceeded: %s", e.Reason)
}

func (e *LimitExceededError) Is(target error) bool {
	return target == ErrLimitExceeded
}

// ProviderError wraps a failed billing provider call, including timeouts.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool {
	return target == ErrProvider
}

func Provider(op string, err error) *ProviderError {
	return &ProviderError{Op: op, Err: err}
}

// RateLimitedError is returned when the ingest token bucket is empty.
type RateLimitedError struct {
	Key        string
	RetryAfter float64
}

func (e *RateLimitedError) Error() string {
	return "rate_limited"
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}
