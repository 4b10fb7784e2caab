// Package apperr defines the error-kind taxonomy of spec §7 and its
// mapping onto HTTP status codes, shared by the gateway and inference
// HTTP surfaces.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for both HTTP-status mapping and metrics
// labeling. Keep this set low-cardinality (§4.8).
type Kind string

const (
	KindValidation          Kind = "validation"
	KindUnauthorized        Kind = "unauthorized"
	KindRateLimited         Kind = "rate_limited"
	KindOverloaded          Kind = "overloaded"
	KindDeadlineExceeded    Kind = "deadline_exceeded"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindInferenceFailed     Kind = "inference_failed"
	KindInternal            Kind = "internal"
)

// Error is an application error tagged with a Kind for status mapping,
// wrapping an underlying cause for errors.Is/As and logging.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter int64 // seconds, only meaningful for KindRateLimited/KindOverloaded
	Limit      int64
	LimitType  string
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error of the given kind, wrapping cause (which may be nil).
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Code: defaultCode(kind), Message: message, cause: cause}
}

// RateLimited constructs the specific KindRateLimited error carrying the
// retry-after/limit/limit_type fields required by §4.7.
func RateLimited(retryAfter, limit int64, limitType string) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
		Limit:      limit,
		LimitType:  limitType,
	}
}

func defaultCode(kind Kind) string {
	switch kind {
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindUnauthorized:
		return "UNAUTHORIZED"
	case KindRateLimited:
		return "RATE_LIMIT_EXCEEDED"
	case KindOverloaded:
		return "OVERLOADED"
	case KindDeadlineExceeded:
		return "DEADLINE_EXCEEDED"
	case KindUpstreamUnavailable:
		return "UPSTREAM_UNAVAILABLE"
	case KindInferenceFailed:
		return "INFERENCE_FAILED"
	default:
		return "INTERNAL_ERROR"
	}
}

// HTTPStatus implements the §7 kind -> status table.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindOverloaded:
		return http.StatusServiceUnavailable
	case KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindInferenceFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// As extracts an *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
