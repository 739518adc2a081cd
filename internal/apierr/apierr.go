// Package apierr defines the typed error taxonomy surfaced by the REST
// layer, replacing exception-driven control flow with plain error values
// the error-mapping middleware recovers via errors.As.
package apierr

import (
	"fmt"
	"net/http"
)

// Kind classifies an error into one of the taxonomy's buckets.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindAuthentication     Kind = "authentication"
	KindAuthorization      Kind = "authorization"
	KindNotFound           Kind = "not_found"
	KindRateLimited        Kind = "rate_limited"
	KindCostLimit          Kind = "cost_limit"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindTimeout            Kind = "timeout"
	KindDecompilerFailure  Kind = "decompiler_failure"
	KindPayloadTooLarge    Kind = "payload_too_large"
	KindInternal           Kind = "internal"
)

var statusByKind = map[Kind]int{
	KindValidation:          http.StatusBadRequest,
	KindAuthentication:      http.StatusUnauthorized,
	KindAuthorization:       http.StatusForbidden,
	KindNotFound:            http.StatusNotFound,
	KindRateLimited:         http.StatusTooManyRequests,
	KindCostLimit:           http.StatusPaymentRequired,
	KindProviderUnavailable: http.StatusServiceUnavailable,
	KindTimeout:             http.StatusRequestTimeout,
	KindDecompilerFailure:   http.StatusUnprocessableEntity,
	KindPayloadTooLarge:     http.StatusRequestEntityTooLarge,
	KindInternal:            http.StatusInternalServerError,
}

// Error is the typed error value carried from components to the REST
// layer's error-mapping middleware.
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Details map[string]interface{}
}

func (e *Error) Error() string { return e.Message }

// New builds an *Error of the given kind, resolving its HTTP status from
// the taxonomy table; a kind missing from the table maps to 500.
func New(kind Kind, message string, details map[string]interface{}) *Error {
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{Kind: kind, Message: message, Status: status, Details: details}
}

func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...), nil)
}

func Authentication(message string) *Error {
	return New(KindAuthentication, message, nil)
}

func Authorization(message string) *Error {
	return New(KindAuthorization, message, nil)
}

func NotFound(message string) *Error {
	return New(KindNotFound, message, nil)
}

func RateLimited(message string, retryAfterSeconds int) *Error {
	return New(KindRateLimited, message, map[string]interface{}{"retry_after_seconds": retryAfterSeconds})
}

func CostLimit(message string) *Error {
	return New(KindCostLimit, message, nil)
}

func ProviderUnavailable(message string) *Error {
	return New(KindProviderUnavailable, message, nil)
}

func Timeout(message string) *Error {
	return New(KindTimeout, message, nil)
}

func DecompilerFailure(message string) *Error {
	return New(KindDecompilerFailure, message, nil)
}

func PayloadTooLarge(format string, args ...interface{}) *Error {
	return New(KindPayloadTooLarge, fmt.Sprintf(format, args...), nil)
}

func Internal(message string) *Error {
	return New(KindInternal, message, nil)
}

// Envelope is the JSON error response body of section 4.7.
type Envelope struct {
	Success bool      `json:"success"`
	Err     ErrorBody `json:"error"`
}

type ErrorBody struct {
	Type       Kind                   `json:"type"`
	Message    string                 `json:"message"`
	StatusCode int                    `json:"status_code"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// ToEnvelope renders e into the wire envelope.
func (e *Error) ToEnvelope() Envelope {
	return Envelope{
		Success: false,
		Err: ErrorBody{
			Type:       e.Kind,
			Message:    e.Message,
			StatusCode: e.Status,
			Details:    e.Details,
		},
	}
}
