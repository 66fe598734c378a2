// Package proxyerr defines the proxy's typed error taxonomy, shared by
// routing, the retry executor, provider adapters, and the HTTP server.
package proxyerr

import (
	"fmt"
	"time"
)

// Kind classifies a proxy error for retry and HTTP-status purposes.
type Kind string

const (
	// Routing failures (§4.E). Never retryable.
	ModelNotSpecified Kind = "model_not_specified"
	UnknownProvider   Kind = "unknown_provider"
	NoDefault         Kind = "no_default"
	NoAliasProvider   Kind = "no_alias_provider"
	NoApiKey          Kind = "no_api_key"
	NoAliasApiKey     Kind = "no_alias_api_key"
	MissingApiKey     Kind = "missing_api_key"
	AliasEmpty        Kind = "alias_empty"

	// Internal bugs. Never retryable.
	TransformingRequest  Kind = "transforming_request"
	TransformingResponse Kind = "transforming_response"
	ParsingResponse      Kind = "parsing_response"

	// Transport-level. Retryable, except Sending (see retryableKinds).
	Transient                Kind = "transient"
	ProviderClosedConnection Kind = "provider_closed_connection"
	Timeout                  Kind = "timeout"
	Sending                  Kind = "sending"
	Generic                  Kind = "generic"

	// Retryable with vendor-specified wait.
	RateLimit Kind = "rate_limit"

	// Vendor-rejected. Never retryable.
	BadInput     Kind = "bad_input"
	AuthRejected Kind = "auth_rejected"
	OutOfCredits Kind = "out_of_credits"
	Permanent    Kind = "permanent"
)

// retryableKinds is the set from spec §4.D/§7: {Transient, RateLimit,
// Generic, ProviderClosedConnection, Timeout}.
var retryableKinds = map[Kind]bool{
	Transient:                true,
	RateLimit:                true,
	Generic:                  true,
	ProviderClosedConnection: true,
	Timeout:                  true,
}

// statusByKind maps each Kind to the HTTP status the gateway surfaces to its
// own caller (spec §7's table).
var statusByKind = map[Kind]int{
	ModelNotSpecified:        400,
	UnknownProvider:          400,
	NoDefault:                400,
	NoAliasProvider:          400,
	NoApiKey:                 400,
	NoAliasApiKey:            400,
	MissingApiKey:            400,
	AliasEmpty:               400,
	TransformingRequest:      500,
	TransformingResponse:     500,
	ParsingResponse:          502,
	Transient:                502,
	ProviderClosedConnection: 502,
	Timeout:                  502,
	Sending:                  502,
	Generic:                  502,
	RateLimit:                429,
	BadInput:                 400,
	AuthRejected:             502,
	OutOfCredits:             502,
	Permanent:                502,
}

// Error is the proxy's single structured error type.
type Error struct {
	Kind Kind
	// Message is safe to show to the gateway's own caller.
	Message string
	// StatusCode is the HTTP status reported by the vendor, if any; zero
	// when the error originated locally (routing, internal).
	StatusCode int
	// Provider identifies which adapter produced the error, if any.
	Provider string
	// RetryAfter is set only for RateLimit errors where the vendor told us
	// how long to wait.
	RetryAfter *time.Duration
	// Cause is the wrapped underlying error (network error, json error, ...).
	Cause error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

func (e *Error) WithStatusCode(status int) *Error {
	e.StatusCode = status
	return e
}

func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = &d
	return e
}

// Retryable reports whether the executor may try this error again.
func (e *Error) Retryable() bool {
	return retryableKinds[e.Kind]
}

// HTTPStatus is the status the gateway reports to its own caller for this
// error kind.
func (e *Error) HTTPStatus() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return 500
}

// As reports whether err is (or wraps) a *Error, matching errors.As semantics
// without requiring callers to import "errors" for the common case.
func As(err error) (*Error, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// IsRetryable reports whether err is a *Error marked retryable.
func IsRetryable(err error) bool {
	e, ok := As(err)
	return ok && e.Retryable()
}
