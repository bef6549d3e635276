package proxyerr

import (
	"fmt"
	"net/http"
)

// Kind classifies a proxy error for retry and surfacing decisions
type Kind string

const (
	KindNoEligibleAccount   Kind = "no_accounts_available"
	KindAuthFailure         Kind = "auth_failure"
	KindRateLimited         Kind = "rate_limited"
	KindUpstreamTransient   Kind = "upstream_transient"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindUpstreamFatal       Kind = "upstream_fatal"
	KindClientDisconnected  Kind = "client_disconnected"
	KindConfigInvalid       Kind = "config_invalid"
	KindInternal            Kind = "internal_error"
)

// Error is the internal error type carried through the proxy pipeline
type Error struct {
	Kind           Kind
	Message        string
	UpstreamStatus int
}

func (e *Error) Error() string {
	if e.UpstreamStatus > 0 {
		return fmt.Sprintf("%s: %s (upstream %d)", e.Kind, e.Message, e.UpstreamStatus)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New creates a proxy error of the given kind
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a proxy error with a formatted message
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithStatus attaches the upstream status code
func (e *Error) WithStatus(status int) *Error {
	e.UpstreamStatus = status
	return e
}

// Retryable reports whether the pipeline may recover by switching accounts
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindUpstreamTransient, KindAuthFailure:
		return true
	default:
		return false
	}
}

// HTTPStatus maps the error kind to the status returned to the client
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNoEligibleAccount:
		return http.StatusServiceUnavailable
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamFatal:
		if e.UpstreamStatus > 0 {
			return e.UpstreamStatus
		}
		return http.StatusBadGateway
	case KindAuthFailure, KindUpstreamTransient, KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindClientDisconnected:
		// Client is gone; the status is recorded, never written
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Envelope returns the JSON error body sent to clients
func (e *Error) Envelope() map[string]any {
	inner := map[string]any{
		"type":    string(e.Kind),
		"message": e.Message,
	}
	if e.UpstreamStatus > 0 {
		inner["upstream_status"] = e.UpstreamStatus
	}
	return map[string]any{"error": inner}
}
