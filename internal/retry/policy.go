package retry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// DefaultRetryAfter applies when a 429 carries no usable Retry-After header
const DefaultRetryAfter = 60 * time.Second

// Outcome classifies the result of one upstream attempt
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeAuthFailure
	OutcomeTransient
	OutcomeClientError
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeAuthFailure:
		return "auth_failure"
	case OutcomeTransient:
		return "transient"
	case OutcomeClientError:
		return "client_error"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Classify maps a transport error or upstream status to an outcome.
// A deadline means the upstream never answered in time and is retryable;
// only a plain cancellation (the client going away) is OutcomeCancelled.
func Classify(err error, status int) Outcome {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return OutcomeTransient
		}
		if errors.Is(err, context.Canceled) {
			return OutcomeCancelled
		}
		// network errors and timeouts before bytes flowed
		return OutcomeTransient
	}
	switch {
	case status >= 200 && status < 400:
		return OutcomeSuccess
	case status == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return OutcomeAuthFailure
	case status >= 500:
		return OutcomeTransient
	default:
		return OutcomeClientError
	}
}

// Retryable reports whether the pipeline may recover by switching accounts
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeRateLimited, OutcomeAuthFailure, OutcomeTransient:
		return true
	default:
		return false
	}
}

// Policy bounds the retry budget of one client request
type Policy struct {
	// MaxAccountSwitches is the number of additional attempts, each against
	// a different account
	MaxAccountSwitches int `mapstructure:"max_account_switches"`
}

// DefaultPolicy returns the default retry policy
func DefaultPolicy() Policy {
	return Policy{MaxAccountSwitches: 2}
}

// ShouldRetry decides whether to re-dispatch. Once the response has begun
// streaming to the client the failure is surfaced instead.
func (p Policy) ShouldRetry(o Outcome, streamed bool, attempt int) bool {
	if streamed {
		return false
	}
	if attempt >= p.MaxAccountSwitches {
		return false
	}
	return o.Retryable()
}

// RetryAfter parses a Retry-After header, accepting both numeric seconds and
// HTTP-date forms, and falls back to the default window.
func RetryAfter(h http.Header) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return DefaultRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(raw); err == nil {
		d := time.Until(t)
		if d < 0 {
			return 0
		}
		return d
	}
	return DefaultRetryAfter
}
