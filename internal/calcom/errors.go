package calcom

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an upstream failure. Only retryable kinds are
// retried; everything else surfaces immediately.
type ErrorKind string

const (
	// KindTransient covers network failures and 5xx responses.
	KindTransient ErrorKind = "transient"
	// KindRateLimited is a 429; retries honor the upstream reset hint.
	KindRateLimited ErrorKind = "rate_limited"
	// KindConflict is a 409: the slot was taken by someone else. Never
	// retried so the caller can prune the slot instead.
	KindConflict ErrorKind = "conflict"
	// KindInvalid is a malformed request (400/404/422), treated as a
	// defect on our side.
	KindInvalid ErrorKind = "invalid"
	// KindAuth is a credentials/configuration fault (401/403).
	KindAuth ErrorKind = "auth"
)

// APIError is the single typed error that crosses from the client into
// the state machine. The machine never sees transport-level detail.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("cal.com %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("cal.com %s (status=%d): %s", e.Kind, e.StatusCode, e.Message)
}

// Retryable reports whether the retry loop may attempt again.
func (e *APIError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// UserMessage is the short, non-technical text shown to the user.
func (e *APIError) UserMessage() string {
	switch e.Kind {
	case KindConflict:
		return "That time is no longer available. Please select another."
	case KindInvalid:
		return "There was a problem with your booking. Please try again."
	case KindRateLimited:
		return "Too many requests. Please wait a moment and try again."
	case KindAuth:
		return "Booking is misconfigured. Please contact the administrator."
	default:
		return "The scheduling service is temporarily unavailable. Please try again shortly."
	}
}

// AsAPIError unwraps err into an *APIError if possible.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == 429:
		return KindRateLimited
	case status == 409:
		return KindConflict
	case status == 401 || status == 403:
		return KindAuth
	case status >= 500:
		return KindTransient
	default:
		// 400/404/422 and any other 4xx: do not retry. The exact
		// retryable boundary for unusual 4xx codes is a policy default,
		// not validated against live upstream behavior.
		return KindInvalid
	}
}
