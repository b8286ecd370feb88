package apiclient

import (
	"errors"
	"fmt"
)

// ErrNotModified is returned when a conditional fetch answers 304; the
// caller serves its cached payload and only bumps freshness.
var ErrNotModified = errors.New("apiclient: not modified")

// ErrorKind classifies an API failure for retry decisions.
type ErrorKind int

const (
	// KindTransient covers timeouts, connection resets, 429 and 5xx.
	// Eligible for retry per the caller's backoff policy.
	KindTransient ErrorKind = iota

	// KindAuth is a 401 outside the auth endpoints. One silent session
	// refresh is attempted, then the original request is retried once.
	KindAuth

	// KindCursorExpired means the server no longer accepts the supplied
	// cursor; the pager must fall back to a full refetch.
	KindCursorExpired

	// KindPermanent covers remaining 4xx and exhausted retries.
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindCursorExpired:
		return "cursor_expired"
	default:
		return "permanent"
	}
}

// APIError is a typed failure from the messaging API.
type APIError struct {
	StatusCode int
	Kind       ErrorKind
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("apiclient: %s (status %d, code %q): %s", e.Kind, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("apiclient: %s: %s", e.Kind, e.Message)
}

// IsTransient reports whether err should be retried under backoff.
func IsTransient(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == KindTransient
}

// IsCursorExpired reports whether the server invalidated the cursor.
func IsCursorExpired(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == KindCursorExpired
}

// errorEnvelope is the server's error body shape. Decoded leniently;
// classification falls back to the status code when the body is not
// parseable.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
