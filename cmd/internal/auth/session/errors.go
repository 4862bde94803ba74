package session

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthFailure is wrapped by every validator error.
	ErrAuthFailure = errors.New("auth failure")

	// ErrMissingToken is returned when no credential was presented.
	ErrMissingToken = errors.New("missing token")

	// ErrInvalidSession is returned when the auth service explicitly rejected the token.
	ErrInvalidSession = errors.New("invalid session")

	// ErrUnavailable is returned on timeout, transport failure or a 5xx answer.
	ErrUnavailable = errors.New("auth service unavailable")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// FailureError carries the failure kind and an optional cause.
// Kind is one of ErrMissingToken, ErrInvalidSession, ErrUnavailable.
type FailureError struct {
	Kind  error
	Cause error
}

func (e *FailureError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", ErrAuthFailure.Error(), e.Kind.Error())
	}
	return fmt.Sprintf("%s: %s: %s", ErrAuthFailure.Error(), e.Kind.Error(), e.Cause.Error())
}

// Is lets errors.Is match both ErrAuthFailure and the specific kind.
func (e *FailureError) Is(target error) bool {
	return target == ErrAuthFailure || target == e.Kind
}

func (e *FailureError) Unwrap() error { return e.Cause }

func failure(kind, cause error) error {
	return &FailureError{Kind: kind, Cause: cause}
}

// IsTransient reports whether a retry could plausibly succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Reason maps an error to a stable, low-cardinality label for logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMissingToken):
		return "missing_token"
	case errors.Is(err, ErrInvalidSession):
		return "invalid_session"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "unknown"
	}
}
