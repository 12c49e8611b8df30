package widget

import "fmt"

// ErrorCode classifies a controller failure.
type ErrorCode string

const (
	ErrorInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrorTermsNotAccepted ErrorCode = "TERMS_NOT_ACCEPTED"
	ErrorRateLimited      ErrorCode = "RATE_LIMITED"
	ErrorUpstream         ErrorCode = "UPSTREAM_ERROR"
	ErrorRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED"
	ErrorInternal         ErrorCode = "INTERNAL_ERROR"
)

// Error is a controller failure with a stable reason for clients.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("widget: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("widget: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
