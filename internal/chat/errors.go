package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorClass buckets transport failures for the retry policy.
type ErrorClass string

const (
	ErrNetwork          ErrorClass = "NETWORK"           // no response received
	ErrFlood            ErrorClass = "FLOOD"             // throughput violation, carries retry-after
	ErrMessageTooLong   ErrorClass = "MESSAGE_TOO_LONG"  // producer bug: chunking happens before enqueue
	ErrTargetNotFound   ErrorClass = "TARGET_NOT_FOUND"  // chat no longer reachable
	ErrMalformedRequest ErrorClass = "MALFORMED_REQUEST" // defect, never retried
	ErrMediaError       ErrorClass = "MEDIA_ERROR"       // file reference invalid
	ErrUnknown          ErrorClass = "UNKNOWN"           // default bucket, retried conservatively
)

// Error is a classified transport failure.
type Error struct {
	Class      ErrorClass
	Message    string
	RetryAfter time.Duration // FLOOD only
	cause      error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Class)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the worker may attempt this delivery again.
func (e *Error) Retryable() bool {
	switch e.Class {
	case ErrNetwork, ErrFlood, ErrUnknown:
		return true
	}
	return false
}

// NewError builds a classified error wrapping cause.
func NewError(class ErrorClass, msg string, cause error) *Error {
	return &Error{Class: class, Message: msg, cause: cause}
}

// Classify normalizes any transport failure into an *Error. Errors that are
// already classified pass through; everything without a platform
// description is treated as NETWORK.
func Classify(err error, description string, retryAfter time.Duration) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	if description == "" {
		return &Error{Class: ErrNetwork, Message: errMessage(err), cause: err}
	}

	lower := strings.ToLower(description)
	switch {
	case strings.Contains(lower, "too many requests"), strings.Contains(lower, "flood"):
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		return &Error{Class: ErrFlood, Message: description, RetryAfter: retryAfter, cause: err}
	case strings.Contains(lower, "message is too long"):
		return &Error{Class: ErrMessageTooLong, Message: description, cause: err}
	case strings.Contains(lower, "chat not found"), strings.Contains(lower, "user not found"):
		return &Error{Class: ErrTargetNotFound, Message: description, cause: err}
	case strings.Contains(lower, "wrong file"), strings.Contains(lower, "file"):
		return &Error{Class: ErrMediaError, Message: description, cause: err}
	case strings.Contains(lower, "bad request"):
		return &Error{Class: ErrMalformedRequest, Message: description, cause: err}
	}
	return &Error{Class: ErrUnknown, Message: description, cause: err}
}

func errMessage(err error) string {
	if err == nil {
		return "network error"
	}
	return err.Error()
}
