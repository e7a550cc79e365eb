package bulk

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrCannotResume   = errors.New("bulk: operation cannot be resumed")
	ErrAlreadyRunning = errors.New("bulk: operation is already running")
	ErrNotRunning     = errors.New("bulk: operation is not running")
	ErrAlreadyStarted = errors.New("bulk: operation already started, use resume")
	ErrItemMismatch   = errors.New("bulk: items do not match the operation")
	ErrInvalidConfig  = errors.New("bulk: invalid config")
	ErrCheckpoint     = errors.New("bulk: checkpoint write failed")
)

// StatusError is an error carrying an HTTP status code
type StatusError struct {
	Code    int
	Message string
	// Retry is the server's Retry-After hint, zero when absent.
	Retry time.Duration
}

func (e *StatusError) Error() string {
	text := http.StatusText(e.Code)
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d %s", e.Code, text)
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.Code, text, e.Message)
}

// HTTPStatus returns the status code
func (e *StatusError) HTTPStatus() int { return e.Code }

// RetryAfter returns the server's retry hint
func (e *StatusError) RetryAfter() time.Duration { return e.Retry }

// ValidationError is a local precondition failure. It is never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

type markedError struct {
	err  error
	kind errorMark
}

type errorMark int

const (
	markTransient errorMark = iota
	markPermanent
	markUnconfirmed
)

func (e *markedError) Error() string { return e.err.Error() }
func (e *markedError) Unwrap() error { return e.err }

// Transient marks err as safe to retry
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, kind: markTransient}
}

// Permanent marks err as never retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, kind: markPermanent}
}

// Unconfirmed marks err as a failure after which the remote side may
// have applied the write.
func Unconfirmed(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, kind: markUnconfirmed}
}
