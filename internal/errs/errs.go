// Package errs defines the error taxonomy shared across the sync engine.
//
// Errors are delivered to consumers over the engine's error channel rather
// than thrown across goroutine boundaries, so classification has to survive
// wrapping. Use errors.Is against the sentinels or errors.As against the
// typed errors below.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport indicates a connect or send failure at the transport level.
	ErrTransport = errors.New("transport error")
	// ErrAuth indicates the identity was rejected by the server.
	ErrAuth = errors.New("authentication rejected")
	// ErrTimeout indicates no acknowledgment arrived within the bound.
	ErrTimeout = errors.New("acknowledgment timeout")
	// ErrRateLimit indicates the server throttled the caller.
	ErrRateLimit = errors.New("rate limited")
	// ErrValidation indicates a malformed payload.
	ErrValidation = errors.New("invalid payload")
	// ErrConnectionExhausted indicates reconnection attempts ran out.
	// Further reconnection requires an explicit caller action.
	ErrConnectionExhausted = errors.New("reconnect attempts exhausted")
	// ErrClosed indicates the engine or connection was torn down.
	ErrClosed = errors.New("closed")
)

// TransportError wraps a transport-level failure with the operation that hit it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// AuthError carries the server's rejection reason. The transport stays open
// so the caller can retry authentication.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth rejected: %s", e.Reason) }
func (e *AuthError) Is(target error) bool {
	return target == ErrAuth
}

// TimeoutError names the operation whose acknowledgment never arrived.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("%s timed out", e.Op) }
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// RateLimitError carries the server's throttle message.
type RateLimitError struct {
	Reason string
}

func (e *RateLimitError) Error() string {
	if e.Reason == "" {
		return "rate limited"
	}
	return fmt.Sprintf("rate limited: %s", e.Reason)
}
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimit
}

// ValidationError names the field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Transport wraps err as a TransportError for op.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

// Retryable reports whether the error should be retried locally with backoff.
// Transport and timeout errors retry; auth, validation and rate-limit errors
// surface immediately.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrTransport), errors.Is(err, ErrTimeout):
		return true
	default:
		return false
	}
}
