// Package errors provides structured error types for the hostpool
// connection agent. All errors are designed to be safe to return to
// callers without exposing internal implementation details.
//
// This package provides:
//   - Sentinel errors for common error conditions
//   - Error codes for categorizing failures
//   - Error wrapping with context preservation
//   - Safe error messages that don't leak sensitive information
package errors

import (
	"errors"
	"fmt"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// Error codes for categorizing errors.
const (
	CodeInternal      = 1 // Internal error
	CodeConfiguration = 2 // Invalid configuration
	CodeConnection    = 3 // Transport dial failure
	CodeTunnel        = 4 // Proxy tunnel handshake failure
	CodeClosed        = 5 // Operating on a closed resource
	CodeTimeout       = 6 // Operation timeout
	CodeState         = 7 // Invalid state
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrConfiguration indicates an invalid configuration. It is fatal
	// and surfaces at construction time.
	ErrConfiguration = errors.New("configuration error")

	// ErrConnection indicates a transport-level dial failure. It is
	// delivered only to the request that triggered the attempt.
	ErrConnection = errors.New("connection error")

	// ErrTunnel indicates a proxy tunnel handshake failure. It is
	// attributed to the proxy path rather than a specific dispatch
	// attempt.
	ErrTunnel = errors.New("tunnel error")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrClosed indicates a resource is closed.
	ErrClosed = errors.New("closed")

	// ErrInvalidState indicates an invalid state transition.
	ErrInvalidState = errors.New("invalid state")

	// ErrInternal indicates an internal error.
	ErrInternal = errors.New("internal error")

	// ErrCircuitOpen indicates the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Agent errors
var (
	// ErrAgentClosed indicates the agent has been destroyed. Waiters
	// still queued at destroy time fail with this error.
	ErrAgentClosed = fmt.Errorf("agent: %w", ErrClosed)

	// ErrConnClosed indicates the connection has already been removed
	// from the agent's bookkeeping.
	ErrConnClosed = fmt.Errorf("agent: connection %w", ErrClosed)

	// ErrProxyScheme indicates an unsupported proxy protocol. Only
	// plain HTTP proxies are supported for CONNECT tunneling.
	ErrProxyScheme = fmt.Errorf("agent: proxy scheme: %w", ErrConfiguration)
)

// Dialer errors
var (
	// ErrTunnelRefused indicates the proxy rejected the CONNECT request.
	ErrTunnelRefused = fmt.Errorf("dialer: connect refused: %w", ErrTunnel)

	// ErrNotI2P indicates a destination is not an I2P address.
	ErrNotI2P = fmt.Errorf("dialer: not an I2P destination: %w", ErrConfiguration)
)

// Error is a structured error with a code and safe message.
// It implements the error interface and provides methods for
// error handling and diagnostics.
type Error struct {
	// Code is the error code for categorization
	Code int `json:"code"`
	// Message is a safe, user-facing error message
	Message string `json:"message"`
	// Err is the underlying error (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// SafeMessage returns a client-safe error message without internal details.
func (e *Error) SafeMessage() string {
	return e.Message
}

// New creates a new structured error with the given code and message.
// The message should be safe to return to callers.
func New(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and safe message.
// The original error is preserved for debugging but not exposed to clients.
func Wrap(code int, message string, err error) *Error {
	if err != nil {
		log.WithField("code", code).WithError(err).Debug("wrapping error")
	}
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// FromSentinel creates a structured error from a sentinel error.
// It automatically assigns an appropriate error code based on the error type.
func FromSentinel(err error) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:    codeFromError(err),
		Message: err.Error(),
		Err:     err,
	}
}

// codeFromError maps sentinel errors to error codes.
func codeFromError(err error) int {
	switch {
	case errors.Is(err, ErrConfiguration):
		return CodeConfiguration
	case errors.Is(err, ErrTunnel):
		return CodeTunnel
	case errors.Is(err, ErrConnection):
		return CodeConnection
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrClosed):
		return CodeClosed
	case errors.Is(err, ErrInvalidState):
		return CodeState
	default:
		return CodeInternal
	}
}

// IsConfiguration returns true if the error indicates invalid configuration.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsConnection returns true if the error indicates a transport dial failure.
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsTunnel returns true if the error indicates a proxy tunnel failure.
func IsTunnel(err error) bool {
	return errors.Is(err, ErrTunnel)
}

// IsTimeout returns true if the error indicates a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsClosed returns true if the error indicates a resource is closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// Join combines multiple errors into a single error.
// Returns nil if all errors are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target,
// and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}
