// Package errors implements the error taxonomy the coordinator and seller
// use to decide whether a failure is retryable, how it should propagate,
// and what it means for an in-flight saga.
//
// Categories:
//   - Transport    — timeout, send failure, malformed frame
//   - PeerTerminal — explicit error response from a seller (out of stock, unknown reservation)
//   - Breaker      — short-circuit failure from the circuit breaker
//   - Protocol     — invalid state-machine transition, correlation-ID mismatch
//   - Persistence  — state-store write/read failure
//   - Resource     — pool exhausted, shutdown in progress
package errors

import (
	"errors"
	"fmt"
)

// Category classifies an AppError for retry/propagation purposes.
type Category int

const (
	CategoryTransport Category = iota
	CategoryPeerTerminal
	CategoryBreaker
	CategoryProtocol
	CategoryPersistence
	CategoryResource
)

func (c Category) String() string {
	switch c {
	case CategoryTransport:
		return "transport"
	case CategoryPeerTerminal:
		return "peer_terminal"
	case CategoryBreaker:
		return "breaker"
	case CategoryProtocol:
		return "protocol"
	case CategoryPersistence:
		return "persistence"
	case CategoryResource:
		return "resource"
	default:
		return "unknown"
	}
}

// AppError is the error type carried across package boundaries in this
// module. Code is a stable machine-readable identifier; Message is a
// human-readable summary; Err, when set, is the wrapped cause.
type AppError struct {
	Category Category
	Code     string
	Message  string
	Err      error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the retry engine (pkg/retry) should schedule
// another attempt after this error. Transport errors are retryable;
// everything else is terminal for the current attempt.
func (e *AppError) Retryable() bool {
	return e.Category == CategoryTransport
}

func New(category Category, code, message string) *AppError {
	return &AppError{Category: category, Code: code, Message: message}
}

func Wrap(category Category, code string, err error) *AppError {
	return &AppError{Category: category, Code: code, Message: err.Error(), Err: err}
}

// Classify reports whether err should be treated as retryable by the retry
// engine. A nil error is not retryable (there is nothing to retry). Errors
// that don't carry an *AppError are treated conservatively as terminal,
// since an unclassified error is assumed to be a bug rather than a
// transient condition.
func Classify(err error) bool {
	if err == nil {
		return false
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Retryable()
	}
	return false
}

// Predefined sentinel errors used across the module.
var (
	ErrBreakerOpen        = New(CategoryBreaker, "BREAKER_OPEN", "circuit breaker is open")
	ErrTimeout            = New(CategoryTransport, "TIMEOUT", "request timed out")
	ErrBrokerShutdown     = New(CategoryResource, "BROKER_SHUTDOWN", "transport is shutting down")
	ErrCorrelationUnknown = New(CategoryProtocol, "CORRELATION_UNKNOWN", "no pending request for correlation id")
	ErrInvalidTransition  = New(CategoryProtocol, "INVALID_TRANSITION", "illegal saga state transition")
	ErrOutOfStock         = New(CategoryPeerTerminal, "OUT_OF_STOCK", "insufficient stock for reservation")
	ErrUnknownReservation = New(CategoryPeerTerminal, "UNKNOWN_RESERVATION", "reservation does not exist")
	ErrReservationExpired = New(CategoryPeerTerminal, "RESERVATION_EXPIRED", "reservation has expired")
	ErrAlreadyConfirmed   = New(CategoryPeerTerminal, "ALREADY_CONFIRMED", "reservation is already confirmed")
	ErrInvalidQuantity    = New(CategoryPeerTerminal, "INVALID_QUANTITY", "quantity must be positive")
	ErrPoolExhausted      = New(CategoryResource, "POOL_EXHAUSTED", "worker pool at capacity")
	ErrShuttingDown       = New(CategoryResource, "SHUTTING_DOWN", "pipeline is shutting down")
)
