// Package apperr defines the error kinds shared by every domain service.
// Domain packages declare sentinels with New and callers compare them with errors.Is.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure for callers and for the HTTP layer.
type Kind string

const (
	KindValidation                 Kind = "VALIDATION_ERROR"
	KindNotFound                   Kind = "NOT_FOUND"
	KindForbidden                  Kind = "FORBIDDEN"
	KindInvalidStateTransition     Kind = "INVALID_STATE_TRANSITION"
	KindInsufficientFunds          Kind = "INSUFFICIENT_FUNDS"
	KindInsufficientPendingBalance Kind = "INSUFFICIENT_PENDING_BALANCE"
	KindRateLimited                Kind = "RATE_LIMITED"
	KindExpired                    Kind = "OTP_EXPIRED"
	KindMaxAttemptsExceeded        Kind = "MAX_ATTEMPTS_EXCEEDED"
	KindInvalidCode                Kind = "INVALID_CODE"
	KindGatewayTimeout             Kind = "GATEWAY_TIMEOUT"
	KindGatewayRejected            Kind = "GATEWAY_REJECTED"
	KindDisputeAlreadyExists       Kind = "DISPUTE_ALREADY_EXISTS"
	KindAlreadyResolved            Kind = "ALREADY_RESOLVED"
	KindInternal                   Kind = "INTERNAL_ERROR"
)

// Error is a classified failure. Only Message is meant for end users.
type Error struct {
	Kind    Kind
	Message string

	// RemainingAttempts is set on InvalidCode outcomes.
	RemainingAttempts int
	// RetryAfter is set on RateLimited outcomes.
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels compare by kind and
// a decorated copy (with RemainingAttempts or a wrapped cause) still matches.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err under kind, keeping it for errors.Is/As and logs.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Of returns a kind-only target usable with errors.Is.
func Of(kind Kind) error {
	return &Error{Kind: kind}
}

// KindOf reports the kind of err; unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As returns the classified error inside err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// WithAttempts returns a copy of e carrying the remaining attempt count.
func (e *Error) WithAttempts(remaining int) *Error {
	c := *e
	c.RemainingAttempts = remaining
	return &c
}

// WithRetryAfter returns a copy of e carrying the cooldown.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	c := *e
	c.RetryAfter = d
	return &c
}
