package otp

import "github.com/swiftline/escrow-api/internal/pkg/apperr"

var (
	ErrInvalidPhone        = apperr.New(apperr.KindValidation, "a valid phone number is required")
	ErrInvalidPurpose      = apperr.New(apperr.KindValidation, "unknown code purpose")
	ErrMalformedCode       = apperr.New(apperr.KindValidation, "code must be 6 digits")
	ErrRateLimited         = apperr.New(apperr.KindRateLimited, "too many code requests, please wait before trying again")
	ErrExpired             = apperr.New(apperr.KindExpired, "code has expired, request a new one")
	ErrNoActiveCode        = apperr.New(apperr.KindExpired, "no active code, request a new one")
	ErrMaxAttemptsExceeded = apperr.New(apperr.KindMaxAttemptsExceeded, "too many incorrect attempts, request a new code")
	ErrInvalidCode         = apperr.New(apperr.KindInvalidCode, "incorrect code")
)
