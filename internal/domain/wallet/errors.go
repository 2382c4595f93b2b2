package wallet

import "github.com/swiftline/escrow-api/internal/pkg/apperr"

var (
	ErrInvalidAmount              = apperr.New(apperr.KindValidation, "amount must be greater than zero")
	ErrInvalidPayout              = apperr.New(apperr.KindValidation, "payout must be between zero and the released amount")
	ErrInvalidPhone               = apperr.New(apperr.KindValidation, "a valid mobile money number is required")
	ErrInsufficientFunds          = apperr.New(apperr.KindInsufficientFunds, "insufficient available balance")
	ErrInsufficientPendingBalance = apperr.New(apperr.KindInsufficientPendingBalance, "pending balance is lower than the amount to release")
	ErrDuplicatePosting           = apperr.New(apperr.KindInternal, "posting already applied for this reference")
	ErrWithdrawalNotFound         = apperr.New(apperr.KindNotFound, "withdrawal not found")
	ErrWalletNotFound             = apperr.New(apperr.KindNotFound, "wallet not found")
	ErrPaymentMethodNotFound      = apperr.New(apperr.KindNotFound, "payment method not found")
	ErrNoPaymentMethod            = apperr.New(apperr.KindValidation, "a saved payment method or a phone number is required")
	ErrInvalidProvider            = apperr.New(apperr.KindValidation, "provider must be MPESA or AIRTEL_MONEY")
	ErrInvalidAccountName         = apperr.New(apperr.KindValidation, "account name is required")
)
