package escrow

import (
	"fmt"
	"strings"

	"github.com/swiftline/escrow-api/internal/pkg/apperr"
)

var (
	ErrNotFound          = apperr.New(apperr.KindNotFound, "transaction not found")
	ErrForbidden         = apperr.New(apperr.KindForbidden, "you are not a party to this transaction")
	ErrInvalidAmount     = apperr.New(apperr.KindValidation, "amount must be positive")
	ErrAmountTooLarge    = apperr.New(apperr.KindValidation, "amount exceeds the transaction limit")
	ErrInvalidItem       = apperr.New(apperr.KindValidation, "item name is required")
	ErrInvalidPhone      = apperr.New(apperr.KindValidation, "a valid phone number is required")
	ErrInvalidMethod     = apperr.New(apperr.KindValidation, "unsupported payment method")
	ErrOwnTransaction    = apperr.New(apperr.KindValidation, "sellers cannot pay for their own transaction")
	ErrAmountMismatch    = apperr.New(apperr.KindValidation, "confirmed amount does not match the transaction amount")
	ErrUnknownCheckout   = apperr.New(apperr.KindNotFound, "no transaction for this checkout request")
	ErrNoBuyerPhone      = apperr.New(apperr.KindValidation, "transaction has no buyer phone on record")
	ErrInvalidTransition = apperr.New(apperr.KindInvalidStateTransition, "")
)

// invalidTransition reports that action is not allowed from the current status
func invalidTransition(action string, from Status) error {
	return apperr.New(apperr.KindInvalidStateTransition,
		fmt.Sprintf("cannot %s a transaction that is %s", action, strings.ToLower(string(from))))
}
