package dispute

import "github.com/swiftline/escrow-api/internal/pkg/apperr"

var (
	ErrNotFound         = apperr.New(apperr.KindNotFound, "dispute not found")
	ErrForbidden        = apperr.New(apperr.KindForbidden, "you are not a party to this dispute")
	ErrAlreadyExists    = apperr.New(apperr.KindDisputeAlreadyExists, "a dispute already exists for this transaction")
	ErrAlreadyResolved  = apperr.New(apperr.KindAlreadyResolved, "dispute has already been resolved")
	ErrAlreadyInReview  = apperr.New(apperr.KindInvalidStateTransition, "dispute is already under review")
	ErrInvalidReason    = apperr.New(apperr.KindValidation, "a reason is required")
	ErrInvalidFavor     = apperr.New(apperr.KindValidation, "favor must be BUYER or SELLER")
	ErrEmptyMessage     = apperr.New(apperr.KindValidation, "message cannot be empty")
	ErrMessageTooLong   = apperr.New(apperr.KindValidation, "message is too long")
	ErrTooMuchEvidence  = apperr.New(apperr.KindValidation, "evidence limit reached for this dispute")
	ErrEvidenceNotFound = apperr.New(apperr.KindNotFound, "evidence not found")
)
