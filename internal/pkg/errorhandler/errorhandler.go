package errorhandler

import (
	"context"
	"math"
	"net/http"
	"strconv"

	"github.com/swiftline/escrow-api/internal/pkg/apperr"
	"github.com/swiftline/escrow-api/internal/pkg/logger"
	"github.com/swiftline/escrow-api/internal/pkg/response"
)

// StatusFor maps an error kind to its HTTP status
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindInvalidStateTransition,
		apperr.KindDisputeAlreadyExists,
		apperr.KindAlreadyResolved,
		apperr.KindInsufficientFunds:
		return http.StatusConflict
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindExpired, apperr.KindMaxAttemptsExceeded, apperr.KindInvalidCode:
		return http.StatusBadRequest
	case apperr.KindGatewayTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindGatewayRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HandleError renders err as a structured outcome.
// Unclassified and invariant errors are logged through the request logger and
// surfaced without internal detail.
func HandleError(ctx context.Context, w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := StatusFor(kind)

	if status >= http.StatusInternalServerError && kind != apperr.KindGatewayTimeout {
		logger.LogError(ctx, err, "Request error", "error_code", string(kind), "status_code", status)
		response.InternalError(w)
		return
	}

	e, _ := apperr.As(err)
	var details map[string]string
	switch kind {
	case apperr.KindInvalidCode:
		details = map[string]string{"remaining_attempts": strconv.Itoa(e.RemainingAttempts)}
	case apperr.KindRateLimited:
		seconds := int(math.Ceil(e.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		details = map[string]string{"retry_after_seconds": strconv.Itoa(seconds)}
	}

	logger.LogDebug(ctx, "Request rejected", "error_code", string(kind), "error_message", truncateString(e.Message, 200))

	response.ErrorWithDetails(w, status, string(kind), e.Message, details)
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
