package errorhandler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/swiftline/escrow-api/internal/pkg/apperr"
	"github.com/swiftline/escrow-api/internal/pkg/logger"
	"github.com/swiftline/escrow-api/internal/pkg/response"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) response.Response {
	t.Helper()
	var resp response.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestHandleErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", apperr.New(apperr.KindValidation, "amount must be positive"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"transition", fmt.Errorf("ship: %w", apperr.New(apperr.KindInvalidStateTransition, "bad state")), http.StatusConflict, "INVALID_STATE_TRANSITION"},
		{"dispute exists", apperr.New(apperr.KindDisputeAlreadyExists, "exists"), http.StatusConflict, "DISPUTE_ALREADY_EXISTS"},
		{"gateway timeout", apperr.New(apperr.KindGatewayTimeout, "try again"), http.StatusGatewayTimeout, "GATEWAY_TIMEOUT"},
		{"not found", apperr.New(apperr.KindNotFound, "missing"), http.StatusNotFound, "NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			HandleError(context.Background(), w, tt.err)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, w.Code)
			}
			resp := decode(t, w)
			if resp.Success || resp.Error == nil || resp.Error.Code != tt.code {
				t.Fatalf("unexpected body: %s", w.Body.String())
			}
		})
	}
}

func TestHandleErrorHidesInternalDetail(t *testing.T) {
	w := httptest.NewRecorder()
	HandleError(context.Background(), w, errors.New("pq: password authentication failed for user admin"))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "password") {
		t.Fatalf("internal detail leaked: %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	HandleError(context.Background(), w, apperr.New(apperr.KindInsufficientPendingBalance, "pending balance below release amount"))
	if w.Code != http.StatusInternalServerError || strings.Contains(w.Body.String(), "pending") {
		t.Fatalf("ledger invariant must surface as generic internal error: %d %s", w.Code, w.Body.String())
	}
}

func TestHandleErrorRateLimitAndAttempts(t *testing.T) {
	w := httptest.NewRecorder()
	HandleError(context.Background(), w, apperr.New(apperr.KindRateLimited, "too many codes").WithRetryAfter(61*time.Second))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "61" {
		t.Fatalf("expected Retry-After 61, got %q", got)
	}

	w = httptest.NewRecorder()
	HandleError(context.Background(), w, apperr.New(apperr.KindInvalidCode, "invalid code").WithAttempts(1))
	resp := decode(t, w)
	if resp.Error.Details["remaining_attempts"] != "1" {
		t.Fatalf("expected remaining attempts detail, got %#v", resp.Error.Details)
	}
}

func TestHandleErrorLogsThroughRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	ctx := logger.WithRequestID(logger.WithContext(context.Background(), &base), "req-7f3a")

	HandleError(ctx, httptest.NewRecorder(), errors.New("pq: connection reset by peer"))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected one JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["level"] != "error" || entry["request_id"] != "req-7f3a" || entry["error_code"] != "INTERNAL_ERROR" {
		t.Fatalf("unexpected log entry %v", entry)
	}
	if entry["status_code"] != float64(http.StatusInternalServerError) || !strings.Contains(entry["error"].(string), "connection reset") {
		t.Fatalf("log entry missing cause or status: %v", entry)
	}
}
