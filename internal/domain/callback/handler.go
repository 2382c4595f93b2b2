package callback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/swiftline/escrow-api/internal/domain/escrow"
	"github.com/swiftline/escrow-api/internal/domain/wallet"
	"github.com/swiftline/escrow-api/internal/pkg/apperr"
	"github.com/swiftline/escrow-api/internal/pkg/errorhandler"
	"github.com/swiftline/escrow-api/internal/pkg/mobilemoney"
)

const maxBodyBytes = 64 << 10

// DebitApplier consumes payment results
type DebitApplier interface {
	HandleDebitResult(ctx context.Context, res escrow.DebitResult) error
}

// CreditApplier consumes payout results
type CreditApplier interface {
	HandleCreditResult(ctx context.Context, res wallet.CreditResult) error
}

// Handler receives the mobile money gateway's asynchronous results
type Handler struct {
	debits  DebitApplier
	credits CreditApplier
	secret  string
}

// NewHandler builds the webhook handler; an empty secret disables signature checks
func NewHandler(debits DebitApplier, credits CreditApplier, secret string) *Handler {
	return &Handler{debits: debits, credits: credits, secret: secret}
}

// DebitFromGateway converts a parsed STK result into the escrow's view of it
func DebitFromGateway(res mobilemoney.DebitResult) escrow.DebitResult {
	out := escrow.DebitResult{
		CheckoutRequestID: res.CheckoutRequestID,
		Success:           res.Success,
		ReceiptID:         res.ReceiptNumber,
		Amount:            res.Amount,
	}
	if !res.Success {
		out.Reason = res.ResultDesc
	}
	return out
}

// CreditFromGateway converts a parsed B2C result into the wallet's view of it
func CreditFromGateway(res mobilemoney.CreditResult) wallet.CreditResult {
	out := wallet.CreditResult{
		CorrelationID: res.OriginatorConversationID,
		Success:       res.Success,
		ReceiptID:     res.TransactionID,
	}
	if !res.Success {
		out.Reason = res.ResultDesc
	}
	return out
}

// STK handles POST /webhooks/mobilemoney/stk
func (h *Handler) STK(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readSigned(w, r)
	if !ok {
		return
	}
	res, err := mobilemoney.ParseSTKCallback(body)
	if err != nil {
		log.Warn().Err(err).Msg("malformed debit callback")
		writeAck(w, http.StatusBadRequest, mobilemoney.Rejected("malformed callback"))
		return
	}

	log.Info().Str("checkout_request_id", res.CheckoutRequestID).Int("result_code", res.ResultCode).Msg("debit callback received")
	h.finish(w, h.debits.HandleDebitResult(r.Context(), DebitFromGateway(*res)))
}

// B2C handles POST /webhooks/mobilemoney/b2c
func (h *Handler) B2C(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readSigned(w, r)
	if !ok {
		return
	}
	res, err := mobilemoney.ParseB2CResult(body)
	if err != nil {
		log.Warn().Err(err).Msg("malformed payout result")
		writeAck(w, http.StatusBadRequest, mobilemoney.Rejected("malformed result"))
		return
	}

	log.Info().Str("correlation_id", res.OriginatorConversationID).Int("result_code", res.ResultCode).Msg("payout result received")
	h.finish(w, h.credits.HandleCreditResult(r.Context(), CreditFromGateway(*res)))
}

func (h *Handler) readSigned(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeAck(w, http.StatusBadRequest, mobilemoney.Rejected("unreadable body"))
		return nil, false
	}
	if h.secret != "" && !mobilemoney.VerifySignature(body, r.Header.Get(mobilemoney.SignatureHeader), h.secret) {
		log.Warn().Str("remote_addr", r.RemoteAddr).Msg("callback signature mismatch")
		writeAck(w, http.StatusUnauthorized, mobilemoney.Rejected("invalid signature"))
		return nil, false
	}
	return body, true
}

// finish acknowledges permanent failures so the gateway stops retrying,
// and answers 500 on anything transient so it tries again.
func (h *Handler) finish(w http.ResponseWriter, err error) {
	if err == nil {
		writeAck(w, http.StatusOK, mobilemoney.Accepted())
		return
	}
	if errorhandler.StatusFor(apperr.KindOf(err)) < http.StatusInternalServerError {
		log.Warn().Err(err).Msg("callback rejected")
		writeAck(w, http.StatusOK, mobilemoney.Rejected(err.Error()))
		return
	}
	log.Error().Err(err).Msg("callback processing failed")
	writeAck(w, http.StatusInternalServerError, mobilemoney.Rejected("temporary failure"))
}

func writeAck(w http.ResponseWriter, status int, ack mobilemoney.Ack) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ack)
}

// Routes mounts the webhooks; they carry no bearer token
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/stk", h.STK)
	r.Post("/b2c", h.B2C)
	return r
}
