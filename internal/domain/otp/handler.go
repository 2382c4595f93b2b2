package otp

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/swiftline/escrow-api/internal/pkg/errorhandler"
	"github.com/swiftline/escrow-api/internal/pkg/response"
	"github.com/swiftline/escrow-api/internal/pkg/validator"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type sendRequest struct {
	Phone   string `json:"phone" validate:"required,msisdn"`
	Purpose string `json:"purpose" validate:"required,otp_purpose"`
}

type verifyRequest struct {
	Phone   string `json:"phone" validate:"required,msisdn"`
	Code    string `json:"code" validate:"required,len=6,numeric"`
	Purpose string `json:"purpose" validate:"required,otp_purpose"`
}

type invalidateRequest struct {
	Phone string `json:"phone" validate:"required,msisdn"`
}

// Delivery codes are issued and consumed through the transaction endpoints only.
func publicPurpose(p Purpose) bool {
	return p != PurposeDeliveryConfirmation
}

// Send handles POST /otp/send
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}
	purpose := Purpose(req.Purpose)
	if !publicPurpose(purpose) {
		response.ValidationError(w, map[string]string{"purpose": "Invalid purpose"})
		return
	}

	issued, err := h.svc.Send(r.Context(), req.Phone, purpose)
	if err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.Accepted(w, issued)
}

// Verify handles POST /otp/verify
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}
	purpose := Purpose(req.Purpose)
	if !publicPurpose(purpose) {
		response.ValidationError(w, map[string]string{"purpose": "Invalid purpose"})
		return
	}

	if err := h.svc.Verify(r.Context(), req.Phone, req.Code, purpose); err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.OK(w, map[string]bool{"verified": true})
}

// Invalidate handles POST /otp/invalidate
func (h *Handler) Invalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	if err := h.svc.InvalidateAll(r.Context(), req.Phone); err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.NoContent(w)
}

// Routes mounts send and verify publicly; invalidation requires auth
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Post("/send", h.Send)
	r.Post("/verify", h.Verify)
	r.With(authMiddleware).Post("/invalidate", h.Invalidate)
	return r
}
