package wallet

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/swiftline/escrow-api/internal/middleware"
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

// withdrawRequest names either a saved payment method or a phone number.
// With neither, the default payment method is used.
type withdrawRequest struct {
	Amount          int64  `json:"amount" validate:"gt=0"`
	PaymentMethodID string `json:"payment_method_id" validate:"omitempty,uuid"`
	Phone           string `json:"phone" validate:"omitempty,msisdn"`
}

type paymentMethodRequest struct {
	Provider      string `json:"provider" validate:"required,payout_provider"`
	AccountNumber string `json:"account_number" validate:"required,msisdn"`
	AccountName   string `json:"account_name" validate:"required,max=100"`
	IsDefault     bool   `json:"is_default"`
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	wallet, err := h.svc.GetWallet(r.Context(), userID)
	if err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.OK(w, wallet)
}

func (h *Handler) Postings(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	limit, offset := response.ParsePagination(r, 20, 100)

	postings, err := h.svc.ListPostings(r.Context(), userID, limit, offset)
	if err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.WithMeta(w, postings, response.Meta{Total: len(postings), Limit: limit, Offset: offset})
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req withdrawRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	var (
		withdrawal *Withdrawal
		err        error
	)
	switch {
	case req.PaymentMethodID != "":
		withdrawal, err = h.svc.WithdrawToMethod(r.Context(), userID, req.Amount, uuid.MustParse(req.PaymentMethodID))
	case req.Phone != "":
		withdrawal, err = h.svc.Withdraw(r.Context(), userID, req.Amount, req.Phone)
	default:
		withdrawal, err = h.svc.WithdrawToMethod(r.Context(), userID, req.Amount, uuid.Nil)
	}
	if err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.Accepted(w, withdrawal)
}

func (h *Handler) Withdrawals(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	limit, offset := response.ParsePagination(r, 20, 100)

	list, err := h.svc.ListWithdrawals(r.Context(), userID, limit, offset)
	if err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.WithMeta(w, list, response.Meta{Total: len(list), Limit: limit, Offset: offset})
}

func (h *Handler) PaymentMethods(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	methods, err := h.svc.ListPaymentMethods(r.Context(), userID)
	if err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.OK(w, methods)
}

func (h *Handler) AddPaymentMethod(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req paymentMethodRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	method, err := h.svc.AddPaymentMethod(r.Context(), userID, PaymentMethodInput{
		Provider:      Provider(req.Provider),
		AccountNumber: req.AccountNumber,
		AccountName:   req.AccountName,
		IsDefault:     req.IsDefault,
	})
	if err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.Created(w, method)
}

func (h *Handler) DeletePaymentMethod(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid payment method ID")
		return
	}

	if err := h.svc.DeletePaymentMethod(r.Context(), userID, id); err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.NoContent(w)
}

func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Get("/", h.Get)
	r.Get("/postings", h.Postings)
	r.Get("/withdrawals", h.Withdrawals)
	r.Post("/withdrawals", h.Withdraw)
	r.Get("/payment-methods", h.PaymentMethods)
	r.Post("/payment-methods", h.AddPaymentMethod)
	r.Delete("/payment-methods/{id}", h.DeletePaymentMethod)
	return r
}
