package escrow

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

type createRequest struct {
	ItemName    string `json:"item_name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=2000"`
	Amount      int64  `json:"amount" validate:"gt=0"`
}

type payRequest struct {
	Phone         string `json:"phone" validate:"required,msisdn"`
	PaymentMethod string `json:"payment_method" validate:"required,payment_method"`
}

type shipRequest struct {
	TrackingNumber string `json:"tracking_number" validate:"max=100"`
	Carrier        string `json:"carrier" validate:"max=100"`
}

type confirmRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

type confirmPaymentRequest struct {
	Reference string `json:"reference" validate:"max=100"`
}

// Create handles POST /transactions
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	sellerID := middleware.GetUserID(r.Context())

	var req createRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	t, err := h.svc.Create(r.Context(), sellerID, CreateInput{
		ItemName:    req.ItemName,
		Description: req.Description,
		Amount:      req.Amount,
	})
	if err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.Created(w, t)
}

// Get handles GET /transactions/{id}. It is public so the payment link can be opened before login.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.OK(w, t)
}

// List handles GET /transactions?role=seller|buyer&status=
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	limit, offset := response.ParsePagination(r, 20, 100)

	role := Role(r.URL.Query().Get("role"))
	if role == "" {
		role = RoleSeller
	}
	status := Status(r.URL.Query().Get("status"))

	list, total, err := h.svc.ListForUser(r.Context(), userID, role, status, limit, offset)
	if err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.WithMeta(w, list, response.Meta{Total: total, Limit: limit, Offset: offset})
}

// Pay handles POST /transactions/{id}/pay
func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	buyerID := middleware.GetUserID(r.Context())

	var req payRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	t, err := h.svc.InitiatePayment(r.Context(), chi.URLParam(r, "id"), buyerID, InitiateInput{
		Phone:  req.Phone,
		Method: PaymentMethod(req.PaymentMethod),
	})
	if err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.Accepted(w, t)
}

// Ship handles POST /transactions/{id}/ship
func (h *Handler) Ship(w http.ResponseWriter, r *http.Request) {
	var req shipRequest
	if r.ContentLength != 0 {
		if err := response.DecodeJSON(r.Body, &req); err != nil {
			response.BadRequest(w, "Invalid JSON body")
			return
		}
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	t, err := h.svc.Ship(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()), ShipInput{
		TrackingNumber: req.TrackingNumber,
		Carrier:        req.Carrier,
	})
	if err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.OK(w, t)
}

// Deliver handles POST /transactions/{id}/deliver
func (h *Handler) Deliver(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.MarkDelivered(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.OK(w, t)
}

// RequestCode handles POST /transactions/{id}/delivery-code
func (h *Handler) RequestCode(w http.ResponseWriter, r *http.Request) {
	issued, err := h.svc.RequestDeliveryCode(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.Accepted(w, issued)
}

// Confirm handles POST /transactions/{id}/confirm
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	t, err := h.svc.ConfirmDelivery(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()), req.Code)
	if err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.OK(w, t)
}

// Cancel handles POST /transactions/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.OK(w, t)
}

// ConfirmPayment handles POST /transactions/{id}/confirm-payment (admin)
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmPaymentRequest
	if r.ContentLength != 0 {
		if err := response.DecodeJSON(r.Body, &req); err != nil {
			response.BadRequest(w, "Invalid JSON body")
			return
		}
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	t, err := h.svc.ConfirmPayment(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()), req.Reference)
	if err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.OK(w, t)
}

// Payouts handles GET /transactions/payouts
func (h *Handler) Payouts(w http.ResponseWriter, r *http.Request) {
	sellerID := middleware.GetUserID(r.Context())
	if sellerID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}
	limit, offset := response.ParsePagination(r, 20, 100)

	list, err := h.svc.ListPayouts(r.Context(), sellerID, limit, offset)
	if err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.WithMeta(w, list, response.Meta{Total: len(list), Limit: limit, Offset: offset})
}

// Routes mounts the transaction endpoints. Only the single-transaction read is public.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}", h.Get)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/payouts", h.Payouts)
		r.Post("/{id}/pay", h.Pay)
		r.Post("/{id}/ship", h.Ship)
		r.Post("/{id}/deliver", h.Deliver)
		r.Post("/{id}/delivery-code", h.RequestCode)
		r.Post("/{id}/confirm", h.Confirm)
		r.Post("/{id}/cancel", h.Cancel)
		r.With(middleware.RequireAdmin()).Post("/{id}/confirm-payment", h.ConfirmPayment)
	})
	return r
}
