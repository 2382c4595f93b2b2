package dispute

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/swiftline/escrow-api/internal/middleware"
	"github.com/swiftline/escrow-api/internal/pkg/errorhandler"
	"github.com/swiftline/escrow-api/internal/pkg/response"
	"github.com/swiftline/escrow-api/internal/pkg/validator"
)

// MaxUploadSize bounds the whole multipart body
const MaxUploadSize = 11 << 20

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type openRequest struct {
	TransactionID string `json:"transaction_id" validate:"required"`
	Reason        string `json:"reason" validate:"required,max=200"`
	Description   string `json:"description" validate:"max=2000"`
}

type messageRequest struct {
	Message string `json:"message" validate:"required"`
}

type resolveRequest struct {
	Favor string `json:"favor" validate:"required,favor"`
	Note  string `json:"note" validate:"max=2000"`
}

type disputeView struct {
	*Dispute
	EvidenceFiles []Evidence `json:"evidence_files"`
}

func (h *Handler) view(d *Dispute) disputeView {
	return disputeView{Dispute: d, EvidenceFiles: h.svc.DescribeEvidence(d)}
}

func disputeID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid dispute ID")
		return uuid.Nil, false
	}
	return id, true
}

// Open handles POST /disputes
func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	d, err := h.svc.Open(r.Context(), middleware.GetUserID(r.Context()), OpenInput{
		TransactionID: req.TransactionID,
		Reason:        req.Reason,
		Description:   req.Description,
	})
	if err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.Created(w, h.view(d))
}

// List handles GET /disputes
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := response.ParsePagination(r, 20, 100)
	list, total, err := h.svc.ListForUser(r.Context(), middleware.GetUserID(r.Context()), limit, offset)
	if err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.WithMeta(w, list, response.Meta{Total: total, Limit: limit, Offset: offset})
}

// Queue handles GET /disputes/admin?status= (admin)
func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	limit, offset := response.ParsePagination(r, 50, 200)
	list, total, err := h.svc.ListAll(r.Context(), Status(r.URL.Query().Get("status")), limit, offset)
	if err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.WithMeta(w, list, response.Meta{Total: total, Limit: limit, Offset: offset})
}

// Get handles GET /disputes/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	d, err := h.svc.Get(ctx, id, middleware.GetUserID(ctx), middleware.IsAdmin(ctx))
	if err != nil {
		errorhandler.HandleError(ctx, w, err)
		return
	}
	response.OK(w, h.view(d))
}

// Messages handles GET /disputes/{id}/messages
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	list, err := h.svc.ListMessages(ctx, id, middleware.GetUserID(ctx), middleware.IsAdmin(ctx))
	if err != nil {
		errorhandler.HandleError(ctx, w, err)
		return
	}
	if list == nil {
		list = []*Message{}
	}
	response.OK(w, list)
}

// PostMessage handles POST /disputes/{id}/messages
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	m, err := h.svc.AddMessage(r.Context(), id, middleware.GetUserID(r.Context()), req.Message)
	if err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.Created(w, m)
}

// UploadEvidence handles POST /disputes/{id}/evidence (multipart, field "file")
func (h *Handler) UploadEvidence(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
		response.BadRequest(w, "File too large or invalid form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("file")
	if err != nil {
		response.BadRequest(w, "No file provided")
		return
	}
	defer file.Close()

	ev, err := h.svc.AttachEvidence(r.Context(), id, middleware.GetUserID(r.Context()), file)
	if err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.Created(w, ev)
}

// DownloadEvidence handles GET /disputes/{id}/evidence/{index}
func (h *Handler) DownloadEvidence(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		response.BadRequest(w, "Invalid evidence index")
		return
	}

	ctx := r.Context()
	rc, contentType, err := h.svc.OpenEvidence(ctx, id, middleware.GetUserID(ctx), middleware.IsAdmin(ctx), index)
	if err != nil {
		errorhandler.HandleError(ctx, w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=300")
	if _, err := io.Copy(w, rc); err != nil {
		log.Warn().Err(err).Str("dispute_id", id.String()).Msg("evidence download interrupted")
	}
}

// Review handles POST /disputes/{id}/review (admin)
func (h *Handler) Review(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(w, r)
	if !ok {
		return
	}
	d, err := h.svc.StartReview(r.Context(), id, middleware.GetUserID(r.Context()))
	if err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.OK(w, h.view(d))
}

// Resolve handles POST /disputes/{id}/resolve (admin)
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	d, err := h.svc.Resolve(r.Context(), id, middleware.GetUserID(r.Context()), ResolveInput{
		Favor: Favor(req.Favor),
		Note:  req.Note,
	})
	if err != nil {
		errorhandler.HandleError(r.Context(), w, err)
		return
	}
	response.OK(w, h.view(d))
}

// Routes mounts the dispute endpoints; every route requires authentication
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)

	r.Post("/", h.Open)
	r.Get("/", h.List)
	r.With(middleware.RequireAdmin()).Get("/admin", h.Queue)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/messages", h.Messages)
	r.Post("/{id}/messages", h.PostMessage)
	r.Post("/{id}/evidence", h.UploadEvidence)
	r.Get("/{id}/evidence/{index}", h.DownloadEvidence)
	r.With(middleware.RequireAdmin()).Post("/{id}/review", h.Review)
	r.With(middleware.RequireAdmin()).Post("/{id}/resolve", h.Resolve)
	return r
}
