package dispute

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/swiftline/escrow-api/internal/domain/escrow"
	"github.com/swiftline/escrow-api/internal/pkg/apperr"
	"github.com/swiftline/escrow-api/internal/pkg/database"
	"github.com/swiftline/escrow-api/internal/pkg/imaging"
	"github.com/swiftline/escrow-api/internal/pkg/storage"
)

// Transactions is the slice of the escrow service a dispute drives.
// MarkDisputed and ResolveDisputed run on the dispute's unit of work.
type Transactions interface {
	Get(ctx context.Context, id string) (*escrow.Transaction, error)
	MarkDisputed(ctx context.Context, q database.Querier, id string, buyerID uuid.UUID) (*escrow.Transaction, error)
	ResolveDisputed(ctx context.Context, q database.Querier, id string, favorSeller bool) (*escrow.Transaction, error)
}

type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, eventType, title, message string, metadata map[string]interface{})
}

type Config struct {
	Window        time.Duration // advisory decision deadline
	MaxEvidence   int
	MaxMessageLen int
}

type Service struct {
	runner   database.Runner
	repo     Repository
	txns     Transactions
	store    storage.Storage
	images   *imaging.Processor
	notifier Notifier
	cfg      Config
	now      func() time.Time
}

func NewService(runner database.Runner, repo Repository, txns Transactions, store storage.Storage, images *imaging.Processor, notifier Notifier, cfg Config) *Service {
	if cfg.Window <= 0 {
		cfg.Window = 7 * 24 * time.Hour
	}
	if cfg.MaxEvidence <= 0 {
		cfg.MaxEvidence = 10
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = 2000
	}
	return &Service{
		runner:   runner,
		repo:     repo,
		txns:     txns,
		store:    store,
		images:   images,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
	}
}

type OpenInput struct {
	TransactionID string
	Reason        string
	Description   string
}

// Open freezes the buyer's transaction and records the dispute in one unit of work.
// A transaction can be disputed at most once.
func (s *Service) Open(ctx context.Context, buyerID uuid.UUID, in OpenInput) (*Dispute, error) {
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, ErrInvalidReason
	}

	if _, err := s.repo.GetByTransaction(ctx, s.runner.Querier(), in.TransactionID); err == nil {
		return nil, ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	d := &Dispute{
		ID:            uuid.New(),
		TransactionID: in.TransactionID,
		OpenedBy:      buyerID,
		Reason:        reason,
		Description:   strings.TrimSpace(in.Description),
		Evidence:      []string{},
		Status:        StatusOpen,
		Deadline:      now.Add(s.cfg.Window),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var txn *escrow.Transaction
	err := s.runner.InTx(ctx, func(q database.Querier) error {
		var err error
		if txn, err = s.txns.MarkDisputed(ctx, q, in.TransactionID, buyerID); err != nil {
			return err
		}
		return s.repo.Create(ctx, q, d)
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("dispute_id", d.ID.String()).Str("transaction_id", d.TransactionID).Msg("dispute opened")
	s.notifier.Notify(ctx, txn.SellerID, "dispute_opened", "Dispute opened",
		fmt.Sprintf("The buyer opened a dispute on %s. Funds stay on hold until it is resolved.", txn.ItemName),
		map[string]interface{}{"dispute_id": d.ID, "transaction_id": d.TransactionID, "reason": d.Reason})
	return d, nil
}

// load returns the dispute and its transaction if the actor may see them
func (s *Service) load(ctx context.Context, id, actorID uuid.UUID, isAdmin bool) (*Dispute, *escrow.Transaction, error) {
	d, err := s.repo.Get(ctx, s.runner.Querier(), id)
	if err != nil {
		return nil, nil, err
	}
	t, err := s.txns.Get(ctx, d.TransactionID)
	if err != nil {
		return nil, nil, err
	}
	if !isAdmin && !t.IsParticipant(actorID) && d.OpenedBy != actorID {
		return nil, nil, ErrForbidden
	}
	return d, t, nil
}

// Get returns the dispute to a party of the transaction or an admin
func (s *Service) Get(ctx context.Context, id, actorID uuid.UUID, isAdmin bool) (*Dispute, error) {
	d, _, err := s.load(ctx, id, actorID, isAdmin)
	return d, err
}

// counterpart returns the party on the other side of the conversation from sender
func counterpart(d *Dispute, t *escrow.Transaction, sender uuid.UUID) (uuid.UUID, bool) {
	switch sender {
	case d.OpenedBy:
		return t.SellerID, true
	case t.SellerID:
		return d.OpenedBy, true
	}
	return uuid.Nil, false
}

// AddMessage appends to the conversation. Only the opener and the seller may
// write; messages stay allowed after resolution.
func (s *Service) AddMessage(ctx context.Context, id, senderID uuid.UUID, text string) (*Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if len(text) > s.cfg.MaxMessageLen {
		return nil, ErrMessageTooLong
	}

	d, t, err := s.load(ctx, id, senderID, false)
	if err != nil {
		return nil, err
	}
	recipient, ok := counterpart(d, t, senderID)
	if !ok {
		return nil, ErrForbidden
	}

	m := &Message{
		ID:        uuid.New(),
		DisputeID: d.ID,
		SenderID:  senderID,
		Message:   text,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.AddMessage(ctx, s.runner.Querier(), m); err != nil {
		return nil, err
	}

	s.notifier.Notify(ctx, recipient, "dispute_message", "New dispute message", preview(text),
		map[string]interface{}{"dispute_id": d.ID, "message_id": m.ID})
	return m, nil
}

func preview(text string) string {
	r := []rune(text)
	if len(r) <= 100 {
		return text
	}
	return string(r[:100]) + "..."
}

func (s *Service) ListMessages(ctx context.Context, id, actorID uuid.UUID, isAdmin bool) ([]*Message, error) {
	d, _, err := s.load(ctx, id, actorID, isAdmin)
	if err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, s.runner.Querier(), d.ID)
}

// StartReview marks an OPEN dispute as being handled by an arbiter
func (s *Service) StartReview(ctx context.Context, id, adminID uuid.UUID) (*Dispute, error) {
	d, err := s.repo.StartReview(ctx, s.runner.Querier(), id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		current, err := s.repo.Get(ctx, s.runner.Querier(), id)
		if err != nil {
			return nil, err
		}
		if current.Status == StatusResolved {
			return nil, ErrAlreadyResolved
		}
		return nil, ErrAlreadyInReview
	}
	log.Info().Str("dispute_id", id.String()).Str("admin_id", adminID.String()).Msg("dispute review started")
	return d, nil
}

type ResolveInput struct {
	Favor Favor
	Note  string
}

// Resolve records the decision and settles the transaction in the same unit of
// work. Only the first decision applies.
func (s *Service) Resolve(ctx context.Context, id, adminID uuid.UUID, in ResolveInput) (*Dispute, error) {
	if in.Favor != FavorBuyer && in.Favor != FavorSeller {
		return nil, ErrInvalidFavor
	}
	note := strings.TrimSpace(in.Note)

	var (
		d   *Dispute
		txn *escrow.Transaction
	)
	err := s.runner.InTx(ctx, func(q database.Querier) error {
		var err error
		d, err = s.repo.Resolve(ctx, q, id, in.Favor, note, adminID, s.now().UTC())
		if err != nil {
			return err
		}
		if d == nil {
			if _, err := s.repo.Get(ctx, q, id); err != nil {
				return err
			}
			return ErrAlreadyResolved
		}
		txn, err = s.txns.ResolveDisputed(ctx, q, d.TransactionID, in.Favor == FavorSeller)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("dispute_id", d.ID.String()).
		Str("transaction_id", d.TransactionID).
		Str("favor", string(in.Favor)).
		Str("admin_id", adminID.String()).
		Msg("dispute resolved")

	msg := "The dispute was resolved in the buyer's favor. The payment will not be released to the seller."
	if in.Favor == FavorSeller {
		msg = "The dispute was resolved in the seller's favor. Funds have been released."
	}
	meta := map[string]interface{}{"dispute_id": d.ID, "transaction_id": d.TransactionID, "favor": in.Favor}
	s.notifier.Notify(ctx, txn.SellerID, "dispute_resolved", "Dispute resolved", msg, meta)
	s.notifier.Notify(ctx, d.OpenedBy, "dispute_resolved", "Dispute resolved", msg, meta)
	return d, nil
}

// AttachEvidence validates and stores an uploaded file, then links it to the
// dispute. Images are re-encoded to strip metadata and get a thumbnail.
func (s *Service) AttachEvidence(ctx context.Context, id, uploaderID uuid.UUID, file io.Reader) (*Evidence, error) {
	d, t, err := s.load(ctx, id, uploaderID, false)
	if err != nil {
		return nil, err
	}
	if _, ok := counterpart(d, t, uploaderID); !ok {
		return nil, ErrForbidden
	}
	if d.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}
	if len(d.Evidence) >= s.cfg.MaxEvidence {
		return nil, ErrTooMuchEvidence
	}

	v, err := storage.ValidateFile(file, "evidence")
	switch {
	case errors.Is(err, storage.ErrFileTooLarge):
		return nil, apperr.Wrap(apperr.KindValidation, "file is too large", err)
	case errors.Is(err, storage.ErrInvalidMimeType):
		return nil, apperr.Wrap(apperr.KindValidation, "only JPEG, PNG, WebP and PDF files are accepted", err)
	case errors.Is(err, storage.ErrEmptyFile):
		return nil, apperr.Wrap(apperr.KindValidation, "file is empty", err)
	case err != nil:
		return nil, err
	}

	data, contentType, ext := v.Data, v.MimeType, v.Extension
	var thumb []byte
	if strings.HasPrefix(contentType, "image/") {
		img, err := s.images.Process(data)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "image could not be decoded", err)
		}
		data, thumb, contentType = img.Original, img.Thumbnail, img.ContentType
		ext = ".jpg"
		if contentType == "image/png" {
			ext = ".png"
		}
	}

	key := fmt.Sprintf("evidence/%s/%s%s", d.ID, uuid.New(), ext)
	if err := s.store.Put(ctx, key, bytes.NewReader(data), contentType); err != nil {
		return nil, fmt.Errorf("store evidence: %w", err)
	}
	if thumb != nil {
		if err := s.store.Put(ctx, thumbnailKey(key), bytes.NewReader(thumb), contentType); err != nil {
			s.discard(ctx, key)
			return nil, fmt.Errorf("store thumbnail: %w", err)
		}
	}

	ok, err := s.repo.AppendEvidence(ctx, s.runner.Querier(), d.ID, key, s.cfg.MaxEvidence)
	if err != nil || !ok {
		s.discard(ctx, key)
		if thumb != nil {
			s.discard(ctx, thumbnailKey(key))
		}
		if err != nil {
			return nil, err
		}
		current, err := s.repo.Get(ctx, s.runner.Querier(), d.ID)
		if err != nil {
			return nil, err
		}
		if current.Status == StatusResolved {
			return nil, ErrAlreadyResolved
		}
		return nil, ErrTooMuchEvidence
	}

	log.Info().Str("dispute_id", d.ID.String()).Str("key", key).Int("size", len(data)).Msg("evidence attached")
	ev := s.describe(key)
	return &ev, nil
}

func (s *Service) discard(ctx context.Context, key string) {
	if err := s.store.Delete(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to delete orphaned evidence")
	}
}

// OpenEvidence streams the index-th evidence file; the caller closes the reader
func (s *Service) OpenEvidence(ctx context.Context, id, actorID uuid.UUID, isAdmin bool, index int) (io.ReadCloser, string, error) {
	d, _, err := s.load(ctx, id, actorID, isAdmin)
	if err != nil {
		return nil, "", err
	}
	if index < 0 || index >= len(d.Evidence) {
		return nil, "", ErrEvidenceNotFound
	}
	key := d.Evidence[index]
	rc, err := s.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, "", ErrEvidenceNotFound
	}
	if err != nil {
		return nil, "", err
	}
	return rc, contentTypeOf(key), nil
}

// DescribeEvidence lists the dispute's files with their public URLs
func (s *Service) DescribeEvidence(d *Dispute) []Evidence {
	out := make([]Evidence, 0, len(d.Evidence))
	for _, key := range d.Evidence {
		out = append(out, s.describe(key))
	}
	return out
}

func (s *Service) describe(key string) Evidence {
	ev := Evidence{Key: key, URL: s.store.GetURL(key), ContentType: contentTypeOf(key)}
	if strings.HasPrefix(ev.ContentType, "image/") {
		ev.ThumbnailURL = s.store.GetURL(thumbnailKey(key))
	}
	return ev
}

func thumbnailKey(key string) string {
	ext := path.Ext(key)
	return strings.TrimSuffix(key, ext) + "_thumb" + ext
}

func contentTypeOf(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// ListForUser lists disputes on transactions where the user is buyer or seller
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Dispute, int, error) {
	return s.repo.ListForUser(ctx, s.runner.Querier(), userID, limit, offset)
}

// ListAll is the arbiter queue, soonest deadline first
func (s *Service) ListAll(ctx context.Context, status Status, limit, offset int) ([]*Dispute, int, error) {
	if status != "" && !status.Valid() {
		return nil, 0, apperr.New(apperr.KindValidation, "unknown status filter")
	}
	return s.repo.ListAll(ctx, s.runner.Querier(), status, limit, offset)
}
