package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"

	"github.com/swiftline/escrow-api/internal/pkg/metrics"
	"github.com/swiftline/escrow-api/internal/pkg/phone"
)

// Sender delivers a code to the phone, typically by SMS
type Sender interface {
	SendSMS(ctx context.Context, to, message string) error
}

// Service issues and verifies one-time codes per (phone, purpose)
type Service struct {
	cache  Cache
	repo   Repository
	sender Sender
	cfg    Config
	now    func() time.Time
}

func NewService(cache Cache, repo Repository, sender Sender, cfg Config) *Service {
	return &Service{cache: cache, repo: repo, sender: sender, cfg: cfg.withDefaults(), now: time.Now}
}

// CheckRateLimit counts a code request against the phone's window.
// The returned error carries the remaining cooldown when the limit is hit.
func (s *Service) CheckRateLimit(ctx context.Context, rawPhone string) error {
	msisdn, err := phone.Normalize(rawPhone)
	if err != nil {
		return ErrInvalidPhone
	}
	return s.checkRateLimit(ctx, msisdn)
}

// checkRateLimit counts against the cache while its primary layer is healthy.
// A fallback layer starts with empty counters, so while degraded the decision
// comes from the codes actually stored in the window.
func (s *Service) checkRateLimit(ctx context.Context, msisdn string) error {
	key := rateLimitKey(msisdn)

	if s.cacheDegraded() {
		return s.checkRateLimitDurable(ctx, msisdn)
	}
	count, err := s.cache.Incr(ctx, key)
	if err != nil || s.cacheDegraded() {
		log.Warn().Err(err).Str("phone", phone.Mask(msisdn)).Msg("rate limit cache unavailable, counting stored codes")
		return s.checkRateLimitDurable(ctx, msisdn)
	}
	if count == 1 {
		if err := s.cache.Expire(ctx, key, s.cfg.RateLimitWindow); err != nil {
			log.Warn().Err(err).Msg("failed to set rate limit expiry")
		}
	}
	if count <= int64(s.cfg.RateLimitMax) {
		return nil
	}

	ttl, err := s.cache.TTL(ctx, key)
	if err != nil || ttl <= 0 {
		// counter lost its expiry; restart the window so the phone is not locked out forever
		s.cache.Expire(ctx, key, s.cfg.RateLimitWindow)
		ttl = s.cfg.RateLimitWindow
	}
	return ErrRateLimited.WithRetryAfter(ttl)
}

func (s *Service) cacheDegraded() bool {
	d, ok := s.cache.(degradable)
	return ok && d.Degraded()
}

func (s *Service) checkRateLimitDurable(ctx context.Context, msisdn string) error {
	now := s.now()
	count, oldest, err := s.repo.CountSince(ctx, msisdn, now.Add(-s.cfg.RateLimitWindow))
	if err != nil {
		return fmt.Errorf("count recent codes: %w", err)
	}
	if count < s.cfg.RateLimitMax {
		return nil
	}
	retry := oldest.Add(s.cfg.RateLimitWindow).Sub(now)
	if retry <= 0 {
		retry = time.Second
	}
	return ErrRateLimited.WithRetryAfter(retry)
}

// Generate issues a new code for (phone, purpose), replacing any active one
func (s *Service) Generate(ctx context.Context, rawPhone string, purpose Purpose) (*Issued, error) {
	msisdn, err := phone.Normalize(rawPhone)
	if err != nil {
		return nil, ErrInvalidPhone
	}
	if !purpose.Valid() {
		return nil, ErrInvalidPurpose
	}
	if err := s.checkRateLimit(ctx, msisdn); err != nil {
		metrics.OTPEvents.WithLabelValues(string(purpose), "rate_limited").Inc()
		return nil, err
	}

	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}

	now := s.now().UTC()
	rec := &Record{
		ID:          uuid.New(),
		Phone:       msisdn,
		Purpose:     purpose,
		CodeHash:    s.hash(msisdn, purpose, code),
		MaxAttempts: s.cfg.MaxAttempts,
		ExpiresAt:   now.Add(s.cfg.CodeTTL),
		CreatedAt:   now,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("store code: %w", err)
	}
	s.writeCache(ctx, rec.Phone, rec.Purpose, cachedCode{
		ID:          rec.ID,
		CodeHash:    rec.CodeHash,
		MaxAttempts: rec.MaxAttempts,
		ExpiresAt:   rec.ExpiresAt,
	})

	metrics.OTPEvents.WithLabelValues(string(purpose), "issued").Inc()
	log.Info().Str("phone", phone.Mask(msisdn)).Str("purpose", string(purpose)).Msg("otp issued")

	return &Issued{Code: code, Phone: msisdn, Purpose: purpose, ExpiresAt: rec.ExpiresAt}, nil
}

// Send generates a code and delivers it through the sender
func (s *Service) Send(ctx context.Context, rawPhone string, purpose Purpose) (*Issued, error) {
	issued, err := s.Generate(ctx, rawPhone, purpose)
	if err != nil {
		return nil, err
	}
	minutes := int(s.cfg.CodeTTL.Minutes())
	msg := fmt.Sprintf("Your SwiftLine %s code is %s. It expires in %d minutes. Do not share it.", purposeLabel(purpose), issued.Code, minutes)
	if err := s.sender.SendSMS(ctx, issued.Phone, msg); err != nil {
		return nil, fmt.Errorf("deliver code: %w", err)
	}
	return issued, nil
}

// Verify checks code against the active record and consumes it on success
func (s *Service) Verify(ctx context.Context, rawPhone, code string, purpose Purpose) error {
	msisdn, err := phone.Normalize(rawPhone)
	if err != nil {
		return ErrInvalidPhone
	}
	if !purpose.Valid() {
		return ErrInvalidPurpose
	}
	if len(code) != 6 {
		return ErrMalformedCode
	}

	err = s.verify(ctx, msisdn, code, purpose)
	metrics.OTPEvents.WithLabelValues(string(purpose), outcome(err)).Inc()
	return err
}

func (s *Service) verify(ctx context.Context, msisdn, code string, purpose Purpose) error {
	key := codeKey(msisdn, purpose)

	entry, err := s.lookup(ctx, msisdn, purpose)
	if err != nil {
		return err
	}
	if entry == nil {
		return ErrNoActiveCode
	}

	now := s.now()
	if !now.Before(entry.ExpiresAt) {
		s.cache.Del(ctx, key)
		return ErrExpired
	}
	if entry.Attempts >= entry.MaxAttempts {
		s.cache.Del(ctx, key)
		return ErrMaxAttemptsExceeded
	}

	if subtle.ConstantTimeCompare([]byte(entry.CodeHash), []byte(s.hash(msisdn, purpose, code))) != 1 {
		attempts, ok, err := s.repo.IncrementAttempts(ctx, entry.ID)
		if err != nil {
			return fmt.Errorf("record attempt: %w", err)
		}
		if !ok {
			s.cache.Del(ctx, key)
			return s.classifyStale(ctx, entry.ID)
		}
		entry.Attempts = attempts
		remaining := entry.MaxAttempts - attempts
		if remaining > 0 {
			s.writeCache(ctx, msisdn, purpose, *entry)
		} else {
			s.cache.Del(ctx, key)
		}
		return ErrInvalidCode.WithAttempts(remaining)
	}

	used, err := s.repo.MarkUsed(ctx, entry.ID)
	if err != nil {
		return fmt.Errorf("consume code: %w", err)
	}
	s.cache.Del(ctx, key)
	if !used {
		return s.classifyStale(ctx, entry.ID)
	}

	log.Info().Str("phone", phone.Mask(msisdn)).Str("purpose", string(purpose)).Msg("otp verified")
	return nil
}

// lookup reads the cache first and falls back to the durable store
func (s *Service) lookup(ctx context.Context, msisdn string, purpose Purpose) (*cachedCode, error) {
	raw, err := s.cache.Get(ctx, codeKey(msisdn, purpose))
	if err == nil {
		var entry cachedCode
		if jsonErr := json.Unmarshal([]byte(raw), &entry); jsonErr == nil {
			return &entry, nil
		}
		log.Warn().Str("phone", phone.Mask(msisdn)).Msg("discarding malformed cached otp")
	} else if !errors.Is(err, ErrCacheMiss) {
		log.Warn().Err(err).Msg("otp cache read failed, using durable store")
	}

	rec, err := s.repo.GetActive(ctx, msisdn, purpose)
	if err != nil {
		return nil, fmt.Errorf("load code: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	return &cachedCode{
		ID:          rec.ID,
		CodeHash:    rec.CodeHash,
		Attempts:    rec.Attempts,
		MaxAttempts: rec.MaxAttempts,
		ExpiresAt:   rec.ExpiresAt,
	}, nil
}

// classifyStale explains why a conditional update on a record matched nothing
func (s *Service) classifyStale(ctx context.Context, id uuid.UUID) error {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("reload code: %w", err)
	}
	switch {
	case rec == nil:
		return ErrNoActiveCode
	case rec.Attempts >= rec.MaxAttempts:
		return ErrMaxAttemptsExceeded
	case !s.now().Before(rec.ExpiresAt):
		return ErrExpired
	default:
		return ErrNoActiveCode
	}
}

// InvalidateAll consumes every active code for the phone
func (s *Service) InvalidateAll(ctx context.Context, rawPhone string) error {
	msisdn, err := phone.Normalize(rawPhone)
	if err != nil {
		return ErrInvalidPhone
	}

	keys := make([]string, len(AllPurposes))
	for i, p := range AllPurposes {
		keys[i] = codeKey(msisdn, p)
	}
	if err := s.cache.Del(ctx, keys...); err != nil {
		log.Warn().Err(err).Msg("failed to clear cached otps")
	}

	n, err := s.repo.InvalidateActive(ctx, msisdn, AllPurposes)
	if err != nil {
		return fmt.Errorf("invalidate codes: %w", err)
	}
	log.Info().Str("phone", phone.Mask(msisdn)).Int64("invalidated", n).Msg("otps invalidated")
	return nil
}

func (s *Service) writeCache(ctx context.Context, msisdn string, purpose Purpose, entry cachedCode) {
	ttl := entry.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return
	}
	b, _ := json.Marshal(entry)
	if err := s.cache.SetEX(ctx, codeKey(msisdn, purpose), string(b), ttl); err != nil {
		log.Warn().Err(err).Msg("failed to cache otp, durable store remains authoritative")
	}
}

// hash binds the code to its phone and purpose under the server pepper
func (s *Service) hash(msisdn string, purpose Purpose, code string) string {
	h, _ := blake2b.New256([]byte(s.cfg.Pepper))
	h.Write([]byte(msisdn))
	h.Write([]byte{0})
	h.Write([]byte(purpose))
	h.Write([]byte{0})
	h.Write([]byte(code))
	return hex.EncodeToString(h.Sum(nil))
}

var codeSpan = big.NewInt(900000)

// generateCode returns a uniformly random code in [100000, 999999]
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpan)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

func purposeLabel(p Purpose) string {
	switch p {
	case PurposeLogin:
		return "login"
	case PurposeRegistration:
		return "registration"
	case PurposePasswordReset:
		return "password reset"
	case PurposeDeliveryConfirmation:
		return "delivery confirmation"
	default:
		return "verification"
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "verified"
	case errors.Is(err, ErrInvalidCode):
		return "invalid"
	case errors.Is(err, ErrMaxAttemptsExceeded):
		return "max_attempts"
	case errors.Is(err, ErrExpired), errors.Is(err, ErrNoActiveCode):
		return "expired"
	default:
		return "error"
	}
}
