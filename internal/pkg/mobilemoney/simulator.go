package mobilemoney

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/swiftline/escrow-api/internal/pkg/apperr"
)

// DebitHandler and CreditHandler receive simulated callbacks
type (
	DebitHandler  func(ctx context.Context, res DebitResult) error
	CreditHandler func(ctx context.Context, res CreditResult) error
)

// Simulator stands in for the gateway when no credentials are configured.
// Requests are accepted immediately and settled successfully after delay.
// Phone numbers ending in 0000 are declined.
type Simulator struct {
	delay time.Duration

	mu       sync.RWMutex
	onDebit  DebitHandler
	onCredit CreditHandler
}

func NewSimulator(delay time.Duration) *Simulator {
	return &Simulator{delay: delay}
}

// SetHandlers wires the callbacks; settlement is skipped while they are nil
func (s *Simulator) SetHandlers(onDebit DebitHandler, onCredit CreditHandler) {
	s.mu.Lock()
	s.onDebit, s.onCredit = onDebit, onCredit
	s.mu.Unlock()
}

func (s *Simulator) RequestDebit(ctx context.Context, phone string, amount int64, correlationID string) (string, error) {
	if amount <= 0 {
		return "", apperr.New(apperr.KindValidation, "amount must be positive")
	}
	if strings.HasSuffix(phone, "0000") {
		return "", apperr.New(apperr.KindGatewayRejected, "payment request was declined")
	}

	checkoutID := "ws_CO_" + randomHex(10)
	log.Info().Str("checkout_request_id", checkoutID).Str("correlation_id", correlationID).Int64("amount", amount).Msg("simulated debit requested")

	s.mu.RLock()
	handler := s.onDebit
	s.mu.RUnlock()
	if handler != nil {
		res := DebitResult{
			CheckoutRequestID: checkoutID,
			MerchantRequestID: randomHex(8),
			Success:           true,
			ResultDesc:        "The service request is processed successfully.",
			ReceiptNumber:     strings.ToUpper(randomHex(5)),
			Amount:            amount,
			Phone:             phone,
		}
		time.AfterFunc(s.delay, func() {
			if err := handler(context.Background(), res); err != nil {
				log.Error().Err(err).Str("checkout_request_id", checkoutID).Msg("simulated debit callback failed")
			}
		})
	}
	return checkoutID, nil
}

func (s *Simulator) RequestCredit(ctx context.Context, phone string, amount int64, correlationID string) (string, error) {
	if amount <= 0 {
		return "", apperr.New(apperr.KindValidation, "amount must be positive")
	}
	if strings.HasSuffix(phone, "0000") {
		return "", apperr.New(apperr.KindGatewayRejected, "payout request was declined")
	}

	conversationID := "AG_" + randomHex(10)
	log.Info().Str("conversation_id", conversationID).Str("correlation_id", correlationID).Int64("amount", amount).Msg("simulated payout requested")

	s.mu.RLock()
	handler := s.onCredit
	s.mu.RUnlock()
	if handler != nil {
		res := CreditResult{
			OriginatorConversationID: correlationID,
			ConversationID:           conversationID,
			Success:                  true,
			ResultDesc:               "The service request is processed successfully.",
			TransactionID:            strings.ToUpper(randomHex(5)),
			Amount:                   amount,
		}
		time.AfterFunc(s.delay, func() {
			if err := handler(context.Background(), res); err != nil {
				log.Error().Err(err).Str("correlation_id", correlationID).Msg("simulated payout callback failed")
			}
		})
	}
	return conversationID, nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}
