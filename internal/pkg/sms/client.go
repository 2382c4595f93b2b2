// Package sms sends text messages through an Africa's Talking style HTTP API.
package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/swiftline/escrow-api/internal/pkg/phone"
)

// Config holds SMS provider configuration
type Config struct {
	BaseURL  string
	APIKey   string
	Username string
	SenderID string
	Timeout  time.Duration
}

// Client sends SMS via the provider's messaging endpoint
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a new SMS client
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type messagingResponse struct {
	SMSMessageData struct {
		Message    string `json:"Message"`
		Recipients []struct {
			Number    string `json:"number"`
			Status    string `json:"status"`
			MessageID string `json:"messageId"`
		} `json:"Recipients"`
	} `json:"SMSMessageData"`
}

// SendSMS delivers message to a single recipient
func (c *Client) SendSMS(ctx context.Context, to, message string) error {
	if c.config.APIKey == "" || c.config.Username == "" {
		return fmt.Errorf("sms provider is not configured")
	}

	form := url.Values{
		"username": {c.config.Username},
		"to":       {"+" + strings.TrimPrefix(to, "+")},
		"message":  {message},
	}
	if c.config.SenderID != "" {
		form.Set("from", c.config.SenderID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/version1/messaging", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create sms request: %w", err)
	}
	req.Header.Set("apiKey", c.config.APIKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send sms: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sms provider returned status %d: %s", resp.StatusCode, string(body))
	}

	var out messagingResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("failed to parse sms response: %w", err)
	}
	if len(out.SMSMessageData.Recipients) == 0 {
		return fmt.Errorf("sms rejected: %s", out.SMSMessageData.Message)
	}
	if status := out.SMSMessageData.Recipients[0].Status; status != "Success" {
		return fmt.Errorf("sms rejected: %s", status)
	}

	log.Debug().Str("to", phone.Mask(to)).Str("message_id", out.SMSMessageData.Recipients[0].MessageID).Msg("SMS sent")
	return nil
}

// LogSender writes messages to the log instead of sending them
type LogSender struct{}

func (LogSender) SendSMS(_ context.Context, to, message string) error {
	log.Info().Str("to", phone.Mask(to)).Str("message", message).Msg("[DEV] SMS not sent")
	return nil
}
