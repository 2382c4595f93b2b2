// Package mobilemoney is a client for a Daraja-style mobile money API:
// STK push debits from buyers and B2C credits to sellers.
package mobilemoney

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swiftline/escrow-api/internal/pkg/apperr"
	"github.com/swiftline/escrow-api/internal/pkg/metrics"
)

// Config holds gateway credentials and callback endpoints
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	CallbackSecret string
	Timeout        time.Duration
}

// Client talks to the mobile money gateway
type Client struct {
	httpClient *http.Client
	config     Config
	now        func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

var (
	ErrTimeout          = apperr.New(apperr.KindGatewayTimeout, "payment provider did not respond, the request may still complete")
	ErrRejected         = apperr.New(apperr.KindGatewayRejected, "payment provider rejected the request")
	ErrFractionalAmount = apperr.New(apperr.KindValidation, "mobile money amounts must be whole currency units")
)

// NewClient creates a gateway client
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.CallbackURL = strings.TrimRight(cfg.CallbackURL, "/")
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
		now:        time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPushResponse is the synchronous acknowledgement of a debit request
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type b2cRequest struct {
	OriginatorConversationID string `json:"OriginatorConversationID"`
	InitiatorName            string `json:"InitiatorName"`
	SecurityCredential       string `json:"SecurityCredential"`
	CommandID                string `json:"CommandID"`
	Amount                   int64  `json:"Amount"`
	PartyA                   string `json:"PartyA"`
	PartyB                   string `json:"PartyB"`
	Remarks                  string `json:"Remarks"`
	QueueTimeOutURL          string `json:"QueueTimeOutURL"`
	ResultURL                string `json:"ResultURL"`
	Occasion                 string `json:"Occasion"`
}

// B2CResponse is the synchronous acknowledgement of a payout request
type B2CResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// RequestDebit prompts phone to pay amount (minor units) and returns the
// checkout request id the asynchronous callback will carry.
func (c *Client) RequestDebit(ctx context.Context, phone string, amount int64, correlationID string) (string, error) {
	resp, err := c.STKPush(ctx, phone, amount, correlationID)
	if err != nil {
		return "", err
	}
	return resp.CheckoutRequestID, nil
}

// STKPush sends a customer-initiated debit prompt
func (c *Client) STKPush(ctx context.Context, phone string, amount int64, correlationID string) (*STKPushResponse, error) {
	units, err := ToUnits(amount)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(correlationID) == "" {
		return nil, apperr.New(apperr.KindValidation, "correlation id must be non-empty")
	}

	ts := c.now().Format("20060102150405")
	req := stkPushRequest{
		BusinessShortCode: c.config.ShortCode,
		Password:          base64.StdEncoding.EncodeToString([]byte(c.config.ShortCode + c.config.Passkey + ts)),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            units,
		PartyA:            phone,
		PartyB:            c.config.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.config.CallbackURL + "/stk",
		AccountReference:  truncate(correlationID, 12),
		TransactionDesc:   "Escrow payment",
	}

	var out STKPushResponse
	if err := c.call(ctx, "debit", "/mpesa/stkpush/v1/processrequest", req, &out); err != nil {
		return nil, err
	}
	if out.ResponseCode != "0" {
		metrics.GatewayRequests.WithLabelValues("debit", "rejected").Inc()
		return nil, apperr.Wrap(apperr.KindGatewayRejected, "payment request was declined", fmt.Errorf("response code %s: %s", out.ResponseCode, out.ResponseDescription))
	}
	metrics.GatewayRequests.WithLabelValues("debit", "accepted").Inc()
	return &out, nil
}

// RequestCredit pays amount (minor units) out to phone. correlationID is echoed
// back as the originator conversation id in the result callback.
func (c *Client) RequestCredit(ctx context.Context, phone string, amount int64, correlationID string) (string, error) {
	units, err := ToUnits(amount)
	if err != nil {
		return "", err
	}

	req := b2cRequest{
		OriginatorConversationID: correlationID,
		InitiatorName:            c.config.ShortCode,
		SecurityCredential:       c.config.Passkey,
		CommandID:                "BusinessPayment",
		Amount:                   units,
		PartyA:                   c.config.ShortCode,
		PartyB:                   phone,
		Remarks:                  "Escrow payout",
		QueueTimeOutURL:          c.config.CallbackURL + "/b2c",
		ResultURL:                c.config.CallbackURL + "/b2c",
		Occasion:                 truncate(correlationID, 100),
	}

	var out B2CResponse
	if err := c.call(ctx, "credit", "/mpesa/b2c/v3/paymentrequest", req, &out); err != nil {
		return "", err
	}
	if out.ResponseCode != "0" {
		metrics.GatewayRequests.WithLabelValues("credit", "rejected").Inc()
		return "", apperr.Wrap(apperr.KindGatewayRejected, "payout request was declined", fmt.Errorf("response code %s: %s", out.ResponseCode, out.ResponseDescription))
	}
	metrics.GatewayRequests.WithLabelValues("credit", "accepted").Inc()
	return out.ConversationID, nil
}

func (c *Client) call(ctx context.Context, op, path string, payload, out interface{}) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("mobile money client is not initialized")
	}
	if c.config.BaseURL == "" {
		return fmt.Errorf("mobile money config error: base_url is empty")
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode mobile money request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mobile money api call failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return c.transportError(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.transportError(op, err)
	}

	switch {
	case resp.StatusCode >= 500:
		// the provider may still have accepted the request
		metrics.GatewayRequests.WithLabelValues(op, "timeout").Inc()
		return apperr.Wrap(apperr.KindGatewayTimeout, ErrTimeout.Message, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(respBody), 200)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		metrics.GatewayRequests.WithLabelValues(op, "rejected").Inc()
		return apperr.Wrap(apperr.KindGatewayRejected, ErrRejected.Message, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(respBody), 200)))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse mobile money response: %w", err)
	}
	return nil
}

func (c *Client) transportError(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		metrics.GatewayRequests.WithLabelValues(op, "timeout").Inc()
		return apperr.Wrap(apperr.KindGatewayTimeout, ErrTimeout.Message, err)
	}
	metrics.GatewayRequests.WithLabelValues(op, "error").Inc()
	return fmt.Errorf("mobile money api call failed: %w", err)
}

// accessToken returns a cached OAuth token, refreshing it a minute before expiry
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("mobile money auth failed: %w", err)
	}
	req.SetBasicAuth(c.config.ConsumerKey, c.config.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", c.transportError("auth", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("mobile money auth returned status %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("failed to parse mobile money token: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("mobile money auth returned an empty token")
	}

	ttl, err := strconv.Atoi(tr.ExpiresIn)
	if err != nil || ttl <= 0 {
		ttl = 3599
	}
	c.token = tr.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(ttl)*time.Second - time.Minute)
	return c.token, nil
}

var hundred = decimal.NewFromInt(100)

// ToUnits converts minor units to the whole currency units the gateway accepts
func ToUnits(amount int64) (int64, error) {
	if amount <= 0 {
		return 0, apperr.New(apperr.KindValidation, "amount must be positive")
	}
	d := decimal.New(amount, 0).Div(hundred)
	if !d.IsInteger() {
		return 0, ErrFractionalAmount
	}
	return d.IntPart(), nil
}

// FromUnits converts a gateway amount such as "850" or "850.00" to minor units
func FromUnits(raw string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	minor := d.Mul(hundred)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("amount %q has sub-minor precision", raw)
	}
	return minor.IntPart(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
