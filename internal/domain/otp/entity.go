package otp

import (
	"time"

	"github.com/google/uuid"
)

// Purpose scopes a code to one kind of action
type Purpose string

const (
	PurposeLogin                Purpose = "LOGIN"
	PurposeRegistration         Purpose = "REGISTRATION"
	PurposePasswordReset        Purpose = "PASSWORD_RESET"
	PurposeVerification         Purpose = "VERIFICATION"
	PurposeDeliveryConfirmation Purpose = "DELIVERY_CONFIRMATION"
)

// AllPurposes is the set InvalidateAll clears
var AllPurposes = []Purpose{
	PurposeLogin,
	PurposeRegistration,
	PurposePasswordReset,
	PurposeVerification,
	PurposeDeliveryConfirmation,
}

func (p Purpose) Valid() bool {
	for _, v := range AllPurposes {
		if p == v {
			return true
		}
	}
	return false
}

// Record is the durable copy of an issued code
type Record struct {
	ID          uuid.UUID  `db:"id"`
	Phone       string     `db:"phone"`
	Purpose     Purpose    `db:"purpose"`
	CodeHash    string     `db:"code_hash"`
	Attempts    int        `db:"attempts"`
	MaxAttempts int        `db:"max_attempts"`
	ExpiresAt   time.Time  `db:"expires_at"`
	UsedAt      *time.Time `db:"used_at"`
	CreatedAt   time.Time  `db:"created_at"`
}

func (r *Record) IsUsed() bool { return r.UsedAt != nil }

// cachedCode is the JSON value stored under the code key
type cachedCode struct {
	ID          uuid.UUID `json:"id"`
	CodeHash    string    `json:"code_hash"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Issued is returned by Generate; Code never leaves the process except via the sender
type Issued struct {
	Code      string    `json:"-"`
	Phone     string    `json:"phone"`
	Purpose   Purpose   `json:"purpose"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Config holds OTP policy
type Config struct {
	CodeTTL         time.Duration
	MaxAttempts     int
	RateLimitWindow time.Duration
	RateLimitMax    int
	Pepper          string
	UsedRetention   time.Duration
}

func (c Config) withDefaults() Config {
	if c.CodeTTL <= 0 {
		c.CodeTTL = 10 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = 5 * time.Minute
	}
	if c.RateLimitMax <= 0 {
		c.RateLimitMax = 3
	}
	if c.UsedRetention <= 0 {
		c.UsedRetention = 24 * time.Hour
	}
	return c
}

const (
	keyPrefixCode      = "otp:"
	keyPrefixRateLimit = "otp:ratelimit:"
)

func codeKey(phone string, purpose Purpose) string {
	return keyPrefixCode + phone + ":" + string(purpose)
}

func rateLimitKey(phone string) string {
	return keyPrefixRateLimit + phone
}
