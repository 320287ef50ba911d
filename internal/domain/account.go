package domain

import (
	"time"
)

// AuthProvider identifies how an account authenticates.
type AuthProvider string

const (
	ProviderLocal  AuthProvider = "LOCAL"
	ProviderGoogle AuthProvider = "GOOGLE"
	ProviderApple  AuthProvider = "APPLE"
)

// Account is the core identity aggregate. ExternalID is the short time-ordered
// identifier handed to external partners; it is unique and regenerated on the
// rare collision during registration.
type Account struct {
	ID           string       `json:"id"`
	ExternalID   string       `json:"external_id"`
	Email        string       `json:"email"`
	Username     string       `json:"username"`
	PasswordHash string       `json:"-"`
	Provider     AuthProvider `json:"provider"`
	IsActive     bool         `json:"is_active"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Profile holds the display attributes owned by the profile aggregate,
// separate from the account credential data.
type Profile struct {
	AccountID string    `json:"account_id"`
	Name      string    `json:"name"`
	Picture   string    `json:"picture,omitempty"`
	Bio       string    `json:"bio,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is a refresh-token session belonging to an account.
type Session struct {
	ID               string     `json:"id"`
	AccountID        string     `json:"account_id"`
	RefreshTokenHash string     `json:"-"`
	UserAgent        string     `json:"user_agent,omitempty"`
	IP               string     `json:"ip,omitempty"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Device is a trusted device registered to an account.
type Device struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	Fingerprint string    `json:"fingerprint"`
	Label       string    `json:"label,omitempty"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// DeletionRequest captures the audit attributes of an account deletion.
// LegalBasis names the compliance ground (e.g. "gdpr_art_17") under which
// the deletion is performed; it travels with the AccountDeleted event.
type DeletionRequest struct {
	AccountID  string `json:"account_id"`
	Reason     string `json:"reason"`
	LegalBasis string `json:"legal_basis"`
}
