package auth

import "time"

type User struct {
	ID              string
	TenantID        string
	Email           string
	PasswordHash    string
	Role            string
	EmailVerifiedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Session is the durable record behind a session cookie. TokenHash is a
// one-way hash of the cookie secret; the secret itself is never stored.
type Session struct {
	ID        string
	UserID    string
	TokenHash string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Identity is resolved fresh from durable storage on every authenticated
// request, so role and plan changes take effect immediately.
type Identity struct {
	UserID        string `json:"user_id"`
	TenantID      string `json:"tenant_id"`
	Email         string `json:"email"`
	Role          string `json:"role"`
	Plan          string `json:"plan"`
	EmailVerified bool   `json:"email_verified"`
}

// TokenPurpose selects which single-use slot a token belongs to. The two
// slots live in separate columns, so a token minted for one purpose is
// structurally incapable of satisfying the other.
type TokenPurpose string

const (
	PurposePasswordReset     TokenPurpose = "password-reset"
	PurposeEmailVerification TokenPurpose = "email-verification"
)
