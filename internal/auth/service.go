package auth

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"storegate/internal/observability"
)

const (
	defaultSessionTTL      = 14 * 24 * time.Hour
	defaultResetTTL        = time.Hour
	defaultVerificationTTL = 24 * time.Hour
	defaultPlan            = "free"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNoSession          = errors.New("no session")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
)

// Store is the durable storage the service needs. *Repository implements
// it; tests substitute an in-memory fake.
type Store interface {
	CreateAccount(ctx context.Context, email, passwordHash, tenantName, plan string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetIdentity(ctx context.Context, userID string) (Identity, error)
	UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error
	MarkEmailVerified(ctx context.Context, userID string, at time.Time) error

	SetResetToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error
	GetResetToken(ctx context.Context, userID string) (string, time.Time, error)
	ClearResetToken(ctx context.Context, userID string) error
	SetVerificationToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error
	GetVerificationToken(ctx context.Context, userID string) (string, time.Time, error)
	ClearVerificationToken(ctx context.Context, userID string) error

	CreateSession(ctx context.Context, session Session) error
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (Session, error)
	ExtendSession(ctx context.Context, sessionID string, expiresAt time.Time) error
	DeleteSession(ctx context.Context, sessionID string) error
	DeleteSessionsForUser(ctx context.Context, userID string) error
}

// Mailer delivers single-use token links. Actual delivery is an external
// collaborator; this repo ships a log-only implementation.
type Mailer interface {
	SendPasswordReset(ctx context.Context, email, token string) error
	SendVerification(ctx context.Context, email, token string) error
}

type Service struct {
	store  Store
	hasher *Hasher
	mailer Mailer
	logger *observability.Logger

	sessionTTL      time.Duration
	resetTTL        time.Duration
	verificationTTL time.Duration

	now func() time.Time
}

func NewService(store Store, hasher *Hasher, mailer Mailer, logger *observability.Logger) *Service {
	return &Service{
		store:           store,
		hasher:          hasher,
		mailer:          mailer,
		logger:          logger,
		sessionTTL:      defaultSessionTTL,
		resetTTL:        defaultResetTTL,
		verificationTTL: defaultVerificationTTL,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithTTLConfig(sessionTTL, resetTTL, verificationTTL time.Duration) {
	if sessionTTL > 0 {
		s.sessionTTL = sessionTTL
	}
	if resetTTL > 0 {
		s.resetTTL = resetTTL
	}
	if verificationTTL > 0 {
		s.verificationTTL = verificationTTL
	}
}

func (s *Service) SessionTTL() time.Duration {
	return s.sessionTTL
}

// Register creates a tenant with its owner user, sends a verification
// token, and opens a session. The returned string is the raw session
// secret for the cookie.
func (s *Service) Register(ctx context.Context, email, password, tenantName string) (Identity, string, error) {
	email = normalizeEmail(email)
	tenantName = strings.TrimSpace(tenantName)
	if tenantName == "" {
		tenantName = email
	}

	passwordHash, err := s.hasher.Hash(password)
	if err != nil {
		return Identity{}, "", fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.CreateAccount(ctx, email, passwordHash, tenantName, defaultPlan)
	if err != nil {
		return Identity{}, "", err
	}

	// Verification delivery is best effort; the account exists either way
	// and the token can be reissued.
	if err := s.RequestEmailVerification(ctx, user.ID, user.Email); err != nil {
		s.logger.Error("verification_issue_failed", map[string]any{"error": err.Error()})
	}

	identity, err := s.store.GetIdentity(ctx, user.ID)
	if err != nil {
		return Identity{}, "", fmt.Errorf("resolve identity: %w", err)
	}

	rawSession, err := s.createSession(ctx, user.ID)
	if err != nil {
		return Identity{}, "", err
	}

	return identity, rawSession, nil
}

// Login verifies credentials and opens a session. The key derivation runs
// even when the account does not exist, against a decoy hash, so response
// timing does not reveal account presence. All credential failures map to
// the same ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, password string) (Identity, string, error) {
	email = normalizeEmail(email)

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			_, _ = s.hasher.Verify(password, s.hasher.Decoy())
			return Identity{}, "", ErrInvalidCredentials
		}
		return Identity{}, "", err
	}

	ok, err := s.hasher.Verify(password, user.PasswordHash)
	if err != nil || !ok {
		return Identity{}, "", ErrInvalidCredentials
	}

	if upgrade, upErr := s.hasher.NeedsUpgrade(user.PasswordHash); upErr == nil && upgrade {
		if newHash, hashErr := s.hasher.Hash(password); hashErr == nil {
			if err := s.store.UpdatePasswordHash(ctx, user.ID, newHash); err != nil {
				s.logger.Error("password_upgrade_failed", map[string]any{"error": err.Error()})
			}
		}
	}

	identity, err := s.store.GetIdentity(ctx, user.ID)
	if err != nil {
		return Identity{}, "", fmt.Errorf("resolve identity: %w", err)
	}

	rawSession, err := s.createSession(ctx, user.ID)
	if err != nil {
		return Identity{}, "", err
	}

	return identity, rawSession, nil
}

// Authenticate validates a session cookie secret, extends the session
// (rolling expiration) and resolves the caller's identity fresh from
// durable storage. Expired sessions are deleted on sight.
func (s *Service) Authenticate(ctx context.Context, rawToken string) (Identity, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return Identity{}, ErrNoSession
	}

	session, err := s.store.GetSessionByTokenHash(ctx, hashSecret(rawToken))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Identity{}, ErrNoSession
		}
		return Identity{}, err
	}

	now := s.now()
	if !now.Before(session.ExpiresAt) {
		if err := s.store.DeleteSession(ctx, session.ID); err != nil {
			s.logger.Error("expired_session_delete_failed", map[string]any{"error": err.Error()})
		}
		return Identity{}, ErrNoSession
	}

	if err := s.store.ExtendSession(ctx, session.ID, now.Add(s.sessionTTL)); err != nil {
		return Identity{}, fmt.Errorf("extend session: %w", err)
	}

	identity, err := s.store.GetIdentity(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// User row gone but session survived; treat as logged out.
			return Identity{}, ErrNoSession
		}
		return Identity{}, fmt.Errorf("resolve identity: %w", err)
	}

	return identity, nil
}

// Logout destroys the single session behind the cookie secret. Other
// sessions of the same user are untouched.
func (s *Service) Logout(ctx context.Context, rawToken string) error {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return ErrNoSession
	}

	session, err := s.store.GetSessionByTokenHash(ctx, hashSecret(rawToken))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoSession
		}
		return err
	}

	return s.store.DeleteSession(ctx, session.ID)
}

// RequestPasswordReset issues a reset token and mails it. An unknown
// email succeeds silently so the endpoint cannot be used for account
// enumeration.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = normalizeEmail(email)

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}

	token, err := s.issueToken(ctx, user.ID, PurposePasswordReset)
	if err != nil {
		return err
	}

	return s.mailer.SendPasswordReset(ctx, user.Email, token)
}

// ResetPassword consumes a reset token, stores the new hash and
// invalidates every session of that user.
func (s *Service) ResetPassword(ctx context.Context, composedToken, newPassword string) error {
	userID, err := s.verifyToken(ctx, composedToken, PurposePasswordReset)
	if err != nil {
		return err
	}

	passwordHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := s.store.UpdatePasswordHash(ctx, userID, passwordHash); err != nil {
		return err
	}

	return s.store.DeleteSessionsForUser(ctx, userID)
}

// RequestEmailVerification issues a verification token and mails it.
// Reissuing overwrites any outstanding token for the same purpose.
func (s *Service) RequestEmailVerification(ctx context.Context, userID, email string) error {
	token, err := s.issueToken(ctx, userID, PurposeEmailVerification)
	if err != nil {
		return err
	}

	return s.mailer.SendVerification(ctx, email, token)
}

// ConfirmEmail consumes a verification token and marks the email verified.
func (s *Service) ConfirmEmail(ctx context.Context, composedToken string) error {
	userID, err := s.verifyToken(ctx, composedToken, PurposeEmailVerification)
	if err != nil {
		return err
	}

	return s.store.MarkEmailVerified(ctx, userID, s.now())
}

func (s *Service) createSession(ctx context.Context, userID string) (string, error) {
	raw, err := newSecret(sessionSecretBytes)
	if err != nil {
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}

	now := s.now()
	session := Session{
		ID:        id.String(),
		UserID:    userID,
		TokenHash: hashSecret(raw),
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}

	if err := s.store.CreateSession(ctx, session); err != nil {
		return "", err
	}

	return raw, nil
}

func (s *Service) issueToken(ctx context.Context, userID string, purpose TokenPurpose) (string, error) {
	secret, err := newSecret(tokenSecretBytes)
	if err != nil {
		return "", err
	}

	var (
		expiresAt = s.now()
		setErr    error
	)
	switch purpose {
	case PurposePasswordReset:
		expiresAt = expiresAt.Add(s.resetTTL)
		setErr = s.store.SetResetToken(ctx, userID, hashSecret(secret), expiresAt)
	case PurposeEmailVerification:
		expiresAt = expiresAt.Add(s.verificationTTL)
		setErr = s.store.SetVerificationToken(ctx, userID, hashSecret(secret), expiresAt)
	default:
		return "", fmt.Errorf("unknown token purpose: %q", purpose)
	}
	if setErr != nil {
		return "", setErr
	}

	return composeToken(userID, secret), nil
}

// verifyToken checks a composed token against the slot for its purpose
// and consumes it on success so it cannot be replayed. An expired token
// clears its slot and reports ErrTokenExpired, which is safe to surface.
func (s *Service) verifyToken(ctx context.Context, composedToken string, purpose TokenPurpose) (string, error) {
	ownerID, secret, ok := splitToken(strings.TrimSpace(composedToken))
	if !ok {
		return "", ErrTokenInvalid
	}

	var (
		storedHash string
		expiresAt  time.Time
		err        error
	)
	switch purpose {
	case PurposePasswordReset:
		storedHash, expiresAt, err = s.store.GetResetToken(ctx, ownerID)
	case PurposeEmailVerification:
		storedHash, expiresAt, err = s.store.GetVerificationToken(ctx, ownerID)
	default:
		return "", fmt.Errorf("unknown token purpose: %q", purpose)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrTokenInvalid
		}
		return "", err
	}
	if storedHash == "" {
		return "", ErrTokenInvalid
	}

	if !s.now().Before(expiresAt) {
		if err := s.clearSlot(ctx, ownerID, purpose); err != nil {
			s.logger.Error("expired_token_clear_failed", map[string]any{"error": err.Error()})
		}
		return "", ErrTokenExpired
	}

	if subtle.ConstantTimeCompare([]byte(hashSecret(secret)), []byte(storedHash)) != 1 {
		return "", ErrTokenInvalid
	}

	// Consumption is the replay defense; its failure must surface.
	if err := s.clearSlot(ctx, ownerID, purpose); err != nil {
		return "", err
	}

	return ownerID, nil
}

func (s *Service) clearSlot(ctx context.Context, userID string, purpose TokenPurpose) error {
	if purpose == PurposePasswordReset {
		return s.store.ClearResetToken(ctx, userID)
	}
	return s.store.ClearVerificationToken(ctx, userID)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
