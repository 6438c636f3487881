package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrEmailTaken = errors.New("email already registered")

const uniqueViolationCode = "23505"

type Repository struct {
	db *sql.DB
}

type CleanupResult struct {
	DeletedSessions           int64 `json:"deleted_sessions"`
	ClearedResetTokens        int64 `json:"cleared_reset_tokens"`
	ClearedVerificationTokens int64 `json:"cleared_verification_tokens"`
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateAccount creates a tenant and its owner user in one transaction.
func (r *Repository) CreateAccount(ctx context.Context, email, passwordHash, tenantName, plan string) (User, error) {
	tenantID, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate tenant id: %w", err)
	}
	userID, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin account tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tenants (id, name, plan, created_at)
		VALUES ($1, $2, $3, $4)
	`, tenantID.String(), tenantName, plan, now); err != nil {
		return User{}, fmt.Errorf("insert tenant: %w", err)
	}

	user := User{
		ID:           userID.String(),
		TenantID:     tenantID.String(),
		Email:        email,
		PasswordHash: passwordHash,
		Role:         "owner",
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, tenant_id, email, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, user.ID, user.TenantID, user.Email, user.PasswordHash, user.Role, now); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return User{}, ErrEmailTaken
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit account tx: %w", err)
	}

	return user, nil
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	var verifiedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, email, password_hash, role, email_verified_at, created_at, updated_at
		FROM users
		WHERE email = $1
	`, email).Scan(&user.ID, &user.TenantID, &user.Email, &user.PasswordHash, &user.Role, &verifiedAt, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("query user by email: %w", err)
	}
	if verifiedAt.Valid {
		value := verifiedAt.Time.UTC()
		user.EmailVerifiedAt = &value
	}

	return user, nil
}

// GetIdentity reads the caller's current role, tenant and plan. It is
// queried on every authenticated request rather than cached anywhere.
func (r *Repository) GetIdentity(ctx context.Context, userID string) (Identity, error) {
	var identity Identity
	var verifiedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT u.id, u.tenant_id, u.email, u.role, t.plan, u.email_verified_at
		FROM users u
		JOIN tenants t ON t.id = u.tenant_id
		WHERE u.id = $1
	`, userID).Scan(&identity.UserID, &identity.TenantID, &identity.Email, &identity.Role, &identity.Plan, &verifiedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Identity{}, err
		}
		return Identity{}, fmt.Errorf("query identity: %w", err)
	}
	identity.EmailVerified = verifiedAt.Valid

	return identity, nil
}

func (r *Repository) UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, userID, passwordHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}

	return nil
}

func (r *Repository) MarkEmailVerified(ctx context.Context, userID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET email_verified_at = $2, updated_at = $2
		WHERE id = $1
	`, userID, at.UTC())
	if err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}

	return nil
}

func (r *Repository) SetResetToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	return r.setTokenSlot(ctx, userID, "reset_token_hash", "reset_token_expires_at", tokenHash, expiresAt)
}

func (r *Repository) GetResetToken(ctx context.Context, userID string) (string, time.Time, error) {
	return r.getTokenSlot(ctx, userID, "reset_token_hash", "reset_token_expires_at")
}

func (r *Repository) ClearResetToken(ctx context.Context, userID string) error {
	return r.clearTokenSlot(ctx, userID, "reset_token_hash", "reset_token_expires_at")
}

func (r *Repository) SetVerificationToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	return r.setTokenSlot(ctx, userID, "verification_token_hash", "verification_token_expires_at", tokenHash, expiresAt)
}

func (r *Repository) GetVerificationToken(ctx context.Context, userID string) (string, time.Time, error) {
	return r.getTokenSlot(ctx, userID, "verification_token_hash", "verification_token_expires_at")
}

func (r *Repository) ClearVerificationToken(ctx context.Context, userID string) error {
	return r.clearTokenSlot(ctx, userID, "verification_token_hash", "verification_token_expires_at")
}

func (r *Repository) setTokenSlot(ctx context.Context, userID, hashColumn, expiryColumn, tokenHash string, expiresAt time.Time) error {
	query := fmt.Sprintf(`
		UPDATE users
		SET %s = $2, %s = $3, updated_at = $4
		WHERE id = $1
	`, hashColumn, expiryColumn)

	res, err := r.db.ExecContext(ctx, query, userID, tokenHash, expiresAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set %s: %w", hashColumn, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set %s rows affected: %w", hashColumn, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	return nil
}

func (r *Repository) getTokenSlot(ctx context.Context, userID, hashColumn, expiryColumn string) (string, time.Time, error) {
	query := fmt.Sprintf(`
		SELECT %s, %s
		FROM users
		WHERE id = $1
	`, hashColumn, expiryColumn)

	var hash sql.NullString
	var expiresAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&hash, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", time.Time{}, err
		}
		return "", time.Time{}, fmt.Errorf("query %s: %w", hashColumn, err)
	}
	if !hash.Valid || !expiresAt.Valid {
		return "", time.Time{}, nil
	}

	return hash.String, expiresAt.Time.UTC(), nil
}

func (r *Repository) clearTokenSlot(ctx context.Context, userID, hashColumn, expiryColumn string) error {
	query := fmt.Sprintf(`
		UPDATE users
		SET %s = NULL, %s = NULL, updated_at = $2
		WHERE id = $1
	`, hashColumn, expiryColumn)

	if _, err := r.db.ExecContext(ctx, query, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("clear %s: %w", hashColumn, err)
	}

	return nil
}

func (r *Repository) CreateSession(ctx context.Context, session Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, session.ID, session.UserID, session.TokenHash, session.CreatedAt.UTC(), session.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	return nil
}

func (r *Repository) GetSessionByTokenHash(ctx context.Context, tokenHash string) (Session, error) {
	var session Session
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, created_at, expires_at
		FROM sessions
		WHERE token_hash = $1
	`, tokenHash).Scan(&session.ID, &session.UserID, &session.TokenHash, &session.CreatedAt, &session.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("query session by token hash: %w", err)
	}

	return session, nil
}

func (r *Repository) ExtendSession(ctx context.Context, sessionID string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET expires_at = $2
		WHERE id = $1
	`, sessionID, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("extend session: %w", err)
	}

	return nil
}

func (r *Repository) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	return nil
}

func (r *Repository) DeleteSessionsForUser(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete sessions for user: %w", err)
	}

	return nil
}

// CleanupStaleAuthData removes expired sessions and clears expired
// single-use token slots in bounded batches. Best-effort hygiene; the
// same rows also fall out naturally on their next validation attempt.
func (r *Repository) CleanupStaleAuthData(ctx context.Context, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	deletedSessions, err := r.deleteExpiredSessions(ctx, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	clearedReset, err := r.clearExpiredSlots(ctx, "reset_token_hash", "reset_token_expires_at", batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	clearedVerification, err := r.clearExpiredSlots(ctx, "verification_token_hash", "verification_token_expires_at", batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		DeletedSessions:           deletedSessions,
		ClearedResetTokens:        clearedReset,
		ClearedVerificationTokens: clearedVerification,
	}, nil
}

func (r *Repository) deleteExpiredSessions(ctx context.Context, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM sessions
			WHERE expires_at < NOW()
			ORDER BY expires_at ASC
			LIMIT $1
		)
		DELETE FROM sessions s
		USING stale
		WHERE s.id = stale.id
	`, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired sessions rows affected: %w", err)
	}

	return affected, nil
}

func (r *Repository) clearExpiredSlots(ctx context.Context, hashColumn, expiryColumn string, batchSize int) (int64, error) {
	query := fmt.Sprintf(`
		WITH stale AS (
			SELECT id
			FROM users
			WHERE %[2]s IS NOT NULL AND %[2]s < NOW()
			ORDER BY %[2]s ASC
			LIMIT $1
		)
		UPDATE users u
		SET %[1]s = NULL, %[2]s = NULL
		FROM stale
		WHERE u.id = stale.id
	`, hashColumn, expiryColumn)

	res, err := r.db.ExecContext(ctx, query, batchSize)
	if err != nil {
		return 0, fmt.Errorf("clear expired %s: %w", hashColumn, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired %s rows affected: %w", hashColumn, err)
	}

	return affected, nil
}
