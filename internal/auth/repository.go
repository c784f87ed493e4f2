package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"school-backend/internal/db"
)

// Repository is the Postgres credential store. It holds no connection; every
// call runs on the executor it is handed.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const userColumns = `id, email, phone_number, password_hash, role, is_verified, created_at, updated_at`

func scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.PhoneNumber, &user.PasswordHash, &user.Role, &user.IsVerified, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}
	return user, nil
}

func (r *Repository) UserExists(ctx context.Context, q db.Executor, email, phone string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM users WHERE email = $1 OR phone_number = $2
		)
	`, email, phone).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query user exists: %w", err)
	}
	return exists, nil
}

func (r *Repository) GetUserByEmail(ctx context.Context, q db.Executor, email string) (User, error) {
	user, err := scanUser(q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return User{}, fmt.Errorf("query user by email: %w", err)
	}
	return user, err
}

func (r *Repository) GetUserByPhone(ctx context.Context, q db.Executor, phone string) (User, error) {
	user, err := scanUser(q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE phone_number = $1`, phone))
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return User{}, fmt.Errorf("query user by phone: %w", err)
	}
	return user, err
}

func (r *Repository) GetUserByID(ctx context.Context, q db.Executor, id string) (User, error) {
	user, err := scanUser(q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return User{}, fmt.Errorf("query user by id: %w", err)
	}
	return user, err
}

func (r *Repository) CreateUser(ctx context.Context, q db.Executor, user User) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO users (id, email, phone_number, password_hash, role, is_verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, user.ID, user.Email, user.PhoneNumber, user.PasswordHash, user.Role, user.IsVerified, user.CreatedAt.UTC())
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *Repository) UpdatePasswordHash(ctx context.Context, q db.Executor, userID, passwordHash string, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, userID, passwordHash, now.UTC())
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("password update rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SavePending upserts the pending registration and returns its attempt count.
// The count restarts at 1 once the previous record has expired.
func (r *Repository) SavePending(ctx context.Context, q db.Executor, pending PendingRegistration, now time.Time) (int, error) {
	var attempts int
	err := q.QueryRowContext(ctx, `
		INSERT INTO pending_registrations (email, phone_number, password_hash, attempt_count, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, 1, $4, $5, $5)
		ON CONFLICT (email) DO UPDATE
		SET
			phone_number = EXCLUDED.phone_number,
			password_hash = EXCLUDED.password_hash,
			attempt_count = CASE
				WHEN pending_registrations.expires_at < EXCLUDED.updated_at THEN 1
				ELSE pending_registrations.attempt_count + 1
			END,
			created_at = CASE
				WHEN pending_registrations.expires_at < EXCLUDED.updated_at THEN EXCLUDED.created_at
				ELSE pending_registrations.created_at
			END,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
		RETURNING attempt_count
	`, pending.Email, pending.PhoneNumber, pending.PasswordHash, pending.ExpiresAt.UTC(), now.UTC()).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("upsert pending registration: %w", err)
	}
	return attempts, nil
}

func (r *Repository) GetPending(ctx context.Context, q db.Executor, email string) (PendingRegistration, error) {
	return scanPending(q.QueryRowContext(ctx, `
		SELECT email, phone_number, password_hash, attempt_count, expires_at, created_at, updated_at
		FROM pending_registrations
		WHERE email = $1
	`, email))
}

// GetPendingForUpdate locks the pending row for the rest of the enclosing transaction.
func (r *Repository) GetPendingForUpdate(ctx context.Context, q db.Executor, email string) (PendingRegistration, error) {
	return scanPending(q.QueryRowContext(ctx, `
		SELECT email, phone_number, password_hash, attempt_count, expires_at, created_at, updated_at
		FROM pending_registrations
		WHERE email = $1
		FOR UPDATE
	`, email))
}

func scanPending(row *sql.Row) (PendingRegistration, error) {
	var pending PendingRegistration
	err := row.Scan(&pending.Email, &pending.PhoneNumber, &pending.PasswordHash, &pending.AttemptCount,
		&pending.ExpiresAt, &pending.CreatedAt, &pending.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PendingRegistration{}, errPendingNotFound
		}
		return PendingRegistration{}, fmt.Errorf("query pending registration: %w", err)
	}
	return pending, nil
}

func (r *Repository) DeletePending(ctx context.Context, q db.Executor, email string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM pending_registrations WHERE email = $1`, email); err != nil {
		return fmt.Errorf("delete pending registration: %w", err)
	}
	return nil
}

func (r *Repository) GetLoginAttempt(ctx context.Context, q db.Executor, email string) (LoginAttempt, error) {
	var attempt LoginAttempt
	attempt.Email = email

	var lockedUntil sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM auth_login_attempts
		WHERE email = $1
	`, email).Scan(&attempt.FailedAttempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attempt, nil
		}
		return LoginAttempt{}, fmt.Errorf("query login attempt: %w", err)
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		attempt.LockedUntil = &value
	}

	return attempt, nil
}

// RegisterFailedAttempt must run inside a transaction. It returns the lock
// expiry when this failure locks the account or it was already locked.
func (r *Repository) RegisterFailedAttempt(ctx context.Context, q db.Executor, email string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	var failed int
	var lockedUntil sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM auth_login_attempts
		WHERE email = $1
		FOR UPDATE
	`, email).Scan(&failed, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			failed = 0
			lockedUntil = sql.NullTime{}
		} else {
			return nil, fmt.Errorf("lock login attempt row: %w", err)
		}
	}

	if lockedUntil.Valid && now.Before(lockedUntil.Time) {
		until := lockedUntil.Time.UTC()
		return &until, nil
	}

	failed++
	var nextLock *time.Time
	var nextLockValue any
	if failed >= maxAttempts {
		until := now.UTC().Add(lockDuration)
		nextLock = &until
		nextLockValue = until
		failed = 0
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO auth_login_attempts (email, failed_attempts, locked_until, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email)
		DO UPDATE SET
			failed_attempts = EXCLUDED.failed_attempts,
			locked_until = EXCLUDED.locked_until,
			updated_at = EXCLUDED.updated_at
	`, email, failed, nextLockValue, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("upsert failed login attempt: %w", err)
	}

	return nextLock, nil
}

func (r *Repository) ResetLoginAttempt(ctx context.Context, q db.Executor, email string) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM auth_login_attempts
		WHERE email = $1
	`, email)
	if err != nil {
		return fmt.Errorf("reset login attempts: %w", err)
	}

	return nil
}

func (r *Repository) CreateRefreshToken(ctx context.Context, q db.Executor, id, userID, tokenHash string, expiresAt time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, user_id, token_hash, expires_at)
		VALUES ($1, $2, $3, $4)
	`, id, userID, tokenHash, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}

	return nil
}

// RotateRefreshToken must run inside a transaction. It revokes the old token,
// links it to its replacement and returns the owner.
func (r *Repository) RotateRefreshToken(ctx context.Context, q db.Executor, oldHash, newID, newHash string, newExpiresAt, now time.Time) (string, error) {
	var oldID string
	var userID string
	var expiresAt time.Time
	var revokedAt sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT id, user_id, expires_at, revoked_at
		FROM auth_refresh_tokens
		WHERE token_hash = $1
		FOR UPDATE
	`, oldHash).Scan(&oldID, &userID, &expiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidRefreshToken
		}
		return "", fmt.Errorf("read refresh token: %w", err)
	}

	if revokedAt.Valid || now.After(expiresAt.UTC()) {
		return "", ErrInvalidRefreshToken
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, user_id, token_hash, expires_at)
		VALUES ($1, $2, $3, $4)
	`, newID, userID, newHash, newExpiresAt.UTC())
	if err != nil {
		return "", fmt.Errorf("insert rotated refresh token: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = $2, replaced_by = $3
		WHERE id = $1
	`, oldID, now.UTC(), newID)
	if err != nil {
		return "", fmt.Errorf("revoke old refresh token: %w", err)
	}

	return userID, nil
}

func (r *Repository) RevokeRefreshToken(ctx context.Context, q db.Executor, tokenHash string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE token_hash = $1
	`, tokenHash, now.UTC())
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}

	return nil
}

func (r *Repository) RevokeAllRefreshTokens(ctx context.Context, q db.Executor, userID string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL
	`, userID, now.UTC())
	if err != nil {
		return fmt.Errorf("revoke user refresh tokens: %w", err)
	}

	return nil
}

// CleanupStaleAuthData deletes, in bounded batches, pending registrations past
// expiry, refresh tokens past expiry or long revoked, and idle login counters.
func (r *Repository) CleanupStaleAuthData(ctx context.Context, q db.Executor, refreshRetention, loginAttemptRetention time.Duration, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if refreshRetention <= 0 {
		refreshRetention = 14 * 24 * time.Hour
	}
	if loginAttemptRetention <= 0 {
		loginAttemptRetention = 30 * 24 * time.Hour
	}

	now := time.Now().UTC()
	refreshCutoff := now.Add(-refreshRetention)
	loginCutoff := now.Add(-loginAttemptRetention)

	deletedPending, err := r.deleteExpiredPending(ctx, q, now, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedRefreshTokens, err := r.deleteStaleRefreshTokens(ctx, q, refreshCutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedLoginAttempts, err := r.deleteStaleLoginAttempts(ctx, q, loginCutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		DeletedPendingRegistrations: deletedPending,
		DeletedRefreshTokens:        deletedRefreshTokens,
		DeletedLoginAttempts:        deletedLoginAttempts,
	}, nil
}

func (r *Repository) deleteExpiredPending(ctx context.Context, q db.Executor, now time.Time, batchSize int) (int64, error) {
	res, err := q.ExecContext(ctx, `
		WITH stale AS (
			SELECT email
			FROM pending_registrations
			WHERE expires_at < $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM pending_registrations t
		USING stale
		WHERE t.email = stale.email
	`, now, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete expired pending registrations: %w", err)
	}

	return rowsAffected(res, "expired pending registrations")
}

func (r *Repository) deleteStaleRefreshTokens(ctx context.Context, q db.Executor, cutoff time.Time, batchSize int) (int64, error) {
	res, err := q.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_refresh_tokens
			WHERE expires_at < NOW() OR (revoked_at IS NOT NULL AND revoked_at < $1)
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM auth_refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale refresh tokens: %w", err)
	}

	return rowsAffected(res, "stale refresh tokens")
}

func (r *Repository) deleteStaleLoginAttempts(ctx context.Context, q db.Executor, cutoff time.Time, batchSize int) (int64, error) {
	res, err := q.ExecContext(ctx, `
		WITH stale AS (
			SELECT email
			FROM auth_login_attempts
			WHERE updated_at < $1
			  AND (locked_until IS NULL OR locked_until < NOW())
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM auth_login_attempts t
		USING stale
		WHERE t.email = stale.email
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale login attempts: %w", err)
	}

	return rowsAffected(res, "stale login attempts")
}

func rowsAffected(res sql.Result, what string) (int64, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows affected: %w", what, err)
	}
	return affected, nil
}
