package otp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"school-backend/internal/db"
)

type PostgresStore struct{}

func NewPostgresStore() *PostgresStore {
	return &PostgresStore{}
}

func (s *PostgresStore) Upsert(ctx context.Context, q db.Executor, rec Record) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO otp_records (subject_key, purpose, code_hash, issued_at, expires_at, consumed_at, failed_attempts)
		VALUES ($1, $2, $3, $4, $5, NULL, 0)
		ON CONFLICT (subject_key)
		DO UPDATE SET
			purpose = EXCLUDED.purpose,
			code_hash = EXCLUDED.code_hash,
			issued_at = EXCLUDED.issued_at,
			expires_at = EXCLUDED.expires_at,
			consumed_at = NULL,
			failed_attempts = 0
	`, rec.SubjectKey, string(rec.Purpose), rec.CodeHash, rec.IssuedAt.UTC(), rec.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert otp record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetForUpdate(ctx context.Context, q db.Executor, subjectKey string) (Record, error) {
	var rec Record
	var purpose string
	var consumedAt sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT subject_key, purpose, code_hash, issued_at, expires_at, consumed_at, failed_attempts
		FROM otp_records
		WHERE subject_key = $1
		FOR UPDATE
	`, subjectKey).Scan(&rec.SubjectKey, &purpose, &rec.CodeHash, &rec.IssuedAt, &rec.ExpiresAt, &consumedAt, &rec.FailedAttempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("query otp record: %w", err)
	}

	rec.Purpose = Purpose(purpose)
	rec.IssuedAt = rec.IssuedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	if consumedAt.Valid {
		value := consumedAt.Time.UTC()
		rec.ConsumedAt = &value
	}
	return rec, nil
}

func (s *PostgresStore) MarkConsumed(ctx context.Context, q db.Executor, subjectKey string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE otp_records
		SET consumed_at = $2
		WHERE subject_key = $1 AND consumed_at IS NULL
	`, subjectKey, at.UTC())
	if err != nil {
		return fmt.Errorf("mark otp consumed: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("otp consumed rows affected: %w", err)
	}
	if affected == 0 {
		return ErrAlreadyConsumed
	}
	return nil
}

func (s *PostgresStore) RecordFailure(ctx context.Context, q db.Executor, subjectKey string) (int, error) {
	var attempts int
	err := q.QueryRowContext(ctx, `
		UPDATE otp_records
		SET failed_attempts = failed_attempts + 1
		WHERE subject_key = $1
		RETURNING failed_attempts
	`, subjectKey).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("record otp failure: %w", err)
	}
	return attempts, nil
}

func (s *PostgresStore) DeleteStale(ctx context.Context, q db.Executor, cutoff time.Time, batchSize int) (int64, error) {
	res, err := q.ExecContext(ctx, `
		WITH stale AS (
			SELECT subject_key
			FROM otp_records
			WHERE expires_at < $1
			   OR (consumed_at IS NOT NULL AND consumed_at < $1)
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM otp_records t
		USING stale
		WHERE t.subject_key = stale.subject_key
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale otp records: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale otp records rows affected: %w", err)
	}
	return affected, nil
}
