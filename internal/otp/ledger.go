package otp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"school-backend/internal/db"
)

const (
	DefaultDigits      = 5
	DefaultTTL         = 10 * time.Minute
	DefaultMaxAttempts = 5
)

var (
	ErrExpired         = errors.New("otp expired")
	ErrMismatch        = errors.New("otp mismatch")
	ErrAlreadyConsumed = errors.New("otp already consumed")
	// ErrAttemptsExhausted means the code took too many wrong guesses and can
	// no longer be verified; a new code must be issued.
	ErrAttemptsExhausted = errors.New("otp attempts exhausted")

	// ErrNotFound is returned by stores; the ledger reports it as ErrMismatch.
	ErrNotFound = errors.New("otp record not found")
)

type Purpose string

const (
	PurposeRegister Purpose = "register"
	PurposeReset    Purpose = "reset"
)

type Record struct {
	SubjectKey string
	Purpose    Purpose
	CodeHash   string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	// FailedAttempts counts wrong guesses since the code was issued.
	FailedAttempts int
}

// Store persists at most one record per subject key.
type Store interface {
	// Upsert replaces any existing record for rec.SubjectKey.
	Upsert(ctx context.Context, q db.Executor, rec Record) error
	// GetForUpdate locks the row for the rest of the enclosing transaction.
	GetForUpdate(ctx context.Context, q db.Executor, subjectKey string) (Record, error)
	// MarkConsumed returns ErrAlreadyConsumed when the record was consumed concurrently.
	MarkConsumed(ctx context.Context, q db.Executor, subjectKey string, at time.Time) error
	// RecordFailure increments the wrong-guess counter and returns the new value.
	RecordFailure(ctx context.Context, q db.Executor, subjectKey string) (int, error)
	DeleteStale(ctx context.Context, q db.Executor, cutoff time.Time, batchSize int) (int64, error)
}

type Ledger struct {
	store       Store
	digits      int
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
}

type Option func(*Ledger)

func WithDigits(digits int) Option {
	return func(l *Ledger) {
		if digits > 0 {
			l.digits = digits
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithMaxAttempts sets how many wrong guesses a code tolerates.
func WithMaxAttempts(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		digits:      DefaultDigits,
		ttl:         DefaultTTL,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) TTL() time.Duration {
	return l.ttl
}

// Issue mints a code for subjectKey, replacing any earlier one. Only the hash
// is stored; the plaintext code is returned for delivery.
func (l *Ledger) Issue(ctx context.Context, q db.Executor, subjectKey string, purpose Purpose) (string, time.Time, error) {
	if strings.TrimSpace(subjectKey) == "" {
		return "", time.Time{}, errors.New("otp subject key is required")
	}

	code, err := GenerateCode(l.digits)
	if err != nil {
		return "", time.Time{}, err
	}

	now := l.now().UTC()
	rec := Record{
		SubjectKey: subjectKey,
		Purpose:    purpose,
		CodeHash:   HashCode(code),
		IssuedAt:   now,
		ExpiresAt:  now.Add(l.ttl),
	}
	if err := l.store.Upsert(ctx, q, rec); err != nil {
		return "", time.Time{}, fmt.Errorf("store otp: %w", err)
	}

	return code, rec.ExpiresAt, nil
}

// Verify consumes the record for subjectKey when candidate matches. Expiry and
// the guess budget are checked before the code, so neither an expired nor an
// exhausted record ever verifies. A wrong guess is counted on the record; the
// caller must commit that write even though Verify returns ErrMismatch.
func (l *Ledger) Verify(ctx context.Context, q db.Executor, subjectKey, candidate string) error {
	rec, err := l.store.GetForUpdate(ctx, q, subjectKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrMismatch
		}
		return fmt.Errorf("load otp: %w", err)
	}

	now := l.now().UTC()
	if rec.ConsumedAt != nil {
		return ErrAlreadyConsumed
	}
	if now.After(rec.ExpiresAt) {
		return ErrExpired
	}
	if rec.FailedAttempts >= l.maxAttempts {
		return ErrAttemptsExhausted
	}
	if !CodeMatches(strings.TrimSpace(candidate), rec.CodeHash) {
		if _, err := l.store.RecordFailure(ctx, q, subjectKey); err != nil {
			return fmt.Errorf("record otp failure: %w", err)
		}
		return ErrMismatch
	}

	if err := l.store.MarkConsumed(ctx, q, subjectKey, now); err != nil {
		if errors.Is(err, ErrAlreadyConsumed) {
			return ErrAlreadyConsumed
		}
		return fmt.Errorf("consume otp: %w", err)
	}
	return nil
}

// DeleteStale removes consumed or expired records whose expiry is older than cutoff.
func (l *Ledger) DeleteStale(ctx context.Context, q db.Executor, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	return l.store.DeleteStale(ctx, q, cutoff.UTC(), batchSize)
}

// RegistrationSubject keys a registration code to the email and phone pair.
func RegistrationSubject(email, phone string) string {
	return string(PurposeRegister) + ":" + email + ":" + phone
}

func ResetSubject(phone string) string {
	return string(PurposeReset) + ":" + phone
}

// IsVerificationError reports whether err is one of the client-facing OTP failures.
func IsVerificationError(err error) bool {
	return errors.Is(err, ErrExpired) || errors.Is(err, ErrMismatch) ||
		errors.Is(err, ErrAlreadyConsumed) || errors.Is(err, ErrAttemptsExhausted)
}
