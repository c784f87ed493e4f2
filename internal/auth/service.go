package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"school-backend/internal/db"
	"school-backend/internal/delivery"
	"school-backend/internal/observability"
	"school-backend/internal/otp"
	"school-backend/internal/security"
)

const (
	defaultRefreshTTL  = 7 * 24 * time.Hour
	defaultMaxAttempts = 5
	defaultLockWindow  = 15 * time.Minute
	defaultMaxResends  = 5
)

var tracer = otel.Tracer("school-backend/internal/auth")

type CredentialStore interface {
	UserExists(ctx context.Context, q db.Executor, email, phone string) (bool, error)
	GetUserByEmail(ctx context.Context, q db.Executor, email string) (User, error)
	GetUserByPhone(ctx context.Context, q db.Executor, phone string) (User, error)
	GetUserByID(ctx context.Context, q db.Executor, id string) (User, error)
	CreateUser(ctx context.Context, q db.Executor, user User) error
	UpdatePasswordHash(ctx context.Context, q db.Executor, userID, passwordHash string, now time.Time) error
	GetLoginAttempt(ctx context.Context, q db.Executor, email string) (LoginAttempt, error)
	RegisterFailedAttempt(ctx context.Context, q db.Executor, email string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error)
	ResetLoginAttempt(ctx context.Context, q db.Executor, email string) error
}

type PendingStore interface {
	SavePending(ctx context.Context, q db.Executor, pending PendingRegistration, now time.Time) (int, error)
	GetPending(ctx context.Context, q db.Executor, email string) (PendingRegistration, error)
	GetPendingForUpdate(ctx context.Context, q db.Executor, email string) (PendingRegistration, error)
	DeletePending(ctx context.Context, q db.Executor, email string) error
}

type RefreshStore interface {
	CreateRefreshToken(ctx context.Context, q db.Executor, id, userID, tokenHash string, expiresAt time.Time) error
	RotateRefreshToken(ctx context.Context, q db.Executor, oldHash, newID, newHash string, newExpiresAt, now time.Time) (string, error)
	RevokeRefreshToken(ctx context.Context, q db.Executor, tokenHash string, now time.Time) error
	RevokeAllRefreshTokens(ctx context.Context, q db.Executor, userID string, now time.Time) error
}

type Ledger interface {
	Issue(ctx context.Context, q db.Executor, subjectKey string, purpose otp.Purpose) (string, time.Time, error)
	Verify(ctx context.Context, q db.Executor, subjectKey, candidate string) error
	TTL() time.Duration
}

type Deliverer interface {
	Deliver(ctx context.Context, msg delivery.Message) error
}

// Recorder receives flow counters.
type Recorder interface {
	IncOTPIssued(purpose string)
	IncOTPVerification(result string)
	IncLogin(result string)
}

type nopRecorder struct{}

func (nopRecorder) IncOTPIssued(string)       {}
func (nopRecorder) IncOTPVerification(string) {}
func (nopRecorder) IncLogin(string)           {}

type Deps struct {
	Runner   db.Runner
	Users    CredentialStore
	Pending  PendingStore
	Sessions RefreshStore
	Ledger   Ledger
	Hasher   *security.Hasher
	Tokens   *security.TokenIssuer
	Delivery Deliverer
	Logger   *observability.Logger
	Metrics  Recorder
}

type Service struct {
	Deps

	refreshTTL   time.Duration
	maxAttempts  int
	lockDuration time.Duration
	maxResends   int
	now          func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

func NewService(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = observability.NewLoggerTo(io.Discard)
	}
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	return &Service{
		Deps:         deps,
		refreshTTL:   defaultRefreshTTL,
		maxAttempts:  defaultMaxAttempts,
		lockDuration: defaultLockWindow,
		maxResends:   defaultMaxResends,
		now:          time.Now,
	}
}

func (s *Service) WithSecurityConfig(maxAttempts int, lockDuration time.Duration, refreshTTL time.Duration) {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.lockDuration = lockDuration
	}
	if refreshTTL > 0 {
		s.refreshTTL = refreshTTL
	}
}

func (s *Service) WithMaxResends(maxResends int) {
	if maxResends > 0 {
		s.maxResends = maxResends
	}
}

// Register records a pending registration and sends it a fresh code. Calling
// it again before verification replaces the previous code.
func (s *Service) Register(ctx context.Context, email, password, phone string) (err error) {
	ctx, span := tracer.Start(ctx, "auth.Register")
	defer func() { endSpan(span, err) }()

	email = normalizeEmail(email)
	phone = normalizePhone(phone)

	var exists bool
	if err := s.Runner.Run(ctx, func(q db.Executor) error {
		var err error
		exists, err = s.Users.UserExists(ctx, q, email, phone)
		return err
	}); err != nil {
		return err
	}
	if exists {
		return ErrConflict
	}

	hash, err := s.Hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	pending, err := NewPendingRegistration(email, phone, hash, now.Add(s.Ledger.TTL()))
	if err != nil {
		return err
	}

	var code string
	err = s.Runner.InTx(ctx, func(q db.Executor) error {
		attempts, err := s.Pending.SavePending(ctx, q, pending, now)
		if err != nil {
			return err
		}
		if attempts > s.maxResends {
			return ErrResendLimit
		}

		code, _, err = s.Ledger.Issue(ctx, q, otp.RegistrationSubject(email, phone), otp.PurposeRegister)
		return err
	})
	if err != nil {
		return err
	}
	s.Metrics.IncOTPIssued(string(otp.PurposeRegister))

	s.deliver(ctx, delivery.Message{
		Email:   email,
		Phone:   phone,
		Code:    code,
		Purpose: string(otp.PurposeRegister),
		TTL:     s.Ledger.TTL(),
	})
	return nil
}

// VerifyOTP turns a pending registration into a verified user. Consuming the
// code, creating the user and dropping the pending record commit together.
func (s *Service) VerifyOTP(ctx context.Context, email, phone, code, password string) (err error) {
	ctx, span := tracer.Start(ctx, "auth.VerifyOTP")
	defer func() { endSpan(span, err) }()

	email = normalizeEmail(email)
	phone = normalizePhone(phone)

	var exists bool
	var pending PendingRegistration
	err = s.Runner.Run(ctx, func(q db.Executor) error {
		var err error
		exists, err = s.Users.UserExists(ctx, q, email, phone)
		if err != nil || exists {
			return err
		}
		pending, err = s.Pending.GetPending(ctx, q, email)
		return err
	})
	if exists {
		return ErrConflict
	}
	if err != nil {
		if errors.Is(err, errPendingNotFound) {
			s.Metrics.IncOTPVerification("no_pending")
			return ErrVerificationFailed
		}
		return err
	}

	if pending.PhoneNumber != phone || !s.Hasher.Matches(pending.PasswordHash, password) {
		s.Metrics.IncOTPVerification("subject_mismatch")
		return ErrVerificationFailed
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate uuid v7: %w", err)
	}
	now := s.now().UTC()
	user, err := NewVerifiedUser(id.String(), pending, now)
	if err != nil {
		return err
	}

	var verifyErr error
	err = s.Runner.InTx(ctx, func(q db.Executor) error {
		locked, err := s.Pending.GetPendingForUpdate(ctx, q, email)
		if err != nil {
			if errors.Is(err, errPendingNotFound) {
				return ErrVerificationFailed
			}
			return err
		}
		if locked.PhoneNumber != pending.PhoneNumber || locked.PasswordHash != pending.PasswordHash {
			return ErrVerificationFailed
		}
		if verifyErr = s.Ledger.Verify(ctx, q, otp.RegistrationSubject(email, phone), code); verifyErr != nil {
			return commitGuess(verifyErr)
		}
		if err := s.Users.CreateUser(ctx, q, user); err != nil {
			return err
		}
		return s.Pending.DeletePending(ctx, q, email)
	})
	if err == nil {
		err = verifyErr
	}
	s.Metrics.IncOTPVerification(verificationResult(err))
	return err
}

// commitGuess lets a transaction commit when the only failure is a wrong
// code, so the counted guess is persisted.
func commitGuess(err error) error {
	if errors.Is(err, otp.ErrMismatch) {
		return nil
	}
	return err
}

func (s *Service) Login(ctx context.Context, email, password string) (tokens Tokens, err error) {
	ctx, span := tracer.Start(ctx, "auth.Login")
	defer func() { endSpan(span, err) }()

	email = normalizeEmail(email)
	if email == "" || password == "" {
		s.Metrics.IncLogin("invalid")
		return Tokens{}, ErrInvalidCredentials
	}

	now := s.now().UTC()
	var attempt LoginAttempt
	var user User
	var lookupErr error
	err = s.Runner.Run(ctx, func(q db.Executor) error {
		var err error
		attempt, err = s.Users.GetLoginAttempt(ctx, q, email)
		if err != nil {
			return err
		}
		user, lookupErr = s.Users.GetUserByEmail(ctx, q, email)
		return nil
	})
	if err != nil {
		return Tokens{}, err
	}
	if attempt.LockedUntil != nil && now.Before(*attempt.LockedUntil) {
		s.Metrics.IncLogin("locked")
		return Tokens{}, ErrLoginLocked{Until: *attempt.LockedUntil}
	}
	if lookupErr != nil && !errors.Is(lookupErr, ErrUserNotFound) {
		return Tokens{}, lookupErr
	}

	var valid bool
	if lookupErr != nil {
		s.Hasher.Matches(s.timingHash(), password)
	} else {
		valid = s.Hasher.Matches(user.PasswordHash, password) && user.IsVerified
	}
	if !valid {
		return Tokens{}, s.failLogin(ctx, email, now)
	}

	if err := s.Runner.Run(ctx, func(q db.Executor) error {
		return s.Users.ResetLoginAttempt(ctx, q, email)
	}); err != nil {
		return Tokens{}, err
	}

	tokens, err = s.issueTokens(ctx, user)
	if err != nil {
		return Tokens{}, err
	}
	s.Metrics.IncLogin("success")
	return tokens, nil
}

func (s *Service) failLogin(ctx context.Context, email string, now time.Time) error {
	var lockedUntil *time.Time
	err := s.Runner.InTx(ctx, func(q db.Executor) error {
		var err error
		lockedUntil, err = s.Users.RegisterFailedAttempt(ctx, q, email, s.maxAttempts, s.lockDuration, now)
		return err
	})
	if err != nil {
		return err
	}
	if lockedUntil != nil {
		s.Metrics.IncLogin("locked")
		return ErrLoginLocked{Until: *lockedUntil}
	}
	s.Metrics.IncLogin("invalid")
	return ErrInvalidCredentials
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (tokens Tokens, err error) {
	ctx, span := tracer.Start(ctx, "auth.Refresh")
	defer func() { endSpan(span, err) }()

	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Tokens{}, ErrInvalidRefreshToken
	}

	newRefresh, err := security.RandomToken(48)
	if err != nil {
		return Tokens{}, fmt.Errorf("generate new refresh token: %w", err)
	}
	newID, err := uuid.NewV7()
	if err != nil {
		return Tokens{}, fmt.Errorf("generate new refresh token id: %w", err)
	}

	now := s.now().UTC()
	var user User
	err = s.Runner.InTx(ctx, func(q db.Executor) error {
		userID, err := s.Sessions.RotateRefreshToken(ctx, q,
			security.HashToken(refreshToken), newID.String(), security.HashToken(newRefresh), now.Add(s.refreshTTL), now)
		if err != nil {
			return err
		}
		user, err = s.Users.GetUserByID(ctx, q, userID)
		if errors.Is(err, ErrUserNotFound) {
			return ErrInvalidRefreshToken
		}
		return err
	})
	if err != nil {
		return Tokens{}, err
	}

	access, expiresIn, err := s.Tokens.Issue(subjectOf(user))
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: newRefresh,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return ErrInvalidRefreshToken
	}

	return s.Runner.Run(ctx, func(q db.Executor) error {
		return s.Sessions.RevokeRefreshToken(ctx, q, security.HashToken(refreshToken), s.now().UTC())
	})
}

// ForgotPassword sends a reset code to the account registered with phone.
func (s *Service) ForgotPassword(ctx context.Context, phone string) (err error) {
	ctx, span := tracer.Start(ctx, "auth.ForgotPassword")
	defer func() { endSpan(span, err) }()

	phone = normalizePhone(phone)

	var user User
	var code string
	err = s.Runner.InTx(ctx, func(q db.Executor) error {
		var err error
		user, err = s.Users.GetUserByPhone(ctx, q, phone)
		if err != nil {
			return err
		}
		code, _, err = s.Ledger.Issue(ctx, q, otp.ResetSubject(phone), otp.PurposeReset)
		return err
	})
	if err != nil {
		return err
	}
	s.Metrics.IncOTPIssued(string(otp.PurposeReset))

	s.deliver(ctx, delivery.Message{
		Email:   user.Email,
		Phone:   user.PhoneNumber,
		Code:    code,
		Purpose: string(otp.PurposeReset),
		TTL:     s.Ledger.TTL(),
	})
	return nil
}

// ResetPassword consumes a reset code, replaces the password hash, revokes
// every refresh token and clears the login lockout in one transaction.
func (s *Service) ResetPassword(ctx context.Context, phone, code, newPassword string) (err error) {
	ctx, span := tracer.Start(ctx, "auth.ResetPassword")
	defer func() { endSpan(span, err) }()

	phone = normalizePhone(phone)

	var user User
	if err := s.Runner.Run(ctx, func(q db.Executor) error {
		var err error
		user, err = s.Users.GetUserByPhone(ctx, q, phone)
		return err
	}); err != nil {
		return err
	}

	hash, err := s.Hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	var verifyErr error
	err = s.Runner.InTx(ctx, func(q db.Executor) error {
		if verifyErr = s.Ledger.Verify(ctx, q, otp.ResetSubject(phone), code); verifyErr != nil {
			return commitGuess(verifyErr)
		}
		if err := s.Users.UpdatePasswordHash(ctx, q, user.ID, hash, now); err != nil {
			return err
		}
		if err := s.Sessions.RevokeAllRefreshTokens(ctx, q, user.ID, now); err != nil {
			return err
		}
		return s.Users.ResetLoginAttempt(ctx, q, user.Email)
	})
	if err == nil {
		err = verifyErr
	}
	s.Metrics.IncOTPVerification(verificationResult(err))
	return err
}

func (s *Service) CurrentUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.Runner.Run(ctx, func(q db.Executor) error {
		var err error
		user, err = s.Users.GetUserByID(ctx, q, userID)
		return err
	})
	return user, err
}

func (s *Service) issueTokens(ctx context.Context, user User) (Tokens, error) {
	access, expiresIn, err := s.Tokens.Issue(subjectOf(user))
	if err != nil {
		return Tokens{}, err
	}

	refreshToken, err := security.RandomToken(48)
	if err != nil {
		return Tokens{}, fmt.Errorf("generate refresh token: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Tokens{}, fmt.Errorf("generate refresh token id: %w", err)
	}

	expiresAt := s.now().UTC().Add(s.refreshTTL)
	if err := s.Runner.Run(ctx, func(q db.Executor) error {
		return s.Sessions.CreateRefreshToken(ctx, q, id.String(), user.ID, security.HashToken(refreshToken), expiresAt)
	}); err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
	}, nil
}

// deliver never fails the caller: the code stays valid until expiry and the
// client can request a new one.
func (s *Service) deliver(ctx context.Context, msg delivery.Message) {
	ctx, span := tracer.Start(ctx, "auth.deliverOTP")
	defer span.End()

	err := s.Delivery.Deliver(context.WithoutCancel(ctx), msg)
	if err == nil {
		return
	}

	span.RecordError(err)
	var partial *delivery.PartialError
	if errors.As(err, &partial) {
		s.Logger.Warn("otp_delivery_partial", map[string]any{
			"purpose": msg.Purpose,
			"error":   err.Error(),
		})
		return
	}
	s.Logger.Error("otp_delivery_failed", map[string]any{
		"purpose": msg.Purpose,
		"error":   err.Error(),
	})
	observability.CaptureError(ctx, err, map[string]string{"purpose": msg.Purpose})
}

// timingHash is compared against when the account does not exist so unknown
// emails cost the same as wrong passwords.
func (s *Service) timingHash() string {
	s.dummyOnce.Do(func() {
		hash, err := s.Hasher.Hash("timing-equalizer")
		if err == nil {
			s.dummyHash = hash
		}
	})
	return s.dummyHash
}

func subjectOf(user User) security.Subject {
	return security.Subject{UserID: user.ID, Email: user.Email, Role: user.Role}
}

func verificationResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, otp.ErrExpired):
		return "expired"
	case errors.Is(err, otp.ErrMismatch):
		return "mismatch"
	case errors.Is(err, otp.ErrAlreadyConsumed):
		return "consumed"
	case errors.Is(err, otp.ErrAttemptsExhausted):
		return "exhausted"
	case errors.Is(err, ErrVerificationFailed):
		return "subject_mismatch"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
