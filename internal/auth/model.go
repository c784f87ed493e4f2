package auth

import (
	"errors"
	"strings"
	"time"
)

const RoleParent = "parent"

type User struct {
	ID           string
	Email        string
	PhoneNumber  string
	PasswordHash string
	Role         string
	IsVerified   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PendingRegistration holds a registration until its code is verified. It
// only ever carries a password hash.
type PendingRegistration struct {
	Email        string
	PhoneNumber  string
	PasswordHash string
	AttemptCount int
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

var errMissingHash = errors.New("password hash is required")

func NewPendingRegistration(email, phone, passwordHash string, expiresAt time.Time) (PendingRegistration, error) {
	if strings.TrimSpace(passwordHash) == "" {
		return PendingRegistration{}, errMissingHash
	}
	return PendingRegistration{
		Email:        email,
		PhoneNumber:  phone,
		PasswordHash: passwordHash,
		ExpiresAt:    expiresAt.UTC(),
	}, nil
}

// NewVerifiedUser promotes a pending registration into an identity.
func NewVerifiedUser(id string, pending PendingRegistration, now time.Time) (User, error) {
	if strings.TrimSpace(pending.PasswordHash) == "" {
		return User{}, errMissingHash
	}
	now = now.UTC()
	return User{
		ID:           id,
		Email:        pending.Email,
		PhoneNumber:  pending.PhoneNumber,
		PasswordHash: pending.PasswordHash,
		Role:         RoleParent,
		IsVerified:   true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

type Tokens struct {
	AccessToken  string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type LoginAttempt struct {
	Email          string
	FailedAttempts int
	LockedUntil    *time.Time
}

type CleanupResult struct {
	DeletedPendingRegistrations int64 `json:"deleted_pending_registrations"`
	DeletedRefreshTokens        int64 `json:"deleted_refresh_tokens"`
	DeletedLoginAttempts        int64 `json:"deleted_login_attempts"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizePhone(phone string) string {
	return strings.Join(strings.Fields(phone), "")
}
