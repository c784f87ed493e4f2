package auth

import (
	"errors"
	"fmt"
	"time"

	"school-backend/internal/ratelimit"
)

var (
	ErrConflict            = errors.New("user already exists")
	ErrVerificationFailed  = errors.New("verification failed")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrUserNotFound        = errors.New("user not found")

	// ErrResendLimit is a rate-limit error raised when one pending
	// registration requested too many codes.
	ErrResendLimit = fmt.Errorf("%w: too many verification codes requested", ratelimit.ErrRateLimited)

	errPendingNotFound = errors.New("pending registration not found")
)

type ErrLoginLocked struct {
	Until time.Time
}

func (e ErrLoginLocked) Error() string {
	return "login temporarily locked"
}
