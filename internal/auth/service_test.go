package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"school-backend/internal/otp"
	"school-backend/internal/ratelimit"
	"school-backend/internal/security"
)

const testSecret = "test-secret-that-is-at-least-32-bytes-long"

type ServiceSuite struct {
	suite.Suite

	ctx    context.Context
	clock  *clock
	store  *memStore
	otps   *otp.MemoryStore
	outbox *outbox
	svc    *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	s.store = newMemStore()
	s.otps = otp.NewMemoryStore()
	s.outbox = &outbox{}

	s.svc = NewService(Deps{
		Runner:   &lockRunner{},
		Users:    s.store,
		Pending:  s.store,
		Sessions: s.store,
		Ledger:   otp.NewLedger(s.otps, otp.WithClock(s.clock.Now)),
		Hasher:   security.NewHasher(4),
		Tokens:   security.NewTokenIssuer(testSecret, 15*time.Minute),
		Delivery: s.outbox,
	})
	s.svc.now = s.clock.Now
	s.svc.WithSecurityConfig(3, 15*time.Minute, time.Hour)
}

func (s *ServiceSuite) register(email, password, phone string) string {
	s.Require().NoError(s.svc.Register(s.ctx, email, password, phone))
	code := s.outbox.lastCode(phone)
	s.Require().NotEmpty(code)
	return code
}

func (s *ServiceSuite) registerVerified(email, password, phone string) {
	code := s.register(email, password, phone)
	s.Require().NoError(s.svc.VerifyOTP(s.ctx, email, phone, code, password))
}

func wrongCode(code string) string {
	if code == "00000" {
		return "11111"
	}
	return "00000"
}

func (s *ServiceSuite) TestRegisterVerifyLoginFlow() {
	code := s.register("a@x.com", "pw", "+111")
	s.Len(code, otp.DefaultDigits)

	err := s.svc.VerifyOTP(s.ctx, "a@x.com", "+111", wrongCode(code), "pw")
	s.ErrorIs(err, otp.ErrMismatch)

	s.Require().NoError(s.svc.VerifyOTP(s.ctx, "a@x.com", "+111", code, "pw"))

	user, err := s.store.GetUserByEmail(s.ctx, nil, "a@x.com")
	s.Require().NoError(err)
	s.True(user.IsVerified)
	s.Equal(RoleParent, user.Role)
	s.NotEqual("pw", user.PasswordHash)

	_, err = s.store.GetPending(s.ctx, nil, "a@x.com")
	s.ErrorIs(err, errPendingNotFound)

	tokens, err := s.svc.Login(s.ctx, "a@x.com", "pw")
	s.Require().NoError(err)
	s.NotEmpty(tokens.AccessToken)
	s.NotEmpty(tokens.RefreshToken)
	s.Equal("Bearer", tokens.TokenType)
	s.Equal(int64(900), tokens.ExpiresIn)

	_, err = s.svc.Login(s.ctx, "a@x.com", "wrong")
	s.ErrorIs(err, ErrInvalidCredentials)
}

func (s *ServiceSuite) TestRegisterRejectsOverlongPassword() {
	err := s.svc.Register(s.ctx, "a@x.com", strings.Repeat("p", 73), "+111")
	s.ErrorIs(err, security.ErrPasswordTooLong)
	s.Zero(s.outbox.count())
}

func (s *ServiceSuite) TestRegisterRejectsExistingUser() {
	s.registerVerified("a@x.com", "pw", "+111")

	s.ErrorIs(s.svc.Register(s.ctx, "A@X.com ", "other", "+222"), ErrConflict)
	s.ErrorIs(s.svc.Register(s.ctx, "c@x.com", "other", "+111"), ErrConflict)
}

func (s *ServiceSuite) TestReRegisterInvalidatesEarlierCode() {
	first := s.register("b@x.com", "pw", "+222")
	second := s.register("b@x.com", "pw", "+222")
	s.Equal(1, s.otps.Len())

	if first != second {
		err := s.svc.VerifyOTP(s.ctx, "b@x.com", "+222", first, "pw")
		s.ErrorIs(err, otp.ErrMismatch)
	}
	s.NoError(s.svc.VerifyOTP(s.ctx, "b@x.com", "+222", second, "pw"))
}

func (s *ServiceSuite) TestVerifyRejectsReplayAfterSuccess() {
	code := s.register("a@x.com", "pw", "+111")
	s.Require().NoError(s.svc.VerifyOTP(s.ctx, "a@x.com", "+111", code, "pw"))

	s.ErrorIs(s.svc.VerifyOTP(s.ctx, "a@x.com", "+111", code, "pw"), ErrConflict)
}

func (s *ServiceSuite) TestVerifyRejectsExpiredCode() {
	code := s.register("a@x.com", "pw", "+111")
	s.clock.Advance(otp.DefaultTTL + time.Second)

	s.ErrorIs(s.svc.VerifyOTP(s.ctx, "a@x.com", "+111", code, "pw"), otp.ErrExpired)

	_, err := s.store.GetUserByEmail(s.ctx, nil, "a@x.com")
	s.ErrorIs(err, ErrUserNotFound)
}

func (s *ServiceSuite) TestVerifyRequiresMatchingRegistrationDetails() {
	code := s.register("a@x.com", "pw", "+111")

	s.ErrorIs(s.svc.VerifyOTP(s.ctx, "a@x.com", "+999", code, "pw"), ErrVerificationFailed)
	s.ErrorIs(s.svc.VerifyOTP(s.ctx, "a@x.com", "+111", code, "other"), ErrVerificationFailed)
	s.ErrorIs(s.svc.VerifyOTP(s.ctx, "nobody@x.com", "+333", code, "pw"), ErrVerificationFailed)

	s.NoError(s.svc.VerifyOTP(s.ctx, "a@x.com", "+111", code, "pw"))
}

func (s *ServiceSuite) TestUnverifiedRegistrationCannotLogin() {
	s.register("a@x.com", "pw", "+111")

	_, err := s.svc.Login(s.ctx, "a@x.com", "pw")
	s.ErrorIs(err, ErrInvalidCredentials)
}

func (s *ServiceSuite) TestResendLimit() {
	s.svc.WithMaxResends(2)
	s.register("a@x.com", "pw", "+111")
	s.register("a@x.com", "pw", "+111")

	err := s.svc.Register(s.ctx, "a@x.com", "pw", "+111")
	s.ErrorIs(err, ErrResendLimit)
	s.ErrorIs(err, ratelimit.ErrRateLimited)
	s.Equal(2, s.outbox.count())

	s.clock.Advance(otp.DefaultTTL + time.Second)
	s.register("a@x.com", "pw", "+111")
}

func (s *ServiceSuite) TestDeliveryFailureDoesNotFailRegistration() {
	s.outbox.err = errors.New("gateway down")

	s.Require().NoError(s.svc.Register(s.ctx, "a@x.com", "pw", "+111"))
	code := s.outbox.lastCode("+111")
	s.NoError(s.svc.VerifyOTP(s.ctx, "a@x.com", "+111", code, "pw"))
}

func (s *ServiceSuite) TestLoginLocksAfterRepeatedFailures() {
	s.registerVerified("a@x.com", "pw", "+111")

	for range 2 {
		_, err := s.svc.Login(s.ctx, "a@x.com", "bad")
		s.ErrorIs(err, ErrInvalidCredentials)
	}

	_, err := s.svc.Login(s.ctx, "a@x.com", "bad")
	var locked ErrLoginLocked
	s.Require().ErrorAs(err, &locked)
	s.Equal(s.clock.Now().Add(15*time.Minute), locked.Until)

	_, err = s.svc.Login(s.ctx, "a@x.com", "pw")
	s.ErrorAs(err, &locked)

	s.clock.Advance(16 * time.Minute)
	_, err = s.svc.Login(s.ctx, "a@x.com", "pw")
	s.NoError(err)
}

func (s *ServiceSuite) TestRefreshRotatesToken() {
	s.registerVerified("a@x.com", "pw", "+111")
	tokens, err := s.svc.Login(s.ctx, "a@x.com", "pw")
	s.Require().NoError(err)

	rotated, err := s.svc.Refresh(s.ctx, tokens.RefreshToken)
	s.Require().NoError(err)
	s.NotEqual(tokens.RefreshToken, rotated.RefreshToken)

	_, err = s.svc.Refresh(s.ctx, tokens.RefreshToken)
	s.ErrorIs(err, ErrInvalidRefreshToken)

	s.Require().NoError(s.svc.Logout(s.ctx, rotated.RefreshToken))
	_, err = s.svc.Refresh(s.ctx, rotated.RefreshToken)
	s.ErrorIs(err, ErrInvalidRefreshToken)

	_, err = s.svc.Refresh(s.ctx, " ")
	s.ErrorIs(err, ErrInvalidRefreshToken)
}

func (s *ServiceSuite) TestRefreshRejectsExpiredToken() {
	s.registerVerified("a@x.com", "pw", "+111")
	tokens, err := s.svc.Login(s.ctx, "a@x.com", "pw")
	s.Require().NoError(err)

	s.clock.Advance(2 * time.Hour)
	_, err = s.svc.Refresh(s.ctx, tokens.RefreshToken)
	s.ErrorIs(err, ErrInvalidRefreshToken)
}

func (s *ServiceSuite) TestPasswordReset() {
	s.registerVerified("a@x.com", "pw", "+111")
	tokens, err := s.svc.Login(s.ctx, "a@x.com", "pw")
	s.Require().NoError(err)

	s.ErrorIs(s.svc.ForgotPassword(s.ctx, "+999"), ErrUserNotFound)

	s.Require().NoError(s.svc.ForgotPassword(s.ctx, "+111"))
	code := s.outbox.lastCode("+111")

	s.ErrorIs(s.svc.ResetPassword(s.ctx, "+111", wrongCode(code), "new-pw"), otp.ErrMismatch)
	s.Require().NoError(s.svc.ResetPassword(s.ctx, "+111", code, "new-pw"))
	s.ErrorIs(s.svc.ResetPassword(s.ctx, "+111", code, "third-pw"), otp.ErrAlreadyConsumed)

	_, err = s.svc.Login(s.ctx, "a@x.com", "pw")
	s.ErrorIs(err, ErrInvalidCredentials)
	_, err = s.svc.Login(s.ctx, "a@x.com", "new-pw")
	s.NoError(err)

	_, err = s.svc.Refresh(s.ctx, tokens.RefreshToken)
	s.ErrorIs(err, ErrInvalidRefreshToken)
}

func (s *ServiceSuite) TestResetCodeInvalidatedAfterRepeatedWrongGuesses() {
	s.registerVerified("a@x.com", "pw", "+111")
	s.Require().NoError(s.svc.ForgotPassword(s.ctx, "+111"))
	code := s.outbox.lastCode("+111")

	for range otp.DefaultMaxAttempts {
		s.ErrorIs(s.svc.ResetPassword(s.ctx, "+111", wrongCode(code), "new-pw"), otp.ErrMismatch)
	}
	s.ErrorIs(s.svc.ResetPassword(s.ctx, "+111", code, "new-pw"), otp.ErrAttemptsExhausted)

	_, err := s.svc.Login(s.ctx, "a@x.com", "pw")
	s.NoError(err)

	s.Require().NoError(s.svc.ForgotPassword(s.ctx, "+111"))
	s.NoError(s.svc.ResetPassword(s.ctx, "+111", s.outbox.lastCode("+111"), "new-pw"))
}

func (s *ServiceSuite) TestRegistrationCodeInvalidatedAfterRepeatedWrongGuesses() {
	code := s.register("a@x.com", "pw", "+111")

	for range otp.DefaultMaxAttempts {
		s.ErrorIs(s.svc.VerifyOTP(s.ctx, "a@x.com", "+111", wrongCode(code), "pw"), otp.ErrMismatch)
	}
	s.ErrorIs(s.svc.VerifyOTP(s.ctx, "a@x.com", "+111", code, "pw"), otp.ErrAttemptsExhausted)

	_, err := s.store.GetUserByEmail(s.ctx, nil, "a@x.com")
	s.ErrorIs(err, ErrUserNotFound)
}

func (s *ServiceSuite) TestVerifyFailsWhenPendingChangesBeforeCommit() {
	code := s.register("a@x.com", "pw", "+111")

	s.store.beforePendingLock = func() {
		s.store.beforePendingLock = nil
		pending, err := s.store.GetPending(s.ctx, nil, "a@x.com")
		s.Require().NoError(err)
		pending.PasswordHash, err = s.svc.Hasher.Hash("other-pw")
		s.Require().NoError(err)
		_, err = s.store.SavePending(s.ctx, nil, pending, s.clock.Now())
		s.Require().NoError(err)
	}

	s.ErrorIs(s.svc.VerifyOTP(s.ctx, "a@x.com", "+111", code, "pw"), ErrVerificationFailed)

	_, err := s.store.GetUserByEmail(s.ctx, nil, "a@x.com")
	s.ErrorIs(err, ErrUserNotFound)
	rec, err := s.otps.GetForUpdate(s.ctx, nil, otp.RegistrationSubject("a@x.com", "+111"))
	s.Require().NoError(err)
	s.Nil(rec.ConsumedAt)
}

func (s *ServiceSuite) TestCurrentUser() {
	s.registerVerified("a@x.com", "pw", "+111")
	user, err := s.store.GetUserByEmail(s.ctx, nil, "a@x.com")
	s.Require().NoError(err)

	got, err := s.svc.CurrentUser(s.ctx, user.ID)
	s.Require().NoError(err)
	s.Equal("+111", got.PhoneNumber)

	_, err = s.svc.CurrentUser(s.ctx, "missing")
	s.ErrorIs(err, ErrUserNotFound)
}
