package auth

import (
	"context"
	"sync"
	"time"

	"school-backend/internal/db"
	"school-backend/internal/delivery"
)

// memStore implements the credential, pending and refresh stores in memory.
type memStore struct {
	mu       sync.Mutex
	users    map[string]User
	pending  map[string]PendingRegistration
	attempts map[string]LoginAttempt
	refresh  map[string]refreshRow

	// beforePendingLock runs ahead of the locked pending read.
	beforePendingLock func()
}

type refreshRow struct {
	id        string
	userID    string
	expiresAt time.Time
	revoked   bool
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[string]User),
		pending:  make(map[string]PendingRegistration),
		attempts: make(map[string]LoginAttempt),
		refresh:  make(map[string]refreshRow),
	}
}

func (m *memStore) UserExists(_ context.Context, _ db.Executor, email, phone string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email || u.PhoneNumber == phone {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) find(match func(User) bool) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if match(u) {
			return u, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (m *memStore) GetUserByEmail(_ context.Context, _ db.Executor, email string) (User, error) {
	return m.find(func(u User) bool { return u.Email == email })
}

func (m *memStore) GetUserByPhone(_ context.Context, _ db.Executor, phone string) (User, error) {
	return m.find(func(u User) bool { return u.PhoneNumber == phone })
}

func (m *memStore) GetUserByID(_ context.Context, _ db.Executor, id string) (User, error) {
	return m.find(func(u User) bool { return u.ID == id })
}

func (m *memStore) CreateUser(_ context.Context, _ db.Executor, user User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email || u.PhoneNumber == user.PhoneNumber {
			return ErrConflict
		}
	}
	m.users[user.ID] = user
	return nil
}

func (m *memStore) UpdatePasswordHash(_ context.Context, _ db.Executor, userID, passwordHash string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = now
	m.users[userID] = u
	return nil
}

func (m *memStore) GetLoginAttempt(_ context.Context, _ db.Executor, email string) (LoginAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt, ok := m.attempts[email]
	if !ok {
		return LoginAttempt{Email: email}, nil
	}
	return attempt, nil
}

func (m *memStore) RegisterFailedAttempt(_ context.Context, _ db.Executor, email string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt := m.attempts[email]
	attempt.Email = email
	if attempt.LockedUntil != nil && now.Before(*attempt.LockedUntil) {
		until := *attempt.LockedUntil
		return &until, nil
	}

	attempt.FailedAttempts++
	attempt.LockedUntil = nil
	if attempt.FailedAttempts >= maxAttempts {
		until := now.Add(lockDuration)
		attempt.LockedUntil = &until
		attempt.FailedAttempts = 0
	}
	m.attempts[email] = attempt
	return attempt.LockedUntil, nil
}

func (m *memStore) ResetLoginAttempt(_ context.Context, _ db.Executor, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, email)
	return nil
}

func (m *memStore) SavePending(_ context.Context, _ db.Executor, pending PendingRegistration, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.pending[pending.Email]
	pending.AttemptCount = 1
	if ok && !existing.ExpiresAt.Before(now) {
		pending.AttemptCount = existing.AttemptCount + 1
	}
	pending.UpdatedAt = now
	m.pending[pending.Email] = pending
	return pending.AttemptCount, nil
}

func (m *memStore) GetPending(_ context.Context, _ db.Executor, email string) (PendingRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending, ok := m.pending[email]
	if !ok {
		return PendingRegistration{}, errPendingNotFound
	}
	return pending, nil
}

func (m *memStore) GetPendingForUpdate(ctx context.Context, q db.Executor, email string) (PendingRegistration, error) {
	if hook := m.beforePendingLock; hook != nil {
		hook()
	}
	return m.GetPending(ctx, q, email)
}

func (m *memStore) DeletePending(_ context.Context, _ db.Executor, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, email)
	return nil
}

func (m *memStore) CreateRefreshToken(_ context.Context, _ db.Executor, id, userID, tokenHash string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tokenHash] = refreshRow{id: id, userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *memStore) RotateRefreshToken(_ context.Context, _ db.Executor, oldHash, newID, newHash string, newExpiresAt, now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.refresh[oldHash]
	if !ok || row.revoked || now.After(row.expiresAt) {
		return "", ErrInvalidRefreshToken
	}
	row.revoked = true
	m.refresh[oldHash] = row
	m.refresh[newHash] = refreshRow{id: newID, userID: row.userID, expiresAt: newExpiresAt}
	return row.userID, nil
}

func (m *memStore) RevokeRefreshToken(_ context.Context, _ db.Executor, tokenHash string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.refresh[tokenHash]; ok {
		row.revoked = true
		m.refresh[tokenHash] = row
	}
	return nil
}

func (m *memStore) RevokeAllRefreshTokens(_ context.Context, _ db.Executor, userID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, row := range m.refresh {
		if row.userID == userID {
			row.revoked = true
			m.refresh[hash] = row
		}
	}
	return nil
}

// lockRunner serializes work and hands out a nil executor; the in-memory
// stores ignore it.
type lockRunner struct {
	mu sync.Mutex
}

func (r *lockRunner) Run(_ context.Context, fn func(q db.Executor) error) error {
	return fn(nil)
}

func (r *lockRunner) InTx(_ context.Context, fn func(q db.Executor) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(nil)
}

// outbox captures delivered codes per phone number.
type outbox struct {
	mu   sync.Mutex
	sent []delivery.Message
	err  error
}

func (o *outbox) Deliver(_ context.Context, msg delivery.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, msg)
	return o.err
}

func (o *outbox) lastCode(phone string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.sent) - 1; i >= 0; i-- {
		if o.sent[i].Phone == phone {
			return o.sent[i].Code
		}
	}
	return ""
}

func (o *outbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sent)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
