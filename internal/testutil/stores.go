// stores.go
//
// Shared mock implementations of accounts.Store, accounts.SessionCache and mail.Mailer.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"bytes"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/warden/internal/mail"
	"github.com/MGallo-Code/warden/internal/store"
)

// MockStore implements accounts.Store for tests.

// Always stateful...users, sessions and tokens live in maps, like a real store.
// Use *Err fields to inject errors for specific operations.
// Returned values are copies; mutate state through the store methods.
type MockStore struct {
	// Error injection...zero value means no error
	FindUserErr              error
	CreateUserErr            error
	FindPasswordHashErr      error
	SetPasswordErr           error
	AddEmailErr              error
	CreateSessionErr         error
	FindSessionErr           error
	UpdateSessionErr         error
	InvalidateSessionErr     error
	InvalidateUserSessionErr error
	AddTokenErr              error
	FindUserByTokenErr       error
	ConsumeTokenErr          error
	CheckHealthErr           error

	// CreateUserCalls counts CreateUser invocations that reached the write.
	CreateUserCalls int

	// Now is the clock used for token expiry. Defaults to time.Now.
	Now func() time.Time

	users    map[uuid.UUID]*userRecord
	sessions map[uuid.UUID]*store.Session
	tokens   []*store.UserToken

	mu sync.Mutex
}

type userRecord struct {
	user store.User
	hash *string
}

// NewMockStore returns an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		Now:      time.Now,
		users:    make(map[uuid.UUID]*userRecord),
		sessions: make(map[uuid.UUID]*store.Session),
	}
}

// SeedUser inserts a user directly, bypassing uniqueness checks. Emails are unverified.
// An empty username or nil passwordHash leaves that field unset.
func (m *MockStore) SeedUser(username string, passwordHash *string, emails ...string) *store.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := store.User{
		ID:        uuid.Must(uuid.NewV7()),
		Profile:   map[string]any{},
		CreatedAt: m.Now(),
		UpdatedAt: m.Now(),
	}
	if username != "" {
		u.Username = &username
	}
	for _, e := range emails {
		u.Emails = append(u.Emails, store.EmailEntry{Address: e})
	}
	m.users[u.ID] = &userRecord{user: u, hash: passwordHash}
	c := copyUser(u)
	return &c
}

// PasswordHash returns the stored hash for userID, or nil.
func (m *MockStore) PasswordHash(userID uuid.UUID) *string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.users[userID]; ok {
		return r.hash
	}
	return nil
}

// UserCount returns the number of stored users.
func (m *MockStore) UserCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

// SessionCount returns how many sessions exist, valid or not.
func (m *MockStore) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Tokens returns copies of every stored single-use token.
func (m *MockStore) Tokens() []store.UserToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.UserToken, 0, len(m.tokens))
	for _, t := range m.tokens {
		out = append(out, *t)
	}
	return out
}

// ExpireTokens moves every token's expiry into the past.
func (m *MockStore) ExpireTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		t.ExpiresAt = m.Now().Add(-time.Second)
	}
}

func copyUser(u store.User) store.User {
	u.Emails = slices.Clone(u.Emails)
	u.Profile = maps.Clone(u.Profile)
	return u
}

func (m *MockStore) findBy(match func(*store.User) bool) (*store.User, error) {
	if m.FindUserErr != nil {
		return nil, m.FindUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.users {
		if match(&r.user) {
			c := copyUser(r.user)
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

// --- Users ---

func (m *MockStore) FindUserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	return m.findBy(func(u *store.User) bool { return u.ID == id })
}

func (m *MockStore) FindUserByUsername(_ context.Context, username string) (*store.User, error) {
	return m.findBy(func(u *store.User) bool { return u.Username != nil && *u.Username == username })
}

func (m *MockStore) FindUserByEmail(_ context.Context, address string) (*store.User, error) {
	return m.findBy(func(u *store.User) bool { return u.HasEmail(address) })
}

func (m *MockStore) CreateUser(_ context.Context, nu store.NewUser) error {
	if m.CreateUserErr != nil {
		return m.CreateUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateUserCalls++
	for _, r := range m.users {
		if nu.Username != nil && r.user.Username != nil && *r.user.Username == *nu.Username {
			return store.ErrDuplicateUsername
		}
		if nu.Email != nil && r.user.HasEmail(*nu.Email) {
			return store.ErrDuplicateEmail
		}
	}
	u := store.User{
		ID:        nu.ID,
		Username:  nu.Username,
		Profile:   maps.Clone(nu.Profile),
		CreatedAt: m.Now(),
		UpdatedAt: m.Now(),
	}
	if u.Profile == nil {
		u.Profile = map[string]any{}
	}
	if nu.Email != nil {
		u.Emails = []store.EmailEntry{{Address: *nu.Email}}
	}
	m.users[nu.ID] = &userRecord{user: u, hash: nu.PasswordHash}
	return nil
}

func (m *MockStore) FindPasswordHash(_ context.Context, userID uuid.UUID) (string, error) {
	if m.FindPasswordHashErr != nil {
		return "", m.FindPasswordHashErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.users[userID]
	if !ok {
		return "", store.ErrNotFound
	}
	if r.hash == nil {
		return "", store.ErrNoPassword
	}
	return *r.hash, nil
}

func (m *MockStore) SetPassword(_ context.Context, userID uuid.UUID, passwordHash string) error {
	if m.SetPasswordErr != nil {
		return m.SetPasswordErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	r.hash = &passwordHash
	return nil
}

// --- Emails ---

func (m *MockStore) AddEmail(_ context.Context, userID uuid.UUID, address string, verified bool) error {
	if m.AddEmailErr != nil {
		return m.AddEmailErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.users {
		if r.user.HasEmail(address) {
			return store.ErrDuplicateEmail
		}
	}
	r, ok := m.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	r.user.Emails = append(r.user.Emails, store.EmailEntry{Address: address, Verified: verified})
	return nil
}

func (m *MockStore) RemoveEmail(_ context.Context, userID uuid.UUID, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.users[userID]
	if !ok || !r.user.HasEmail(address) {
		return store.ErrEmailNotFound
	}
	r.user.Emails = slices.DeleteFunc(r.user.Emails, func(e store.EmailEntry) bool { return e.Address == address })
	return nil
}

// VerifyEmail marks address verified directly, for seeding test state.
func (m *MockStore) VerifyEmail(_ context.Context, userID uuid.UUID, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.verifyLocked(userID, address) {
		return store.ErrEmailNotFound
	}
	return nil
}

func (m *MockStore) verifyLocked(userID uuid.UUID, address string) bool {
	r, ok := m.users[userID]
	if !ok {
		return false
	}
	for i := range r.user.Emails {
		if r.user.Emails[i].Address == address {
			r.user.Emails[i].Verified = true
			return true
		}
	}
	return false
}

// --- Profile ---

func (m *MockStore) SetProfile(_ context.Context, userID uuid.UUID, profile map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	r.user.Profile = maps.Clone(profile)
	return nil
}

func (m *MockStore) MergeProfile(_ context.Context, userID uuid.UUID, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	if r.user.Profile == nil {
		r.user.Profile = map[string]any{}
	}
	maps.Copy(r.user.Profile, patch)
	return nil
}

// --- Sessions ---

func (m *MockStore) CreateSession(_ context.Context, sess store.Session) error {
	if m.CreateSessionErr != nil {
		return m.CreateSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess.CreatedAt = m.Now()
	sess.UpdatedAt = sess.CreatedAt
	m.sessions[sess.ID] = &sess
	return nil
}

func (m *MockStore) FindSessionByID(_ context.Context, id uuid.UUID) (*store.Session, error) {
	if m.FindSessionErr != nil {
		return nil, m.FindSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *s
	return &c, nil
}

func (m *MockStore) UpdateSessionSeen(_ context.Context, id uuid.UUID, ip, userAgent *string) error {
	if m.UpdateSessionErr != nil {
		return m.UpdateSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	if ip != nil {
		s.IPAddress = ip
	}
	if userAgent != nil {
		s.UserAgent = userAgent
	}
	s.UpdatedAt = m.Now()
	return nil
}

func (m *MockStore) InvalidateSession(_ context.Context, id uuid.UUID) error {
	if m.InvalidateSessionErr != nil {
		return m.InvalidateSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	s.Valid = false
	return nil
}

func (m *MockStore) InvalidateUserSessions(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	if m.InvalidateUserSessionErr != nil {
		return nil, m.InvalidateUserSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for id, s := range m.sessions {
		if s.UserID == userID && s.Valid {
			s.Valid = false
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// --- Single-use tokens ---

func (m *MockStore) AddToken(_ context.Context, t store.UserToken) error {
	if m.AddTokenErr != nil {
		return m.AddTokenErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t.TokenHash = bytes.Clone(t.TokenHash)
	t.CreatedAt = m.Now()
	m.tokens = append(m.tokens, &t)
	return nil
}

func (m *MockStore) liveTokenLocked(match func(*store.UserToken) bool) *store.UserToken {
	var best *store.UserToken
	for _, t := range m.tokens {
		if t.UsedAt != nil || !m.Now().Before(t.ExpiresAt) || !match(t) {
			continue
		}
		if best == nil || t.CreatedAt.Before(best.CreatedAt) {
			best = t
		}
	}
	return best
}

func (m *MockStore) FindUserByToken(_ context.Context, tokenHash []byte, purposes ...store.TokenPurpose) (*store.User, *store.UserToken, error) {
	if m.FindUserByTokenErr != nil {
		return nil, nil, m.FindUserByTokenErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.liveTokenLocked(func(t *store.UserToken) bool {
		return bytes.Equal(t.TokenHash, tokenHash) && slices.Contains(purposes, t.Purpose)
	})
	if t == nil {
		return nil, nil, store.ErrNotFound
	}
	r, ok := m.users[t.UserID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	u := copyUser(r.user)
	tc := *t
	return &u, &tc, nil
}

func (m *MockStore) ConsumeVerificationToken(_ context.Context, tokenID, userID uuid.UUID, address string) error {
	if m.ConsumeTokenErr != nil {
		return m.ConsumeTokenErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.liveTokenLocked(func(t *store.UserToken) bool { return t.ID == tokenID && t.UserID == userID })
	if t == nil {
		return store.ErrNotFound
	}
	if !m.verifyLocked(userID, address) {
		return store.ErrEmailNotFound
	}
	now := m.Now()
	t.UsedAt = &now
	return nil
}

func (m *MockStore) ConsumeResetToken(_ context.Context, tokenID, userID uuid.UUID, passwordHash string, verifyAddress *string) error {
	if m.ConsumeTokenErr != nil {
		return m.ConsumeTokenErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.liveTokenLocked(func(t *store.UserToken) bool { return t.ID == tokenID && t.UserID == userID }) == nil {
		return store.ErrNotFound
	}
	r, ok := m.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	r.hash = &passwordHash
	m.tokens = slices.DeleteFunc(m.tokens, func(t *store.UserToken) bool {
		return t.UserID == userID && (t.Purpose == store.PurposeResetPassword || t.Purpose == store.PurposeEnroll)
	})
	if verifyAddress != nil {
		m.verifyLocked(userID, *verifyAddress)
	}
	return nil
}

func (m *MockStore) CheckHealth(context.Context) error {
	return m.CheckHealthErr
}

// MockCache implements accounts.SessionCache.
// Stateful; SetSessionIfAbsent honours NX semantics like Redis.
type MockCache struct {
	GetErr       error
	SetErr       error
	TombstoneErr error
	HealthErr    error

	Entries map[uuid.UUID]store.CachedSession

	mu sync.Mutex
}

func NewMockCache() *MockCache {
	return &MockCache{Entries: make(map[uuid.UUID]store.CachedSession)}
}

func (c *MockCache) GetSession(_ context.Context, id uuid.UUID) (*store.CachedSession, error) {
	if c.GetErr != nil {
		return nil, c.GetErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.Entries[id]
	if !ok {
		return nil, store.ErrCacheMiss
	}
	return &e, nil
}

func (c *MockCache) SetSessionIfAbsent(_ context.Context, id uuid.UUID, entry store.CachedSession) (bool, error) {
	if c.SetErr != nil {
		return false, c.SetErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.Entries[id]; ok {
		return false, nil
	}
	c.Entries[id] = entry
	return true, nil
}

func (c *MockCache) TombstoneSession(_ context.Context, id, userID uuid.UUID) error {
	if c.TombstoneErr != nil {
		return c.TombstoneErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Entries[id] = store.CachedSession{UserID: userID, Valid: false}
	return nil
}

func (c *MockCache) CheckHealth(context.Context) error {
	return c.HealthErr
}

// MockMailer implements mail.Mailer and records every message.
type MockMailer struct {
	Err error

	mu   sync.Mutex
	sent []mail.Message
}

func (m *MockMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return m.Err
}

// Sent returns a copy of every recorded message, including failed sends.
func (m *MockMailer) Sent() []mail.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sent)
}

// Last returns the most recent message, or the zero Message.
func (m *MockMailer) Last() mail.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return mail.Message{}
	}
	return m.sent[len(m.sent)-1]
}

// MockRateLimiter implements auth.RateLimiter in memory.
// Counts attempts per key and rejects once MaxAttempts is passed; windows and
// lockouts never expire. Err, when set, is returned for every call.
type MockRateLimiter struct {
	Err error

	mu       sync.Mutex
	attempts map[string]int
}

func (l *MockRateLimiter) Allow(_ context.Context, key string, policy store.RateLimit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return l.Err
	}
	if !policy.Enabled() {
		return nil
	}
	if l.attempts == nil {
		l.attempts = make(map[string]int)
	}
	l.attempts[key]++
	if l.attempts[key] > policy.MaxAttempts {
		return store.ErrRateLimitExceeded
	}
	return nil
}

// Attempts returns how many attempts were recorded for key.
func (l *MockRateLimiter) Attempts(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts[key]
}
