package accounts

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/warden/internal/store"
	"github.com/MGallo-Code/warden/internal/tokens"
)

// LoginResult is returned by Login and Refresh.
type LoginResult struct {
	SessionID uuid.UUID
	User      *User
	Tokens    *tokens.Pair
}

// SessionManager owns session state and the bearer tokens bound to it.
// Sessions only ever move valid -> invalid.
type SessionManager struct {
	store   Store
	cache   SessionCache
	codec   *tokens.Codec
	logger  *slog.Logger
	metrics *Metrics
}

// Create inserts a new valid session for userID and returns its id.
// The id is a random UUIDv4. Cache priming failures are logged, not returned.
func (m *SessionManager) Create(ctx context.Context, userID uuid.UUID, ip, userAgent *string) (uuid.UUID, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, infraErr(err, "SESSION_ID_FAILED", "generate session id")
	}

	if err := m.store.CreateSession(ctx, Session{
		ID:        id,
		UserID:    userID,
		Valid:     true,
		IPAddress: ip,
		UserAgent: userAgent,
	}); err != nil {
		return uuid.Nil, infraErr(err, "SESSION_CREATE_FAILED", "create session")
	}

	if _, err := m.cache.SetSessionIfAbsent(ctx, id, store.CachedSession{UserID: userID, Valid: true}); err != nil {
		m.logger.Warn("session cache prime failed", "session_id", id, "error", err)
	}
	return id, nil
}

// Find returns the session for id. The cache is consulted first; a cache hit
// returns a session carrying only ID, UserID and Valid.
// Fails SessionNotFound if the session doesn't exist.
func (m *SessionManager) Find(ctx context.Context, id uuid.UUID) (*Session, error) {
	cached, err := m.cache.GetSession(ctx, id)
	if err == nil {
		return &Session{ID: id, UserID: cached.UserID, Valid: cached.Valid}, nil
	}
	if !errors.Is(err, store.ErrCacheMiss) && !errors.Is(err, store.ErrCacheDisabled) {
		m.logger.Warn("session cache read failed, falling back to store", "session_id", id, "error", err)
	}

	sess, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	// SET NX: never overwrites a tombstone written by a concurrent invalidation.
	if _, err := m.cache.SetSessionIfAbsent(ctx, id, store.CachedSession{UserID: sess.UserID, Valid: sess.Valid}); err != nil {
		m.logger.Warn("session cache repopulate failed", "session_id", id, "error", err)
	}
	return sess, nil
}

// load reads the session straight from the store.
func (m *SessionManager) load(ctx context.Context, id uuid.UUID) (*Session, error) {
	sess, err := m.store.FindSessionByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(KindSessionNotFound, nil, "sessionId", id.String())
		}
		return nil, infraErr(err, "SESSION_LOOKUP_FAILED", "find session")
	}
	return sess, nil
}

// sessionIDFromClaims pulls and parses the session id. Any failure is TokensInvalid.
func sessionIDFromClaims(claims *tokens.Claims) (uuid.UUID, error) {
	raw, err := claims.SessionID()
	if err != nil {
		return uuid.Nil, newError(KindTokensInvalid, err)
	}
	id, err := uuid.FromString(raw)
	if err != nil {
		return uuid.Nil, newError(KindTokensInvalid, err)
	}
	return id, nil
}

// ResolveFromAccessToken verifies accessToken (expiry enforced) and loads its session.
// Fails TokensInvalid or SessionNotFound. Validity is left to the caller.
func (m *SessionManager) ResolveFromAccessToken(ctx context.Context, accessToken string) (*Session, error) {
	claims, err := m.codec.Verify(accessToken, tokens.VerifyOptions{Type: tokens.TypeAccess})
	if err != nil {
		return nil, newError(KindTokensInvalid, err)
	}
	id, err := sessionIDFromClaims(claims)
	if err != nil {
		return nil, err
	}
	return m.Find(ctx, id)
}

// Refresh mints a new token pair for the session named by accessToken.
// The refresh token must be fully valid; the access token may be expired but must
// be correctly signed. The session is read from the store, bypassing the cache, so
// a completed invalidation is always observed.
func (m *SessionManager) Refresh(ctx context.Context, accessToken, refreshToken string, ip, userAgent *string) (res *LoginResult, err error) {
	defer func() { m.metrics.refresh(err) }()

	if _, err := m.codec.Verify(refreshToken, tokens.VerifyOptions{Type: tokens.TypeRefresh}); err != nil {
		return nil, newError(KindTokensInvalid, err)
	}
	claims, err := m.codec.Verify(accessToken, tokens.VerifyOptions{IgnoreExpiration: true, Type: tokens.TypeAccess})
	if err != nil {
		return nil, newError(KindTokensInvalid, err)
	}
	id, err := sessionIDFromClaims(claims)
	if err != nil {
		return nil, err
	}

	sess, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.Valid {
		return nil, newError(KindSessionInvalidated, nil, "sessionId", id.String())
	}

	user, err := findUser(ctx, m.store, ByID(sess.UserID))
	if err != nil {
		return nil, err
	}

	pair, err := m.codec.IssuePair(id.String())
	if err != nil {
		return nil, infraErr(err, "TOKEN_ISSUE_FAILED", "issue token pair")
	}

	if err := m.store.UpdateSessionSeen(ctx, id, ip, userAgent); err != nil {
		return nil, infraErr(err, "SESSION_UPDATE_FAILED", "update session")
	}

	return &LoginResult{SessionID: id, User: user, Tokens: pair}, nil
}

// Invalidate marks the session invalid. Idempotent: an already-invalid session
// succeeds. Fails SessionNotFound if it doesn't exist.
// The cache tombstone is written before the store update so no reader can
// repopulate a valid entry afterwards.
func (m *SessionManager) Invalidate(ctx context.Context, id uuid.UUID) error {
	sess, err := m.load(ctx, id)
	if err != nil {
		return err
	}

	if err := m.cache.TombstoneSession(ctx, id, sess.UserID); err != nil {
		m.logger.Warn("session tombstone failed", "session_id", id, "error", err)
	}

	if err := m.store.InvalidateSession(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return newError(KindSessionNotFound, nil, "sessionId", id.String())
		}
		return infraErr(err, "SESSION_INVALIDATE_FAILED", "invalidate session")
	}
	if sess.Valid {
		m.metrics.invalidated(1)
	}
	return nil
}

// InvalidateAllForUser marks every valid session of userID invalid and returns how many changed.
func (m *SessionManager) InvalidateAllForUser(ctx context.Context, userID uuid.UUID) (int, error) {
	ids, err := m.store.InvalidateUserSessions(ctx, userID)
	if err != nil {
		return 0, infraErr(err, "SESSION_INVALIDATE_FAILED", "invalidate user sessions")
	}

	for _, id := range ids {
		if err := m.cache.TombstoneSession(ctx, id, userID); err != nil {
			m.logger.Warn("session tombstone failed", "session_id", id, "user_id", userID, "error", err)
		}
	}
	m.metrics.invalidated(len(ids))
	return len(ids), nil
}
