// Package accounts is the credential and session lifecycle core: password
// authentication, bearer tokens bound to server-side sessions, and single-use
// tokens for email verification, password reset and enrollment.
//
// Service is the only entry point callers use. Persistence, caching and mail
// delivery are collaborators injected through Store, SessionCache and mail.Mailer.
package accounts

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MGallo-Code/warden/internal/mail"
	"github.com/MGallo-Code/warden/internal/store"
	"github.com/MGallo-Code/warden/internal/tokens"
)

// Config is the immutable policy the Service is built with.
type Config struct {
	// SiteURL is the base for links in outbound mail, e.g. https://app.example.com.
	SiteURL  string
	MailFrom string

	VerifyTokenTTL time.Duration
	ResetTokenTTL  time.Duration
	EnrollTokenTTL time.Duration

	// PasswordPolicy applies to create, change and reset. Zero value means DefaultPasswordPolicy.
	PasswordPolicy PasswordPolicy
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithAuthenticator replaces password verification with a.
// Any failure from a surfaces as AuthenticationFailed.
func WithAuthenticator(a Authenticator) Option {
	return func(s *Service) { s.auth.override = a }
}

// WithSessionValidator adds a hook run on every ResumeSession.
func WithSessionValidator(v SessionValidator) Option {
	return func(s *Service) { s.validator = v }
}

// WithSessionCache puts c in front of the store for session validity lookups.
func WithSessionCache(c SessionCache) Option {
	return func(s *Service) { s.sessions.cache = c }
}

// WithMetrics records counters on m.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithHasher overrides the Argon2id hasher.
func WithHasher(h Hasher) Option {
	return func(s *Service) { s.hasher = h }
}

// Service orchestrates authentication, sessions and single-use tokens.
// Safe for concurrent use; holds no mutable state after construction.
type Service struct {
	cfg       Config
	store     Store
	codec     *tokens.Codec
	mailer    mail.Mailer
	hasher    Hasher
	validator SessionValidator
	logger    *slog.Logger
	metrics   *Metrics

	auth     *CredentialAuthenticator
	sessions *SessionManager
	onetime  *TokenManager
}

// NewService wires the core. st, codec and ml are required.
func NewService(cfg Config, st Store, codec *tokens.Codec, ml mail.Mailer, opts ...Option) *Service {
	if cfg.PasswordPolicy == (PasswordPolicy{}) {
		cfg.PasswordPolicy = DefaultPasswordPolicy
	}
	if cfg.VerifyTokenTTL <= 0 {
		cfg.VerifyTokenTTL = 24 * time.Hour
	}
	if cfg.ResetTokenTTL <= 0 {
		cfg.ResetTokenTTL = time.Hour
	}
	if cfg.EnrollTokenTTL <= 0 {
		cfg.EnrollTokenTTL = 72 * time.Hour
	}

	s := &Service{
		cfg:    cfg,
		store:  st,
		codec:  codec,
		mailer: ml,
		hasher: Argon2idHasher{},
		logger: slog.Default(),
		auth:   &CredentialAuthenticator{store: st},
		sessions: &SessionManager{
			store: st,
			cache: store.NoopSessionCache{},
			codec: codec,
		},
		onetime: &TokenManager{store: st, now: time.Now},
	}
	for _, opt := range opts {
		opt(s)
	}

	// Propagate shared collaborators after options have run.
	s.auth.hasher = s.hasher
	s.sessions.logger = s.logger
	s.sessions.metrics = s.metrics
	s.onetime.hasher = s.hasher
	s.onetime.policy = cfg.PasswordPolicy
	s.onetime.metrics = s.metrics
	s.onetime.ttl = map[TokenPurpose]time.Duration{
		store.PurposeVerifyEmail:   cfg.VerifyTokenTTL,
		store.PurposeResetPassword: cfg.ResetTokenTTL,
		store.PurposeEnroll:        cfg.EnrollTokenTTL,
	}
	return s
}

// Sessions exposes the session manager.
func (s *Service) Sessions() *SessionManager { return s.sessions }

// Tokens exposes the single-use token manager.
func (s *Service) Tokens() *TokenManager { return s.onetime }

// LoginRequest carries credentials plus advisory client metadata.
type LoginRequest struct {
	User      Selector
	Password  string
	IP        *string
	UserAgent *string
}

// Login authenticates, opens a session and returns a fresh token pair.
func (s *Service) Login(ctx context.Context, req LoginRequest) (res *LoginResult, err error) {
	defer func() { s.metrics.login(err) }()

	user, err := s.auth.Authenticate(ctx, req.User, req.Password)
	if err != nil {
		return nil, err
	}

	sessionID, err := s.sessions.Create(ctx, user.ID, req.IP, req.UserAgent)
	if err != nil {
		return nil, err
	}

	pair, err := s.codec.IssuePair(sessionID.String())
	if err != nil {
		return nil, infraErr(err, "TOKEN_ISSUE_FAILED", "issue token pair")
	}

	s.logger.Info("login succeeded", "user_id", user.ID, "session_id", sessionID)
	return &LoginResult{SessionID: sessionID, User: user, Tokens: pair}, nil
}

// Refresh exchanges a (possibly expired) access token and a valid refresh token for a new pair.
func (s *Service) Refresh(ctx context.Context, accessToken, refreshToken string, ip, userAgent *string) (*LoginResult, error) {
	return s.sessions.Refresh(ctx, accessToken, refreshToken, ip, userAgent)
}

// Logout invalidates the session named by accessToken.
// Fails SessionInvalidated if the session is already invalid.
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	sess, err := s.sessions.ResolveFromAccessToken(ctx, accessToken)
	if err != nil {
		return err
	}
	if !sess.Valid {
		return newError(KindSessionInvalidated, nil, "sessionId", sess.ID.String())
	}
	if err := s.sessions.Invalidate(ctx, sess.ID); err != nil {
		return err
	}
	s.logger.Info("logout", "user_id", sess.UserID, "session_id", sess.ID)
	return nil
}

// ResumeSession returns the user behind accessToken.
// Returns (nil, nil) when the session exists but has been invalidated.
func (s *Service) ResumeSession(ctx context.Context, accessToken string) (*User, error) {
	sess, err := s.sessions.ResolveFromAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if !sess.Valid {
		return nil, nil
	}

	user, err := findUser(ctx, s.store, ByID(sess.UserID))
	if err != nil {
		return nil, err
	}

	if s.validator != nil {
		if err := s.validator.ValidateSession(ctx, user, sess); err != nil {
			return nil, newError(KindResumeRejected, err, "sessionId", sess.ID.String())
		}
	}
	return user, nil
}

// CheckHealth pings the store and, if configured, the session cache.
// A disabled cache is healthy.
func (s *Service) CheckHealth(ctx context.Context) error {
	if err := s.store.CheckHealth(ctx); err != nil {
		return infraErr(err, "STORE_UNHEALTHY", "ping store")
	}
	if err := s.sessions.cache.CheckHealth(ctx); err != nil && !errors.Is(err, store.ErrCacheDisabled) {
		return infraErr(err, "CACHE_UNHEALTHY", "ping cache")
	}
	return nil
}
