// handler.go -- HTTP handlers for users, login, refresh, logout and profile.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/warden/internal/accounts"
	"github.com/MGallo-Code/warden/internal/store"
)

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 1 << 20

// Service is the account operations the handlers need.
// Satisfied by *accounts.Service; defined here (at consumer) per Go convention.
type Service interface {
	Login(ctx context.Context, req accounts.LoginRequest) (*accounts.LoginResult, error)
	Refresh(ctx context.Context, accessToken, refreshToken string, ip, userAgent *string) (*accounts.LoginResult, error)
	Logout(ctx context.Context, accessToken string) error
	ResumeSession(ctx context.Context, accessToken string) (*accounts.User, error)

	CreateUser(ctx context.Context, nu accounts.NewUser) (uuid.UUID, error)
	FindUser(ctx context.Context, sel accounts.Selector) (*accounts.User, error)
	ChangePassword(ctx context.Context, userID uuid.UUID, current, next string) error
	AddEmail(ctx context.Context, userID uuid.UUID, address string, verified bool) error
	RemoveEmail(ctx context.Context, userID uuid.UUID, address string) error
	SetProfile(ctx context.Context, userID uuid.UUID, profile map[string]any) error
	UpdateProfile(ctx context.Context, userID uuid.UUID, patch map[string]any) error

	SendVerificationEmail(ctx context.Context, userID uuid.UUID, address string) error
	SendResetPasswordEmail(ctx context.Context, userID uuid.UUID, address string) error
	SendEnrollmentEmail(ctx context.Context, userID uuid.UUID, address string) error
	VerifyEmail(ctx context.Context, token string) error
	ResetPassword(ctx context.Context, token, newPassword string) error
}

// RateLimiter checks and records rate limit state for a given key and policy.
// Satisfied by *store.RedisRateLimiter -- defined here per Go convention.
type RateLimiter interface {
	// Allow records the attempt. Returns store.ErrRateLimitExceeded when the
	// key is over policy; any other error is an infrastructure failure.
	Allow(ctx context.Context, key string, policy store.RateLimit) error
}

// RateLimitPolicies holds the policy per rate-limited action.
type RateLimitPolicies struct {
	Login              store.RateLimit
	PasswordReset      store.RateLimit
	VerificationResend store.RateLimit
}

// DefaultRateLimitPolicies are applied when config leaves the RATE_* vars unset.
var DefaultRateLimitPolicies = RateLimitPolicies{
	// Checked before the credential check, so rejected requests never reach Argon2id.
	Login: store.RateLimit{MaxAttempts: 10, Window: 10 * time.Minute, LockoutTTL: 15 * time.Minute},
	// Keyed on the requested user before lookup, so a 429 reveals nothing about existence.
	PasswordReset:      store.RateLimit{MaxAttempts: 3, Window: time.Hour, LockoutTTL: time.Hour},
	VerificationResend: store.RateLimit{MaxAttempts: 3, Window: time.Hour, LockoutTTL: time.Hour},
}

// AuthHandler holds dependencies for all HTTP handlers and middleware.
type AuthHandler struct {
	Svc Service
	// PS and RS are pinged by /health. RS may be a store.NoopSessionCache.
	PS HealthChecker
	RS HealthChecker
	// RL may be a store.NoopRateLimiter; nil disables rate limiting.
	RL       RateLimiter
	Policies RateLimitPolicies
}

// allow applies policy to key. Writes 429 (or 500 on a limiter failure) and
// returns false when the request must stop.
func (h *AuthHandler) allow(w http.ResponseWriter, r *http.Request, action, key string, policy store.RateLimit) bool {
	if h.RL == nil {
		return true
	}
	err := h.RL.Allow(r.Context(), key, policy)
	if err == nil {
		return true
	}
	if errors.Is(err, store.ErrRateLimitExceeded) {
		logInfo(r, action+" rejected", "reason", "rate_limited", "key", key)
		TooManyRequests(w)
		return false
	}
	InternalServerError(w, r, err)
	return false
}

// rateKey builds a limiter key from an action and the requested user.
// Email selectors are lower-cased so case variants share one counter.
func rateKey(action string, sel accounts.Selector) string {
	switch s := sel.(type) {
	case accounts.ByID:
		return action + ":id:" + s.String()
	case accounts.ByEmail:
		return action + ":email:" + strings.ToLower(strings.TrimSpace(s.String()))
	default:
		return action + ":username:" + sel.String()
	}
}

// tokenResponse is returned by login and refresh.
type tokenResponse struct {
	SessionID    uuid.UUID `json:"sessionId"`
	UserID       uuid.UUID `json:"userId"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
}

func newTokenResponse(res *accounts.LoginResult) tokenResponse {
	return tokenResponse{
		SessionID:    res.SessionID,
		UserID:       res.User.ID,
		AccessToken:  res.Tokens.AccessToken,
		RefreshToken: res.Tokens.RefreshToken,
	}
}

// userResponse is the public view of a user. The password hash never leaves the store.
type userResponse struct {
	ID        uuid.UUID             `json:"id"`
	Username  *string               `json:"username,omitempty"`
	Emails    []accounts.EmailEntry `json:"emails"`
	Profile   map[string]any        `json:"profile"`
	CreatedAt time.Time             `json:"createdAt"`
}

func newUserResponse(u *accounts.User) userResponse {
	emails := u.Emails
	if emails == nil {
		emails = []accounts.EmailEntry{}
	}
	return userResponse{ID: u.ID, Username: u.Username, Emails: emails, Profile: u.Profile, CreatedAt: u.CreatedAt}
}

// decodeJSON reads a size-capped JSON body into v. Writes MalformedRequest and
// returns false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logWarn(r, "failed to decode request body", "error", err)
		malformed(w, r, "error decoding request body")
		return false
	}
	return true
}

// clientMeta returns the advisory IP and user agent for a session.
// RemoteAddr is already the real client IP when chi's RealIP middleware runs first.
func clientMeta(r *http.Request) (ip, userAgent *string) {
	if r.RemoteAddr != "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip = &host
	}
	if ua := r.UserAgent(); ua != "" {
		userAgent = &ua
	}
	return ip, userAgent
}

// parseSelector accepts either a bare identifier string or {id|username|email}.
func parseSelector(raw json.RawMessage) (accounts.Selector, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, &accounts.Error{Kind: accounts.KindMalformedRequest, Context: map[string]any{"reason": "missing user"}}
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, &accounts.Error{Kind: accounts.KindMalformedRequest, Err: err}
		}
		return accounts.ParseSelector(s)
	case '{':
		var f accounts.SelectorFields
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, &accounts.Error{Kind: accounts.KindMalformedRequest, Err: err}
		}
		return f.Selector()
	}
	return nil, &accounts.Error{Kind: accounts.KindMalformedRequest, Context: map[string]any{"reason": "user must be a string or object"}}
}

// parsePassword requires a JSON string. Numbers, objects and null are rejected.
func parsePassword(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// CreateUser handles POST /users.
// Returns 201 with userId. A user created with an email but no password is sent
// an enrollment link; a delivery failure there is logged, not returned.
func (h *AuthHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Username string         `json:"username"`
		Email    string         `json:"email"`
		Password string         `json:"password"`
		Profile  map[string]any `json:"profile"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}

	id, err := h.Svc.CreateUser(r.Context(), accounts.NewUser{
		Username: input.Username,
		Email:    input.Email,
		Password: input.Password,
		Profile:  input.Profile,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	logInfo(r, "user created", "user_id", id)

	if input.Password == "" && input.Email != "" {
		if err := h.Svc.SendEnrollmentEmail(r.Context(), id, ""); err != nil {
			logError(r, "enrollment email failed", err)
		}
	}

	WriteJSON(w, http.StatusCreated, map[string]uuid.UUID{"userId": id})
}

// Login handles POST /login.
// Body: {"user": "<id|username|email>" | {"id"|"username"|"email": ...}, "password": "..."}.
// Returns 429 once the requested user exceeds Policies.Login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var input struct {
		User     json.RawMessage `json:"user"`
		Password json.RawMessage `json:"password"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}

	sel, err := parseSelector(input.User)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	password, ok := parsePassword(input.Password)
	if !ok {
		malformed(w, r, "password must be a string")
		return
	}
	if !h.allow(w, r, "login", rateKey("login", sel), h.Policies.Login) {
		return
	}

	ip, ua := clientMeta(r)
	res, err := h.Svc.Login(r.Context(), accounts.LoginRequest{User: sel, Password: password, IP: ip, UserAgent: ua})
	if err != nil {
		WriteError(w, r, err)
		return
	}

	logInfo(r, "login succeeded", "user_id", res.User.ID, "session_id", res.SessionID)
	WriteJSON(w, http.StatusOK, newTokenResponse(res))
}

// Refresh handles POST /tokens/refresh.
// The access token may be expired; the refresh token must not be.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var input struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}
	if input.AccessToken == "" || input.RefreshToken == "" {
		malformed(w, r, "accessToken and refreshToken required")
		return
	}

	ip, ua := clientMeta(r)
	res, err := h.Svc.Refresh(r.Context(), input.AccessToken, input.RefreshToken, ip, ua)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, newTokenResponse(res))
}

// Logout handles POST /logout.
// Reads the bearer token directly rather than through RequireAuth so an
// already-invalid session reports SessionInvalidated.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		Unauthorized(w)
		return
	}
	if err := h.Svc.Logout(r.Context(), token); err != nil {
		WriteError(w, r, err)
		return
	}
	OK(w, "logged out")
}

// Me handles GET /me. Requires RequireAuth.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errMissingUser)
		return
	}
	WriteJSON(w, http.StatusOK, newUserResponse(user))
}

// SetProfile handles PUT /profile. Replaces the whole document.
func (h *AuthHandler) SetProfile(w http.ResponseWriter, r *http.Request) {
	h.writeProfile(w, r, h.Svc.SetProfile)
}

// UpdateProfile handles PATCH /profile. Shallow-merges into the document.
func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	h.writeProfile(w, r, h.Svc.UpdateProfile)
}

func (h *AuthHandler) writeProfile(w http.ResponseWriter, r *http.Request,
	write func(context.Context, uuid.UUID, map[string]any) error) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errMissingUser)
		return
	}
	var doc map[string]any
	if !decodeJSON(w, r, &doc) {
		return
	}
	if err := write(r.Context(), user.ID, doc); err != nil {
		WriteError(w, r, err)
		return
	}
	OK(w, "profile updated")
}
