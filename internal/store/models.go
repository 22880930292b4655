// models.go -- Shared domain types for the store package.
// Used by both Postgres (durable store) and Redis (session cache, rate limits).
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrNotFound is returned when a user, session or token row does not exist.
// Callers use errors.Is; pgx.ErrNoRows never leaves this package.
var ErrNotFound = errors.New("not found")

// ErrNoPassword is returned by FindPasswordHash when the user exists but has no password_hash.
// This occurs for users created without a password (enrollment flow).
var ErrNoPassword = errors.New("user has no password")

// ErrEmailNotFound is returned when an address is not in the user's email set.
var ErrEmailNotFound = errors.New("email not found")

// ErrDuplicateUsername is returned when an insert violates users_username_key.
var ErrDuplicateUsername = errors.New("username already exists")

// ErrDuplicateEmail is returned when an insert violates user_emails_address_key.
var ErrDuplicateEmail = errors.New("email already exists")

// ErrCacheMiss is returned by GetSession when the key is not in Redis.
// Callers use errors.Is to distinguish a true miss from a Redis infrastructure failure.
var ErrCacheMiss = errors.New("cache miss")

// ErrCacheDisabled is returned by NoopSessionCache when Redis is not configured.
var ErrCacheDisabled = errors.New("cache disabled")

// ErrRateLimitExceeded is returned by Allow when the caller is over policy or locked out.
// Callers use errors.Is to distinguish rate limit rejections from Redis failures.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// RateLimit defines the policy for a rate-limited action.
// A zero MaxAttempts or Window disables the limit; a zero LockoutTTL rejects
// only until the window rolls over.
type RateLimit struct {
	MaxAttempts int           // attempts allowed within Window
	Window      time.Duration // fixed window for attempt counting, starts at the first attempt
	LockoutTTL  time.Duration // how long to block once MaxAttempts is exceeded
}

// Enabled reports whether the policy limits anything.
func (p RateLimit) Enabled() bool {
	return p.MaxAttempts > 0 && p.Window > 0
}

// TokenPurpose classifies a single-use token.
// Constrained by DB CHECK on user_tokens.purpose.
type TokenPurpose string

const (
	PurposeVerifyEmail   TokenPurpose = "verify-email"
	PurposeResetPassword TokenPurpose = "reset-password"
	PurposeEnroll        TokenPurpose = "enroll"
)

// EmailEntry is one address in a user's email set. Address is stored lower-case.
type EmailEntry struct {
	Address  string `json:"address"`
	Verified bool   `json:"verified"`
}

// User represents a row in the users table joined with its user_emails rows.
// Emails are ordered by insertion. The password hash is deliberately absent;
// fetch it with FindPasswordHash.
type User struct {
	ID        uuid.UUID
	Username  *string
	Emails    []EmailEntry
	Profile   map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasEmail reports whether address (already lower-cased) is in the user's email set.
func (u *User) HasEmail(address string) bool {
	for _, e := range u.Emails {
		if e.Address == address {
			return true
		}
	}
	return false
}

// NewUser is the insert shape for CreateUser. Nil pointers become SQL NULL.
type NewUser struct {
	ID           uuid.UUID
	Username     *string
	Email        *string
	PasswordHash *string
	Profile      map[string]any
}

// Session represents a row in the sessions table.
// Valid only ever moves true -> false. IPAddress and UserAgent are advisory.
type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Valid     bool
	IPAddress *string
	UserAgent *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CachedSession is the JSON shape stored in Redis for cached sessions.
// Only what validity checks need; full metadata lives in Postgres.
type CachedSession struct {
	UserID uuid.UUID `json:"user_id"`
	Valid  bool      `json:"valid"`
}

// UserToken represents a row in the user_tokens table.
// Only the SHA-256 of the raw token is stored. UsedAt is nil until consumed.
type UserToken struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Address   string
	Purpose   TokenPurpose
	TokenHash []byte
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}
