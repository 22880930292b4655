package accounts

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/warden/internal/store"
)

// Domain types are the store's row shapes.
type (
	User         = store.User
	EmailEntry   = store.EmailEntry
	Session      = store.Session
	UserToken    = store.UserToken
	TokenPurpose = store.TokenPurpose
)

// Store is the durable persistence the core depends on.
// Implemented by store.PostgresStore and testutil.MockStore.
//
// Not-found lookups return store.ErrNotFound; FindPasswordHash returns
// store.ErrNoPassword for a user without a password; unique violations return
// store.ErrDuplicateUsername / store.ErrDuplicateEmail.
type Store interface {
	FindUserByID(ctx context.Context, id uuid.UUID) (*User, error)
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	FindUserByEmail(ctx context.Context, address string) (*User, error)
	FindUserByToken(ctx context.Context, tokenHash []byte, purposes ...TokenPurpose) (*User, *UserToken, error)
	CreateUser(ctx context.Context, nu store.NewUser) error

	FindPasswordHash(ctx context.Context, userID uuid.UUID) (string, error)
	SetPassword(ctx context.Context, userID uuid.UUID, passwordHash string) error

	AddEmail(ctx context.Context, userID uuid.UUID, address string, verified bool) error
	RemoveEmail(ctx context.Context, userID uuid.UUID, address string) error

	SetProfile(ctx context.Context, userID uuid.UUID, profile map[string]any) error
	MergeProfile(ctx context.Context, userID uuid.UUID, patch map[string]any) error

	CreateSession(ctx context.Context, sess Session) error
	FindSessionByID(ctx context.Context, id uuid.UUID) (*Session, error)
	UpdateSessionSeen(ctx context.Context, id uuid.UUID, ip, userAgent *string) error
	InvalidateSession(ctx context.Context, id uuid.UUID) error
	InvalidateUserSessions(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)

	AddToken(ctx context.Context, t UserToken) error
	ConsumeVerificationToken(ctx context.Context, tokenID, userID uuid.UUID, address string) error
	ConsumeResetToken(ctx context.Context, tokenID, userID uuid.UUID, passwordHash string, verifyAddress *string) error

	CheckHealth(ctx context.Context) error
}

// SessionCache is the optional validity fast path in front of Store.
// Implemented by store.RedisSessionCache, store.NoopSessionCache and testutil.MockCache.
type SessionCache interface {
	GetSession(ctx context.Context, id uuid.UUID) (*store.CachedSession, error)
	SetSessionIfAbsent(ctx context.Context, id uuid.UUID, entry store.CachedSession) (bool, error)
	TombstoneSession(ctx context.Context, id, userID uuid.UUID) error
	CheckHealth(ctx context.Context) error
}
