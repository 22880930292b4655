package accounts

import (
	"context"
	"errors"
	"strings"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/warden/internal/store"
)

// Authenticator resolves a selector + password to a user.
// The Service falls back to password verification against Store when none is injected.
type Authenticator interface {
	Authenticate(ctx context.Context, sel Selector, password string) (*User, error)
}

// SessionValidator is an optional hook run on every resumed session.
// Returning an error rejects the resume with ResumeRejected.
type SessionValidator interface {
	ValidateSession(ctx context.Context, user *User, sess *Session) error
}

// SessionValidatorFunc adapts a function to SessionValidator.
type SessionValidatorFunc func(ctx context.Context, user *User, sess *Session) error

func (f SessionValidatorFunc) ValidateSession(ctx context.Context, user *User, sess *Session) error {
	return f(ctx, user, sess)
}

// CredentialAuthenticator checks input shape, then delegates to either the
// injected Authenticator or built-in password verification.
type CredentialAuthenticator struct {
	store    Store
	hasher   Hasher
	override Authenticator
}

// Authenticate returns the user for sel/password.
//
//	nil selector or empty password          -> MalformedRequest (no storage access)
//	override set, any failure or nil user    -> AuthenticationFailed
//	selector resolves to no user             -> UserNotFound
//	user has no password                     -> NoPasswordSet
//	password mismatch                        -> InvalidPassword
func (a *CredentialAuthenticator) Authenticate(ctx context.Context, sel Selector, password string) (*User, error) {
	if sel == nil {
		return nil, malformed("missing user selector")
	}
	if password == "" {
		return nil, malformed("missing password")
	}

	if a.override != nil {
		user, err := a.override.Authenticate(ctx, sel, password)
		if err != nil {
			return nil, newError(KindAuthenticationFailed, err, "user", sel.String())
		}
		if user == nil {
			return nil, newError(KindAuthenticationFailed, nil, "user", sel.String())
		}
		return user, nil
	}
	return a.verifyPassword(ctx, sel, password)
}

// verifyPassword checks password against the stored Argon2id hash, ignoring any override.
func (a *CredentialAuthenticator) verifyPassword(ctx context.Context, sel Selector, password string) (*User, error) {
	user, err := findUser(ctx, a.store, sel)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Equalise timing with the wrong-password path.
			a.hasher.Verify(password, dummyPasswordHash())
		}
		return nil, err
	}

	hash, err := a.store.FindPasswordHash(ctx, user.ID)
	if err != nil {
		if errors.Is(err, store.ErrNoPassword) {
			return nil, newError(KindNoPasswordSet, nil, "userId", user.ID.String())
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(KindUserNotFound, nil, "userId", user.ID.String())
		}
		return nil, infraErr(err, "PASSWORD_LOOKUP_FAILED", "fetch password hash")
	}

	ok, err := a.hasher.Verify(password, hash)
	if err != nil {
		return nil, infraErr(err, "PASSWORD_VERIFY_FAILED", "verify password")
	}
	if !ok {
		return nil, newError(KindInvalidPassword, nil, "userId", user.ID.String())
	}
	return user, nil
}

// findUser resolves sel against st. Not found -> UserNotFound.
// Email selectors are normalized here so a hand-built ByEmail matches too.
func findUser(ctx context.Context, st Store, sel Selector) (*User, error) {
	var (
		user *User
		err  error
	)
	switch s := sel.(type) {
	case ByID:
		user, err = st.FindUserByID(ctx, uuid.UUID(s))
	case ByUsername:
		user, err = st.FindUserByUsername(ctx, string(s))
	case ByEmail:
		user, err = st.FindUserByEmail(ctx, strings.ToLower(strings.TrimSpace(string(s))))
	default:
		return nil, malformed("unsupported user selector")
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(KindUserNotFound, nil, "user", sel.String())
		}
		return nil, infraErr(err, "USER_LOOKUP_FAILED", "find user")
	}
	return user, nil
}
