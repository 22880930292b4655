// provider.go -- Identity claims shared by external IdP integrations.
package oauth

import (
	"context"
	"errors"

	"github.com/MGallo-Code/warden/internal/store"
)

// ErrNoIDToken is returned when the token response carries no id_token.
var ErrNoIDToken = errors.New("no id_token in token response")

// ErrNoEmailClaim is returned when a verified ID token has no email claim to map to a local user.
var ErrNoEmailClaim = errors.New("id token has no email claim")

// ErrEmailNotVerified is returned when the IdP has not verified the email claim.
// An unverified address must never select a local user.
var ErrEmailNotVerified = errors.New("id token email is not verified")

// Claims holds the normalized identity claims from a verified ID token.
// All fields are verified server-side; never trust client-supplied values.
type Claims struct {
	Sub           string // IdP-specific stable user ID
	Email         string
	EmailVerified bool
}

// UserLookup resolves the verified email claim to a local user.
// Implemented by store.PostgresStore.
type UserLookup interface {
	FindUserByEmail(ctx context.Context, address string) (*store.User, error)
}
