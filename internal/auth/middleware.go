// middleware.go

// Bearer token authentication middleware.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/MGallo-Code/warden/internal/accounts"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const userKey contextKey = "user"
const accessTokenKey contextKey = "access_token"

// errMissingUser means a handler that needs RequireAuth was mounted without it.
var errMissingUser = errors.New("user missing from context")

// UserFromContext retrieves the authenticated user from context.
// Returns nil and false if RequireAuth hasn't run.
func UserFromContext(ctx context.Context) (*accounts.User, bool) {
	u, ok := ctx.Value(userKey).(*accounts.User)
	return u, ok && u != nil
}

// AccessTokenFromContext retrieves the bearer token RequireAuth accepted.
func AccessTokenFromContext(ctx context.Context) (string, bool) {
	tok, ok := ctx.Value(accessTokenKey).(string)
	return tok, ok
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequireAuth resumes the session behind the bearer access token.
// Injects the user and token into context on success. A missing header is 401;
// a rejected token or session uses the domain error's status.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			logWarn(r, "require auth failed", "reason", "missing_bearer_token")
			Unauthorized(w)
			return
		}

		user, err := h.Svc.ResumeSession(r.Context(), token)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if user == nil {
			WriteError(w, r, accounts.ErrSessionInvalidated)
			return
		}

		ctx := context.WithValue(r.Context(), userKey, user)
		ctx = context.WithValue(ctx, accessTokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
