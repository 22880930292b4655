// password_grant.go -- Resource-owner password grant against an OIDC provider.
package oauth

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/MGallo-Code/warden/internal/accounts"
)

// PasswordGrantAuthenticator implements accounts.Authenticator by exchanging the
// caller's credentials at the IdP token endpoint and verifying the returned ID token.
// The verified email claim selects the local user.
type PasswordGrantAuthenticator struct {
	config   *oauth2.Config
	verifier *oidc.IDTokenVerifier
	users    UserLookup
}

// NewPasswordGrantAuthenticator fetches the issuer's OIDC discovery document.
// Makes an outbound HTTP request at startup; returns an error if unreachable.
func NewPasswordGrantAuthenticator(ctx context.Context, issuerURL, clientID, clientSecret string, users UserLookup) (*PasswordGrantAuthenticator, error) {
	p, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	return NewPasswordGrantAuthenticatorWith(&oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     p.Endpoint(),
		Scopes:       []string{oidc.ScopeOpenID, "email"},
	}, p.Verifier(&oidc.Config{ClientID: clientID}), users), nil
}

// NewPasswordGrantAuthenticatorWith builds an authenticator from an explicit
// endpoint config and verifier, skipping discovery.
func NewPasswordGrantAuthenticatorWith(cfg *oauth2.Config, verifier *oidc.IDTokenVerifier, users UserLookup) *PasswordGrantAuthenticator {
	return &PasswordGrantAuthenticator{config: cfg, verifier: verifier, users: users}
}

// Authenticate runs the password grant for sel/password.
// Any error is surfaced by the caller as AuthenticationFailed.
func (a *PasswordGrantAuthenticator) Authenticate(ctx context.Context, sel accounts.Selector, password string) (*accounts.User, error) {
	claims, err := a.Exchange(ctx, sel.String(), password)
	if err != nil {
		return nil, err
	}
	if !claims.EmailVerified {
		return nil, ErrEmailNotVerified
	}
	user, err := a.users.FindUserByEmail(ctx, claims.Email)
	if err != nil {
		return nil, fmt.Errorf("resolving idp user %s: %w", claims.Sub, err)
	}
	return user, nil
}

// Exchange trades username/password for verified identity claims.
// Verifies the ID token signature against the IdP's keys and checks aud + exp.
func (a *PasswordGrantAuthenticator) Exchange(ctx context.Context, username, password string) (*Claims, error) {
	token, err := a.config.PasswordCredentialsToken(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("password grant: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, ErrNoIDToken
	}

	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verifying id token: %w", err)
	}

	var c struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := idToken.Claims(&c); err != nil {
		return nil, fmt.Errorf("extracting id token claims: %w", err)
	}
	if c.Email == "" {
		return nil, ErrNoEmailClaim
	}

	return &Claims{
		Sub:           c.Sub,
		Email:         strings.ToLower(c.Email),
		EmailVerified: c.EmailVerified,
	}, nil
}
