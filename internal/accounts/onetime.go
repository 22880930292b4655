package accounts

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/warden/internal/store"
)

// rawTokenLen is the number of random bytes in a single-use token (256 bits).
const rawTokenLen = 32

// TokenManager issues and redeems single-use tokens for email verification,
// password reset and enrollment. Only the SHA-256 of a token is stored.
type TokenManager struct {
	store   Store
	hasher  Hasher
	policy  PasswordPolicy
	ttl     map[TokenPurpose]time.Duration
	metrics *Metrics

	// now is overridable in tests.
	now func() time.Time
}

// generateToken returns a random raw token (base64url, no padding) and its SHA-256.
func generateToken() (string, [32]byte, error) {
	var raw [rawTokenLen]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", [32]byte{}, err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), sha256.Sum256(raw[:]), nil
}

// hashToken decodes a presented token and hashes it.
// Anything that isn't 32 base64url bytes can never match, so it's rejected up front.
func hashToken(token string) ([]byte, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != rawTokenLen {
		return nil, false
	}
	sum := sha256.Sum256(raw)
	return sum[:], true
}

// Issue creates a token for (userID, address, purpose) and returns the raw token.
// address must already belong to the user.
func (m *TokenManager) Issue(ctx context.Context, userID uuid.UUID, address string, purpose TokenPurpose) (string, error) {
	ttl, ok := m.ttl[purpose]
	if !ok {
		return "", malformed("unknown token purpose")
	}

	raw, hash, err := generateToken()
	if err != nil {
		return "", infraErr(err, "TOKEN_GENERATE_FAILED", "generate token")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", infraErr(err, "TOKEN_ID_FAILED", "generate token id")
	}

	if err := m.store.AddToken(ctx, UserToken{
		ID:        id,
		UserID:    userID,
		Address:   address,
		Purpose:   purpose,
		TokenHash: hash[:],
		ExpiresAt: m.now().Add(ttl),
	}); err != nil {
		return "", infraErr(err, "TOKEN_STORE_FAILED", "store token")
	}
	m.metrics.issued(purpose)
	return raw, nil
}

// lookup finds an unused, unexpired token for any of purposes.
// Fails TokenExpiredOrInvalid when no such token exists, UnknownAddress when
// the token's address has since left the user's email set.
func (m *TokenManager) lookup(ctx context.Context, token string, purposes ...TokenPurpose) (*User, *UserToken, error) {
	hash, ok := hashToken(token)
	if !ok {
		return nil, nil, newError(KindTokenExpiredOrInvalid, nil)
	}

	user, tok, err := m.store.FindUserByToken(ctx, hash, purposes...)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, newError(KindTokenExpiredOrInvalid, nil)
		}
		return nil, nil, infraErr(err, "TOKEN_LOOKUP_FAILED", "find token")
	}
	// Store filters these too; re-checked so a lax implementation can't leak a spent token.
	if tok.UsedAt != nil || !m.now().Before(tok.ExpiresAt) {
		return nil, nil, newError(KindTokenExpiredOrInvalid, nil, "userId", user.ID.String())
	}
	if !user.HasEmail(tok.Address) {
		return nil, nil, newError(KindUnknownAddress, nil, "userId", user.ID.String(), "address", tok.Address)
	}
	return user, tok, nil
}

// RedeemVerification consumes a verify-email token and marks its address verified.
func (m *TokenManager) RedeemVerification(ctx context.Context, token string) (err error) {
	defer func() { m.metrics.redeemed(store.PurposeVerifyEmail, err) }()

	user, tok, err := m.lookup(ctx, token, store.PurposeVerifyEmail)
	if err != nil {
		return err
	}

	if err := m.store.ConsumeVerificationToken(ctx, tok.ID, user.ID, tok.Address); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Lost a race with a concurrent redemption.
			return newError(KindTokenExpiredOrInvalid, nil, "userId", user.ID.String())
		case errors.Is(err, store.ErrEmailNotFound):
			return newError(KindUnknownAddress, nil, "userId", user.ID.String(), "address", tok.Address)
		}
		return infraErr(err, "TOKEN_CONSUME_FAILED", "consume verification token")
	}
	return nil
}

// RedeemPasswordReset consumes a reset-password or enroll token and sets newPassword.
// Enroll tokens also verify their address. Returns the user id so the caller can
// invalidate that user's sessions.
func (m *TokenManager) RedeemPasswordReset(ctx context.Context, token, newPassword string) (userID uuid.UUID, err error) {
	purpose := store.PurposeResetPassword
	defer func() { m.metrics.redeemed(purpose, err) }()

	if failures := m.policy.Validate(newPassword); len(failures) > 0 {
		return uuid.Nil, newError(KindMalformedRequest, nil, "reason", failures[0])
	}

	user, tok, err := m.lookup(ctx, token, store.PurposeResetPassword, store.PurposeEnroll)
	if err != nil {
		return uuid.Nil, err
	}
	purpose = tok.Purpose

	hash, err := m.hasher.Hash(newPassword)
	if err != nil {
		return uuid.Nil, infraErr(err, "PASSWORD_HASH_FAILED", "hash password")
	}

	var verify *string
	if tok.Purpose == store.PurposeEnroll {
		verify = &tok.Address
	}

	if err := m.store.ConsumeResetToken(ctx, tok.ID, user.ID, hash, verify); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return uuid.Nil, newError(KindTokenExpiredOrInvalid, nil, "userId", user.ID.String())
		}
		return uuid.Nil, infraErr(err, "TOKEN_CONSUME_FAILED", "consume reset token")
	}
	return user.ID, nil
}
