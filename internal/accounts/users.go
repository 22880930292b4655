package accounts

import (
	"context"
	"errors"
	"strings"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/warden/internal/store"
)

// NewUser is the CreateUser input. At least one of Username / Email is required.
// An empty Password creates a user who must enroll before logging in.
type NewUser struct {
	Username string
	Email    string
	Password string
	Profile  map[string]any
}

// CreateUser validates, checks uniqueness and inserts a user. Returns the new id.
// Nothing is written when a duplicate is detected.
func (s *Service) CreateUser(ctx context.Context, nu NewUser) (uuid.UUID, error) {
	username := strings.TrimSpace(nu.Username)
	email := strings.ToLower(strings.TrimSpace(nu.Email))

	if username == "" && email == "" {
		return uuid.Nil, malformed("username or email required")
	}
	if username != "" {
		if msg := ValidateUsername(username); msg != "" {
			return uuid.Nil, malformed(msg)
		}
	}
	if email != "" {
		if msg := ValidateEmail(email); msg != "" {
			return uuid.Nil, malformed(msg)
		}
	}
	if nu.Password != "" {
		if failures := s.cfg.PasswordPolicy.Validate(nu.Password); len(failures) > 0 {
			return uuid.Nil, malformed(failures[0])
		}
	}

	if username != "" {
		if err := s.ensureAbsent(ctx, ByUsername(username)); err != nil {
			return uuid.Nil, err
		}
	}
	if email != "" {
		if err := s.ensureAbsent(ctx, ByEmail(email)); err != nil {
			return uuid.Nil, err
		}
	}

	row := store.NewUser{Profile: nu.Profile}
	if username != "" {
		row.Username = &username
	}
	if email != "" {
		row.Email = &email
	}
	if nu.Password != "" {
		hash, err := s.hasher.Hash(nu.Password)
		if err != nil {
			return uuid.Nil, infraErr(err, "PASSWORD_HASH_FAILED", "hash password")
		}
		row.PasswordHash = &hash
	}

	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, infraErr(err, "USER_ID_FAILED", "generate user id")
	}
	row.ID = id

	if err := s.store.CreateUser(ctx, row); err != nil {
		// Lost a race past the pre-check.
		switch {
		case errors.Is(err, store.ErrDuplicateUsername):
			return uuid.Nil, newError(KindDuplicateUsername, nil, "username", username)
		case errors.Is(err, store.ErrDuplicateEmail):
			return uuid.Nil, newError(KindDuplicateEmail, nil, "email", email)
		}
		return uuid.Nil, infraErr(err, "USER_CREATE_FAILED", "create user")
	}

	s.logger.Info("user created", "user_id", id)
	return id, nil
}

// ensureAbsent fails DuplicateUsername / DuplicateEmail if sel already resolves to a user.
func (s *Service) ensureAbsent(ctx context.Context, sel Selector) error {
	_, err := findUser(ctx, s.store, sel)
	switch {
	case err == nil:
		if _, ok := sel.(ByUsername); ok {
			return newError(KindDuplicateUsername, nil, "username", sel.String())
		}
		return newError(KindDuplicateEmail, nil, "email", sel.String())
	case errors.Is(err, ErrUserNotFound):
		return nil
	default:
		return err
	}
}

// FindUser resolves any selector. Fails MalformedRequest for a nil selector.
func (s *Service) FindUser(ctx context.Context, sel Selector) (*User, error) {
	if sel == nil {
		return nil, malformed("missing user selector")
	}
	return findUser(ctx, s.store, sel)
}

// FindUserByID fails UserNotFound when absent.
func (s *Service) FindUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return findUser(ctx, s.store, ByID(id))
}

// FindUserByEmail lower-cases address before lookup.
func (s *Service) FindUserByEmail(ctx context.Context, address string) (*User, error) {
	return findUser(ctx, s.store, ByEmail(strings.ToLower(strings.TrimSpace(address))))
}

func (s *Service) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	return findUser(ctx, s.store, ByUsername(username))
}

// ChangePassword verifies current, sets next and invalidates every session of the user.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, current, next string) error {
	if current == "" {
		return malformed("missing password")
	}
	if failures := s.cfg.PasswordPolicy.Validate(next); len(failures) > 0 {
		return malformed(failures[0])
	}

	if _, err := s.auth.verifyPassword(ctx, ByID(userID), current); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return infraErr(err, "PASSWORD_HASH_FAILED", "hash password")
	}
	if err := s.store.SetPassword(ctx, userID, hash); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return newError(KindUserNotFound, nil, "userId", userID.String())
		}
		return infraErr(err, "PASSWORD_UPDATE_FAILED", "set password")
	}

	n, err := s.sessions.InvalidateAllForUser(ctx, userID)
	if err != nil {
		return err
	}
	s.logger.Info("password changed", "user_id", userID, "sessions_invalidated", n)
	return nil
}

// AddEmail appends address (lower-cased) to the user's email set.
func (s *Service) AddEmail(ctx context.Context, userID uuid.UUID, address string, verified bool) error {
	address = strings.ToLower(strings.TrimSpace(address))
	if msg := ValidateEmail(address); msg != "" {
		return malformed(msg)
	}
	if _, err := s.FindUserByID(ctx, userID); err != nil {
		return err
	}
	if err := s.ensureAbsent(ctx, ByEmail(address)); err != nil {
		return err
	}

	if err := s.store.AddEmail(ctx, userID, address, verified); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return newError(KindDuplicateEmail, nil, "email", address)
		}
		return infraErr(err, "EMAIL_ADD_FAILED", "add email")
	}
	return nil
}

// RemoveEmail drops address from the user's email set. Fails UnknownAddress if absent.
func (s *Service) RemoveEmail(ctx context.Context, userID uuid.UUID, address string) error {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return malformed("No email provided")
	}
	if err := s.store.RemoveEmail(ctx, userID, address); err != nil {
		if errors.Is(err, store.ErrEmailNotFound) {
			return newError(KindUnknownAddress, nil, "userId", userID.String(), "address", address)
		}
		return infraErr(err, "EMAIL_REMOVE_FAILED", "remove email")
	}
	return nil
}

// SetProfile replaces the profile document.
func (s *Service) SetProfile(ctx context.Context, userID uuid.UUID, profile map[string]any) error {
	return s.profileWrite(ctx, userID, profile, s.store.SetProfile)
}

// UpdateProfile shallow-merges patch into the profile document.
func (s *Service) UpdateProfile(ctx context.Context, userID uuid.UUID, patch map[string]any) error {
	return s.profileWrite(ctx, userID, patch, s.store.MergeProfile)
}

func (s *Service) profileWrite(ctx context.Context, userID uuid.UUID, doc map[string]any,
	write func(context.Context, uuid.UUID, map[string]any) error) error {
	if doc == nil {
		return malformed("missing profile")
	}
	if err := write(ctx, userID, doc); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return newError(KindUserNotFound, nil, "userId", userID.String())
		}
		return infraErr(err, "PROFILE_UPDATE_FAILED", "write profile")
	}
	return nil
}
