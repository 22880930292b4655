package accounts

import (
	"strings"

	"github.com/gofrs/uuid/v5"
)

// Selector identifies a user by exactly one of id, username or email.
type Selector interface {
	selector()
	String() string
}

// ByID selects a user by primary key.
type ByID uuid.UUID

// ByUsername selects a user by exact username.
type ByUsername string

// ByEmail selects a user by email address. Matching is case-insensitive.
type ByEmail string

func (ByID) selector()       {}
func (ByUsername) selector() {}
func (ByEmail) selector()    {}

func (s ByID) String() string       { return uuid.UUID(s).String() }
func (s ByUsername) String() string { return string(s) }
func (s ByEmail) String() string    { return string(s) }

// ParseSelector classifies a bare identifier string: a UUID selects by id,
// anything containing "@" selects by email, everything else by username.
// Returns a MalformedRequest error when the identifier fails validation.
func ParseSelector(raw string) (Selector, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, malformed("empty user selector")
	}
	if id, err := uuid.FromString(raw); err == nil {
		return ByID(id), nil
	}
	if strings.Contains(raw, "@") {
		email := strings.ToLower(raw)
		if msg := ValidateEmail(email); msg != "" {
			return nil, malformed(msg)
		}
		return ByEmail(email), nil
	}
	if msg := ValidateUsername(raw); msg != "" {
		return nil, malformed(msg)
	}
	return ByUsername(raw), nil
}

// SelectorFields is the structured selector form {id, username, email}.
// When more than one is set, id wins over username, username over email.
type SelectorFields struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

// Selector converts the structured form. Returns MalformedRequest if every field is empty
// or the chosen field is malformed.
func (f SelectorFields) Selector() (Selector, error) {
	switch {
	case f.ID != "":
		id, err := uuid.FromString(f.ID)
		if err != nil {
			return nil, malformed("invalid user id")
		}
		return ByID(id), nil
	case f.Username != "":
		if msg := ValidateUsername(f.Username); msg != "" {
			return nil, malformed(msg)
		}
		return ByUsername(f.Username), nil
	case f.Email != "":
		email := strings.ToLower(strings.TrimSpace(f.Email))
		if msg := ValidateEmail(email); msg != "" {
			return nil, malformed(msg)
		}
		return ByEmail(email), nil
	}
	return nil, malformed("empty user selector")
}
