// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and queries.
// Creates a connection pool at startup, shared across all requests.
// All queries use parameterized statements (no user input is concatenated).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// pgxPool is the subset of *pgxpool.Pool the store uses.
// Satisfied by pgxmock.PgxPoolIface in tests.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore is the durable store for users, sessions and single-use tokens.
type PostgresStore struct {
	pool pgxPool
}

// NewPostgresStore creates a verified connection pool to PostgreSQL and
// returns a ready-to-use store.
// Call once at startup; the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	// Ping db to make sure connection works
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreFromPool wraps an existing pool (or a pgxmock pool in tests).
func NewPostgresStoreFromPool(pool pgxPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close shuts down the connection pool and releases all resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings Postgres.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// withTx runs fn in a transaction. Rolls back if fn fails, commits otherwise.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// --- Users ---

// userSelect loads a user row with its emails aggregated in insertion order.
// Callers append a WHERE clause over u.
const userSelect = `
SELECT u.id, u.username, u.profile, u.created_at, u.updated_at,
       COALESCE(
           json_agg(json_build_object('address', e.address, 'verified', e.verified) ORDER BY e.seq)
               FILTER (WHERE e.address IS NOT NULL),
           '[]'
       )
FROM users u
LEFT JOIN user_emails e ON e.user_id = u.id
`

const userGroupBy = ` GROUP BY u.id`

// scanUser reads one userSelect row. Returns ErrNotFound on no rows.
func scanUser(row pgx.Row) (*User, error) {
	var u User
	var profile, emails []byte
	if err := row.Scan(&u.ID, &u.Username, &profile, &u.CreatedAt, &u.UpdatedAt, &emails); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	if err := json.Unmarshal(profile, &u.Profile); err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}
	if err := json.Unmarshal(emails, &u.Emails); err != nil {
		return nil, fmt.Errorf("decoding emails: %w", err)
	}
	return &u, nil
}

// FindUserByID fetches a user by primary key.
func (s *PostgresStore) FindUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx, userSelect+`WHERE u.id = $1`+userGroupBy, id))
}

// FindUserByUsername fetches a user by exact username.
func (s *PostgresStore) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx, userSelect+`WHERE u.username = $1`+userGroupBy, username))
}

// FindUserByEmail fetches the user owning address. Address must already be lower-cased.
func (s *PostgresStore) FindUserByEmail(ctx context.Context, address string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		userSelect+`WHERE u.id = (SELECT user_id FROM user_emails WHERE address = $1)`+userGroupBy,
		address))
}

// CreateUser inserts the user and, if present, its first email in one transaction.
// The caller generates the UUID and Argon2id hash before calling this.
// Unique violations are mapped to ErrDuplicateUsername / ErrDuplicateEmail.
func (s *PostgresStore) CreateUser(ctx context.Context, nu NewUser) error {
	profile := nu.Profile
	if profile == nil {
		profile = map[string]any{}
	}
	profileJSON, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encoding profile: %w", err)
	}

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			"INSERT INTO users (id, username, password_hash, profile) VALUES ($1, $2, $3, $4)",
			nu.ID, nu.Username, nu.PasswordHash, profileJSON); err != nil {
			return err
		}
		if nu.Email != nil {
			if _, err := tx.Exec(ctx,
				"INSERT INTO user_emails (user_id, address, verified) VALUES ($1, $2, false)",
				nu.ID, *nu.Email); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return mapUniqueViolation(err, "creating user")
	}
	return nil
}

// mapUniqueViolation translates a 23505 on a known constraint into a store sentinel.
func mapUniqueViolation(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		switch pgErr.ConstraintName {
		case "users_username_key":
			return ErrDuplicateUsername
		case "user_emails_address_key":
			return ErrDuplicateEmail
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// FindPasswordHash fetches the stored Argon2id hash for userID.
// Returns ErrNotFound if the user doesn't exist, ErrNoPassword if the hash is NULL.
func (s *PostgresStore) FindPasswordHash(ctx context.Context, userID uuid.UUID) (string, error) {
	var hash *string
	err := s.pool.QueryRow(ctx, "SELECT password_hash FROM users WHERE id = $1", userID).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("fetching password hash: %w", err)
	}
	if hash == nil {
		return "", ErrNoPassword
	}
	return *hash, nil
}

// SetPassword replaces the stored hash for userID.
func (s *PostgresStore) SetPassword(ctx context.Context, userID uuid.UUID, passwordHash string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1",
		userID, passwordHash)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Emails ---

// AddEmail appends address to the user's email set.
func (s *PostgresStore) AddEmail(ctx context.Context, userID uuid.UUID, address string, verified bool) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO user_emails (user_id, address, verified) VALUES ($1, $2, $3)",
		userID, address, verified)
	if err != nil {
		return mapUniqueViolation(err, "adding email")
	}
	return nil
}

// RemoveEmail deletes address from the user's email set.
func (s *PostgresStore) RemoveEmail(ctx context.Context, userID uuid.UUID, address string) error {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM user_emails WHERE user_id = $1 AND address = $2",
		userID, address)
	if err != nil {
		return fmt.Errorf("removing email: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEmailNotFound
	}
	return nil
}

// --- Profile ---

// SetProfile replaces the profile document.
func (s *PostgresStore) SetProfile(ctx context.Context, userID uuid.UUID, profile map[string]any) error {
	return s.updateProfile(ctx,
		"UPDATE users SET profile = $2, updated_at = now() WHERE id = $1",
		userID, profile)
}

// MergeProfile shallow-merges patch into the profile document (jsonb ||).
func (s *PostgresStore) MergeProfile(ctx context.Context, userID uuid.UUID, patch map[string]any) error {
	return s.updateProfile(ctx,
		"UPDATE users SET profile = profile || $2::jsonb, updated_at = now() WHERE id = $1",
		userID, patch)
}

func (s *PostgresStore) updateProfile(ctx context.Context, query string, userID uuid.UUID, doc map[string]any) error {
	if doc == nil {
		doc = map[string]any{}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding profile: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, userID, raw)
	if err != nil {
		return fmt.Errorf("updating profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Sessions ---

// CreateSession inserts a new session row. Valid is taken from sess (true for new logins).
func (s *PostgresStore) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO sessions (id, user_id, valid, ip_address, user_agent) VALUES ($1, $2, $3, $4, $5)",
		sess.ID, sess.UserID, sess.Valid, sess.IPAddress, sess.UserAgent)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

// FindSessionByID fetches a session regardless of validity.
func (s *PostgresStore) FindSessionByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, valid, ip_address, user_agent, created_at, updated_at
		 FROM sessions WHERE id = $1`, id).
		Scan(&sess.ID, &sess.UserID, &sess.Valid, &sess.IPAddress, &sess.UserAgent, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching session: %w", err)
	}
	return &sess, nil
}

// UpdateSessionSeen records last-seen client metadata. Nil leaves a column unchanged.
func (s *PostgresStore) UpdateSessionSeen(ctx context.Context, id uuid.UUID, ip, userAgent *string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions
		 SET ip_address = COALESCE($2, ip_address), user_agent = COALESCE($3, user_agent), updated_at = now()
		 WHERE id = $1`,
		id, ip, userAgent)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InvalidateSession flips valid to false. Idempotent for an existing session.
func (s *PostgresStore) InvalidateSession(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE sessions SET valid = false, updated_at = now() WHERE id = $1",
		id)
	if err != nil {
		return fmt.Errorf("invalidating session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InvalidateUserSessions flips every valid session of userID to invalid
// and returns the ids it changed.
func (s *PostgresStore) InvalidateUserSessions(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		"UPDATE sessions SET valid = false, updated_at = now() WHERE user_id = $1 AND valid RETURNING id",
		userID)
	if err != nil {
		return nil, fmt.Errorf("invalidating user sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("collecting invalidated sessions: %w", err)
	}
	return ids, nil
}

// --- Single-use tokens ---

// AddToken inserts a single-use token row. Only the hash is stored.
func (s *PostgresStore) AddToken(ctx context.Context, t UserToken) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_tokens (id, user_id, address, purpose, token_hash, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.UserID, t.Address, string(t.Purpose), t.TokenHash, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("creating token: %w", err)
	}
	return nil
}

// FindUserByToken fetches the oldest unused, unexpired token matching tokenHash
// for any of purposes, plus its owning user.
// Returns ErrNotFound if no such token exists.
func (s *PostgresStore) FindUserByToken(ctx context.Context, tokenHash []byte, purposes ...TokenPurpose) (*User, *UserToken, error) {
	kinds := make([]string, len(purposes))
	for i, p := range purposes {
		kinds[i] = string(p)
	}

	var t UserToken
	var purpose string
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, address, purpose, token_hash, expires_at, used_at, created_at
		 FROM user_tokens
		 WHERE token_hash = $1 AND purpose = ANY($2) AND used_at IS NULL AND expires_at > now()
		 ORDER BY created_at
		 LIMIT 1`,
		tokenHash, kinds).
		Scan(&t.ID, &t.UserID, &t.Address, &purpose, &t.TokenHash, &t.ExpiresAt, &t.UsedAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("fetching token: %w", err)
	}
	t.Purpose = TokenPurpose(purpose)

	u, err := s.FindUserByID(ctx, t.UserID)
	if err != nil {
		return nil, nil, err
	}
	return u, &t, nil
}

// ConsumeVerificationToken marks the token used and the address verified in one transaction.
// Returns ErrNotFound if the token was already used or expired, ErrEmailNotFound if the
// address left the user's email set.
func (s *PostgresStore) ConsumeVerificationToken(ctx context.Context, tokenID, userID uuid.UUID, address string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE user_tokens SET used_at = now()
			 WHERE id = $1 AND user_id = $2 AND used_at IS NULL AND expires_at > now()`,
			tokenID, userID)
		if err != nil {
			return fmt.Errorf("consuming token: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		tag, err = tx.Exec(ctx,
			"UPDATE user_emails SET verified = true WHERE user_id = $1 AND address = $2",
			userID, address)
		if err != nil {
			return fmt.Errorf("verifying email: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrEmailNotFound
		}
		return nil
	})
}

// ConsumeResetToken deletes the used token, sets the new password, and deletes the
// user's other outstanding reset/enroll tokens, all in one transaction.
// If verifyAddress is non-nil that address is also marked verified (enrollment proves ownership).
// Returns ErrNotFound if the token was already used or expired.
func (s *PostgresStore) ConsumeResetToken(ctx context.Context, tokenID, userID uuid.UUID, passwordHash string, verifyAddress *string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM user_tokens
			 WHERE id = $1 AND user_id = $2 AND used_at IS NULL AND expires_at > now()`,
			tokenID, userID)
		if err != nil {
			return fmt.Errorf("consuming token: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		if _, err := tx.Exec(ctx,
			"UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1",
			userID, passwordHash); err != nil {
			return fmt.Errorf("updating password: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM user_tokens WHERE user_id = $1 AND purpose IN ('reset-password', 'enroll')`,
			userID); err != nil {
			return fmt.Errorf("deleting stale reset tokens: %w", err)
		}

		if verifyAddress != nil {
			if _, err := tx.Exec(ctx,
				"UPDATE user_emails SET verified = true WHERE user_id = $1 AND address = $2",
				userID, *verifyAddress); err != nil {
				return fmt.Errorf("verifying email: %w", err)
			}
		}
		return nil
	})
}
