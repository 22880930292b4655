package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var userColumns = []string{"id", "username", "profile", "created_at", "updated_at", "emails"}

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err, "failed to create mock")
	t.Cleanup(mock.Close)
	return NewPostgresStoreFromPool(mock), mock
}

// --- Users ---

func TestPostgresStore_FindUserByEmail(t *testing.T) {
	userID := uuid.Must(uuid.NewV7())
	now := time.Now()

	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface)
		check     func(t *testing.T, u *User)
		wantErr   error
	}{
		{
			name: "decodes emails in order and profile",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				rows := pgxmock.NewRows(userColumns).AddRow(
					userID, strPtr("ann"), []byte(`{"theme":"dark"}`), now, now,
					[]byte(`[{"address":"ann@x.io","verified":true},{"address":"ann2@x.io","verified":false}]`),
				)
				mock.ExpectQuery(`SELECT u.id, u.username`).
					WithArgs("ann@x.io").
					WillReturnRows(rows)
			},
			check: func(t *testing.T, u *User) {
				assert.Equal(t, userID, u.ID)
				require.NotNil(t, u.Username)
				assert.Equal(t, "ann", *u.Username)
				assert.Equal(t, []EmailEntry{
					{Address: "ann@x.io", Verified: true},
					{Address: "ann2@x.io", Verified: false},
				}, u.Emails)
				assert.Equal(t, "dark", u.Profile["theme"])
				assert.True(t, u.HasEmail("ann2@x.io"))
				assert.False(t, u.HasEmail("bob@x.io"))
			},
		},
		{
			name: "no rows maps to ErrNotFound",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT u.id, u.username`).
					WithArgs("ann@x.io").
					WillReturnRows(pgxmock.NewRows(userColumns))
			},
			wantErr: ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			tt.setupMock(mock)

			got, err := s.FindUserByEmail(context.Background(), "ann@x.io")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				tt.check(t, got)
			}
			assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
		})
	}
}

func TestPostgresStore_CreateUser(t *testing.T) {
	id := uuid.Must(uuid.NewV7())

	tests := []struct {
		name      string
		user      NewUser
		setupMock func(mock pgxmock.PgxPoolIface)
		wantErr   error
	}{
		{
			name: "inserts user and first email in one transaction",
			user: NewUser{ID: id, Username: strPtr("ann"), Email: strPtr("ann@x.io"), PasswordHash: strPtr("h")},
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectExec(`INSERT INTO users`).
					WithArgs(id, strPtr("ann"), strPtr("h"), []byte(`{}`)).
					WillReturnResult(pgxmock.NewResult("INSERT", 1))
				mock.ExpectExec(`INSERT INTO user_emails`).
					WithArgs(id, "ann@x.io").
					WillReturnResult(pgxmock.NewResult("INSERT", 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "username only skips email insert",
			user: NewUser{ID: id, Username: strPtr("ann")},
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectExec(`INSERT INTO users`).
					WithArgs(id, strPtr("ann"), (*string)(nil), []byte(`{}`)).
					WillReturnResult(pgxmock.NewResult("INSERT", 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "username unique violation",
			user: NewUser{ID: id, Username: strPtr("ann")},
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectExec(`INSERT INTO users`).
					WithArgs(id, strPtr("ann"), (*string)(nil), []byte(`{}`)).
					WillReturnError(&pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "users_username_key"})
				mock.ExpectRollback()
			},
			wantErr: ErrDuplicateUsername,
		},
		{
			name: "email unique violation rolls back user insert",
			user: NewUser{ID: id, Email: strPtr("ann@x.io")},
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectExec(`INSERT INTO users`).
					WithArgs(id, (*string)(nil), (*string)(nil), []byte(`{}`)).
					WillReturnResult(pgxmock.NewResult("INSERT", 1))
				mock.ExpectExec(`INSERT INTO user_emails`).
					WithArgs(id, "ann@x.io").
					WillReturnError(&pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "user_emails_address_key"})
				mock.ExpectRollback()
			},
			wantErr: ErrDuplicateEmail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			tt.setupMock(mock)

			err := s.CreateUser(context.Background(), tt.user)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
		})
	}
}

func TestPostgresStore_FindPasswordHash(t *testing.T) {
	id := uuid.Must(uuid.NewV7())

	t.Run("returns hash", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT password_hash FROM users`).
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows([]string{"password_hash"}).AddRow(strPtr("$argon2id$x")))

		got, err := s.FindPasswordHash(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, "$argon2id$x", got)
	})

	t.Run("NULL hash maps to ErrNoPassword", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT password_hash FROM users`).
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows([]string{"password_hash"}).AddRow((*string)(nil)))

		_, err := s.FindPasswordHash(context.Background(), id)
		require.ErrorIs(t, err, ErrNoPassword)
	})

	t.Run("missing user maps to ErrNotFound", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT password_hash FROM users`).
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows([]string{"password_hash"}))

		_, err := s.FindPasswordHash(context.Background(), id)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPostgresStore_RemoveEmail(t *testing.T) {
	id := uuid.Must(uuid.NewV7())

	t.Run("zero rows maps to ErrEmailNotFound", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`DELETE FROM user_emails`).
			WithArgs(id, "gone@x.io").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))

		err := s.RemoveEmail(context.Background(), id, "gone@x.io")
		require.ErrorIs(t, err, ErrEmailNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_MergeProfile(t *testing.T) {
	id := uuid.Must(uuid.NewV7())

	t.Run("sends patch as jsonb", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE users SET profile = profile`).
			WithArgs(id, []byte(`{"a":1}`)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err := s.MergeProfile(context.Background(), id, map[string]any{"a": 1})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown user", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE users SET profile = profile`).
			WithArgs(id, []byte(`{"a":1}`)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := s.MergeProfile(context.Background(), id, map[string]any{"a": 1})
		require.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

// --- Sessions ---

func TestPostgresStore_FindSessionByID(t *testing.T) {
	id := uuid.Must(uuid.NewV4())
	userID := uuid.Must(uuid.NewV7())
	now := time.Now()
	cols := []string{"id", "user_id", "valid", "ip_address", "user_agent", "created_at", "updated_at"}

	t.Run("returns invalidated sessions too", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`FROM sessions WHERE id`).
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows(cols).AddRow(id, userID, false, strPtr("1.2.3.4"), (*string)(nil), now, now))

		got, err := s.FindSessionByID(context.Background(), id)
		require.NoError(t, err)
		assert.False(t, got.Valid)
		assert.Equal(t, userID, got.UserID)
		require.NotNil(t, got.IPAddress)
		assert.Equal(t, "1.2.3.4", *got.IPAddress)
		assert.Nil(t, got.UserAgent)
	})

	t.Run("missing session", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`FROM sessions WHERE id`).
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows(cols))

		_, err := s.FindSessionByID(context.Background(), id)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPostgresStore_InvalidateSession(t *testing.T) {
	id := uuid.Must(uuid.NewV4())

	tests := []struct {
		name    string
		result  pgconn.CommandTag
		dbErr   error
		wantErr error
	}{
		{name: "flips valid", result: pgxmock.NewResult("UPDATE", 1)},
		{name: "unknown session", result: pgxmock.NewResult("UPDATE", 0), wantErr: ErrNotFound},
		{name: "database error", dbErr: errors.New("connection refused")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			exp := mock.ExpectExec(`UPDATE sessions SET valid = false`).WithArgs(id)
			if tt.dbErr != nil {
				exp.WillReturnError(tt.dbErr)
			} else {
				exp.WillReturnResult(tt.result)
			}

			err := s.InvalidateSession(context.Background(), id)
			switch {
			case tt.dbErr != nil:
				require.ErrorIs(t, err, tt.dbErr)
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
			default:
				require.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_InvalidateUserSessions(t *testing.T) {
	userID := uuid.Must(uuid.NewV7())
	a, b := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())

	s, mock := newMockStore(t)
	mock.ExpectQuery(`UPDATE sessions SET valid = false`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(a).AddRow(b))

	ids, err := s.InvalidateUserSessions(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a, b}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// --- Single-use tokens ---

func TestPostgresStore_ConsumeVerificationToken(t *testing.T) {
	tokenID := uuid.Must(uuid.NewV7())
	userID := uuid.Must(uuid.NewV7())

	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface)
		wantErr   error
	}{
		{
			name: "marks token used and email verified",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectExec(`UPDATE user_tokens SET used_at`).
					WithArgs(tokenID, userID).
					WillReturnResult(pgxmock.NewResult("UPDATE", 1))
				mock.ExpectExec(`UPDATE user_emails SET verified = true`).
					WithArgs(userID, "ann@x.io").
					WillReturnResult(pgxmock.NewResult("UPDATE", 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "already used token",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectExec(`UPDATE user_tokens SET used_at`).
					WithArgs(tokenID, userID).
					WillReturnResult(pgxmock.NewResult("UPDATE", 0))
				mock.ExpectRollback()
			},
			wantErr: ErrNotFound,
		},
		{
			name: "address removed since issue rolls back",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectExec(`UPDATE user_tokens SET used_at`).
					WithArgs(tokenID, userID).
					WillReturnResult(pgxmock.NewResult("UPDATE", 1))
				mock.ExpectExec(`UPDATE user_emails SET verified = true`).
					WithArgs(userID, "ann@x.io").
					WillReturnResult(pgxmock.NewResult("UPDATE", 0))
				mock.ExpectRollback()
			},
			wantErr: ErrEmailNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			tt.setupMock(mock)

			err := s.ConsumeVerificationToken(context.Background(), tokenID, userID, "ann@x.io")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_ConsumeResetToken(t *testing.T) {
	tokenID := uuid.Must(uuid.NewV7())
	userID := uuid.Must(uuid.NewV7())

	t.Run("enroll token also verifies address", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM user_tokens`).
			WithArgs(tokenID, userID).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
		mock.ExpectExec(`UPDATE users SET password_hash`).
			WithArgs(userID, "newhash").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectExec(`DELETE FROM user_tokens WHERE user_id`).
			WithArgs(userID).
			WillReturnResult(pgxmock.NewResult("DELETE", 2))
		mock.ExpectExec(`UPDATE user_emails SET verified = true`).
			WithArgs(userID, "ann@x.io").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		err := s.ConsumeResetToken(context.Background(), tokenID, userID, "newhash", strPtr("ann@x.io"))
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("spent token leaves password untouched", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM user_tokens`).
			WithArgs(tokenID, userID).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mock.ExpectRollback()

		err := s.ConsumeResetToken(context.Background(), tokenID, userID, "newhash", nil)
		require.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
