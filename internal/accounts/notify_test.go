// notify_test.go -- unit tests for single-use token emails and their redemption.
package accounts

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MGallo-Code/warden/internal/store"
)

var linkToken = regexp.MustCompile(`https://app\.example\.com/[a-z-]+/([A-Za-z0-9_-]+)`)

// tokenFromLastMail pulls the raw token out of the link in the most recent message.
func (f *fixture) tokenFromLastMail(t *testing.T) string {
	t.Helper()
	m := linkToken.FindStringSubmatch(f.mailer.Last().Text)
	require.Len(t, m, 2, "no link in mail body: %q", f.mailer.Last().Text)
	return m[1]
}

func TestSendVerificationEmail(t *testing.T) {
	ctx := context.Background()

	t.Run("mails a verify link that marks the address verified", func(t *testing.T) {
		f := newFixture(t)
		ann := f.seedAnn()

		require.NoError(t, f.svc.SendVerificationEmail(ctx, ann.ID, ""))

		msg := f.mailer.Last()
		assert.Equal(t, "ann@example.com", msg.To)
		assert.Equal(t, "noreply@example.com", msg.From)
		assert.Contains(t, msg.Text, "https://app.example.com/verify-email/")
		assert.Contains(t, msg.Text, "1 day")

		tok := f.tokenFromLastMail(t)
		require.NoError(t, f.svc.VerifyEmail(ctx, tok))

		user, err := f.svc.FindUserByID(ctx, ann.ID)
		require.NoError(t, err)
		assert.True(t, user.Emails[0].Verified)
	})

	t.Run("token is single use", func(t *testing.T) {
		f := newFixture(t)
		ann := f.seedAnn()
		require.NoError(t, f.svc.SendVerificationEmail(ctx, ann.ID, "ann@example.com"))
		tok := f.tokenFromLastMail(t)

		require.NoError(t, f.svc.VerifyEmail(ctx, tok))
		assert.ErrorIs(t, f.svc.VerifyEmail(ctx, tok), ErrTokenExpiredOrInvalid)
	})

	t.Run("only the hash is stored", func(t *testing.T) {
		f := newFixture(t)
		ann := f.seedAnn()
		require.NoError(t, f.svc.SendVerificationEmail(ctx, ann.ID, ""))
		tok := f.tokenFromLastMail(t)

		stored := f.store.Tokens()
		require.Len(t, stored, 1)
		assert.Len(t, stored[0].TokenHash, 32)
		assert.NotContains(t, string(stored[0].TokenHash), tok)
		assert.Equal(t, store.PurposeVerifyEmail, stored[0].Purpose)
	})

	t.Run("address not on the user", func(t *testing.T) {
		f := newFixture(t)
		ann := f.seedAnn()

		err := f.svc.SendVerificationEmail(ctx, ann.ID, "stranger@example.com")
		assert.ErrorIs(t, err, ErrUnknownAddress)
		assert.Empty(t, f.mailer.Sent())
		assert.Empty(t, f.store.Tokens())
	})

	t.Run("no unverified address left", func(t *testing.T) {
		f := newFixture(t)
		ann := f.seedAnn()
		require.NoError(t, f.store.VerifyEmail(ctx, ann.ID, "ann@example.com"))

		assert.ErrorIs(t, f.svc.SendVerificationEmail(ctx, ann.ID, ""), ErrUnknownAddress)
	})

	t.Run("unknown user", func(t *testing.T) {
		f := newFixture(t)
		err := f.svc.SendVerificationEmail(ctx, uuid.Must(uuid.NewV7()), "")
		assert.ErrorIs(t, err, ErrUserNotFound)
	})

	t.Run("mail failure is returned but the token stays issued", func(t *testing.T) {
		f := newFixture(t)
		ann := f.seedAnn()
		f.mailer.Err = errors.New("smtp: 451 try later")

		err := f.svc.SendVerificationEmail(ctx, ann.ID, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "451")
		require.Len(t, f.store.Tokens(), 1)

		// The link that failed to deliver still works.
		require.NoError(t, f.svc.VerifyEmail(ctx, f.tokenFromLastMail(t)))
	})

	t.Run("address removed after issue", func(t *testing.T) {
		f := newFixture(t)
		ann := f.seedAnn()
		require.NoError(t, f.svc.AddEmail(ctx, ann.ID, "second@example.com", false))
		require.NoError(t, f.svc.SendVerificationEmail(ctx, ann.ID, "second@example.com"))
		tok := f.tokenFromLastMail(t)
		require.NoError(t, f.svc.RemoveEmail(ctx, ann.ID, "second@example.com"))

		assert.ErrorIs(t, f.svc.VerifyEmail(ctx, tok), ErrUnknownAddress)
	})
}

func TestVerifyEmail_BadTokens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ann := f.seedAnn()

	for _, tok := range []string{"", "short", "!!!not-base64!!!", strings.Repeat("A", 43)} {
		assert.ErrorIs(t, f.svc.VerifyEmail(ctx, tok), ErrTokenExpiredOrInvalid, "token %q", tok)
	}

	t.Run("expired", func(t *testing.T) {
		require.NoError(t, f.svc.SendVerificationEmail(ctx, ann.ID, ""))
		tok := f.tokenFromLastMail(t)
		f.store.ExpireTokens()

		assert.ErrorIs(t, f.svc.VerifyEmail(ctx, tok), ErrTokenExpiredOrInvalid)
	})

	t.Run("reset token is not a verify token", func(t *testing.T) {
		require.NoError(t, f.svc.SendResetPasswordEmail(ctx, ann.ID, ""))
		assert.ErrorIs(t, f.svc.VerifyEmail(ctx, f.tokenFromLastMail(t)), ErrTokenExpiredOrInvalid)
	})
}

func TestResetPassword(t *testing.T) {
	ctx := context.Background()

	t.Run("sets password and invalidates every session", func(t *testing.T) {
		f := newFixture(t)
		ann := f.seedAnn()
		s1 := f.login(t, ByUsername("ann"), "Secret1!")
		s2 := f.login(t, ByEmail("ann@example.com"), "Secret1!")

		require.NoError(t, f.svc.SendResetPasswordEmail(ctx, ann.ID, ""))
		assert.Contains(t, f.mailer.Last().Text, "/reset-password/")
		assert.Contains(t, f.mailer.Last().Text, "1 hour")
		tok := f.tokenFromLastMail(t)

		require.NoError(t, f.svc.ResetPassword(ctx, tok, "Fresh3#pw"))

		for _, res := range []*LoginResult{s1, s2} {
			_, err := f.svc.Refresh(ctx, res.Tokens.AccessToken, res.Tokens.RefreshToken, nil, nil)
			assert.ErrorIs(t, err, ErrSessionInvalidated)
			user, err := f.svc.ResumeSession(ctx, res.Tokens.AccessToken)
			assert.NoError(t, err)
			assert.Nil(t, user)
		}

		_, err := f.svc.Login(ctx, LoginRequest{User: ByUsername("ann"), Password: "Secret1!"})
		assert.ErrorIs(t, err, ErrInvalidPassword)
		f.login(t, ByUsername("ann"), "Fresh3#pw")
	})

	t.Run("replay fails", func(t *testing.T) {
		f := newFixture(t)
		ann := f.seedAnn()
		require.NoError(t, f.svc.SendResetPasswordEmail(ctx, ann.ID, ""))
		tok := f.tokenFromLastMail(t)

		require.NoError(t, f.svc.ResetPassword(ctx, tok, "Fresh3#pw"))
		assert.ErrorIs(t, f.svc.ResetPassword(ctx, tok, "Other4$pw"), ErrTokenExpiredOrInvalid)
		assert.Equal(t, "plain$Fresh3#pw", *f.store.PasswordHash(ann.ID))
	})

	t.Run("redeeming one reset token retires the others", func(t *testing.T) {
		f := newFixture(t)
		ann := f.seedAnn()
		require.NoError(t, f.svc.SendResetPasswordEmail(ctx, ann.ID, ""))
		first := f.tokenFromLastMail(t)
		require.NoError(t, f.svc.SendResetPasswordEmail(ctx, ann.ID, ""))
		second := f.tokenFromLastMail(t)

		require.NoError(t, f.svc.ResetPassword(ctx, second, "Fresh3#pw"))
		assert.ErrorIs(t, f.svc.ResetPassword(ctx, first, "Other4$pw"), ErrTokenExpiredOrInvalid)
	})

	t.Run("weak password leaves the token usable", func(t *testing.T) {
		f := newFixture(t)
		ann := f.seedAnn()
		require.NoError(t, f.svc.SendResetPasswordEmail(ctx, ann.ID, ""))
		tok := f.tokenFromLastMail(t)

		assert.ErrorIs(t, f.svc.ResetPassword(ctx, tok, "short"), ErrMalformedRequest)
		require.NoError(t, f.svc.ResetPassword(ctx, tok, "Fresh3#pw"))
	})

	t.Run("verify token is not a reset token", func(t *testing.T) {
		f := newFixture(t)
		ann := f.seedAnn()
		require.NoError(t, f.svc.SendVerificationEmail(ctx, ann.ID, ""))

		err := f.svc.ResetPassword(ctx, f.tokenFromLastMail(t), "Fresh3#pw")
		assert.ErrorIs(t, err, ErrTokenExpiredOrInvalid)
	})

	t.Run("expires after the reset TTL", func(t *testing.T) {
		f := newFixture(t)
		ann := f.seedAnn()
		before := time.Now()
		require.NoError(t, f.svc.SendResetPasswordEmail(ctx, ann.ID, ""))

		stored := f.store.Tokens()
		require.Len(t, stored, 1)
		assert.WithinDuration(t, before.Add(time.Hour), stored[0].ExpiresAt, 5*time.Second)
	})
}

func TestEnrollment(t *testing.T) {
	ctx := context.Background()

	t.Run("enroll token sets password and verifies the address", func(t *testing.T) {
		f := newFixture(t)
		id, err := f.svc.CreateUser(ctx, NewUser{Username: "newbie", Email: "newbie@example.com"})
		require.NoError(t, err)

		require.NoError(t, f.svc.SendEnrollmentEmail(ctx, id, ""))
		msg := f.mailer.Last()
		assert.Equal(t, "newbie@example.com", msg.To)
		assert.Contains(t, msg.Text, "/enroll-account/")
		assert.Contains(t, msg.Text, "3 days")

		require.NoError(t, f.svc.ResetPassword(ctx, f.tokenFromLastMail(t), "Welcome1!"))

		user, err := f.svc.FindUserByID(ctx, id)
		require.NoError(t, err)
		assert.True(t, user.Emails[0].Verified)
		f.login(t, ByUsername("newbie"), "Welcome1!")
	})

	t.Run("reset token does not verify the address", func(t *testing.T) {
		f := newFixture(t)
		ann := f.seedAnn()
		require.NoError(t, f.svc.SendResetPasswordEmail(ctx, ann.ID, ""))
		require.NoError(t, f.svc.ResetPassword(ctx, f.tokenFromLastMail(t), "Fresh3#pw"))

		user, err := f.svc.FindUserByID(ctx, ann.ID)
		require.NoError(t, err)
		assert.False(t, user.Emails[0].Verified)
	})
}

func TestTokenManager_Issue(t *testing.T) {
	t.Run("unknown purpose", func(t *testing.T) {
		f := newFixture(t)
		ann := f.seedAnn()
		_, err := f.svc.Tokens().Issue(context.Background(), ann.ID, "ann@example.com", TokenPurpose("login"))
		assert.ErrorIs(t, err, ErrMalformedRequest)
	})

	t.Run("tokens are unique", func(t *testing.T) {
		f := newFixture(t)
		ann := f.seedAnn()
		seen := map[string]bool{}
		for range 20 {
			tok, err := f.svc.Tokens().Issue(context.Background(), ann.ID, "ann@example.com", store.PurposeVerifyEmail)
			require.NoError(t, err)
			assert.Len(t, tok, 43)
			assert.False(t, seen[tok])
			seen[tok] = true
		}
	})

	t.Run("metrics by purpose and outcome", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		f := newFixture(t, WithMetrics(m))
		ann := f.seedAnn()
		tok, err := f.svc.Tokens().Issue(context.Background(), ann.ID, "ann@example.com", store.PurposeVerifyEmail)
		require.NoError(t, err)
		require.NoError(t, f.svc.VerifyEmail(context.Background(), tok))
		_ = f.svc.VerifyEmail(context.Background(), tok)

		assert.Equal(t, 1.0, promtest.ToFloat64(m.TokensIssued.WithLabelValues(string(store.PurposeVerifyEmail))))
		assert.Equal(t, 1.0, promtest.ToFloat64(m.TokensRedeemed.WithLabelValues(string(store.PurposeVerifyEmail), "success")))
		assert.Equal(t, 1.0, promtest.ToFloat64(m.TokensRedeemed.WithLabelValues(string(store.PurposeVerifyEmail), string(KindTokenExpiredOrInvalid))))
	})
}
