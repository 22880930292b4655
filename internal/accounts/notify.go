package accounts

import (
	"context"
	"net/url"
	"strings"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/warden/internal/mail"
	"github.com/MGallo-Code/warden/internal/store"
)

// Link paths under Config.SiteURL. The raw token is the final path segment.
const (
	verifyEmailPath   = "verify-email"
	resetPasswordPath = "reset-password"
	enrollAccountPath = "enroll-account"
)

// emailFlow describes one single-use-token email.
type emailFlow struct {
	purpose  TokenPurpose
	path     string
	template mail.Template
	// pick chooses the address when the caller didn't name one.
	pick func(*User) string
}

func firstEmail(u *User) string {
	if len(u.Emails) == 0 {
		return ""
	}
	return u.Emails[0].Address
}

func firstUnverifiedEmail(u *User) string {
	for _, e := range u.Emails {
		if !e.Verified {
			return e.Address
		}
	}
	return ""
}

var (
	verifyFlow = emailFlow{store.PurposeVerifyEmail, verifyEmailPath, mail.VerifyEmailTemplate, firstUnverifiedEmail}
	resetFlow  = emailFlow{store.PurposeResetPassword, resetPasswordPath, mail.ResetPasswordTemplate, firstEmail}
	enrollFlow = emailFlow{store.PurposeEnroll, enrollAccountPath, mail.EnrollTemplate, firstEmail}
)

// SendVerificationEmail issues a verify-email token and mails its link.
// An empty address picks the user's first unverified email.
func (s *Service) SendVerificationEmail(ctx context.Context, userID uuid.UUID, address string) error {
	return s.sendTokenEmail(ctx, verifyFlow, userID, address)
}

// SendResetPasswordEmail issues a reset-password token and mails its link.
// An empty address picks the user's first email.
func (s *Service) SendResetPasswordEmail(ctx context.Context, userID uuid.UUID, address string) error {
	return s.sendTokenEmail(ctx, resetFlow, userID, address)
}

// SendEnrollmentEmail issues an enroll token and mails its link.
// An empty address picks the user's first email.
func (s *Service) SendEnrollmentEmail(ctx context.Context, userID uuid.UUID, address string) error {
	return s.sendTokenEmail(ctx, enrollFlow, userID, address)
}

// sendTokenEmail resolves the address, issues the token and hands the message
// to the mailer. A delivery failure is returned; the token stays issued.
func (s *Service) sendTokenEmail(ctx context.Context, flow emailFlow, userID uuid.UUID, address string) error {
	user, err := s.FindUserByID(ctx, userID)
	if err != nil {
		return err
	}

	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		address = flow.pick(user)
		if address == "" {
			return newError(KindUnknownAddress, nil, "userId", userID.String())
		}
	} else if !user.HasEmail(address) {
		return newError(KindUnknownAddress, nil, "userId", userID.String(), "address", address)
	}

	token, err := s.onetime.Issue(ctx, userID, address, flow.purpose)
	if err != nil {
		return err
	}

	link, err := url.JoinPath(s.cfg.SiteURL, flow.path, token)
	if err != nil {
		return infraErr(err, "LINK_BUILD_FAILED", "build link")
	}

	msg := flow.template.Render(s.cfg.MailFrom, address, map[string]string{
		"url":       link,
		"expiresIn": mail.FormatDuration(s.onetime.ttl[flow.purpose]),
	})
	if err := s.mailer.Send(ctx, msg); err != nil {
		return infraErr(err, "MAIL_SEND_FAILED", "send "+string(flow.purpose)+" email")
	}

	s.logger.Info("single-use token sent", "user_id", userID, "purpose", flow.purpose)
	return nil
}

// VerifyEmail redeems a verify-email token.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	return s.onetime.RedeemVerification(ctx, token)
}

// ResetPassword redeems a reset-password or enroll token, sets newPassword and
// invalidates every session of the user.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	userID, err := s.onetime.RedeemPasswordReset(ctx, token, newPassword)
	if err != nil {
		return err
	}

	n, err := s.sessions.InvalidateAllForUser(ctx, userID)
	if err != nil {
		return err
	}
	s.logger.Info("password reset", "user_id", userID, "sessions_invalidated", n)
	return nil
}
