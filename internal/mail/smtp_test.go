// smtp_test.go
//
// Unit tests for pure mail helpers + integration tests for SMTPMailer.
// Integration tests require real SMTP credentials and skip gracefully if unset.
package mail

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

// --- Unit tests (no SMTP required) ---

func TestApplyVars(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars map[string]string
		want string
	}{
		{
			name: "substitutes known keys",
			tmpl: "Your link is %%url%%, valid %%expiresIn%%",
			vars: map[string]string{"url": "https://example.com", "expiresIn": "1 hour"},
			want: "Your link is https://example.com, valid 1 hour",
		},
		{
			name: "strips unresolved placeholders",
			tmpl: "Hello %%firstName%%, click %%url%%",
			vars: map[string]string{"url": "u"},
			want: "Hello , click u",
		},
		{
			name: "nil vars strips all placeholders",
			tmpl: "%%greeting%%",
			vars: nil,
			want: "",
		},
		{
			name: "no placeholders passes through unchanged",
			tmpl: "Hello there, click the link.",
			vars: map[string]string{"url": "u"},
			want: "Hello there, click the link.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := applyVars(tt.tmpl, tt.vars)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{time.Minute, "1 minute"},
		{30 * time.Minute, "30 minutes"},
		{time.Hour, "1 hour"},
		{2 * time.Hour, "2 hours"},
		{24 * time.Hour, "1 day"},
		{72 * time.Hour, "3 days"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := FormatDuration(tt.d)
			if got != tt.want {
				t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
			}
		})
	}
}

func TestTemplateRender(t *testing.T) {
	msg := ResetPasswordTemplate.Render("no-reply@x.io", "ann@x.io", map[string]string{
		"url":       "https://x.io/reset-password/abc",
		"expiresIn": "1 hour",
	})

	if msg.From != "no-reply@x.io" || msg.To != "ann@x.io" {
		t.Errorf("addressing: got %q -> %q", msg.From, msg.To)
	}
	if msg.Subject != "Reset your password" {
		t.Errorf("subject: got %q", msg.Subject)
	}
	if !strings.Contains(msg.Text, "https://x.io/reset-password/abc") {
		t.Errorf("body missing url: %q", msg.Text)
	}
	if !strings.Contains(msg.Text, "expires in 1 hour") {
		t.Errorf("body missing expiry: %q", msg.Text)
	}
	if strings.Contains(msg.Text, "%%") {
		t.Errorf("unresolved placeholder left in body: %q", msg.Text)
	}
}

func TestFormatMessage(t *testing.T) {
	t.Run("renders headers then body", func(t *testing.T) {
		raw, err := formatMessage(Message{From: "a@x.io", To: "b@x.io", Subject: "Hi", Text: "body"})
		if err != nil {
			t.Fatalf("formatMessage: %v", err)
		}
		if !strings.HasPrefix(raw, "From: a@x.io\r\nTo: b@x.io\r\nSubject: Hi\r\n") {
			t.Errorf("unexpected headers: %q", raw)
		}
		if !strings.HasSuffix(raw, "\r\n\r\nbody") {
			t.Errorf("unexpected body: %q", raw)
		}
	})

	t.Run("rejects header injection", func(t *testing.T) {
		_, err := formatMessage(Message{From: "a@x.io", To: "b@x.io\r\nBcc: evil@x.io", Subject: "Hi"})
		if !errors.Is(err, ErrHeaderInjection) {
			t.Errorf("expected ErrHeaderInjection, got %v", err)
		}
	})
}

func TestNopMailer(t *testing.T) {
	if err := (NopMailer{}).Send(context.Background(), Message{To: "x@x.io"}); err != nil {
		t.Errorf("NopMailer.Send: %v", err)
	}
}

// --- Integration tests (require SMTP credentials) ---

// smtpTestMailer returns a configured SMTPMailer, sender and recipient, or skips if env vars are missing.
func smtpTestMailer(t *testing.T) (*SMTPMailer, string, string) {
	t.Helper()
	host := os.Getenv("SMTP_HOST")
	port := os.Getenv("SMTP_PORT")
	username := os.Getenv("SMTP_USERNAME")
	password := os.Getenv("SMTP_PASSWORD")
	from := os.Getenv("MAIL_FROM")
	to := os.Getenv("TEST_SMTP_TO")

	if host == "" || port == "" || from == "" || to == "" {
		t.Skip("smtp integration test: set SMTP_*, MAIL_FROM and TEST_SMTP_TO to run")
	}

	return NewSMTPMailer(SMTPConfig{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
	}), from, to
}

func TestSMTPMailer_Send(t *testing.T) {
	mailer, from, to := smtpTestMailer(t)

	msg := VerifyEmailTemplate.Render(from, to, map[string]string{
		"url":       "https://example.com/verify-email/test-token",
		"expiresIn": FormatDuration(24 * time.Hour),
	})
	if err := mailer.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
}
