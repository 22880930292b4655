// template.go
//
// Plaintext subject/body templates with %%key%% placeholders.
package mail

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Template is a plaintext email with %%key%% placeholders in Subject and Text.
type Template struct {
	Subject string
	Text    string
}

// Render substitutes vars into t and returns a Message addressed from -> to.
// Unresolved placeholders are stripped.
func (t Template) Render(from, to string, vars map[string]string) Message {
	return Message{
		From:    from,
		To:      to,
		Subject: applyVars(t.Subject, vars),
		Text:    applyVars(t.Text, vars),
	}
}

// Built-in templates. Vars: url, expiresIn.
var (
	VerifyEmailTemplate = Template{
		Subject: "Confirm your email address",
		Text: "Please verify your email address.\n\n" +
			"Click the link below to confirm your email:\n\n" +
			"%%url%%\n\n" +
			"This link expires in %%expiresIn%%. If you did not request this, ignore this email.",
	}

	ResetPasswordTemplate = Template{
		Subject: "Reset your password",
		Text: "You requested a password reset.\n\n" +
			"Click the link below to choose a new password:\n\n" +
			"%%url%%\n\n" +
			"This link expires in %%expiresIn%%. If you did not request a reset, ignore this email.",
	}

	EnrollTemplate = Template{
		Subject: "Finish setting up your account",
		Text: "An account has been created for you.\n\n" +
			"Click the link below to choose a password and activate it:\n\n" +
			"%%url%%\n\n" +
			"This link expires in %%expiresIn%%.",
	}
)

// unresolvedPlaceholder matches any %%word%% placeholder left after substitution.
var unresolvedPlaceholder = regexp.MustCompile(`%%\w+%%`)

// applyVars substitutes %%key%% placeholders in tmpl using vars, then strips any
// that remain unresolved rather than leaving them in the output.
func applyVars(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for key, value := range vars {
		pairs = append(pairs, "%%"+key+"%%", value)
	}
	substituted := strings.NewReplacer(pairs...).Replace(tmpl)
	return unresolvedPlaceholder.ReplaceAllString(substituted, "")
}

// FormatDuration renders a duration as a human-readable expiry string.
// e.g. time.Hour → "1 hour", 48*time.Hour → "2 days", 30*time.Minute → "30 minutes".
func FormatDuration(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	case d >= time.Hour:
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	default:
		mins := int(d.Minutes())
		if mins == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", mins)
	}
}
