// password_handler.go -- HTTP handlers for password change and reset.
package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MGallo-Code/warden/internal/accounts"
)

// resetSentMessage is the only success body for reset requests, so callers
// can't tell whether the account or address exists.
const resetSentMessage = "if that account exists, a reset link has been sent"

// PasswordChange handles POST /password/change. Requires RequireAuth.
// Every session of the user is invalidated on success, including the caller's.
func (h *AuthHandler) PasswordChange(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errMissingUser)
		return
	}
	var input struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}

	if err := h.Svc.ChangePassword(r.Context(), user.ID, input.CurrentPassword, input.NewPassword); err != nil {
		WriteError(w, r, err)
		return
	}
	logInfo(r, "password changed", "user_id", user.ID)
	OK(w, "password updated")
}

// PasswordReset handles POST /password/reset.
// Redeems a reset-password or enroll token and sets the new password.
func (h *AuthHandler) PasswordReset(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}
	if input.Token == "" {
		malformed(w, r, "token required")
		return
	}

	if err := h.Svc.ResetPassword(r.Context(), input.Token, input.Password); err != nil {
		WriteError(w, r, err)
		return
	}
	OK(w, "password updated")
}

// SendResetPasswordEmail handles POST /password/reset/send.
// Body: {"user": <selector>, "address": "..."}. Unknown users and addresses get
// the same 200 as a real send; malformed input and infrastructure failures don't.
// Rate limited per requested user before lookup, so a 429 leaks nothing either.
func (h *AuthHandler) SendResetPasswordEmail(w http.ResponseWriter, r *http.Request) {
	var input struct {
		User    json.RawMessage `json:"user"`
		Address string          `json:"address"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}
	sel, err := parseSelector(input.User)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if !h.allow(w, r, "password reset", rateKey("reset", sel), h.Policies.PasswordReset) {
		return
	}

	err = h.sendReset(r, sel, input.Address)
	switch {
	case err == nil:
	case errors.Is(err, accounts.ErrUserNotFound), errors.Is(err, accounts.ErrUnknownAddress):
		logWarn(r, "password reset not sent", "reason", err.Error())
	default:
		WriteError(w, r, err)
		return
	}
	OK(w, resetSentMessage)
}

func (h *AuthHandler) sendReset(r *http.Request, sel accounts.Selector, address string) error {
	user, err := h.Svc.FindUser(r.Context(), sel)
	if err != nil {
		return err
	}
	return h.Svc.SendResetPasswordEmail(r.Context(), user.ID, address)
}
