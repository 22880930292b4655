// email_handler.go -- HTTP handlers for email verification and the email set.
package auth

import (
	"net/http"

	"github.com/MGallo-Code/warden/internal/accounts"
)

// VerifyEmail handles POST /email/verify.
// Redeems a verify-email token; the address it was issued for becomes verified.
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Token string `json:"token"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}
	if input.Token == "" {
		malformed(w, r, "token required")
		return
	}

	if err := h.Svc.VerifyEmail(r.Context(), input.Token); err != nil {
		WriteError(w, r, err)
		return
	}
	OK(w, "email verified")
}

// SendVerificationEmail handles POST /email/verify/send. Requires RequireAuth.
// An empty address picks the caller's first unverified email.
// Rate limited per caller under Policies.VerificationResend.
func (h *AuthHandler) SendVerificationEmail(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errMissingUser)
		return
	}
	var input struct {
		Address string `json:"address"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}
	if !h.allow(w, r, "verification resend", rateKey("verify", accounts.ByID(user.ID)), h.Policies.VerificationResend) {
		return
	}

	if err := h.Svc.SendVerificationEmail(r.Context(), user.ID, input.Address); err != nil {
		WriteError(w, r, err)
		return
	}
	OK(w, "verification email sent")
}

// AddEmail handles POST /emails. Requires RequireAuth.
// New addresses start unverified.
func (h *AuthHandler) AddEmail(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errMissingUser)
		return
	}
	var input struct {
		Address string `json:"address"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}

	if err := h.Svc.AddEmail(r.Context(), user.ID, input.Address, false); err != nil {
		WriteError(w, r, err)
		return
	}
	logInfo(r, "email added", "user_id", user.ID)
	WriteJSON(w, http.StatusCreated, map[string]string{"message": "email added"})
}

// RemoveEmail handles DELETE /emails. Requires RequireAuth.
func (h *AuthHandler) RemoveEmail(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errMissingUser)
		return
	}
	var input struct {
		Address string `json:"address"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}

	if err := h.Svc.RemoveEmail(r.Context(), user.ID, input.Address); err != nil {
		WriteError(w, r, err)
		return
	}
	logInfo(r, "email removed", "user_id", user.ID)
	OK(w, "email removed")
}
