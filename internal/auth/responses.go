// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware. Fixed messages are plain ASCII; anything
// else goes through encoding/json.
package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MGallo-Code/warden/internal/accounts"
)

// InternalServerError logs the error and returns a generic 500 JSON response.
// Never exposes internal error details to prevent information leakage.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	w.Write([]byte(`{"message":"internal server error"}`))
}

// Unauthorized returns a 401 JSON response with a generic message.
// Used when no bearer token is presented at all.
func Unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"message":"unauthorized"}`))
}

// TooManyRequests returns a 429 JSON response.
// Rate limit rejections are not a domain error kind, so they bypass WriteError.
func TooManyRequests(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"message":"too many requests"}`))
}

// OK returns a 200 JSON response with the given message.
func OK(w http.ResponseWriter, message string) {
	WriteJSON(w, http.StatusOK, map[string]string{"message": message})
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError maps err onto a response. Domain errors become {"message": Kind}
// with the kind's status; anything else is a logged 500.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var de *accounts.Error
	if !errors.As(err, &de) {
		InternalServerError(w, r, err)
		return
	}
	logWarn(r, "request rejected", "kind", de.Kind, "context", de.Context)
	WriteJSON(w, de.Status(), map[string]string{"message": string(de.Kind)})
}

// malformed writes a MalformedRequest response.
func malformed(w http.ResponseWriter, r *http.Request, reason string) {
	WriteError(w, r, &accounts.Error{
		Kind:    accounts.KindMalformedRequest,
		Context: map[string]any{"reason": reason},
	})
}
