// middleware_test.go -- unit tests for RequireAuth and bearer token parsing.
package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", true},
		{"bearer abc", "abc", true},
		{"BEARER  abc ", "abc", true},
		{"Basic dXNlcjpwYXNz", "", false},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			r.Header.Set("Authorization", tc.header)
		}
		token, ok := bearerToken(r)
		if token != tc.token || ok != tc.ok {
			t.Errorf("bearerToken(%q) = (%q, %v), expected (%q, %v)", tc.header, token, ok, tc.token, tc.ok)
		}
	}
}

func TestRequireAuth(t *testing.T) {
	var reached bool
	next := func(w http.ResponseWriter, r *http.Request) {
		reached = true
		user, ok := UserFromContext(r.Context())
		if !ok {
			t.Error("expected user in context")
		}
		tok, ok := AccessTokenFromContext(r.Context())
		if !ok || tok == "" {
			t.Error("expected access token in context")
		}
		WriteJSON(w, http.StatusOK, map[string]string{"id": user.ID.String()})
	}

	t.Run("missing header returns 401", func(t *testing.T) {
		e := newTestEnv(t)
		reached = false
		w := e.serveAuthed(next, http.MethodGet, "/me", "", "")
		assertMessage(t, w, http.StatusUnauthorized, "unauthorized")
		if reached {
			t.Error("next handler must not run")
		}
	})

	t.Run("wrong scheme returns 401", func(t *testing.T) {
		e := newTestEnv(t)
		r := httptest.NewRequest(http.MethodGet, "/me", nil)
		r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		w := httptest.NewRecorder()
		e.h.RequireAuth(http.HandlerFunc(next)).ServeHTTP(w, r)
		assertMessage(t, w, http.StatusUnauthorized, "unauthorized")
	})

	t.Run("garbage token returns 403 TokensInvalid", func(t *testing.T) {
		e := newTestEnv(t)
		w := e.serveAuthed(next, http.MethodGet, "/me", "", "not-a-jwt")
		assertMessage(t, w, http.StatusForbidden, "TokensInvalid")
	})

	t.Run("refresh token is not an access token", func(t *testing.T) {
		e := newTestEnv(t)
		e.seedAnn()
		tok := e.login(t)
		w := e.serveAuthed(next, http.MethodGet, "/me", "", tok.RefreshToken)
		assertMessage(t, w, http.StatusForbidden, "TokensInvalid")
	})

	t.Run("invalidated session returns 403 SessionInvalidated", func(t *testing.T) {
		e := newTestEnv(t)
		e.seedAnn()
		tok := e.login(t)
		serve(e.h.Logout, http.MethodPost, "/logout", "", tok.AccessToken)

		reached = false
		w := e.serveAuthed(next, http.MethodGet, "/me", "", tok.AccessToken)
		assertMessage(t, w, http.StatusForbidden, "SessionInvalidated")
		if reached {
			t.Error("next handler must not run")
		}
	})

	t.Run("valid token reaches handler with user", func(t *testing.T) {
		e := newTestEnv(t)
		ann := e.seedAnn()
		tok := e.login(t)

		reached = false
		w := e.serveAuthed(next, http.MethodGet, "/me", "", tok.AccessToken)
		if w.Code != http.StatusOK || !reached {
			t.Fatalf("expected 200 from next, got %d", w.Code)
		}
		if expected := `{"id":"` + ann.ID.String() + `"}`; w.Body.String() != expected+"\n" {
			t.Errorf("body: expected %s, got %s", expected, w.Body.String())
		}
	})
}

func TestWriteError_NonDomainError(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	WriteError(w, r, http.ErrHandlerTimeout)
	assertMessage(t, w, http.StatusInternalServerError, "internal server error")
}
