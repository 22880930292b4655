package accounts

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/samber/oops"
)

// Kind classifies a domain failure. The string value is what callers see.
type Kind string

const (
	KindMalformedRequest      Kind = "MalformedRequest"
	KindUserNotFound          Kind = "UserNotFound"
	KindNoPasswordSet         Kind = "NoPasswordSet"
	KindInvalidPassword       Kind = "InvalidPassword"
	KindAuthenticationFailed  Kind = "AuthenticationFailed"
	KindDuplicateUsername     Kind = "DuplicateUsername"
	KindDuplicateEmail        Kind = "DuplicateEmail"
	KindTokensInvalid         Kind = "TokensInvalid"
	KindSessionNotFound       Kind = "SessionNotFound"
	KindSessionInvalidated    Kind = "SessionInvalidated"
	KindTokenExpiredOrInvalid Kind = "TokenExpiredOrInvalid"
	KindUnknownAddress        Kind = "UnknownAddress"
	KindResumeRejected        Kind = "ResumeRejected"
)

// Error is a domain failure: a Kind plus identifying context.
// Context never carries passwords or raw tokens.
type Error struct {
	Kind    Kind
	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, ErrInvalidPassword) works
// regardless of context.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Status is the HTTP-style status for the kind: 400 for malformed input, 403 otherwise.
// Not-found kinds fold into 403 so callers can't learn which accounts exist.
func (e *Error) Status() int {
	if e.Kind == KindMalformedRequest {
		return http.StatusBadRequest
	}
	return http.StatusForbidden
}

// Sentinels for errors.Is.
var (
	ErrMalformedRequest      = &Error{Kind: KindMalformedRequest}
	ErrUserNotFound          = &Error{Kind: KindUserNotFound}
	ErrNoPasswordSet         = &Error{Kind: KindNoPasswordSet}
	ErrInvalidPassword       = &Error{Kind: KindInvalidPassword}
	ErrAuthenticationFailed  = &Error{Kind: KindAuthenticationFailed}
	ErrDuplicateUsername     = &Error{Kind: KindDuplicateUsername}
	ErrDuplicateEmail        = &Error{Kind: KindDuplicateEmail}
	ErrTokensInvalid         = &Error{Kind: KindTokensInvalid}
	ErrSessionNotFound       = &Error{Kind: KindSessionNotFound}
	ErrSessionInvalidated    = &Error{Kind: KindSessionInvalidated}
	ErrTokenExpiredOrInvalid = &Error{Kind: KindTokenExpiredOrInvalid}
	ErrUnknownAddress        = &Error{Kind: KindUnknownAddress}
	ErrResumeRejected        = &Error{Kind: KindResumeRejected}
)

// newError builds an *Error. kv is alternating key/value context pairs.
func newError(kind Kind, cause error, kv ...any) *Error {
	e := &Error{Kind: kind, Err: cause}
	if len(kv) > 0 {
		e.Context = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			if k, ok := kv[i].(string); ok {
				e.Context[k] = kv[i+1]
			}
		}
	}
	return e
}

// malformed is newError(KindMalformedRequest, nil, "reason", reason).
func malformed(reason string) *Error {
	return newError(KindMalformedRequest, nil, "reason", reason)
}

// infraErr wraps an infrastructure failure with an oops code and the operation name.
// Domain errors pass through unchanged.
func infraErr(err error, code, operation string) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return oops.In("accounts").Code(code).With("operation", operation).Wrap(err)
}
