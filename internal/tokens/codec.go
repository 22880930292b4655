// codec.go -- Signed, expiring access and refresh tokens.
//
// Access tokens carry the session id under data.sessionId; refresh tokens carry
// only an expiry. Both are HMAC-signed JWTs tagged with a typ claim so one can
// never stand in for the other. Nothing here is persisted.
package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is wrapped by every Verify failure: bad signature, wrong
// algorithm, malformed payload, or expiry (unless ignored).
var ErrInvalidToken = errors.New("invalid token")

// Config holds the signing secret and expiry policy. Built once at startup.
type Config struct {
	Secret     []byte
	Algorithm  string // HS256, HS384 or HS512; empty means HS256
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Token types carried in the typ claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// SessionData is the access token's data claim.
type SessionData struct {
	SessionID string `json:"sessionId"`
}

// Claims is the decoded token payload. Data is nil for refresh tokens.
type Claims struct {
	Type string       `json:"typ"`
	Data *SessionData `json:"data,omitempty"`
	jwt.RegisteredClaims
}

// VerifyOptions tunes Verify. IgnoreExpiration is used on the refresh path,
// where an expired access token is still acceptable input.
// A non-empty Type requires a matching typ claim.
type VerifyOptions struct {
	IgnoreExpiration bool
	Type             string
}

// Pair is a freshly minted access + refresh token pair.
type Pair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Codec issues and verifies tokens. Safe for concurrent use; holds no mutable state.
type Codec struct {
	secret     []byte
	method     jwt.SigningMethod
	accessTTL  time.Duration
	refreshTTL time.Duration

	// now is overridable in tests.
	now func() time.Time
}

// NewCodec validates cfg and returns a ready Codec.
func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token secret is required")
	}
	alg := cfg.Algorithm
	if alg == "" {
		alg = jwt.SigningMethodHS256.Alg()
	}
	method, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("unsupported token algorithm %q", alg)
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token TTLs must be positive")
	}
	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)
	return &Codec{
		secret:     secret,
		method:     method,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}, nil
}

// IssueAccessToken signs {typ:access, data:{sessionId}, exp}.
func (c *Codec) IssueAccessToken(sessionID string) (string, error) {
	return c.sign(Claims{
		Type: TypeAccess,
		Data: &SessionData{SessionID: sessionID},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(c.now().Add(c.accessTTL)),
		},
	})
}

// IssueRefreshToken signs {typ:refresh, exp}.
func (c *Codec) IssueRefreshToken() (string, error) {
	return c.sign(Claims{
		Type: TypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(c.now().Add(c.refreshTTL)),
		},
	})
}

// IssuePair mints an access token for sessionID plus a refresh token.
func (c *Codec) IssuePair(sessionID string) (*Pair, error) {
	access, err := c.IssueAccessToken(sessionID)
	if err != nil {
		return nil, err
	}
	refresh, err := c.IssueRefreshToken()
	if err != nil {
		return nil, err
	}
	return &Pair{AccessToken: access, RefreshToken: refresh}, nil
}

func (c *Codec) sign(claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(c.method, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and algorithm, expiry unless opts.IgnoreExpiration,
// and the token type when opts.Type is set. All failures wrap ErrInvalidToken.
func (c *Codec) Verify(token string, opts VerifyOptions) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithTimeFunc(c.now),
	}
	if opts.IgnoreExpiration {
		parserOpts = append(parserOpts, jwt.WithoutClaimsValidation())
	} else {
		parserOpts = append(parserOpts, jwt.WithExpirationRequired())
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if opts.Type != "" && claims.Type != opts.Type {
		return nil, fmt.Errorf("%w: expected %s token, got %q", ErrInvalidToken, opts.Type, claims.Type)
	}
	// Refresh tokens never name a session.
	if claims.Type == TypeRefresh && claims.Data != nil {
		return nil, fmt.Errorf("%w: refresh token carries session data", ErrInvalidToken)
	}
	return claims, nil
}

// SessionID extracts the session id from access token claims.
func (c *Claims) SessionID() (string, error) {
	if c.Data == nil || c.Data.SessionID == "" {
		return "", fmt.Errorf("%w: missing session id", ErrInvalidToken)
	}
	return c.Data.SessionID, nil
}
