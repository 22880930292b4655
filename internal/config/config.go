// config.go

// Environment variable loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MGallo-Code/warden/internal/accounts"
	"github.com/MGallo-Code/warden/internal/auth"
	"github.com/MGallo-Code/warden/internal/store"
	"github.com/MGallo-Code/warden/internal/tokens"
)

// minSecretLen is the shortest TOKEN_SECRET accepted (256 bits).
const minSecretLen = 32

// Config holds all env configuration vars for warden.
type Config struct {
	DatabaseURL string
	// RedisURL is optional. Empty disables the session cache and the mail queue.
	RedisURL string
	Port     string
	LogLevel slog.Level

	// Bearer token signing.
	TokenSecret     []byte
	TokenAlgorithm  string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// SiteURL is the base for links in outbound mail.
	SiteURL  string
	MailFrom string

	// SMTP configuration for outbound email. Empty Host disables sending (NopMailer).
	SMTPHost     string
	SMTPPort     string // defaults to 587
	SMTPUsername string
	SMTPPassword string
	MailQueueMax int

	// Single-use token lifetimes. Defaults: 24h verify, 1h reset, 72h enroll.
	VerifyTokenTTL time.Duration
	ResetTokenTTL  time.Duration
	EnrollTokenTTL time.Duration

	// SessionCacheTTL bounds how long a Redis validity entry lives.
	SessionCacheTTL time.Duration

	PasswordMinLength int
	PasswordMaxLength int

	// Rate limit policy for login attempts per requested user.
	// Defaults: max=10, window=10m, lockout=15m.
	RateLoginMax     int
	RateLoginWindow  time.Duration
	RateLoginLockout time.Duration

	// Rate limit policy for password reset requests per requested user.
	// Defaults: max=3, window=1h, lockout=1h.
	RateResetMax     int
	RateResetWindow  time.Duration
	RateResetLockout time.Duration

	// Rate limit policy for verification resends per signed-in user.
	// Defaults: max=3, window=1h, lockout=1h.
	RateVerifyMax     int
	RateVerifyWindow  time.Duration
	RateVerifyLockout time.Duration

	// External IdP password grant. Empty issuer keeps local password verification.
	OIDCIssuerURL    string
	OIDCClientID     string
	OIDCClientSecret string
}

// LoadConfig reads environment variables and returns a validated Config.
// Returns an error if required variables (DATABASE_URL, TOKEN_SECRET, SITE_URL)
// are missing or malformed.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "7865"
	}

	// Parse log level, default to info
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	secret := os.Getenv("TOKEN_SECRET")
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("TOKEN_SECRET must be at least %d bytes", minSecretLen)
	}
	cfg.TokenSecret = []byte(secret)

	cfg.TokenAlgorithm = strings.ToUpper(os.Getenv("TOKEN_ALGORITHM"))
	switch cfg.TokenAlgorithm {
	case "":
		cfg.TokenAlgorithm = "HS256"
	case "HS256", "HS384", "HS512":
	default:
		return nil, fmt.Errorf("TOKEN_ALGORITHM must be one of HS256, HS384, HS512")
	}
	cfg.AccessTokenTTL = envDuration("ACCESS_TOKEN_TTL", 90*time.Minute)
	cfg.RefreshTokenTTL = envDuration("REFRESH_TOKEN_TTL", 168*time.Hour)

	// Tokens in links must not travel over plain HTTP outside local development.
	cfg.SiteURL = strings.TrimRight(os.Getenv("SITE_URL"), "/")
	if err := validateSiteURL(cfg.SiteURL); err != nil {
		return nil, err
	}

	cfg.MailFrom = os.Getenv("MAIL_FROM")
	if cfg.MailFrom == "" {
		cfg.MailFrom = "no-reply@localhost"
	}
	cfg.SMTPHost = os.Getenv("SMTP_HOST")
	cfg.SMTPPort = os.Getenv("SMTP_PORT")
	if cfg.SMTPPort == "" {
		cfg.SMTPPort = "587"
	}
	cfg.SMTPUsername = os.Getenv("SMTP_USERNAME")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	cfg.MailQueueMax = envInt("MAIL_QUEUE_MAX", 1000)

	cfg.VerifyTokenTTL = envDuration("VERIFY_TOKEN_TTL", 24*time.Hour)
	cfg.ResetTokenTTL = envDuration("RESET_TOKEN_TTL", time.Hour)
	cfg.EnrollTokenTTL = envDuration("ENROLL_TOKEN_TTL", 72*time.Hour)
	cfg.SessionCacheTTL = envDuration("SESSION_CACHE_TTL", 5*time.Minute)

	cfg.PasswordMinLength = envInt("PASSWORD_MIN_LENGTH", accounts.DefaultPasswordPolicy.MinLength)
	cfg.PasswordMaxLength = envInt("PASSWORD_MAX_LENGTH", accounts.DefaultPasswordPolicy.MaxLength)
	if cfg.PasswordMinLength > cfg.PasswordMaxLength {
		return nil, fmt.Errorf("PASSWORD_MIN_LENGTH must not exceed PASSWORD_MAX_LENGTH")
	}

	// Rate limits. A missing or invalid value falls back to the default so a
	// misconfigured env doesn't silently disable limiting. Needs REDIS_URL.
	def := auth.DefaultRateLimitPolicies
	cfg.RateLoginMax = envInt("RATE_LOGIN_MAX", def.Login.MaxAttempts)
	cfg.RateLoginWindow = envDuration("RATE_LOGIN_WINDOW", def.Login.Window)
	cfg.RateLoginLockout = envDuration("RATE_LOGIN_LOCKOUT", def.Login.LockoutTTL)
	cfg.RateResetMax = envInt("RATE_RESET_MAX", def.PasswordReset.MaxAttempts)
	cfg.RateResetWindow = envDuration("RATE_RESET_WINDOW", def.PasswordReset.Window)
	cfg.RateResetLockout = envDuration("RATE_RESET_LOCKOUT", def.PasswordReset.LockoutTTL)
	cfg.RateVerifyMax = envInt("RATE_VERIFY_MAX", def.VerificationResend.MaxAttempts)
	cfg.RateVerifyWindow = envDuration("RATE_VERIFY_WINDOW", def.VerificationResend.Window)
	cfg.RateVerifyLockout = envDuration("RATE_VERIFY_LOCKOUT", def.VerificationResend.LockoutTTL)

	cfg.OIDCIssuerURL = os.Getenv("OIDC_ISSUER_URL")
	cfg.OIDCClientID = os.Getenv("OIDC_CLIENT_ID")
	cfg.OIDCClientSecret = os.Getenv("OIDC_CLIENT_SECRET")
	if cfg.OIDCIssuerURL != "" && cfg.OIDCClientID == "" {
		return nil, fmt.Errorf("OIDC_CLIENT_ID is required when OIDC_ISSUER_URL is set")
	}

	return cfg, nil
}

// validateSiteURL requires an absolute https URL, or http on a loopback host.
func validateSiteURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("SITE_URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("SITE_URL must be an absolute URL")
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return nil
		}
	}
	return fmt.Errorf("SITE_URL must start with https:// (http:// only for localhost)")
}

// TokenConfig is the Codec configuration.
func (c *Config) TokenConfig() tokens.Config {
	return tokens.Config{
		Secret:     c.TokenSecret,
		Algorithm:  c.TokenAlgorithm,
		AccessTTL:  c.AccessTokenTTL,
		RefreshTTL: c.RefreshTokenTTL,
	}
}

// AccountsConfig is the immutable policy handed to accounts.NewService.
func (c *Config) AccountsConfig() accounts.Config {
	return accounts.Config{
		SiteURL:        c.SiteURL,
		MailFrom:       c.MailFrom,
		VerifyTokenTTL: c.VerifyTokenTTL,
		ResetTokenTTL:  c.ResetTokenTTL,
		EnrollTokenTTL: c.EnrollTokenTTL,
		PasswordPolicy: accounts.PasswordPolicy{
			MinLength: c.PasswordMinLength,
			MaxLength: c.PasswordMaxLength,
		},
	}
}

// RateLimitPolicies is the per-action limiter policy handed to auth.AuthHandler.
func (c *Config) RateLimitPolicies() auth.RateLimitPolicies {
	return auth.RateLimitPolicies{
		Login:              store.RateLimit{MaxAttempts: c.RateLoginMax, Window: c.RateLoginWindow, LockoutTTL: c.RateLoginLockout},
		PasswordReset:      store.RateLimit{MaxAttempts: c.RateResetMax, Window: c.RateResetWindow, LockoutTTL: c.RateResetLockout},
		VerificationResend: store.RateLimit{MaxAttempts: c.RateVerifyMax, Window: c.RateVerifyWindow, LockoutTTL: c.RateVerifyLockout},
	}
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
