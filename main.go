package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/MGallo-Code/warden/internal/accounts"
	"github.com/MGallo-Code/warden/internal/auth"
	"github.com/MGallo-Code/warden/internal/config"
	"github.com/MGallo-Code/warden/internal/mail"
	"github.com/MGallo-Code/warden/internal/oauth"
	"github.com/MGallo-Code/warden/internal/store"
	"github.com/MGallo-Code/warden/internal/tokens"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// migrations returns the embedded migrations rooted at their directory.
func migrations() (fs.FS, error) {
	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	return migrationsFS, nil
}

// serve runs the HTTP server until SIGINT/SIGTERM.
func serve(cfg *config.Config) error {
	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, cfg, nil, nil)
}

// newMailer picks SMTP when a host is configured, NopMailer otherwise.
func newMailer(cfg *config.Config) mail.Mailer {
	if cfg.SMTPHost == "" {
		slog.Warn("SMTP_HOST not set; outbound email is disabled")
		return mail.NopMailer{}
	}
	return mail.NewSMTPMailer(mail.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
	})
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup (ps.Close, rdb.Close) always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
// A non-nil ml replaces the configured mailer and is called synchronously.
func run(ctx context.Context, cfg *config.Config, ready chan<- string, ml mail.Mailer) error {
	// Create new postgres store, return errors if any
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	// Close at end of run func
	defer ps.Close()

	migrationsFS, err := migrations()
	if err != nil {
		return err
	}
	if err := store.Migrate(ctx, cfg.DatabaseURL, migrationsFS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// workerCtx stops background goroutines when run() returns.
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	// Redis is optional: without it sessions are always read from Postgres,
	// mail is sent inline and nothing is rate limited.
	var cache accounts.SessionCache = store.NoopSessionCache{}
	var rs auth.HealthChecker = store.NoopSessionCache{}
	var rl auth.RateLimiter = store.NoopRateLimiter{}
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to set up redis client: %w", err)
		}
		defer rdb.Close()
		rc := store.NewRedisSessionCache(rdb, cfg.SessionCacheTTL)
		cache, rs = rc, rc
		rl = store.NewRedisRateLimiter(rdb)
	} else {
		slog.Warn("REDIS_URL not set; login and email rate limiting is disabled")
	}

	if ml == nil {
		ml = newMailer(cfg)
		if rdb != nil {
			q := mail.NewQueuedMailer(ml, rdb, int64(cfg.MailQueueMax), slog.Default())
			go q.StartWorker(workerCtx)
			ml = q
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	codec, err := tokens.NewCodec(cfg.TokenConfig())
	if err != nil {
		return fmt.Errorf("failed to set up token codec: %w", err)
	}

	opts := []accounts.Option{
		accounts.WithSessionCache(cache),
		accounts.WithMetrics(accounts.NewMetrics(reg)),
		accounts.WithLogger(slog.Default()),
	}
	if cfg.OIDCIssuerURL != "" {
		pg, err := oauth.NewPasswordGrantAuthenticator(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID, cfg.OIDCClientSecret, ps)
		if err != nil {
			return fmt.Errorf("failed to set up OIDC authenticator: %w", err)
		}
		opts = append(opts, accounts.WithAuthenticator(pg))
		slog.Info("password logins delegated to OIDC provider", "issuer", cfg.OIDCIssuerURL)
	}
	svc := accounts.NewService(cfg.AccountsConfig(), ps, codec, ml, opts...)

	// A cache outage degrades to Postgres reads, so it's not fatal at startup.
	if err := svc.CheckHealth(ctx); err != nil {
		slog.Warn("startup health check failed", "error", err)
	}

	h := &auth.AuthHandler{Svc: svc, PS: ps, RS: rs, RL: rl, Policies: cfg.RateLimitPolicies()}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{
		Handler:           buildRouter(h, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine; run() continues past this.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("warden listening", "addr", ln.Addr().String())
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	// Wait for server error or shutdown signal from ctx.
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	// In-flight requests get 30s to finish before Shutdown gives up.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// buildRouter wires all routes and middleware.
// Called from run() and from smoke tests.
func buildRouter(h *auth.AuthHandler, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.CheckHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Post("/users", h.CreateUser)
	r.Post("/login", h.Login)
	r.Post("/tokens/refresh", h.Refresh)
	r.Post("/logout", h.Logout)
	r.Post("/email/verify", h.VerifyEmail)
	r.Post("/password/reset", h.PasswordReset)
	r.Post("/password/reset/send", h.SendResetPasswordEmail)

	// Bearer token required
	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Get("/me", h.Me)
		r.Put("/profile", h.SetProfile)
		r.Patch("/profile", h.UpdateProfile)
		r.Post("/emails", h.AddEmail)
		r.Delete("/emails", h.RemoveEmail)
		r.Post("/email/verify/send", h.SendVerificationEmail)
		r.Post("/password/change", h.PasswordChange)
	})

	return r
}
