package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/MGallo-Code/warden/internal/accounts"
	"github.com/MGallo-Code/warden/internal/config"
	"github.com/MGallo-Code/warden/internal/store"
	"github.com/MGallo-Code/warden/internal/tokens"
)

// NewRootCmd creates the root command for the warden CLI.
// Every subcommand gets a loaded config and a JSON slog default.
func NewRootCmd() *cobra.Command {
	var cfg config.Config

	cmd := &cobra.Command{
		Use:           "warden",
		Short:         "warden - credential and session service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// .env is a development convenience; real deployments set the environment.
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return oops.Code("CONFIG_INVALID").With("file", ".env").Wrap(err)
			}
			loaded, err := config.LoadConfig()
			if err != nil {
				return oops.Code("CONFIG_INVALID").Wrap(err)
			}
			cfg = *loaded
			setupLogger(cfg.LogLevel)
			return nil
		},
	}

	cmd.AddCommand(newServeCmd(&cfg))
	cmd.AddCommand(newMigrateCmd(&cfg))
	cmd.AddCommand(newUserCmd(&cfg))
	return cmd
}

// setupLogger installs a JSON slog handler at level.
// Source locations are included at debug level only.
func setupLogger(level slog.Level) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	})))
}

func newServeCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the HTTP server. Pending migrations are applied first.
REDIS_URL enables the session cache, the mail queue and rate limiting.`,
		RunE: func(*cobra.Command, []string) error {
			return serve(cfg)
		},
	}
}

func newMigrateCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Run all pending database migrations against the PostgreSQL database.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			migrationsFS, err := migrations()
			if err != nil {
				return err
			}
			if err := store.Migrate(cmd.Context(), cfg.DatabaseURL, migrationsFS); err != nil {
				return oops.Code("MIGRATION_FAILED").With("operation", "run migrations").Wrap(err)
			}
			cmd.Println("Migrations completed successfully")
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			migrationsFS, err := migrations()
			if err != nil {
				return err
			}
			statuses, err := store.MigrationStatus(cmd.Context(), cfg.DatabaseURL, migrationsFS)
			if err != nil {
				return oops.Code("MIGRATION_STATUS_FAILED").With("operation", "read migration status").Wrap(err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()
			fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED AT\tFILE")
			for _, s := range statuses {
				applied := "-"
				if !s.AppliedAt.IsZero() {
					applied = s.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Source.Version, s.State, applied, s.Source.Path)
			}
			return nil
		},
	})
	return cmd
}

func newUserCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	var username, email, password string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		Long: `Create a user. Without --password the user is sent an enrollment
email with a link to choose one, so --email is required in that case.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" && email == "" {
				return oops.Code("CONFIG_INVALID").Errorf("--email is required when --password is not set")
			}
			return createUser(cmd.Context(), cmd, cfg, accounts.NewUser{
				Username: username,
				Email:    email,
				Password: password,
			})
		},
	}
	create.Flags().StringVar(&username, "username", "", "username")
	create.Flags().StringVar(&email, "email", "", "primary email address")
	create.Flags().StringVar(&password, "password", "", "initial password; omit to send an enrollment email")
	cmd.AddCommand(create)
	return cmd
}

// createUser opens the store, creates nu and sends enrollment when nu has no password.
func createUser(ctx context.Context, cmd *cobra.Command, cfg *config.Config, nu accounts.NewUser) error {
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
	}
	defer ps.Close()

	codec, err := tokens.NewCodec(cfg.TokenConfig())
	if err != nil {
		return oops.Code("CONFIG_INVALID").Wrap(err)
	}
	svc := accounts.NewService(cfg.AccountsConfig(), ps, codec, newMailer(cfg), accounts.WithLogger(slog.Default()))

	id, err := svc.CreateUser(ctx, nu)
	if err != nil {
		return err
	}
	cmd.Println("Created user", id)

	if nu.Password == "" {
		if err := svc.SendEnrollmentEmail(ctx, id, ""); err != nil {
			return oops.Code("ENROLLMENT_SEND_FAILED").With("user_id", id).Wrap(err)
		}
		cmd.Println("Enrollment email sent to", nu.Email)
	}
	return nil
}
