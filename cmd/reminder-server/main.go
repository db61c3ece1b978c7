package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/healthportal/reminders/internal/config"
	"github.com/healthportal/reminders/internal/platform/db"
	"github.com/healthportal/reminders/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "reminder-server",
		Short:        "Reminder scheduling and multi-channel delivery engine",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runDueCmd())
	rootCmd.AddCommand(escalationsCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// loadConfig loads and validates configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the in-process scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := loadConfig()
			if err != nil {
				logger.Error().Err(err).Msg("failed to load config")
				return err
			}
			return runServer(cfg, logger)
		},
	}
}

// runDueCmd runs one dispatch pass, for deployments that trigger the engine
// from cron instead of the in-process ticker.
func runDueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-due",
		Short: "Dispatch every reminder due now and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, func(ctx context.Context, a *app, now time.Time) (any, error) {
				return a.engine.RunDueReminders(ctx, now)
			})
		},
	}
	cmd.Flags().String("now", "", "Evaluate as of this RFC 3339 time instead of the current time")
	return cmd
}

func escalationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escalations",
		Short: "Run one escalation sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, func(ctx context.Context, a *app, now time.Time) (any, error) {
				return a.engine.CheckEscalations(ctx, now)
			})
		},
	}
	cmd.Flags().String("now", "", "Evaluate as of this RFC 3339 time instead of the current time")
	return cmd
}

func runOnce(cmd *cobra.Command, pass func(ctx context.Context, a *app, now time.Time) (any, error)) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if raw, _ := cmd.Flags().GetString("now"); raw != "" {
		now, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return fmt.Errorf("invalid --now: %w", err)
		}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := pass(ctx, a, now)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run Postgres schema migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closePool, err := openMigrator(ctx, cmd)
			if err != nil {
				return err
			}
			defer closePool()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closePool, err := openMigrator(ctx, cmd)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func openMigrator(ctx context.Context, cmd *cobra.Command) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.StoreDriver != config.StorePostgres {
		return nil, nil, fmt.Errorf("migrations apply to the %s store only; STORE_DRIVER is %q", config.StorePostgres, cfg.StoreDriver)
	}

	schema, _ := cmd.Flags().GetString("schema")
	if schema == "" {
		schema = cfg.DBSchema
	}

	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	migrator, err := db.NewMigrator(pool, migrations.FS, schema)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return migrator, pool.Close, nil
}
