package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/consent/internal/config"
	"github.com/ehr/consent/internal/domain/access"
	"github.com/ehr/consent/internal/domain/consent"
	"github.com/ehr/consent/internal/domain/handshake"
	"github.com/ehr/consent/internal/domain/token"
	"github.com/ehr/consent/internal/platform/auth"
	"github.com/ehr/consent/internal/platform/db"
	"github.com/ehr/consent/internal/platform/middleware"
	"github.com/ehr/consent/internal/platform/notification"
)

var version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "consent-server",
		Short: "QR consent and access authorization server",
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(queueCmd())
	root.AddCommand(tokensCmd())
	root.AddCommand(versionCmd())
	return root
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, _ := cmd.Flags().GetString("seed")
			return runServer(seed)
		},
	}
	cmd.Flags().String("seed", "", "JSON directory seed file (STORAGE=memory only)")
	return cmd
}

func runServer(seedFile string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	a, err := newApp(context.Background(), cfg, logger, seedFile)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise services")
		return err
	}
	defer a.Close()

	e := newServer(a)

	pollCtx, stopPoll := context.WithCancel(context.Background())
	defer stopPoll()
	if cfg.QueuePollInterval > 0 {
		go a.processor.Poll(pollCtx, cfg.QueuePollInterval, cfg.QueueBatchSize)
		logger.Info().Dur("interval", cfg.QueuePollInterval).Int("batch_size", cfg.QueueBatchSize).Msg("notification poller started")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("storage", cfg.Storage).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stopPoll()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newServer(a *app) *echo.Echo {
	cfg := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(a.metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", access.TokenHeader},
	}))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}
		if cfg.AuthSigningKey != "" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/ready", db.HealthHandler(a.pool, a.healthChecks()))
	e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))

	api := e.Group("/api/v1")
	api.Use(middleware.RequestTimeout(30 * time.Second))

	consent.NewHandler(a.store, a.dir).RegisterRoutes(api)
	handshake.NewHandler(a.handshake, a.dir).RegisterRoutes(api)
	token.NewHandler(a.tokens).RegisterRoutes(api)
	access.NewHandler(a.authz).RegisterRoutes(api)

	admin := api.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	notification.NewHandler(a.queue, a.processor).RegisterRoutes(admin)

	return e
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(context.Context, *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.InMemory() {
		return fmt.Errorf("migrations need STORAGE=postgres")
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, dir))
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// withApp runs fn against services built from the environment. The admin
// commands use it to reach the same storage as the server.
func withApp(fn func(context.Context, *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg, newLogger(cfg), "")
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Operate the notification queue",
	}

	processCmd := &cobra.Command{
		Use:   "process",
		Short: "Drain and deliver one batch of due jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			size, _ := cmd.Flags().GetInt("batch-size")
			return withApp(func(ctx context.Context, a *app) error {
				res, err := a.processor.Process(ctx, size)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	processCmd.Flags().Int("batch-size", 10, "Jobs to claim (1-100)")
	cmd.AddCommand(processCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				stats, err := a.queue.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	})

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete completed and failed jobs older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			hours, _ := cmd.Flags().GetInt("older-than-hours")
			return withApp(func(ctx context.Context, a *app) error {
				n, err := a.queue.Cleanup(ctx, hours)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d job(s).\n", n)
				return nil
			})
		},
	}
	cleanupCmd.Flags().Int("older-than-hours", 24, "Retention window in hours (1-168)")
	cmd.AddCommand(cleanupCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Return a FAILED job to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.queue.Requeue(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %d requeued.\n", id)
				return nil
			})
		},
	})

	return cmd
}

func tokensCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Maintain access tokens",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				n, err := a.tokens.CleanupExpired(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d expired token(s).\n", n)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show token counts by type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				stats, err := a.tokens.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	})
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
