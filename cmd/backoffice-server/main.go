package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/backoffice/internal/config"
	"github.com/ehr/backoffice/internal/domain/intake"
	"github.com/ehr/backoffice/internal/platform/auth"
	"github.com/ehr/backoffice/internal/platform/db"
	"github.com/ehr/backoffice/internal/platform/middleware"
)

const devUser = "dev-user"

func main() {
	rootCmd := &cobra.Command{
		Use:          "backoffice-server",
		Short:        "Back-office intake forms API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(formsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the intake API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			return withMigrator(cmd.Context(), schema, func(ctx context.Context, m *db.Migrator) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			return withMigrator(cmd.Context(), schema, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Migration status for schema: %s\n", schema)
				printStatuses(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(ctx context.Context, schema string, fn func(context.Context, *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, db.Migrations(), schema))
}

func printStatuses(w io.Writer, statuses []db.MigrationStatus) {
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

func formsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forms",
		Short: "Inspect the registered intake forms",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered forms",
		RunE: func(cmd *cobra.Command, args []string) error {
			listForms(cmd.OutOrStdout(), intake.DefaultRegistry(0))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "describe <form>",
		Short: "Show the steps and submission phases of a form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return describeForm(cmd.OutOrStdout(), intake.DefaultRegistry(0), args[0])
		},
	})

	return cmd
}

func listForms(w io.Writer, reg *intake.Registry) {
	fmt.Fprintf(w, "%-14s %-12s %-8s %-6s %s\n", "ID", "ROLE", "PREFIX", "STEPS", "TITLE")
	for _, r := range reg.List() {
		fmt.Fprintf(w, "%-14s %-12s %-8s %-6d %s\n", r.Form.ID, r.Role, r.Prefix, r.Form.StepCount(), r.Form.Title)
	}
}

func describeForm(w io.Writer, reg *intake.Registry, formID string) error {
	r, ok := reg.Get(formID)
	if !ok {
		return fmt.Errorf("%w: %s", intake.ErrUnknownForm, formID)
	}
	out := r.Form.Outline()
	fmt.Fprintf(w, "%s (%s), role %s\n\nSteps:\n", out.Title, out.ID, r.Role)
	for _, s := range out.Steps {
		var tags []string
		if s.Conditional {
			tags = append(tags, "conditional")
		}
		if s.Review {
			tags = append(tags, "review")
		}
		line := fmt.Sprintf("  %d. %-14s %s", s.Ordinal, s.ID, s.Title)
		if len(tags) > 0 {
			line += " [" + strings.Join(tags, ", ") + "]"
		}
		fmt.Fprintln(w, line)
		fields := append(append([]string{}, s.Fields...), s.Collections...)
		fmt.Fprintf(w, "     fields: %s\n", strings.Join(fields, ", "))
	}
	fmt.Fprintln(w, "\nSubmission phases:")
	for _, p := range out.Phases {
		fmt.Fprintf(w, "  %3d%%  %-14s %s\n", p.Progress, p.Name, p.Message)
	}
	return nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if lvl, err := cfg.Level(); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	var out io.Writer = os.Stdout
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg)

	if cfg.IsDev() {
		logger.Warn().Str("user", devUser).
			Msg("development mode: requests without a bearer token run as an admin dev user")
	}

	// Database
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Intake sessions
	svc := intake.NewService(
		intake.DefaultRegistry(cfg.SubmitPhaseDelay),
		intake.NewDraftRepoPG(pool),
		intake.NewSubmissionRepoPG(pool),
		intake.WithTx(db.TxRunner(pool)),
		intake.WithIdleTimeout(cfg.SessionIdleTimeout),
		intake.WithPhaseTimeout(cfg.SubmitPhaseTimeout),
		intake.WithLogger(logger),
	)
	defer svc.Shutdown()
	go svc.RunReaper(ctx, reapInterval(cfg.SessionIdleTimeout))

	e := newServer(cfg, logger, svc, pool)

	// Graceful shutdown
	errc := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Int("sessions", svc.Len()).Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// reapInterval checks for idle sessions a few times per timeout window.
func reapInterval(idle time.Duration) time.Duration {
	if idle <= 0 {
		return 0
	}
	iv := idle / 4
	if iv < time.Second {
		iv = time.Second
	}
	return iv
}

func newServer(cfg *config.Config, logger zerolog.Logger, svc *intake.Service, pinger db.Pinger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
	}))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pinger))

	// Auth middleware
	var verify echo.MiddlewareFunc
	if cfg.AuthSigningKey != "" || cfg.AuthIssuer != "" {
		verify = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}
	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware(devUser, []string{auth.RoleAdmin}, verify))
	} else {
		apiV1.Use(verify)
	}

	// Rate limiting middleware
	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	intake.NewHandler(svc, intake.WithEventOrigins(cfg.CORSOrigins)).RegisterRoutes(apiV1)

	return e
}
