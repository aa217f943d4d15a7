package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/consult/internal/config"
	"github.com/ehr/consult/internal/domain/consultation"
	"github.com/ehr/consult/internal/platform/auth"
	"github.com/ehr/consult/internal/platform/clock"
	"github.com/ehr/consult/internal/platform/db"
	"github.com/ehr/consult/internal/platform/lock"
	"github.com/ehr/consult/internal/platform/metrics"
	"github.com/ehr/consult/internal/platform/middleware"
	"github.com/ehr/consult/internal/platform/notification"
	"github.com/ehr/consult/internal/platform/scheduler"
	"github.com/ehr/consult/internal/platform/validate"
	"github.com/ehr/consult/internal/platform/webhook"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "consult-server",
		Short: "Consultation scheduling API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and sweep scheduler",
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

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, cleanup, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, cleanup, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "public", "Target schema for migrations")
		c.Flags().String("dir", "./migrations", "Path to migrations directory")
		cmd.AddCommand(c)
	}
	return cmd
}

func openMigrator(cmd *cobra.Command) (*db.Migrator, func(), error) {
	schema, _ := cmd.Flags().GetString("schema")
	dir, _ := cmd.Flags().GetString("dir")

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	migrator, err := db.NewMigrator(pool, dir, schema)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return migrator, pool.Close, nil
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep <task>",
		Short: "Run one sweep immediately (expire-requests, cancel-unpaid, mark-past, reminders)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx := cmd.Context()

			app, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.close()

			res, err := app.daemon.RunNow(ctx, args[0])
			if err != nil {
				return fmt.Errorf("sweep %s: %w", args[0], err)
			}
			out, _ := json.Marshal(res)
			fmt.Println(string(out))
			return nil
		},
	}
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

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// app holds the wired runtime shared by serve and sweep.
type app struct {
	pool      *pgxpool.Pool
	svc       *consultation.Service
	daemon    *scheduler.Daemon
	collector *metrics.Collector
	closers   []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{collector: metrics.NewCollector()}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)
	logger.Info().Msg("connected to database")

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.RedisURL != "" {
		client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		locker = lock.NewRedisLocker(client, "consult:lock:")
		logger.Info().Msg("using redis leader lock")
	}

	templates := notification.NewTemplateEngine()
	var notifier notification.Dispatcher = notification.NewLogDispatcher(logger, templates)
	if cfg.AMQPURL != "" {
		conn, err := notification.Dial(cfg.AMQPURL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("connect to amqp: %w", err)
		}
		a.closers = append(a.closers, func() { _ = conn.Close() })
		dispatcher, err := notification.NewAMQPDispatcher(conn, cfg.NotifyQueue, templates)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = dispatcher.Close() })
		notifier = dispatcher
		logger.Info().Str("queue", cfg.NotifyQueue).Msg("publishing notifications to amqp")
	}

	var hooks consultation.PaymentHooks = consultation.NoopHooks{}
	if cfg.PaymentWebhookURL != "" {
		client, err := webhook.NewClient(cfg.PaymentWebhookURL, cfg.PaymentWebhookSecret)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("payment webhook: %w", err)
		}
		hooks = consultation.NewWebhookHooks(client)
	}

	loc := cfg.Location()
	a.svc = consultation.NewService(
		consultation.NewPGStore(pool),
		consultation.NewDirectoryPG(pool),
		consultation.Settings{
			Policy:   consultation.Policy{Fee: cfg.ConsultationFee, Deduction: cfg.CancellationDeduction},
			Grid:     consultation.DefaultGrid(),
			Window:   consultation.BookingWindow{MinDays: cfg.MinAdvanceDays, MaxDays: cfg.MaxAdvanceDays},
			Location: loc,
		},
		consultation.WithClock(clock.Real()),
		consultation.WithNotifier(notifier),
		consultation.WithPaymentHooks(hooks),
		consultation.WithMetrics(a.collector),
		consultation.WithLogger(logger.With().Str("component", "consultation").Logger()),
	)

	a.daemon = scheduler.New(logger, locker, a.collector, scheduler.WithLocation(loc))
	for _, t := range sweepTasks(a.svc.Sweeps(), cfg.SweepSpecs()) {
		if err := a.daemon.Register(t); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

// sweepTasks pairs each sweep with its configured schedule, in name order.
func sweepTasks(sweeps map[string]func(context.Context) (consultation.SweepResult, error), specs map[string]string) []scheduler.Task {
	names := make([]string, 0, len(sweeps))
	for name := range sweeps {
		names = append(names, name)
	}
	sort.Strings(names)

	tasks := make([]scheduler.Task, 0, len(names))
	for _, name := range names {
		run := sweeps[name]
		tasks = append(tasks, scheduler.Task{
			Name: name,
			Spec: specs[name],
			Run: func(ctx context.Context) (scheduler.Result, error) {
				r, err := run(ctx)
				return scheduler.Result{Scanned: r.Scanned, Changed: r.Changed, Failed: r.Failed}, err
			},
		})
	}
	return tasks
}

// authMiddleware is JWT outside development and header-based dev auth inside.
func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	})
}

// callbackGuard protects the payment callback. A shared secret means the
// gateway signs its requests; otherwise it authenticates as the gateway role.
func callbackGuard(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.PaymentWebhookSecret != "" {
		return webhook.VerifyMiddleware(cfg.PaymentWebhookSecret)
	}
	authn := authMiddleware(cfg)
	role := auth.RequireRole(auth.RolePaymentGateway)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return authn(role(next))
	}
}

func newServer(cfg *config.Config, logger zerolog.Logger, a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validate.New()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(a.collector.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", auth.DevActorIDHeader, auth.DevActorRoleHeader},
	}))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))
	e.GET("/metrics", echo.WrapHandler(a.collector.Handler()))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	h := consultation.NewHandler(a.svc)
	apiV1 := e.Group("/api/v1", authMiddleware(cfg), middleware.RateLimit(rateLimitCfg))
	h.RegisterRoutes(apiV1)
	h.RegisterCallbacks(e.Group("/callbacks"), callbackGuard(cfg))
	return e
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer a.close()

	if cfg.SchedulerEnabled {
		if err := a.daemon.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to start scheduler")
		}
		defer a.daemon.Stop()
	}

	e := newServer(cfg, logger, a)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
