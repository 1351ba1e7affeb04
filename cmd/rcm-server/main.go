package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rcm/rcm/internal/config"
	"github.com/rcm/rcm/internal/domain/claim"
	"github.com/rcm/rcm/internal/domain/payment"
	"github.com/rcm/rcm/internal/domain/remittance"
	"github.com/rcm/rcm/internal/domain/submission"
	"github.com/rcm/rcm/internal/platform/auth"
	"github.com/rcm/rcm/internal/platform/breaker"
	"github.com/rcm/rcm/internal/platform/db"
	"github.com/rcm/rcm/internal/platform/events"
	"github.com/rcm/rcm/internal/platform/middleware"
	"github.com/rcm/rcm/internal/platform/payer"
	"github.com/rcm/rcm/internal/platform/retry"
	"github.com/rcm/rcm/internal/platform/telemetry"
	"github.com/rcm/rcm/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rcm-server",
		Short: "Revenue cycle API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(remitCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationsFS returns the embedded migrations unless dir is set.
func migrationsFS(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
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
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrationsFS(dir)).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationsFS(dir)).Status(ctx)
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
	statusCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func remitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remit",
		Short: "Work with remittance files",
	}

	parseCmd := &cobra.Command{
		Use:   "parse <file>",
		Short: "Parse an 835 or CSV remittance file and print its payments as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fileType, _ := cmd.Flags().GetString("type")
			ft := remittance.FileType(fileType)
			if !ft.Valid() {
				return fmt.Errorf("--type must be %q or %q", remittance.FileX12835, remittance.FileCSV)
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			res, err := remittance.Parse(cmd.Context(), f, ft)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	parseCmd.Flags().String("type", string(remittance.FileX12835), "File type: x12-835 or csv")
	cmd.AddCommand(parseCmd)

	return cmd
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer a.Close()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// app is the assembled server and the resources it must release.
type app struct {
	echo    *echo.Echo
	metrics *telemetry.Metrics
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp wires stores, integrations and handlers from cfg.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = middleware.NewRequestValidator()
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)
	a.echo = e
	metrics := telemetry.New()
	a.metrics = metrics

	// Stores
	var (
		claims   claim.ClaimRepository
		services claim.ServiceRepository
		auths    claim.AuthorizationRepository
		payments payment.Repository
		tx       db.TxManager
	)
	switch cfg.StoreDriver {
	case config.DriverMemory:
		claimStore := claim.NewMemoryStore()
		paymentStore := payment.NewMemoryStore()
		claims, services, auths, payments = claimStore, claimStore, claimStore, paymentStore
		tx = db.NewMemTx(claimStore, paymentStore)
		logger.Warn().Msg("using in-memory store; data is lost on restart")
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		logger.Info().Msg("connected to database")

		claims = claim.NewClaimRepoPG(pool)
		services = claim.NewServiceRepoPG(pool)
		auths = claim.NewAuthorizationRepoPG(pool)
		payments = payment.NewRepoPG(pool)
		tx = db.NewTxManager(pool)
		e.GET("/health/db", db.HealthHandler(pool, db.NewMigrator(pool, migrations.FS)))
	}

	// Events
	var publisher events.Publisher = events.NewLogPublisher(logger)
	if cfg.AMQPURL != "" {
		amqpPub, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { amqpPub.Close() })
		publisher = amqpPub
		logger.Info().Str("exchange", cfg.AMQPExchange).Msg("publishing events to AMQP")
	}

	publisher = metrics.Publisher(publisher)

	// Circuit breakers
	breakerOpts := []breaker.Option{
		breaker.WithFailurePredicate(payer.CountsAgainstBreaker),
		breaker.WithLogger(logger),
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		a.closers = append(a.closers, func() { client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable; breaker state stays local until it recovers")
		}
		breakerOpts = append(breakerOpts, breaker.WithStore(breaker.NewRedisStore(client, "rcm:breaker:")))
	}
	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.BreakerFailureThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
	}, breakerOpts...)
	a.closers = append(a.closers, breakers.Close)
	metrics.Gauge("rcm_breaker_open", "Whether an integration's circuit breaker rejects calls.", breakerGauge(breakers, func(s breaker.Snapshot) float64 {
		if s.State == breaker.StateOpen {
			return 1
		}
		return 0
	}))
	metrics.Gauge("rcm_breaker_consecutive_failures", "Consecutive failures counted by an integration's breaker.", breakerGauge(breakers, func(s breaker.Snapshot) float64 {
		return float64(s.ConsecutiveFailures)
	}))

	// Payers and their integrations
	profiles := claim.NewProfiles()
	adapters := payer.NewRegistry(logger)
	for _, p := range cfg.Payers {
		profile := p.Profile()
		profiles.Put(profile)

		integration := p.Integration
		integration.ID = profile.IntegrationID
		if integration.Kind == "" {
			integration.Kind = payer.KindSandbox
		}
		if integration.Kind == payer.KindSandbox && cfg.IsProduction() {
			return nil, fmt.Errorf("payer %s: sandbox integrations are not allowed in production", p.ID)
		}
		if err := adapters.Add(integration); err != nil {
			return nil, err
		}
	}
	adapters.ConnectAll(ctx)

	// Domain services
	sm := claim.NewStateMachine(claims, services, auths, tx, profiles,
		claim.WithPublisher(publisher),
		claim.WithLogger(logger.With().Str("component", "claims").Logger()),
	)
	orch := submission.NewOrchestrator(sm, adapters, breakers,
		submission.WithRetryPolicy(retryPolicy(cfg)),
		submission.WithCallTimeout(cfg.AdapterCallTimeout),
		submission.WithConcurrency(cfg.BatchConcurrency),
		submission.WithLogger(logger.With().Str("component", "submission").Logger()),
	)
	engine := payment.NewEngine(payments, sm, tx,
		payment.WithMatchConfig(matchConfig(cfg)),
		payment.WithPublisher(publisher),
		payment.WithLogger(logger.With().Str("component", "payments").Logger()),
	)
	processor := remittance.NewProcessor(engine,
		remittance.WithLogger(logger.With().Str("component", "remittance").Logger()),
	)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(authMiddleware(cfg))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.UploadBodyLimit, "/remittances", "/remittances/parse"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.GET("/metrics", metrics.Handler())

	// API
	apiV1 := e.Group("/api/v1")
	claim.NewHandler(sm).RegisterRoutes(apiV1)
	submission.NewHandler(orch).RegisterRoutes(apiV1)
	payment.NewHandler(engine).RegisterRoutes(apiV1)
	remittance.NewHandler(processor).RegisterRoutes(apiV1)

	ok = true
	return a, nil
}

func breakerGauge(breakers *breaker.Registry, value func(breaker.Snapshot) float64) func() []telemetry.Sample {
	return func() []telemetry.Sample {
		snaps := breakers.Snapshot()
		out := make([]telemetry.Sample, 0, len(snaps))
		for _, s := range snaps {
			out = append(out, telemetry.Sample{Labels: map[string]string{"integration": s.Name}, Value: value(s)})
		}
		return out
	}
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware()
	}
	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
		Skipper:  auth.AuthSkipper,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	return auth.JWTMiddleware(jwtCfg)
}

func retryPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		Multiplier:  cfg.RetryMultiplier,
		MaxDelay:    cfg.RetryMaxDelay,
		Jitter:      cfg.RetryJitter,
	}
}

func matchConfig(cfg *config.Config) payment.MatchConfig {
	return payment.MatchConfig{
		ConfidenceThreshold: cfg.MatchConfidenceThreshold,
		AmountTolerancePct:  cfg.MatchAmountTolerance,
		DateWindowDays:      cfg.MatchDateWindowDays,
	}
}
