package main

import (
	"context"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/edc/edc/internal/config"
	"github.com/edc/edc/internal/domain/query"
	"github.com/edc/edc/internal/domain/validation"
	"github.com/edc/edc/internal/domain/workflowconfig"
	"github.com/edc/edc/internal/platform/audit"
	"github.com/edc/edc/internal/platform/auth"
	"github.com/edc/edc/internal/platform/db"
	"github.com/edc/edc/internal/platform/events"
	"github.com/edc/edc/internal/platform/formats"
	"github.com/edc/edc/internal/platform/metrics"
	"github.com/edc/edc/internal/platform/middleware"
	"github.com/edc/edc/internal/platform/notification"
	"github.com/edc/edc/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "edc-server",
		Short: "EDC validation rule and query workflow server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(formatsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the EDC API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// newLogger writes JSON to stdout, or human-readable lines in development.
// Unknown levels fall back to info.
func newLogger(env, level string) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

// migrationsFS returns the embedded migrations unless dir overrides them.
func migrationsFS(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBStatementTimeout)
}

func runServer() error {
	bootLogger := newLogger(os.Getenv("ENV"), "info")

	// Config
	cfg, err := config.Load()
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := newLogger(cfg.Env, cfg.LogLevel)

	// Database
	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	caps, err := db.DetectCapabilities(ctx, pool, db.SchemaName(cfg.DefaultTenant))
	if err != nil {
		logger.Warn().Err(err).Msg("capability detection failed, legacy and native rules disabled")
	}
	logger.Info().
		Bool("item_metadata", caps.ItemMetadata).
		Bool("native_rules", caps.NativeRules).
		Msg("rule sources detected")

	registry, err := formats.Load(cfg.FormatRegistryPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load format registry")
	}

	// Metrics
	reg := prometheus.NewRegistry()
	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = middleware.NewValidator()

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(m.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	e.Use(echomw.BodyLimit("2M"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Auth middleware
	if cfg.DevAuth() {
		e.Use(auth.DevAuthMiddleware(cfg.DefaultTenant))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	// Public endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, caps))
	if cfg.MetricsEnabled {
		e.GET("/metrics", metrics.Handler(reg))
	}

	// Every API statement runs on a connection pinned to the tenant schema.
	api := e.Group("/api/v1", db.TenantMiddleware(pool, cfg.DefaultTenant))

	recorder := audit.NewPGRecorder(pool)
	hub := events.NewHub()
	hub.SetLogger(logger)
	events.NewHandler(hub).RegisterRoutes(api)

	notifier := notification.NewManager(
		notification.MultiSender(notification.LogSender(logger), events.Sender(hub)),
		notification.NewTemplateEngine(),
	)
	notification.NewHandler(notifier).RegisterRoutes(api)

	// Workflow configuration
	workflowSvc := workflowconfig.NewService(workflowconfig.NewRepoPG(pool), workflowconfig.NewUserDirectoryPG(pool))
	workflowSvc.SetAuditRecorder(recorder)
	workflowSvc.SetLogger(logger)
	workflowconfig.NewHandler(workflowSvc).RegisterRoutes(api)

	// Queries
	querySvc := query.NewService(query.NewRepoPG(pool), db.NewTxRunner(pool), workflowSvc)
	querySvc.SetAuditRecorder(recorder)
	querySvc.SetMetrics(m)
	querySvc.SetLogger(logger)
	if cfg.QueryNotifyEnabled {
		querySvc.SetNotifier(notifier)
	}
	query.NewHandler(querySvc).RegisterRoutes(api)

	// Validation rules
	evaluator, err := validation.NewEvaluator(registry, cfg.CELFallbackEnabled)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build rule evaluator")
	}
	evaluator.SetLogger(logger)
	evaluator.SetMetrics(m)

	ruleRepo := validation.NewRepoPG(pool)
	loader := validation.NewLoader(ruleRepo, validation.NewLegacySourcePG(pool), validation.NewNativeSourcePG(pool), caps)
	loader.SetLogger(logger)

	validationSvc := validation.NewService(ruleRepo, loader, evaluator, querySvc, validation.Options{
		ScopePolicy:            validation.ScopePolicy(cfg.RuleScopePolicy),
		CreateQueriesByDefault: cfg.QueryCreationDefault,
	})
	validationSvc.SetAuditRecorder(recorder)
	validationSvc.SetMetrics(m)
	validationSvc.SetLogger(logger)
	validation.NewHandler(validationSvc).RegisterRoutes(api)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
