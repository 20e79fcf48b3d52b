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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinflow/smartlaunch/internal/config"
	"github.com/clinflow/smartlaunch/internal/platform/auth"
	"github.com/clinflow/smartlaunch/internal/platform/db"
	"github.com/clinflow/smartlaunch/internal/platform/fhir"
	"github.com/clinflow/smartlaunch/internal/platform/middleware"
	"github.com/clinflow/smartlaunch/internal/platform/telemetry"
)

const version = "0.1.0"

// storeCleanupInterval paces the expired-entry sweeps for the memory and
// PostgreSQL stores. Redis stores expire keys natively.
const storeCleanupInterval = 10 * time.Minute

func main() {
	rootCmd := &cobra.Command{
		Use:   "smartlaunch-server",
		Short: "SMART on FHIR launch client for clinical web apps",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(discoverCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the launch client server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run session database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, sessionMigrations())
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, sessionMigrations())
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-30s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ------------------------------ ---------- --------------------")
			for _, s := range statuses {
				fmt.Println(formatMigrationRow(s))
			}
			return nil
		},
	}
	cmd.AddCommand(statusCmd)

	return cmd
}

func discoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover <issuer>",
		Short: "Probe a FHIR server's SMART authorization metadata",
		Long: `Fetches the server's .well-known/smart-configuration (falling back to the
CapabilityStatement oauth-uris extension) and prints the discovered endpoints.
Useful for verifying an issuer before registering it with the app.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")

			logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
			discoverer := fhir.NewDiscoverer(time.Minute, timeout, logger, nil)

			ctx, cancel := context.WithTimeout(context.Background(), 2*timeout)
			defer cancel()

			md, err := discoverer.Discover(ctx, strings.TrimRight(args[0], "/"))
			if err != nil {
				return err
			}

			printServerMetadata(cmd.OutOrStdout(), md)
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 10*time.Second, "HTTP timeout for metadata fetches")
	return cmd
}

// sessionMigrations returns the schema migrations for the PostgreSQL-backed
// stores, in version order. The DDL lives next to the stores that own the
// tables.
func sessionMigrations() []db.Migration {
	return []db.Migration{
		{Version: 1, Name: "authorization_states", SQL: auth.MigrationAuthorizationStates},
		{Version: 2, Name: "smart_sessions", SQL: auth.MigrationSmartSessions},
	}
}

func formatMigrationRow(s db.MigrationStatus) string {
	status := "pending"
	appliedAt := ""
	if s.Applied {
		status = "applied"
		if s.AppliedAt != nil {
			appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
		}
	}
	return fmt.Sprintf("%-10d %-30s %-10s %s", s.Version, s.Name, status, appliedAt)
}

func printServerMetadata(w io.Writer, md *fhir.ServerMetadata) {
	fmt.Fprintf(w, "Issuer:                 %s\n", md.Issuer)
	fmt.Fprintf(w, "Authorization endpoint: %s\n", md.AuthorizationEndpoint)
	fmt.Fprintf(w, "Token endpoint:         %s\n", md.TokenEndpoint)
	if md.IntrospectionEndpoint != "" {
		fmt.Fprintf(w, "Introspection endpoint: %s\n", md.IntrospectionEndpoint)
	}
	if md.RevocationEndpoint != "" {
		fmt.Fprintf(w, "Revocation endpoint:    %s\n", md.RevocationEndpoint)
	}
	if len(md.Capabilities) > 0 {
		fmt.Fprintf(w, "Capabilities:           %s\n", strings.Join(md.Capabilities, " "))
	}
	fmt.Fprintf(w, "PKCE S256 supported:    %v\n", md.SupportsPKCE())
}

// newLogger builds the process logger: JSON to stdout, console format in
// development, level from LOG_LEVEL.
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}

// needsDatabase reports whether any configured store backend requires the
// PostgreSQL pool.
func needsDatabase(cfg *config.Config) bool {
	return cfg.SessionBackend == config.BackendPostgres || cfg.StateBackend == config.BackendPostgres
}

func buildStateStore(cfg *config.Config, pool *pgxpool.Pool) (auth.StateStore, error) {
	switch cfg.StateBackend {
	case config.BackendPostgres:
		return auth.NewPGStateStoreFromPool(pool), nil
	case config.BackendRedis:
		return auth.NewRedisStateStore(cfg.RedisURL)
	default:
		return auth.NewMemoryStateStore(), nil
	}
}

func buildSessionStore(cfg *config.Config, pool *pgxpool.Pool) (auth.SessionStore, error) {
	switch cfg.SessionBackend {
	case config.BackendPostgres:
		return auth.NewPGSessionStoreFromPool(pool, cfg.SessionTTL), nil
	case config.BackendRedis:
		return auth.NewRedisSessionStore(cfg.RedisURL, cfg.SessionTTL)
	default:
		return auth.NewMemorySessionStore(cfg.SessionTTL), nil
	}
}

// cleaner is satisfied by the memory and PostgreSQL stores.
type cleaner interface {
	Cleanup(context.Context) (int, error)
}

// startCleanupLoop sweeps expired entries from a store on a ticker. Stores
// without a Cleanup method (Redis expires keys itself) are skipped.
func startCleanupLoop(ctx context.Context, logger zerolog.Logger, name string, store any, interval time.Duration) {
	cl, ok := store.(cleaner)
	if !ok {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := cl.Cleanup(ctx)
				if err != nil {
					logger.Warn().Err(err).Str("store", name).Msg("store cleanup failed")
					continue
				}
				if removed > 0 {
					logger.Debug().Str("store", name).Int("removed", removed).Msg("expired entries removed")
				}
			}
		}
	}()
}

// updatePoolGauges refreshes the connection-pool gauges every 15 seconds so
// /metrics reflects database pressure.
func updatePoolGauges(ctx context.Context, pool *pgxpool.Pool, hm *telemetry.HealthMetricsRecorder) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stat := pool.Stat()
			hm.SetDBPoolActive(int64(stat.AcquiredConns()))
			hm.SetDBPoolIdle(int64(stat.IdleConns()))
		}
	}
}

func closeStores(logger zerolog.Logger, stores ...any) {
	for _, s := range stores {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Warn().Err(err).Msg("store close failed")
			}
		}
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg)

	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "smartlaunch-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
	})

	ctx := context.Background()

	// Database (only when a store backend needs it)
	var pool *pgxpool.Pool
	if needsDatabase(cfg) {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to session database")
	}

	// Stores
	states, err := buildStateStore(cfg, pool)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StateBackend).Msg("failed to build state store")
	}
	sessions, err := buildSessionStore(cfg, pool)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.SessionBackend).Msg("failed to build session store")
	}

	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	defer cleanupCancel()
	startCleanupLoop(cleanupCtx, logger, "authorization_states", states, storeCleanupInterval)
	startCleanupLoop(cleanupCtx, logger, "smart_sessions", sessions, storeCleanupInterval)

	// Discovery with per-issuer cache
	discoverer := fhir.NewDiscoverer(cfg.DiscoveryTTL, cfg.DiscoveryTimeout, logger, tp)
	discoverer.StartCleanup(cleanupCtx, cfg.DiscoveryTTL)

	// Flow components
	launches := auth.NewLaunchResolver(cfg.DefaultFHIRBaseURL, cfg.Scopes, cfg.AllowHTTPIssuer, logger)

	flow := auth.NewFlowController(auth.FlowConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI(),
		PKCEMode:     cfg.PKCEMode,
		StateTTL:     cfg.StateTTL,
		TokenTimeout: cfg.TokenTimeout,
	}, discoverer, states, sessions, tp, logger)

	tokens := auth.NewTokenManager(auth.TokenManagerConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Skew:         cfg.TokenSkew,
		TokenTimeout: cfg.TokenTimeout,
	}, discoverer, sessions, tp, logger)

	handler := auth.NewHandler(auth.HandlerConfig{
		PostLoginPath: cfg.PostLoginPath,
		CookieSecure:  !cfg.IsDev(),
		SessionTTL:    cfg.SessionTTL,
	}, launches, flow, tokens, sessions, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger, "/health", "/health/db", "/metrics"))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost},
		AllowHeaders:     []string{"Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	rateCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateCfg.RequestsPerSecond <= 0 {
		rateCfg = middleware.DefaultRateLimitConfig()
	}
	e.Use(middleware.RateLimit(rateCfg))

	e.Use(tp.MetricsMiddleware())
	e.Use(middleware.Audit(logger))

	// Launch endpoints
	handler.RegisterRoutes(e)

	// Operational endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":          "ok",
			"version":         version,
			"session_backend": cfg.SessionBackend,
			"state_backend":   cfg.StateBackend,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", tp.PrometheusHandler())

	if pool != nil {
		go updatePoolGauges(cleanupCtx, pool, tp.HealthMetrics())
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Str("redirect_uri", cfg.RedirectURI()).
			Str("session_backend", cfg.SessionBackend).
			Str("state_backend", cfg.StateBackend).
			Msg("starting server")
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
	closeStores(logger, states, sessions)
	_ = tp.Shutdown(shutdownCtx)
	logger.Info().Msg("server stopped")
	return nil
}
