package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fhirgate/fhirgate/internal/config"
	"github.com/fhirgate/fhirgate/internal/domain/accounts"
	"github.com/fhirgate/fhirgate/internal/domain/oauth"
	"github.com/fhirgate/fhirgate/internal/domain/tokens"
	"github.com/fhirgate/fhirgate/internal/platform/auth"
	"github.com/fhirgate/fhirgate/internal/platform/db"
	"github.com/fhirgate/fhirgate/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhirgate-server",
		Short: "Authentication and authorization gateway for FHIR APIs",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the auth gateway server",
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
			dir, _ := cmd.Flags().GetString("dir")

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

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

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

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
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
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()

	// Database. The pool is opened without a connectivity check so the
	// server can come up while the database is still starting; the
	// gateway's probes establish readiness. With no DATABASE_URL the
	// server runs entirely on in-memory stores.
	var pool *pgxpool.Pool
	var gateway *db.Gateway
	if cfg.DatabaseURL != "" {
		pool, err = db.OpenPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open connection pool")
		}
		defer pool.Close()

		gateway = db.NewGateway(pool.Ping, cfg.CircuitFailureThreshold, cfg.CircuitProbeTimeout)
		if err := gateway.Probe(ctx); err != nil {
			logger.Warn().Err(err).Msg("database not reachable yet; continuing, will retry on demand")
		} else {
			logger.Info().Msg("connected to database")
		}
	} else {
		logger.Warn().Msg("DATABASE_URL not set; running with in-memory stores")
	}

	// Token lifecycle
	cache := auth.NewActiveTokenCache()
	defer cache.Close()

	validities := auth.Validities{
		Admin: cfg.AdminTokenTTL,
		API:   cfg.APITokenTTL,
		OAuth: cfg.AccessTokenTTL,
	}

	var tokenRepo tokens.Repository
	if pool != nil {
		tokenRepo = tokens.NewRepoPG(pool, gateway)
	} else {
		tokenRepo = tokens.NewRepoMem()
	}

	issuer, err := auth.NewIssuer(cfg.Issuer, []byte(cfg.SigningKey), validities, tokenRepo, cache)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create token issuer")
	}

	tokenSvc := tokens.NewService(tokenRepo, issuer, cache)
	if err := tokenSvc.WarmCache(ctx); err != nil {
		logger.Warn().Err(err).Msg("could not warm the active token cache; tokens issued before this restart will be rejected until it succeeds")
	}

	// Accounts
	var userRepo accounts.UserRepository
	var directory accounts.PatientDirectory
	if pool != nil {
		userRepo = accounts.NewUserRepoPG(pool, gateway)
		directory = accounts.NewPatientDirectoryPG(pool, gateway)
	}
	acctSvc := accounts.NewService(userRepo, issuer, accounts.BootstrapAdmin{
		Email:        cfg.AdminEmail,
		Password:     cfg.AdminPassword,
		PasswordHash: cfg.AdminPasswordHash,
	})
	resolver := accounts.NewPatientResolver(acctSvc, directory)

	// OAuth client registry: postgres-backed clients take precedence,
	// built-in development clients fill in behind them.
	var sources []oauth.Source
	if pool != nil {
		sources = append(sources, oauth.NewPGSource(pool, gateway))
	}
	if cfg.DefaultClientsEnabled {
		sources = append(sources, oauth.NewMemSource("defaults", defaultClients()...))
	}
	registry := oauth.NewRegistry(sources...)

	oauthSrv := oauth.NewServer(cfg.Issuer, registry, issuer, resolver, cfg.AccessTokenTTL)
	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	defer cleanupCancel()
	oauthSrv.StartCleanup(cleanupCtx)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(auth.ValidationInterceptor(auth.InterceptorConfig{
		Issuer: issuer,
		Cache:  cache,
		OnValidated: func(c echo.Context, claims *auth.Claims) {
			if claims.Kind() != auth.TokenKindOAuth && claims.ID != "" {
				tokenSvc.TouchLastUsed(c.Request().Context(), claims.ID)
			}
		},
	}))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))

	// Handlers
	accounts.NewHandler(acctSvc, tokenSvc).RegisterRoutes(e)
	tokens.NewHandler(tokenSvc).RegisterRoutes(apiV1)
	oauth.NewHandler(oauthSrv, registry).RegisterRoutes(e, apiV1)

	// Health
	e.GET("/health/liveness", db.LivenessHandler())
	e.GET("/health/readiness", db.ReadinessHandler(gateway, pool))
	e.POST("/health/circuit/reset", db.CircuitResetHandler(gateway), auth.RequireAdmin())

	// Start server
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		return err
	}
	return nil
}

// defaultClients are the development clients seeded behind any
// database-backed registrations. The demo app is a public client so no
// secret material ships with the binary.
func defaultClients() []*oauth.Client {
	return []*oauth.Client{
		{
			ClientID:     "smart-demo-app",
			Name:         "SMART Demo App",
			Kind:         oauth.KindPublic,
			RedirectURIs: []string{"http://localhost:3000/callback"},
			Scopes: []string{
				"openid", "offline_access",
				"patient/*.read", "user/*.read",
			},
			PKCERequired: true,
		},
	}
}
