package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/devicekey/server/internal/audit"
	"github.com/devicekey/server/internal/auth"
	"github.com/devicekey/server/internal/config"
	"github.com/devicekey/server/internal/consent"
	"github.com/devicekey/server/internal/db"
	httprouter "github.com/devicekey/server/internal/http"
	"github.com/devicekey/server/internal/http/handlers"
	"github.com/devicekey/server/internal/logging"
	"github.com/devicekey/server/internal/middleware"
	"github.com/devicekey/server/internal/repo"
	"github.com/devicekey/server/internal/repo/memstore"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, database, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if database != nil {
		defer database.Close()
	}

	limiter, closeLimiter, err := openLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	now := time.Now
	recorder := audit.NewRecorder(store, logger, now)
	tokens := auth.NewTokenIssuer(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RegistrationTokenTTL, now)
	authService := auth.NewService(store, tokens, recorder, nil, auth.Settings{
		ChallengeTTL:       cfg.ChallengeTTL,
		OTPTTL:             cfg.OTPTTL,
		RefreshTokenTTL:    cfg.RefreshTokenTTL,
		RevalidationWindow: cfg.RevalidationWindow,
		DevMode:            cfg.OTPDevMode,
	}, logger, now)

	dispatcher := consent.NewDispatcher(recorder, cfg.WebhookTimeout, logger, now)
	consentService := consent.NewService(store, recorder, dispatcher, logger, now)

	deps := httprouter.Deps{
		Auth:    authService,
		Consent: consentService,
		Limiter: limiter,
		RateLimits: httprouter.RateLimits{
			Auth:     cfg.AuthRateLimit,
			Recovery: cfg.RecoveryRateLimit,
			Provider: cfg.ProviderRateLimit,
		},
		Logger: logger,
		Now:    now,
	}
	if database != nil {
		deps.DB = handlers.Pinger(database)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httprouter.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Port, "store", cfg.StoreDriver, "env", cfg.AppEnv)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		dispatcher.Wait()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server exited")
	return nil
}

// openStore returns the configured store. database is nil for the in-memory driver.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Store, *sql.DB, error) {
	if cfg.StoreDriver == config.StoreMemory {
		logger.Warn("using in-memory store; data is lost on restart")
		return memstore.New(), nil, nil
	}

	database, err := db.Open(ctx, cfg.DatabaseURL, db.DefaultPool, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(ctx, database); err != nil {
		_ = database.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	return repo.NewStore(database), database, nil
}

// openLimiter returns a Redis limiter when REDIS_URL is set, otherwise the in-process one.
func openLimiter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (middleware.Limiter, func(), error) {
	if cfg.RedisURL == "" {
		return middleware.NewRateLimiter(nil), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("rate limiting via redis", "addr", opts.Addr)
	return middleware.NewRedisRateLimiter(client, nil), func() { _ = client.Close() }, nil
}
