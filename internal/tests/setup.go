package tests

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/devicekey/server/internal/audit"
	"github.com/devicekey/server/internal/auth"
	"github.com/devicekey/server/internal/config"
	"github.com/devicekey/server/internal/consent"
	httprouter "github.com/devicekey/server/internal/http"
	"github.com/devicekey/server/internal/http/handlers"
	"github.com/devicekey/server/internal/logging"
	"github.com/devicekey/server/internal/middleware"
	"github.com/devicekey/server/internal/repo"
)

// TestJWTSecret signs tokens in every test server
const TestJWTSecret = "test-secret-at-least-32-bytes-long!!"

// App is a fully wired API over the given store, the same assembly cmd/api performs.
type App struct {
	Handler    http.Handler
	Auth       *auth.Service
	Consent    *consent.Service
	Dispatcher *consent.Dispatcher
}

// Options tweaks the assembled App. Zero values use the defaults from config.Defaults.
type Options struct {
	Now        func() time.Time
	Limiter    middleware.Limiter
	RateLimits *httprouter.RateLimits
	DB         *sql.DB
	Logger     *slog.Logger
}

// NewApp wires services, dispatcher and router over store.
func NewApp(store repo.Store, opts Options) *App {
	defaults := config.Defaults()
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter(now)
	}
	limits := httprouter.RateLimits{
		Auth:     defaults.AuthRateLimit,
		Recovery: defaults.RecoveryRateLimit,
		Provider: defaults.ProviderRateLimit,
	}
	if opts.RateLimits != nil {
		limits = *opts.RateLimits
	}

	recorder := audit.NewRecorder(store, logger, now)
	tokens := auth.NewTokenIssuer(TestJWTSecret, defaults.AccessTokenTTL, defaults.RegistrationTokenTTL, now)
	authService := auth.NewService(store, tokens, recorder, nil, auth.Settings{
		ChallengeTTL:       defaults.ChallengeTTL,
		OTPTTL:             defaults.OTPTTL,
		RefreshTokenTTL:    defaults.RefreshTokenTTL,
		RevalidationWindow: defaults.RevalidationWindow,
		DevMode:            true,
	}, logger, now)
	dispatcher := consent.NewDispatcher(recorder, 2*time.Second, logger, now)
	consentService := consent.NewService(store, recorder, dispatcher, logger, now)

	deps := httprouter.Deps{
		Auth:       authService,
		Consent:    consentService,
		Limiter:    limiter,
		RateLimits: limits,
		Logger:     logger,
		Now:        now,
	}
	if opts.DB != nil {
		deps.DB = handlers.Pinger(opts.DB)
	}
	return &App{
		Handler:    httprouter.NewRouter(deps),
		Auth:       authService,
		Consent:    consentService,
		Dispatcher: dispatcher,
	}
}

// TruncateAll empties every table for a clean test state.
func TruncateAll(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `TRUNCATE TABLE
		audit_logs, consent_decisions, consent_requests, providers, recovery_codes,
		sessions, auth_challenges, otp_verifications, devices, users
		RESTART IDENTITY CASCADE`)
	if err != nil {
		return fmt.Errorf("truncate tables: %w", err)
	}
	return nil
}
