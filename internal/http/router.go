package http

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/devicekey/server/internal/auth"
	"github.com/devicekey/server/internal/config"
	"github.com/devicekey/server/internal/consent"
	"github.com/devicekey/server/internal/http/handlers"
	"github.com/devicekey/server/internal/middleware"
)

// Deps are the services and settings the router wires into handlers
type Deps struct {
	Auth       *auth.Service
	Consent    *consent.Service
	Limiter    middleware.Limiter
	RateLimits RateLimits
	DB         handlers.Pinger
	Logger     *slog.Logger
	Now        func() time.Time
}

// RateLimits are the per-IP buckets for each route family
type RateLimits struct {
	Auth     config.Bucket
	Recovery config.Bucket
	Provider config.Bucket
}

func bucket(name string, b config.Bucket) middleware.Bucket {
	return middleware.Bucket{Name: name, Max: b.Max, Window: b.Window}
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	// No RealIP: the IP limiter keys on the connection address.
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLogger(d.Logger))
	r.Use(chimw.Recoverer)

	authHandler := handlers.NewAuthHandler(d.Auth, d.Logger)
	deviceHandler := handlers.NewDeviceHandler(d.Auth, d.Logger)
	recoveryBucket := bucket("recovery", d.RateLimits.Recovery)
	recoveryHandler := handlers.NewRecoveryHandler(d.Auth, d.Limiter, recoveryBucket, d.Logger)
	providerHandler := handlers.NewProviderHandler(d.Consent, d.Logger)
	consentHandler := handlers.NewConsentHandler(d.Consent, d.Logger)

	healthHandler := handlers.NewHealthHandler(d.DB)
	r.Get("/health", healthHandler.ServeHTTP)

	authLimit := middleware.RateLimitMiddleware(d.Limiter, bucket("auth", d.RateLimits.Auth), middleware.GetIPKey, d.Logger)
	recoveryLimit := middleware.RateLimitMiddleware(d.Limiter, recoveryBucket, middleware.GetIPKey, d.Logger)
	providerLimit := middleware.RateLimitMiddleware(d.Limiter, bucket("provider", d.RateLimits.Provider), middleware.GetIPKey, d.Logger)

	authenticate := middleware.AuthMiddleware(d.Auth, d.Logger)
	now := d.Now
	if now == nil {
		now = d.Auth.Now
	}
	revalidated := middleware.RequireRevalidation(d.Auth.RevalidationWindow(), now)

	r.Route("/auth", func(r chi.Router) {
		r.Use(authLimit)
		r.Post("/register", authHandler.HandleRequestOTP)
		r.Post("/verify-otp", authHandler.HandleVerifyOTP)
		r.Post("/challenge", authHandler.HandleChallenge)
		r.Post("/confirm", authHandler.HandleConfirm)
		r.Post("/refresh", authHandler.HandleRefresh)
		r.Post("/logout", authHandler.HandleLogout)

		// Revalidation must stay reachable once the window has lapsed.
		r.Group(func(r chi.Router) {
			r.Use(authenticate, middleware.RequireSession)
			r.Post("/revalidate/challenge", authHandler.HandleRevalidateChallenge)
			r.Post("/revalidate/confirm", authHandler.HandleRevalidateConfirm)
		})
	})

	// Registration tokens and access tokens both reach these
	r.Group(func(r chi.Router) {
		r.Use(authLimit, authenticate)
		r.Get("/me", authHandler.HandleMe)
		r.With(revalidated).Post("/devices/register", deviceHandler.HandleRegister)
	})

	r.Group(func(r chi.Router) {
		r.Use(authLimit, authenticate, middleware.RequireSession, revalidated)
		r.Get("/devices", deviceHandler.HandleList)
		r.Post("/devices/{id}/revoke", deviceHandler.HandleRevoke)

		r.Get("/consent/{id}", consentHandler.HandleGet)
		r.Post("/consent/{id}/approve", consentHandler.HandleApprove)
		r.Post("/consent/{id}/deny", consentHandler.HandleDeny)
	})

	r.Route("/recovery", func(r chi.Router) {
		r.Use(recoveryLimit)
		r.Post("/use", recoveryHandler.HandleUseCode)
		r.Post("/start-otp", recoveryHandler.HandleStartOTP)
		r.Post("/verify-otp", recoveryHandler.HandleVerifyOTP)

		r.Group(func(r chi.Router) {
			r.Use(authenticate, middleware.RequireSession, revalidated)
			r.Post("/generate", recoveryHandler.HandleGenerate)
		})
	})

	r.Route("/provider", func(r chi.Router) {
		r.Use(providerLimit, middleware.ProviderMiddleware(d.Consent, d.Logger))
		r.Post("/consent-requests", providerHandler.HandleCreate)
		r.Get("/consent-requests", providerHandler.HandleList)
		r.Get("/consent-requests/{id}", providerHandler.HandleGet)
	})

	return r
}
