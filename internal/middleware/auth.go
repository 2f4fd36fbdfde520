package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/devicekey/server/internal/auth"
	"github.com/devicekey/server/internal/model"
)

type contextKey string

const (
	identityKey contextKey = "identity"
	providerKey contextKey = "provider"
)

// Authenticator resolves a bearer token to an identity
type Authenticator interface {
	Authenticate(ctx context.Context, bearer string) (auth.Identity, error)
}

// ProviderAuthenticator resolves a provider API key
type ProviderAuthenticator interface {
	AuthenticateProvider(ctx context.Context, apiKey string) (model.Provider, error)
}

// AuthMiddleware validates the bearer token and attaches the caller's identity to the context.
// Access tokens are only accepted while their session and device are ACTIVE.
func AuthMiddleware(authenticator Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, http.StatusUnauthorized, model.KindInvalidToken, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				respondWithError(w, http.StatusUnauthorized, model.KindInvalidToken, "invalid authorization header format")
				return
			}

			tokenString := strings.TrimSpace(parts[1])
			if tokenString == "" {
				respondWithError(w, http.StatusUnauthorized, model.KindInvalidToken, "missing token")
				return
			}

			identity, err := authenticator.Authenticate(r.Context(), tokenString)
			if err != nil {
				WriteError(w, r, logger, err)
				return
			}

			ctx := context.WithValue(r.Context(), identityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireSession rejects registration identities with 403. Use after AuthMiddleware.
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ := GetIdentity(r.Context())
		if _, err := auth.RequireSession(identity); err != nil {
			respondWithError(w, http.StatusForbidden, model.KindForbidden, "access token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRevalidation rejects sessions that have gone longer than window without
// revalidating. Registration identities pass; they carry no session.
func RequireRevalidation(window time.Duration, nowFn func() time.Time) func(http.Handler) http.Handler {
	if nowFn == nil {
		nowFn = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := GetIdentity(r.Context())
			if !ok {
				respondWithError(w, http.StatusUnauthorized, model.KindInvalidToken, "authentication required")
				return
			}
			if session, isSession := identity.(auth.SessionIdentity); isSession {
				if err := session.CheckRevalidation(nowFn(), window); err != nil {
					WriteError(w, r, nil, err)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ProviderMiddleware authenticates a provider by X-API-Key or "Authorization: ApiKey <key>".
func ProviderMiddleware(authenticator ProviderAuthenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provider, err := authenticator.AuthenticateProvider(r.Context(), providerAPIKey(r))
			if err != nil {
				WriteError(w, r, logger, err)
				return
			}
			ctx := context.WithValue(r.Context(), providerKey, provider)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func providerAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "ApiKey") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// GetIdentity returns the identity attached by AuthMiddleware
func GetIdentity(ctx context.Context) (auth.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(auth.Identity)
	return identity, ok
}

// GetSession returns the session identity attached by AuthMiddleware, if the caller has one
func GetSession(ctx context.Context) (auth.SessionIdentity, bool) {
	identity, _ := GetIdentity(ctx)
	session, ok := identity.(auth.SessionIdentity)
	return session, ok
}

// GetProvider returns the provider attached by ProviderMiddleware
func GetProvider(ctx context.Context) (model.Provider, bool) {
	provider, ok := ctx.Value(providerKey).(model.Provider)
	return provider, ok
}
