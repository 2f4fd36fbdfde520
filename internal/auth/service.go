package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/devicekey/server/internal/audit"
	"github.com/devicekey/server/internal/logging"
	"github.com/devicekey/server/internal/repo"
)

// Settings are the lifetimes and switches of the auth flows
type Settings struct {
	ChallengeTTL       time.Duration
	OTPTTL             time.Duration
	RefreshTokenTTL    time.Duration
	RevalidationWindow time.Duration
	// DevMode returns plaintext OTP codes to the caller.
	DevMode bool
}

// Service orchestrates device authentication: OTP, device registry, challenges, sessions and recovery.
type Service struct {
	store  repo.Store
	tokens *TokenIssuer
	audit  *audit.Recorder
	sender OtpSender
	cfg    Settings
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewService creates a new auth service
func NewService(
	store repo.Store,
	tokens *TokenIssuer,
	recorder *audit.Recorder,
	sender OtpSender,
	cfg Settings,
	logger *slog.Logger,
	nowFn func() time.Time,
) *Service {
	if nowFn == nil {
		nowFn = time.Now
	}
	logger = logging.Module(logger, "auth")
	if sender == nil {
		sender = NewLogSender(logger)
	}
	return &Service{
		store:  store,
		tokens: tokens,
		audit:  recorder,
		sender: sender,
		cfg:    cfg,
		logger: logger,
		nowFn:  nowFn,
	}
}

// RevalidationWindow is how long a session may go without revalidating.
func (s *Service) RevalidationWindow() time.Duration { return s.cfg.RevalidationWindow }

// Now returns the service clock.
func (s *Service) Now() time.Time { return s.nowFn() }

// isNotFound reports a missing row from the store.
func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}

// unexpected wraps an infrastructure failure; it maps to KindUnexpected.
func unexpected(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}
