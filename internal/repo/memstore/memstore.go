// Package memstore is an in-process implementation of repo.Store.
//
// Transactions run one at a time against a copy of the state and are
// committed by swapping the copy in, which gives serializable semantics.
package memstore

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devicekey/server/internal/model"
	"github.com/devicekey/server/internal/repo"
)

type state struct {
	users      map[uuid.UUID]model.User
	devices    map[uuid.UUID]model.Device
	otps       map[uuid.UUID]model.OtpVerification
	challenges map[uuid.UUID]model.AuthChallenge
	sessions   map[uuid.UUID]model.Session
	recovery   map[uuid.UUID]model.RecoveryCode
	providers  map[uuid.UUID]model.Provider
	consents   map[uuid.UUID]model.ConsentRequest
	decisions  map[uuid.UUID]model.ConsentDecision // keyed by consent request id
	audit      []model.AuditEntry
}

func newState() *state {
	return &state{
		users:      map[uuid.UUID]model.User{},
		devices:    map[uuid.UUID]model.Device{},
		otps:       map[uuid.UUID]model.OtpVerification{},
		challenges: map[uuid.UUID]model.AuthChallenge{},
		sessions:   map[uuid.UUID]model.Session{},
		recovery:   map[uuid.UUID]model.RecoveryCode{},
		providers:  map[uuid.UUID]model.Provider{},
		consents:   map[uuid.UUID]model.ConsentRequest{},
		decisions:  map[uuid.UUID]model.ConsentDecision{},
	}
}

// clone copies the maps; rows are values and their slices are never mutated in place.
func (s *state) clone() *state {
	return &state{
		users:      maps.Clone(s.users),
		devices:    maps.Clone(s.devices),
		otps:       maps.Clone(s.otps),
		challenges: maps.Clone(s.challenges),
		sessions:   maps.Clone(s.sessions),
		recovery:   maps.Clone(s.recovery),
		providers:  maps.Clone(s.providers),
		consents:   maps.Clone(s.consents),
		decisions:  maps.Clone(s.decisions),
		audit:      slices.Clone(s.audit),
	}
}

// Store implements repo.Store in memory.
type Store struct {
	mu    sync.Mutex
	st    *state
	nowFn func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithClock sets the clock used for created_at columns.
func WithClock(nowFn func() time.Time) Option {
	return func(s *Store) { s.nowFn = nowFn }
}

// New creates an empty Store
func New(opts ...Option) *Store {
	s := &Store{st: newState(), nowFn: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// view binds repositories either to the live state (tx == nil) or to a transaction's copy.
type view struct {
	store *Store
	tx    *state
}

func (v view) do(fn func(st *state) error) error {
	if v.tx != nil {
		return fn(v.tx)
	}
	v.store.mu.Lock()
	defer v.store.mu.Unlock()
	return fn(v.store.st)
}

func (v view) now() time.Time { return v.store.nowFn() }

func (s *Store) live() view { return view{store: s} }

func (s *Store) Users() repo.UserRepo                 { return userRepo{s.live()} }
func (s *Store) Devices() repo.DeviceRepo             { return deviceRepo{s.live()} }
func (s *Store) Otps() repo.OtpRepo                   { return otpRepo{s.live()} }
func (s *Store) Challenges() repo.ChallengeRepo       { return challengeRepo{s.live()} }
func (s *Store) Sessions() repo.SessionRepo           { return sessionRepo{s.live()} }
func (s *Store) RecoveryCodes() repo.RecoveryCodeRepo { return recoveryRepo{s.live()} }
func (s *Store) Providers() repo.ProviderRepo         { return providerRepo{s.live()} }
func (s *Store) Consents() repo.ConsentRepo           { return consentRepo{s.live()} }
func (s *Store) Audit() repo.AuditRepo                { return auditRepo{s.live()} }

// WithTx runs fn against a private copy of the state and commits it when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx repo.Repos) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(txRepos{view{store: s, tx: work}}); err != nil {
		return err
	}
	s.st = work
	return nil
}

type txRepos struct{ v view }

func (t txRepos) Users() repo.UserRepo                 { return userRepo{t.v} }
func (t txRepos) Devices() repo.DeviceRepo             { return deviceRepo{t.v} }
func (t txRepos) Otps() repo.OtpRepo                   { return otpRepo{t.v} }
func (t txRepos) Challenges() repo.ChallengeRepo       { return challengeRepo{t.v} }
func (t txRepos) Sessions() repo.SessionRepo           { return sessionRepo{t.v} }
func (t txRepos) RecoveryCodes() repo.RecoveryCodeRepo { return recoveryRepo{t.v} }
func (t txRepos) Providers() repo.ProviderRepo         { return providerRepo{t.v} }
func (t txRepos) Consents() repo.ConsentRepo           { return consentRepo{t.v} }
func (t txRepos) Audit() repo.AuditRepo                { return auditRepo{t.v} }
