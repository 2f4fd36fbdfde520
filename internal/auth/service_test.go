package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicekey/server/internal/audit"
	"github.com/devicekey/server/internal/logging"
	"github.com/devicekey/server/internal/model"
	"github.com/devicekey/server/internal/repo/memstore"
)

const testPhone = "+15550000001"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store *memstore.Store
	clock *testClock
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memstore.New(memstore.WithClock(clock.Now))
	logger := logging.Discard()
	svc := NewService(
		store,
		NewTokenIssuer("test-secret-test-secret-test-secret", 15*time.Minute, 15*time.Minute, clock.Now),
		audit.NewRecorder(store, logger, clock.Now),
		nil,
		Settings{
			ChallengeTTL:       60 * time.Second,
			OTPTTL:             5 * time.Minute,
			RefreshTokenTTL:    30 * 24 * time.Hour,
			RevalidationWindow: 42 * time.Hour,
			DevMode:            true,
		},
		logger,
		clock.Now,
	)
	return &fixture{store: store, clock: clock, svc: svc}
}

type testDevice struct {
	in   DeviceInput
	priv ed25519.PrivateKey
}

func newTestDevice(t *testing.T, fingerprint string) testDevice {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pemKey, err := EncodePublicKeyPEM(pub)
	require.NoError(t, err)
	return testDevice{
		in:   DeviceInput{Fingerprint: fingerprint, PublicKey: pemKey, DeviceName: "Test phone"},
		priv: priv,
	}
}

func (d testDevice) sign(nonce string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(d.priv, []byte(nonce)))
}

func (f *fixture) verifiedUser(t *testing.T, phone string) model.User {
	t.Helper()
	ctx := context.Background()
	issued, err := f.svc.RequestAuthOTP(ctx, phone)
	require.NoError(t, err)
	verified, err := f.svc.VerifyAuthOTP(ctx, issued.OtpID, phone, issued.Code)
	require.NoError(t, err)
	return verified.User
}

func (f *fixture) registeredDevice(t *testing.T, userID uuid.UUID, fingerprint string) (testDevice, model.Device) {
	t.Helper()
	dev := newTestDevice(t, fingerprint)
	reg, err := f.svc.RegisterDevice(context.Background(), RegistrationIdentity{User: userID}, dev.in)
	require.NoError(t, err)
	return dev, reg.Device
}

func (f *fixture) login(t *testing.T, dev testDevice, deviceID uuid.UUID) LoginResult {
	t.Helper()
	ctx := context.Background()
	ch, err := f.svc.IssueLoginChallenge(ctx, deviceID)
	require.NoError(t, err)
	res, err := f.svc.ConfirmLogin(ctx, ch.ChallengeID, dev.sign(ch.Nonce))
	require.NoError(t, err)
	return res
}

func (f *fixture) sessionIdentity(t *testing.T, accessToken string) SessionIdentity {
	t.Helper()
	id, err := f.svc.Authenticate(context.Background(), accessToken)
	require.NoError(t, err)
	sid, err := RequireSession(id)
	require.NoError(t, err)
	return sid
}

func requireKind(t *testing.T, err error, kind model.ErrorKind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, model.KindOf(err), "error: %v", err)
}

func TestVerifyAuthOTP_ConsumesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.svc.RequestAuthOTP(ctx, testPhone)
	require.NoError(t, err)
	assert.Regexp(t, `^\d{6}$`, issued.Code)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), issued.ExpiresAt)

	verified, err := f.svc.VerifyAuthOTP(ctx, issued.OtpID, testPhone, issued.Code)
	require.NoError(t, err)
	assert.Equal(t, testPhone, verified.User.PhoneNumber)
	assert.NotEmpty(t, verified.RegistrationToken)

	id, err := f.svc.Authenticate(ctx, verified.RegistrationToken)
	require.NoError(t, err)
	assert.Equal(t, RegistrationIdentity{User: verified.User.ID}, id)

	_, err = f.svc.VerifyAuthOTP(ctx, issued.OtpID, testPhone, issued.Code)
	requireKind(t, err, model.KindConflict)

	again := f.verifiedUser(t, testPhone)
	assert.Equal(t, verified.User.ID, again.ID, "user upsert is idempotent on phone")
}

func TestVerifyAuthOTP_Failures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.svc.RequestAuthOTP(ctx, testPhone)
	require.NoError(t, err)

	_, err = f.svc.VerifyAuthOTP(ctx, uuid.New(), testPhone, "123456")
	requireKind(t, err, model.KindNotFound)

	_, err = f.svc.VerifyAuthOTP(ctx, issued.OtpID, "+15559999999", issued.Code)
	requireKind(t, err, model.KindNotFound)

	_, err = f.svc.VerifyAuthOTP(ctx, issued.OtpID, testPhone, "12345")
	requireKind(t, err, model.KindValidationFailed)

	wrong := "000000"
	if issued.Code == wrong {
		wrong = "111111"
	}
	_, err = f.svc.VerifyAuthOTP(ctx, issued.OtpID, testPhone, wrong)
	requireKind(t, err, model.KindInvalidCode)

	f.clock.Advance(5 * time.Minute)
	_, err = f.svc.VerifyAuthOTP(ctx, issued.OtpID, testPhone, issued.Code)
	requireKind(t, err, model.KindExpired)
}

func TestVerifyAuthOTP_BurnedAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.svc.RequestAuthOTP(ctx, testPhone)
	require.NoError(t, err)
	wrong := "000000"
	if issued.Code == wrong {
		wrong = "111111"
	}
	for i := 0; i < maxOTPAttempts; i++ {
		_, err = f.svc.VerifyAuthOTP(ctx, issued.OtpID, testPhone, wrong)
		requireKind(t, err, model.KindInvalidCode)
	}

	_, err = f.svc.VerifyAuthOTP(ctx, issued.OtpID, testPhone, issued.Code)
	requireKind(t, err, model.KindExpired)
}

func TestRequestAuthOTP_InvalidatesPendingCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.RequestAuthOTP(ctx, testPhone)
	require.NoError(t, err)
	second, err := f.svc.RequestAuthOTP(ctx, testPhone)
	require.NoError(t, err)

	_, err = f.svc.VerifyAuthOTP(ctx, first.OtpID, testPhone, first.Code)
	requireKind(t, err, model.KindExpired)

	_, err = f.svc.VerifyAuthOTP(ctx, second.OtpID, testPhone, second.Code)
	require.NoError(t, err)
}

func TestRegisterDevice_IdempotentWhileActive(t *testing.T) {
	f := newFixture(t)
	user := f.verifiedUser(t, testPhone)
	dev := newTestDevice(t, "fingerprint-1")
	id := RegistrationIdentity{User: user.ID}

	first, err := f.svc.RegisterDevice(context.Background(), id, dev.in)
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := f.svc.RegisterDevice(context.Background(), id, dev.in)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.False(t, second.Revived)
	assert.Equal(t, first.Device.ID, second.Device.ID)

	devices, err := f.svc.ListDevices(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestRegisterDevice_RejectsBadInput(t *testing.T) {
	f := newFixture(t)
	user := f.verifiedUser(t, testPhone)
	id := RegistrationIdentity{User: user.ID}
	dev := newTestDevice(t, "fingerprint-1")

	bad := dev.in
	bad.Fingerprint = "   "
	_, err := f.svc.RegisterDevice(context.Background(), id, bad)
	requireKind(t, err, model.KindValidationFailed)

	bad = dev.in
	bad.Fingerprint = strings.Repeat("f", 257)
	_, err = f.svc.RegisterDevice(context.Background(), id, bad)
	requireKind(t, err, model.KindValidationFailed)

	bad = dev.in
	bad.PublicKey = "not-a-real-public-key-at-all"
	_, err = f.svc.RegisterDevice(context.Background(), id, bad)
	requireKind(t, err, model.KindValidationFailed)

	_, err = f.svc.RegisterDevice(context.Background(), RegistrationIdentity{User: uuid.New()}, dev.in)
	requireKind(t, err, model.KindNotFound)
}

func TestRegisterDevice_ConcurrentCallsRespectCap(t *testing.T) {
	f := newFixture(t)
	user := f.verifiedUser(t, testPhone)
	id := RegistrationIdentity{User: user.ID}

	const n = 8
	devices := make([]testDevice, n)
	for i := range devices {
		devices[i] = newTestDevice(t, fmt.Sprintf("fingerprint-%02d", i))
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.RegisterDevice(context.Background(), id, devices[i].in)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.Equal(t, model.KindDeviceLimitExceeded, model.KindOf(err))
	}
	assert.Equal(t, model.MaxActiveDevices, succeeded)

	active, err := f.store.Devices().CountActive(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MaxActiveDevices, active)
}

func TestConfirmLogin_RoundTripAndReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.verifiedUser(t, testPhone)
	dev, device := f.registeredDevice(t, user.ID, "fingerprint-1")

	ch, err := f.svc.IssueLoginChallenge(ctx, device.ID)
	require.NoError(t, err)
	sig := dev.sign(ch.Nonce)

	res, err := f.svc.ConfirmLogin(ctx, ch.ChallengeID, sig)
	require.NoError(t, err)
	assert.Equal(t, user.ID, res.UserID)
	assert.Equal(t, device.ID, res.DeviceID)
	assert.NotEmpty(t, res.RefreshToken)

	sid := f.sessionIdentity(t, res.AccessToken)
	assert.Equal(t, res.SessionID, sid.Session)
	assert.Equal(t, f.clock.Now(), sid.LastRevalidatedAt)

	_, err = f.svc.ConfirmLogin(ctx, ch.ChallengeID, sig)
	requireKind(t, err, model.KindConflict)
}

func TestConfirmLogin_ConcurrentConfirmsSucceedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.verifiedUser(t, testPhone)
	dev, device := f.registeredDevice(t, user.ID, "fingerprint-1")

	ch, err := f.svc.IssueLoginChallenge(ctx, device.ID)
	require.NoError(t, err)
	sig := dev.sign(ch.Nonce)

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.ConfirmLogin(ctx, ch.ChallengeID, sig)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.Equal(t, model.KindConflict, model.KindOf(err))
	}
	assert.Equal(t, 1, succeeded)

	logins := 0
	for _, e := range f.store.Entries() {
		if e.Action == model.AuditLoginOK {
			logins++
		}
	}
	assert.Equal(t, 1, logins)
}

func TestConfirmLogin_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.verifiedUser(t, testPhone)
	dev, device := f.registeredDevice(t, user.ID, "fingerprint-1")
	other := newTestDevice(t, "fingerprint-2")

	_, err := f.svc.ConfirmLogin(ctx, uuid.New(), dev.sign("whatever"))
	requireKind(t, err, model.KindNotFound)

	ch, err := f.svc.IssueLoginChallenge(ctx, device.ID)
	require.NoError(t, err)
	_, err = f.svc.ConfirmLogin(ctx, ch.ChallengeID, other.sign(ch.Nonce))
	requireKind(t, err, model.KindInvalidSignature)

	f.clock.Advance(61 * time.Second)
	_, err = f.svc.ConfirmLogin(ctx, ch.ChallengeID, dev.sign(ch.Nonce))
	requireKind(t, err, model.KindExpired)

	stored, err := f.store.Challenges().GetByID(ctx, ch.ChallengeID)
	require.NoError(t, err)
	assert.Equal(t, model.ChallengeExpired, stored.Status)

	_, err = f.svc.ConfirmLogin(ctx, ch.ChallengeID, dev.sign(ch.Nonce))
	requireKind(t, err, model.KindConflict)

	reasons := map[string]bool{}
	for _, e := range f.store.Entries() {
		if e.Action == model.AuditLoginFail {
			reasons[fmt.Sprint(e.Metadata[audit.MetaReason])] = true
		}
	}
	assert.True(t, reasons["challenge_or_device_not_found"])
	assert.True(t, reasons["invalid_signature"])
	assert.True(t, reasons["challenge_expired"])
	assert.True(t, reasons["challenge_not_pending"])
}

func TestIssueLoginChallenge_RevokedDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.verifiedUser(t, testPhone)
	dev, device := f.registeredDevice(t, user.ID, "fingerprint-1")
	res := f.login(t, dev, device.ID)
	sid := f.sessionIdentity(t, res.AccessToken)

	require.NoError(t, f.svc.RevokeDevice(ctx, sid, device.ID))

	_, err := f.svc.IssueLoginChallenge(ctx, device.ID)
	requireKind(t, err, model.KindNotFound)
}

func TestRefresh_RotatesAndRejectsStaleToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.verifiedUser(t, testPhone)
	dev, device := f.registeredDevice(t, user.ID, "fingerprint-1")
	first := f.login(t, dev, device.ID)

	second, err := f.svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, first.SessionID, second.SessionID)

	_, err = f.svc.Refresh(ctx, first.RefreshToken)
	requireKind(t, err, model.KindInvalidToken)

	session, err := f.store.Sessions().GetByID(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, session.Status, "stale token does not revoke the session")

	_, err = f.svc.Refresh(ctx, second.RefreshToken)
	require.NoError(t, err)
}

func TestRefresh_ExpiredSession(t *testing.T) {
	f := newFixture(t)
	user := f.verifiedUser(t, testPhone)
	dev, device := f.registeredDevice(t, user.ID, "fingerprint-1")
	res := f.login(t, dev, device.ID)

	f.clock.Advance(30 * 24 * time.Hour)
	_, err := f.svc.Refresh(context.Background(), res.RefreshToken)
	requireKind(t, err, model.KindInvalidToken)
}

func TestLogout_RevokesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.verifiedUser(t, testPhone)
	dev, device := f.registeredDevice(t, user.ID, "fingerprint-1")
	res := f.login(t, dev, device.ID)

	require.NoError(t, f.svc.Logout(ctx, res.RefreshToken))
	require.NoError(t, f.svc.Logout(ctx, res.RefreshToken))

	_, err := f.svc.Refresh(ctx, res.RefreshToken)
	requireKind(t, err, model.KindInvalidToken)
	_, err = f.svc.Authenticate(ctx, res.AccessToken)
	requireKind(t, err, model.KindInvalidToken)
}

func TestRevokeDevice_RevokesSessionsImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.verifiedUser(t, testPhone)
	devA, deviceA := f.registeredDevice(t, user.ID, "fingerprint-a")
	devB, deviceB := f.registeredDevice(t, user.ID, "fingerprint-b")
	resA := f.login(t, devA, deviceA.ID)
	resB := f.login(t, devB, deviceB.ID)

	sidA := f.sessionIdentity(t, resA.AccessToken)
	require.NoError(t, f.svc.RevokeDevice(ctx, sidA, deviceB.ID))

	_, err := f.svc.Authenticate(ctx, resB.AccessToken)
	requireKind(t, err, model.KindInvalidToken)
	_, err = f.svc.Refresh(ctx, resB.RefreshToken)
	requireKind(t, err, model.KindInvalidToken)

	session, err := f.store.Sessions().GetByID(ctx, resB.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionRevoked, session.Status)
	require.NotNil(t, session.RevokedAt)

	other := f.verifiedUser(t, "+15550000002")
	_, foreign := f.registeredDevice(t, other.ID, "fingerprint-x")
	err = f.svc.RevokeDevice(ctx, sidA, foreign.ID)
	requireKind(t, err, model.KindNotFound)
}

func TestRegisterDevice_RevivesRevokedFingerprint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.verifiedUser(t, testPhone)
	devA, deviceA := f.registeredDevice(t, user.ID, "fingerprint-a")
	_, deviceB := f.registeredDevice(t, user.ID, "fingerprint-b")
	sidA := f.sessionIdentity(t, f.login(t, devA, deviceA.ID).AccessToken)

	_, err := f.svc.RegisterDevice(ctx, RegistrationIdentity{User: user.ID}, newTestDevice(t, "fingerprint-c").in)
	requireKind(t, err, model.KindDeviceLimitExceeded)

	require.NoError(t, f.svc.RevokeDevice(ctx, sidA, deviceB.ID))

	rotated := newTestDevice(t, "fingerprint-b")
	reg, err := f.svc.RegisterDevice(ctx, sidA, rotated.in)
	require.NoError(t, err)
	assert.True(t, reg.Revived)
	assert.Equal(t, deviceB.ID, reg.Device.ID)
	assert.Equal(t, strings.TrimSpace(rotated.in.PublicKey), reg.Device.PublicKey, "stored keys are trimmed")

	f.login(t, rotated, deviceB.ID)
}

func TestRevalidation_Boundary(t *testing.T) {
	window := 42 * time.Hour
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sid := SessionIdentity{LastRevalidatedAt: last}

	assert.NoError(t, sid.CheckRevalidation(last.Add(window), window))
	err := sid.CheckRevalidation(last.Add(window+time.Second), window)
	requireKind(t, err, model.KindRevalidationRequired)

	_, err = RequireSession(RegistrationIdentity{User: uuid.New()})
	requireKind(t, err, model.KindForbidden)
}

func TestConfirmRevalidation_StampsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.verifiedUser(t, testPhone)
	dev, device := f.registeredDevice(t, user.ID, "fingerprint-1")
	res := f.login(t, dev, device.ID)

	f.clock.Advance(43 * time.Hour)
	_, err := f.svc.Authenticate(ctx, res.AccessToken)
	requireKind(t, err, model.KindInvalidToken)

	res, err = f.svc.Refresh(ctx, res.RefreshToken)
	require.NoError(t, err)
	sid := f.sessionIdentity(t, res.AccessToken)
	requireKind(t, sid.CheckRevalidation(f.clock.Now(), f.svc.RevalidationWindow()), model.KindRevalidationRequired)

	_, err = f.svc.IssueRevalidationChallenge(ctx, sid, uuid.New())
	requireKind(t, err, model.KindForbidden)

	login, err := f.svc.IssueLoginChallenge(ctx, device.ID)
	require.NoError(t, err)
	err = f.svc.ConfirmRevalidation(ctx, sid, login.ChallengeID, dev.sign(login.Nonce))
	requireKind(t, err, model.KindNotFound)

	ch, err := f.svc.IssueRevalidationChallenge(ctx, sid, device.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.ConfirmRevalidation(ctx, sid, ch.ChallengeID, dev.sign(ch.Nonce)))

	sid = f.sessionIdentity(t, res.AccessToken)
	assert.Equal(t, f.clock.Now(), sid.LastRevalidatedAt)
	assert.NoError(t, sid.CheckRevalidation(f.clock.Now(), f.svc.RevalidationWindow()))
}

func TestRecoveryCodes_RegenerationInvalidatesPrevious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.verifiedUser(t, testPhone)
	dev, device := f.registeredDevice(t, user.ID, "fingerprint-1")
	sid := f.sessionIdentity(t, f.login(t, dev, device.ID).AccessToken)

	_, err := f.svc.GenerateRecoveryCodes(ctx, sid, 9)
	requireKind(t, err, model.KindValidationFailed)

	old, err := f.svc.GenerateRecoveryCodes(ctx, sid, 0)
	require.NoError(t, err)
	assert.Len(t, old, DefaultRecoveryCodes)

	fresh, err := f.svc.GenerateRecoveryCodes(ctx, sid, 12)
	require.NoError(t, err)
	assert.Len(t, fresh, 12)

	_, err = f.svc.UseRecoveryCode(ctx, old[0], newTestDevice(t, "fingerprint-2").in)
	requireKind(t, err, model.KindInvalidCode)

	recovered, err := f.svc.UseRecoveryCode(ctx, fresh[0], newTestDevice(t, "fingerprint-2").in)
	require.NoError(t, err)
	assert.Equal(t, user.ID, recovered.UserID)

	_, err = f.svc.UseRecoveryCode(ctx, fresh[0], newTestDevice(t, "fingerprint-3").in)
	requireKind(t, err, model.KindInvalidCode)

	unused, err := f.store.RecoveryCodes().CountUnused(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 11, unused)
}

func TestUseRecoveryCode_RespectsDeviceCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.verifiedUser(t, testPhone)
	dev, device := f.registeredDevice(t, user.ID, "fingerprint-1")
	f.registeredDevice(t, user.ID, "fingerprint-2")
	sid := f.sessionIdentity(t, f.login(t, dev, device.ID).AccessToken)

	codes, err := f.svc.GenerateRecoveryCodes(ctx, sid, 10)
	require.NoError(t, err)

	_, err = f.svc.UseRecoveryCode(ctx, codes[0], newTestDevice(t, "fingerprint-3").in)
	requireKind(t, err, model.KindDeviceLimitExceeded)

	_, err = f.svc.UseRecoveryCode(ctx, codes[0], dev.in)
	requireKind(t, err, model.KindConflict)

	unused, err := f.store.RecoveryCodes().CountUnused(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, unused, "a failed recovery does not spend the code")
}

func TestUseRecoveryCode_AbuseCheckIsKeyedByCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := newTestDevice(t, "fingerprint-1").in

	for i := 0; i < recoveryAbuseLimit; i++ {
		_, err := f.svc.UseRecoveryCode(ctx, "999999-999999", in)
		requireKind(t, err, model.KindInvalidCode)
	}
	_, err := f.svc.UseRecoveryCode(ctx, "999999-999999", in)
	requireKind(t, err, model.KindTooManyAttempts)

	_, err = f.svc.UseRecoveryCode(ctx, "888888-888888", in)
	requireKind(t, err, model.KindInvalidCode)

	f.clock.Advance(recoveryAbuseWindow + time.Second)
	_, err = f.svc.UseRecoveryCode(ctx, "999999-999999", in)
	requireKind(t, err, model.KindInvalidCode)
}

func TestVerifyRecoveryOTP_RevivesRevokedDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.verifiedUser(t, testPhone)
	devA, deviceA := f.registeredDevice(t, user.ID, "fingerprint-a")
	sid := f.sessionIdentity(t, f.login(t, devA, deviceA.ID).AccessToken)
	require.NoError(t, f.svc.RevokeDevice(ctx, sid, deviceA.ID))

	issued, err := f.svc.StartRecoveryOTP(ctx, testPhone)
	require.NoError(t, err)

	replacement := newTestDevice(t, "fingerprint-a")
	recovered, err := f.svc.VerifyRecoveryOTP(ctx, issued.OtpID, testPhone, issued.Code, replacement.in)
	require.NoError(t, err)
	assert.Equal(t, deviceA.ID, recovered.DeviceID)

	id, err := f.svc.Authenticate(ctx, recovered.RegistrationToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, id.UserID())

	f.login(t, replacement, deviceA.ID)

	_, err = f.svc.VerifyRecoveryOTP(ctx, issued.OtpID, testPhone, issued.Code, replacement.in)
	requireKind(t, err, model.KindConflict)
}

func TestVerifyRecoveryOTP_UnknownPhoneAndAbuse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := newTestDevice(t, "fingerprint-1").in

	issued, err := f.svc.StartRecoveryOTP(ctx, testPhone)
	require.NoError(t, err)
	_, err = f.svc.VerifyRecoveryOTP(ctx, issued.OtpID, testPhone, issued.Code, in)
	requireKind(t, err, model.KindNotFound)

	for i := 1; i < recoveryAbuseLimit; i++ {
		_, err = f.svc.VerifyRecoveryOTP(ctx, uuid.New(), testPhone, "123456", in)
		requireKind(t, err, model.KindNotFound)
	}
	_, err = f.svc.VerifyRecoveryOTP(ctx, issued.OtpID, testPhone, issued.Code, in)
	requireKind(t, err, model.KindTooManyAttempts)

	hits := 0
	for _, e := range f.store.Entries() {
		if e.Action == model.AuditRecoveryRateLimitHit {
			hits++
			assert.Equal(t, "otp", e.Metadata["scope"])
		}
	}
	assert.Equal(t, 1, hits)
}

func TestRecoveryOTP_AuthCodeCannotBeUsed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifiedUser(t, testPhone)

	issued, err := f.svc.RequestAuthOTP(ctx, testPhone)
	require.NoError(t, err)
	_, err = f.svc.VerifyRecoveryOTP(ctx, issued.OtpID, testPhone, issued.Code, newTestDevice(t, "fingerprint-1").in)
	requireKind(t, err, model.KindNotFound)
}
