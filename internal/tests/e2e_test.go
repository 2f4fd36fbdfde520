package tests

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicekey/server/internal/auth"
	"github.com/devicekey/server/internal/config"
	"github.com/devicekey/server/internal/consent"
	httprouter "github.com/devicekey/server/internal/http"
	"github.com/devicekey/server/internal/repo"
	"github.com/devicekey/server/internal/repo/memstore"
)

const testPhone = "+15550000001"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	*App
	Server *httptest.Server
	Store  repo.Store
}

func newMemoryServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	var store repo.Store
	if opts.Now != nil {
		store = memstore.New(memstore.WithClock(opts.Now))
	} else {
		store = memstore.New()
	}
	return startServer(t, store, opts)
}

func startServer(t *testing.T, store repo.Store, opts Options) *testServer {
	t.Helper()
	app := NewApp(store, opts)
	srv := httptest.NewServer(app.Handler)
	t.Cleanup(func() {
		srv.Close()
		app.Dispatcher.Wait()
	})
	return &testServer{App: app, Server: srv, Store: store}
}

type response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r response) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.Body, v), "body: %s", r.Body)
}

func (r response) errorCode(t *testing.T) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	r.decode(t, &body)
	return body.Error.Code
}

// call sends a JSON request. headers holds key/value pairs.
func (s *testServer) call(t *testing.T, method, path string, body any, headers ...string) response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.Server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := s.Server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return response{Status: resp.StatusCode, Header: resp.Header, Body: raw}
}

func bearer(token string) []string {
	return []string{"Authorization", "Bearer " + token}
}

type deviceKey struct {
	fingerprint string
	publicKey   string
	priv        ed25519.PrivateKey
}

func newDeviceKey(t *testing.T, fingerprint string) deviceKey {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pemKey, err := auth.EncodePublicKeyPEM(pub)
	require.NoError(t, err)
	return deviceKey{fingerprint: fingerprint, publicKey: pemKey, priv: priv}
}

func (d deviceKey) body() map[string]string {
	return map[string]string{"fingerprint": d.fingerprint, "publicKey": d.publicKey, "deviceName": "Pixel"}
}

func (d deviceKey) sign(nonce string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(d.priv, []byte(nonce)))
}

type tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	SessionID    string `json:"sessionId"`
	UserID       string `json:"userId"`
	DeviceID     string `json:"deviceId"`
}

// registrationToken runs the OTP registration flow for phone.
func (s *testServer) registrationToken(t *testing.T, phone string) string {
	t.Helper()
	res := s.call(t, http.MethodPost, "/auth/register", map[string]string{"phoneNumber": phone})
	require.Equal(t, http.StatusCreated, res.Status, "body: %s", res.Body)
	var otp struct {
		OtpID   string `json:"otpId"`
		OtpCode string `json:"otpCode"`
	}
	res.decode(t, &otp)
	require.Len(t, otp.OtpCode, 6)

	res = s.call(t, http.MethodPost, "/auth/verify-otp", map[string]string{
		"otpId": otp.OtpID, "phoneNumber": phone, "code": otp.OtpCode,
	})
	require.Equal(t, http.StatusOK, res.Status, "body: %s", res.Body)
	var verified struct {
		RegistrationToken string `json:"registrationToken"`
		User              struct {
			PhoneNumber string `json:"phoneNumber"`
		} `json:"user"`
	}
	res.decode(t, &verified)
	assert.Equal(t, phone, verified.User.PhoneNumber)
	require.NotEmpty(t, verified.RegistrationToken)
	return verified.RegistrationToken
}

func (s *testServer) registerDevice(t *testing.T, regToken string, dev deviceKey) string {
	t.Helper()
	res := s.call(t, http.MethodPost, "/devices/register", dev.body(), bearer(regToken)...)
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, res.Status, "body: %s", res.Body)
	var out struct {
		Device struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"device"`
	}
	res.decode(t, &out)
	assert.Equal(t, "ACTIVE", out.Device.Status)
	return out.Device.ID
}

func (s *testServer) login(t *testing.T, dev deviceKey, deviceID string) tokens {
	t.Helper()
	res := s.call(t, http.MethodPost, "/auth/challenge", map[string]string{"deviceId": deviceID})
	require.Equal(t, http.StatusCreated, res.Status, "body: %s", res.Body)
	var ch struct {
		ChallengeID string `json:"challengeId"`
		Nonce       string `json:"nonce"`
	}
	res.decode(t, &ch)

	res = s.call(t, http.MethodPost, "/auth/confirm", map[string]string{
		"challengeId": ch.ChallengeID, "signature": dev.sign(ch.Nonce),
	})
	require.Equal(t, http.StatusOK, res.Status, "body: %s", res.Body)
	var out tokens
	res.decode(t, &out)
	require.NotEmpty(t, out.AccessToken)
	require.NotEmpty(t, out.RefreshToken)
	return out
}

// signedIn registers phone with a fresh device and logs it in.
func (s *testServer) signedIn(t *testing.T, phone, fingerprint string) (deviceKey, tokens) {
	t.Helper()
	dev := newDeviceKey(t, fingerprint)
	deviceID := s.registerDevice(t, s.registrationToken(t, phone), dev)
	return dev, s.login(t, dev, deviceID)
}

func TestE2E_RegisterLoginRefresh(t *testing.T) {
	s := newMemoryServer(t, Options{})

	regToken := s.registrationToken(t, testPhone)
	dev := newDeviceKey(t, "fp1")

	res := s.call(t, http.MethodPost, "/devices/register", dev.body(), bearer(regToken)...)
	require.Equal(t, http.StatusCreated, res.Status, "body: %s", res.Body)
	var registered struct {
		Device struct {
			ID          string `json:"id"`
			Fingerprint string `json:"fingerprint"`
		} `json:"device"`
		Created bool `json:"created"`
	}
	res.decode(t, &registered)
	assert.True(t, registered.Created)
	assert.Equal(t, "fp1", registered.Device.Fingerprint)

	// Registering the same ACTIVE fingerprint again is a no-op.
	res = s.call(t, http.MethodPost, "/devices/register", dev.body(), bearer(regToken)...)
	assert.Equal(t, http.StatusOK, res.Status, "body: %s", res.Body)

	// A registration token is not a session.
	res = s.call(t, http.MethodGet, "/devices", nil, bearer(regToken)...)
	assert.Equal(t, http.StatusForbidden, res.Status)
	assert.Equal(t, "FORBIDDEN", res.errorCode(t))

	first := s.login(t, dev, registered.Device.ID)
	assert.Equal(t, "bearer", first.TokenType)
	assert.Equal(t, registered.Device.ID, first.DeviceID)

	res = s.call(t, http.MethodGet, "/me", nil, bearer(first.AccessToken)...)
	require.Equal(t, http.StatusOK, res.Status, "body: %s", res.Body)
	var me struct {
		User struct {
			PhoneNumber string `json:"phoneNumber"`
		} `json:"user"`
		DeviceID string `json:"deviceId"`
	}
	res.decode(t, &me)
	assert.Equal(t, testPhone, me.User.PhoneNumber)
	assert.Equal(t, registered.Device.ID, me.DeviceID)

	res = s.call(t, http.MethodGet, "/devices", nil, bearer(first.AccessToken)...)
	require.Equal(t, http.StatusOK, res.Status, "body: %s", res.Body)
	var list struct {
		Devices []struct {
			Fingerprint string `json:"fingerprint"`
		} `json:"devices"`
	}
	res.decode(t, &list)
	require.Len(t, list.Devices, 1)
	assert.Equal(t, "fp1", list.Devices[0].Fingerprint)

	res = s.call(t, http.MethodPost, "/auth/refresh", map[string]string{"refreshToken": first.RefreshToken})
	require.Equal(t, http.StatusOK, res.Status, "body: %s", res.Body)
	var second tokens
	res.decode(t, &second)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, first.SessionID, second.SessionID)

	res = s.call(t, http.MethodPost, "/auth/refresh", map[string]string{"refreshToken": first.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, res.Status)
	assert.Equal(t, "INVALID_TOKEN", res.errorCode(t))

	res = s.call(t, http.MethodPost, "/auth/logout", map[string]string{"refreshToken": second.RefreshToken})
	assert.Equal(t, http.StatusOK, res.Status)
	res = s.call(t, http.MethodGet, "/me", nil, bearer(second.AccessToken)...)
	assert.Equal(t, http.StatusUnauthorized, res.Status, "access tokens die with their session")
}

func TestE2E_ChallengeRejections(t *testing.T) {
	s := newMemoryServer(t, Options{})
	dev := newDeviceKey(t, "fp1")
	deviceID := s.registerDevice(t, s.registrationToken(t, testPhone), dev)

	res := s.call(t, http.MethodPost, "/auth/challenge", map[string]string{"deviceId": deviceID})
	require.Equal(t, http.StatusCreated, res.Status)
	var ch struct {
		ChallengeID string `json:"challengeId"`
		Nonce       string `json:"nonce"`
	}
	res.decode(t, &ch)

	impostor := newDeviceKey(t, "fp-x")
	res = s.call(t, http.MethodPost, "/auth/confirm", map[string]string{
		"challengeId": ch.ChallengeID, "signature": impostor.sign(ch.Nonce),
	})
	assert.Equal(t, http.StatusUnauthorized, res.Status)
	assert.Equal(t, "INVALID_SIGNATURE", res.errorCode(t))

	res = s.call(t, http.MethodPost, "/auth/confirm", map[string]string{
		"challengeId": ch.ChallengeID, "signature": dev.sign(ch.Nonce),
	})
	require.Equal(t, http.StatusOK, res.Status)

	res = s.call(t, http.MethodPost, "/auth/confirm", map[string]string{
		"challengeId": ch.ChallengeID, "signature": dev.sign(ch.Nonce),
	})
	assert.Equal(t, http.StatusConflict, res.Status, "a challenge is consumed exactly once")

	res = s.call(t, http.MethodPost, "/auth/challenge", map[string]string{"deviceId": "not-a-uuid"})
	assert.Equal(t, http.StatusBadRequest, res.Status)
	assert.Equal(t, "VALIDATION_FAILED", res.errorCode(t))
}

func TestE2E_DeviceCapAndRevoke(t *testing.T) {
	s := newMemoryServer(t, Options{})
	regToken := s.registrationToken(t, testPhone)

	devA := newDeviceKey(t, "fp-a")
	idA := s.registerDevice(t, regToken, devA)
	s.registerDevice(t, regToken, newDeviceKey(t, "fp-b"))

	res := s.call(t, http.MethodPost, "/devices/register", newDeviceKey(t, "fp-c").body(), bearer(regToken)...)
	assert.Equal(t, http.StatusConflict, res.Status)
	assert.Equal(t, "DEVICE_LIMIT_EXCEEDED", res.errorCode(t))

	session := s.login(t, devA, idA)
	res = s.call(t, http.MethodPost, "/devices/"+idA+"/revoke", nil, bearer(session.AccessToken)...)
	require.Equal(t, http.StatusOK, res.Status, "body: %s", res.Body)

	res = s.call(t, http.MethodGet, "/devices", nil, bearer(session.AccessToken)...)
	assert.Equal(t, http.StatusUnauthorized, res.Status, "revoking the current device ends its session")

	res = s.call(t, http.MethodPost, "/auth/refresh", map[string]string{"refreshToken": session.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, res.Status)

	s.registerDevice(t, regToken, newDeviceKey(t, "fp-c"))
}

func TestE2E_RevalidationWindow(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s := newMemoryServer(t, Options{Now: c.Now})
	dev, session := s.signedIn(t, testPhone, "fp1")

	c.Advance(43 * time.Hour)
	res := s.call(t, http.MethodPost, "/auth/refresh", map[string]string{"refreshToken": session.RefreshToken})
	require.Equal(t, http.StatusOK, res.Status, "body: %s", res.Body)
	var refreshed tokens
	res.decode(t, &refreshed)

	res = s.call(t, http.MethodGet, "/devices", nil, bearer(refreshed.AccessToken)...)
	assert.Equal(t, http.StatusUnauthorized, res.Status)
	assert.Equal(t, "REVALIDATION_REQUIRED", res.errorCode(t))

	second := newDeviceKey(t, "fp2")
	res = s.call(t, http.MethodPost, "/devices/register", second.body(), bearer(refreshed.AccessToken)...)
	assert.Equal(t, http.StatusUnauthorized, res.Status)
	assert.Equal(t, "REVALIDATION_REQUIRED", res.errorCode(t))

	res = s.call(t, http.MethodPost, "/auth/revalidate/challenge", map[string]string{"deviceId": refreshed.DeviceID}, bearer(refreshed.AccessToken)...)
	require.Equal(t, http.StatusCreated, res.Status, "body: %s", res.Body)
	var ch struct {
		ChallengeID string `json:"challengeId"`
		Nonce       string `json:"nonce"`
	}
	res.decode(t, &ch)

	res = s.call(t, http.MethodPost, "/auth/revalidate/confirm", map[string]string{
		"challengeId": ch.ChallengeID, "signature": dev.sign(ch.Nonce),
	}, bearer(refreshed.AccessToken)...)
	require.Equal(t, http.StatusOK, res.Status, "body: %s", res.Body)

	res = s.call(t, http.MethodGet, "/devices", nil, bearer(refreshed.AccessToken)...)
	assert.Equal(t, http.StatusOK, res.Status, "body: %s", res.Body)

	res = s.call(t, http.MethodPost, "/devices/register", second.body(), bearer(refreshed.AccessToken)...)
	assert.Equal(t, http.StatusCreated, res.Status, "body: %s", res.Body)
}

func TestE2E_RecoveryCodes(t *testing.T) {
	s := newMemoryServer(t, Options{})
	_, session := s.signedIn(t, testPhone, "fp1")

	res := s.call(t, http.MethodPost, "/recovery/generate", map[string]int{"count": 10}, bearer(session.AccessToken)...)
	require.Equal(t, http.StatusCreated, res.Status, "body: %s", res.Body)
	var generated struct {
		Codes []string `json:"codes"`
	}
	res.decode(t, &generated)
	require.Len(t, generated.Codes, 10)

	res = s.call(t, http.MethodPost, "/recovery/generate", map[string]int{"count": 13}, bearer(session.AccessToken)...)
	assert.Equal(t, http.StatusBadRequest, res.Status)

	replacement := newDeviceKey(t, "fp2")
	body := replacement.body()
	body["recoveryCode"] = generated.Codes[0]
	res = s.call(t, http.MethodPost, "/recovery/use", body)
	require.Equal(t, http.StatusOK, res.Status, "body: %s", res.Body)
	var recovered struct {
		DeviceID          string `json:"deviceId"`
		RegistrationToken string `json:"registrationToken"`
	}
	res.decode(t, &recovered)
	require.NotEmpty(t, recovered.RegistrationToken)

	s.login(t, replacement, recovered.DeviceID)

	body["fingerprint"] = "fp3"
	res = s.call(t, http.MethodPost, "/recovery/use", body)
	assert.Equal(t, http.StatusUnauthorized, res.Status, "a recovery code is single use")
	assert.Equal(t, "INVALID_CODE", res.errorCode(t))
}

func TestE2E_RecoveryOTP(t *testing.T) {
	s := newMemoryServer(t, Options{})
	s.signedIn(t, testPhone, "fp1")

	res := s.call(t, http.MethodPost, "/recovery/start-otp", map[string]string{"phoneNumber": testPhone})
	require.Equal(t, http.StatusCreated, res.Status, "body: %s", res.Body)
	var otp struct {
		OtpID   string `json:"otpId"`
		OtpCode string `json:"otpCode"`
	}
	res.decode(t, &otp)

	dev := newDeviceKey(t, "fp2")
	body := map[string]string{
		"otpId": otp.OtpID, "phoneNumber": testPhone, "code": otp.OtpCode,
		"fingerprint": dev.fingerprint, "publicKey": dev.publicKey,
	}
	res = s.call(t, http.MethodPost, "/recovery/verify-otp", body)
	require.Equal(t, http.StatusOK, res.Status, "body: %s", res.Body)
	var recovered struct {
		DeviceID string `json:"deviceId"`
	}
	res.decode(t, &recovered)
	s.login(t, dev, recovered.DeviceID)

	res = s.call(t, http.MethodPost, "/recovery/verify-otp", body)
	assert.Equal(t, http.StatusConflict, res.Status, "the code was consumed")
}

func TestE2E_RecoveryLimitedPerPhoneAcrossIPs(t *testing.T) {
	limits := httprouter.RateLimits{
		Auth:     config.Bucket{Max: 100, Window: time.Minute},
		Recovery: config.Bucket{Max: 2, Window: 10 * time.Minute},
		Provider: config.Bucket{Max: 100, Window: time.Minute},
	}
	s := newMemoryServer(t, Options{RateLimits: &limits})

	startOTP := func(remote, phone string) *httptest.ResponseRecorder {
		body, _ := json.Marshal(map[string]string{"phoneNumber": phone})
		req := httptest.NewRequest(http.MethodPost, "/recovery/start-otp", bytes.NewReader(body))
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		s.Handler.ServeHTTP(rec, req)
		return rec
	}

	// Each request comes from a fresh address, so only the phone bucket can trip.
	assert.Equal(t, http.StatusCreated, startOTP("192.0.2.1:1000", testPhone).Code)
	assert.Equal(t, http.StatusCreated, startOTP("192.0.2.2:1000", testPhone).Code)

	denied := startOTP("192.0.2.3:1000", testPhone)
	assert.Equal(t, http.StatusTooManyRequests, denied.Code)
	assert.NotEmpty(t, denied.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusCreated, startOTP("192.0.2.4:1000", "+15550000002").Code)
}

func TestE2E_AuthRateLimit(t *testing.T) {
	limits := httprouter.RateLimits{
		Auth:     config.Bucket{Max: 3, Window: time.Minute},
		Recovery: config.Bucket{Max: 10, Window: 10 * time.Minute},
		Provider: config.Bucket{Max: 100, Window: time.Minute},
	}
	s := newMemoryServer(t, Options{RateLimits: &limits})

	for i := 0; i < 3; i++ {
		res := s.call(t, http.MethodPost, "/auth/register", map[string]string{"phoneNumber": testPhone})
		require.Equal(t, http.StatusCreated, res.Status)
		assert.Equal(t, "3", res.Header.Get("X-RateLimit-Limit"))
	}
	res := s.call(t, http.MethodPost, "/auth/register", map[string]string{"phoneNumber": testPhone},
		"X-Forwarded-For", "198.51.100.7")
	assert.Equal(t, http.StatusTooManyRequests, res.Status, "forwarding headers do not reset the IP budget")
	assert.NotEmpty(t, res.Header.Get("Retry-After"))
}

type capturedHook struct {
	signature string
	timestamp string
	body      []byte
}

type hookSink struct {
	mu    sync.Mutex
	calls []capturedHook
}

func (h *hookSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	h.mu.Lock()
	h.calls = append(h.calls, capturedHook{
		signature: r.Header.Get(consent.HeaderSignature),
		timestamp: r.Header.Get(consent.HeaderTimestamp),
		body:      body,
	})
	h.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func TestE2E_ConsentFlow(t *testing.T) {
	s := newMemoryServer(t, Options{})
	sink := &hookSink{}
	hooks := httptest.NewServer(sink)
	t.Cleanup(hooks.Close)

	provider, err := s.Consent.CreateProvider(context.Background(), "Acme", "https://acme.example", hooks.URL)
	require.NoError(t, err)
	apiKey := []string{"X-API-Key", provider.APIKey}

	res := s.call(t, http.MethodPost, "/provider/consent-requests", map[string]any{
		"requestedAttributes": []string{"name", " email ", "name", "age"},
	})
	assert.Equal(t, http.StatusUnauthorized, res.Status, "provider endpoints need an API key")

	res = s.call(t, http.MethodPost, "/provider/consent-requests", map[string]any{
		"requestedAttributes": []string{"name", " email ", "name", "age"},
	}, apiKey...)
	require.Equal(t, http.StatusCreated, res.Status, "body: %s", res.Body)
	var created struct {
		ID                  string   `json:"id"`
		Token               string   `json:"token"`
		ConsentURL          string   `json:"consentUrl"`
		QRText              string   `json:"qrText"`
		Status              string   `json:"status"`
		RequestedAttributes []string `json:"requestedAttributes"`
	}
	res.decode(t, &created)
	assert.Equal(t, []string{"name", "email", "age"}, created.RequestedAttributes)
	assert.Equal(t, "PENDING", created.Status)
	assert.Equal(t, "https://acme.example/consent/"+created.ID+"?token="+created.Token, created.ConsentURL)
	assert.Equal(t, "consent://"+created.ID+"?token="+created.Token, created.QRText)

	_, session := s.signedIn(t, testPhone, "fp1")
	user := bearer(session.AccessToken)

	res = s.call(t, http.MethodGet, "/consent/"+created.ID, nil, user...)
	assert.Equal(t, http.StatusForbidden, res.Status, "unbound requests need the deep-link token")

	res = s.call(t, http.MethodGet, "/consent/"+created.ID+"?token="+created.Token, nil, user...)
	require.Equal(t, http.StatusOK, res.Status, "body: %s", res.Body)
	var view struct {
		ProviderName string `json:"providerName"`
	}
	res.decode(t, &view)
	assert.Equal(t, "Acme", view.ProviderName)

	res = s.call(t, http.MethodPost, "/consent/"+created.ID+"/approve", map[string]any{
		"token": created.Token, "approvedAttributes": []string{"name", "phone"},
	}, user...)
	assert.Equal(t, http.StatusBadRequest, res.Status)
	assert.Equal(t, "INVALID_ATTRIBUTE_SET", res.errorCode(t))

	res = s.call(t, http.MethodPost, "/consent/"+created.ID+"/approve", map[string]any{
		"token": created.Token, "approvedAttributes": []string{},
	}, user...)
	assert.Equal(t, http.StatusBadRequest, res.Status)
	assert.Equal(t, "VALIDATION_FAILED", res.errorCode(t))

	res = s.call(t, http.MethodPost, "/consent/"+created.ID+"/approve", map[string]any{
		"token": created.Token, "approvedAttributes": []string{"name"},
	}, user...)
	require.Equal(t, http.StatusOK, res.Status, "body: %s", res.Body)
	var decided struct {
		ConsentRequest struct {
			Status string  `json:"status"`
			UserID *string `json:"userId"`
		} `json:"consentRequest"`
		Decision struct {
			ApprovedAttributes []string `json:"approvedAttributes"`
			DeniedAttributes   []string `json:"deniedAttributes"`
		} `json:"decision"`
	}
	res.decode(t, &decided)
	assert.Equal(t, "APPROVED", decided.ConsentRequest.Status)
	require.NotNil(t, decided.ConsentRequest.UserID)
	assert.Equal(t, session.UserID, *decided.ConsentRequest.UserID)
	assert.Equal(t, []string{"name"}, decided.Decision.ApprovedAttributes)
	assert.Equal(t, []string{"email", "age"}, decided.Decision.DeniedAttributes)

	res = s.call(t, http.MethodPost, "/consent/"+created.ID+"/deny", map[string]any{"token": created.Token}, user...)
	assert.Equal(t, http.StatusConflict, res.Status)

	res = s.call(t, http.MethodGet, "/provider/consent-requests/"+created.ID, nil, apiKey...)
	require.Equal(t, http.StatusOK, res.Status, "body: %s", res.Body)
	var fetched struct {
		Status   string `json:"status"`
		Decision *struct {
			ApprovedAttributes []string `json:"approvedAttributes"`
		} `json:"decision"`
	}
	res.decode(t, &fetched)
	assert.Equal(t, "APPROVED", fetched.Status)
	require.NotNil(t, fetched.Decision)
	assert.Equal(t, []string{"name"}, fetched.Decision.ApprovedAttributes)

	res = s.call(t, http.MethodGet, "/provider/consent-requests", nil, apiKey...)
	require.Equal(t, http.StatusOK, res.Status)
	var listed struct {
		ConsentRequests []struct {
			ID string `json:"id"`
		} `json:"consentRequests"`
	}
	res.decode(t, &listed)
	require.Len(t, listed.ConsentRequests, 1)

	s.Dispatcher.Wait()
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.calls, 1)
	hook := sink.calls[0]
	assert.Equal(t, "sha256="+consent.Sign(provider.WebhookSecret, hook.timestamp, hook.body), hook.signature)
	var payload consent.WebhookPayload
	require.NoError(t, json.Unmarshal(hook.body, &payload))
	assert.Equal(t, created.ID, payload.ConsentRequestID)
	assert.Equal(t, "APPROVED", payload.Status)
}

func TestE2E_Health(t *testing.T) {
	s := newMemoryServer(t, Options{})
	res := s.call(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.JSONEq(t, `{"status":"ok"}`, string(res.Body))
}
