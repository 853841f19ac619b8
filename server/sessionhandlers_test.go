package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/events"
	"github.com/authrim/authrim/storage"
)

func jsonRequest(t *testing.T, method, target string, body interface{}) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, target, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func sessionCookieFor(sess storage.Session) *http.Cookie {
	return &http.Cookie{Name: sessionCookieName, Value: sess.ID}
}

func seedSession(t *testing.T, s *Server, store storage.Storage, userID string) storage.Session {
	t.Helper()
	sess := storage.Session{
		ID:        storage.NewSessionID(4),
		UserID:    userID,
		CreatedAt: s.now(),
		Expiry:    s.now().Add(time.Hour),
	}
	require.NoError(t, store.CreateSession(context.Background(), sess))
	return sess
}

func TestSessionTokenRoundTrip(t *testing.T) {
	s, store := newTestServer(t)
	sess := seedSession(t, s, store, "user-1")

	req := jsonRequest(t, http.MethodPost, testIssuer+"/auth/session/token", map[string]string{})
	req.AddCookie(sessionCookieFor(sess))
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var issued struct {
		SessionToken string `json:"session_token"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &issued))
	require.NotEmpty(t, issued.SessionToken)

	req = jsonRequest(t, http.MethodPost, testIssuer+"/auth/session/verify", map[string]string{
		"session_token": issued.SessionToken,
	})
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	// Session exchange tokens are one-shot.
	req = jsonRequest(t, http.MethodPost, testIssuer+"/auth/session/verify", map[string]string{
		"session_token": issued.SessionToken,
	})
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSessionRefreshCapped(t *testing.T) {
	now := time.Now()
	s, store := newTestServer(t, func(c *Config) {
		c.Now = func() time.Time { return now }
		c.SessionsValidFor = time.Hour
		c.SessionExtendCap = 2 * time.Hour
	})
	sess := seedSession(t, s, store, "user-1")

	// Near the cap, the extension clamps to created_at + cap.
	now = now.Add(90 * time.Minute)
	req := jsonRequest(t, http.MethodPost, testIssuer+"/session/refresh", map[string]string{})
	req.AddCookie(sessionCookieFor(sess))
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code) // session already expired at +60m
}

func TestSessionRefreshMovesExpiryForwardOnly(t *testing.T) {
	now := time.Now()
	s, store := newTestServer(t, func(c *Config) {
		c.Now = func() time.Time { return now }
		c.SessionsValidFor = time.Hour
		c.SessionExtendCap = 24 * time.Hour
	})
	sess := seedSession(t, s, store, "user-1")

	now = now.Add(30 * time.Minute)
	req := jsonRequest(t, http.MethodPost, testIssuer+"/session/refresh", map[string]string{})
	req.AddCookie(sessionCookieFor(sess))
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	got, err := store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.True(t, got.Expiry.After(sess.Expiry))
}

func TestSessionStatusRejectsLegacyIDs(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, testIssuer+"/session/status", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "legacy-unsharded-id"})
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var status struct {
		Active bool `json:"active"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	require.False(t, status.Active)
}

func TestAnonLoginFlow(t *testing.T) {
	s, store := newTestServer(t, func(c *Config) {
		c.DeviceIDHMACSecret = []byte("device-hmac-secret")
	})
	ctx := context.Background()

	// Challenge.
	req := jsonRequest(t, http.MethodPost, testIssuer+"/api/auth/anon-login/challenge", map[string]string{
		"device_id": "device-123",
	})
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var challenge struct {
		ChallengeID string `json:"challenge_id"`
		Nonce       string `json:"nonce"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &challenge))

	// Verify.
	req = jsonRequest(t, http.MethodPost, testIssuer+"/api/auth/anon-login/verify", map[string]string{
		"challenge_id": challenge.ChallengeID,
		"device_id":    "device-123",
		"nonce":        challenge.Nonce,
	})
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var login struct {
		UserID    string `json:"user_id"`
		SessionID string `json:"session_id"`
		Anonymous bool   `json:"anonymous"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &login))
	require.True(t, login.Anonymous)
	require.NotEmpty(t, login.UserID)

	sess, err := store.GetSession(ctx, login.SessionID)
	require.NoError(t, err)
	require.True(t, sess.Data.Anonymous)
	require.True(t, sess.Data.UpgradeEligible)

	// The challenge is one-shot.
	req = jsonRequest(t, http.MethodPost, testIssuer+"/api/auth/anon-login/verify", map[string]string{
		"challenge_id": challenge.ChallengeID,
		"device_id":    "device-123",
		"nonce":        challenge.Nonce,
	})
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	// A second login from the same device reuses the anonymous user.
	req = jsonRequest(t, http.MethodPost, testIssuer+"/api/auth/anon-login/challenge", map[string]string{
		"device_id": "device-123",
	})
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &challenge))

	req = jsonRequest(t, http.MethodPost, testIssuer+"/api/auth/anon-login/verify", map[string]string{
		"challenge_id": challenge.ChallengeID,
		"device_id":    "device-123",
		"nonce":        challenge.Nonce,
	})
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var second struct {
		UserID string `json:"user_id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &second))
	require.Equal(t, login.UserID, second.UserID)
}

func TestUpgradeFlowPreserveSubFalse(t *testing.T) {
	s, store := newTestServer(t, func(c *Config) {
		c.DeviceIDHMACSecret = []byte("device-hmac-secret")
	})
	ctx := context.Background()

	sess := storage.Session{
		ID:        storage.NewSessionID(4),
		UserID:    "anon_abc",
		CreatedAt: s.now(),
		Expiry:    s.now().Add(time.Hour),
		Data: storage.SessionData{
			Anonymous:       true,
			UpgradeEligible: true,
			DeviceIDHash:    "devhash",
		},
	}
	require.NoError(t, store.CreateSession(ctx, sess))
	require.NoError(t, store.CreateAnonymousDevice(ctx, storage.AnonymousDevice{
		ID: "d1", TenantID: defaultTenant, UserID: "anon_abc", DeviceIDHash: "devhash", Active: true,
	}))

	req := jsonRequest(t, http.MethodPost, testIssuer+"/api/auth/upgrade", map[string]string{})
	req.AddCookie(sessionCookieFor(sess))
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var started struct {
		ChallengeID string `json:"challenge_id"`
		Nonce       string `json:"nonce"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &started))

	preserve := false
	req = jsonRequest(t, http.MethodPost, testIssuer+"/api/auth/upgrade/complete", map[string]interface{}{
		"challenge_id":   started.ChallengeID,
		"nonce":          started.Nonce,
		"verified_email": "jane@example.com",
		"preserve_sub":   preserve,
	})
	req.AddCookie(sessionCookieFor(sess))
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.False(t, got.Data.Anonymous)
	require.NotEqual(t, "anon_abc", got.UserID)
	require.Equal(t, "jane@example.com", got.Data.VerifiedEmail)

	// The anonymous device binding is retired.
	device, err := store.GetAnonymousDevice(ctx, defaultTenant, "devhash")
	require.NoError(t, err)
	require.False(t, device.Active)
}

func TestDirectEmailFlow(t *testing.T) {
	codes := make(chan string, 1)
	s, store := newTestServer(t, func(c *Config) {
		c.OTPHMACSecret = []byte("otp-hmac-secret")
		c.Events = events.NewChannelBus(testLogger(), 16, func(e events.Event) {
			if e.Type == "email.code.requested" {
				codes <- e.Data["code"]
			}
		})
	})
	ctx := context.Background()

	require.NoError(t, store.CreateClient(ctx, storage.Client{ID: "native-app", Public: true}))

	req := jsonRequest(t, http.MethodPost, testIssuer+"/api/v1/auth/direct/email/send", map[string]string{
		"email":          "jane@example.com",
		"code_challenge": s256Challenge(testVerifier),
	})
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var sent struct {
		ChallengeID string `json:"challenge_id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sent))

	var otp string
	select {
	case otp = <-codes:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the emailed code")
	}

	// A wrong code burns an attempt but not the challenge.
	req = jsonRequest(t, http.MethodPost, testIssuer+"/api/v1/auth/direct/email/verify", map[string]string{
		"challenge_id": sent.ChallengeID,
		"code":         "000000",
	})
	if otp == "000000" {
		t.Skip("generated code collided with the wrong-guess fixture")
	}
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	req = jsonRequest(t, http.MethodPost, testIssuer+"/api/v1/auth/direct/email/verify", map[string]string{
		"challenge_id": sent.ChallengeID,
		"code":         otp,
	})
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var verified struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &verified))
	require.NotEmpty(t, verified.Code)

	// Redeem the one-shot code with the PKCE verifier.
	req = jsonRequest(t, http.MethodPost, testIssuer+"/api/v1/auth/direct/token", map[string]string{
		"code":          verified.Code,
		"code_verifier": testVerifier,
		"client_id":     "native-app",
	})
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decodeTokenResponse(t, rr)
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.IDToken)
	require.NotEmpty(t, resp.RefreshToken)

	idClaims := decodeTokenClaims(t, resp.IDToken)
	require.Equal(t, "jane@example.com", idClaims["email"])
}

func TestDIDLinkAndUnlink(t *testing.T) {
	s, store := newTestServer(t)
	sess := seedSession(t, s, store, "user-1")

	req := jsonRequest(t, http.MethodPost, testIssuer+"/auth/did/register/challenge", map[string]string{
		"did": "did:example:123",
	})
	req.AddCookie(sessionCookieFor(sess))
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var challenge struct {
		ChallengeID string `json:"challenge_id"`
		Nonce       string `json:"nonce"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &challenge))

	req = jsonRequest(t, http.MethodPost, testIssuer+"/auth/did/register/verify", map[string]interface{}{
		"challenge_id": challenge.ChallengeID,
		"nonce":        challenge.Nonce,
	})
	req.AddCookie(sessionCookieFor(sess))
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	req = httptest.NewRequest(http.MethodGet, testIssuer+"/auth/did/list", nil)
	req.AddCookie(sessionCookieFor(sess))
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "did:example:123")

	req = httptest.NewRequest(http.MethodDelete, testIssuer+"/auth/did/unlink/did:example:123", nil)
	req.AddCookie(sessionCookieFor(sess))
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	req = httptest.NewRequest(http.MethodGet, testIssuer+"/auth/did/list", nil)
	req.AddCookie(sessionCookieFor(sess))
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.NotContains(t, rr.Body.String(), "did:example:123")
}
