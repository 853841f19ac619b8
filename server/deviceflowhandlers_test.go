package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/storage"
)

func startDeviceFlow(t *testing.T, s *Server) deviceCodeResponse {
	t.Helper()
	form := url.Values{
		"client_id": {"tv-client"},
		"scope":     {"openid profile"},
	}
	req := httptest.NewRequest(http.MethodPost, testIssuer+"/device/code", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp deviceCodeResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.DeviceCode)
	require.NotEmpty(t, resp.UserCode)
	return resp
}

func devicePollForm(deviceCode string) url.Values {
	return url.Values{
		"grant_type":  {grantTypeDeviceCode},
		"client_id":   {"tv-client"},
		"device_code": {deviceCode},
	}
}

func TestDeviceFlow(t *testing.T) {
	now := time.Now()
	s, store := newTestServer(t, func(c *Config) {
		c.Now = func() time.Time { return now }
	})
	ctx := context.Background()

	require.NoError(t, store.CreateClient(ctx, storage.Client{ID: "tv-client", Public: true}))

	flow := startDeviceFlow(t, s)

	// Polling before approval reports pending.
	now = now.Add(10 * time.Second)
	rr := postTokenForm(t, s, devicePollForm(flow.DeviceCode))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "authorization_pending", decodeTokenError(t, rr))

	// Polling again immediately trips slow_down.
	rr = postTokenForm(t, s, devicePollForm(flow.DeviceCode))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "slow_down", decodeTokenError(t, rr))

	// The browser side approves via the user code.
	require.NoError(t, s.ApproveDeviceRequest(ctx, flow.UserCode, storage.Claims{UserID: "user-1"}, ""))

	now = now.Add(time.Minute)
	rr = postTokenForm(t, s, devicePollForm(flow.DeviceCode))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decodeTokenResponse(t, rr)
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.RefreshToken)
	require.Equal(t, "user-1", decodeTokenClaims(t, resp.AccessToken)["sub"])

	// The approval is one-shot: a second poll cannot re-issue.
	now = now.Add(time.Minute)
	rr = postTokenForm(t, s, devicePollForm(flow.DeviceCode))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "invalid_grant", decodeTokenError(t, rr))
}

func TestDeviceFlowDenied(t *testing.T) {
	now := time.Now()
	s, store := newTestServer(t, func(c *Config) {
		c.Now = func() time.Time { return now }
	})
	ctx := context.Background()
	require.NoError(t, store.CreateClient(ctx, storage.Client{ID: "tv-client", Public: true}))

	flow := startDeviceFlow(t, s)
	require.NoError(t, s.DenyDeviceRequest(ctx, flow.UserCode))

	now = now.Add(time.Minute)
	rr := postTokenForm(t, s, devicePollForm(flow.DeviceCode))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, "access_denied", decodeTokenError(t, rr))
}

func TestDeviceFlowExpired(t *testing.T) {
	now := time.Now()
	s, store := newTestServer(t, func(c *Config) {
		c.Now = func() time.Time { return now }
	})
	require.NoError(t, store.CreateClient(context.Background(), storage.Client{ID: "tv-client", Public: true}))

	flow := startDeviceFlow(t, s)

	now = now.Add(time.Hour)
	rr := postTokenForm(t, s, devicePollForm(flow.DeviceCode))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "expired_token", decodeTokenError(t, rr))
}

func TestCIBAFlow(t *testing.T) {
	now := time.Now()
	s, store := newTestServer(t, func(c *Config) {
		c.Now = func() time.Time { return now }
	})
	ctx := context.Background()
	require.NoError(t, store.CreateClient(ctx, storage.Client{ID: "bank-app", Secret: "sekret"}))

	form := url.Values{
		"client_id":     {"bank-app"},
		"client_secret": {"sekret"},
		"scope":         {"openid"},
		"login_hint":    {"user-1"},
	}
	req := httptest.NewRequest(http.MethodPost, testIssuer+"/bc-authorize", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var authResp cibaAuthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &authResp))
	require.NotEmpty(t, authResp.AuthReqID)

	pollForm := url.Values{
		"grant_type":    {grantTypeCIBA},
		"client_id":     {"bank-app"},
		"client_secret": {"sekret"},
		"auth_req_id":   {authResp.AuthReqID},
	}

	now = now.Add(10 * time.Second)
	tokenRR := postTokenForm(t, s, pollForm)
	require.Equal(t, http.StatusBadRequest, tokenRR.Code)
	require.Equal(t, "authorization_pending", decodeTokenError(t, tokenRR))

	require.NoError(t, s.ApproveCIBARequest(ctx, authResp.AuthReqID, storage.Claims{UserID: "user-1"}, ""))

	now = now.Add(time.Minute)
	tokenRR = postTokenForm(t, s, pollForm)
	require.Equal(t, http.StatusOK, tokenRR.Code, tokenRR.Body.String())
	resp := decodeTokenResponse(t, tokenRR)
	require.Equal(t, "user-1", decodeTokenClaims(t, resp.AccessToken)["sub"])

	// token_issued flipped; a second poll cannot double-issue.
	now = now.Add(time.Minute)
	tokenRR = postTokenForm(t, s, pollForm)
	require.Equal(t, http.StatusBadRequest, tokenRR.Code)
	require.Equal(t, "invalid_grant", decodeTokenError(t, tokenRR))
}
