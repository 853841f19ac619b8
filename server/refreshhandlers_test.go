package server

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/storage"
)

func refreshForm(token string) url.Values {
	return url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"demo-client"},
		"refresh_token": {token},
	}
}

func obtainRefreshToken(t *testing.T, s *Server, store storage.Storage) string {
	t.Helper()
	code := seedAuthCodeFixture(t, s, store)
	rr := postTokenForm(t, s, authCodeForm(code, testVerifier))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	return decodeTokenResponse(t, rr).RefreshToken
}

func TestRefreshRotation(t *testing.T) {
	s, store := newTestServer(t)
	rt1 := obtainRefreshToken(t, s, store)

	rr := postTokenForm(t, s, refreshForm(rt1))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decodeTokenResponse(t, rr)
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.IDToken)
	require.NotEqual(t, rt1, resp.RefreshToken)

	claims := decodeTokenClaims(t, resp.RefreshToken)
	require.Equal(t, float64(2), claims["rtv"])
}

func TestRefreshTheftDetection(t *testing.T) {
	s, store := newTestServer(t)
	rt1 := obtainRefreshToken(t, s, store)

	// Holder A rotates: version 1 -> 2.
	rr := postTokenForm(t, s, refreshForm(rt1))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rt2 := decodeTokenResponse(t, rr).RefreshToken

	// Holder B replays the original token; the family burns.
	rr = postTokenForm(t, s, refreshForm(rt1))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "invalid_grant", decodeTokenError(t, rr))

	// The legitimate holder's newer token is dead too.
	rr = postTokenForm(t, s, refreshForm(rt2))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "invalid_grant", decodeTokenError(t, rr))
}

func TestRefreshScopeNarrowOnly(t *testing.T) {
	s, store := newTestServer(t)
	rt1 := obtainRefreshToken(t, s, store)

	// Narrowing is allowed.
	form := refreshForm(rt1)
	form.Set("scope", "openid")
	rr := postTokenForm(t, s, form)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decodeTokenResponse(t, rr)
	require.Equal(t, "openid", resp.Scope)

	// Widening is not.
	form = refreshForm(resp.RefreshToken)
	form.Set("scope", "openid profile email admin")
	rr = postTokenForm(t, s, form)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "invalid_scope", decodeTokenError(t, rr))
}

func TestRefreshFamilyIdleExpiry(t *testing.T) {
	now := time.Now()
	policy, err := NewRefreshTokenPolicy(testLogger(), true, "1h", "")
	require.NoError(t, err)

	s, store := newTestServer(t, func(c *Config) {
		c.Now = func() time.Time { return now }
		c.RefreshTokenPolicy = policy
	})
	rt1 := obtainRefreshToken(t, s, store)

	// Within the unused window the token rotates normally.
	now = now.Add(30 * time.Minute)
	rr := postTokenForm(t, s, refreshForm(rt1))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rt2 := decodeTokenResponse(t, rr).RefreshToken

	// Idle past the window, the family is gone.
	now = now.Add(2 * time.Hour)
	rr = postTokenForm(t, s, refreshForm(rt2))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "invalid_grant", decodeTokenError(t, rr))
}

func TestRefreshFamilyAbsoluteLifetime(t *testing.T) {
	now := time.Now()
	policy, err := NewRefreshTokenPolicy(testLogger(), true, "", "1h")
	require.NoError(t, err)

	s, store := newTestServer(t, func(c *Config) {
		c.Now = func() time.Time { return now }
		c.RefreshTokenPolicy = policy
	})
	rt1 := obtainRefreshToken(t, s, store)

	// Regular use cannot outrun the absolute lifetime.
	now = now.Add(45 * time.Minute)
	rr := postTokenForm(t, s, refreshForm(rt1))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rt2 := decodeTokenResponse(t, rr).RefreshToken

	now = now.Add(30 * time.Minute)
	rr = postTokenForm(t, s, refreshForm(rt2))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "invalid_grant", decodeTokenError(t, rr))
}

func TestRefreshGarbageToken(t *testing.T) {
	s, store := newTestServer(t)
	_ = obtainRefreshToken(t, s, store)

	rr := postTokenForm(t, s, refreshForm("not-a-jwt"))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "invalid_grant", decodeTokenError(t, rr))
}
