package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/storage"
)

func TestFrontchannelLogoutFanOut(t *testing.T) {
	logoutTokens := make(chan string, 1)
	rp2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		logoutTokens <- r.PostFormValue("logout_token")
	}))
	defer rp2.Close()

	s, store := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.CreateClient(ctx, storage.Client{
		ID:                     "rp1",
		Public:                 true,
		PostLogoutRedirectURIs: []string{"https://rp1.example/after-logout"},
		FrontchannelLogoutURI:  "https://rp1.example/fc-logout",
	}))

	sid := storage.NewSessionID(4)
	require.NoError(t, store.CreateSession(ctx, storage.Session{
		ID: sid, UserID: "user-1", CreatedAt: s.now(), Expiry: s.now().Add(time.Hour),
	}))
	require.NoError(t, store.UpsertSessionClient(ctx, storage.SessionClient{
		SessionID:             sid,
		ClientID:              "rp1",
		FrontchannelLogoutURI: "https://rp1.example/fc-logout",
	}))
	require.NoError(t, store.UpsertSessionClient(ctx, storage.SessionClient{
		SessionID:            sid,
		ClientID:             "rp2",
		BackchannelLogoutURI: rp2.URL,
	}))

	client, err := store.GetClient(ctx, "rp1")
	require.NoError(t, err)
	hint, err := s.newIDToken(ctx, client, idTokenConfig{
		clientID:  "rp1",
		claims:    storage.Claims{UserID: "user-1"},
		sessionID: sid,
		validFor:  time.Hour,
	})
	require.NoError(t, err)

	q := url.Values{
		"id_token_hint":            {hint.token},
		"post_logout_redirect_uri": {"https://rp1.example/after-logout"},
		"state":                    {"xyz"},
	}
	req := httptest.NewRequest(http.MethodGet, testIssuer+"/logout?"+q.Encode(), nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	// Front-channel clients exist, so an HTML page with exactly one iframe is
	// served.
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := rr.Body.String()
	require.Equal(t, 1, strings.Count(body, "<iframe"), body)
	require.Contains(t, body, "https://rp1.example/fc-logout?iss=")
	require.Contains(t, body, "https://rp1.example/after-logout")

	// Cookies are cleared with the configured SameSite.
	var clearedSession, clearedBrowserState bool
	for _, c := range rr.Result().Cookies() {
		switch c.Name {
		case sessionCookieName:
			clearedSession = c.MaxAge < 0
		case browserStateCookieName:
			clearedBrowserState = c.MaxAge < 0
		}
	}
	require.True(t, clearedSession, "authrim_session must be cleared")
	require.True(t, clearedBrowserState, "BROWSER_STATE must be cleared")

	// The session is gone.
	_, err = store.GetSession(ctx, sid)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// Exactly one signed logout token reaches the back-channel client.
	var rawToken string
	select {
	case rawToken = <-logoutTokens:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for backchannel logout token")
	}
	claims := decodeTokenClaims(t, rawToken)
	require.Equal(t, "user-1", claims["sub"])
	require.Equal(t, "rp2", claims["aud"])
	events, ok := claims["events"].(map[string]interface{})
	require.True(t, ok, "logout token must carry an events claim")
	_, ok = events[backchannelLogoutEvent]
	require.True(t, ok)
	_, hasNonce := claims["nonce"]
	require.False(t, hasNonce, "logout token must not carry a nonce")

	select {
	case extra := <-logoutTokens:
		t.Fatalf("unexpected second backchannel delivery: %s", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFrontchannelLogoutInvalidRedirect(t *testing.T) {
	s, store := newTestServer(t, func(c *Config) {
		c.Logout.DefaultRedirectURI = "https://auth.example.com/logged-out"
	})
	ctx := context.Background()

	require.NoError(t, store.CreateClient(ctx, storage.Client{
		ID:                     "rp1",
		Public:                 true,
		PostLogoutRedirectURIs: []string{"https://rp1.example/after-logout"},
	}))

	sid := storage.NewSessionID(4)
	require.NoError(t, store.CreateSession(ctx, storage.Session{
		ID: sid, UserID: "user-1", CreatedAt: s.now(), Expiry: s.now().Add(time.Hour),
	}))

	client, err := store.GetClient(ctx, "rp1")
	require.NoError(t, err)
	hint, err := s.newIDToken(ctx, client, idTokenConfig{
		clientID:  "rp1",
		claims:    storage.Claims{UserID: "user-1"},
		sessionID: sid,
		validFor:  time.Hour,
	})
	require.NoError(t, err)

	q := url.Values{
		"id_token_hint":            {hint.token},
		"post_logout_redirect_uri": {"https://evil.example/phish"},
	}
	req := httptest.NewRequest(http.MethodGet, testIssuer+"/logout?"+q.Encode(), nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	// The user is still logged out; only the redirect target degrades.
	require.Equal(t, http.StatusSeeOther, rr.Code)
	loc := rr.Header().Get("Location")
	require.Contains(t, loc, "https://auth.example.com/logged-out")
	require.Contains(t, loc, "error=invalid_post_logout_redirect_uri")

	_, err = store.GetSession(ctx, sid)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBackchannelLogoutEndpoint(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.CreateClient(ctx, storage.Client{ID: "rp1", Public: true}))

	sid := storage.NewSessionID(4)
	require.NoError(t, store.CreateSession(ctx, storage.Session{
		ID: sid, UserID: "user-1", CreatedAt: s.now(), Expiry: s.now().Add(time.Hour),
	}))

	token, err := s.signLogoutToken(ctx, "user-1", storage.SessionClient{
		SessionID:                        sid,
		ClientID:                         "rp1",
		BackchannelLogoutSessionRequired: true,
	})
	require.NoError(t, err)

	form := url.Values{"logout_token": {token}}
	req := httptest.NewRequest(http.MethodPost, testIssuer+"/logout/backchannel", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	_, err = store.GetSession(ctx, sid)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBackchannelLogoutUnknownSIDIsNoop(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.CreateClient(ctx, storage.Client{ID: "rp1", Public: true}))

	token, err := s.signLogoutToken(ctx, "user-1", storage.SessionClient{
		SessionID:                        "legacy-session-id",
		ClientID:                         "rp1",
		BackchannelLogoutSessionRequired: true,
	})
	require.NoError(t, err)

	form := url.Values{"logout_token": {token}}
	req := httptest.NewRequest(http.MethodPost, testIssuer+"/logout/backchannel", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}
