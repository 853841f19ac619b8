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

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/authrim/authrim/storage"
)

func authRequest(t *testing.T, form url.Values, modify func(*http.Request)) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, testIssuer+"/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if modify != nil {
		modify(req)
	}
	require.NoError(t, req.ParseForm())
	return req
}

func TestAuthenticateClientFormPost(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.CreateClient(ctx, storage.Client{ID: "c1", Secret: "sekret"}))

	req := authRequest(t, url.Values{"client_id": {"c1"}, "client_secret": {"sekret"}}, nil)
	client, err := s.authenticateClient(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "c1", client.ID)

	req = authRequest(t, url.Values{"client_id": {"c1"}, "client_secret": {"wrong"}}, nil)
	_, err = s.authenticateClient(ctx, req)
	require.ErrorIs(t, err, errClientAuth)
}

func TestAuthenticateClientBasic(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.CreateClient(ctx, storage.Client{ID: "c1", Secret: "sekret"}))

	req := authRequest(t, url.Values{}, func(r *http.Request) {
		r.SetBasicAuth("c1", "sekret")
	})
	client, err := s.authenticateClient(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "c1", client.ID)
}

func TestAuthenticateClientBcryptSecret(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("sekret"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, store.CreateClient(ctx, storage.Client{ID: "c1", Secret: string(hash)}))

	req := authRequest(t, url.Values{"client_id": {"c1"}, "client_secret": {"sekret"}}, nil)
	_, err = s.authenticateClient(ctx, req)
	require.NoError(t, err)
}

func TestAuthenticateClientPublic(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.CreateClient(ctx, storage.Client{ID: "spa", Public: true}))

	req := authRequest(t, url.Values{"client_id": {"spa"}}, nil)
	client, err := s.authenticateClient(ctx, req)
	require.NoError(t, err)
	require.True(t, client.Public)

	// A public client presenting a secret is a misconfiguration.
	req = authRequest(t, url.Values{"client_id": {"spa"}, "client_secret": {"oops"}}, nil)
	_, err = s.authenticateClient(ctx, req)
	require.ErrorIs(t, err, errClientAuth)
}

func signClientAssertion(t *testing.T, secret, clientID, aud string, exp time.Time, jti string) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte(secret)}, nil)
	require.NoError(t, err)
	claims := clientAssertionClaims{
		Issuer:   clientID,
		Subject:  clientID,
		Audience: audience{aud},
		Expiry:   exp.Unix(),
		IssuedAt: time.Now().Unix(),
		JTI:      jti,
	}
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	jws, err := signer.Sign(payload)
	require.NoError(t, err)
	compact, err := jws.CompactSerialize()
	require.NoError(t, err)
	return compact
}

func TestAuthenticateClientSecretJWT(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.CreateClient(ctx, storage.Client{
		ID:                      "c1",
		Secret:                  "a-very-long-shared-secret-value!",
		TokenEndpointAuthMethod: "client_secret_jwt",
	}))

	assertion := signClientAssertion(t, "a-very-long-shared-secret-value!", "c1", testIssuer, time.Now().Add(time.Minute), storage.NewID())
	form := url.Values{
		"client_assertion_type": {clientAssertionTypeJWTBearer},
		"client_assertion":      {assertion},
	}
	req := authRequest(t, form, nil)
	client, err := s.authenticateClient(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "c1", client.ID)

	// Assertions are one-shot per jti.
	req = authRequest(t, form, nil)
	_, err = s.authenticateClient(ctx, req)
	require.ErrorIs(t, err, errClientAuth)
}

func TestAuthenticateClientAssertionExpired(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.CreateClient(ctx, storage.Client{
		ID:                      "c1",
		Secret:                  "a-very-long-shared-secret-value!",
		TokenEndpointAuthMethod: "client_secret_jwt",
	}))

	assertion := signClientAssertion(t, "a-very-long-shared-secret-value!", "c1", testIssuer, time.Now().Add(-time.Minute), storage.NewID())
	req := authRequest(t, url.Values{
		"client_assertion_type": {clientAssertionTypeJWTBearer},
		"client_assertion":      {assertion},
	}, nil)
	_, err := s.authenticateClient(ctx, req)
	require.ErrorIs(t, err, errClientAuth)
}
