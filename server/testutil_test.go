package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/storage"
	"github.com/authrim/authrim/storage/memory"
)

const testIssuer = "https://auth.example.com"

// One pinned signing key for the whole package; generating a fresh RSA key
// per test is what the static strategy exists to avoid.
var testSigningKey = func() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
}()

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStorage(t *testing.T) storage.Storage {
	t.Helper()
	return memory.New(testLogger())
}

func newTestServer(t *testing.T, updates ...func(c *Config)) (*Server, storage.Storage) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store := memory.New(logger)

	config := Config{
		Issuer:           testIssuer,
		Storage:          store,
		Logger:           logger,
		StaticSigningKey: testSigningKey,
		SessionShards:    4,
		FamilyShards:     4,
		RevocationShards: 4,
	}
	for _, update := range updates {
		update(&config)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s, err := NewServer(ctx, config)
	require.NoError(t, err)
	return s, store
}

// decodeTokenClaims unpacks the payload segment of a compact JWT without
// verifying it. Good enough for asserting on tokens the test server minted.
func decodeTokenClaims(t *testing.T, token string) map[string]interface{} {
	t.Helper()
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3, "expected a compact JWT")
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &claims))
	return claims
}

func postTokenForm(t *testing.T, s *Server, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, testIssuer+"/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

func decodeTokenResponse(t *testing.T, rr *httptest.ResponseRecorder) accessTokenResponse {
	t.Helper()
	var resp accessTokenResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func decodeTokenError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp.Error
}
