package server

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/storage"
)

type proofOpts struct {
	typ    string
	htm    string
	htu    string
	iat    time.Time
	jti    string
	ath    string
	noType bool
}

func signProof(t *testing.T, key *ecdsa.PrivateKey, opts proofOpts) string {
	t.Helper()

	jwk := &jose.JSONWebKey{Key: key, Algorithm: "ES256"}
	signerOpts := &jose.SignerOptions{EmbedJWK: true}
	if !opts.noType {
		typ := opts.typ
		if typ == "" {
			typ = dpopHeaderTyp
		}
		signerOpts = signerOpts.WithType(jose.ContentType(typ))
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: jwk}, signerOpts)
	require.NoError(t, err)

	claims := dpopClaims{
		JTI:      opts.jti,
		Method:   opts.htm,
		URI:      opts.htu,
		IssuedAt: opts.iat.Unix(),
		ATH:      opts.ath,
	}
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	jws, err := signer.Sign(payload)
	require.NoError(t, err)
	compact, err := jws.CompactSerialize()
	require.NoError(t, err)
	return compact
}

func TestDPoPValidate(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tokenURL := testIssuer + "/token"
	proof := signProof(t, key, proofOpts{
		htm: "POST", htu: tokenURL, iat: time.Now(), jti: storage.NewID(),
	})

	jkt, err := s.dpop.validate(ctx, proof, "POST", tokenURL, "", "client-1")
	require.NoError(t, err)

	// The returned thumbprint is the RFC 7638 hash of the embedded key.
	pub := jose.JSONWebKey{Key: key.Public()}
	thumb, err := pub.Thumbprint(crypto.SHA256)
	require.NoError(t, err)
	require.Equal(t, base64.RawURLEncoding.EncodeToString(thumb), jkt)
}

func TestDPoPReplay(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tokenURL := testIssuer + "/token"
	proof := signProof(t, key, proofOpts{
		htm: "POST", htu: tokenURL, iat: time.Now(), jti: "fixed-jti",
	})

	_, err = s.dpop.validate(ctx, proof, "POST", tokenURL, "", "client-1")
	require.NoError(t, err)

	_, err = s.dpop.validate(ctx, proof, "POST", tokenURL, "", "client-1")
	require.Error(t, err, "a replayed jti must be rejected")

	// A different client has an independent replay window.
	proof2 := signProof(t, key, proofOpts{
		htm: "POST", htu: tokenURL, iat: time.Now(), jti: "fixed-jti",
	})
	_, err = s.dpop.validate(ctx, proof2, "POST", tokenURL, "", "client-2")
	require.NoError(t, err)
}

func TestDPoPChecks(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tokenURL := testIssuer + "/token"

	accessToken := "some.access.token"
	sum := sha256.Sum256([]byte(accessToken))
	goodATH := base64.RawURLEncoding.EncodeToString(sum[:])

	tests := []struct {
		name        string
		opts        proofOpts
		method      string
		uri         string
		accessToken string
		wantErr     bool
	}{
		{
			name:   "htm mismatch",
			opts:   proofOpts{htm: "GET", htu: tokenURL, iat: time.Now(), jti: storage.NewID()},
			method: "POST", uri: tokenURL, wantErr: true,
		},
		{
			name:   "htu mismatch",
			opts:   proofOpts{htm: "POST", htu: "https://other.example/token", iat: time.Now(), jti: storage.NewID()},
			method: "POST", uri: tokenURL, wantErr: true,
		},
		{
			name:   "htu ignores query",
			opts:   proofOpts{htm: "POST", htu: tokenURL + "?foo=bar", iat: time.Now(), jti: storage.NewID()},
			method: "POST", uri: tokenURL, wantErr: false,
		},
		{
			name:   "stale iat",
			opts:   proofOpts{htm: "POST", htu: tokenURL, iat: time.Now().Add(-time.Hour), jti: storage.NewID()},
			method: "POST", uri: tokenURL, wantErr: true,
		},
		{
			name:   "missing typ",
			opts:   proofOpts{htm: "POST", htu: tokenURL, iat: time.Now(), jti: storage.NewID(), noType: true},
			method: "POST", uri: tokenURL, wantErr: true,
		},
		{
			name:   "missing jti",
			opts:   proofOpts{htm: "POST", htu: tokenURL, iat: time.Now()},
			method: "POST", uri: tokenURL, wantErr: true,
		},
		{
			name:        "ath match",
			opts:        proofOpts{htm: "POST", htu: tokenURL, iat: time.Now(), jti: storage.NewID(), ath: goodATH},
			method:      "POST", uri: tokenURL, accessToken: accessToken, wantErr: false,
		},
		{
			name:        "ath mismatch",
			opts:        proofOpts{htm: "POST", htu: tokenURL, iat: time.Now(), jti: storage.NewID(), ath: "bogus"},
			method:      "POST", uri: tokenURL, accessToken: accessToken, wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			proof := signProof(t, key, tc.opts)
			_, err := s.dpop.validate(ctx, proof, tc.method, tc.uri, tc.accessToken, "client-1")
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestAuthCodeDPoPBinding(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.CreateClient(ctx, storage.Client{
		ID:           "demo-client",
		Public:       true,
		RedirectURIs: []string{"https://rp.example/cb"},
	}))

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pub := jose.JSONWebKey{Key: key.Public()}
	thumb, err := pub.Thumbprint(crypto.SHA256)
	require.NoError(t, err)
	boundJKT := base64.RawURLEncoding.EncodeToString(thumb)

	code := storage.AuthCode{
		ID:          storage.NewID(),
		ClientID:    "demo-client",
		RedirectURI: "https://rp.example/cb",
		Scopes:      []string{"openid"},
		Claims:      storage.Claims{UserID: "user-1"},
		DPoPJKT:     boundJKT,
		PKCE: storage.PKCE{
			CodeChallenge:       s256Challenge(testVerifier),
			CodeChallengeMethod: "S256",
		},
		Expiry: s.now().Add(10 * time.Minute),
	}
	require.NoError(t, store.CreateAuthCode(ctx, code))

	// A token request without the proof must fail: the code is key-bound.
	rr := postTokenForm(t, s, authCodeForm(code, testVerifier))
	require.NotEqual(t, 200, rr.Code)
	require.Equal(t, "invalid_dpop_proof", decodeTokenError(t, rr))
}
