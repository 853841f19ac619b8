package server

import (
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/authrim/authrim/storage"
)

const (
	dpopHeaderTyp = "dpop+jwt"

	// Acceptable clock skew on a proof's iat, in both directions. Also bounds
	// the replay window: a jti is held for this long.
	dpopIATSkew = 5 * time.Minute
)

var dpopAllowedAlgs = []jose.SignatureAlgorithm{
	jose.ES256, jose.ES384, jose.ES512, jose.RS256, jose.RS384, jose.RS512, jose.PS256,
}

type dpopClaims struct {
	JTI      string `json:"jti"`
	Method   string `json:"htm"`
	URI      string `json:"htu"`
	IssuedAt int64  `json:"iat"`
	ATH      string `json:"ath,omitempty"`
}

// dpopValidator validates DPoP proof JWTs (RFC 9449) and enforces a
// per-client jti replay window. Replay-store errors fail closed.
type dpopValidator struct {
	storage storage.Storage
	now     func() time.Time
	logger  *slog.Logger
}

func newDPoPValidator(s storage.Storage, now func() time.Time, logger *slog.Logger) *dpopValidator {
	return &dpopValidator{storage: s, now: now, logger: logger}
}

// validate checks a proof against the request it accompanies and returns the
// RFC 7638 thumbprint of the proof key. When accessToken is non-empty the
// proof's ath hash must cover it.
func (v *dpopValidator) validate(ctx context.Context, proof, httpMethod, httpURI, accessToken, clientID string) (string, error) {
	jws, err := jose.ParseSigned(proof, dpopAllowedAlgs)
	if err != nil {
		return "", fmt.Errorf("malformed proof: %v", err)
	}
	if len(jws.Signatures) != 1 {
		return "", errors.New("proof must have exactly one signature")
	}
	header := jws.Signatures[0].Header

	if typ, _ := header.ExtraHeaders[jose.HeaderType].(string); typ != dpopHeaderTyp {
		return "", errors.New("proof typ must be dpop+jwt")
	}
	jwk := header.JSONWebKey
	if jwk == nil {
		return "", errors.New("proof missing embedded key")
	}
	if !jwk.IsPublic() {
		return "", errors.New("proof key must be public")
	}

	payload, err := jws.Verify(jwk)
	if err != nil {
		return "", errors.New("proof signature invalid")
	}
	var claims dpopClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("malformed proof claims: %v", err)
	}

	if !strings.EqualFold(claims.Method, httpMethod) {
		return "", errors.New("proof htm mismatch")
	}
	if !htuMatches(claims.URI, httpURI) {
		return "", errors.New("proof htu mismatch")
	}

	now := v.now()
	iat := time.Unix(claims.IssuedAt, 0)
	if iat.Before(now.Add(-dpopIATSkew)) || iat.After(now.Add(dpopIATSkew)) {
		return "", errors.New("proof iat outside acceptable window")
	}

	if claims.JTI == "" {
		return "", errors.New("proof missing jti")
	}
	if err := v.storage.RegisterJTI(ctx, "dpop/"+clientID, claims.JTI, now.Add(dpopIATSkew*2)); err != nil {
		if err == storage.ErrAlreadyExists {
			return "", errors.New("proof jti replayed")
		}
		v.logger.ErrorContext(ctx, "dpop replay store failed", "err", err)
		return "", fmt.Errorf("replay check unavailable: %v", err)
	}

	if accessToken != "" {
		sum := sha256.Sum256([]byte(accessToken))
		expected := base64.RawURLEncoding.EncodeToString(sum[:])
		if claims.ATH != expected {
			return "", errors.New("proof ath mismatch")
		}
	}

	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("computing thumbprint: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumb), nil
}

// htuMatches compares htu values modulo query/fragment and default-port
// normalization.
func htuMatches(claimed, actual string) bool {
	cu, err := url.Parse(claimed)
	if err != nil {
		return false
	}
	au, err := url.Parse(actual)
	if err != nil {
		return false
	}
	normalize := func(u *url.URL) string {
		host := strings.ToLower(u.Host)
		host = strings.TrimSuffix(host, ":443")
		host = strings.TrimSuffix(host, ":80")
		return strings.ToLower(u.Scheme) + "://" + host + u.Path
	}
	return normalize(cu) == normalize(au)
}
