package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/authrim/authrim/storage"
)

// errClientAuth distinguishes authentication refusals from transport
// failures; it maps to invalid_client with a 401.
var errClientAuth = errors.New("client authentication failed")

// authenticateClient runs the shared client-authentication preamble in
// precedence order: signed client assertion, HTTP Basic, then form-posted
// credentials. Public clients pass with a bare client_id; callers decide
// whether the grant accepts them.
func (s *Server) authenticateClient(ctx context.Context, r *http.Request) (storage.Client, error) {
	if assertion := r.PostFormValue("client_assertion"); assertion != "" {
		if r.PostFormValue("client_assertion_type") != clientAssertionTypeJWTBearer {
			return storage.Client{}, fmt.Errorf("%w: unsupported client_assertion_type", errClientAuth)
		}
		return s.authenticateClientAssertion(ctx, assertion)
	}

	clientID, secret, ok := r.BasicAuth()
	if ok {
		// Basic credentials are form-urlencoded before base64, per RFC 6749
		// section 2.3.1.
		var err error
		if clientID, err = unescapeCredential(clientID); err != nil {
			return storage.Client{}, fmt.Errorf("%w: malformed basic auth", errClientAuth)
		}
		if secret, err = unescapeCredential(secret); err != nil {
			return storage.Client{}, fmt.Errorf("%w: malformed basic auth", errClientAuth)
		}
	} else {
		clientID = r.PostFormValue("client_id")
		secret = r.PostFormValue("client_secret")
	}
	if clientID == "" {
		return storage.Client{}, fmt.Errorf("%w: no client credentials", errClientAuth)
	}

	client, err := s.storage.GetClient(ctx, clientID)
	if err != nil {
		if err == storage.ErrNotFound {
			return storage.Client{}, fmt.Errorf("%w: unknown client", errClientAuth)
		}
		s.logger.ErrorContext(ctx, "failed to get client", "err", err)
		return storage.Client{}, err
	}

	if client.Public {
		// Public clients present no secret; reject a stray one to catch
		// misconfigured callers.
		if secret != "" {
			return storage.Client{}, fmt.Errorf("%w: public client must not send a secret", errClientAuth)
		}
		return client, nil
	}

	if secret == "" {
		return storage.Client{}, fmt.Errorf("%w: missing client_secret", errClientAuth)
	}
	if !checkSecret(client.Secret, secret) {
		return storage.Client{}, fmt.Errorf("%w: invalid client_secret", errClientAuth)
	}
	return client, nil
}

func unescapeCredential(v string) (string, error) {
	if !strings.ContainsAny(v, "%+") {
		return v, nil
	}
	return url.QueryUnescape(v)
}

// checkSecret compares a presented secret against the stored value, which is
// either a bcrypt hash or, for legacy rows, the plain secret.
func checkSecret(stored, presented string) bool {
	if strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

// unverifiedAssertionSubject peeks at an assertion's sub claim without
// verifying it. Only used to identify which client to load; authentication
// always re-verifies.
func unverifiedAssertionSubject(assertion string) string {
	jws, err := jose.ParseSigned(assertion, append(allowedSigAlgs, jose.HS256, jose.HS384, jose.HS512))
	if err != nil {
		return ""
	}
	var claims struct {
		Subject string `json:"sub"`
	}
	if err := json.Unmarshal(jws.UnsafePayloadWithoutVerification(), &claims); err != nil {
		return ""
	}
	return claims.Subject
}

type clientAssertionClaims struct {
	Issuer   string   `json:"iss"`
	Subject  string   `json:"sub"`
	Audience audience `json:"aud"`
	Expiry   int64    `json:"exp"`
	IssuedAt int64    `json:"iat"`
	JTI      string   `json:"jti"`
}

// authenticateClientAssertion verifies a private_key_jwt or client_secret_jwt
// assertion. The client is identified by the assertion's sub claim.
func (s *Server) authenticateClientAssertion(ctx context.Context, assertion string) (storage.Client, error) {
	jws, err := jose.ParseSigned(assertion, append(allowedSigAlgs, jose.HS256, jose.HS384, jose.HS512))
	if err != nil {
		return storage.Client{}, fmt.Errorf("%w: malformed client assertion", errClientAuth)
	}
	var unverified clientAssertionClaims
	if err := json.Unmarshal(jws.UnsafePayloadWithoutVerification(), &unverified); err != nil {
		return storage.Client{}, fmt.Errorf("%w: malformed client assertion claims", errClientAuth)
	}
	if unverified.Subject == "" || unverified.Issuer != unverified.Subject {
		return storage.Client{}, fmt.Errorf("%w: assertion iss and sub must identify the client", errClientAuth)
	}

	client, err := s.storage.GetClient(ctx, unverified.Subject)
	if err != nil {
		if err == storage.ErrNotFound {
			return storage.Client{}, fmt.Errorf("%w: unknown client", errClientAuth)
		}
		s.logger.ErrorContext(ctx, "failed to get client", "err", err)
		return storage.Client{}, err
	}

	var payload []byte
	switch client.TokenEndpointAuthMethod {
	case "private_key_jwt":
		if len(client.JWKS) == 0 {
			return storage.Client{}, fmt.Errorf("%w: client has no registered keys", errClientAuth)
		}
		var keySet jose.JSONWebKeySet
		if err := json.Unmarshal(client.JWKS, &keySet); err != nil {
			return storage.Client{}, fmt.Errorf("%w: client key set unreadable", errClientAuth)
		}
		for _, key := range keySet.Keys {
			if payload, err = jws.Verify(key); err == nil {
				break
			}
		}
		if payload == nil {
			return storage.Client{}, fmt.Errorf("%w: assertion signature", errClientAuth)
		}
	case "client_secret_jwt":
		if payload, err = jws.Verify([]byte(client.Secret)); err != nil {
			return storage.Client{}, fmt.Errorf("%w: assertion signature", errClientAuth)
		}
	default:
		return storage.Client{}, fmt.Errorf("%w: client not registered for assertion auth", errClientAuth)
	}

	var claims clientAssertionClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return storage.Client{}, fmt.Errorf("%w: malformed client assertion claims", errClientAuth)
	}
	now := s.now()
	if claims.Expiry == 0 || now.After(time.Unix(claims.Expiry, 0)) {
		return storage.Client{}, fmt.Errorf("%w: assertion expired", errClientAuth)
	}
	if !claims.Audience.contains(s.issuerURL.String()) && !claims.Audience.contains(s.absURL("/token")) {
		return storage.Client{}, fmt.Errorf("%w: assertion audience", errClientAuth)
	}
	if claims.JTI != "" {
		exp := time.Unix(claims.Expiry, 0)
		if err := s.storage.RegisterJTI(ctx, "client_assertion/"+client.ID, claims.JTI, exp); err != nil {
			if err == storage.ErrAlreadyExists {
				return storage.Client{}, fmt.Errorf("%w: assertion replayed", errClientAuth)
			}
			// Fail closed on store errors: replay protection is a security
			// control, not a rate limit.
			s.logger.ErrorContext(ctx, "assertion replay check failed", "err", err)
			return storage.Client{}, err
		}
	}
	return client, nil
}
