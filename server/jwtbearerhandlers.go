package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/authrim/authrim/events"
	"github.com/authrim/authrim/storage"
)

type bearerAssertionClaims struct {
	Issuer   string   `json:"iss"`
	Subject  string   `json:"sub"`
	Audience audience `json:"aud"`
	Expiry   int64    `json:"exp"`
	IssuedAt int64    `json:"iat"`
	JTI      string   `json:"jti"`
	Scope    string   `json:"scope"`
}

// handleJWTBearer implements RFC 7523: an assertion signed by a configured
// trusted issuer is exchanged for an access token. No ID token and no refresh
// token are issued; the subject comes from the assertion.
func (s *Server) handleJWTBearer(w http.ResponseWriter, r *http.Request, client storage.Client, profile storage.TenantProfile) {
	ctx := r.Context()

	assertion := r.PostFormValue("assertion")
	if assertion == "" {
		s.tokenErrHelper(w, errInvalidRequest, "Required param: assertion.", http.StatusBadRequest)
		return
	}

	jws, err := jose.ParseSigned(assertion, allowedSigAlgs)
	if err != nil {
		s.tokenErrHelper(w, errInvalidGrant, "Malformed assertion.", http.StatusBadRequest)
		return
	}
	var unverified bearerAssertionClaims
	if err := json.Unmarshal(jws.UnsafePayloadWithoutVerification(), &unverified); err != nil {
		s.tokenErrHelper(w, errInvalidGrant, "Malformed assertion.", http.StatusBadRequest)
		return
	}

	issuer, ok := s.trustedIssuers[unverified.Issuer]
	if !ok {
		s.tokenErrHelper(w, errInvalidGrant, "Unknown assertion issuer.", http.StatusBadRequest)
		return
	}

	var keySet jose.JSONWebKeySet
	if err := json.Unmarshal(issuer.JWKS, &keySet); err != nil {
		s.logger.ErrorContext(ctx, "trusted issuer key set unreadable", "issuer", issuer.Issuer, "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	var payload []byte
	for _, key := range keySet.Keys {
		if payload, err = jws.Verify(key); err == nil {
			break
		}
	}
	if payload == nil {
		s.tokenErrHelper(w, errInvalidGrant, "Assertion signature verification failed.", http.StatusBadRequest)
		return
	}
	var claims bearerAssertionClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		s.tokenErrHelper(w, errInvalidGrant, "Malformed assertion.", http.StatusBadRequest)
		return
	}

	if claims.Subject == "" {
		s.tokenErrHelper(w, errInvalidGrant, "Assertion must carry a subject.", http.StatusBadRequest)
		return
	}
	if claims.Expiry == 0 || s.now().After(time.Unix(claims.Expiry, 0)) {
		s.tokenErrHelper(w, errInvalidGrant, "Assertion expired.", http.StatusBadRequest)
		return
	}
	wantAud := issuer.Audience
	if wantAud == "" {
		wantAud = s.issuerURL.String()
	}
	if !claims.Audience.contains(wantAud) {
		s.tokenErrHelper(w, errInvalidGrant, "Assertion audience mismatch.", http.StatusBadRequest)
		return
	}

	requested := strings.Fields(r.PostFormValue("scope"))
	if len(requested) == 0 {
		requested = strings.Fields(claims.Scope)
	}
	granted := intersectScopes(requested, issuer.AllowedScopes)
	granted = intersectScopes(granted, client.AllowedScopes)

	ttl := s.tokenTTL(ctx, profile)
	access, err := s.newAccessToken(ctx, accessTokenConfig{
		subject:  claims.Subject,
		clientID: client.ID,
		scopes:   granted,
		validFor: ttl,
		claims:   storage.Claims{UserID: claims.Subject},
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to mint access token", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	s.publishTokenEvents(client.ID, claims.Subject, events.TypeAccessIssued)

	s.writeAccessToken(w, &accessTokenResponse{
		AccessToken: access.token,
		TokenType:   "Bearer",
		ExpiresIn:   int(ttl.Seconds()),
		Scope:       joinScopes(granted),
	})
}
