package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/authrim/authrim/events"
	"github.com/authrim/authrim/pkg/featureflags"
	"github.com/authrim/authrim/storage"
)

// subjectTokenClaims is the common claim surface of exchanged tokens.
type subjectTokenClaims struct {
	Issuer   string   `json:"iss"`
	Subject  string   `json:"sub"`
	Audience audience `json:"aud"`
	Expiry   int64    `json:"exp"`
	ClientID string   `json:"client_id"`
	Scope    string   `json:"scope"`
	ACR      string   `json:"acr"`
	AMR      []string `json:"amr"`
	Actor    *actorClaim `json:"act"`
}

// handleTokenExchange implements RFC 8693 plus the Native SSO and ID-JAG
// profiles. The Native SSO profile is selected by its token-type pair; ID-JAG
// by the requested token type.
func (s *Server) handleTokenExchange(w http.ResponseWriter, r *http.Request, client storage.Client, profile storage.TenantProfile) {
	ctx := r.Context()

	subjectToken := r.PostFormValue("subject_token")
	subjectTokenType := r.PostFormValue("subject_token_type")
	actorToken := r.PostFormValue("actor_token")
	actorTokenType := r.PostFormValue("actor_token_type")
	requestedTokenType := r.PostFormValue("requested_token_type")
	if requestedTokenType == "" {
		requestedTokenType = tokenTypeAccess
	}
	resources := r.PostForm["resource"]
	audiences := r.PostForm["audience"]
	requestedScopes := strings.Fields(r.PostFormValue("scope"))

	if subjectToken == "" || subjectTokenType == "" {
		s.tokenErrHelper(w, errInvalidRequest, "subject_token and subject_token_type are required.", http.StatusBadRequest)
		return
	}
	if len(resources) > s.tokenExchange.MaxResourceParams {
		s.tokenErrHelper(w, errInvalidRequest, "Too many resource parameters.", http.StatusBadRequest)
		return
	}
	if len(audiences) > s.tokenExchange.MaxAudienceParams {
		s.tokenErrHelper(w, errInvalidRequest, "Too many audience parameters.", http.StatusBadRequest)
		return
	}

	// Native SSO rides on its own token-type pair.
	if subjectTokenType == tokenTypeID && actorTokenType == tokenTypeDeviceSecret {
		s.handleNativeSSOExchange(w, r, client, profile, subjectToken, actorToken)
		return
	}
	if requestedTokenType == tokenTypeIDJAG {
		s.handleIDJAG(w, r, client, profile, subjectToken, subjectTokenType, resources, requestedScopes)
		return
	}

	// A refresh token is the one subject kind that is never exchangeable.
	if subjectTokenType == tokenTypeRefresh {
		s.tokenErrHelper(w, errInvalidRequest, "Unsupported subject_token_type.", http.StatusBadRequest)
		return
	}
	if !s.subjectTokenTypeAllowed(subjectTokenType) {
		s.tokenErrHelper(w, errInvalidRequest, "Unsupported subject_token_type.", http.StatusBadRequest)
		return
	}

	payload, err := s.verifySignature(ctx, subjectToken)
	if err != nil {
		s.tokenErrHelper(w, errInvalidGrant, "Invalid subject_token.", http.StatusBadRequest)
		return
	}
	var subject subjectTokenClaims
	if err := json.Unmarshal(payload, &subject); err != nil {
		s.tokenErrHelper(w, errInvalidGrant, "Invalid subject_token.", http.StatusBadRequest)
		return
	}
	if subject.Expiry != 0 && s.now().After(time.Unix(subject.Expiry, 0)) {
		s.tokenErrHelper(w, errInvalidGrant, "Subject token expired.", http.StatusBadRequest)
		return
	}

	// Audience authorization: the requesting client must appear in the
	// subject token's audience, or the token's client must have delegated to
	// the requester.
	if !subject.Audience.contains(client.ID) && !containsString(client.AllowedSubjectTokenClients, subject.ClientID) {
		s.tokenErrHelper(w, errInvalidTarget, "Client not authorized for subject token.", http.StatusForbidden)
		return
	}

	// Requested resources must all sit inside the client's allow-list when
	// one is configured.
	if len(client.AllowedTokenExchangeResources) > 0 {
		for _, res := range append(append([]string{}, resources...), audiences...) {
			if !containsString(client.AllowedTokenExchangeResources, res) {
				s.tokenErrHelper(w, errInvalidTarget, "Resource not allowed.", http.StatusForbidden)
				return
			}
		}
	}

	// granted = requested ∩ subject scopes ∩ client allowed. Never a superset.
	subjectScopes := strings.Fields(subject.Scope)
	granted := requestedScopes
	if len(granted) == 0 {
		granted = subjectScopes
	}
	granted = intersectScopes(granted, subjectScopes)
	granted = intersectScopes(granted, client.AllowedScopes)

	actor, err := s.buildActorClaim(r, client, actorToken, actorTokenType, subject.Actor)
	if err != nil {
		s.tokenErrHelper(w, errInvalidGrant, "Invalid actor_token.", http.StatusBadRequest)
		return
	}

	var aud audience
	aud = append(aud, audiences...)
	aud = append(aud, resources...)

	ttl := s.tokenTTL(ctx, profile)
	access, err := s.newAccessToken(ctx, accessTokenConfig{
		subject:  subject.Subject,
		clientID: client.ID,
		aud:      aud,
		scopes:   granted,
		validFor: ttl,
		claims:   storage.Claims{UserID: subject.Subject},
		actor:    actor,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "token exchange failed to create new token", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	s.publishTokenEvents(client.ID, subject.Subject, events.TypeAccessIssued)

	s.writeAccessToken(w, &accessTokenResponse{
		AccessToken:     access.token,
		TokenType:       "Bearer",
		ExpiresIn:       int(ttl.Seconds()),
		Scope:           joinScopes(granted),
		IssuedTokenType: tokenTypeAccess,
	})
}

func (s *Server) subjectTokenTypeAllowed(tokenType string) bool {
	allowed := s.tokenExchange.AllowedSubjectTokenTypes
	if len(allowed) == 0 {
		allowed = []string{tokenTypeAccess, tokenTypeID, tokenTypeJWT}
	}
	return containsString(allowed, tokenType)
}

// buildActorClaim composes the delegation act claim. Nesting caps at one
// level: an existing act chain on the subject token is collapsed to its head.
func (s *Server) buildActorClaim(r *http.Request, client storage.Client, actorToken, actorTokenType string, existing *actorClaim) (*actorClaim, error) {
	var act *actorClaim
	if actorToken != "" {
		if actorTokenType != tokenTypeAccess && actorTokenType != tokenTypeJWT {
			return nil, errUnsupportedActorToken
		}
		payload, err := s.verifySignature(r.Context(), actorToken)
		if err != nil {
			return nil, err
		}
		var claims subjectTokenClaims
		if err := json.Unmarshal(payload, &claims); err != nil {
			return nil, err
		}
		act = &actorClaim{Subject: claims.Subject, ClientID: claims.ClientID}
	} else {
		act = &actorClaim{ClientID: "client:" + client.ID}
	}
	if existing != nil {
		act.Actor = &actorClaim{Subject: existing.Subject, ClientID: existing.ClientID}
	}
	return act, nil
}

// handleIDJAG issues an identity-assertion authorization grant token: a
// bearer access token derived from an external IdP's assertion.
func (s *Server) handleIDJAG(w http.ResponseWriter, r *http.Request, client storage.Client, profile storage.TenantProfile, subjectToken, subjectTokenType string, resources, requestedScopes []string) {
	ctx := r.Context()

	if !featureflags.IDJAG.Enabled() || !s.tokenExchange.IDJAG.Enabled {
		s.tokenErrHelper(w, errInvalidRequest, "Unsupported requested_token_type.", http.StatusBadRequest)
		return
	}
	switch subjectTokenType {
	case tokenTypeID, tokenTypeJWT, tokenTypeSAML2:
	default:
		s.tokenErrHelper(w, errInvalidRequest, "Unsupported subject_token_type.", http.StatusBadRequest)
		return
	}
	if !s.tokenExchange.IDJAG.AllowPublicClients && client.Public {
		s.tokenErrHelper(w, errUnauthorizedClient, "Confidential client required.", http.StatusForbidden)
		return
	}

	jws, err := jose.ParseSigned(subjectToken, allowedSigAlgs)
	if err != nil {
		s.tokenErrHelper(w, errInvalidGrant, "Invalid subject_token.", http.StatusBadRequest)
		return
	}
	var unverified subjectTokenClaims
	if err := json.Unmarshal(jws.UnsafePayloadWithoutVerification(), &unverified); err != nil {
		s.tokenErrHelper(w, errInvalidGrant, "Invalid subject_token.", http.StatusBadRequest)
		return
	}

	// Empty allow-list fails closed.
	if !containsString(s.tokenExchange.IDJAG.AllowedIssuers, unverified.Issuer) {
		s.tokenErrHelper(w, errInvalidTarget, "Issuer not allowed.", http.StatusForbidden)
		return
	}
	issuer, ok := s.trustedIssuers[unverified.Issuer]
	if !ok {
		s.tokenErrHelper(w, errInvalidTarget, "Issuer not allowed.", http.StatusForbidden)
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
		s.tokenErrHelper(w, errInvalidGrant, "Invalid subject_token.", http.StatusBadRequest)
		return
	}
	var subject subjectTokenClaims
	if err := json.Unmarshal(payload, &subject); err != nil {
		s.tokenErrHelper(w, errInvalidGrant, "Invalid subject_token.", http.StatusBadRequest)
		return
	}
	if subject.Expiry == 0 || s.now().After(time.Unix(subject.Expiry, 0)) {
		s.tokenErrHelper(w, errInvalidGrant, "Subject token expired.", http.StatusBadRequest)
		return
	}

	granted := intersectScopes(requestedScopes, issuer.AllowedScopes)
	granted = intersectScopes(granted, client.AllowedScopes)

	ttl := s.tokenTTL(ctx, profile)
	access, err := s.newAccessToken(ctx, accessTokenConfig{
		subject:        subject.Subject,
		clientID:       client.ID,
		aud:            audience(resources),
		scopes:         granted,
		validFor:       ttl,
		claims:         storage.Claims{UserID: subject.Subject},
		originalIssuer: subject.Issuer,
		tenant:         defaultTenant,
		acr:            subject.ACR,
		amr:            subject.AMR,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "id-jag failed to create token", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	s.publishTokenEvents(client.ID, subject.Subject, events.TypeAccessIssued)

	s.writeAccessToken(w, &accessTokenResponse{
		AccessToken:     access.token,
		TokenType:       "Bearer",
		ExpiresIn:       int(ttl.Seconds()),
		Scope:           joinScopes(granted),
		IssuedTokenType: tokenTypeIDJAG,
	})
}

func containsString(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}
