package server

import (
	"net/http"
	"strings"

	"github.com/authrim/authrim/events"
	"github.com/authrim/authrim/storage"
)

// handleClientCredentials issues an access token representing the client
// itself. Confidential clients only; no ID token and no refresh token.
func (s *Server) handleClientCredentials(w http.ResponseWriter, r *http.Request, client storage.Client, profile storage.TenantProfile) {
	ctx := r.Context()

	if client.Public {
		s.tokenErrHelper(w, errUnauthorizedClient, "Public clients may not use client_credentials.", http.StatusForbidden)
		return
	}
	if !s.cfg.GetBool(ctx, "oidc.client_credentials.enabled", true) {
		s.tokenErrHelper(w, errUnsupportedGrantType, "", http.StatusBadRequest)
		return
	}

	requested := strings.Fields(r.PostFormValue("scope"))
	granted := intersectScopes(requested, client.AllowedScopes)

	subject := "client:" + client.ID
	ttl := s.tokenTTL(ctx, profile)
	access, err := s.newAccessToken(ctx, accessTokenConfig{
		subject:  subject,
		clientID: client.ID,
		scopes:   granted,
		validFor: ttl,
		claims:   storage.Claims{UserID: subject},
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to mint access token", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	s.publishTokenEvents(client.ID, subject, events.TypeAccessIssued)

	s.writeAccessToken(w, &accessTokenResponse{
		AccessToken: access.token,
		TokenType:   "Bearer",
		ExpiresIn:   int(ttl.Seconds()),
		Scope:       joinScopes(granted),
	})
}
