package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/authrim/authrim/events"
	"github.com/authrim/authrim/storage"
)

// handleRefreshToken rotates a refresh-token family head and mints fresh
// tokens. A presented token that is not the family head is treated as theft:
// the whole family is revoked.
func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request, client storage.Client, profile storage.TenantProfile) {
	ctx := r.Context()

	rawToken := r.PostFormValue("refresh_token")
	if rawToken == "" {
		s.tokenErrHelper(w, errInvalidRequest, "No refresh token in request.", http.StatusBadRequest)
		return
	}

	payload, err := s.verifySignature(ctx, rawToken)
	if err != nil {
		s.tokenErrHelper(w, errInvalidGrant, "Refresh token is invalid or has expired.", http.StatusBadRequest)
		return
	}
	var claims refreshTokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		s.tokenErrHelper(w, errInvalidGrant, "Refresh token is invalid or has expired.", http.StatusBadRequest)
		return
	}

	if claims.ClientID != client.ID {
		s.tokenErrHelper(w, errInvalidGrant, "Refresh token is invalid or has expired.", http.StatusBadRequest)
		return
	}
	if s.now().After(time.Unix(claims.Expiry, 0)) {
		s.tokenErrHelper(w, errInvalidGrant, "Refresh token is invalid or has expired.", http.StatusBadRequest)
		return
	}

	if revoked, err := s.storage.IsRevoked(ctx, claims.JTI); err != nil {
		s.logger.ErrorContext(ctx, "revocation lookup failed", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	} else if revoked {
		s.tokenErrHelper(w, errInvalidGrant, "Refresh token has been revoked", http.StatusBadRequest)
		return
	}

	generation, shard, err := storage.ParseRefreshJTI(claims.JTI)
	if err != nil {
		s.tokenErrHelper(w, errInvalidGrant, "Refresh token is invalid or has expired.", http.StatusBadRequest)
		return
	}
	key := storage.FamilyKey{
		UserID:     claims.Subject,
		ClientID:   client.ID,
		Generation: generation,
		Shard:      shard,
	}

	family, err := s.storage.GetRefreshFamily(ctx, key)
	if err != nil {
		s.tokenErrHelper(w, errInvalidGrant, "Refresh token is invalid or has expired.", http.StatusBadRequest)
		return
	}

	// Policy lifetimes: a family past its absolute lifetime, or idle past the
	// unused window, dies here regardless of rotation state.
	lastUsed := family.LastRotated
	if lastUsed.IsZero() {
		lastUsed = family.CreatedAt
	}
	if s.refreshTokenPolicy.CompletelyExpired(family.CreatedAt) || s.refreshTokenPolicy.ExpiredBecauseUnused(lastUsed) {
		if err := s.storage.DeleteRefreshFamily(ctx, key); err != nil && err != storage.ErrNotFound {
			s.logger.ErrorContext(ctx, "failed to delete expired refresh family", "err", err)
		}
		s.tokenErrHelper(w, errInvalidGrant, "Refresh token is invalid or has expired.", http.StatusBadRequest)
		return
	}

	// Scope may be narrowed on refresh, never widened.
	storedScopes := strings.Fields(claims.Scope)
	grantedScopes := storedScopes
	if requested := strings.Fields(r.PostFormValue("scope")); len(requested) > 0 {
		if !scopeSubset(requested, storedScopes) {
			s.tokenErrHelper(w, errInvalidScope, "Requested scope exceeds granted scope.", http.StatusBadRequest)
			return
		}
		grantedScopes = requested
	}

	var (
		newRefreshToken = rawToken
		newVersion      = claims.RefreshTokenVersion
	)
	if s.refreshTokenPolicy.RotationEnabled() {
		newJTI := storage.NewRefreshJTI(generation, shard)
		rotated, err := s.storage.RotateRefresh(ctx, key, claims.RefreshTokenVersion, claims.JTI, newJTI, grantedScopes)
		if err != nil {
			switch err {
			case storage.ErrVersionConflict, storage.ErrFamilyRevoked:
				s.tokenErrHelper(w, errInvalidGrant, "Refresh token has been revoked", http.StatusBadRequest)
			case storage.ErrNotFound:
				s.tokenErrHelper(w, errInvalidGrant, "Refresh token is invalid or has expired.", http.StatusBadRequest)
			default:
				s.logger.ErrorContext(ctx, "failed to rotate refresh token", "err", err)
				s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
			}
			return
		}
		newVersion = rotated.HeadVersion

		minted, err := s.newRefreshToken(ctx, claims.Subject, client.ID, grantedScopes, newJTI, newVersion, s.refreshTokensValidFor)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to mint refresh token", "err", err)
			s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
			return
		}
		newRefreshToken = minted.token
	} else if family.Revoked {
		// Rotation disabled is a testing-only mode; NewServer rejects it in
		// production builds. Revoked families stay dead either way.
		s.tokenErrHelper(w, errInvalidGrant, "Refresh token has been revoked", http.StatusBadRequest)
		return
	}

	ttl := s.tokenTTL(ctx, profile)
	userClaims := storage.Claims{UserID: claims.Subject}

	access, err := s.newAccessToken(ctx, accessTokenConfig{
		subject:  claims.Subject,
		clientID: client.ID,
		scopes:   grantedScopes,
		validFor: ttl,
		claims:   userClaims,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to mint access token", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	idToken, err := s.newIDToken(ctx, client, idTokenConfig{
		clientID:    client.ID,
		claims:      userClaims,
		scopes:      grantedScopes,
		accessToken: access.token,
		validFor:    s.idTokensValidFor,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to mint id token", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	s.publishTokenEvents(client.ID, claims.Subject,
		events.TypeAccessIssued, events.TypeRefreshRotated, events.TypeIDIssued)

	s.writeAccessToken(w, &accessTokenResponse{
		AccessToken:  access.token,
		TokenType:    "Bearer",
		ExpiresIn:    int(ttl.Seconds()),
		RefreshToken: newRefreshToken,
		IDToken:      idToken.token,
		Scope:        joinScopes(grantedScopes),
	})
}
