package server

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"encoding/json"

	"github.com/authrim/authrim/events"
	"github.com/authrim/authrim/pkg/featureflags"
	"github.com/authrim/authrim/storage"
)

var errUnsupportedActorToken = errors.New("unsupported actor_token_type")

// handleNativeSSOExchange implements the OpenID Native SSO profile of token
// exchange: an ID token plus a device secret become a fresh token set for a
// sibling app, without user interaction.
func (s *Server) handleNativeSSOExchange(w http.ResponseWriter, r *http.Request, client storage.Client, profile storage.TenantProfile, subjectToken, deviceSecret string) {
	ctx := r.Context()

	if !featureflags.NativeSSO.Enabled() || !client.NativeSSOEnabled {
		s.tokenErrHelper(w, errInvalidRequest, "Native SSO is not enabled.", http.StatusBadRequest)
		return
	}
	if deviceSecret == "" {
		s.tokenErrHelper(w, errInvalidRequest, "Required param: actor_token.", http.StatusBadRequest)
		return
	}

	// Rate limit by (client, client-ip). The limiter fails open: a broken
	// counter store must not take logins down, it only widens DoS exposure.
	ip := clientIP(r)
	blockKey := "nativesso_block/" + client.ID + "/" + ip
	if blocked, err := s.storage.IsRevoked(ctx, blockKey); err == nil && blocked {
		s.tokenErrHelper(w, errTemporarilyUnavailable, "Too many attempts.", http.StatusTooManyRequests)
		return
	}
	if count, err := s.storage.RateLimitIncr(ctx, "nativesso/"+client.ID+"/"+ip, s.nativeSSO.RateLimitWindow); err != nil {
		s.logger.WarnContext(ctx, "native sso rate limit store failed, failing open", "err", err)
	} else if count > s.nativeSSO.RateLimitMax {
		if err := s.storage.Revoke(ctx, storage.RevocationEntry{
			JTI:       blockKey,
			RevokedAt: s.now(),
			Expiry:    s.now().Add(s.nativeSSO.RateLimitBlockFor),
			Reason:    "native_sso_rate_limited",
		}); err != nil {
			s.logger.WarnContext(ctx, "failed to record rate limit block", "err", err)
		}
		s.tokenErrHelper(w, errTemporarilyUnavailable, "Too many attempts.", http.StatusTooManyRequests)
		return
	}

	// The device secret is "ds_<id>.<random>"; the id routes to the record,
	// the hash of the whole string must match, and the use is atomic.
	id, ok := deviceSecretID(deviceSecret)
	if !ok {
		s.tokenErrHelper(w, errInvalidGrant, "Invalid device secret.", http.StatusBadRequest)
		return
	}
	sum := sha256.Sum256([]byte(deviceSecret))
	ds, err := s.storage.UseDeviceSecret(ctx, id, hex.EncodeToString(sum[:]))
	if err != nil {
		switch err {
		case storage.ErrNotFound, storage.ErrUseLimitExceeded:
			s.tokenErrHelper(w, errInvalidGrant, "Invalid device secret.", http.StatusBadRequest)
		default:
			s.logger.ErrorContext(ctx, "device secret validation failed", "err", err)
			s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		}
		return
	}

	// Verify the companion ID token and tie it to the same user.
	payload, err := s.verifySignature(ctx, subjectToken)
	if err != nil {
		s.tokenErrHelper(w, errInvalidGrant, "Invalid subject_token.", http.StatusBadRequest)
		return
	}
	var idClaims idTokenClaims
	if err := json.Unmarshal(payload, &idClaims); err != nil {
		s.tokenErrHelper(w, errInvalidGrant, "Invalid subject_token.", http.StatusBadRequest)
		return
	}
	if s.now().After(time.Unix(idClaims.Expiry, 0)) {
		s.tokenErrHelper(w, errInvalidGrant, "Subject token expired.", http.StatusBadRequest)
		return
	}
	if idClaims.Subject != ds.UserID {
		s.tokenErrHelper(w, errInvalidGrant, "Subject mismatch.", http.StatusBadRequest)
		return
	}

	// Short-TTL replay window over the exact subject token presented.
	tokenSum := sha256.Sum256([]byte(subjectToken))
	if err := s.storage.RegisterJTI(ctx, "nativesso", hex.EncodeToString(tokenSum[:]), s.now().Add(5*time.Minute)); err != nil {
		if err == storage.ErrAlreadyExists {
			s.tokenErrHelper(w, errInvalidGrant, "Subject token replayed.", http.StatusBadRequest)
			return
		}
		s.logger.ErrorContext(ctx, "native sso replay store failed", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	// Cross-client SSO needs all three parties to opt in: the tenant, the
	// requesting client and the originating client.
	if ds.ClientID != client.ID {
		originating, err := s.storage.GetClient(ctx, ds.ClientID)
		if err != nil {
			s.tokenErrHelper(w, errInvalidTarget, "Cross-client SSO denied.", http.StatusForbidden)
			return
		}
		if !profile.AllowCrossClientNativeSSO || !client.AllowCrossClientNativeSSO || !originating.AllowCrossClientNativeSSO {
			s.tokenErrHelper(w, errInvalidTarget, "Cross-client SSO denied.", http.StatusForbidden)
			return
		}
	}

	scopes := strings.Fields(r.PostFormValue("scope"))
	if len(scopes) == 0 {
		scopes = []string{scopeOpenID}
	}
	scopes = intersectScopes(scopes, client.AllowedScopes)

	userClaims := storage.Claims{UserID: ds.UserID}
	ttl := s.tokenTTL(ctx, profile)

	access, err := s.newAccessToken(ctx, accessTokenConfig{
		subject:  ds.UserID,
		clientID: client.ID,
		scopes:   scopes,
		validFor: ttl,
		claims:   userClaims,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to mint access token", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	idToken, err := s.newIDToken(ctx, client, idTokenConfig{
		clientID:     client.ID,
		claims:       userClaims,
		scopes:       scopes,
		accessToken:  access.token,
		deviceSecret: deviceSecret,
		sessionID:    ds.SessionID,
		validFor:     s.idTokensValidFor,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to mint id token", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	refreshToken, _, err := s.createRefreshFamily(ctx, ds.UserID, client.ID, scopes)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create refresh family", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	if ds.SessionID != "" {
		if err := s.registerSessionClient(ctx, ds.SessionID, client); err != nil {
			s.logger.ErrorContext(ctx, "failed to register session client", "err", err)
		}
	}

	s.publishTokenEvents(client.ID, ds.UserID,
		events.TypeAccessIssued, events.TypeRefreshIssued, events.TypeIDIssued)

	s.writeAccessToken(w, &accessTokenResponse{
		AccessToken:     access.token,
		TokenType:       "Bearer",
		ExpiresIn:       int(ttl.Seconds()),
		RefreshToken:    refreshToken,
		IDToken:         idToken.token,
		Scope:           joinScopes(scopes),
		IssuedTokenType: tokenTypeAccess,
		DeviceSecret:    deviceSecret,
	})
}

func deviceSecretID(secret string) (string, bool) {
	if !strings.HasPrefix(secret, "ds_") {
		return "", false
	}
	rest := secret[len("ds_"):]
	i := strings.IndexByte(rest, '.')
	if i <= 0 {
		return "", false
	}
	return rest[:i], true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
