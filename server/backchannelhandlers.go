package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/authrim/authrim/events"
	"github.com/authrim/authrim/storage"
)

// handleBackchannelLogout terminates a session on a server-to-server logout
// notification (OpenID Back-Channel Logout 1.0).
func (s *Server) handleBackchannelLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		s.tokenErrHelper(w, errInvalidRequest, "Could not parse request body.", http.StatusBadRequest)
		return
	}
	rawToken := r.PostFormValue("logout_token")
	if rawToken == "" {
		s.tokenErrHelper(w, errInvalidRequest, "Required param: logout_token.", http.StatusBadRequest)
		return
	}

	payload, err := s.verifySignature(ctx, rawToken)
	if err != nil {
		s.tokenErrHelper(w, errInvalidRequest, "Invalid logout token.", http.StatusBadRequest)
		return
	}
	var claims struct {
		logoutTokenClaims
		Nonce string `json:"nonce"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		s.tokenErrHelper(w, errInvalidRequest, "Invalid logout token.", http.StatusBadRequest)
		return
	}

	// The spec forbids a nonce and requires the events claim and a subject.
	if _, ok := claims.Events[backchannelLogoutEvent]; !ok {
		s.tokenErrHelper(w, errInvalidRequest, "Missing backchannel logout event.", http.StatusBadRequest)
		return
	}
	if claims.Nonce != "" {
		s.tokenErrHelper(w, errInvalidRequest, "Logout token must not contain a nonce.", http.StatusBadRequest)
		return
	}
	if claims.Subject == "" {
		s.tokenErrHelper(w, errInvalidRequest, "Logout token must contain a subject.", http.StatusBadRequest)
		return
	}

	// Confidential clients must authenticate with Basic credentials.
	clientID := claims.Audience.head()
	if client, err := s.storage.GetClient(ctx, clientID); err == nil && !client.Public {
		basicID, basicSecret, ok := r.BasicAuth()
		if !ok || basicID != client.ID || !checkSecret(client.Secret, basicSecret) {
			s.tokenErrHelper(w, errInvalidClient, "Invalid client credentials.", http.StatusUnauthorized)
			return
		}
	}

	if claims.SessionID != "" {
		if _, ok := storage.ParseSessionID(claims.SessionID); !ok {
			// Legacy or foreign session identifiers cannot be routed; treat
			// the notification as satisfied.
			s.logger.WarnContext(ctx, "backchannel logout with non-routable sid")
			w.WriteHeader(http.StatusOK)
			return
		}
		destroyed, err := s.storage.InvalidateSession(ctx, claims.SessionID)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to invalidate session", "err", err)
			s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
			return
		}
		if destroyed {
			if _, err := s.storage.RevokeDeviceSecretsBySession(ctx, claims.SessionID); err != nil {
				s.logger.ErrorContext(ctx, "failed to revoke device secrets", "err", err)
			}
			s.events.Publish(context.Background(), events.Event{
				Type: events.TypeSessionDestroyed, TenantID: defaultTenant, Time: s.now(),
				Data: map[string]string{"session_id": claims.SessionID, "user_id": claims.Subject},
			})
		} else {
			s.logger.WarnContext(ctx, "backchannel logout for unknown session")
		}
	}

	s.events.Publish(context.Background(), events.Event{
		Type: events.TypeUserLogout, TenantID: defaultTenant, Time: s.now(),
		Data: map[string]string{"user_id": claims.Subject},
	})

	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}
