package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/authrim/authrim/events"
	"github.com/authrim/authrim/storage"
)

const cibaPollInterval = 5 // seconds

type cibaAuthResponse struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int    `json:"expires_in"`
	Interval  int    `json:"interval,omitempty"`
}

// handleCIBARequest starts a backchannel authentication request
// (/bc-authorize). The end user is notified out of band; the client polls the
// token endpoint (or is pinged/pushed, per its registered mode) until the
// user approves.
func (s *Server) handleCIBARequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		s.tokenErrHelper(w, errInvalidRequest, "Requires POST method.", http.StatusBadRequest)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.tokenErrHelper(w, errInvalidRequest, "Could not parse request body.", http.StatusBadRequest)
		return
	}

	client, err := s.authenticateClient(ctx, r)
	if err != nil {
		if errors.Is(err, errClientAuth) {
			s.tokenErrHelper(w, errInvalidClient, "Invalid client credentials.", http.StatusUnauthorized)
		} else {
			s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		}
		return
	}

	scopes := strings.Fields(r.Form.Get("scope"))
	mode := r.Form.Get("delivery_mode")
	if mode == "" {
		mode = storage.CIBAModePoll
	}
	switch mode {
	case storage.CIBAModePoll, storage.CIBAModePing, storage.CIBAModePush:
	default:
		s.tokenErrHelper(w, errInvalidRequest, "Unsupported delivery mode.", http.StatusBadRequest)
		return
	}

	// A hint naming the end user is required; which hint kinds resolve to a
	// user is a policy of the surrounding login system.
	if r.Form.Get("login_hint") == "" && r.Form.Get("id_token_hint") == "" && r.Form.Get("login_hint_token") == "" {
		s.tokenErrHelper(w, errInvalidRequest, "A login hint is required.", http.StatusBadRequest)
		return
	}

	req := storage.CIBARequest{
		AuthReqID:               storage.NewDeviceCode(),
		ClientID:                client.ID,
		Scopes:                  scopes,
		Mode:                    mode,
		Status:                  storage.CIBAPending,
		ClientNotificationToken: r.Form.Get("client_notification_token"),
		Expiry:                  s.now().Add(s.deviceRequestsValidFor),
		LastRequestTime:         s.now(),
	}
	if err := s.storage.CreateCIBARequest(ctx, req); err != nil {
		s.logger.ErrorContext(ctx, "failed to store ciba request", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cibaAuthResponse{
		AuthReqID: req.AuthReqID,
		ExpiresIn: int(s.deviceRequestsValidFor.Seconds()),
		Interval:  cibaPollInterval,
	})
}

// ApproveCIBARequest records the authenticated identity on a pending
// backchannel request.
func (s *Server) ApproveCIBARequest(ctx context.Context, authReqID string, claims storage.Claims, sessionID string) error {
	return s.storage.UpdateCIBARequest(ctx, authReqID, func(old storage.CIBARequest) (storage.CIBARequest, error) {
		if old.TokenIssued {
			return old, storage.ErrAlreadyConsumed
		}
		old.Status = storage.CIBAApproved
		old.Claims = claims
		old.SessionID = sessionID
		return old, nil
	})
}

// DenyCIBARequest marks a pending backchannel request denied.
func (s *Server) DenyCIBARequest(ctx context.Context, authReqID string) error {
	return s.storage.UpdateCIBARequest(ctx, authReqID, func(old storage.CIBARequest) (storage.CIBARequest, error) {
		old.Status = storage.CIBADenied
		return old, nil
	})
}

// handleCIBAToken serves the urn:openid:params:grant-type:ciba grant. The
// token_issued flag is flipped atomically before any token is minted, so two
// concurrent polls cannot both issue.
func (s *Server) handleCIBAToken(w http.ResponseWriter, r *http.Request, client storage.Client, profile storage.TenantProfile) {
	ctx := r.Context()

	authReqID := r.PostFormValue("auth_req_id")
	if authReqID == "" {
		s.tokenErrHelper(w, errInvalidRequest, "Required param: auth_req_id.", http.StatusBadRequest)
		return
	}

	req, err := s.storage.GetCIBARequest(ctx, authReqID)
	if err != nil {
		s.tokenErrHelper(w, errInvalidGrant, "Invalid auth_req_id.", http.StatusBadRequest)
		return
	}
	if req.ClientID != client.ID {
		s.tokenErrHelper(w, errInvalidGrant, "Invalid auth_req_id.", http.StatusBadRequest)
		return
	}
	now := s.now()
	if now.After(req.Expiry) {
		s.tokenErrHelper(w, errExpiredToken, "", http.StatusBadRequest)
		return
	}

	slowDown := false
	if err := s.storage.UpdateCIBARequest(ctx, authReqID, func(old storage.CIBARequest) (storage.CIBARequest, error) {
		elapsed := now.Sub(old.LastRequestTime)
		minInterval := time.Duration(cibaPollInterval+old.PollIntervalSeconds) * time.Second
		if elapsed < minInterval && old.Status == storage.CIBAPending {
			old.PollIntervalSeconds += 5
			slowDown = true
		} else {
			old.PollIntervalSeconds = 0
		}
		old.LastRequestTime = now
		return old, nil
	}); err != nil {
		s.logger.ErrorContext(ctx, "failed to update ciba request", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	if slowDown {
		s.tokenErrHelper(w, errSlowDown, "", http.StatusBadRequest)
		return
	}

	switch req.Status {
	case storage.CIBAPending:
		s.tokenErrHelper(w, errAuthorizationPending, "", http.StatusBadRequest)
		return
	case storage.CIBADenied:
		s.tokenErrHelper(w, errAccessDenied, "", http.StatusUnauthorized)
		return
	case storage.CIBAApproved:
	default:
		s.tokenErrHelper(w, errInvalidGrant, "Invalid auth_req_id.", http.StatusBadRequest)
		return
	}

	issued := false
	if err := s.storage.UpdateCIBARequest(ctx, authReqID, func(old storage.CIBARequest) (storage.CIBARequest, error) {
		if old.TokenIssued {
			return old, nil
		}
		old.TokenIssued = true
		issued = true
		return old, nil
	}); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark ciba request issued", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	if !issued {
		s.tokenErrHelper(w, errInvalidGrant, "Tokens already issued for this request.", http.StatusBadRequest)
		return
	}

	ttl := s.tokenTTL(ctx, profile)
	access, err := s.newAccessToken(ctx, accessTokenConfig{
		subject:  req.Claims.UserID,
		clientID: client.ID,
		scopes:   req.Scopes,
		validFor: ttl,
		claims:   req.Claims,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to mint access token", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	idToken, err := s.newIDToken(ctx, client, idTokenConfig{
		clientID:    client.ID,
		claims:      req.Claims,
		scopes:      req.Scopes,
		accessToken: access.token,
		sessionID:   req.SessionID,
		validFor:    s.idTokensValidFor,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to mint id token", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	refreshToken, _, err := s.createRefreshFamily(ctx, req.Claims.UserID, client.ID, req.Scopes)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create refresh family", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	s.publishTokenEvents(client.ID, req.Claims.UserID,
		events.TypeAccessIssued, events.TypeRefreshIssued, events.TypeIDIssued)

	s.writeAccessToken(w, &accessTokenResponse{
		AccessToken:  access.token,
		TokenType:    "Bearer",
		ExpiresIn:    int(ttl.Seconds()),
		RefreshToken: refreshToken,
		IDToken:      idToken.token,
		Scope:        joinScopes(req.Scopes),
	})
}
