package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/authrim/authrim/events"
	"github.com/authrim/authrim/storage"
)

const devicePollInterval = 5 // seconds

type deviceCodeResponse struct {
	// The unique device code for device authentication
	DeviceCode string `json:"device_code"`
	// The code the user will enter at the verification URI
	UserCode string `json:"user_code"`
	// The URI the user navigates to to authorize the device
	VerificationURI string `json:"verification_uri"`
	// The verification URI with the user code embedded
	VerificationURIComplete string `json:"verification_uri_complete"`
	// The lifetime of the device code
	ExpireTime int `json:"expires_in"`
	// How often the device is allowed to poll the token endpoint
	PollInterval int `json:"interval"`
}

// handleDeviceCode starts a device authorization: it hands the device a
// device code to poll with and a user code for the browser side.
func (s *Server) handleDeviceCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		s.tokenErrHelper(w, errInvalidRequest, "Requires POST method.", http.StatusBadRequest)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.tokenErrHelper(w, errInvalidRequest, "Could not parse Device Request body.", http.StatusBadRequest)
		return
	}

	clientID := r.Form.Get("client_id")
	if clientID == "" {
		s.tokenErrHelper(w, errInvalidRequest, "Required param: client_id.", http.StatusBadRequest)
		return
	}
	if _, err := s.storage.GetClient(ctx, clientID); err != nil {
		if err == storage.ErrNotFound {
			s.tokenErrHelper(w, errInvalidClient, "Invalid client credentials.", http.StatusUnauthorized)
		} else {
			s.logger.ErrorContext(ctx, "failed to get client", "err", err)
			s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		}
		return
	}
	scopes := strings.Fields(r.Form.Get("scope"))

	expiry := s.now().Add(s.deviceRequestsValidFor)
	deviceCode := storage.NewDeviceCode()
	userCode := storage.NewUserCode()

	deviceReq := storage.DeviceRequest{
		UserCode:   userCode,
		DeviceCode: deviceCode,
		ClientID:   clientID,
		Scopes:     scopes,
		Expiry:     expiry,
	}
	if err := s.storage.CreateDeviceRequest(ctx, deviceReq); err != nil {
		s.logger.ErrorContext(ctx, "failed to store device request", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	deviceToken := storage.DeviceToken{
		DeviceCode:          deviceCode,
		Status:              storage.DeviceTokenPending,
		Scopes:              scopes,
		Expiry:              expiry,
		LastRequestTime:     s.now(),
		PollIntervalSeconds: 0,
		PKCE: storage.PKCE{
			CodeChallenge:       r.Form.Get("code_challenge"),
			CodeChallengeMethod: r.Form.Get("code_challenge_method"),
		},
	}
	if err := s.storage.CreateDeviceToken(ctx, deviceToken); err != nil {
		s.logger.ErrorContext(ctx, "failed to store device token", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	u := s.absURL("/device")
	code := deviceCodeResponse{
		DeviceCode:              deviceCode,
		UserCode:                userCode,
		VerificationURI:         u,
		VerificationURIComplete: u + "?user_code=" + userCode,
		ExpireTime:              int(s.deviceRequestsValidFor.Seconds()),
		PollInterval:            devicePollInterval,
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(code)
}

// ApproveDeviceRequest records the authenticated identity against a pending
// device token. Called by the browser-side verification flow after the user
// enters their user code and authenticates.
func (s *Server) ApproveDeviceRequest(ctx context.Context, userCode string, claims storage.Claims, sessionID string) error {
	req, err := s.storage.GetDeviceRequest(ctx, userCode)
	if err != nil {
		return err
	}
	return s.storage.UpdateDeviceToken(ctx, req.DeviceCode, func(old storage.DeviceToken) (storage.DeviceToken, error) {
		if old.Status == storage.DeviceTokenClaimed {
			return old, storage.ErrAlreadyConsumed
		}
		old.Status = storage.DeviceTokenComplete
		old.Claims = claims
		old.SessionID = sessionID
		return old, nil
	})
}

// DenyDeviceRequest marks a pending device token denied.
func (s *Server) DenyDeviceRequest(ctx context.Context, userCode string) error {
	req, err := s.storage.GetDeviceRequest(ctx, userCode)
	if err != nil {
		return err
	}
	return s.storage.UpdateDeviceToken(ctx, req.DeviceCode, func(old storage.DeviceToken) (storage.DeviceToken, error) {
		old.Status = storage.DeviceTokenDenied
		return old, nil
	})
}

// handleDeviceToken serves the polling half of the device flow on /token.
// Device-flow clients are typically public; client authentication is not
// required, only a matching client_id.
func (s *Server) handleDeviceToken(w http.ResponseWriter, r *http.Request, profile storage.TenantProfile) {
	ctx := r.Context()

	deviceCode := r.Form.Get("device_code")
	if deviceCode == "" {
		s.tokenErrHelper(w, errInvalidRequest, "No device code received", http.StatusBadRequest)
		return
	}
	clientID := r.Form.Get("client_id")

	now := s.now()

	deviceToken, err := s.storage.GetDeviceToken(ctx, deviceCode)
	if err != nil {
		if err != storage.ErrNotFound {
			s.logger.ErrorContext(ctx, "failed to get device code", "err", err)
		}
		s.tokenErrHelper(w, errInvalidGrant, "Invalid Device code.", http.StatusBadRequest)
		return
	}
	if now.After(deviceToken.Expiry) {
		s.tokenErrHelper(w, errExpiredToken, "", http.StatusBadRequest)
		return
	}

	// Rate limit polling: a device polling faster than the advertised
	// interval backs off exponentially.
	slowDown := false
	if err := s.storage.UpdateDeviceToken(ctx, deviceCode, func(old storage.DeviceToken) (storage.DeviceToken, error) {
		elapsed := now.Sub(old.LastRequestTime)
		minInterval := time.Duration(devicePollInterval+old.PollIntervalSeconds) * time.Second
		if elapsed < minInterval && old.Status == storage.DeviceTokenPending {
			old.PollIntervalSeconds += 5
			slowDown = true
		} else {
			old.PollIntervalSeconds = 0
		}
		old.LastRequestTime = now
		return old, nil
	}); err != nil {
		s.logger.ErrorContext(ctx, "failed to update device token", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	if slowDown {
		s.tokenErrHelper(w, errSlowDown, "", http.StatusBadRequest)
		return
	}

	switch deviceToken.Status {
	case storage.DeviceTokenPending:
		s.tokenErrHelper(w, errAuthorizationPending, "", http.StatusBadRequest)
	case storage.DeviceTokenDenied:
		s.tokenErrHelper(w, errAccessDenied, "", http.StatusUnauthorized)
	case storage.DeviceTokenClaimed:
		s.tokenErrHelper(w, errInvalidGrant, "Invalid Device code.", http.StatusBadRequest)
	case storage.DeviceTokenComplete:
		// One-shot: exactly one poll claims the approval.
		claimed := false
		if err := s.storage.UpdateDeviceToken(ctx, deviceCode, func(old storage.DeviceToken) (storage.DeviceToken, error) {
			if old.Status != storage.DeviceTokenComplete {
				return old, nil
			}
			old.Status = storage.DeviceTokenClaimed
			claimed = true
			return old, nil
		}); err != nil {
			s.logger.ErrorContext(ctx, "failed to claim device token", "err", err)
			s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
			return
		}
		if !claimed {
			s.tokenErrHelper(w, errInvalidGrant, "Invalid Device code.", http.StatusBadRequest)
			return
		}
		if deviceToken.PKCE.CodeChallenge != "" {
			if err := storage.VerifyPKCE(r.Form.Get("code_verifier"), deviceToken.PKCE.CodeChallenge, deviceToken.PKCE.CodeChallengeMethod); err != nil {
				s.tokenErrHelper(w, errInvalidGrant, "Invalid code_verifier.", http.StatusBadRequest)
				return
			}
		}
		s.issueDeviceTokens(w, r, deviceToken, clientID, profile)
	default:
		s.tokenErrHelper(w, errInvalidGrant, "Invalid Device code.", http.StatusBadRequest)
	}
}

func (s *Server) issueDeviceTokens(w http.ResponseWriter, r *http.Request, deviceToken storage.DeviceToken, clientID string, profile storage.TenantProfile) {
	ctx := r.Context()

	client, err := s.storage.GetClient(ctx, clientID)
	if err != nil {
		s.tokenErrHelper(w, errInvalidClient, "Invalid client credentials.", http.StatusUnauthorized)
		return
	}

	ttl := s.tokenTTL(ctx, profile)
	access, err := s.newAccessToken(ctx, accessTokenConfig{
		subject:  deviceToken.Claims.UserID,
		clientID: client.ID,
		scopes:   deviceToken.Scopes,
		validFor: ttl,
		claims:   deviceToken.Claims,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to mint access token", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	idToken, err := s.newIDToken(ctx, client, idTokenConfig{
		clientID:    client.ID,
		claims:      deviceToken.Claims,
		scopes:      deviceToken.Scopes,
		accessToken: access.token,
		sessionID:   deviceToken.SessionID,
		validFor:    s.idTokensValidFor,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to mint id token", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	refreshToken, _, err := s.createRefreshFamily(ctx, deviceToken.Claims.UserID, client.ID, deviceToken.Scopes)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create refresh family", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	s.publishTokenEvents(client.ID, deviceToken.Claims.UserID,
		events.TypeAccessIssued, events.TypeRefreshIssued, events.TypeIDIssued)

	s.writeAccessToken(w, &accessTokenResponse{
		AccessToken:  access.token,
		TokenType:    "Bearer",
		ExpiresIn:    int(ttl.Seconds()),
		RefreshToken: refreshToken,
		IDToken:      idToken.token,
		Scope:        joinScopes(deviceToken.Scopes),
	})
}
