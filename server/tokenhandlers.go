package server

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"time"

	"github.com/authrim/authrim/events"
	"github.com/authrim/authrim/pkg/featureflags"
	"github.com/authrim/authrim/storage"
)

// defaultTenant names the tenant profile consulted when no explicit tenant
// routing applies.
const defaultTenant = "default"

// handleToken dispatches on grant_type. Every grant shares the client
// authentication preamble and the tenant profile gate.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.tokenErrHelper(w, errInvalidRequest, "POST only acceptable method", http.StatusMethodNotAllowed)
		return
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/x-www-form-urlencoded" {
		s.tokenErrHelper(w, errInvalidRequest, "Unsupported content type", http.StatusBadRequest)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.tokenErrHelper(w, errInvalidRequest, "Could not parse request body", http.StatusBadRequest)
		return
	}

	grantType := r.PostFormValue("grant_type")
	if !s.allowedGrants[grantType] {
		s.tokenErrHelper(w, errUnsupportedGrantType, "", http.StatusBadRequest)
		return
	}

	profile, err := s.tenantProfile(r.Context())
	if err != nil {
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	if !profile.AllowsGrant(grantType) {
		s.tokenErrHelper(w, errUnauthorizedClient, "Grant type not allowed for this tenant", http.StatusForbidden)
		return
	}

	switch grantType {
	case grantTypeAuthorizationCode:
		s.handleAuthCode(w, r, profile)
	case grantTypeRefreshToken:
		s.withAuthenticatedClient(w, r, func(client storage.Client) {
			s.handleRefreshToken(w, r, client, profile)
		})
	case grantTypeDeviceCode:
		s.handleDeviceToken(w, r, profile)
	case grantTypeCIBA:
		s.withAuthenticatedClient(w, r, func(client storage.Client) {
			s.handleCIBAToken(w, r, client, profile)
		})
	case grantTypeJWTBearer:
		s.withAuthenticatedClient(w, r, func(client storage.Client) {
			s.handleJWTBearer(w, r, client, profile)
		})
	case grantTypeTokenExchange:
		if !featureflags.TokenExchange.Enabled() || !s.tokenExchange.Enabled {
			s.tokenErrHelper(w, errUnsupportedGrantType, "", http.StatusBadRequest)
			return
		}
		s.withAuthenticatedClient(w, r, func(client storage.Client) {
			s.handleTokenExchange(w, r, client, profile)
		})
	case grantTypeClientCredentials:
		if !featureflags.ClientCredentials.Enabled() {
			s.tokenErrHelper(w, errUnsupportedGrantType, "", http.StatusBadRequest)
			return
		}
		s.withAuthenticatedClient(w, r, func(client storage.Client) {
			s.handleClientCredentials(w, r, client, profile)
		})
	default:
		s.tokenErrHelper(w, errUnsupportedGrantType, "", http.StatusBadRequest)
	}
}

// tenantProfile loads the active tenant profile, defaulting to a permissive
// profile when none is stored.
func (s *Server) tenantProfile(ctx context.Context) (storage.TenantProfile, error) {
	profile, err := s.storage.GetTenantProfile(ctx, defaultTenant)
	if err != nil {
		if err == storage.ErrNotFound {
			return storage.TenantProfile{ID: defaultTenant}, nil
		}
		s.logger.ErrorContext(ctx, "failed to get tenant profile", "err", err)
		return storage.TenantProfile{}, err
	}
	return profile, nil
}

// withAuthenticatedClient runs the shared preamble and invokes the handler on
// success.
func (s *Server) withAuthenticatedClient(w http.ResponseWriter, r *http.Request, handler func(client storage.Client)) {
	client, err := s.authenticateClient(r.Context(), r)
	if err != nil {
		if errors.Is(err, errClientAuth) {
			s.tokenErrHelper(w, errInvalidClient, "Invalid client credentials.", http.StatusUnauthorized)
		} else {
			s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		}
		return
	}
	handler(client)
}

// tokenTTL applies the tenant ceiling to the configured access token
// lifetime.
func (s *Server) tokenTTL(ctx context.Context, profile storage.TenantProfile) time.Duration {
	ttl := s.cfg.GetDuration(ctx, "tenant.access_token_ttl", s.accessTokensValidFor)
	if profile.MaxTokenTTLSeconds > 0 {
		ceiling := time.Duration(profile.MaxTokenTTLSeconds) * time.Second
		if ttl > ceiling {
			ttl = ceiling
		}
	}
	return ttl
}

type accessTokenResponse struct {
	AccessToken     string `json:"access_token"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	RefreshToken    string `json:"refresh_token,omitempty"`
	IDToken         string `json:"id_token,omitempty"`
	Scope           string `json:"scope,omitempty"`
	IssuedTokenType string `json:"issued_token_type,omitempty"`
	DeviceSecret    string `json:"device_secret,omitempty"`
}

func (s *Server) writeAccessToken(w http.ResponseWriter, resp *accessTokenResponse) {
	// Token responses must not be cached: https://tools.ietf.org/html/rfc6749#section-5.1
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to write token response", "err", err)
	}
}

// publishTokenEvents emits issuance events without blocking the request.
func (s *Server) publishTokenEvents(clientID, userID string, types ...string) {
	for _, typ := range types {
		s.events.Publish(context.Background(), events.Event{
			Type:     typ,
			TenantID: defaultTenant,
			Time:     s.now(),
			Data:     map[string]string{"client_id": clientID, "user_id": userID},
		})
	}
}
