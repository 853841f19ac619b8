package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-jose/go-jose/v4"
)

func (s *Server) handlePublicKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.storage.GetKeys(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "failed to get keys", "err", err)
		s.renderError(r, w, http.StatusInternalServerError, "Internal server error.")
		return
	}

	if keys.SigningKeyPub == nil {
		s.logger.ErrorContext(r.Context(), "no public keys found")
		s.renderError(r, w, http.StatusInternalServerError, "Internal server error.")
		return
	}

	jwks := jose.JSONWebKeySet{
		Keys: make([]jose.JSONWebKey, len(keys.VerificationKeys)+1),
	}
	jwks.Keys[0] = *keys.SigningKeyPub
	for i, verificationKey := range keys.VerificationKeys {
		jwks.Keys[i+1] = *verificationKey.PublicKey
	}

	data, err := json.MarshalIndent(jwks, "", "  ")
	if err != nil {
		s.logger.ErrorContext(r.Context(), "failed to marshal JWKS", "err", err)
		s.renderError(r, w, http.StatusInternalServerError, "Internal server error.")
		return
	}
	maxAge := keys.NextRotation.Sub(s.now())
	if maxAge < (time.Minute * 2) {
		maxAge = time.Minute * 2
	}

	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d, must-revalidate", int(maxAge.Seconds())))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

type discovery struct {
	Issuer            string   `json:"issuer"`
	Token             string   `json:"token_endpoint"`
	Keys              string   `json:"jwks_uri"`
	DeviceEndpoint    string   `json:"device_authorization_endpoint"`
	BackchannelAuth   string   `json:"backchannel_authentication_endpoint"`
	EndSession        string   `json:"end_session_endpoint"`
	CheckSessionifr   string   `json:"check_session_iframe"`
	GrantTypes        []string `json:"grant_types_supported"`
	ResponseTypes     []string `json:"response_types_supported"`
	Subjects          []string `json:"subject_types_supported"`
	IDTokenAlgs       []string `json:"id_token_signing_alg_values_supported"`
	CodeChallengeAlgs []string `json:"code_challenge_methods_supported"`
	Scopes            []string `json:"scopes_supported"`
	AuthMethods       []string `json:"token_endpoint_auth_methods_supported"`
	DPoPAlgs          []string `json:"dpop_signing_alg_values_supported"`
	Claims            []string `json:"claims_supported"`
	BackchannelLogout bool     `json:"backchannel_logout_supported"`
	FrontchannelLogout bool    `json:"frontchannel_logout_supported"`
}

func (s *Server) discoveryHandler() (http.HandlerFunc, error) {
	grantTypes := make([]string, 0, len(s.allowedGrants))
	for g := range s.allowedGrants {
		grantTypes = append(grantTypes, g)
	}

	d := discovery{
		Issuer:            s.issuerURL.String(),
		Token:             s.absURL("/token"),
		Keys:              s.absURL("/keys"),
		DeviceEndpoint:    s.absURL("/device/code"),
		BackchannelAuth:   s.absURL("/bc-authorize"),
		EndSession:        s.absURL("/logout"),
		CheckSessionifr:   s.absURL("/session/check"),
		GrantTypes:        grantTypes,
		ResponseTypes:     []string{"code"},
		Subjects:          []string{"public"},
		IDTokenAlgs:       []string{string(jose.RS256)},
		CodeChallengeAlgs: []string{codeChallengeMethodS256},
		Scopes:            []string{"openid", "email", "groups", "profile", "offline_access"},
		AuthMethods:       []string{"client_secret_basic", "client_secret_post", "client_secret_jwt", "private_key_jwt"},
		DPoPAlgs:          []string{string(jose.ES256), string(jose.RS256)},
		Claims: []string{
			"iss", "sub", "aud", "iat", "exp", "email", "email_verified",
			"name", "preferred_username", "groups", "at_hash", "sid", "acr", "amr", "auth_time",
		},
		BackchannelLogout:  true,
		FrontchannelLogout: true,
	}

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal discovery data: %v", err)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	}, nil
}
