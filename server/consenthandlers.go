package server

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/authrim/authrim/events"
	"github.com/authrim/authrim/storage"
)

// Login challenges carry the pending authorization request through the login
// and consent steps. Their metadata holds the original request parameters.
type loginChallengeData struct {
	ClientID    string `json:"client_id"`
	ClientName  string `json:"client_name"`
	LogoURL     string `json:"logo_url,omitempty"`
	Scopes      []string `json:"scopes"`
	RedirectURI string `json:"redirect_uri"`
}

var consentTmpl = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head><title>Consent</title></head>
<body>
<h2>{{.ClientName}}</h2>
<p>is requesting access to:</p>
<ul>{{range .Scopes}}<li>{{.}}</li>{{end}}</ul>
<form method="post">
<input type="hidden" name="challenge_id" value="{{.ChallengeID}}">
<button name="approved" value="true">Allow</button>
<button name="approved" value="false">Deny</button>
</form>
</body>
</html>`))

// handleConsentData returns the consent screen data for a login challenge:
// JSON when the caller asks for it, HTML otherwise.
func (s *Server) handleConsentData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	challengeID := r.URL.Query().Get("challenge_id")
	if challengeID == "" {
		s.renderError(r, w, http.StatusBadRequest, "Missing challenge.")
		return
	}

	challenge, err := s.storage.GetChallenge(ctx, challengeID)
	if err != nil || challenge.Kind != storage.ChallengeLogin || challenge.Consumed() || s.now().After(challenge.Expiry) {
		s.renderError(r, w, http.StatusNotFound, "Unknown or expired challenge.")
		return
	}

	client, err := s.storage.GetClient(ctx, challenge.Metadata["client_id"])
	if err != nil {
		s.renderError(r, w, http.StatusNotFound, "Unknown client.")
		return
	}

	data := loginChallengeData{
		ClientID:    client.ID,
		ClientName:  client.Name,
		LogoURL:     client.LogoURL,
		Scopes:      strings.Fields(challenge.Metadata["scope"]),
		RedirectURI: challenge.Metadata["redirect_uri"],
	}

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, http.StatusOK, data)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := consentTmpl.Execute(w, struct {
		ChallengeID string
		ClientName  string
		Scopes      []string
	}{challengeID, client.Name, data.Scopes}); err != nil {
		s.logger.ErrorContext(ctx, "failed to render consent page", "err", err)
	}
}

type consentDecision struct {
	ChallengeID                string   `json:"challenge_id"`
	Approved                   bool     `json:"approved"`
	SelectedScopes             []string `json:"selected_scopes,omitempty"`
	SelectedOrgID              string   `json:"selected_org_id,omitempty"`
	ActingAsUserID             string   `json:"acting_as_user_id,omitempty"`
	AcknowledgedPolicyVersions map[string]string `json:"acknowledged_policy_versions,omitempty"`
}

// handleConsentDecision records the user's decision. On approval the pending
// authorization turns into a one-shot authorization code and the browser is
// redirected back to the client.
func (s *Server) handleConsentDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var decision consentDecision
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
			s.renderError(r, w, http.StatusBadRequest, "Malformed request.")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			s.renderError(r, w, http.StatusBadRequest, "Malformed request.")
			return
		}
		decision.ChallengeID = r.PostFormValue("challenge_id")
		decision.Approved = r.PostFormValue("approved") == "true"
		decision.SelectedScopes = strings.Fields(r.PostFormValue("selected_scopes"))
	}
	if decision.ChallengeID == "" {
		s.renderError(r, w, http.StatusBadRequest, "Missing challenge.")
		return
	}

	sess, haveSession := s.sessionFromCookie(r)
	if !haveSession {
		s.renderError(r, w, http.StatusUnauthorized, "No active session.")
		return
	}

	challenge, err := s.storage.ConsumeChallenge(ctx, decision.ChallengeID, func(c storage.Challenge) error {
		if c.Kind != storage.ChallengeLogin {
			return errors.New("wrong challenge kind")
		}
		return nil
	})
	if err != nil {
		s.renderError(r, w, http.StatusNotFound, "Unknown or expired challenge.")
		return
	}

	clientID := challenge.Metadata["client_id"]
	redirectURI := challenge.Metadata["redirect_uri"]
	state := challenge.Metadata["state"]

	if !decision.Approved {
		s.events.Publish(context.Background(), events.Event{
			Type: events.TypeConsentDenied, TenantID: defaultTenant, Time: s.now(),
			Data: map[string]string{"client_id": clientID, "user_id": sess.UserID},
		})
		s.redirectAuthError(w, r, redirectURI, state, errAccessDenied, "User denied consent.")
		return
	}

	requestedScopes := strings.Fields(challenge.Metadata["scope"])
	grantedScopes := requestedScopes
	if len(decision.SelectedScopes) > 0 {
		grantedScopes = intersectScopes(decision.SelectedScopes, requestedScopes)
	}

	consent := storage.Consent{
		ID:             storage.NewID(),
		UserID:         sess.UserID,
		ClientID:       clientID,
		Scopes:         requestedScopes,
		SelectedScopes: grantedScopes,
		GrantedAt:      s.now(),
		CreatedAt:      s.now(),
		UpdatedAt:      s.now(),
	}
	if v := decision.AcknowledgedPolicyVersions; v != nil {
		consent.PrivacyPolicyVersion = v["privacy_policy"]
		consent.TOSVersion = v["tos"]
		consent.ConsentVersion = v["consent"]
	}
	if err := s.storage.UpsertConsent(ctx, consent); err != nil {
		s.logger.ErrorContext(ctx, "failed to record consent", "err", err)
		s.renderError(r, w, http.StatusInternalServerError, "Internal server error.")
		return
	}

	code := storage.AuthCode{
		ID:          storage.NewID(),
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Nonce:       challenge.Metadata["nonce"],
		State:       state,
		Scopes:      grantedScopes,
		Claims: storage.Claims{
			UserID:          sess.UserID,
			Email:           sess.Data.VerifiedEmail,
			EmailVerified:   sess.Data.VerifiedEmail != "",
			Anonymous:       sess.Data.Anonymous,
			UpgradeEligible: sess.Data.UpgradeEligible,
		},
		AuthTime:  sess.CreatedAt,
		ACR:       sess.Data.ACR,
		AMR:       sess.Data.AMR,
		SessionID: sess.ID,
		DPoPJKT:   challenge.Metadata["dpop_jkt"],
		PKCE: storage.PKCE{
			CodeChallenge:       challenge.Metadata["code_challenge"],
			CodeChallengeMethod: challenge.Metadata["code_challenge_method"],
		},
		Expiry: s.now().Add(s.authCodesValidFor),
	}
	if err := s.storage.CreateAuthCode(ctx, code); err != nil {
		s.logger.ErrorContext(ctx, "failed to create auth code", "err", err)
		s.renderError(r, w, http.StatusInternalServerError, "Internal server error.")
		return
	}

	s.events.Publish(context.Background(), events.Event{
		Type: events.TypeConsentGranted, TenantID: defaultTenant, Time: s.now(),
		Data: map[string]string{"client_id": clientID, "user_id": sess.UserID, "scope": joinScopes(grantedScopes)},
	})

	v := url.Values{"code": {code.ID}}
	if state != "" {
		v.Set("state", state)
	}
	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, http.StatusOK, map[string]string{"redirect_to": redirectURI + sep + v.Encode()})
		return
	}
	http.Redirect(w, r, redirectURI+sep+v.Encode(), http.StatusSeeOther)
}

func (s *Server) redirectAuthError(w http.ResponseWriter, r *http.Request, redirectURI, state, errType, description string) {
	if redirectURI == "" {
		s.renderError(r, w, http.StatusForbidden, description)
		return
	}
	v := url.Values{"error": {errType}}
	if description != "" {
		v.Set("error_description", description)
	}
	if state != "" {
		v.Set("state", state)
	}
	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}
	http.Redirect(w, r, redirectURI+sep+v.Encode(), http.StatusSeeOther)
}

// handleLoginChallenge returns the client metadata behind a login challenge,
// consumed by the login UI.
func (s *Server) handleLoginChallenge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	challengeID := r.URL.Query().Get("challenge_id")
	if challengeID == "" {
		s.tokenErrHelper(w, errInvalidRequest, "Required param: challenge_id.", http.StatusBadRequest)
		return
	}
	challenge, err := s.storage.GetChallenge(ctx, challengeID)
	if err != nil || challenge.Kind != storage.ChallengeLogin || s.now().After(challenge.Expiry) {
		s.tokenErrHelper(w, errInvalidRequest, "Unknown or expired challenge.", http.StatusNotFound)
		return
	}
	client, err := s.storage.GetClient(ctx, challenge.Metadata["client_id"])
	if err != nil {
		s.tokenErrHelper(w, errInvalidRequest, "Unknown client.", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, loginChallengeData{
		ClientID:    client.ID,
		ClientName:  client.Name,
		LogoURL:     client.LogoURL,
		Scopes:      strings.Fields(challenge.Metadata["scope"]),
		RedirectURI: challenge.Metadata["redirect_uri"],
	})
}
