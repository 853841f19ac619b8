package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"time"

	"github.com/authrim/authrim/events"
	"github.com/authrim/authrim/pkg/webhook"
	"github.com/authrim/authrim/storage"
)

const (
	sessionCookieName      = "authrim_session"
	adminSessionCookieName = "authrim_admin_session"
	browserStateCookieName = "BROWSER_STATE"
)

var frontchannelLogoutTmpl = template.Must(template.New("logout").Parse(`<!DOCTYPE html>
<html>
<head>
<title>Signing out</title>
<meta http-equiv="refresh" content="3;url={{.RedirectURI}}">
</head>
<body>
<p>Signing out…</p>
{{range .IframeURLs}}<iframe src="{{.}}" style="display:none"></iframe>
{{end}}
</body>
</html>`))

// handleFrontchannelLogout implements RP-initiated logout. The user is always
// logged out; validation failures only affect where the browser is sent
// afterwards.
func (s *Server) handleFrontchannelLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	idTokenHint := q.Get("id_token_hint")
	postLogoutRedirect := q.Get("post_logout_redirect_uri")
	state := q.Get("state")

	var (
		hintVerified bool
		hintClaims   idTokenClaims
	)
	if idTokenHint != "" {
		// Expired hints are accepted for logout; the signature still has to
		// check out before the hint may destroy a server-side session.
		if payload, err := s.verifySignature(ctx, idTokenHint); err == nil {
			if err := json.Unmarshal(payload, &hintClaims); err == nil {
				hintVerified = true
			}
		} else {
			s.logger.WarnContext(ctx, "logout id_token_hint did not verify", "err", err)
		}
	}

	// Sessions to destroy: the browser-cookie session unconditionally, the
	// hinted sid only when the hint signature verified (prevents logout DoS
	// with forged hints).
	sessionIDs := make(map[string]bool)
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		if _, ok := storage.ParseSessionID(cookie.Value); ok {
			sessionIDs[cookie.Value] = true
		}
	}
	if hintVerified && hintClaims.SessionID != "" {
		if _, ok := storage.ParseSessionID(hintClaims.SessionID); ok {
			sessionIDs[hintClaims.SessionID] = true
		} else {
			s.logger.WarnContext(ctx, "ignoring non-routable sid in id_token_hint")
		}
	}

	// Collect notification targets before the delete cascades take the rows
	// with them.
	var (
		backchannel  []storage.SessionClient
		frontchannel []storage.SessionClient
		webhooks     []storage.SessionClient
	)
	for sid := range sessionIDs {
		rows, err := s.storage.ListSessionClients(ctx, sid)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to list session clients", "err", err)
			continue
		}
		for _, row := range rows {
			if row.BackchannelLogoutURI != "" {
				backchannel = append(backchannel, row)
			}
			if row.FrontchannelLogoutURI != "" {
				frontchannel = append(frontchannel, row)
			}
			if row.WebhookURL != "" {
				webhooks = append(webhooks, row)
			}
		}
	}

	destroyedAny := false
	var destroyedUser string
	for sid := range sessionIDs {
		sess, err := s.storage.GetSession(ctx, sid)
		if err == nil {
			destroyedUser = sess.UserID
		}
		destroyed, err := s.storage.InvalidateSession(ctx, sid)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to invalidate session", "err", err)
			continue
		}
		if destroyed {
			destroyedAny = true
			if n, err := s.storage.RevokeDeviceSecretsBySession(ctx, sid); err != nil {
				s.logger.ErrorContext(ctx, "failed to revoke device secrets", "err", err)
			} else if n > 0 {
				s.logger.InfoContext(ctx, "revoked device secrets on logout", "count", n)
			}
			// Exactly one concurrent logout observes destroyed=true, so the
			// events fire once per session.
			s.events.Publish(context.Background(), events.Event{
				Type: events.TypeSessionDestroyed, TenantID: defaultTenant, Time: s.now(),
				Data: map[string]string{"session_id": sid, "user_id": destroyedUser},
			})
		}
	}
	if destroyedAny || hintVerified {
		s.events.Publish(context.Background(), events.Event{
			Type: events.TypeUserLogout, TenantID: defaultTenant, Time: s.now(),
			Data: map[string]string{"user_id": firstNonEmpty(destroyedUser, hintClaims.Subject)},
		})
	}

	// Fan out notifications past the response via the wait-until pool.
	if len(backchannel) > 0 || len(webhooks) > 0 {
		sub := firstNonEmpty(destroyedUser, hintClaims.Subject)
		s.bg.submit("logout-fanout", time.Minute, func(bgCtx context.Context) {
			s.fanOutLogout(bgCtx, sub, backchannel, webhooks)
		})
	}

	s.clearSessionCookies(w)

	redirectURI := s.logout.DefaultRedirectURI
	if postLogoutRedirect != "" {
		valid := false
		if hintVerified {
			if client, err := s.storage.GetClient(ctx, hintClaims.Audience.head()); err == nil {
				valid = containsString(client.PostLogoutRedirectURIs, postLogoutRedirect)
			}
		}
		if valid {
			redirectURI = postLogoutRedirect
			if state != "" {
				redirectURI = appendQuery(redirectURI, "state", state)
			}
		} else {
			redirectURI = appendQuery(redirectURI, "error", "invalid_post_logout_redirect_uri")
		}
	}
	if redirectURI == "" {
		redirectURI = s.issuerURL.String()
	}

	if len(frontchannel) > 0 {
		iframeURLs := make([]string, 0, len(frontchannel))
		for _, row := range frontchannel {
			u := appendQuery(row.FrontchannelLogoutURI, "iss", s.issuerURL.String())
			if row.FrontchannelLogoutSessionRequired {
				u = appendQuery(u, "sid", row.SessionID)
			}
			iframeURLs = append(iframeURLs, u)
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := frontchannelLogoutTmpl.Execute(w, struct {
			RedirectURI string
			IframeURLs  []string
		}{redirectURI, iframeURLs}); err != nil {
			s.logger.ErrorContext(ctx, "failed to render logout page", "err", err)
		}
		return
	}

	http.Redirect(w, r, redirectURI, http.StatusSeeOther)
}

func (a audience) head() string {
	if len(a) == 0 {
		return ""
	}
	return a[0]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func appendQuery(rawURL, key, value string) string {
	v := url.Values{}
	v.Set(key, value)
	sep := "?"
	if u, err := url.Parse(rawURL); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	return rawURL + sep + v.Encode()
}

// clearSessionCookies expires all auth cookies with the configured SameSite so
// the clears actually apply.
func (s *Server) clearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{sessionCookieName, adminSessionCookieName, browserStateCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: name != browserStateCookieName,
			Secure:   s.cookieSecure,
			SameSite: s.cookieSameSite,
		})
	}
}

// fanOutLogout signs one logout token per back-channel client and POSTs it,
// then delivers webhook notifications. Failures are logged, never surfaced.
func (s *Server) fanOutLogout(ctx context.Context, userID string, backchannel, webhooks []storage.SessionClient) {
	for _, row := range backchannel {
		token, err := s.signLogoutToken(ctx, userID, row)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to sign logout token", "client_id", row.ClientID, "err", err)
			continue
		}
		if err := s.postLogoutToken(ctx, row.BackchannelLogoutURI, token); err != nil {
			s.logger.ErrorContext(ctx, "backchannel logout delivery failed", "client_id", row.ClientID, "err", err)
		}
	}
	if s.webhookSender == nil {
		if len(webhooks) > 0 {
			s.logger.Warn("webhook targets present but no webhook secret key configured")
		}
		return
	}
	for _, row := range webhooks {
		err := s.webhookSender.Send(ctx, row.WebhookURL, row.EncryptedWebhookSecret, webhook.Payload{
			Event:     events.TypeUserLogout,
			IssuedAt:  s.now().Unix(),
			SessionID: row.SessionID,
			UserID:    userID,
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "webhook logout delivery failed", "client_id", row.ClientID, "err", err)
		}
	}
}

// signLogoutToken builds the OpenID Back-Channel Logout 1.0 token: events
// claim present, nonce absent.
func (s *Server) signLogoutToken(ctx context.Context, userID string, row storage.SessionClient) (string, error) {
	signingKey, alg, err := s.activeSigningKey(ctx)
	if err != nil {
		return "", err
	}
	claims := logoutTokenClaims{
		Issuer:   s.issuerURL.String(),
		Subject:  userID,
		Audience: audience{row.ClientID},
		IssuedAt: s.now().Unix(),
		Expiry:   s.now().Add(s.logout.LogoutTokenTTL).Unix(),
		JTI:      storage.NewID(),
		Events:   map[string]struct{}{backchannelLogoutEvent: {}},
	}
	if row.BackchannelLogoutSessionRequired {
		claims.SessionID = row.SessionID
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	return signPayload(signingKey, alg, payload)
}

func (s *Server) postLogoutToken(ctx context.Context, uri, token string) error {
	form := url.Values{"logout_token": {token}}
	var lastErr error
	for attempt := 0; attempt <= s.logout.BackchannelRetries; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, s.logout.BackchannelTimeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, uri, bytes.NewBufferString(form.Encode()))
		if err != nil {
			cancel()
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				return nil
			}
			lastErr = fmt.Errorf("logout endpoint returned %d", resp.StatusCode)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
		}
	}
	return lastErr
}
