package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/authrim/authrim/pkg/crypto"
	"github.com/authrim/authrim/storage"
)

const sessionExchangeTokenTTL = 2 * time.Minute

// handleSessionToken issues a one-shot session exchange token. Browsers with
// partitioned cookie storage (ITP) use it to carry a session across frames.
func (s *Server) handleSessionToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, ok := s.sessionFromCookie(r)
	if !ok {
		s.tokenErrHelper(w, errInvalidGrant, "No active session.", http.StatusUnauthorized)
		return
	}

	raw, err := crypto.RandomToken(32)
	if err != nil {
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	id := storage.NewID()
	token := id + "." + raw
	sum := sha256.Sum256([]byte(token))

	err = s.storage.CreateChallenge(ctx, storage.Challenge{
		ID:        id,
		Kind:      storage.ChallengeSessionToken,
		SubjectID: sess.UserID,
		Secret:    hex.EncodeToString(sum[:]),
		CreatedAt: s.now(),
		Expiry:    s.now().Add(sessionExchangeTokenTTL),
		Metadata:  map[string]string{"session_id": sess.ID},
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to store session token", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_token": token,
		"expires_in":    int(sessionExchangeTokenTTL.Seconds()),
	})
}

// handleSessionVerify consumes a session exchange token and re-establishes
// the session cookie.
func (s *Server) handleSessionVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		SessionToken string `json:"session_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SessionToken == "" {
		s.tokenErrHelper(w, errInvalidRequest, "Required param: session_token.", http.StatusBadRequest)
		return
	}
	id, _, ok := splitToken(body.SessionToken)
	if !ok {
		s.tokenErrHelper(w, errInvalidGrant, "Invalid session token.", http.StatusBadRequest)
		return
	}
	sum := sha256.Sum256([]byte(body.SessionToken))
	hash := hex.EncodeToString(sum[:])

	challenge, err := s.storage.ConsumeChallenge(ctx, id, func(c storage.Challenge) error {
		if c.Kind != storage.ChallengeSessionToken {
			return errors.New("wrong challenge kind")
		}
		if c.Secret != hash {
			return errors.New("token mismatch")
		}
		return nil
	})
	if err != nil {
		s.tokenErrHelper(w, errInvalidGrant, "Invalid session token.", http.StatusBadRequest)
		return
	}

	sessionID := challenge.Metadata["session_id"]
	sess, err := s.storage.GetSession(ctx, sessionID)
	if err != nil {
		s.tokenErrHelper(w, errInvalidGrant, "Session no longer exists.", http.StatusBadRequest)
		return
	}

	s.setSessionCookie(w, sess)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":     true,
		"user_id":    sess.UserID,
		"expires_at": sess.Expiry.Unix(),
	})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromCookie(r)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":      true,
		"user_id":     sess.UserID,
		"expires_at":  sess.Expiry.Unix(),
		"anonymous":   sess.Data.Anonymous,
		"upgradeable": sess.Data.UpgradeEligible,
	})
}

// handleSessionRefresh extends the session's lifetime, capped and idempotent
// under clock skew: the stored expiry only ever moves forward.
func (s *Server) handleSessionRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := s.sessionFromCookie(r)
	if !ok {
		s.tokenErrHelper(w, errInvalidGrant, "No active session.", http.StatusUnauthorized)
		return
	}

	proposed := s.now().Add(s.sessionsValidFor)
	if limit := sess.CreatedAt.Add(s.sessionExtendCap); proposed.After(limit) {
		proposed = limit
	}
	err := s.storage.UpdateSession(ctx, sess.ID, func(old storage.Session) (storage.Session, error) {
		if proposed.After(old.Expiry) {
			old.Expiry = proposed
		}
		return old, nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to extend session", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":     true,
		"expires_at": proposed.Unix(),
	})
}

var checkSessionTmpl = template.Must(template.New("check-session").Parse(`<!DOCTYPE html>
<html>
<head><title>Check Session</title></head>
<body>
<script>
window.addEventListener("message", function (e) {
  var parts = e.data.split(" ");
  var clientId = parts[0];
  var sessionState = parts[1];
  var state = "unchanged";
  var match = document.cookie.match(/(?:^|; ){{.CookieName}}=([^;]*)/);
  var browserState = match ? match[1] : "";
  var input = clientId + " " + e.origin + " " + browserState;
  crypto.subtle.digest("SHA-256", new TextEncoder().encode(input)).then(function (digest) {
    var hash = btoa(String.fromCharCode.apply(null, new Uint8Array(digest)));
    if (sessionState.split(".")[0] !== hash) {
      state = "changed";
    }
    e.source.postMessage(state, e.origin);
  });
}, false);
</script>
</body>
</html>`))

// handleCheckSession serves the OIDC Session Management check-session iframe.
func (s *Server) handleCheckSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := checkSessionTmpl.Execute(w, struct{ CookieName string }{browserStateCookieName}); err != nil {
		s.logger.ErrorContext(r.Context(), "failed to render check-session iframe", "err", err)
	}
}

// sessionFromCookie resolves the browser session, rejecting legacy
// non-sharded identifiers.
func (s *Server) sessionFromCookie(r *http.Request) (storage.Session, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return storage.Session{}, false
	}
	if _, ok := storage.ParseSessionID(cookie.Value); !ok {
		return storage.Session{}, false
	}
	sess, err := s.storage.GetSession(r.Context(), cookie.Value)
	if err != nil {
		return storage.Session{}, false
	}
	if s.now().After(sess.Expiry) {
		return storage.Session{}, false
	}
	return sess, true
}

func (s *Server) setSessionCookie(w http.ResponseWriter, sess storage.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Expires:  sess.Expiry,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: s.cookieSameSite,
	})
	if sess.Data.BrowserState != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     browserStateCookieName,
			Value:    sess.Data.BrowserState,
			Path:     "/",
			Expires:  sess.Expiry,
			Secure:   s.cookieSecure,
			SameSite: s.cookieSameSite,
		})
	}
}

// newSession creates a sharded session and returns it.
func (s *Server) newSession(r *http.Request, userID string, data storage.SessionData) (storage.Session, error) {
	browserState, err := crypto.RandomToken(16)
	if err != nil {
		return storage.Session{}, err
	}
	data.BrowserState = browserState
	sess := storage.Session{
		ID:        storage.NewSessionID(s.sessionShards),
		UserID:    userID,
		CreatedAt: s.now(),
		Expiry:    s.now().Add(s.sessionsValidFor),
		Data:      data,
	}
	if err := s.storage.CreateSession(r.Context(), sess); err != nil {
		return storage.Session{}, err
	}
	return sess, nil
}

func splitToken(token string) (id, rest string, ok bool) {
	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			if i == 0 || i == len(token)-1 {
				return "", "", false
			}
			return token[:i], token[i+1:], true
		}
	}
	return "", "", false
}
