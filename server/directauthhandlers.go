package server

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/authrim/authrim/events"
	"github.com/authrim/authrim/pkg/crypto"
	"github.com/authrim/authrim/storage"
)

// The direct-auth API drives first-party login surfaces over JSON instead of
// browser redirects. Every flow is PKCE-gated: the client commits to a
// code_challenge up front and redeems the resulting one-shot code at
// /api/v1/auth/direct/token with the verifier.

const (
	emailCodeTTL         = 10 * time.Minute
	emailCodeMaxAttempts = 5
	directAuthCodeTTL    = 5 * time.Minute
	passkeyChallengeTTL  = 5 * time.Minute
)

// hashOTP HMACs a one-time code; only the hash is stored.
func (s *Server) hashOTP(code string) string {
	mac := hmac.New(sha256.New, s.otpHMACSecret)
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

func newOTPCode() string {
	max := big.NewInt(1000000)
	n, _ := rand.Int(rand.Reader, max)
	return fmt.Sprintf("%06d", n.Int64())
}

// handleDirectEmailSend issues an email one-time code. Delivery itself is the
// mailer collaborator's job; this handler owns the challenge lifecycle.
func (s *Server) handleDirectEmailSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		Email               string `json:"email"`
		CodeChallenge       string `json:"code_challenge"`
		CodeChallengeMethod string `json:"code_challenge_method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Email == "" || body.CodeChallenge == "" {
		s.tokenErrHelper(w, errInvalidRequest, "email and code_challenge are required.", http.StatusBadRequest)
		return
	}
	if body.CodeChallengeMethod != "" && body.CodeChallengeMethod != codeChallengeMethodS256 {
		s.tokenErrHelper(w, errInvalidRequest, "Unsupported code_challenge_method.", http.StatusBadRequest)
		return
	}

	if count, err := s.storage.RateLimitIncr(ctx, "email_send/"+strings.ToLower(body.Email), time.Hour); err != nil {
		s.logger.WarnContext(ctx, "email rate limit store failed, failing open", "err", err)
	} else if count > s.cfg.GetInt(ctx, "email.send_limit_per_hour", 5) {
		s.tokenErrHelper(w, errTemporarilyUnavailable, "Too many attempts.", http.StatusTooManyRequests)
		return
	}

	code := newOTPCode()
	challenge := storage.Challenge{
		ID:        storage.NewID(),
		Kind:      storage.ChallengeEmailCode,
		SubjectID: strings.ToLower(body.Email),
		Secret:    s.hashOTP(code),
		CreatedAt: s.now(),
		Expiry:    s.now().Add(emailCodeTTL),
		Metadata: map[string]string{
			"email":                 strings.ToLower(body.Email),
			"code_challenge":        body.CodeChallenge,
			"code_challenge_method": firstNonEmpty(body.CodeChallengeMethod, codeChallengeMethodS256),
			"attempts":              "0",
		},
	}
	if err := s.storage.CreateChallenge(ctx, challenge); err != nil {
		s.logger.ErrorContext(ctx, "failed to store email challenge", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	// The mailer subscribes to this event; the code never appears in a
	// response body or log line.
	s.events.Publish(context.Background(), events.Event{
		Type: "email.code.requested", TenantID: defaultTenant, Time: s.now(),
		Data: map[string]string{"email": challenge.Metadata["email"], "challenge_id": challenge.ID, "code": code},
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"challenge_id": challenge.ID,
		"expires_in":   int(emailCodeTTL.Seconds()),
	})
}

// handleDirectEmailVerify checks an email one-time code. Five failed attempts
// burn the challenge; a successful check issues a one-shot direct-auth code
// redeemable with the original PKCE verifier.
func (s *Server) handleDirectEmailVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		ChallengeID string `json:"challenge_id"`
		Code        string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ChallengeID == "" || body.Code == "" {
		s.tokenErrHelper(w, errInvalidRequest, "challenge_id and code are required.", http.StatusBadRequest)
		return
	}

	if count, err := s.storage.RateLimitIncr(ctx, "email_verify/"+body.ChallengeID, emailCodeTTL); err != nil {
		s.logger.WarnContext(ctx, "email verify rate limit store failed, failing open", "err", err)
	} else if count > emailCodeMaxAttempts {
		_ = s.storage.DeleteChallenge(ctx, body.ChallengeID)
		s.tokenErrHelper(w, errTemporarilyUnavailable, "Too many attempts.", http.StatusTooManyRequests)
		return
	}

	codeHash := s.hashOTP(body.Code)
	challenge, err := s.storage.ConsumeChallenge(ctx, body.ChallengeID, func(c storage.Challenge) error {
		if c.Kind != storage.ChallengeEmailCode {
			return errors.New("wrong challenge kind")
		}
		if attempts, _ := strconv.Atoi(c.Metadata["attempts"]); attempts >= emailCodeMaxAttempts {
			return errors.New("attempt limit reached")
		}
		if hmacEqual(c.Secret, codeHash) {
			return nil
		}
		return errCodeMismatch
	})
	if err != nil {
		if errors.Is(err, errCodeMismatch) {
			// Count the failed attempt against the surviving challenge.
			_ = s.storage.UpdateChallenge(ctx, body.ChallengeID, func(old storage.Challenge) (storage.Challenge, error) {
				attempts, _ := strconv.Atoi(old.Metadata["attempts"])
				old.Metadata["attempts"] = strconv.Itoa(attempts + 1)
				return old, nil
			})
		}
		s.tokenErrHelper(w, errInvalidGrant, "Invalid or expired code.", http.StatusBadRequest)
		return
	}

	email := challenge.Metadata["email"]
	userID := "usr_" + storage.NewID()

	sess, err := s.newSession(r, userID, storage.SessionData{
		AMR:           []string{"otp"},
		VerifiedEmail: email,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create session", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	s.setSessionCookie(w, sess)

	directCode, err := s.issueDirectAuthCode(ctx, sess, storage.Claims{
		UserID:        userID,
		Email:         email,
		EmailVerified: true,
	}, challenge.Metadata["code_challenge"], challenge.Metadata["code_challenge_method"])
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to issue direct auth code", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	s.events.Publish(context.Background(), events.Event{
		Type: events.TypeEmailCodeSucceeded, TenantID: defaultTenant, Time: s.now(),
		Data: map[string]string{"user_id": userID},
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"code":       directCode,
		"expires_in": int(directAuthCodeTTL.Seconds()),
	})
}

var errCodeMismatch = errors.New("code mismatch")

func hmacEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// issueDirectAuthCode stores a one-shot code that /api/v1/auth/direct/token
// redeems with the PKCE verifier committed at the start of the flow.
func (s *Server) issueDirectAuthCode(ctx context.Context, sess storage.Session, claims storage.Claims, codeChallenge, codeChallengeMethod string) (string, error) {
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	challenge := storage.Challenge{
		ID:        storage.NewID(),
		Kind:      storage.ChallengeDirectAuthCode,
		SubjectID: claims.UserID,
		CreatedAt: s.now(),
		Expiry:    s.now().Add(directAuthCodeTTL),
		Metadata: map[string]string{
			"session_id":            sess.ID,
			"claims":                string(claimsJSON),
			"code_challenge":        codeChallenge,
			"code_challenge_method": codeChallengeMethod,
		},
	}
	if err := s.storage.CreateChallenge(ctx, challenge); err != nil {
		return "", err
	}
	return challenge.ID, nil
}

// handleDirectPasskeyStart issues a passkey ceremony challenge. The WebAuthn
// assertion itself is verified by the passkey collaborator; this server owns
// the one-shot challenge lifecycle around it.
func (s *Server) handleDirectPasskeyStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		Mode                string `json:"mode"` // "login" or "register"
		CodeChallenge       string `json:"code_challenge"`
		CodeChallengeMethod string `json:"code_challenge_method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CodeChallenge == "" {
		s.tokenErrHelper(w, errInvalidRequest, "code_challenge is required.", http.StatusBadRequest)
		return
	}
	kind := storage.ChallengePasskeyLogin
	if body.Mode == "register" {
		kind = storage.ChallengePasskeyRegister
	}

	nonce, err := crypto.RandomToken(32)
	if err != nil {
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	challenge := storage.Challenge{
		ID:        storage.NewID(),
		Kind:      kind,
		Secret:    nonce,
		CreatedAt: s.now(),
		Expiry:    s.now().Add(passkeyChallengeTTL),
		Metadata: map[string]string{
			"code_challenge":        body.CodeChallenge,
			"code_challenge_method": firstNonEmpty(body.CodeChallengeMethod, codeChallengeMethodS256),
		},
	}
	if err := s.storage.CreateChallenge(ctx, challenge); err != nil {
		s.logger.ErrorContext(ctx, "failed to store passkey challenge", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"challenge_id": challenge.ID,
		"challenge":    nonce,
		"expires_in":   int(passkeyChallengeTTL.Seconds()),
	})
}

// PasskeyVerifier validates a WebAuthn assertion against a ceremony
// challenge and resolves the authenticated user. Implemented by the passkey
// subsystem; absent in deployments without passkeys.
type PasskeyVerifier interface {
	VerifyAssertion(ctx context.Context, challengeNonce string, assertion json.RawMessage) (storage.Claims, error)
}

// SetPasskeyVerifier wires the passkey collaborator.
func (s *Server) SetPasskeyVerifier(v PasskeyVerifier) { s.passkeys = v }

// handleDirectPasskeyFinish consumes a passkey ceremony challenge and, when
// the collaborator accepts the assertion, issues a direct-auth code.
func (s *Server) handleDirectPasskeyFinish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.passkeys == nil {
		s.tokenErrHelper(w, errInvalidRequest, "Passkey auth is not enabled.", http.StatusNotImplemented)
		return
	}

	var body struct {
		ChallengeID string          `json:"challenge_id"`
		Assertion   json.RawMessage `json:"assertion"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ChallengeID == "" || len(body.Assertion) == 0 {
		s.tokenErrHelper(w, errInvalidRequest, "challenge_id and assertion are required.", http.StatusBadRequest)
		return
	}

	challenge, err := s.storage.ConsumeChallenge(ctx, body.ChallengeID, func(c storage.Challenge) error {
		if c.Kind != storage.ChallengePasskeyLogin && c.Kind != storage.ChallengePasskeyRegister {
			return errors.New("wrong challenge kind")
		}
		return nil
	})
	if err != nil {
		s.tokenErrHelper(w, errInvalidGrant, "Invalid or expired challenge.", http.StatusBadRequest)
		return
	}

	claims, err := s.passkeys.VerifyAssertion(ctx, challenge.Secret, body.Assertion)
	if err != nil {
		s.events.Publish(context.Background(), events.Event{
			Type: events.TypePasskeyFailed, TenantID: defaultTenant, Time: s.now(),
			Data: map[string]string{},
		})
		s.tokenErrHelper(w, errAccessDenied, "Passkey verification failed.", http.StatusUnauthorized)
		return
	}

	sess, err := s.newSession(r, claims.UserID, storage.SessionData{
		AMR:           []string{"webauthn"},
		VerifiedEmail: claims.Email,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create session", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	s.setSessionCookie(w, sess)

	directCode, err := s.issueDirectAuthCode(ctx, sess, claims,
		challenge.Metadata["code_challenge"], challenge.Metadata["code_challenge_method"])
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to issue direct auth code", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	s.events.Publish(context.Background(), events.Event{
		Type: events.TypePasskeySucceeded, TenantID: defaultTenant, Time: s.now(),
		Data: map[string]string{"user_id": claims.UserID},
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"code":       directCode,
		"expires_in": int(directAuthCodeTTL.Seconds()),
	})
}

// handleDirectToken redeems a direct-auth code for tokens. The PKCE verifier
// must match the challenge committed when the flow started.
func (s *Server) handleDirectToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		Code         string `json:"code"`
		CodeVerifier string `json:"code_verifier"`
		ClientID     string `json:"client_id"`
		Scope        string `json:"scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Code == "" || body.CodeVerifier == "" || body.ClientID == "" {
		s.tokenErrHelper(w, errInvalidRequest, "code, code_verifier and client_id are required.", http.StatusBadRequest)
		return
	}

	client, err := s.storage.GetClient(ctx, body.ClientID)
	if err != nil {
		s.tokenErrHelper(w, errInvalidClient, "Invalid client credentials.", http.StatusUnauthorized)
		return
	}

	challenge, err := s.storage.ConsumeChallenge(ctx, body.Code, func(c storage.Challenge) error {
		if c.Kind != storage.ChallengeDirectAuthCode {
			return errors.New("wrong challenge kind")
		}
		return storage.VerifyPKCE(body.CodeVerifier, c.Metadata["code_challenge"], c.Metadata["code_challenge_method"])
	})
	if err != nil {
		s.tokenErrHelper(w, errInvalidGrant, "Invalid or expired code.", http.StatusBadRequest)
		return
	}

	var claims storage.Claims
	if err := json.Unmarshal([]byte(challenge.Metadata["claims"]), &claims); err != nil {
		s.logger.ErrorContext(ctx, "corrupt direct auth code claims", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	sessionID := challenge.Metadata["session_id"]
	scopes := strings.Fields(body.Scope)
	if len(scopes) == 0 {
		scopes = []string{scopeOpenID, scopeProfile, scopeEmail}
	}
	scopes = intersectScopes(scopes, client.AllowedScopes)

	profile, err := s.tenantProfile(ctx)
	if err != nil {
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	ttl := s.tokenTTL(ctx, profile)

	access, err := s.newAccessToken(ctx, accessTokenConfig{
		subject:  claims.UserID,
		clientID: client.ID,
		scopes:   scopes,
		validFor: ttl,
		claims:   claims,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to mint access token", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	idToken, err := s.newIDToken(ctx, client, idTokenConfig{
		clientID:    client.ID,
		claims:      claims,
		scopes:      scopes,
		accessToken: access.token,
		sessionID:   sessionID,
		authTime:    s.now(),
		validFor:    s.idTokensValidFor,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to mint id token", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	refreshToken, _, err := s.createRefreshFamily(ctx, claims.UserID, client.ID, scopes)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create refresh family", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	if sessionID != "" {
		if err := s.registerSessionClient(ctx, sessionID, client); err != nil {
			s.logger.ErrorContext(ctx, "failed to register session client", "err", err)
		}
	}

	s.publishTokenEvents(client.ID, claims.UserID,
		events.TypeAccessIssued, events.TypeRefreshIssued, events.TypeIDIssued)

	s.writeAccessToken(w, &accessTokenResponse{
		AccessToken:  access.token,
		TokenType:    "Bearer",
		ExpiresIn:    int(ttl.Seconds()),
		RefreshToken: refreshToken,
		IDToken:      idToken.token,
		Scope:        joinScopes(scopes),
	})
}

// handleDirectLogout tears down the cookie session.
func (s *Server) handleDirectLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if sess, ok := s.sessionFromCookie(r); ok {
		destroyed, err := s.storage.InvalidateSession(ctx, sess.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to invalidate session", "err", err)
		} else if destroyed {
			if _, err := s.storage.RevokeDeviceSecretsBySession(ctx, sess.ID); err != nil {
				s.logger.ErrorContext(ctx, "failed to revoke device secrets", "err", err)
			}
			s.events.Publish(context.Background(), events.Event{
				Type: events.TypeSessionDestroyed, TenantID: defaultTenant, Time: s.now(),
				Data: map[string]string{"session_id": sess.ID, "user_id": sess.UserID},
			})
			s.events.Publish(context.Background(), events.Event{
				Type: events.TypeUserLogout, TenantID: defaultTenant, Time: s.now(),
				Data: map[string]string{"user_id": sess.UserID},
			})
		}
	}
	s.clearSessionCookies(w)
	writeJSON(w, http.StatusOK, map[string]interface{}{"logged_out": true})
}
