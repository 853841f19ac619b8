package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/authrim/authrim/events"
	"github.com/authrim/authrim/pkg/crypto"
	"github.com/authrim/authrim/storage"
)

const (
	anonChallengeTTL = 5 * time.Minute
	upgradeNonceTTL  = 10 * time.Minute
)

// hashDeviceID HMACs a raw device identifier so the stored value cannot be
// reversed into a trackable id.
func (s *Server) hashDeviceID(deviceID string) string {
	mac := hmac.New(sha256.New, s.deviceIDHMACSecret)
	mac.Write([]byte(deviceID))
	return hex.EncodeToString(mac.Sum(nil))
}

// handleAnonChallenge issues a device-binding nonce for anonymous login.
func (s *Server) handleAnonChallenge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		DeviceID  string `json:"device_id"`
		Stability string `json:"device_stability,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DeviceID == "" {
		s.tokenErrHelper(w, errInvalidRequest, "Required param: device_id.", http.StatusBadRequest)
		return
	}

	// Anonymous login is an unauthenticated surface; rate limit by IP and
	// fail open on store errors.
	if count, err := s.storage.RateLimitIncr(ctx, "anon_login/"+clientIP(r), time.Minute); err != nil {
		s.logger.WarnContext(ctx, "anon rate limit store failed, failing open", "err", err)
	} else if count > s.cfg.GetInt(ctx, "anon.rate_limit_per_minute", 30) {
		s.tokenErrHelper(w, errTemporarilyUnavailable, "Too many attempts.", http.StatusTooManyRequests)
		return
	}

	nonce, err := crypto.RandomToken(32)
	if err != nil {
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	challenge := storage.Challenge{
		ID:        storage.NewID(),
		Kind:      storage.ChallengeAnonLogin,
		Secret:    nonce,
		CreatedAt: s.now(),
		Expiry:    s.now().Add(anonChallengeTTL),
		Metadata: map[string]string{
			"device_id_hash": s.hashDeviceID(body.DeviceID),
			"stability":      firstNonEmpty(body.Stability, string(storage.StabilityInstallation)),
		},
	}
	if err := s.storage.CreateChallenge(ctx, challenge); err != nil {
		s.logger.ErrorContext(ctx, "failed to store anon challenge", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"challenge_id": challenge.ID,
		"nonce":        nonce,
		"expires_in":   int(anonChallengeTTL.Seconds()),
	})
}

// handleAnonVerify consumes the device-binding challenge and establishes an
// anonymous session bound to the device hash.
func (s *Server) handleAnonVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		ChallengeID string `json:"challenge_id"`
		DeviceID    string `json:"device_id"`
		Nonce       string `json:"nonce"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ChallengeID == "" || body.DeviceID == "" {
		s.tokenErrHelper(w, errInvalidRequest, "Missing required fields.", http.StatusBadRequest)
		return
	}

	deviceIDHash := s.hashDeviceID(body.DeviceID)
	challenge, err := s.storage.ConsumeChallenge(ctx, body.ChallengeID, func(c storage.Challenge) error {
		if c.Kind != storage.ChallengeAnonLogin {
			return errors.New("wrong challenge kind")
		}
		if subtle.ConstantTimeCompare([]byte(c.Secret), []byte(body.Nonce)) != 1 {
			return errors.New("nonce mismatch")
		}
		if c.Metadata["device_id_hash"] != deviceIDHash {
			return errors.New("device mismatch")
		}
		return nil
	})
	if err != nil {
		s.events.Publish(context.Background(), events.Event{
			Type: events.TypeLoginFailed, TenantID: defaultTenant, Time: s.now(),
			Data: map[string]string{"method": "anonymous"},
		})
		s.tokenErrHelper(w, errInvalidGrant, "Invalid or expired challenge.", http.StatusBadRequest)
		return
	}

	// One active anonymous device per (tenant, device hash): reuse its user
	// when present, otherwise mint one.
	var userID string
	device, err := s.storage.GetAnonymousDevice(ctx, defaultTenant, deviceIDHash)
	switch {
	case err == nil && device.Active:
		userID = device.UserID
	case err == nil || err == storage.ErrNotFound:
		userID = "anon_" + storage.NewID()
		create := storage.AnonymousDevice{
			ID:           storage.NewID(),
			TenantID:     defaultTenant,
			UserID:       userID,
			DeviceIDHash: deviceIDHash,
			Stability:    storage.DeviceStability(challenge.Metadata["stability"]),
			Active:       true,
		}
		if err := s.storage.CreateAnonymousDevice(ctx, create); err != nil {
			if err == storage.ErrAlreadyExists {
				// Lost the race; the winner's record is authoritative.
				if device, err = s.storage.GetAnonymousDevice(ctx, defaultTenant, deviceIDHash); err == nil {
					userID = device.UserID
				}
			} else {
				s.logger.ErrorContext(ctx, "failed to create anonymous device", "err", err)
				s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
				return
			}
		}
	default:
		s.logger.ErrorContext(ctx, "failed to look up anonymous device", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	sess, err := s.newSession(r, userID, storage.SessionData{
		AMR:             []string{"anon"},
		Anonymous:       true,
		UpgradeEligible: true,
		DeviceIDHash:    deviceIDHash,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create session", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	s.setSessionCookie(w, sess)

	s.events.Publish(context.Background(), events.Event{
		Type: events.TypeLoginSucceeded, TenantID: defaultTenant, Time: s.now(),
		Data: map[string]string{"method": "anonymous", "user_id": userID},
	})
	s.events.Publish(context.Background(), events.Event{
		Type: events.TypeSessionCreated, TenantID: defaultTenant, Time: s.now(),
		Data: map[string]string{"session_id": sess.ID, "user_id": userID},
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":    userID,
		"session_id": sess.ID,
		"anonymous":  true,
		"expires_at": sess.Expiry.Unix(),
	})
}

// handleUpgradeStart begins anonymous-to-full account upgrade by issuing an
// upgrade nonce bound to the current session.
func (s *Server) handleUpgradeStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, ok := s.sessionFromCookie(r)
	if !ok {
		s.tokenErrHelper(w, errInvalidGrant, "No active session.", http.StatusUnauthorized)
		return
	}
	if !sess.Data.Anonymous || !sess.Data.UpgradeEligible {
		s.tokenErrHelper(w, errInvalidRequest, "Session is not upgrade eligible.", http.StatusBadRequest)
		return
	}

	nonce, err := crypto.RandomToken(32)
	if err != nil {
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	challenge := storage.Challenge{
		ID:        storage.NewID(),
		Kind:      storage.ChallengeUpgrade,
		SubjectID: sess.UserID,
		Secret:    nonce,
		CreatedAt: s.now(),
		Expiry:    s.now().Add(upgradeNonceTTL),
		Metadata:  map[string]string{"session_id": sess.ID},
	}
	if err := s.storage.CreateChallenge(ctx, challenge); err != nil {
		s.logger.ErrorContext(ctx, "failed to store upgrade challenge", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	if err := s.storage.UpdateSession(ctx, sess.ID, func(old storage.Session) (storage.Session, error) {
		old.Data.UpgradeNonce = challenge.ID
		return old, nil
	}); err != nil {
		s.logger.ErrorContext(ctx, "failed to record upgrade nonce", "err", err)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"challenge_id": challenge.ID,
		"nonce":        nonce,
		"expires_in":   int(upgradeNonceTTL.Seconds()),
	})
}

// handleUpgradeComplete finishes the upgrade: the caller proves the upgrade
// nonce and a verified email; the session flips to a full account. When
// preserve_sub is false the session is re-assigned to the new user id.
func (s *Server) handleUpgradeComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		ChallengeID   string `json:"challenge_id"`
		Nonce         string `json:"nonce"`
		VerifiedEmail string `json:"verified_email"`
		PreserveSub   *bool  `json:"preserve_sub,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ChallengeID == "" || body.VerifiedEmail == "" {
		s.tokenErrHelper(w, errInvalidRequest, "Missing required fields.", http.StatusBadRequest)
		return
	}

	sess, ok := s.sessionFromCookie(r)
	if !ok {
		s.tokenErrHelper(w, errInvalidGrant, "No active session.", http.StatusUnauthorized)
		return
	}

	_, err := s.storage.ConsumeChallenge(ctx, body.ChallengeID, func(c storage.Challenge) error {
		if c.Kind != storage.ChallengeUpgrade {
			return errors.New("wrong challenge kind")
		}
		if subtle.ConstantTimeCompare([]byte(c.Secret), []byte(body.Nonce)) != 1 {
			return errors.New("nonce mismatch")
		}
		if c.Metadata["session_id"] != sess.ID {
			return errors.New("session mismatch")
		}
		return nil
	})
	if err != nil {
		s.tokenErrHelper(w, errInvalidGrant, "Invalid or expired challenge.", http.StatusBadRequest)
		return
	}

	preserveSub := body.PreserveSub == nil || *body.PreserveSub
	newUserID := sess.UserID
	if !preserveSub {
		newUserID = "usr_" + storage.NewID()
	}

	if err := s.storage.UpdateSession(ctx, sess.ID, func(old storage.Session) (storage.Session, error) {
		old.UserID = newUserID
		old.Data.Anonymous = false
		old.Data.UpgradeEligible = false
		old.Data.UpgradeNonce = ""
		old.Data.VerifiedEmail = body.VerifiedEmail
		old.Data.AMR = append(old.Data.AMR, "email")
		return old, nil
	}); err != nil {
		s.logger.ErrorContext(ctx, "failed to upgrade session", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	// Retire the anonymous device binding so a fresh anonymous login mints a
	// new identity.
	if sess.Data.DeviceIDHash != "" {
		if err := s.storage.UpdateAnonymousDevice(ctx, defaultTenant, sess.Data.DeviceIDHash, func(old storage.AnonymousDevice) (storage.AnonymousDevice, error) {
			old.Active = false
			return old, nil
		}); err != nil && err != storage.ErrNotFound {
			s.logger.ErrorContext(ctx, "failed to retire anonymous device", "err", err)
		}
	}

	s.events.Publish(context.Background(), events.Event{
		Type: events.TypeUserUpgraded, TenantID: defaultTenant, Time: s.now(),
		Data: map[string]string{"user_id": newUserID, "previous_user_id": sess.UserID},
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      newUserID,
		"preserve_sub": preserveSub,
	})
}

func (s *Server) handleUpgradeStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromCookie(r)
	if !ok {
		s.tokenErrHelper(w, errInvalidGrant, "No active session.", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"anonymous":        sess.Data.Anonymous,
		"upgrade_eligible": sess.Data.UpgradeEligible,
		"upgrade_pending":  sess.Data.UpgradeNonce != "",
	})
}
