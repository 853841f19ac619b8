package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/authrim/authrim/pkg/crypto"
	"github.com/authrim/authrim/storage"
)

const (
	didProviderID   = "did"
	didChallengeTTL = 5 * time.Minute
)

// handleDIDRegisterChallenge issues a nonce the caller must sign with the
// DID's verification key to prove control.
func (s *Server) handleDIDRegisterChallenge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, ok := s.sessionFromCookie(r)
	if !ok {
		s.tokenErrHelper(w, errInvalidGrant, "No active session.", http.StatusUnauthorized)
		return
	}

	var body struct {
		DID string `json:"did"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DID == "" {
		s.tokenErrHelper(w, errInvalidRequest, "Required param: did.", http.StatusBadRequest)
		return
	}

	nonce, err := crypto.RandomToken(32)
	if err != nil {
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	challenge := storage.Challenge{
		ID:        storage.NewID(),
		Kind:      storage.ChallengeDIDRegistration,
		SubjectID: sess.UserID,
		Secret:    nonce,
		CreatedAt: s.now(),
		Expiry:    s.now().Add(didChallengeTTL),
		Metadata:  map[string]string{"did": body.DID},
	}
	if err := s.storage.CreateChallenge(ctx, challenge); err != nil {
		s.logger.ErrorContext(ctx, "failed to store did challenge", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"challenge_id": challenge.ID,
		"nonce":        nonce,
		"expires_in":   int(didChallengeTTL.Seconds()),
	})
}

// DIDProofVerifier checks a signed nonce against a DID's published
// verification method. Implemented by the DID resolver collaborator.
type DIDProofVerifier interface {
	VerifyProof(ctx context.Context, did, nonce string, proof json.RawMessage) error
}

// SetDIDProofVerifier wires the DID resolver collaborator.
func (s *Server) SetDIDProofVerifier(v DIDProofVerifier) { s.didProofs = v }

// handleDIDRegisterVerify consumes the registration challenge and links the
// DID to the session's user.
func (s *Server) handleDIDRegisterVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, ok := s.sessionFromCookie(r)
	if !ok {
		s.tokenErrHelper(w, errInvalidGrant, "No active session.", http.StatusUnauthorized)
		return
	}

	var body struct {
		ChallengeID string          `json:"challenge_id"`
		Nonce       string          `json:"nonce"`
		Proof       json.RawMessage `json:"proof"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ChallengeID == "" {
		s.tokenErrHelper(w, errInvalidRequest, "Required param: challenge_id.", http.StatusBadRequest)
		return
	}

	challenge, err := s.storage.ConsumeChallenge(ctx, body.ChallengeID, func(c storage.Challenge) error {
		if c.Kind != storage.ChallengeDIDRegistration {
			return errors.New("wrong challenge kind")
		}
		if c.SubjectID != sess.UserID {
			return errors.New("subject mismatch")
		}
		if subtle.ConstantTimeCompare([]byte(c.Secret), []byte(body.Nonce)) != 1 {
			return errors.New("nonce mismatch")
		}
		return nil
	})
	if err != nil {
		s.tokenErrHelper(w, errInvalidGrant, "Invalid or expired challenge.", http.StatusBadRequest)
		return
	}

	did := challenge.Metadata["did"]
	if s.didProofs != nil {
		if err := s.didProofs.VerifyProof(ctx, did, challenge.Secret, body.Proof); err != nil {
			s.tokenErrHelper(w, errAccessDenied, "DID proof verification failed.", http.StatusUnauthorized)
			return
		}
	}

	err = s.storage.CreateLinkedIdentity(ctx, storage.LinkedIdentity{
		UserID:         sess.UserID,
		ProviderID:     didProviderID,
		ProviderUserID: did,
		LinkedAt:       s.now(),
	})
	if err != nil {
		if err == storage.ErrAlreadyExists {
			s.tokenErrHelper(w, errInvalidRequest, "DID is already linked.", http.StatusConflict)
			return
		}
		s.logger.ErrorContext(ctx, "failed to link did", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"did": did, "linked": true})
}

func (s *Server) handleDIDList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := s.sessionFromCookie(r)
	if !ok {
		s.tokenErrHelper(w, errInvalidGrant, "No active session.", http.StatusUnauthorized)
		return
	}
	identities, err := s.storage.ListLinkedIdentities(ctx, sess.UserID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list linked identities", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	dids := []map[string]interface{}{}
	for _, li := range identities {
		if li.ProviderID != didProviderID {
			continue
		}
		dids = append(dids, map[string]interface{}{
			"did":       li.ProviderUserID,
			"linked_at": li.LinkedAt.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"dids": dids})
}

func (s *Server) handleDIDUnlink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := s.sessionFromCookie(r)
	if !ok {
		s.tokenErrHelper(w, errInvalidGrant, "No active session.", http.StatusUnauthorized)
		return
	}
	did := mux.Vars(r)["did"]
	if did == "" {
		s.tokenErrHelper(w, errInvalidRequest, "Required param: did.", http.StatusBadRequest)
		return
	}

	// Only the owner may unlink.
	identities, err := s.storage.ListLinkedIdentities(ctx, sess.UserID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list linked identities", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	owned := false
	for _, li := range identities {
		if li.ProviderID == didProviderID && li.ProviderUserID == did {
			owned = true
			break
		}
	}
	if !owned {
		s.tokenErrHelper(w, errInvalidRequest, "DID is not linked to this account.", http.StatusNotFound)
		return
	}

	if err := s.storage.DeleteLinkedIdentity(ctx, didProviderID, did); err != nil && err != storage.ErrNotFound {
		s.logger.ErrorContext(ctx, "failed to unlink did", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"did": did, "linked": false})
}
