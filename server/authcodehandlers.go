package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/authrim/authrim/events"
	"github.com/authrim/authrim/pkg/crypto"
	"github.com/authrim/authrim/pkg/featureflags"
	"github.com/authrim/authrim/storage"
)

// revocationSafetyMargin keeps revocation entries alive slightly past the
// revoked token's own expiry to absorb clock skew.
const revocationSafetyMargin = 5 * time.Minute

// handleAuthCode implements the authorization_code grant.
//
// The consume is authoritative: once the code is gone a failure further down
// does not restore it, and the client must restart authorization.
func (s *Server) handleAuthCode(w http.ResponseWriter, r *http.Request, profile storage.TenantProfile) {
	ctx := r.Context()

	code := r.PostFormValue("code")
	redirectURI := r.PostFormValue("redirect_uri")
	codeVerifier := r.PostFormValue("code_verifier")
	clientID := s.requestClientID(r)

	if code == "" {
		s.tokenErrHelper(w, errInvalidRequest, `Required param: code.`, http.StatusBadRequest)
		return
	}
	if clientID == "" {
		s.tokenErrHelper(w, errInvalidClient, "Invalid client credentials.", http.StatusUnauthorized)
		return
	}
	if redirectURI != "" {
		if u, err := url.Parse(redirectURI); err != nil || u.Scheme == "" {
			s.tokenErrHelper(w, errInvalidRequest, "Invalid redirect_uri.", http.StatusBadRequest)
			return
		}
	}

	client, err := s.storage.GetClient(ctx, clientID)
	if err != nil {
		if err == storage.ErrNotFound {
			s.tokenErrHelper(w, errInvalidClient, "Invalid client credentials.", http.StatusUnauthorized)
		} else {
			s.logger.ErrorContext(ctx, "failed to get client", "err", err)
			s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		}
		return
	}

	// Pre-validate the DPoP proof before touching the code so a malformed
	// proof cannot burn it.
	proof := r.Header.Get("DPoP")
	requireDPoP := profile.RequireDPoP || client.RequireDPoP || s.cfg.GetBool(ctx, "fapi.require_dpop", false)
	if requireDPoP && proof == "" {
		s.tokenErrHelper(w, errInvalidDPoPProof, "DPoP proof required.", http.StatusBadRequest)
		return
	}
	var proofJKT string
	if proof != "" {
		jkt, err := s.dpop.validate(ctx, proof, r.Method, s.absURL("/token"), "", clientID)
		if err != nil {
			s.tokenErrHelper(w, errInvalidDPoPProof, "Invalid DPoP proof.", http.StatusBadRequest)
			return
		}
		proofJKT = jkt
	}

	authCode, err := s.storage.ConsumeAuthCode(ctx, code, func(c storage.AuthCode) error {
		if c.ClientID != clientID {
			return errors.New("client mismatch")
		}
		if c.PKCE.CodeChallenge != "" || codeVerifier != "" {
			return storage.VerifyPKCE(codeVerifier, c.PKCE.CodeChallenge, c.PKCE.CodeChallengeMethod)
		}
		return nil
	})
	if err != nil {
		var replay *storage.ReplayError
		switch {
		case errors.As(err, &replay):
			s.revokeReplayedCode(ctx, replay)
			s.tokenErrHelper(w, errInvalidGrant, "Invalid or expired code parameter.", http.StatusBadRequest)
		case err == storage.ErrNotFound:
			s.tokenErrHelper(w, errInvalidGrant, "Invalid or expired code parameter.", http.StatusBadRequest)
		default:
			// Predicate refusals (PKCE, client mismatch) land here too; none
			// of the detail leaves the server.
			s.tokenErrHelper(w, errInvalidGrant, "Invalid or expired code parameter.", http.StatusBadRequest)
		}
		return
	}

	if authCode.RedirectURI != redirectURI {
		s.tokenErrHelper(w, errInvalidGrant, "Invalid redirect_uri.", http.StatusBadRequest)
		return
	}

	// Code-bound DPoP: the proof must be over the key bound at authorization.
	if authCode.DPoPJKT != "" {
		if proofJKT == "" || proofJKT != authCode.DPoPJKT {
			s.tokenErrHelper(w, errInvalidDPoPProof, "DPoP key mismatch.", http.StatusBadRequest)
			return
		}
	}

	authedClient, err := s.authenticateClient(ctx, r)
	if err != nil {
		if errors.Is(err, errClientAuth) {
			s.tokenErrHelper(w, errInvalidClient, "Invalid client credentials.", http.StatusUnauthorized)
		} else {
			s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		}
		return
	}
	if authedClient.ID != authCode.ClientID {
		s.tokenErrHelper(w, errInvalidClient, "Invalid client credentials.", http.StatusUnauthorized)
		return
	}

	resp, err := s.exchangeAuthCode(ctx, authCode, client, profile, proofJKT)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to exchange auth code", "err", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	s.writeAccessToken(w, resp)
}

// requestClientID extracts the client identifier without authenticating:
// Basic user, form client_id, or the client assertion's subject.
func (s *Server) requestClientID(r *http.Request) string {
	if id, _, ok := r.BasicAuth(); ok {
		if unescaped, err := url.QueryUnescape(id); err == nil {
			return unescaped
		}
		return id
	}
	if id := r.PostFormValue("client_id"); id != "" {
		return id
	}
	if assertion := r.PostFormValue("client_assertion"); assertion != "" {
		if sub := unverifiedAssertionSubject(assertion); sub != "" {
			return sub
		}
	}
	return ""
}

// revokeReplayedCode revokes the tokens issued under a replayed code.
func (s *Server) revokeReplayedCode(ctx context.Context, replay *storage.ReplayError) {
	expiry := s.now().Add(s.refreshTokensValidFor + revocationSafetyMargin)
	for _, jti := range []string{replay.AccessJTI, replay.RefreshJTI} {
		if jti == "" {
			continue
		}
		if err := s.storage.Revoke(ctx, storage.RevocationEntry{
			JTI:       jti,
			RevokedAt: s.now(),
			Expiry:    expiry,
			Reason:    "auth_code_replay",
		}); err != nil {
			s.logger.ErrorContext(ctx, "failed to revoke replayed token", "err", err)
		}
	}
}

func (s *Server) exchangeAuthCode(ctx context.Context, authCode storage.AuthCode, client storage.Client, profile storage.TenantProfile, dpopJKT string) (*accessTokenResponse, error) {
	ttl := s.tokenTTL(ctx, profile)

	access, err := s.newAccessToken(ctx, accessTokenConfig{
		subject:              authCode.Claims.UserID,
		clientID:             client.ID,
		scopes:               authCode.Scopes,
		validFor:             ttl,
		claims:               authCode.Claims,
		dpopJKT:              dpopJKT,
		authorizationDetails: authCode.AuthorizationDetails,
		acr:                  authCode.ACR,
		amr:                  authCode.AMR,
	})
	if err != nil {
		return nil, err
	}

	// Native SSO: hand out a device secret alongside the tokens when both the
	// tenant and the client opt in and a session is bound to the code.
	var deviceSecret string
	if featureflags.NativeSSO.Enabled() && client.NativeSSOEnabled && authCode.SessionID != "" {
		deviceSecret, err = s.createDeviceSecret(ctx, authCode.Claims.UserID, authCode.SessionID, client.ID)
		if err != nil {
			return nil, err
		}
	}

	idToken, err := s.newIDToken(ctx, client, idTokenConfig{
		clientID:     client.ID,
		claims:       authCode.Claims,
		scopes:       authCode.Scopes,
		nonce:        authCode.Nonce,
		accessToken:  access.token,
		deviceSecret: deviceSecret,
		sessionID:    authCode.SessionID,
		acr:          authCode.ACR,
		amr:          authCode.AMR,
		authTime:     authCode.AuthTime,
		validFor:     s.idTokensValidFor,
	})
	if err != nil {
		return nil, err
	}

	refreshToken, refreshJTI, err := s.createRefreshFamily(ctx, authCode.Claims.UserID, client.ID, authCode.Scopes)
	if err != nil {
		return nil, err
	}

	// Arm the replay-revocation path before the response leaves the server.
	if err := s.storage.RegisterIssuedTokens(ctx, authCode.ID, access.jti, refreshJTI); err != nil {
		s.logger.ErrorContext(ctx, "failed to register issued tokens", "err", err)
	}

	if authCode.SessionID != "" {
		if err := s.registerSessionClient(ctx, authCode.SessionID, client); err != nil {
			s.logger.ErrorContext(ctx, "failed to register session client", "err", err)
		}
	}

	s.publishTokenEvents(client.ID, authCode.Claims.UserID,
		events.TypeAccessIssued, events.TypeRefreshIssued, events.TypeIDIssued)

	tokenType := "Bearer"
	if dpopJKT != "" {
		tokenType = "DPoP"
	}
	return &accessTokenResponse{
		AccessToken:  access.token,
		TokenType:    tokenType,
		ExpiresIn:    int(ttl.Seconds()),
		RefreshToken: refreshToken,
		IDToken:      idToken.token,
		Scope:        joinScopes(authCode.Scopes),
		DeviceSecret: deviceSecret,
	}, nil
}

// createRefreshFamily starts a fresh rotation chain at version 1 for the
// (user, client) pair, replacing a prior healthy family: policy is one head
// per pair.
func (s *Server) createRefreshFamily(ctx context.Context, userID, clientID string, scopes []string) (token, jti string, err error) {
	shard := storage.EffectiveShard(storage.ShardFor(userID+"/"+clientID, s.familyShards), s.familyShards)
	key := storage.FamilyKey{
		UserID:     userID,
		ClientID:   clientID,
		Generation: s.currentGeneration,
		Shard:      shard,
	}
	jti = storage.NewRefreshJTI(key.Generation, key.Shard)

	family := storage.RefreshFamily{
		Key:         key,
		HeadVersion: 1,
		HeadJTI:     jti,
		Scopes:      scopes,
		CreatedAt:   s.now(),
		Expiry:      s.now().Add(s.refreshTokensValidFor),
	}
	if err = s.storage.CreateRefreshFamily(ctx, family); err != nil {
		if err != storage.ErrAlreadyExists {
			return "", "", err
		}
		if err = s.storage.DeleteRefreshFamily(ctx, key); err != nil && err != storage.ErrNotFound {
			return "", "", err
		}
		if err = s.storage.CreateRefreshFamily(ctx, family); err != nil {
			return "", "", err
		}
	}

	minted, err := s.newRefreshToken(ctx, userID, clientID, scopes, jti, 1, s.refreshTokensValidFor)
	if err != nil {
		return "", "", err
	}
	return minted.token, jti, nil
}

// createDeviceSecret mints and stores an opaque Native SSO device secret
// bound to the session, applying the per-user cap.
func (s *Server) createDeviceSecret(ctx context.Context, userID, sessionID, clientID string) (string, error) {
	existing, err := s.storage.ListDeviceSecretsByUser(ctx, userID)
	if err != nil {
		return "", err
	}
	active := existing[:0]
	for _, d := range existing {
		if d.Active && s.now().Before(d.Expiry) {
			active = append(active, d)
		}
	}
	if len(active) >= s.nativeSSO.MaxSecretsPerUser {
		if s.nativeSSO.OverflowPolicy == "reject" {
			return "", errors.New("device secret cap reached")
		}
		oldest := active[0]
		for _, d := range active[1:] {
			if d.CreatedAt.Before(oldest.CreatedAt) {
				oldest = d
			}
		}
		if err := s.storage.DeleteDeviceSecret(ctx, oldest.ID); err != nil && err != storage.ErrNotFound {
			return "", err
		}
	}

	raw, err := crypto.RandomToken(32)
	if err != nil {
		return "", err
	}
	id := storage.NewID()
	secret := "ds_" + id + "." + raw
	sum := sha256.Sum256([]byte(secret))

	err = s.storage.CreateDeviceSecret(ctx, storage.DeviceSecret{
		ID:          id,
		UserID:      userID,
		SessionID:   sessionID,
		ClientID:    clientID,
		SecretHash:  hex.EncodeToString(sum[:]),
		CreatedAt:   s.now(),
		Expiry:      s.now().Add(s.nativeSSO.DeviceSecretTTL),
		MaxUseCount: s.nativeSSO.MaxUseCount,
		Active:      true,
	})
	if err != nil {
		return "", err
	}
	return secret, nil
}

// registerSessionClient records the (session, client) logout association.
func (s *Server) registerSessionClient(ctx context.Context, sessionID string, client storage.Client) error {
	return s.storage.UpsertSessionClient(ctx, storage.SessionClient{
		SessionID:                         sessionID,
		ClientID:                          client.ID,
		BackchannelLogoutURI:              client.BackchannelLogoutURI,
		BackchannelLogoutSessionRequired:  client.BackchannelLogoutSessionRequired,
		FrontchannelLogoutURI:             client.FrontchannelLogoutURI,
		FrontchannelLogoutSessionRequired: client.FrontchannelLogoutSessionRequired,
		WebhookURL:                        client.WebhookURL,
		EncryptedWebhookSecret:            client.EncryptedWebhookSecret,
	})
}
