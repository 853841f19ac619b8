package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/authrim/authrim/storage"
)

// See: https://tools.ietf.org/html/rfc6749#section-4.1.2.1

func tokenErr(w http.ResponseWriter, typ, description string, statusCode int) error {
	data := struct {
		Error       string `json:"error"`
		Description string `json:"error_description,omitempty"`
	}{typ, description}
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal token error response: %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if statusCode == http.StatusUnauthorized {
		v := fmt.Sprintf("Bearer error=%q", typ)
		if description != "" {
			v += fmt.Sprintf(", error_description=%q", description)
		}
		w.Header().Set("WWW-Authenticate", v)
	}
	w.WriteHeader(statusCode)
	w.Write(body)
	return nil
}

const (
	errInvalidRequest          = "invalid_request"
	errUnauthorizedClient      = "unauthorized_client"
	errAccessDenied            = "access_denied"
	errUnsupportedResponseType = "unsupported_response_type"
	errInvalidScope            = "invalid_scope"
	errServerError             = "server_error"
	errTemporarilyUnavailable  = "temporarily_unavailable"
	errUnsupportedGrantType    = "unsupported_grant_type"
	errInvalidGrant            = "invalid_grant"
	errInvalidClient           = "invalid_client"
	errInvalidTarget           = "invalid_target"
	errInvalidDPoPProof        = "invalid_dpop_proof"
	errAuthorizationPending    = "authorization_pending"
	errSlowDown                = "slow_down"
	errExpiredToken            = "expired_token"
)

const (
	scopeOfflineAccess = "offline_access" // Request a refresh token.
	scopeOpenID        = "openid"
	scopeGroups        = "groups"
	scopeEmail         = "email"
	scopeProfile       = "profile"
)

const (
	grantTypeAuthorizationCode = "authorization_code"
	grantTypeRefreshToken      = "refresh_token"
	grantTypeClientCredentials = "client_credentials"
	grantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	grantTypeTokenExchange     = "urn:ietf:params:oauth:grant-type:token-exchange"
	grantTypeJWTBearer         = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	grantTypeCIBA              = "urn:openid:params:grant-type:ciba"
)

const (
	// https://www.rfc-editor.org/rfc/rfc8693.html#section-3
	tokenTypeAccess  = "urn:ietf:params:oauth:token-type:access_token"
	tokenTypeRefresh = "urn:ietf:params:oauth:token-type:refresh_token"
	tokenTypeID      = "urn:ietf:params:oauth:token-type:id_token"
	tokenTypeSAML2   = "urn:ietf:params:oauth:token-type:saml2"
	tokenTypeJWT     = "urn:ietf:params:oauth:token-type:jwt"

	// OpenID Connect Native SSO 1.0
	tokenTypeDeviceSecret = "urn:openid:params:token-type:device-secret"

	// Identity Assertion Authorization Grant
	tokenTypeIDJAG = "urn:ietf:params:oauth:token-type:id-jag"
)

const (
	codeChallengeMethodS256 = "S256"
)

// Claim type used by client assertions (RFC 7523 section 2.2).
const (
	clientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// Determine the signature algorithm for a JWT.
func signatureAlgorithm(jwk *jose.JSONWebKey) (alg jose.SignatureAlgorithm, err error) {
	if jwk.Key == nil {
		return alg, errors.New("no signing key")
	}
	switch key := jwk.Key.(type) {
	case *rsa.PrivateKey:
		// OIDC mandates RS256 support, so that is the default for RSA keys.
		return jose.RS256, nil
	case *ecdsa.PrivateKey:
		// These values are prescribed depending on the ECDSA key type. We
		// can't return different values.
		switch key.Params() {
		case elliptic.P256().Params():
			return jose.ES256, nil
		case elliptic.P384().Params():
			return jose.ES384, nil
		case elliptic.P521().Params():
			return jose.ES512, nil
		default:
			return alg, errors.New("unsupported ecdsa curve")
		}
	default:
		return alg, fmt.Errorf("unsupported signing key type %T", key)
	}
}

func signPayload(key *jose.JSONWebKey, alg jose.SignatureAlgorithm, payload []byte) (jws string, err error) {
	signingKey := jose.SigningKey{Key: key, Algorithm: alg}

	signer, err := jose.NewSigner(signingKey, &jose.SignerOptions{})
	if err != nil {
		return "", fmt.Errorf("new signer: %v", err)
	}
	signature, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("signing payload: %v", err)
	}
	return signature.CompactSerialize()
}

// The hash algorithm for the at_hash is determined by the signing
// algorithm used for the id_token. From the spec:
//
//	...the hash algorithm used is the hash algorithm used in the alg Header
//	Parameter of the ID Token's JOSE Header. For instance, if the alg is RS256,
//	hash the access_token value with SHA-256
//
// https://openid.net/specs/openid-connect-core-1_0.html#ImplicitIDToken
var hashForSigAlg = map[jose.SignatureAlgorithm]func() hash.Hash{
	jose.RS256: sha256.New,
	jose.RS384: sha512.New384,
	jose.RS512: sha512.New,
	jose.ES256: sha256.New,
	jose.ES384: sha512.New384,
	jose.ES512: sha512.New,
}

// Compute an at_hash (or c_hash / ds_hash) from a raw value and a signature
// algorithm: the left half of the hash, base64url encoded.
func leftHalfHash(alg jose.SignatureAlgorithm, value string) (string, error) {
	newHash, ok := hashForSigAlg[alg]
	if !ok {
		return "", fmt.Errorf("unsupported signature algorithm: %s", alg)
	}

	hashFunc := newHash()
	if _, err := io.WriteString(hashFunc, value); err != nil {
		return "", fmt.Errorf("computing hash: %v", err)
	}
	sum := hashFunc.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}

type audience []string

func (a audience) contains(aud string) bool {
	for _, e := range a {
		if aud == e {
			return true
		}
	}
	return false
}

func (a audience) MarshalJSON() ([]byte, error) {
	if len(a) == 1 {
		return json.Marshal(a[0])
	}
	return json.Marshal([]string(a))
}

func (a *audience) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*a = audience{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*a = audience(list)
	return nil
}

// actorClaim is the RFC 8693 "act" claim. Nesting is capped at one level;
// deeper chains are collapsed before serialization.
type actorClaim struct {
	Subject  string      `json:"sub,omitempty"`
	ClientID string      `json:"client_id,omitempty"`
	Actor    *actorClaim `json:"act,omitempty"`
}

type confirmationClaim struct {
	JKT string `json:"jkt,omitempty"`
}

type accessTokenClaims struct {
	Issuer   string   `json:"iss"`
	Subject  string   `json:"sub"`
	Audience audience `json:"aud"`
	Expiry   int64    `json:"exp"`
	IssuedAt int64    `json:"iat"`
	JTI      string   `json:"jti"`

	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id"`

	Confirmation *confirmationClaim `json:"cnf,omitempty"`

	AuthorizationDetails json.RawMessage `json:"authorization_details,omitempty"`

	Actor *actorClaim `json:"act,omitempty"`

	Anonymous       bool `json:"anonymous,omitempty"`
	UpgradeEligible bool `json:"upgrade_eligible,omitempty"`

	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`

	// ID-JAG extension claims.
	OriginalIssuer string `json:"original_issuer,omitempty"`
	Tenant         string `json:"tenant,omitempty"`
	ACR            string `json:"acr,omitempty"`
	AMR            []string `json:"amr,omitempty"`
}

type idTokenClaims struct {
	Issuer   string   `json:"iss"`
	Subject  string   `json:"sub"`
	Audience audience `json:"aud"`
	Expiry   int64    `json:"exp"`
	IssuedAt int64    `json:"iat"`

	AuthTime int64  `json:"auth_time,omitempty"`
	Nonce    string `json:"nonce,omitempty"`

	AccessTokenHash  string `json:"at_hash,omitempty"`
	CodeHash         string `json:"c_hash,omitempty"`
	DeviceSecretHash string `json:"ds_hash,omitempty"`

	SessionID string   `json:"sid,omitempty"`
	ACR       string   `json:"acr,omitempty"`
	AMR       []string `json:"amr,omitempty"`

	Email         string `json:"email,omitempty"`
	EmailVerified *bool  `json:"email_verified,omitempty"`

	Groups []string `json:"groups,omitempty"`

	Name              string `json:"name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`

	Roles []string `json:"roles,omitempty"`
}

type refreshTokenClaims struct {
	Issuer   string   `json:"iss"`
	Subject  string   `json:"sub"`
	Audience audience `json:"aud"`
	Expiry   int64    `json:"exp"`
	IssuedAt int64    `json:"iat"`
	JTI      string   `json:"jti"`

	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id"`

	// Refresh token version within its family; rotation bumps this by one.
	RefreshTokenVersion int64 `json:"rtv"`
}

type logoutTokenClaims struct {
	Issuer   string   `json:"iss"`
	Subject  string   `json:"sub,omitempty"`
	Audience audience `json:"aud"`
	IssuedAt int64    `json:"iat"`
	Expiry   int64    `json:"exp"`
	JTI      string   `json:"jti"`

	Events    map[string]struct{} `json:"events"`
	SessionID string              `json:"sid,omitempty"`
}

const backchannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

// mintedToken is the result of signing a single JWT.
type mintedToken struct {
	token  string
	jti    string
	expiry time.Time
}

// newAccessToken composes and signs an access token. The JTI is
// region-sharded for revocation routing.
func (s *Server) newAccessToken(ctx context.Context, tc accessTokenConfig) (mintedToken, error) {
	signingKey, alg, err := s.activeSigningKey(ctx)
	if err != nil {
		return mintedToken{}, err
	}

	issuedAt := s.now()
	expiry := issuedAt.Add(tc.validFor)
	jti := storage.NewAccessJTI(s.revocationShards)

	claims := accessTokenClaims{
		Issuer:               s.issuerURL.String(),
		Subject:              tc.subject,
		Audience:             tc.aud,
		Expiry:               expiry.Unix(),
		IssuedAt:             issuedAt.Unix(),
		JTI:                  jti,
		Scope:                joinScopes(tc.scopes),
		ClientID:             tc.clientID,
		AuthorizationDetails: tc.authorizationDetails,
		Actor:                tc.actor,
		Anonymous:            tc.claims.Anonymous,
		UpgradeEligible:      tc.claims.UpgradeEligible,
		Roles:                tc.roles,
		Permissions:          tc.permissions,
		OriginalIssuer:       tc.originalIssuer,
		Tenant:               tc.tenant,
		ACR:                  tc.acr,
		AMR:                  tc.amr,
	}
	if tc.dpopJKT != "" {
		claims.Confirmation = &confirmationClaim{JKT: tc.dpopJKT}
	}
	if len(claims.Audience) == 0 {
		claims.Audience = audience{s.issuerURL.String()}
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return mintedToken{}, fmt.Errorf("could not serialize claims: %v", err)
	}
	token, err := signPayload(signingKey, alg, payload)
	if err != nil {
		return mintedToken{}, fmt.Errorf("failed to sign payload: %v", err)
	}
	return mintedToken{token: token, jti: jti, expiry: expiry}, nil
}

// accessTokenConfig carries everything newAccessToken needs; grant handlers
// fill the parts their flow produces.
type accessTokenConfig struct {
	subject              string
	clientID             string
	aud                  audience
	scopes               []string
	validFor             time.Duration
	claims               storage.Claims
	dpopJKT              string
	authorizationDetails json.RawMessage
	actor                *actorClaim
	roles                []string
	permissions          []string
	originalIssuer       string
	tenant               string
	acr                  string
	amr                  []string
}

type idTokenConfig struct {
	clientID     string
	claims       storage.Claims
	scopes       []string
	nonce        string
	accessToken  string
	code         string
	deviceSecret string
	sessionID    string
	acr          string
	amr          []string
	authTime     time.Time
	validFor     time.Duration
}

// newIDToken composes and signs an ID token, wrapping it in a JWE when the
// client registered an encryption algorithm.
func (s *Server) newIDToken(ctx context.Context, client storage.Client, tc idTokenConfig) (mintedToken, error) {
	signingKey, alg, err := s.activeSigningKey(ctx)
	if err != nil {
		return mintedToken{}, err
	}

	issuedAt := s.now()
	expiry := issuedAt.Add(tc.validFor)

	tok := idTokenClaims{
		Issuer:    s.issuerURL.String(),
		Subject:   tc.claims.UserID,
		Audience:  audience{tc.clientID},
		Expiry:    expiry.Unix(),
		IssuedAt:  issuedAt.Unix(),
		Nonce:     tc.nonce,
		SessionID: tc.sessionID,
		ACR:       tc.acr,
		AMR:       tc.amr,
	}
	if !tc.authTime.IsZero() {
		tok.AuthTime = tc.authTime.Unix()
	}

	if tc.accessToken != "" {
		atHash, err := leftHalfHash(alg, tc.accessToken)
		if err != nil {
			return mintedToken{}, fmt.Errorf("error computing at_hash: %v", err)
		}
		tok.AccessTokenHash = atHash
	}
	if tc.code != "" {
		cHash, err := leftHalfHash(alg, tc.code)
		if err != nil {
			return mintedToken{}, fmt.Errorf("error computing c_hash: %v", err)
		}
		tok.CodeHash = cHash
	}
	if tc.deviceSecret != "" {
		dsHash, err := leftHalfHash(alg, tc.deviceSecret)
		if err != nil {
			return mintedToken{}, fmt.Errorf("error computing ds_hash: %v", err)
		}
		tok.DeviceSecretHash = dsHash
	}

	for _, scope := range tc.scopes {
		switch scope {
		case scopeEmail:
			tok.Email = tc.claims.Email
			tok.EmailVerified = &tc.claims.EmailVerified
		case scopeGroups:
			tok.Groups = tc.claims.Groups
		case scopeProfile:
			tok.Name = tc.claims.Username
			tok.PreferredUsername = tc.claims.PreferredUsername
		}
	}

	payload, err := json.Marshal(tok)
	if err != nil {
		return mintedToken{}, fmt.Errorf("could not serialize claims: %v", err)
	}

	idToken, err := signPayload(signingKey, alg, payload)
	if err != nil {
		return mintedToken{}, fmt.Errorf("failed to sign payload: %v", err)
	}

	if client.IDTokenEncryptedResponseAlg != "" {
		idToken, err = encryptIDToken(client, idToken)
		if err != nil {
			return mintedToken{}, fmt.Errorf("failed to encrypt id token: %v", err)
		}
	}
	return mintedToken{token: idToken, expiry: expiry}, nil
}

// encryptIDToken wraps a signed ID token in a nested JWE using the client's
// registered encryption key and algorithms.
func encryptIDToken(client storage.Client, signed string) (string, error) {
	if len(client.EncryptionJWK) == 0 {
		return "", errors.New("client declares id_token encryption but has no encryption key")
	}
	var jwk jose.JSONWebKey
	if err := json.Unmarshal(client.EncryptionJWK, &jwk); err != nil {
		return "", fmt.Errorf("parsing client encryption key: %v", err)
	}
	enc := jose.ContentEncryption(client.IDTokenEncryptedResponseEnc)
	if enc == "" {
		enc = jose.A128CBC_HS256
	}
	encrypter, err := jose.NewEncrypter(enc, jose.Recipient{
		Algorithm: jose.KeyAlgorithm(client.IDTokenEncryptedResponseAlg),
		Key:       &jwk,
	}, (&jose.EncrypterOptions{}).WithContentType("JWT").WithType("JWT"))
	if err != nil {
		return "", fmt.Errorf("new encrypter: %v", err)
	}
	obj, err := encrypter.Encrypt([]byte(signed))
	if err != nil {
		return "", fmt.Errorf("encrypting payload: %v", err)
	}
	return obj.CompactSerialize()
}

// newRefreshToken signs a refresh JWT whose JTI embeds the family's
// generation and shard.
func (s *Server) newRefreshToken(ctx context.Context, subject, clientID string, scopes []string, jti string, version int64, validFor time.Duration) (mintedToken, error) {
	signingKey, alg, err := s.activeSigningKey(ctx)
	if err != nil {
		return mintedToken{}, err
	}

	issuedAt := s.now()
	expiry := issuedAt.Add(validFor)

	claims := refreshTokenClaims{
		Issuer:              s.issuerURL.String(),
		Subject:             subject,
		Audience:            audience{clientID},
		Expiry:              expiry.Unix(),
		IssuedAt:            issuedAt.Unix(),
		JTI:                 jti,
		Scope:               joinScopes(scopes),
		ClientID:            clientID,
		RefreshTokenVersion: version,
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return mintedToken{}, fmt.Errorf("could not serialize claims: %v", err)
	}
	token, err := signPayload(signingKey, alg, payload)
	if err != nil {
		return mintedToken{}, fmt.Errorf("failed to sign payload: %v", err)
	}
	return mintedToken{token: token, jti: jti, expiry: expiry}, nil
}

func joinScopes(scopes []string) string {
	out := ""
	for i, sc := range scopes {
		if i > 0 {
			out += " "
		}
		out += sc
	}
	return out
}

// scopeSubset reports whether every element of sub is contained in super.
func scopeSubset(sub, super []string) bool {
	for _, s := range sub {
		found := false
		for _, p := range super {
			if s == p {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// intersectScopes returns requested ∩ allowed. An empty allowed list means no
// restriction.
func intersectScopes(requested, allowed []string) []string {
	if len(allowed) == 0 {
		return requested
	}
	var out []string
	for _, r := range requested {
		for _, a := range allowed {
			if r == a {
				out = append(out, r)
				break
			}
		}
	}
	return out
}
