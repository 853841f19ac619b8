package storage

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

var (
	// ErrNotFound is the error returned by storages if a resource cannot be found.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is the error returned by storages if a resource ID is taken during a create.
	ErrAlreadyExists = errors.New("ID already exists")

	// ErrAlreadyConsumed is returned when a one-shot record is consumed a second time.
	ErrAlreadyConsumed = errors.New("already consumed")

	// ErrFamilyRevoked is returned when an operation targets a revoked refresh family.
	ErrFamilyRevoked = errors.New("refresh family revoked")

	// ErrVersionConflict is returned by RotateRefresh when the presented version or
	// JTI does not match the family head. The family is revoked before this is
	// returned; the caller must treat it as theft.
	ErrVersionConflict = errors.New("refresh version conflict")

	// ErrUseLimitExceeded is returned by UseDeviceSecret when the secret hit its
	// maximum use count.
	ErrUseLimitExceeded = errors.New("device secret use limit exceeded")
)

// ReplayError is returned when an authorization code is consumed a second
// time. It carries the JTIs issued under the first consume so the caller can
// revoke them.
type ReplayError struct {
	AccessJTI  string
	RefreshJTI string
}

func (e *ReplayError) Error() string { return "authorization code already consumed" }

func (e *ReplayError) Is(target error) bool { return target == ErrAlreadyConsumed }

var encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567")

// Valid characters for user codes
const validUserCharacters = "BCDFGHJKLMNPQRSTVWXZ"

// NewDeviceCode returns a 32 char alphanumeric cryptographically secure string
func NewDeviceCode() string {
	return newSecureID(32)
}

// NewID returns a random string which can be used as an ID for objects.
func NewID() string {
	return newSecureID(16)
}

func newSecureID(len int) string {
	buff := make([]byte, len) // random ID.
	if _, err := io.ReadFull(rand.Reader, buff); err != nil {
		panic(err)
	}
	// Avoid the identifier to begin with number and trim padding
	return string(buff[0]%26+'a') + strings.TrimRight(encoding.EncodeToString(buff[1:]), "=")
}

// NewUserCode returns a randomized 8 character user code for the device flow.
// No vowels are included to prevent accidental generation of words
func NewUserCode() string {
	code := randomString(8)
	return code[:4] + "-" + code[4:]
}

func randomString(n int) string {
	v := big.NewInt(int64(len(validUserCharacters)))
	bytes := make([]byte, n)
	for i := 0; i < n; i++ {
		c, _ := rand.Int(rand.Reader, v)
		bytes[i] = validUserCharacters[c.Int64()]
	}
	return string(bytes)
}

// GCResult returns the number of objects deleted by garbage collection.
type GCResult struct {
	Challenges      int64
	AuthCodes       int64
	Sessions        int64
	RefreshFamilies int64
	Revocations     int64
	DeviceSecrets   int64
	DeviceRequests  int64
	DeviceTokens    int64
	CIBARequests    int64
	ReplayEntries   int64
}

// IsEmpty returns whether the garbage collection result is empty or not.
func (g *GCResult) IsEmpty() bool {
	return g.Challenges == 0 &&
		g.AuthCodes == 0 &&
		g.Sessions == 0 &&
		g.RefreshFamilies == 0 &&
		g.Revocations == 0 &&
		g.DeviceSecrets == 0 &&
		g.DeviceRequests == 0 &&
		g.DeviceTokens == 0 &&
		g.CIBARequests == 0 &&
		g.ReplayEntries == 0
}

// Storage is the storage interface used by the server. Implementations are
// required to be able to perform atomic compare-and-swap updates and either
// support timezones or standardize on UTC.
//
// Consume, rotate and validate-and-use methods are single-success: exactly one
// of any set of concurrent callers observes success, all others observe a
// deterministic refusal error.
type Storage interface {
	Close() error

	CreateClient(ctx context.Context, c Client) error
	GetClient(ctx context.Context, id string) (Client, error)
	UpdateClient(ctx context.Context, id string, updater func(old Client) (Client, error)) error
	ListClients(ctx context.Context) ([]Client, error)
	DeleteClient(ctx context.Context, id string) error

	GetKeys(ctx context.Context) (Keys, error)
	UpdateKeys(ctx context.Context, updater func(old Keys) (Keys, error)) error

	GetTenantProfile(ctx context.Context, tenantID string) (TenantProfile, error)
	UpsertTenantProfile(ctx context.Context, p TenantProfile) error

	// Challenges are one-shot records: OTP attempts, passkey and DID nonces,
	// anonymous-login nonces, session exchange tokens. ConsumeChallenge is
	// atomic; the predicate, if non-nil, runs inside the owning shard's
	// critical section and a predicate error aborts the consume.
	CreateChallenge(ctx context.Context, c Challenge) error
	GetChallenge(ctx context.Context, id string) (Challenge, error)
	ConsumeChallenge(ctx context.Context, id string, predicate func(Challenge) error) (Challenge, error)
	UpdateChallenge(ctx context.Context, id string, updater func(old Challenge) (Challenge, error)) error
	DeleteChallenge(ctx context.Context, id string) error

	// Authorization codes. ConsumeAuthCode marks the code consumed exactly
	// once; a second consume returns a *ReplayError carrying the JTIs
	// registered via RegisterIssuedTokens. The predicate runs before the
	// consume commits and a predicate error leaves the code unconsumed.
	CreateAuthCode(ctx context.Context, c AuthCode) error
	GetAuthCode(ctx context.Context, id string) (AuthCode, error)
	ConsumeAuthCode(ctx context.Context, id string, predicate func(AuthCode) error) (AuthCode, error)
	RegisterIssuedTokens(ctx context.Context, code, accessJTI, refreshJTI string) error
	DeleteAuthCode(ctx context.Context, id string) error

	// Sessions, sharded by id. InvalidateSession reports whether this call
	// destroyed the session, so concurrent logouts can decide which of them
	// emits events. Deleting a session cascades to its SessionClient rows.
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	UpdateSession(ctx context.Context, id string, updater func(old Session) (Session, error)) error
	InvalidateSession(ctx context.Context, id string) (bool, error)

	UpsertSessionClient(ctx context.Context, sc SessionClient) error
	ListSessionClients(ctx context.Context, sessionID string) ([]SessionClient, error)

	// Refresh families. RotateRefresh performs the version check and bump
	// indivisibly within the owning shard. A version or JTI mismatch marks the
	// family revoked with reason "theft_detected" and returns
	// ErrVersionConflict.
	CreateRefreshFamily(ctx context.Context, f RefreshFamily) error
	GetRefreshFamily(ctx context.Context, key FamilyKey) (RefreshFamily, error)
	RotateRefresh(ctx context.Context, key FamilyKey, incomingVersion int64, incomingJTI, newJTI string, scopes []string) (RefreshFamily, error)
	RevokeRefreshFamily(ctx context.Context, key FamilyKey, reason string) error
	ListRefreshFamiliesByUser(ctx context.Context, userID string) ([]RefreshFamily, error)
	DeleteRefreshFamily(ctx context.Context, key FamilyKey) error

	// Token revocation index. Entries expire on their own.
	Revoke(ctx context.Context, e RevocationEntry) error
	IsRevoked(ctx context.Context, jti string) (bool, error)

	// Device secrets for Native SSO. UseDeviceSecret verifies the hash and
	// increments the use count atomically; exceeding MaxUseCount deactivates
	// the secret.
	CreateDeviceSecret(ctx context.Context, d DeviceSecret) error
	GetDeviceSecret(ctx context.Context, id string) (DeviceSecret, error)
	UseDeviceSecret(ctx context.Context, id, secretHash string) (DeviceSecret, error)
	ListDeviceSecretsByUser(ctx context.Context, userID string) ([]DeviceSecret, error)
	RevokeDeviceSecretsBySession(ctx context.Context, sessionID string) (int, error)
	DeleteDeviceSecret(ctx context.Context, id string) error

	CreateAnonymousDevice(ctx context.Context, d AnonymousDevice) error
	GetAnonymousDevice(ctx context.Context, tenantID, deviceIDHash string) (AnonymousDevice, error)
	UpdateAnonymousDevice(ctx context.Context, tenantID, deviceIDHash string, updater func(old AnonymousDevice) (AnonymousDevice, error)) error

	CreateLinkedIdentity(ctx context.Context, li LinkedIdentity) error
	ListLinkedIdentities(ctx context.Context, userID string) ([]LinkedIdentity, error)
	DeleteLinkedIdentity(ctx context.Context, providerID, providerUserID string) error

	UpsertConsent(ctx context.Context, c Consent) error
	GetConsent(ctx context.Context, userID, clientID string) (Consent, error)
	DeleteConsent(ctx context.Context, userID, clientID string) error

	// Device authorization grant state.
	CreateDeviceRequest(ctx context.Context, d DeviceRequest) error
	GetDeviceRequest(ctx context.Context, userCode string) (DeviceRequest, error)
	CreateDeviceToken(ctx context.Context, t DeviceToken) error
	GetDeviceToken(ctx context.Context, deviceCode string) (DeviceToken, error)
	UpdateDeviceToken(ctx context.Context, deviceCode string, updater func(old DeviceToken) (DeviceToken, error)) error

	// CIBA backchannel authentication requests.
	CreateCIBARequest(ctx context.Context, r CIBARequest) error
	GetCIBARequest(ctx context.Context, authReqID string) (CIBARequest, error)
	UpdateCIBARequest(ctx context.Context, authReqID string, updater func(old CIBARequest) (CIBARequest, error)) error

	// RegisterJTI records a JTI in a replay bucket. ErrAlreadyExists means the
	// JTI was seen before within the window. Used for DPoP proofs and Native
	// SSO ID-token replays.
	RegisterJTI(ctx context.Context, bucket, jti string, expiry time.Time) error

	// RateLimitIncr bumps a counter that resets when the window elapses and
	// returns the new count.
	RateLimitIncr(ctx context.Context, key string, window time.Duration) (int, error)

	// Durable config values, highest-priority layer of the config provider.
	GetConfigValue(ctx context.Context, key string) (string, error)
	SetConfigValue(ctx context.Context, key, value string) error

	// GarbageCollect deletes all expired one-shot and TTL-bounded records.
	GarbageCollect(ctx context.Context, now time.Time) (GCResult, error)
}

// ChallengeKind discriminates one-shot challenge records.
type ChallengeKind string

const (
	ChallengeEmailCode       ChallengeKind = "email_code"
	ChallengePasskeyLogin    ChallengeKind = "passkey_login"
	ChallengePasskeyRegister ChallengeKind = "passkey_register"
	ChallengeDIDRegistration ChallengeKind = "did_registration"
	ChallengeAnonLogin       ChallengeKind = "anon_login"
	ChallengeSessionToken    ChallengeKind = "session_token"
	ChallengeDirectAuthCode  ChallengeKind = "direct_auth_code"
	ChallengeUpgrade         ChallengeKind = "upgrade"
	ChallengeLogin           ChallengeKind = "login"
)

// Challenge is a short-lived one-shot record. The secret is stored hashed
// where the flow allows it; for nonce-style challenges it is the nonce itself.
type Challenge struct {
	ID        string
	Kind      ChallengeKind
	SubjectID string

	// Secret material: an HMAC hash for OTP codes, the nonce for
	// passkey/DID/anon challenges, the opaque token hash for session exchange.
	Secret string

	CreatedAt time.Time
	Expiry    time.Time

	// Flow-specific values, e.g. the PKCE challenge of a direct-auth flow, the
	// device id hash of an anon challenge, attempt counters.
	Metadata map[string]string

	ConsumedAt time.Time
}

// Consumed reports whether the challenge has been used.
func (c Challenge) Consumed() bool { return !c.ConsumedAt.IsZero() }

// Claims represents the identity claims carried through auth flows into
// issued tokens.
type Claims struct {
	UserID            string
	Username          string
	PreferredUsername string
	Email             string
	EmailVerified     bool

	Groups []string

	// Anonymous marks device-bound users created by anonymous auth. Such
	// users may be upgrade-eligible until linked to a verified identity.
	Anonymous       bool
	UpgradeEligible bool
}

// PKCE is a container for the data needed to perform Proof Key for Code Exchange (RFC 7636)
type PKCE struct {
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthCode represents a code which can be exchanged for a token response.
//
// The record survives its first consume: the JTIs issued under it are written
// back so a replayed code can surface them for revocation.
type AuthCode struct {
	// Actual string returned as the "code" value.
	ID string

	// The client this code value is valid for.
	ClientID string

	// The redirect_uri presented on the authorization request; the token
	// request must present the same value.
	RedirectURI string

	Nonce string
	State string

	// Scopes authorized by the end user for the client.
	Scopes []string

	Claims Claims

	// Time the end user authenticated, and how.
	AuthTime time.Time
	ACR      string
	AMR      []string

	// The session established during authorization, propagated into ID tokens
	// as sid and used to register the logout association.
	SessionID string

	// DPoP key thumbprint bound at the authorization endpoint. When set, the
	// token request must carry a proof over the same key.
	DPoPJKT string

	AuthorizationDetails json.RawMessage

	PKCE PKCE

	Expiry time.Time

	// Set by RegisterIssuedTokens after the first successful consume.
	AccessJTI  string
	RefreshJTI string

	ConsumedAt time.Time
}

// Consumed reports whether the code has been exchanged.
func (c AuthCode) Consumed() bool { return !c.ConsumedAt.IsZero() }

// SessionData is the mutable payload of a session.
type SessionData struct {
	AMR             []string `json:"amr,omitempty"`
	ACR             string   `json:"acr,omitempty"`
	Anonymous       bool     `json:"anonymous,omitempty"`
	UpgradeEligible bool     `json:"upgradeEligible,omitempty"`
	VerifiedEmail   string   `json:"verifiedEmail,omitempty"`
	UpgradeNonce    string   `json:"upgradeNonce,omitempty"`
	ClientID        string   `json:"clientID,omitempty"`
	DeviceIDHash    string   `json:"deviceIDHash,omitempty"`
	BrowserState    string   `json:"browserState,omitempty"`
}

// Session is an opaque user session record, sharded by id.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	Expiry    time.Time
	Data      SessionData
}

// SessionClient records how to notify a client when the session it obtained
// tokens under is destroyed.
type SessionClient struct {
	SessionID string
	ClientID  string

	BackchannelLogoutURI             string
	BackchannelLogoutSessionRequired bool

	FrontchannelLogoutURI             string
	FrontchannelLogoutSessionRequired bool

	WebhookURL string
	// AES-GCM ciphertext; decrypted only inside the webhook send worker.
	EncryptedWebhookSecret []byte
}

// FamilyKey identifies a refresh-token family. Generation and Shard are
// embedded in every refresh JTI so holders route to the owning shard without
// a central index.
type FamilyKey struct {
	UserID     string
	ClientID   string
	Generation int
	Shard      int
}

func (k FamilyKey) String() string {
	return fmt.Sprintf("%s/%s/g%d/s%d", k.UserID, k.ClientID, k.Generation, k.Shard)
}

// RefreshFamily is the head record of a rotating refresh-token chain.
type RefreshFamily struct {
	Key FamilyKey

	// Monotonic version. A rotation presenting any other version revokes the
	// family.
	HeadVersion int64
	HeadJTI     string

	Scopes []string

	CreatedAt   time.Time
	LastRotated time.Time
	Expiry      time.Time

	Revoked       bool
	RevokedReason string
}

// RevocationEntry marks a single JTI revoked until the token it names would
// have expired anyway.
type RevocationEntry struct {
	JTI       string
	RevokedAt time.Time
	Expiry    time.Time
	Reason    string
}

// DeviceSecret is the Native SSO companion credential to an ID token.
type DeviceSecret struct {
	ID        string
	UserID    string
	SessionID string
	ClientID  string

	// SHA-256 of the opaque secret handed to the client.
	SecretHash string

	CreatedAt time.Time
	Expiry    time.Time

	UseCount    int
	MaxUseCount int
	Active      bool
}

// DeviceStability describes how long an anonymous device identifier is
// expected to survive on the client.
type DeviceStability string

const (
	StabilitySession      DeviceStability = "session"
	StabilityInstallation DeviceStability = "installation"
	StabilityDevice       DeviceStability = "device"
)

// AnonymousDevice binds an anonymous user to a device identifier hash. At
// most one active record exists per (tenant, device hash).
type AnonymousDevice struct {
	ID           string
	TenantID     string
	UserID       string
	DeviceIDHash string
	Stability    DeviceStability
	Expiry       time.Time
	Active       bool
}

// LinkedIdentity ties an external identity (DID, social provider) to a user.
// Unique on (ProviderID, ProviderUserID).
type LinkedIdentity struct {
	UserID         string
	ProviderID     string
	ProviderUserID string
	LinkedAt       time.Time
	RawAttributes  map[string]string
}

// Consent records a user's grant of scopes to a client together with the
// policy versions they acknowledged.
type Consent struct {
	ID             string
	UserID         string
	ClientID       string
	Scopes         []string
	SelectedScopes []string
	GrantedAt      time.Time
	Expiry         time.Time

	PrivacyPolicyVersion string
	TOSVersion           string
	ConsentVersion       string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Client represents an OAuth2 client.
type Client struct {
	ID     string `json:"id" yaml:"id"`
	Secret string `json:"secret" yaml:"secret"`

	// A registered set of redirect URIs. When redirecting back to the client,
	// the URI requested MUST match one of these values.
	RedirectURIs []string `json:"redirectURIs" yaml:"redirectURIs"`

	PostLogoutRedirectURIs []string `json:"postLogoutRedirectURIs" yaml:"postLogoutRedirectURIs"`

	// Public clients authenticate with no secret and are accepted only by
	// grants that explicitly permit them.
	Public bool `json:"public" yaml:"public"`

	// Name and LogoURL used when displaying this client to the end user.
	Name    string `json:"name" yaml:"name"`
	LogoURL string `json:"logoURL" yaml:"logoURL"`

	// client_secret_basic, client_secret_post, client_secret_jwt,
	// private_key_jwt, or none.
	TokenEndpointAuthMethod string `json:"tokenEndpointAuthMethod" yaml:"tokenEndpointAuthMethod"`

	// Serialized JWK set for private_key_jwt client assertions.
	JWKS json.RawMessage `json:"jwks,omitempty" yaml:"jwks,omitempty"`

	// Require every token request from this client to carry a DPoP proof.
	RequireDPoP bool `json:"requireDPoP" yaml:"requireDPoP"`

	// When set, ID tokens for this client are wrapped in a JWE.
	IDTokenEncryptedResponseAlg string `json:"idTokenEncryptedResponseAlg,omitempty" yaml:"idTokenEncryptedResponseAlg,omitempty"`
	IDTokenEncryptedResponseEnc string `json:"idTokenEncryptedResponseEnc,omitempty" yaml:"idTokenEncryptedResponseEnc,omitempty"`
	// Serialized public JWK the nested JWE is encrypted to.
	EncryptionJWK json.RawMessage `json:"encryptionJWK,omitempty" yaml:"encryptionJWK,omitempty"`

	BackchannelLogoutURI              string `json:"backchannelLogoutURI,omitempty" yaml:"backchannelLogoutURI,omitempty"`
	BackchannelLogoutSessionRequired  bool   `json:"backchannelLogoutSessionRequired" yaml:"backchannelLogoutSessionRequired"`
	FrontchannelLogoutURI             string `json:"frontchannelLogoutURI,omitempty" yaml:"frontchannelLogoutURI,omitempty"`
	FrontchannelLogoutSessionRequired bool   `json:"frontchannelLogoutSessionRequired" yaml:"frontchannelLogoutSessionRequired"`

	WebhookURL             string `json:"webhookURL,omitempty" yaml:"webhookURL,omitempty"`
	EncryptedWebhookSecret []byte `json:"encryptedWebhookSecret,omitempty" yaml:"encryptedWebhookSecret,omitempty"`

	// Scopes this client may ever be granted. Empty means any requested scope
	// survives intersection.
	AllowedScopes []string `json:"allowedScopes,omitempty" yaml:"allowedScopes,omitempty"`

	// Token exchange policy.
	AllowedSubjectTokenClients    []string `json:"allowedSubjectTokenClients,omitempty" yaml:"allowedSubjectTokenClients,omitempty"`
	AllowedTokenExchangeResources []string `json:"allowedTokenExchangeResources,omitempty" yaml:"allowedTokenExchangeResources,omitempty"`

	// Native SSO policy.
	NativeSSOEnabled          bool `json:"nativeSSOEnabled" yaml:"nativeSSOEnabled"`
	AllowCrossClientNativeSSO bool `json:"allowCrossClientNativeSSO" yaml:"allowCrossClientNativeSSO"`
}

// TenantProfile gates which grants a tenant's clients may use and caps token
// lifetimes.
type TenantProfile struct {
	ID string `json:"id" yaml:"id"`

	// Empty list means all grants are allowed.
	AllowedGrantTypes []string `json:"allowedGrantTypes,omitempty" yaml:"allowedGrantTypes,omitempty"`

	// Ceiling applied to access token expires_in. Zero means no ceiling.
	MaxTokenTTLSeconds int `json:"maxTokenTTLSeconds" yaml:"maxTokenTTLSeconds"`

	RequireDPoP bool `json:"requireDPoP" yaml:"requireDPoP"`

	// Global switch of the three-flag cross-client Native SSO rule.
	AllowCrossClientNativeSSO bool `json:"allowCrossClientNativeSSO" yaml:"allowCrossClientNativeSSO"`
}

// AllowsGrant reports whether the tenant permits the grant type.
func (p TenantProfile) AllowsGrant(grantType string) bool {
	if len(p.AllowedGrantTypes) == 0 {
		return true
	}
	for _, g := range p.AllowedGrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// VerificationKey is a rotated signing key which can still be used to verify
// signatures.
type VerificationKey struct {
	PublicKey *jose.JSONWebKey `json:"publicKey"`
	Expiry    time.Time        `json:"expiry"`
}

// Keys hold encryption and signing keys.
type Keys struct {
	// Key for creating and verifying signatures. These may be nil.
	SigningKey    *jose.JSONWebKey
	SigningKeyPub *jose.JSONWebKey

	// Old signing keys which have been rotated but can still be used to validate
	// existing signatures.
	VerificationKeys []VerificationKey

	// The next time the signing key will rotate.
	//
	// For caching purposes, implementations MUST NOT update keys before this time.
	NextRotation time.Time
}

// DeviceRequest represents a device authorization request. It holds the state
// of the request until the user authenticates using their user code or the
// expiry time passes.
type DeviceRequest struct {
	// The code the user will enter in a browser
	UserCode string
	// The unique device code for device authentication
	DeviceCode string
	// The client ID the code is for
	ClientID string
	// The scopes the device requests
	Scopes []string
	// The expire time
	Expiry time.Time
}

// Device token polling states.
const (
	DeviceTokenPending  = "pending"
	DeviceTokenComplete = "complete"
	DeviceTokenDenied   = "denied"
	DeviceTokenClaimed  = "claimed"
)

// DeviceToken tracks the polling side of a device authorization. On approval
// the record carries the authenticated identity; the first successful poll
// flips Status to claimed and mints tokens.
type DeviceToken struct {
	DeviceCode          string
	Status              string
	Claims              Claims
	Scopes              []string
	SessionID           string
	Expiry              time.Time
	LastRequestTime     time.Time
	PollIntervalSeconds int
	PKCE                PKCE
}

// CIBA delivery modes.
const (
	CIBAModePoll = "poll"
	CIBAModePing = "ping"
	CIBAModePush = "push"
)

// CIBA request states.
const (
	CIBAPending  = "pending"
	CIBAApproved = "approved"
	CIBADenied   = "denied"
)

// CIBARequest is a client-initiated backchannel authentication request.
// TokenIssued is flipped atomically before tokens are minted so concurrent
// polls cannot double-issue.
type CIBARequest struct {
	AuthReqID string
	ClientID  string
	Scopes    []string
	Mode      string

	Status      string
	Claims      Claims
	SessionID   string
	TokenIssued bool

	ClientNotificationToken string

	Expiry              time.Time
	LastRequestTime     time.Time
	PollIntervalSeconds int
}
