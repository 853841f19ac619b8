package server

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/authrim/authrim/config"
	"github.com/authrim/authrim/events"
	"github.com/authrim/authrim/pkg/webhook"
	"github.com/authrim/authrim/storage"
)

// TrustedIssuer is one row of the jwt-bearer trust table: an external issuer
// whose assertions may be exchanged for access tokens.
type TrustedIssuer struct {
	Issuer string
	// Public keys the issuer signs with.
	JWKS []byte
	// Scopes an assertion from this issuer may be granted.
	AllowedScopes []string
	// The audience assertions must carry (defaults to this server's issuer).
	Audience string
}

// NativeSSOConfig tunes the device-secret flow.
type NativeSSOConfig struct {
	DeviceSecretTTL   time.Duration // Defaults to 30 days.
	MaxSecretsPerUser int           // Defaults to 10.
	// What to do when the per-user cap is hit: "revoke_oldest" or "reject".
	OverflowPolicy string
	MaxUseCount    int // Defaults to 0 (unlimited).

	RateLimitWindow   time.Duration // Defaults to 1 minute.
	RateLimitMax      int           // Defaults to 10.
	RateLimitBlockFor time.Duration // Defaults to 5 minutes.
}

// IDJAGConfig tunes the identity-assertion authorization grant extension.
type IDJAGConfig struct {
	Enabled bool
	// External issuers whose assertions are accepted. Empty fails closed.
	AllowedIssuers []string
	// Public clients are refused unless this is set; confidential clients are
	// the default requirement.
	AllowPublicClients bool
}

// TokenExchangeConfig tunes RFC 8693 processing.
type TokenExchangeConfig struct {
	Enabled                  bool
	AllowedSubjectTokenTypes []string
	MaxResourceParams        int // Defaults to 10.
	MaxAudienceParams        int // Defaults to 10.
	IDJAG                    IDJAGConfig
}

// LogoutConfig tunes logout fan-out.
type LogoutConfig struct {
	BackchannelTimeout time.Duration // Per-POST timeout. Defaults to 5s.
	BackchannelRetries int           // Defaults to 2.
	LogoutTokenTTL     time.Duration // Defaults to 2 minutes.
	DefaultRedirectURI string        // Error page target when validation fails.
}

// Config holds the server's configuration options.
//
// Multiple servers using the same storage are expected to be configured identically.
type Config struct {
	Issuer string

	// The backing persistence layer.
	Storage storage.Storage

	// Hierarchical runtime configuration (durable KV > env > default).
	ConfigProvider *config.Provider

	// Domain event sink. Publishes must never block the request path.
	Events events.Bus

	// Grant types this deployment serves. Empty enables all.
	AllowedGrantTypes []string

	// List of allowed origins for CORS requests on discovery, token and keys
	// endpoint. If none are indicated, CORS requests are disabled. Passing in
	// "*" will allow any domain.
	AllowedOrigins []string

	RotateKeysAfter        time.Duration // Defaults to 6 hours.
	KeyOverlapWindow       time.Duration // Defaults to 24 hours. May be 0 for emergency rotation.

	// StaticSigningKey pins the signing key and disables scheduled rotation.
	// Intended for tests and air-gapped deployments that rotate out of band;
	// RotateKeysNow still forces a rotation when asked.
	StaticSigningKey *rsa.PrivateKey
	IDTokensValidFor       time.Duration // Defaults to 24 hours.
	AccessTokensValidFor   time.Duration // Defaults to 1 hour.
	RefreshTokensValidFor  time.Duration // Defaults to 30 days.
	AuthCodesValidFor      time.Duration // Defaults to 10 minutes.
	DeviceRequestsValidFor time.Duration // Defaults to 5 minutes.
	SessionsValidFor       time.Duration // Defaults to 24 hours.
	SessionExtendCap       time.Duration // Defaults to 24 hours.

	// Refresh token rotation settings.
	RefreshTokenPolicy *RefreshTokenPolicy

	// Production rejects testing-only switches such as disabled refresh
	// rotation.
	Production bool

	// Shard-space sizing. Changing a count is safe: recorded shards fold into
	// the new space via EffectiveShard.
	SessionShards     int // Defaults to 16.
	FamilyShards      int // Defaults to 16.
	RevocationShards  int // Defaults to 16.
	CurrentGeneration int // Generation for newly created refresh families.

	// jwt-bearer trust table, keyed by issuer.
	TrustedIssuers []TrustedIssuer

	TokenExchange TokenExchangeConfig
	NativeSSO     NativeSSOConfig
	Logout        LogoutConfig

	// HMAC secrets for OTP codes and device-id hashing.
	OTPHMACSecret      []byte
	DeviceIDHMACSecret []byte
	// AES key for webhook secrets at rest.
	WebhookSecretKey []byte

	// Cookie policy.
	CookieSameSite http.SameSite
	CookieSecure   bool

	GCFrequency time.Duration // Defaults to 5 minutes.

	// If specified, the server will use this function for determining time.
	Now func() time.Time

	Logger *slog.Logger

	PrometheusRegistry *prometheus.Registry

	HealthChecker gosundheit.Health
}

// Server is the top level object.
type Server struct {
	issuerURL url.URL

	storage storage.Storage

	cfg config.Reader

	events events.Bus

	mux http.Handler

	allowedGrants map[string]bool

	accessTokensValidFor   time.Duration
	idTokensValidFor       time.Duration
	refreshTokensValidFor  time.Duration
	authCodesValidFor      time.Duration
	deviceRequestsValidFor time.Duration
	sessionsValidFor       time.Duration
	sessionExtendCap       time.Duration

	refreshTokenPolicy *RefreshTokenPolicy

	sessionShards     int
	familyShards      int
	revocationShards  int
	currentGeneration int

	trustedIssuers map[string]TrustedIssuer

	tokenExchange TokenExchangeConfig
	nativeSSO     NativeSSOConfig
	logout        LogoutConfig

	otpHMACSecret      []byte
	deviceIDHMACSecret []byte

	webhookSender *webhook.Sender

	cookieSameSite http.SameSite
	cookieSecure   bool

	keys *keyCache

	dpop *dpopValidator

	passkeys  PasskeyVerifier
	didProofs DIDProofVerifier

	bg *waitUntilPool

	now func() time.Time

	logger *slog.Logger
}

func value[T comparable](val, defaultValue T) T {
	var zero T
	if val == zero {
		return defaultValue
	}
	return val
}

// NewServer constructs a server from a config.
func NewServer(ctx context.Context, c Config) (*Server, error) {
	issuerURL, err := url.Parse(c.Issuer)
	if err != nil {
		return nil, fmt.Errorf("server: can't parse issuer URL")
	}
	if c.Storage == nil {
		return nil, errors.New("server: storage cannot be nil")
	}
	if c.Logger == nil {
		return nil, errors.New("server: logger cannot be nil")
	}
	if c.Events == nil {
		c.Events = events.Discard()
	}
	if c.RefreshTokenPolicy == nil {
		c.RefreshTokenPolicy, err = NewRefreshTokenPolicy(c.Logger, true, "", "")
		if err != nil {
			return nil, fmt.Errorf("server: failed to create refresh token policy: %v", err)
		}
	}
	if c.Production && !c.RefreshTokenPolicy.RotationEnabled() {
		// Disabled rotation is a testing-only switch.
		return nil, errors.New("server: refresh token rotation cannot be disabled in production")
	}

	now := c.Now
	if now == nil {
		now = time.Now
	}
	// Lifetime checks must observe the same clock as the rest of the server.
	c.RefreshTokenPolicy.now = now

	allowedGrants := make(map[string]bool)
	if len(c.AllowedGrantTypes) == 0 {
		for _, g := range []string{
			grantTypeAuthorizationCode, grantTypeRefreshToken, grantTypeDeviceCode,
			grantTypeClientCredentials, grantTypeTokenExchange, grantTypeJWTBearer, grantTypeCIBA,
		} {
			allowedGrants[g] = true
		}
	} else {
		for _, g := range c.AllowedGrantTypes {
			allowedGrants[g] = true
		}
	}

	trusted := make(map[string]TrustedIssuer, len(c.TrustedIssuers))
	for _, ti := range c.TrustedIssuers {
		trusted[ti.Issuer] = ti
	}

	te := c.TokenExchange
	te.MaxResourceParams = value(te.MaxResourceParams, 10)
	te.MaxAudienceParams = value(te.MaxAudienceParams, 10)

	nsso := c.NativeSSO
	nsso.DeviceSecretTTL = value(nsso.DeviceSecretTTL, 30*24*time.Hour)
	nsso.MaxSecretsPerUser = value(nsso.MaxSecretsPerUser, 10)
	nsso.OverflowPolicy = value(nsso.OverflowPolicy, "revoke_oldest")
	nsso.RateLimitWindow = value(nsso.RateLimitWindow, time.Minute)
	nsso.RateLimitMax = value(nsso.RateLimitMax, 10)
	nsso.RateLimitBlockFor = value(nsso.RateLimitBlockFor, 5*time.Minute)

	lo := c.Logout
	lo.BackchannelTimeout = value(lo.BackchannelTimeout, 5*time.Second)
	lo.BackchannelRetries = value(lo.BackchannelRetries, 2)
	lo.LogoutTokenTTL = value(lo.LogoutTokenTTL, 2*time.Minute)

	var sender *webhook.Sender
	if len(c.WebhookSecretKey) > 0 {
		sender, err = webhook.NewSender(c.Logger, c.WebhookSecretKey, lo.BackchannelTimeout, lo.BackchannelRetries)
		if err != nil {
			return nil, fmt.Errorf("server: webhook sender: %v", err)
		}
	}

	s := &Server{
		issuerURL:              *issuerURL,
		storage:                c.Storage,
		cfg:                    config.ReaderOrDefault(c.ConfigProvider),
		events:                 c.Events,
		allowedGrants:          allowedGrants,
		accessTokensValidFor:   value(c.AccessTokensValidFor, time.Hour),
		idTokensValidFor:       value(c.IDTokensValidFor, 24*time.Hour),
		refreshTokensValidFor:  value(c.RefreshTokensValidFor, 30*24*time.Hour),
		authCodesValidFor:      value(c.AuthCodesValidFor, 10*time.Minute),
		deviceRequestsValidFor: value(c.DeviceRequestsValidFor, 5*time.Minute),
		sessionsValidFor:       value(c.SessionsValidFor, 24*time.Hour),
		sessionExtendCap:       value(c.SessionExtendCap, 24*time.Hour),
		refreshTokenPolicy:     c.RefreshTokenPolicy,
		sessionShards:          value(c.SessionShards, 16),
		familyShards:           value(c.FamilyShards, 16),
		revocationShards:       value(c.RevocationShards, 16),
		currentGeneration:      value(c.CurrentGeneration, 1),
		trustedIssuers:         trusted,
		tokenExchange:          te,
		nativeSSO:              nsso,
		logout:                 lo,
		otpHMACSecret:          c.OTPHMACSecret,
		deviceIDHMACSecret:     c.DeviceIDHMACSecret,
		webhookSender:          sender,
		cookieSameSite:         value(c.CookieSameSite, http.SameSiteLaxMode),
		cookieSecure:           c.CookieSecure,
		now:                    now,
		logger:                 c.Logger,
	}
	s.keys = newKeyCache(c.Storage, now, c.Logger)
	s.dpop = newDPoPValidator(c.Storage, now, c.Logger)
	s.bg = newWaitUntilPool(c.Logger)

	requestMetrics, err := newRequestMetrics(c.PrometheusRegistry)
	if err != nil {
		return nil, fmt.Errorf("server: failed to register metrics: %v", err)
	}

	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	handle := func(p string, h http.Handler) {
		r.Handle(path.Join(issuerURL.Path, p), instrumentHandler(p, h, requestMetrics))
	}
	handleFunc := func(p string, h http.HandlerFunc) {
		handle(p, h)
	}
	handleMethods := func(p string, h http.HandlerFunc, methods ...string) {
		r.Handle(path.Join(issuerURL.Path, p), instrumentHandler(p, h, requestMetrics)).Methods(methods...)
	}

	handleWithCORS := func(p string, h http.HandlerFunc) {
		var handler http.Handler = h
		if len(c.AllowedOrigins) > 0 {
			allowedHeaders := []string{"Authorization", "Content-Type", "DPoP"}
			cors := handlers.CORS(
				handlers.AllowedOrigins(c.AllowedOrigins),
				handlers.AllowedHeaders(allowedHeaders),
			)
			handler = cors(handler)
		}
		handle(p, handler)
	}

	discoveryHandler, err := s.discoveryHandler()
	if err != nil {
		return nil, err
	}
	handleWithCORS("/.well-known/openid-configuration", discoveryHandler)
	handleWithCORS("/token", s.handleToken)
	handleWithCORS("/keys", s.handlePublicKeys)
	handleWithCORS("/device/code", s.handleDeviceCode)
	handleWithCORS("/bc-authorize", s.handleCIBARequest)

	handleMethods("/auth/consent", s.handleConsentData, http.MethodGet)
	handleMethods("/auth/consent", s.handleConsentDecision, http.MethodPost)
	handleFunc("/auth/login-challenge", s.handleLoginChallenge)

	handleMethods("/logout", s.handleFrontchannelLogout, http.MethodGet)
	handleMethods("/logout/backchannel", s.handleBackchannelLogout, http.MethodPost)

	handleMethods("/auth/session/token", s.handleSessionToken, http.MethodPost)
	handleMethods("/auth/session/verify", s.handleSessionVerify, http.MethodPost)
	handleMethods("/session/status", s.handleSessionStatus, http.MethodGet)
	handleMethods("/session/refresh", s.handleSessionRefresh, http.MethodPost)
	handleMethods("/session/check", s.handleCheckSession, http.MethodGet)

	handleMethods("/api/auth/anon-login/challenge", s.handleAnonChallenge, http.MethodPost)
	handleMethods("/api/auth/anon-login/verify", s.handleAnonVerify, http.MethodPost)
	handleMethods("/api/auth/upgrade", s.handleUpgradeStart, http.MethodPost)
	handleMethods("/api/auth/upgrade/complete", s.handleUpgradeComplete, http.MethodPost)
	handleMethods("/api/auth/upgrade/status", s.handleUpgradeStatus, http.MethodGet)

	handleMethods("/api/v1/auth/direct/email/send", s.handleDirectEmailSend, http.MethodPost)
	handleMethods("/api/v1/auth/direct/email/verify", s.handleDirectEmailVerify, http.MethodPost)
	handleMethods("/api/v1/auth/direct/passkey/start", s.handleDirectPasskeyStart, http.MethodPost)
	handleMethods("/api/v1/auth/direct/passkey/finish", s.handleDirectPasskeyFinish, http.MethodPost)
	handleMethods("/api/v1/auth/direct/token", s.handleDirectToken, http.MethodPost)
	handleMethods("/api/v1/auth/direct/logout", s.handleDirectLogout, http.MethodPost)

	handleMethods("/auth/did/register/challenge", s.handleDIDRegisterChallenge, http.MethodPost)
	handleMethods("/auth/did/register/verify", s.handleDIDRegisterVerify, http.MethodPost)
	handleMethods("/auth/did/list", s.handleDIDList, http.MethodGet)
	handleMethods("/auth/did/unlink/{did}", s.handleDIDUnlink, http.MethodDelete)

	if c.PrometheusRegistry != nil {
		handle("/metrics", metricsHandler(c.PrometheusRegistry))
	}
	if c.HealthChecker != nil {
		if err := c.HealthChecker.RegisterCheck(
			&checks.CustomCheck{
				CheckName: "storage",
				CheckFunc: storageHealthCheck(s.storage, now),
			},
			gosundheit.ExecutionPeriod(15*time.Second),
			gosundheit.InitiallyPassing(true),
		); err != nil {
			return nil, fmt.Errorf("server: failed to register health check: %v", err)
		}
		handleFunc("/healthz", healthHandler(c.HealthChecker))
	}

	s.mux = r

	strategy := defaultRotationStrategy(
		value(c.RotateKeysAfter, 6*time.Hour),
		value(c.KeyOverlapWindow, 24*time.Hour),
	)
	if c.StaticSigningKey != nil {
		strategy = staticRotationStrategy(c.StaticSigningKey)
	}
	s.startKeyRotation(ctx, strategy, now)
	s.startGarbageCollection(ctx, value(c.GCFrequency, 5*time.Minute), now)

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Shutdown drains background fan-out work; in-flight logout notifications and
// event publishes complete before it returns.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.bg.drain(ctx)
}

func (s *Server) absURL(pathItems ...string) string {
	u := s.issuerURL
	paths := append([]string{u.Path}, pathItems...)
	u.Path = path.Join(paths...)
	return u.String()
}

func (s *Server) startGarbageCollection(ctx context.Context, frequency time.Duration, now func() time.Time) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(frequency):
				if r, err := s.storage.GarbageCollect(ctx, now()); err != nil {
					s.logger.ErrorContext(ctx, "garbage collection failed", "err", err)
				} else if !r.IsEmpty() {
					s.logger.InfoContext(ctx, "garbage collection run",
						"challenges", r.Challenges, "auth_codes", r.AuthCodes,
						"sessions", r.Sessions, "families", r.RefreshFamilies,
						"revocations", r.Revocations, "device_secrets", r.DeviceSecrets,
						"device_requests", r.DeviceRequests, "device_tokens", r.DeviceTokens,
						"ciba_requests", r.CIBARequests)
				}
			}
		}
	}()
}

func storageHealthCheck(s storage.Storage, now func() time.Time) func(ctx context.Context) (details interface{}, err error) {
	return func(ctx context.Context) (details interface{}, err error) {
		id := storage.NewID()
		c := storage.Challenge{
			ID:        id,
			Kind:      storage.ChallengeLogin,
			CreatedAt: now(),
			Expiry:    now().Add(time.Minute),
		}
		if err := s.CreateChallenge(ctx, c); err != nil {
			return "create failed", err
		}
		if err := s.DeleteChallenge(ctx, id); err != nil {
			return "delete failed", err
		}
		return "ok", nil
	}
}

func healthHandler(checker gosundheit.Health) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !checker.IsHealthy() {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}
}
