package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/ghodss/yaml"

	"github.com/authrim/authrim/server"
	"github.com/authrim/authrim/storage"
	"github.com/authrim/authrim/storage/memory"
	"github.com/authrim/authrim/storage/redis"
)

// Config is the config format for the main application.
type Config struct {
	Issuer  string  `json:"issuer"`
	Storage Storage `json:"storage"`
	Web     Web     `json:"web"`
	Logger  Logger  `json:"logger"`

	Production bool `json:"production"`

	// Seed data applied at startup.
	StaticClients []storage.Client        `json:"staticClients"`
	Tenants       []storage.TenantProfile `json:"tenants"`

	TrustedIssuers []TrustedIssuer `json:"trustedIssuers"`

	Expiry Expiry `json:"expiry"`

	OAuth2 OAuth2 `json:"oauth2"`

	// Hex or raw secrets for OTP hashing, device-id hashing and webhook
	// secret encryption. Environment expansion applies.
	OTPHMACSecret      string `json:"otpHMACSecret"`
	DeviceIDHMACSecret string `json:"deviceIDHMACSecret"`
	WebhookSecretKey   string `json:"webhookSecretKey"`

	AllowedOrigins []string `json:"allowedOrigins"`
}

// Web is the config format for the HTTP server.
type Web struct {
	HTTP    string `json:"http"`
	HTTPS   string `json:"https"`
	TLSCert string `json:"tlsCert"`
	TLSKey  string `json:"tlsKey"`
}

// Logger holds configuration required to customize logging.
type Logger struct {
	// Level sets logging level severity: debug, info, warn, error.
	Level string `json:"level"`
	// Format specifies the format to be used for logging: text, json.
	Format string `json:"format"`
}

// Expiry holds configuration for the validity period of components.
type Expiry struct {
	SigningKeys    string `json:"signingKeys"`
	KeyOverlap     string `json:"keyOverlap"`
	IDTokens       string `json:"idTokens"`
	AccessTokens   string `json:"accessTokens"`
	RefreshTokens  string `json:"refreshTokens"`
	AuthCodes      string `json:"authCodes"`
	DeviceRequests string `json:"deviceRequests"`
	Sessions       string `json:"sessions"`

	RefreshRotation          *bool  `json:"refreshRotation"`
	RefreshValidIfNotUsedFor string `json:"refreshValidIfNotUsedFor"`
}

// OAuth2 gates optional grant behavior.
type OAuth2 struct {
	GrantTypes    []string                   `json:"grantTypes"`
	TokenExchange server.TokenExchangeConfig `json:"tokenExchange"`
	NativeSSO     server.NativeSSOConfig     `json:"nativeSSO"`
	Logout        server.LogoutConfig        `json:"logout"`
}

// TrustedIssuer mirrors server.TrustedIssuer with a serializable JWKS blob.
type TrustedIssuer struct {
	Issuer        string          `json:"issuer"`
	JWKS          json.RawMessage `json:"jwks"`
	AllowedScopes []string        `json:"allowedScopes"`
	Audience      string          `json:"audience"`
}

// Storage holds app's storage configuration.
type Storage struct {
	Type   string        `json:"type"`
	Config StorageConfig `json:"config"`
}

// StorageConfig is a configuration that can create a storage.
type StorageConfig interface {
	Open(logger *slog.Logger) (storage.Storage, error)
}

var storages = map[string]func() StorageConfig{
	"memory": func() StorageConfig { return new(memory.Config) },
	"redis":  func() StorageConfig { return new(redis.Config) },
}

// UnmarshalJSON allows Storage to unmarshal its config member dynamically
// based on the storage type.
func (s *Storage) UnmarshalJSON(b []byte) error {
	var store struct {
		Type   string          `json:"type"`
		Config json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(b, &store); err != nil {
		return fmt.Errorf("parse storage: %v", err)
	}
	f, ok := storages[store.Type]
	if !ok {
		return fmt.Errorf("unknown storage type %q", store.Type)
	}

	storageConfig := f()
	if len(store.Config) != 0 {
		data := []byte(os.Expand(string(store.Config), getenv))
		if err := json.Unmarshal(data, storageConfig); err != nil {
			return fmt.Errorf("parse storage config: %v", err)
		}
	}
	*s = Storage{
		Type:   store.Type,
		Config: storageConfig,
	}
	return nil
}

func getenv(name string) string {
	return os.Getenv(name)
}

// expandEnv substitutes $VAR and ${VAR} references in raw config before
// parsing, the same way the config file documents them.
func expandEnv(raw []byte) []byte {
	return []byte(os.Expand(string(raw), getenv))
}

func loadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %v", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(expandEnv(raw), &c); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %v", path, err)
	}
	if c.Issuer == "" {
		return Config{}, fmt.Errorf("no issuer specified in config file")
	}
	if c.Storage.Config == nil {
		return Config{}, fmt.Errorf("no storage supplied in config file")
	}
	return c, nil
}

func newLogger(cfg Logger) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "", "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("log level is not one of the supported values (debug, info, warn, error): %s", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("log format is not one of the supported values (text, json): %s", cfg.Format)
	}
}
