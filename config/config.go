// Package config resolves runtime configuration with the priority order
// durable key-value store > environment variable > hard-coded default.
//
// All TTLs, rate limits, feature flags, tenant profiles and allowed-origin
// lists flow through a single Provider so every component observes the same
// value for a key.
package config

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// KV is the durable store layer. The storage package's config-value methods
// satisfy it.
type KV interface {
	GetConfigValue(ctx context.Context, key string) (string, error)
}

// Reader is the lookup side of a Provider.
type Reader interface {
	Get(ctx context.Context, key, def string) string
	GetInt(ctx context.Context, key string, def int) int
	GetBool(ctx context.Context, key string, def bool) bool
	GetDuration(ctx context.Context, key string, def time.Duration) time.Duration
}

// Provider resolves keys against the KV store, then the environment, then the
// supplied default.
type Provider struct {
	kv     KV
	logger *slog.Logger
}

// New returns a provider backed by the given durable store. A nil kv skips
// the store layer.
func New(kv KV, logger *slog.Logger) *Provider {
	return &Provider{kv: kv, logger: logger}
}

// ReaderOrDefault returns p, or an env-and-default-only reader when p is nil.
func ReaderOrDefault(p *Provider) Reader {
	if p != nil {
		return p
	}
	return &Provider{}
}

// EnvKey converts a dotted config key into its environment variable form:
// "tenant.max_token_ttl_seconds" becomes "AUTHRIM_TENANT_MAX_TOKEN_TTL_SECONDS".
func EnvKey(key string) string {
	k := strings.NewReplacer(".", "_", "-", "_").Replace(key)
	return "AUTHRIM_" + strings.ToUpper(k)
}

// Get resolves a key to a string value.
func (p *Provider) Get(ctx context.Context, key, def string) string {
	if p.kv != nil {
		if v, err := p.kv.GetConfigValue(ctx, key); err == nil && v != "" {
			return v
		}
	}
	if v := os.Getenv(EnvKey(key)); v != "" {
		return v
	}
	return def
}

// GetInt resolves a key to an int, falling back to def on parse failure.
func (p *Provider) GetInt(ctx context.Context, key string, def int) int {
	raw := p.Get(ctx, key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("invalid integer config value", "key", key, "value", raw)
		}
		return def
	}
	return v
}

// GetBool resolves a key to a bool, falling back to def on parse failure.
func (p *Provider) GetBool(ctx context.Context, key string, def bool) bool {
	raw := p.Get(ctx, key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("invalid boolean config value", "key", key, "value", raw)
		}
		return def
	}
	return v
}

// GetDuration resolves a key to a duration, falling back to def on parse
// failure. Bare integers are treated as seconds.
func (p *Provider) GetDuration(ctx context.Context, key string, def time.Duration) time.Duration {
	raw := p.Get(ctx, key, "")
	if raw == "" {
		return def
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("invalid duration config value", "key", key, "value", raw)
		}
		return def
	}
	return v
}
