package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeKV map[string]string

func (f fakeKV) GetConfigValue(_ context.Context, key string) (string, error) {
	v, ok := f[key]
	if !ok {
		return "", errNotFound
	}
	return v, nil
}

var errNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "not found" }

func TestEnvKey(t *testing.T) {
	require.Equal(t, "AUTHRIM_TENANT_MAX_TOKEN_TTL_SECONDS", EnvKey("tenant.max_token_ttl_seconds"))
	require.Equal(t, "AUTHRIM_FAPI_REQUIRE_DPOP", EnvKey("fapi.require-dpop"))
}

func TestPriorityOrder(t *testing.T) {
	ctx := context.Background()

	// KV beats env beats default.
	t.Setenv("AUTHRIM_SOME_KEY", "from-env")
	p := New(fakeKV{"some.key": "from-kv"}, nil)
	require.Equal(t, "from-kv", p.Get(ctx, "some.key", "default"))

	p = New(fakeKV{}, nil)
	require.Equal(t, "from-env", p.Get(ctx, "some.key", "default"))

	p = New(fakeKV{}, nil)
	require.Equal(t, "default", p.Get(ctx, "other.key", "default"))
}

func TestTypedGetters(t *testing.T) {
	ctx := context.Background()
	p := New(fakeKV{
		"int.key":      "42",
		"bool.key":     "true",
		"dur.key":      "90s",
		"dur.bare":     "300",
		"garbage.int":  "zap",
		"garbage.bool": "maybe",
	}, nil)

	require.Equal(t, 42, p.GetInt(ctx, "int.key", 7))
	require.Equal(t, 7, p.GetInt(ctx, "missing", 7))
	require.Equal(t, 7, p.GetInt(ctx, "garbage.int", 7))

	require.True(t, p.GetBool(ctx, "bool.key", false))
	require.False(t, p.GetBool(ctx, "garbage.bool", false))

	require.Equal(t, 90*time.Second, p.GetDuration(ctx, "dur.key", time.Minute))
	require.Equal(t, 300*time.Second, p.GetDuration(ctx, "dur.bare", time.Minute))
	require.Equal(t, time.Minute, p.GetDuration(ctx, "missing", time.Minute))
}
