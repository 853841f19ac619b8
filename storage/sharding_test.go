package storage

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifyPKCE(t *testing.T) {
	verifier := strings.Repeat("abc", 15) // 45 chars, valid charset
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	tests := []struct {
		name      string
		verifier  string
		challenge string
		method    string
		wantErr   bool
	}{
		{"valid", verifier, challenge, "S256", false},
		{"valid default method", verifier, challenge, "", false},
		{"wrong verifier", strings.Repeat("xyz", 15), challenge, "S256", true},
		{"too short", "abc", challenge, "S256", true},
		{"too long", strings.Repeat("a", 129), challenge, "S256", true},
		{"bad charset", strings.Repeat("a", 42) + "!!", challenge, "S256", true},
		{"plain method rejected", verifier, verifier, "plain", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := VerifyPKCE(tc.verifier, tc.challenge, tc.method)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestRefreshJTIRoundTrip(t *testing.T) {
	jti := NewRefreshJTI(3, 11)
	gen, shard, err := ParseRefreshJTI(jti)
	require.NoError(t, err)
	require.Equal(t, 3, gen)
	require.Equal(t, 11, shard)

	_, _, err = ParseRefreshJTI("not-base64url!!")
	require.Error(t, err)

	_, _, err = ParseRefreshJTI(base64.RawURLEncoding.EncodeToString([]byte("no-separators")))
	require.Error(t, err)
}

func TestAccessJTISharding(t *testing.T) {
	jti := NewAccessJTI(16)
	shard := ParseAccessJTI(jti)
	require.GreaterOrEqual(t, shard, 0)
	require.Less(t, shard, 16)

	// Unprefixed JTIs route to shard zero.
	require.Equal(t, 0, ParseAccessJTI("plain-jti"))
}

func TestSessionIDRoundTrip(t *testing.T) {
	id := NewSessionID(8)
	shard, ok := ParseSessionID(id)
	require.True(t, ok)
	require.GreaterOrEqual(t, shard, 0)
	require.Less(t, shard, 8)

	// Legacy unprefixed ids are rejected from routable operations.
	_, ok = ParseSessionID("legacy-session-id")
	require.False(t, ok)
	_, ok = ParseSessionID("as_x_foo")
	require.False(t, ok)
	_, ok = ParseSessionID("as_3_")
	require.False(t, ok)
}

func TestEffectiveShard(t *testing.T) {
	require.Equal(t, 3, EffectiveShard(3, 16))
	require.Equal(t, 3, EffectiveShard(19, 16))
	require.Equal(t, 0, EffectiveShard(42, 1))
}

func TestShardForStable(t *testing.T) {
	a := ShardFor("some-key", 16)
	b := ShardFor("some-key", 16)
	require.Equal(t, a, b)
}
