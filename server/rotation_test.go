package server

import (
	"context"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyRotationOverlap(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	keys, err := store.GetKeys(ctx)
	require.NoError(t, err)
	require.NotNil(t, keys.SigningKeyPub, "startup rotation must install a signing key")
	firstKID := keys.SigningKeyPub.KeyID

	require.NoError(t, s.RotateKeysNow(ctx, 24*time.Hour))

	keys, err = store.GetKeys(ctx)
	require.NoError(t, err)
	require.NotEqual(t, firstKID, keys.SigningKeyPub.KeyID)

	// The demoted key stays available for verification during the overlap.
	require.Len(t, keys.VerificationKeys, 1)
	require.Equal(t, firstKID, keys.VerificationKeys[0].PublicKey.KeyID)

	key, err := s.verificationKey(ctx, firstKID)
	require.NoError(t, err)
	require.Equal(t, firstKID, key.KeyID)
}

func TestEmergencyRotationDropsOldKey(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	keys, err := store.GetKeys(ctx)
	require.NoError(t, err)
	oldKID := keys.SigningKeyPub.KeyID

	// Zero overlap: the old key must disappear immediately.
	require.NoError(t, s.RotateKeysNow(ctx, 0))

	keys, err = store.GetKeys(ctx)
	require.NoError(t, err)
	require.NotEqual(t, oldKID, keys.SigningKeyPub.KeyID)
	require.Empty(t, keys.VerificationKeys)

	_, err = s.verificationKey(ctx, oldKID)
	require.ErrorIs(t, err, errUnknownKey)
}

func TestVerificationSurvivesRotationWithOverlap(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	minted, err := s.newAccessToken(ctx, accessTokenConfig{
		subject:  "user-1",
		clientID: "c1",
		validFor: time.Hour,
	})
	require.NoError(t, err)

	require.NoError(t, s.RotateKeysNow(ctx, 24*time.Hour))

	// A token signed before rotation still verifies against the overlap key,
	// even though the in-process cache saw the rotation.
	_, err = s.verifySignature(ctx, minted.token)
	require.NoError(t, err)
}

func TestVerificationFailsAfterEmergencyRotation(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	minted, err := s.newAccessToken(ctx, accessTokenConfig{
		subject:  "user-1",
		clientID: "c1",
		validFor: time.Hour,
	})
	require.NoError(t, err)

	require.NoError(t, s.RotateKeysNow(ctx, 0))

	_, err = s.verifySignature(ctx, minted.token)
	require.Error(t, err, "tokens signed by the dropped key must fail verification")
}

func TestStaticSigningKeyPinned(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	keys, err := store.GetKeys(ctx)
	require.NoError(t, err)
	require.NotNil(t, keys.SigningKey)

	// The configured key is installed verbatim and scheduled rotation is
	// pushed out far enough to never fire.
	installed, ok := keys.SigningKey.Key.(*rsa.PrivateKey)
	require.True(t, ok)
	require.Zero(t, installed.N.Cmp(testSigningKey.N))
	require.True(t, keys.NextRotation.After(s.now().Add(24*time.Hour*365)))
}

func TestRefreshRotationRequiredInProduction(t *testing.T) {
	logger := testLogger()
	policy, err := NewRefreshTokenPolicy(logger, false, "", "")
	require.NoError(t, err)

	_, err = NewServer(context.Background(), Config{
		Issuer:             testIssuer,
		Storage:            newTestStorage(t),
		Logger:             logger,
		Production:         true,
		RefreshTokenPolicy: policy,
	})
	require.Error(t, err, "disabled rotation is a testing-only switch")
}
