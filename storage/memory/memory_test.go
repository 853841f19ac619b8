package memory

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/storage"
)

func newStorage(t *testing.T) storage.Storage {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(logger)
}

func TestAuthCodeSingleUse(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()

	code := storage.AuthCode{
		ID:       "code1",
		ClientID: "client",
		Expiry:   time.Now().Add(time.Minute),
	}
	require.NoError(t, s.CreateAuthCode(ctx, code))

	// Many concurrent consumers, exactly one winner.
	const n = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		replays   int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeAuthCode(ctx, "code1", nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, storage.ErrAlreadyConsumed):
				replays++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, successes)
	require.Equal(t, n-1, replays)
}

func TestAuthCodeReplayRevealsJTIs(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAuthCode(ctx, storage.AuthCode{
		ID:       "code1",
		ClientID: "client",
		Expiry:   time.Now().Add(time.Minute),
	}))

	_, err := s.ConsumeAuthCode(ctx, "code1", nil)
	require.NoError(t, err)
	require.NoError(t, s.RegisterIssuedTokens(ctx, "code1", "at-jti", "rt-jti"))

	_, err = s.ConsumeAuthCode(ctx, "code1", nil)
	var replay *storage.ReplayError
	require.ErrorAs(t, err, &replay)
	require.Equal(t, "at-jti", replay.AccessJTI)
	require.Equal(t, "rt-jti", replay.RefreshJTI)
}

func TestAuthCodePredicateFailureDoesNotConsume(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAuthCode(ctx, storage.AuthCode{
		ID:       "code1",
		ClientID: "client",
		Expiry:   time.Now().Add(time.Minute),
	}))

	wantErr := errors.New("pkce mismatch")
	_, err := s.ConsumeAuthCode(ctx, "code1", func(storage.AuthCode) error { return wantErr })
	require.ErrorIs(t, err, wantErr)

	// The refused attempt must not have burned the code.
	_, err = s.ConsumeAuthCode(ctx, "code1", nil)
	require.NoError(t, err)
}

func TestChallengeConsumeExpired(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()

	require.NoError(t, s.CreateChallenge(ctx, storage.Challenge{
		ID:     "ch1",
		Kind:   storage.ChallengeEmailCode,
		Expiry: time.Now().Add(-time.Minute),
	}))
	_, err := s.ConsumeChallenge(ctx, "ch1", nil)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRotateRefreshMonotonic(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()

	key := storage.FamilyKey{UserID: "u1", ClientID: "c1", Generation: 1, Shard: 4}
	require.NoError(t, s.CreateRefreshFamily(ctx, storage.RefreshFamily{
		Key:         key,
		HeadVersion: 1,
		HeadJTI:     "jti-1",
		Expiry:      time.Now().Add(time.Hour),
	}))

	f, err := s.RotateRefresh(ctx, key, 1, "jti-1", "jti-2", nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), f.HeadVersion)
	require.Equal(t, "jti-2", f.HeadJTI)

	// Replaying the old head revokes the family.
	_, err = s.RotateRefresh(ctx, key, 1, "jti-1", "jti-3", nil)
	require.ErrorIs(t, err, storage.ErrVersionConflict)

	f, err = s.GetRefreshFamily(ctx, key)
	require.NoError(t, err)
	require.True(t, f.Revoked)
	require.Equal(t, "theft_detected", f.RevokedReason)

	// Even the legitimate head is now dead.
	_, err = s.RotateRefresh(ctx, key, 2, "jti-2", "jti-4", nil)
	require.ErrorIs(t, err, storage.ErrFamilyRevoked)
}

func TestRotateRefreshConcurrent(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()

	key := storage.FamilyKey{UserID: "u1", ClientID: "c1", Generation: 1, Shard: 0}
	require.NoError(t, s.CreateRefreshFamily(ctx, storage.RefreshFamily{
		Key:         key,
		HeadVersion: 1,
		HeadJTI:     "jti-1",
		Expiry:      time.Now().Add(time.Hour),
	}))

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RotateRefresh(ctx, key, 1, "jti-1", storage.NewID(), nil)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	// At most one rotation can succeed with version 1; the rest trip theft
	// detection.
	require.LessOrEqual(t, successes, 1)
}

func TestListRefreshFamiliesByUser(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		key := storage.FamilyKey{UserID: "u1", ClientID: storage.NewID(), Generation: 1, Shard: i}
		require.NoError(t, s.CreateRefreshFamily(ctx, storage.RefreshFamily{
			Key: key, HeadVersion: 1, HeadJTI: storage.NewID(), Expiry: time.Now().Add(time.Hour),
		}))
	}
	fs, err := s.ListRefreshFamiliesByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, fs, 3)
}

func TestDeviceSecretUseLimit(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDeviceSecret(ctx, storage.DeviceSecret{
		ID:          "ds1",
		UserID:      "u1",
		SecretHash:  "hash",
		Expiry:      time.Now().Add(time.Hour),
		MaxUseCount: 2,
		Active:      true,
	}))

	d, err := s.UseDeviceSecret(ctx, "ds1", "hash")
	require.NoError(t, err)
	require.Equal(t, 1, d.UseCount)
	require.True(t, d.Active)

	d, err = s.UseDeviceSecret(ctx, "ds1", "hash")
	require.NoError(t, err)
	require.Equal(t, 2, d.UseCount)
	require.False(t, d.Active)

	_, err = s.UseDeviceSecret(ctx, "ds1", "hash")
	require.ErrorIs(t, err, storage.ErrUseLimitExceeded)
}

func TestDeviceSecretWrongHash(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDeviceSecret(ctx, storage.DeviceSecret{
		ID: "ds1", UserID: "u1", SecretHash: "hash", Expiry: time.Now().Add(time.Hour), Active: true,
	}))
	_, err := s.UseDeviceSecret(ctx, "ds1", "wrong")
	require.ErrorIs(t, err, storage.ErrNotFound)

	// A failed hash check must not consume a use.
	d, err := s.UseDeviceSecret(ctx, "ds1", "hash")
	require.NoError(t, err)
	require.Equal(t, 1, d.UseCount)
}

func TestSessionInvalidateCascades(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()

	sid := storage.NewSessionID(4)
	require.NoError(t, s.CreateSession(ctx, storage.Session{
		ID: sid, UserID: "u1", Expiry: time.Now().Add(time.Hour),
	}))
	require.NoError(t, s.UpsertSessionClient(ctx, storage.SessionClient{SessionID: sid, ClientID: "c1"}))

	destroyed, err := s.InvalidateSession(ctx, sid)
	require.NoError(t, err)
	require.True(t, destroyed)

	// Second invalidation is a no-op; concurrent logouts use this to pick an
	// event emitter.
	destroyed, err = s.InvalidateSession(ctx, sid)
	require.NoError(t, err)
	require.False(t, destroyed)

	scs, err := s.ListSessionClients(ctx, sid)
	require.NoError(t, err)
	require.Empty(t, scs)
}

func TestAnonymousDeviceUniqueness(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()

	d := storage.AnonymousDevice{
		ID: "d1", TenantID: "default", UserID: "u1", DeviceIDHash: "hash", Active: true,
	}
	require.NoError(t, s.CreateAnonymousDevice(ctx, d))

	d2 := d
	d2.ID = "d2"
	require.ErrorIs(t, s.CreateAnonymousDevice(ctx, d2), storage.ErrAlreadyExists)

	// Deactivating the record frees the slot.
	require.NoError(t, s.UpdateAnonymousDevice(ctx, "default", "hash", func(old storage.AnonymousDevice) (storage.AnonymousDevice, error) {
		old.Active = false
		return old, nil
	}))
	require.NoError(t, s.CreateAnonymousDevice(ctx, d2))
}

func TestRegisterJTIReplayWindow(t *testing.T) {
	now := time.Now()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s := NewWithClock(logger, func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.RegisterJTI(ctx, "dpop/c1", "jti1", now.Add(time.Minute)))
	require.ErrorIs(t, s.RegisterJTI(ctx, "dpop/c1", "jti1", now.Add(time.Minute)), storage.ErrAlreadyExists)

	// A different client's bucket is independent.
	require.NoError(t, s.RegisterJTI(ctx, "dpop/c2", "jti1", now.Add(time.Minute)))

	// Past the window the identifier may be seen again.
	now = now.Add(2 * time.Minute)
	require.NoError(t, s.RegisterJTI(ctx, "dpop/c1", "jti1", now.Add(time.Minute)))
}

func TestRateLimitWindowReset(t *testing.T) {
	now := time.Now()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s := NewWithClock(logger, func() time.Time { return now })
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		count, err := s.RateLimitIncr(ctx, "k", time.Minute)
		require.NoError(t, err)
		require.Equal(t, i, count)
	}

	now = now.Add(2 * time.Minute)
	count, err := s.RateLimitIncr(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestRevocationExpiry(t *testing.T) {
	now := time.Now()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s := NewWithClock(logger, func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.Revoke(ctx, storage.RevocationEntry{
		JTI: "jti1", RevokedAt: now, Expiry: now.Add(time.Minute), Reason: "auth_code_replay",
	}))
	revoked, err := s.IsRevoked(ctx, "jti1")
	require.NoError(t, err)
	require.True(t, revoked)

	now = now.Add(2 * time.Minute)
	revoked, err = s.IsRevoked(ctx, "jti1")
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestGarbageCollect(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.CreateChallenge(ctx, storage.Challenge{ID: "ch1", Expiry: now.Add(-time.Minute)}))
	require.NoError(t, s.CreateAuthCode(ctx, storage.AuthCode{ID: "code1", Expiry: now.Add(-time.Minute)}))
	require.NoError(t, s.CreateSession(ctx, storage.Session{ID: storage.NewSessionID(2), Expiry: now.Add(-time.Minute)}))
	require.NoError(t, s.CreateChallenge(ctx, storage.Challenge{ID: "ch2", Expiry: now.Add(time.Hour)}))

	result, err := s.GarbageCollect(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), result.Challenges)
	require.Equal(t, int64(1), result.AuthCodes)
	require.Equal(t, int64(1), result.Sessions)

	_, err = s.GetChallenge(ctx, "ch2")
	require.NoError(t, err)
}

func TestLinkedIdentityUniqueness(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()

	li := storage.LinkedIdentity{UserID: "u1", ProviderID: "did", ProviderUserID: "did:example:123", LinkedAt: time.Now()}
	require.NoError(t, s.CreateLinkedIdentity(ctx, li))

	li.UserID = "u2"
	require.ErrorIs(t, s.CreateLinkedIdentity(ctx, li), storage.ErrAlreadyExists)
}
