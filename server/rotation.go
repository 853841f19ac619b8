package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/authrim/authrim/storage"
)

var errAlreadyRotated = errors.New("keys already rotated by another server instance")

// rotationStrategy describes a strategy for generating cryptographic keys, how
// often to rotate them, and how long they can validate signatures after rotation.
type rotationStrategy struct {
	// Time between rotations.
	rotationFrequency time.Duration

	// After being rotated how long should the key be kept around for validating
	// signatures? Zero performs an emergency rotation with no overlap.
	overlapWindow time.Duration

	// Keys are always RSA keys. Not every client supports ECDSA keys for
	// verification, so RSA is the safe default.
	key func() (*rsa.PrivateKey, error)
}

// staticRotationStrategy returns a strategy which never rotates keys.
func staticRotationStrategy(key *rsa.PrivateKey) rotationStrategy {
	return rotationStrategy{
		// Setting these values to 100 years is easier than having a flag indicating no rotation.
		rotationFrequency: time.Hour * 8760 * 100,
		overlapWindow:     time.Hour * 8760 * 100,
		key:               func() (*rsa.PrivateKey, error) { return key, nil },
	}
}

// defaultRotationStrategy returns a strategy which rotates keys every provided period,
// holding onto the public parts for the overlap window.
func defaultRotationStrategy(rotationFrequency, overlapWindow time.Duration) rotationStrategy {
	return rotationStrategy{
		rotationFrequency: rotationFrequency,
		overlapWindow:     overlapWindow,
		key: func() (*rsa.PrivateKey, error) {
			return rsa.GenerateKey(rand.Reader, 2048)
		},
	}
}

type keyRotator struct {
	storage.Storage

	strategy rotationStrategy
	now      func() time.Time

	// force rotates regardless of the schedule; used for emergency rotation.
	force bool

	logger *slog.Logger
}

// startKeyRotation begins key rotation in a new goroutine, closing once the context is canceled.
//
// The method blocks until after the first attempt to rotate keys has completed. That way
// healthy storages will return from this call with valid keys.
func (s *Server) startKeyRotation(ctx context.Context, strategy rotationStrategy, now func() time.Time) {
	rotator := keyRotator{Storage: s.storage, strategy: strategy, now: now, logger: s.logger}

	// Try to rotate immediately so properly configured storages will have keys.
	if err := rotator.rotate(ctx); err != nil {
		if err == errAlreadyRotated {
			s.logger.InfoContext(ctx, "key rotation not needed", "err", err)
		} else {
			s.logger.ErrorContext(ctx, "failed to rotate keys", "err", err)
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second * 30):
				if err := rotator.rotate(ctx); err != nil && err != errAlreadyRotated {
					s.logger.ErrorContext(ctx, "failed to rotate keys", "err", err)
				}
			}
		}
	}()
}

// RotateKeysNow forces an immediate rotation regardless of the schedule.
// With a zero overlap window this is an emergency rotation: the old key drops
// out of the JWKS at once and verification caches invalidate on their next
// kid miss.
func (s *Server) RotateKeysNow(ctx context.Context, overlapWindow time.Duration) error {
	rotator := keyRotator{
		Storage:  s.storage,
		strategy: defaultRotationStrategy(time.Second*0, overlapWindow),
		now:      s.now,
		force:    true,
		logger:   s.logger,
	}
	err := rotator.rotate(ctx)
	if err == nil {
		s.keys.invalidate()
	}
	return err
}

func (k keyRotator) rotate(ctx context.Context) error {
	keys, err := k.GetKeys(ctx)
	if err != nil && err != storage.ErrNotFound {
		return fmt.Errorf("get keys: %v", err)
	}
	if !k.force && k.now().Before(keys.NextRotation) {
		return nil
	}
	k.logger.InfoContext(ctx, "keys expired, rotating")

	// Generate the key outside of a storage transaction.
	key, err := k.strategy.key()
	if err != nil {
		return fmt.Errorf("generate key: %v", err)
	}
	b := make([]byte, 20)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err)
	}
	keyID := hex.EncodeToString(b)
	priv := &jose.JSONWebKey{
		Key:       key,
		KeyID:     keyID,
		Algorithm: "RS256",
		Use:       "sig",
	}
	pub := &jose.JSONWebKey{
		Key:       key.Public(),
		KeyID:     keyID,
		Algorithm: "RS256",
		Use:       "sig",
	}

	var nextRotation time.Time
	err = k.Storage.UpdateKeys(ctx, func(keys storage.Keys) (storage.Keys, error) {
		tNow := k.now()

		// If another instance rotated the keys it advanced NextRotation first.
		if !k.force && tNow.Before(keys.NextRotation) {
			return storage.Keys{}, errAlreadyRotated
		}

		expired := func(key storage.VerificationKey) bool {
			return tNow.After(key.Expiry)
		}

		// Remove any verification keys that have expired.
		i := 0
		for _, key := range keys.VerificationKeys {
			if !expired(key) {
				keys.VerificationKeys[i] = key
				i++
			}
		}
		keys.VerificationKeys = keys.VerificationKeys[:i]

		if keys.SigningKeyPub != nil && k.strategy.overlapWindow > 0 {
			// Move the current signing key to a verification-only key for the
			// overlap window so tokens it signed keep verifying.
			verificationKey := storage.VerificationKey{
				PublicKey: keys.SigningKeyPub,
				Expiry:    tNow.Add(k.strategy.overlapWindow),
			}
			keys.VerificationKeys = append(keys.VerificationKeys, verificationKey)
		}

		nextRotation = k.now().Add(k.strategy.rotationFrequency)
		keys.SigningKey = priv
		keys.SigningKeyPub = pub
		keys.NextRotation = nextRotation
		return keys, nil
	})
	if err != nil {
		return err
	}
	k.logger.InfoContext(ctx, "keys rotated", "next_rotation", nextRotation)
	return nil
}

// RefreshTokenPolicy controls refresh-token rotation and family lifetimes.
// There is deliberately no reuse-grace interval: a superseded token is always
// treated as theft and revokes its family.
type RefreshTokenPolicy struct {
	rotateRefreshTokens bool // enable rotation

	absoluteLifetime  time.Duration // interval from family creation to the end of its life
	validIfNotUsedFor time.Duration // interval from the last rotation to the end of its life

	now func() time.Time

	logger *slog.Logger
}

// NewRefreshTokenPolicy parses lifetime strings into a policy. Disabled
// rotation is a testing-only switch; NewServer rejects it in production.
func NewRefreshTokenPolicy(logger *slog.Logger, rotation bool, validIfNotUsedFor, absoluteLifetime string) (*RefreshTokenPolicy, error) {
	r := RefreshTokenPolicy{now: time.Now, logger: logger, rotateRefreshTokens: rotation}
	var err error

	if validIfNotUsedFor != "" {
		r.validIfNotUsedFor, err = time.ParseDuration(validIfNotUsedFor)
		if err != nil {
			return nil, fmt.Errorf("invalid config value %q for refresh token valid if not used for: %v", validIfNotUsedFor, err)
		}
		logger.Info("config refresh tokens valid if not used for", "value", validIfNotUsedFor)
	}

	if absoluteLifetime != "" {
		r.absoluteLifetime, err = time.ParseDuration(absoluteLifetime)
		if err != nil {
			return nil, fmt.Errorf("invalid config value %q for refresh tokens absolute lifetime: %v", absoluteLifetime, err)
		}
		logger.Info("config refresh tokens absolute lifetime", "value", absoluteLifetime)
	}

	logger.Info("config refresh tokens rotation", "enabled", r.rotateRefreshTokens)
	return &r, nil
}

func (r *RefreshTokenPolicy) RotationEnabled() bool {
	return r.rotateRefreshTokens
}

func (r *RefreshTokenPolicy) CompletelyExpired(createdAt time.Time) bool {
	if r.absoluteLifetime == 0 {
		return false // expiration disabled
	}
	return r.now().After(createdAt.Add(r.absoluteLifetime))
}

func (r *RefreshTokenPolicy) ExpiredBecauseUnused(lastUsed time.Time) bool {
	if r.validIfNotUsedFor == 0 {
		return false // expiration disabled
	}
	return r.now().After(lastUsed.Add(r.validIfNotUsedFor))
}
