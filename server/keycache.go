package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/authrim/authrim/storage"
)

// errUnknownKey is returned when a kid cannot be resolved even after a fresh
// fetch. Callers must treat it as a signature failure and must not echo the
// kid back to the caller.
var errUnknownKey = errors.New("unknown signing key")

var allowedSigAlgs = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512, jose.ES256, jose.ES384, jose.ES512,
}

const signingKeyCacheTTL = 5 * time.Minute

// keyCache is the in-process, read-mostly view over the stored key set.
// The signing side refreshes on a short TTL; the verification side
// invalidates immediately when asked for a kid it does not hold, which is
// what makes zero-overlap emergency rotation work.
type keyCache struct {
	storage storage.Storage
	now     func() time.Time
	logger  *slog.Logger

	mu        sync.RWMutex
	keys      storage.Keys
	fetchedAt time.Time
}

func newKeyCache(s storage.Storage, now func() time.Time, logger *slog.Logger) *keyCache {
	return &keyCache{storage: s, now: now, logger: logger}
}

func (c *keyCache) invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

func (c *keyCache) cached() (storage.Keys, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fetchedAt.IsZero() || c.now().After(c.fetchedAt.Add(signingKeyCacheTTL)) {
		return storage.Keys{}, false
	}
	return c.keys, true
}

func (c *keyCache) fetch(ctx context.Context) (storage.Keys, error) {
	keys, err := c.storage.GetKeys(ctx)
	if err != nil {
		return storage.Keys{}, err
	}
	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return keys, nil
}

// get returns the cached key set, fetching when the TTL lapsed. When
// wantKID is non-empty and the cached set already holds that kid the TTL is
// skipped entirely (the kid-match fast path).
func (c *keyCache) get(ctx context.Context, wantKID string) (storage.Keys, error) {
	if keys, ok := c.cached(); ok {
		return keys, nil
	}
	if wantKID != "" {
		c.mu.RLock()
		keys := c.keys
		stale := c.fetchedAt.IsZero()
		c.mu.RUnlock()
		if !stale && holdsKID(keys, wantKID) {
			return keys, nil
		}
	}
	return c.fetch(ctx)
}

func holdsKID(keys storage.Keys, kid string) bool {
	if keys.SigningKeyPub != nil && keys.SigningKeyPub.KeyID == kid {
		return true
	}
	for _, vk := range keys.VerificationKeys {
		if vk.PublicKey != nil && vk.PublicKey.KeyID == kid {
			return true
		}
	}
	return false
}

// activeSigningKey returns the private signing key and its algorithm via the
// Server's cache.
func (s *Server) activeSigningKey(ctx context.Context) (*jose.JSONWebKey, jose.SignatureAlgorithm, error) {
	keys, err := s.keys.get(ctx, "")
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to get keys", "err", err)
		return nil, "", err
	}
	if keys.SigningKey == nil {
		return nil, "", fmt.Errorf("no key to sign payload with")
	}
	alg, err := signatureAlgorithm(keys.SigningKey)
	if err != nil {
		return nil, "", err
	}
	return keys.SigningKey, alg, nil
}

// verificationKey resolves a public key by kid. A kid miss invalidates the
// cache and retries once against fresh state before giving up with
// errUnknownKey. An empty kid resolves to the active key.
func (s *Server) verificationKey(ctx context.Context, kid string) (*jose.JSONWebKey, error) {
	keys, err := s.keys.get(ctx, kid)
	if err != nil {
		return nil, err
	}
	if key := publicKeyByID(keys, kid); key != nil {
		return key, nil
	}
	// Cache may be stale relative to an emergency rotation.
	s.keys.invalidate()
	if keys, err = s.keys.fetch(ctx); err != nil {
		return nil, err
	}
	if key := publicKeyByID(keys, kid); key != nil {
		return key, nil
	}
	return nil, errUnknownKey
}

func publicKeyByID(keys storage.Keys, kid string) *jose.JSONWebKey {
	if keys.SigningKeyPub != nil && (kid == "" || keys.SigningKeyPub.KeyID == kid) {
		return keys.SigningKeyPub
	}
	for _, vk := range keys.VerificationKeys {
		if vk.PublicKey != nil && vk.PublicKey.KeyID == kid {
			return vk.PublicKey
		}
	}
	return nil
}

// verifySignature checks a compact JWS against the published key set and
// returns its payload.
func (s *Server) verifySignature(ctx context.Context, rawJWT string) ([]byte, error) {
	jws, err := jose.ParseSigned(rawJWT, allowedSigAlgs)
	if err != nil {
		return nil, err
	}

	keyID := ""
	for _, sig := range jws.Signatures {
		keyID = sig.Header.KeyID
		break
	}

	key, err := s.verificationKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	payload, err := jws.Verify(key)
	if err != nil {
		// The kid matched but the signature did not; retry against every
		// published key in case of a kid collision across rotations.
		keys, kerr := s.keys.get(ctx, "")
		if kerr != nil {
			return nil, err
		}
		candidates := []*jose.JSONWebKey{keys.SigningKeyPub}
		for _, vk := range keys.VerificationKeys {
			candidates = append(candidates, vk.PublicKey)
		}
		for _, k := range candidates {
			if k == nil {
				continue
			}
			if payload, perr := jws.Verify(k); perr == nil {
				return payload, nil
			}
		}
		return nil, errors.New("failed to verify token signature")
	}
	return payload, nil
}
