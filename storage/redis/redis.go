// Package redis implements the storage interface on redis. One-shot records
// carry native TTLs; single-success operations use optimistic WATCH
// transactions so exactly one concurrent caller wins.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"github.com/authrim/authrim/storage"
)

const (
	clientPrefix             = "client/"
	keysName                 = "openid-connect-keys"
	tenantPrefix             = "tenant/"
	challengePrefix          = "challenge/"
	authCodePrefix           = "auth_code/"
	sessionPrefix            = "session/"
	sessionClientPrefix      = "session_client/"
	sessionClientSetPrefix   = "session_clients/"
	familyPrefix             = "family/"
	familyUserPrefix         = "family_user/"
	revocationPrefix         = "revocation/"
	deviceSecretPrefix       = "device_secret/"
	deviceSecretUserPrefix   = "device_secret_user/"
	anonDevicePrefix         = "anon_device/"
	linkedIdentityPrefix     = "linked_identity/"
	linkedIdentityUserPrefix = "linked_identity_user/"
	consentPrefix            = "consent/"
	deviceRequestPrefix      = "device_req/"
	deviceTokenPrefix        = "device_token/"
	cibaPrefix               = "ciba/"
	replayPrefix             = "replay/"
	rateLimitPrefix          = "ratelimit/"
	configPrefix             = "config/"

	defaultStorageTimeout = 5 * time.Second

	// txRetries bounds optimistic-lock retries before surfacing a conflict.
	txRetries = 5
)

type client struct {
	db     redisv9.UniversalClient
	logger *slog.Logger
}

var _ storage.Storage = (*client)(nil)

func (c *client) Close() error {
	return c.db.Close()
}

func opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, defaultStorageTimeout)
}

func familyKey(k storage.FamilyKey) string {
	return fmt.Sprintf("%s%s/%s/%d/%d", familyPrefix, k.UserID, k.ClientID, k.Generation, k.Shard)
}

func ttlUntil(expiry time.Time) time.Duration {
	if expiry.IsZero() {
		return 0
	}
	d := time.Until(expiry)
	if d <= 0 {
		d = time.Second
	}
	return d
}

func (c *client) getJSON(ctx context.Context, key string, v interface{}) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	data, err := c.db.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redisv9.Nil) {
			return storage.ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func (c *client) setJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.db.Set(ctx, key, data, ttl).Err()
}

func (c *client) createJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ok, err := c.db.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrAlreadyExists
	}
	return nil
}

func (c *client) delete(ctx context.Context, key string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	n, err := c.db.Del(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// txUpdate applies updater to the value at key inside a WATCH transaction.
// The updater may return a value to persist, an error to abort, or both a
// value and an error to persist-then-fail (used by theft detection).
func (c *client) txUpdate(ctx context.Context, key string, updater func(old []byte) (new []byte, keepTTL bool, err error)) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	var updaterErr error
	txf := func(tx *redisv9.Tx) error {
		old, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redisv9.Nil) {
				return storage.ErrNotFound
			}
			return err
		}
		newVal, keepTTL, err := updater(old)
		if newVal == nil {
			return err
		}
		updaterErr = err
		_, pipeErr := tx.TxPipelined(ctx, func(pipe redisv9.Pipeliner) error {
			if keepTTL {
				pipe.Set(ctx, key, newVal, redisv9.KeepTTL)
			} else {
				pipe.Set(ctx, key, newVal, 0)
			}
			return nil
		})
		return pipeErr
	}

	for i := 0; i < txRetries; i++ {
		err := c.db.Watch(ctx, txf, key)
		if err == nil {
			return updaterErr
		}
		if errors.Is(err, redisv9.TxFailedErr) {
			continue
		}
		return err
	}
	return errors.New("redis: transaction contention")
}

func (c *client) CreateClient(ctx context.Context, cl storage.Client) error {
	return c.createJSON(ctx, clientPrefix+cl.ID, cl, 0)
}

func (c *client) GetClient(ctx context.Context, id string) (cl storage.Client, err error) {
	err = c.getJSON(ctx, clientPrefix+id, &cl)
	return
}

func (c *client) UpdateClient(ctx context.Context, id string, updater func(old storage.Client) (storage.Client, error)) error {
	return c.txUpdate(ctx, clientPrefix+id, func(old []byte) ([]byte, bool, error) {
		var cl storage.Client
		if err := json.Unmarshal(old, &cl); err != nil {
			return nil, false, err
		}
		cl, err := updater(cl)
		if err != nil {
			return nil, false, err
		}
		data, err := json.Marshal(cl)
		return data, false, err
	})
}

func (c *client) ListClients(ctx context.Context) ([]storage.Client, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	keys, err := c.db.Keys(ctx, clientPrefix+"*").Result()
	if err != nil {
		return nil, err
	}
	clients := make([]storage.Client, 0, len(keys))
	for _, key := range keys {
		var cl storage.Client
		if err := c.getJSON(ctx, key, &cl); err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return nil, err
		}
		clients = append(clients, cl)
	}
	return clients, nil
}

func (c *client) DeleteClient(ctx context.Context, id string) error {
	return c.delete(ctx, clientPrefix+id)
}

func (c *client) GetKeys(ctx context.Context) (keys storage.Keys, err error) {
	err = c.getJSON(ctx, keysName, &keys)
	if err == storage.ErrNotFound {
		return storage.Keys{}, nil
	}
	return
}

func (c *client) UpdateKeys(ctx context.Context, updater func(old storage.Keys) (storage.Keys, error)) error {
	// Keys may not exist yet; seed an empty record so the WATCH tx has a key.
	var existing storage.Keys
	if err := c.getJSON(ctx, keysName, &existing); err == storage.ErrNotFound {
		keys, uerr := updater(storage.Keys{})
		if uerr != nil {
			return uerr
		}
		cerr := c.createJSON(ctx, keysName, keys, 0)
		if cerr != storage.ErrAlreadyExists {
			// Either the seed write stuck (done) or it failed outright.
			return cerr
		}
		// Lost the seed race; fall through and update the winner's record.
	}
	return c.txUpdate(ctx, keysName, func(old []byte) ([]byte, bool, error) {
		var keys storage.Keys
		if err := json.Unmarshal(old, &keys); err != nil {
			return nil, false, err
		}
		keys, err := updater(keys)
		if err != nil {
			return nil, false, err
		}
		data, err := json.Marshal(keys)
		return data, false, err
	})
}

func (c *client) GetTenantProfile(ctx context.Context, tenantID string) (p storage.TenantProfile, err error) {
	err = c.getJSON(ctx, tenantPrefix+tenantID, &p)
	return
}

func (c *client) UpsertTenantProfile(ctx context.Context, p storage.TenantProfile) error {
	return c.setJSON(ctx, tenantPrefix+p.ID, p, 0)
}

func (c *client) CreateChallenge(ctx context.Context, ch storage.Challenge) error {
	return c.createJSON(ctx, challengePrefix+ch.ID, ch, ttlUntil(ch.Expiry))
}

func (c *client) GetChallenge(ctx context.Context, id string) (ch storage.Challenge, err error) {
	err = c.getJSON(ctx, challengePrefix+id, &ch)
	return
}

func (c *client) ConsumeChallenge(ctx context.Context, id string, predicate func(storage.Challenge) error) (storage.Challenge, error) {
	var consumed storage.Challenge
	err := c.txUpdate(ctx, challengePrefix+id, func(old []byte) ([]byte, bool, error) {
		var ch storage.Challenge
		if err := json.Unmarshal(old, &ch); err != nil {
			return nil, false, err
		}
		if ch.Consumed() {
			return nil, false, storage.ErrAlreadyConsumed
		}
		if predicate != nil {
			if err := predicate(ch); err != nil {
				return nil, false, err
			}
		}
		ch.ConsumedAt = time.Now().UTC()
		consumed = ch
		data, err := json.Marshal(ch)
		return data, true, err
	})
	return consumed, err
}

func (c *client) UpdateChallenge(ctx context.Context, id string, updater func(old storage.Challenge) (storage.Challenge, error)) error {
	return c.txUpdate(ctx, challengePrefix+id, func(old []byte) ([]byte, bool, error) {
		var ch storage.Challenge
		if err := json.Unmarshal(old, &ch); err != nil {
			return nil, false, err
		}
		ch, err := updater(ch)
		if err != nil {
			return nil, false, err
		}
		data, err := json.Marshal(ch)
		return data, true, err
	})
}

func (c *client) DeleteChallenge(ctx context.Context, id string) error {
	return c.delete(ctx, challengePrefix+id)
}

func (c *client) CreateAuthCode(ctx context.Context, code storage.AuthCode) error {
	return c.createJSON(ctx, authCodePrefix+code.ID, code, ttlUntil(code.Expiry))
}

func (c *client) GetAuthCode(ctx context.Context, id string) (code storage.AuthCode, err error) {
	err = c.getJSON(ctx, authCodePrefix+id, &code)
	return
}

func (c *client) ConsumeAuthCode(ctx context.Context, id string, predicate func(storage.AuthCode) error) (storage.AuthCode, error) {
	var consumed storage.AuthCode
	err := c.txUpdate(ctx, authCodePrefix+id, func(old []byte) ([]byte, bool, error) {
		var code storage.AuthCode
		if err := json.Unmarshal(old, &code); err != nil {
			return nil, false, err
		}
		if code.Consumed() {
			return nil, false, &storage.ReplayError{AccessJTI: code.AccessJTI, RefreshJTI: code.RefreshJTI}
		}
		if predicate != nil {
			if err := predicate(code); err != nil {
				return nil, false, err
			}
		}
		code.ConsumedAt = time.Now().UTC()
		consumed = code
		data, err := json.Marshal(code)
		return data, true, err
	})
	return consumed, err
}

func (c *client) RegisterIssuedTokens(ctx context.Context, code, accessJTI, refreshJTI string) error {
	return c.txUpdate(ctx, authCodePrefix+code, func(old []byte) ([]byte, bool, error) {
		var ac storage.AuthCode
		if err := json.Unmarshal(old, &ac); err != nil {
			return nil, false, err
		}
		ac.AccessJTI = accessJTI
		ac.RefreshJTI = refreshJTI
		data, err := json.Marshal(ac)
		return data, true, err
	})
}

func (c *client) DeleteAuthCode(ctx context.Context, id string) error {
	return c.delete(ctx, authCodePrefix+id)
}

func (c *client) CreateSession(ctx context.Context, s storage.Session) error {
	return c.createJSON(ctx, sessionPrefix+s.ID, s, ttlUntil(s.Expiry))
}

func (c *client) GetSession(ctx context.Context, id string) (s storage.Session, err error) {
	err = c.getJSON(ctx, sessionPrefix+id, &s)
	return
}

func (c *client) UpdateSession(ctx context.Context, id string, updater func(old storage.Session) (storage.Session, error)) error {
	return c.txUpdate(ctx, sessionPrefix+id, func(old []byte) ([]byte, bool, error) {
		var s storage.Session
		if err := json.Unmarshal(old, &s); err != nil {
			return nil, false, err
		}
		s, err := updater(s)
		if err != nil {
			return nil, false, err
		}
		data, err := json.Marshal(s)
		return data, true, err
	})
}

func (c *client) InvalidateSession(ctx context.Context, id string) (bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	n, err := c.db.Del(ctx, sessionPrefix+id).Result()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	// Cascade the logout associations.
	members, err := c.db.SMembers(ctx, sessionClientSetPrefix+id).Result()
	if err == nil {
		for _, clientID := range members {
			c.db.Del(ctx, sessionClientPrefix+id+"/"+clientID)
		}
		c.db.Del(ctx, sessionClientSetPrefix+id)
	}
	return true, nil
}

func (c *client) UpsertSessionClient(ctx context.Context, sc storage.SessionClient) error {
	if err := c.setJSON(ctx, sessionClientPrefix+sc.SessionID+"/"+sc.ClientID, sc, 0); err != nil {
		return err
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()
	return c.db.SAdd(ctx, sessionClientSetPrefix+sc.SessionID, sc.ClientID).Err()
}

func (c *client) ListSessionClients(ctx context.Context, sessionID string) ([]storage.SessionClient, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	members, err := c.db.SMembers(ctx, sessionClientSetPrefix+sessionID).Result()
	if err != nil {
		return nil, err
	}
	out := make([]storage.SessionClient, 0, len(members))
	for _, clientID := range members {
		var sc storage.SessionClient
		if err := c.getJSON(ctx, sessionClientPrefix+sessionID+"/"+clientID, &sc); err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

func (c *client) CreateRefreshFamily(ctx context.Context, f storage.RefreshFamily) error {
	if err := c.createJSON(ctx, familyKey(f.Key), f, ttlUntil(f.Expiry)); err != nil {
		return err
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()
	return c.db.SAdd(ctx, familyUserPrefix+f.Key.UserID, familyKey(f.Key)).Err()
}

func (c *client) GetRefreshFamily(ctx context.Context, key storage.FamilyKey) (f storage.RefreshFamily, err error) {
	err = c.getJSON(ctx, familyKey(key), &f)
	return
}

func (c *client) RotateRefresh(ctx context.Context, key storage.FamilyKey, incomingVersion int64, incomingJTI, newJTI string, scopes []string) (storage.RefreshFamily, error) {
	var rotated storage.RefreshFamily
	err := c.txUpdate(ctx, familyKey(key), func(old []byte) ([]byte, bool, error) {
		var f storage.RefreshFamily
		if err := json.Unmarshal(old, &f); err != nil {
			return nil, false, err
		}
		if f.Revoked {
			return nil, false, storage.ErrFamilyRevoked
		}
		if f.HeadVersion != incomingVersion || f.HeadJTI != incomingJTI {
			f.Revoked = true
			f.RevokedReason = "theft_detected"
			data, merr := json.Marshal(f)
			if merr != nil {
				return nil, false, merr
			}
			// Persist the revocation and still fail the rotation.
			return data, true, storage.ErrVersionConflict
		}
		f.HeadVersion++
		f.HeadJTI = newJTI
		f.LastRotated = time.Now().UTC()
		if scopes != nil {
			f.Scopes = scopes
		}
		rotated = f
		data, err := json.Marshal(f)
		return data, true, err
	})
	return rotated, err
}

func (c *client) RevokeRefreshFamily(ctx context.Context, key storage.FamilyKey, reason string) error {
	return c.txUpdate(ctx, familyKey(key), func(old []byte) ([]byte, bool, error) {
		var f storage.RefreshFamily
		if err := json.Unmarshal(old, &f); err != nil {
			return nil, false, err
		}
		f.Revoked = true
		f.RevokedReason = reason
		data, err := json.Marshal(f)
		return data, true, err
	})
}

func (c *client) ListRefreshFamiliesByUser(ctx context.Context, userID string) ([]storage.RefreshFamily, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	keys, err := c.db.SMembers(ctx, familyUserPrefix+userID).Result()
	if err != nil {
		return nil, err
	}
	out := make([]storage.RefreshFamily, 0, len(keys))
	for _, key := range keys {
		var f storage.RefreshFamily
		if err := c.getJSON(ctx, key, &f); err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (c *client) DeleteRefreshFamily(ctx context.Context, key storage.FamilyKey) error {
	if err := c.delete(ctx, familyKey(key)); err != nil {
		return err
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()
	return c.db.SRem(ctx, familyUserPrefix+key.UserID, familyKey(key)).Err()
}

func (c *client) Revoke(ctx context.Context, e storage.RevocationEntry) error {
	return c.setJSON(ctx, revocationPrefix+e.JTI, e, ttlUntil(e.Expiry))
}

func (c *client) IsRevoked(ctx context.Context, jti string) (bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	n, err := c.db.Exists(ctx, revocationPrefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *client) CreateDeviceSecret(ctx context.Context, d storage.DeviceSecret) error {
	if err := c.createJSON(ctx, deviceSecretPrefix+d.ID, d, ttlUntil(d.Expiry)); err != nil {
		return err
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()
	return c.db.SAdd(ctx, deviceSecretUserPrefix+d.UserID, d.ID).Err()
}

func (c *client) GetDeviceSecret(ctx context.Context, id string) (d storage.DeviceSecret, err error) {
	err = c.getJSON(ctx, deviceSecretPrefix+id, &d)
	return
}

func (c *client) UseDeviceSecret(ctx context.Context, id, secretHash string) (storage.DeviceSecret, error) {
	var used storage.DeviceSecret
	err := c.txUpdate(ctx, deviceSecretPrefix+id, func(old []byte) ([]byte, bool, error) {
		var d storage.DeviceSecret
		if err := json.Unmarshal(old, &d); err != nil {
			return nil, false, err
		}
		if !d.Active {
			return nil, false, storage.ErrUseLimitExceeded
		}
		if d.SecretHash != secretHash {
			return nil, false, storage.ErrNotFound
		}
		d.UseCount++
		if d.MaxUseCount > 0 && d.UseCount >= d.MaxUseCount {
			d.Active = false
		}
		used = d
		data, err := json.Marshal(d)
		return data, true, err
	})
	return used, err
}

func (c *client) ListDeviceSecretsByUser(ctx context.Context, userID string) ([]storage.DeviceSecret, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	ids, err := c.db.SMembers(ctx, deviceSecretUserPrefix+userID).Result()
	if err != nil {
		return nil, err
	}
	out := make([]storage.DeviceSecret, 0, len(ids))
	for _, id := range ids {
		var d storage.DeviceSecret
		if err := c.getJSON(ctx, deviceSecretPrefix+id, &d); err != nil {
			if err == storage.ErrNotFound {
				c.db.SRem(ctx, deviceSecretUserPrefix+userID, id)
				continue
			}
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (c *client) RevokeDeviceSecretsBySession(ctx context.Context, sessionID string) (int, error) {
	octx, cancel := opCtx(ctx)
	keys, err := c.db.Keys(octx, deviceSecretPrefix+"*").Result()
	cancel()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, key := range keys {
		var d storage.DeviceSecret
		if err := c.getJSON(ctx, key, &d); err != nil {
			continue
		}
		if d.SessionID != sessionID || !d.Active {
			continue
		}
		d.Active = false
		if err := c.setJSON(ctx, key, d, ttlUntil(d.Expiry)); err == nil {
			n++
		}
	}
	return n, nil
}

func (c *client) DeleteDeviceSecret(ctx context.Context, id string) error {
	var d storage.DeviceSecret
	if err := c.getJSON(ctx, deviceSecretPrefix+id, &d); err == nil {
		octx, cancel := opCtx(ctx)
		c.db.SRem(octx, deviceSecretUserPrefix+d.UserID, id)
		cancel()
	}
	return c.delete(ctx, deviceSecretPrefix+id)
}

func anonDeviceKey(tenantID, deviceIDHash string) string {
	return anonDevicePrefix + tenantID + "/" + deviceIDHash
}

func (c *client) CreateAnonymousDevice(ctx context.Context, d storage.AnonymousDevice) error {
	var existing storage.AnonymousDevice
	err := c.getJSON(ctx, anonDeviceKey(d.TenantID, d.DeviceIDHash), &existing)
	if err == nil && existing.Active {
		return storage.ErrAlreadyExists
	}
	if err != nil && err != storage.ErrNotFound {
		return err
	}
	return c.setJSON(ctx, anonDeviceKey(d.TenantID, d.DeviceIDHash), d, ttlUntil(d.Expiry))
}

func (c *client) GetAnonymousDevice(ctx context.Context, tenantID, deviceIDHash string) (d storage.AnonymousDevice, err error) {
	err = c.getJSON(ctx, anonDeviceKey(tenantID, deviceIDHash), &d)
	return
}

func (c *client) UpdateAnonymousDevice(ctx context.Context, tenantID, deviceIDHash string, updater func(old storage.AnonymousDevice) (storage.AnonymousDevice, error)) error {
	return c.txUpdate(ctx, anonDeviceKey(tenantID, deviceIDHash), func(old []byte) ([]byte, bool, error) {
		var d storage.AnonymousDevice
		if err := json.Unmarshal(old, &d); err != nil {
			return nil, false, err
		}
		d, err := updater(d)
		if err != nil {
			return nil, false, err
		}
		data, err := json.Marshal(d)
		return data, true, err
	})
}

func linkedIdentityKey(providerID, providerUserID string) string {
	return linkedIdentityPrefix + providerID + "/" + providerUserID
}

func (c *client) CreateLinkedIdentity(ctx context.Context, li storage.LinkedIdentity) error {
	if err := c.createJSON(ctx, linkedIdentityKey(li.ProviderID, li.ProviderUserID), li, 0); err != nil {
		return err
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()
	return c.db.SAdd(ctx, linkedIdentityUserPrefix+li.UserID, linkedIdentityKey(li.ProviderID, li.ProviderUserID)).Err()
}

func (c *client) ListLinkedIdentities(ctx context.Context, userID string) ([]storage.LinkedIdentity, error) {
	octx, cancel := opCtx(ctx)
	defer cancel()
	keys, err := c.db.SMembers(octx, linkedIdentityUserPrefix+userID).Result()
	if err != nil {
		return nil, err
	}
	out := make([]storage.LinkedIdentity, 0, len(keys))
	for _, key := range keys {
		var li storage.LinkedIdentity
		if err := c.getJSON(ctx, key, &li); err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, li)
	}
	return out, nil
}

func (c *client) DeleteLinkedIdentity(ctx context.Context, providerID, providerUserID string) error {
	var li storage.LinkedIdentity
	if err := c.getJSON(ctx, linkedIdentityKey(providerID, providerUserID), &li); err == nil {
		octx, cancel := opCtx(ctx)
		c.db.SRem(octx, linkedIdentityUserPrefix+li.UserID, linkedIdentityKey(providerID, providerUserID))
		cancel()
	}
	return c.delete(ctx, linkedIdentityKey(providerID, providerUserID))
}

func (c *client) UpsertConsent(ctx context.Context, consent storage.Consent) error {
	return c.setJSON(ctx, consentPrefix+consent.UserID+"/"+consent.ClientID, consent, 0)
}

func (c *client) GetConsent(ctx context.Context, userID, clientID string) (consent storage.Consent, err error) {
	err = c.getJSON(ctx, consentPrefix+userID+"/"+clientID, &consent)
	return
}

func (c *client) DeleteConsent(ctx context.Context, userID, clientID string) error {
	return c.delete(ctx, consentPrefix+userID+"/"+clientID)
}

func (c *client) CreateDeviceRequest(ctx context.Context, d storage.DeviceRequest) error {
	return c.createJSON(ctx, deviceRequestPrefix+d.UserCode, d, ttlUntil(d.Expiry))
}

func (c *client) GetDeviceRequest(ctx context.Context, userCode string) (d storage.DeviceRequest, err error) {
	err = c.getJSON(ctx, deviceRequestPrefix+userCode, &d)
	return
}

func (c *client) CreateDeviceToken(ctx context.Context, t storage.DeviceToken) error {
	return c.createJSON(ctx, deviceTokenPrefix+t.DeviceCode, t, ttlUntil(t.Expiry))
}

func (c *client) GetDeviceToken(ctx context.Context, deviceCode string) (t storage.DeviceToken, err error) {
	err = c.getJSON(ctx, deviceTokenPrefix+deviceCode, &t)
	return
}

func (c *client) UpdateDeviceToken(ctx context.Context, deviceCode string, updater func(old storage.DeviceToken) (storage.DeviceToken, error)) error {
	return c.txUpdate(ctx, deviceTokenPrefix+deviceCode, func(old []byte) ([]byte, bool, error) {
		var t storage.DeviceToken
		if err := json.Unmarshal(old, &t); err != nil {
			return nil, false, err
		}
		t, err := updater(t)
		if err != nil {
			return nil, false, err
		}
		data, err := json.Marshal(t)
		return data, true, err
	})
}

func (c *client) CreateCIBARequest(ctx context.Context, r storage.CIBARequest) error {
	return c.createJSON(ctx, cibaPrefix+r.AuthReqID, r, ttlUntil(r.Expiry))
}

func (c *client) GetCIBARequest(ctx context.Context, authReqID string) (r storage.CIBARequest, err error) {
	err = c.getJSON(ctx, cibaPrefix+authReqID, &r)
	return
}

func (c *client) UpdateCIBARequest(ctx context.Context, authReqID string, updater func(old storage.CIBARequest) (storage.CIBARequest, error)) error {
	return c.txUpdate(ctx, cibaPrefix+authReqID, func(old []byte) ([]byte, bool, error) {
		var r storage.CIBARequest
		if err := json.Unmarshal(old, &r); err != nil {
			return nil, false, err
		}
		r, err := updater(r)
		if err != nil {
			return nil, false, err
		}
		data, err := json.Marshal(r)
		return data, true, err
	})
}

func (c *client) RegisterJTI(ctx context.Context, bucket, jti string, expiry time.Time) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	ok, err := c.db.SetNX(ctx, replayPrefix+bucket+"/"+jti, "1", ttlUntil(expiry)).Result()
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrAlreadyExists
	}
	return nil
}

func (c *client) RateLimitIncr(ctx context.Context, key string, window time.Duration) (int, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	full := rateLimitPrefix + key
	count, err := c.db.Incr(ctx, full).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		c.db.Expire(ctx, full, window)
	}
	return int(count), nil
}

func (c *client) GetConfigValue(ctx context.Context, key string) (string, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	v, err := c.db.Get(ctx, configPrefix+key).Result()
	if errors.Is(err, redisv9.Nil) {
		return "", storage.ErrNotFound
	}
	return v, err
}

func (c *client) SetConfigValue(ctx context.Context, key, value string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	return c.db.Set(ctx, configPrefix+key, value, 0).Err()
}

// GarbageCollect is satisfied by redis key TTLs; every expiring record is
// stored with its own TTL, so there is nothing to sweep.
func (c *client) GarbageCollect(ctx context.Context, now time.Time) (storage.GCResult, error) {
	return storage.GCResult{}, nil
}
