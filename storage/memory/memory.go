// Package memory provides an in memory implementation of the storage interface.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/authrim/authrim/storage"
)

var _ storage.Storage = (*memStorage)(nil)

// New returns an in memory storage.
func New(logger *slog.Logger) storage.Storage {
	return NewWithClock(logger, time.Now)
}

// NewWithClock returns an in memory storage using the given clock. Used by
// tests that need deterministic expiry behavior.
func NewWithClock(logger *slog.Logger, now func() time.Time) storage.Storage {
	return &memStorage{
		clients:          make(map[string]storage.Client),
		tenants:          make(map[string]storage.TenantProfile),
		challenges:       make(map[string]storage.Challenge),
		authCodes:        make(map[string]storage.AuthCode),
		sessions:         make(map[string]storage.Session),
		sessionClients:   make(map[string]map[string]storage.SessionClient),
		families:         make(map[storage.FamilyKey]storage.RefreshFamily),
		familiesByUser:   make(map[string]map[storage.FamilyKey]struct{}),
		revocations:      make(map[string]storage.RevocationEntry),
		deviceSecrets:    make(map[string]storage.DeviceSecret),
		anonDevices:      make(map[anonDeviceID]storage.AnonymousDevice),
		linkedIdentities: make(map[linkedIdentityID]storage.LinkedIdentity),
		consents:         make(map[consentID]storage.Consent),
		deviceRequests:   make(map[string]storage.DeviceRequest),
		deviceTokens:     make(map[string]storage.DeviceToken),
		cibaRequests:     make(map[string]storage.CIBARequest),
		replayJTIs:       make(map[string]time.Time),
		rateLimits:       make(map[string]rateWindow),
		configValues:     make(map[string]string),
		logger:           logger,
		now:              now,
	}
}

// Config is an implementation of a storage configuration.
type Config struct { // The in memory implementation has no config.
}

// Open always returns a new in memory storage.
func (c *Config) Open(logger *slog.Logger) (storage.Storage, error) {
	return New(logger), nil
}

type anonDeviceID struct {
	tenantID     string
	deviceIDHash string
}

type linkedIdentityID struct {
	providerID     string
	providerUserID string
}

type consentID struct {
	userID   string
	clientID string
}

type rateWindow struct {
	count       int
	windowStart time.Time
	window      time.Duration
}

type memStorage struct {
	mu sync.Mutex

	clients          map[string]storage.Client
	tenants          map[string]storage.TenantProfile
	challenges       map[string]storage.Challenge
	authCodes        map[string]storage.AuthCode
	sessions         map[string]storage.Session
	sessionClients   map[string]map[string]storage.SessionClient
	families         map[storage.FamilyKey]storage.RefreshFamily
	familiesByUser   map[string]map[storage.FamilyKey]struct{}
	revocations      map[string]storage.RevocationEntry
	deviceSecrets    map[string]storage.DeviceSecret
	anonDevices      map[anonDeviceID]storage.AnonymousDevice
	linkedIdentities map[linkedIdentityID]storage.LinkedIdentity
	consents         map[consentID]storage.Consent
	deviceRequests   map[string]storage.DeviceRequest
	deviceTokens     map[string]storage.DeviceToken
	cibaRequests     map[string]storage.CIBARequest
	replayJTIs       map[string]time.Time
	rateLimits       map[string]rateWindow
	configValues     map[string]string

	keys storage.Keys

	logger *slog.Logger
	now    func() time.Time
}

func (s *memStorage) tx(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f()
}

func (s *memStorage) Close() error { return nil }

func (s *memStorage) CreateClient(ctx context.Context, c storage.Client) (err error) {
	s.tx(func() {
		if _, ok := s.clients[c.ID]; ok {
			err = storage.ErrAlreadyExists
		} else {
			s.clients[c.ID] = c
		}
	})
	return
}

func (s *memStorage) GetClient(ctx context.Context, id string) (client storage.Client, err error) {
	s.tx(func() {
		var ok bool
		if client, ok = s.clients[id]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) UpdateClient(ctx context.Context, id string, updater func(old storage.Client) (storage.Client, error)) (err error) {
	s.tx(func() {
		client, ok := s.clients[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if client, err = updater(client); err == nil {
			s.clients[id] = client
		}
	})
	return
}

func (s *memStorage) ListClients(ctx context.Context) (clients []storage.Client, err error) {
	s.tx(func() {
		for _, client := range s.clients {
			clients = append(clients, client)
		}
	})
	return
}

func (s *memStorage) DeleteClient(ctx context.Context, id string) (err error) {
	s.tx(func() {
		if _, ok := s.clients[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.clients, id)
	})
	return
}

func (s *memStorage) GetKeys(ctx context.Context) (keys storage.Keys, err error) {
	s.tx(func() { keys = s.keys })
	return
}

func (s *memStorage) UpdateKeys(ctx context.Context, updater func(old storage.Keys) (storage.Keys, error)) (err error) {
	s.tx(func() {
		var keys storage.Keys
		if keys, err = updater(s.keys); err == nil {
			s.keys = keys
		}
	})
	return
}

func (s *memStorage) GetTenantProfile(ctx context.Context, tenantID string) (p storage.TenantProfile, err error) {
	s.tx(func() {
		var ok bool
		if p, ok = s.tenants[tenantID]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) UpsertTenantProfile(ctx context.Context, p storage.TenantProfile) error {
	s.tx(func() { s.tenants[p.ID] = p })
	return nil
}

func (s *memStorage) CreateChallenge(ctx context.Context, c storage.Challenge) (err error) {
	s.tx(func() {
		if _, ok := s.challenges[c.ID]; ok {
			err = storage.ErrAlreadyExists
		} else {
			s.challenges[c.ID] = c
		}
	})
	return
}

func (s *memStorage) GetChallenge(ctx context.Context, id string) (c storage.Challenge, err error) {
	s.tx(func() {
		var ok bool
		if c, ok = s.challenges[id]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) ConsumeChallenge(ctx context.Context, id string, predicate func(storage.Challenge) error) (c storage.Challenge, err error) {
	s.tx(func() {
		var ok bool
		if c, ok = s.challenges[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		if s.now().After(c.Expiry) {
			delete(s.challenges, id)
			err = storage.ErrNotFound
			return
		}
		if c.Consumed() {
			err = storage.ErrAlreadyConsumed
			return
		}
		if predicate != nil {
			if err = predicate(c); err != nil {
				return
			}
		}
		c.ConsumedAt = s.now()
		s.challenges[id] = c
	})
	return
}

func (s *memStorage) UpdateChallenge(ctx context.Context, id string, updater func(old storage.Challenge) (storage.Challenge, error)) (err error) {
	s.tx(func() {
		c, ok := s.challenges[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if c, err = updater(c); err == nil {
			s.challenges[id] = c
		}
	})
	return
}

func (s *memStorage) DeleteChallenge(ctx context.Context, id string) (err error) {
	s.tx(func() {
		if _, ok := s.challenges[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.challenges, id)
	})
	return
}

func (s *memStorage) CreateAuthCode(ctx context.Context, c storage.AuthCode) (err error) {
	s.tx(func() {
		if _, ok := s.authCodes[c.ID]; ok {
			err = storage.ErrAlreadyExists
		} else {
			s.authCodes[c.ID] = c
		}
	})
	return
}

func (s *memStorage) GetAuthCode(ctx context.Context, id string) (c storage.AuthCode, err error) {
	s.tx(func() {
		var ok bool
		if c, ok = s.authCodes[id]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) ConsumeAuthCode(ctx context.Context, id string, predicate func(storage.AuthCode) error) (c storage.AuthCode, err error) {
	s.tx(func() {
		var ok bool
		if c, ok = s.authCodes[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		if s.now().After(c.Expiry) {
			delete(s.authCodes, id)
			err = storage.ErrNotFound
			return
		}
		if c.Consumed() {
			err = &storage.ReplayError{AccessJTI: c.AccessJTI, RefreshJTI: c.RefreshJTI}
			return
		}
		if predicate != nil {
			if err = predicate(c); err != nil {
				return
			}
		}
		c.ConsumedAt = s.now()
		s.authCodes[id] = c
	})
	return
}

func (s *memStorage) RegisterIssuedTokens(ctx context.Context, code, accessJTI, refreshJTI string) (err error) {
	s.tx(func() {
		c, ok := s.authCodes[code]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		c.AccessJTI = accessJTI
		c.RefreshJTI = refreshJTI
		s.authCodes[code] = c
	})
	return
}

func (s *memStorage) DeleteAuthCode(ctx context.Context, id string) (err error) {
	s.tx(func() {
		if _, ok := s.authCodes[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.authCodes, id)
	})
	return
}

func (s *memStorage) CreateSession(ctx context.Context, sess storage.Session) (err error) {
	s.tx(func() {
		if _, ok := s.sessions[sess.ID]; ok {
			err = storage.ErrAlreadyExists
		} else {
			s.sessions[sess.ID] = sess
		}
	})
	return
}

func (s *memStorage) GetSession(ctx context.Context, id string) (sess storage.Session, err error) {
	s.tx(func() {
		var ok bool
		if sess, ok = s.sessions[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		if s.now().After(sess.Expiry) {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) UpdateSession(ctx context.Context, id string, updater func(old storage.Session) (storage.Session, error)) (err error) {
	s.tx(func() {
		sess, ok := s.sessions[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if sess, err = updater(sess); err == nil {
			s.sessions[id] = sess
		}
	})
	return
}

func (s *memStorage) InvalidateSession(ctx context.Context, id string) (destroyed bool, err error) {
	s.tx(func() {
		if _, ok := s.sessions[id]; !ok {
			return
		}
		delete(s.sessions, id)
		delete(s.sessionClients, id)
		destroyed = true
	})
	return
}

func (s *memStorage) UpsertSessionClient(ctx context.Context, sc storage.SessionClient) error {
	s.tx(func() {
		m, ok := s.sessionClients[sc.SessionID]
		if !ok {
			m = make(map[string]storage.SessionClient)
			s.sessionClients[sc.SessionID] = m
		}
		m[sc.ClientID] = sc
	})
	return nil
}

func (s *memStorage) ListSessionClients(ctx context.Context, sessionID string) (scs []storage.SessionClient, err error) {
	s.tx(func() {
		for _, sc := range s.sessionClients[sessionID] {
			scs = append(scs, sc)
		}
	})
	return
}

func (s *memStorage) CreateRefreshFamily(ctx context.Context, f storage.RefreshFamily) (err error) {
	s.tx(func() {
		if _, ok := s.families[f.Key]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.families[f.Key] = f
		byUser, ok := s.familiesByUser[f.Key.UserID]
		if !ok {
			byUser = make(map[storage.FamilyKey]struct{})
			s.familiesByUser[f.Key.UserID] = byUser
		}
		byUser[f.Key] = struct{}{}
	})
	return
}

func (s *memStorage) GetRefreshFamily(ctx context.Context, key storage.FamilyKey) (f storage.RefreshFamily, err error) {
	s.tx(func() {
		var ok bool
		if f, ok = s.families[key]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) RotateRefresh(ctx context.Context, key storage.FamilyKey, incomingVersion int64, incomingJTI, newJTI string, scopes []string) (f storage.RefreshFamily, err error) {
	s.tx(func() {
		var ok bool
		if f, ok = s.families[key]; !ok {
			err = storage.ErrNotFound
			return
		}
		if f.Revoked {
			err = storage.ErrFamilyRevoked
			return
		}
		if s.now().After(f.Expiry) {
			delete(s.families, key)
			err = storage.ErrNotFound
			return
		}
		if f.HeadVersion != incomingVersion || f.HeadJTI != incomingJTI {
			f.Revoked = true
			f.RevokedReason = "theft_detected"
			s.families[key] = f
			err = storage.ErrVersionConflict
			return
		}
		f.HeadVersion++
		f.HeadJTI = newJTI
		f.LastRotated = s.now()
		if scopes != nil {
			f.Scopes = scopes
		}
		s.families[key] = f
	})
	return
}

func (s *memStorage) RevokeRefreshFamily(ctx context.Context, key storage.FamilyKey, reason string) (err error) {
	s.tx(func() {
		f, ok := s.families[key]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		f.Revoked = true
		f.RevokedReason = reason
		s.families[key] = f
	})
	return
}

func (s *memStorage) ListRefreshFamiliesByUser(ctx context.Context, userID string) (fs []storage.RefreshFamily, err error) {
	s.tx(func() {
		for key := range s.familiesByUser[userID] {
			if f, ok := s.families[key]; ok {
				fs = append(fs, f)
			}
		}
	})
	return
}

func (s *memStorage) DeleteRefreshFamily(ctx context.Context, key storage.FamilyKey) (err error) {
	s.tx(func() {
		if _, ok := s.families[key]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.families, key)
		if byUser, ok := s.familiesByUser[key.UserID]; ok {
			delete(byUser, key)
		}
	})
	return
}

func (s *memStorage) Revoke(ctx context.Context, e storage.RevocationEntry) error {
	s.tx(func() { s.revocations[e.JTI] = e })
	return nil
}

func (s *memStorage) IsRevoked(ctx context.Context, jti string) (revoked bool, err error) {
	s.tx(func() {
		e, ok := s.revocations[jti]
		if !ok {
			return
		}
		if s.now().After(e.Expiry) {
			delete(s.revocations, jti)
			return
		}
		revoked = true
	})
	return
}

func (s *memStorage) CreateDeviceSecret(ctx context.Context, d storage.DeviceSecret) (err error) {
	s.tx(func() {
		if _, ok := s.deviceSecrets[d.ID]; ok {
			err = storage.ErrAlreadyExists
		} else {
			s.deviceSecrets[d.ID] = d
		}
	})
	return
}

func (s *memStorage) GetDeviceSecret(ctx context.Context, id string) (d storage.DeviceSecret, err error) {
	s.tx(func() {
		var ok bool
		if d, ok = s.deviceSecrets[id]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) UseDeviceSecret(ctx context.Context, id, secretHash string) (d storage.DeviceSecret, err error) {
	s.tx(func() {
		var ok bool
		if d, ok = s.deviceSecrets[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		if s.now().After(d.Expiry) {
			delete(s.deviceSecrets, id)
			err = storage.ErrNotFound
			return
		}
		if !d.Active {
			err = storage.ErrUseLimitExceeded
			return
		}
		if d.SecretHash != secretHash {
			err = storage.ErrNotFound
			return
		}
		d.UseCount++
		if d.MaxUseCount > 0 && d.UseCount >= d.MaxUseCount {
			d.Active = false
		}
		s.deviceSecrets[id] = d
	})
	return
}

func (s *memStorage) ListDeviceSecretsByUser(ctx context.Context, userID string) (ds []storage.DeviceSecret, err error) {
	s.tx(func() {
		for _, d := range s.deviceSecrets {
			if d.UserID == userID {
				ds = append(ds, d)
			}
		}
	})
	return
}

func (s *memStorage) RevokeDeviceSecretsBySession(ctx context.Context, sessionID string) (n int, err error) {
	s.tx(func() {
		for id, d := range s.deviceSecrets {
			if d.SessionID == sessionID && d.Active {
				d.Active = false
				s.deviceSecrets[id] = d
				n++
			}
		}
	})
	return
}

func (s *memStorage) DeleteDeviceSecret(ctx context.Context, id string) (err error) {
	s.tx(func() {
		if _, ok := s.deviceSecrets[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.deviceSecrets, id)
	})
	return
}

func (s *memStorage) CreateAnonymousDevice(ctx context.Context, d storage.AnonymousDevice) (err error) {
	id := anonDeviceID{tenantID: d.TenantID, deviceIDHash: d.DeviceIDHash}
	s.tx(func() {
		if existing, ok := s.anonDevices[id]; ok && existing.Active {
			err = storage.ErrAlreadyExists
			return
		}
		s.anonDevices[id] = d
	})
	return
}

func (s *memStorage) GetAnonymousDevice(ctx context.Context, tenantID, deviceIDHash string) (d storage.AnonymousDevice, err error) {
	id := anonDeviceID{tenantID: tenantID, deviceIDHash: deviceIDHash}
	s.tx(func() {
		var ok bool
		if d, ok = s.anonDevices[id]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) UpdateAnonymousDevice(ctx context.Context, tenantID, deviceIDHash string, updater func(old storage.AnonymousDevice) (storage.AnonymousDevice, error)) (err error) {
	id := anonDeviceID{tenantID: tenantID, deviceIDHash: deviceIDHash}
	s.tx(func() {
		d, ok := s.anonDevices[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if d, err = updater(d); err == nil {
			s.anonDevices[id] = d
		}
	})
	return
}

func (s *memStorage) CreateLinkedIdentity(ctx context.Context, li storage.LinkedIdentity) (err error) {
	id := linkedIdentityID{providerID: li.ProviderID, providerUserID: li.ProviderUserID}
	s.tx(func() {
		if _, ok := s.linkedIdentities[id]; ok {
			err = storage.ErrAlreadyExists
		} else {
			s.linkedIdentities[id] = li
		}
	})
	return
}

func (s *memStorage) ListLinkedIdentities(ctx context.Context, userID string) (lis []storage.LinkedIdentity, err error) {
	s.tx(func() {
		for _, li := range s.linkedIdentities {
			if li.UserID == userID {
				lis = append(lis, li)
			}
		}
	})
	return
}

func (s *memStorage) DeleteLinkedIdentity(ctx context.Context, providerID, providerUserID string) (err error) {
	id := linkedIdentityID{providerID: providerID, providerUserID: providerUserID}
	s.tx(func() {
		if _, ok := s.linkedIdentities[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.linkedIdentities, id)
	})
	return
}

func (s *memStorage) UpsertConsent(ctx context.Context, c storage.Consent) error {
	id := consentID{userID: c.UserID, clientID: c.ClientID}
	s.tx(func() { s.consents[id] = c })
	return nil
}

func (s *memStorage) GetConsent(ctx context.Context, userID, clientID string) (c storage.Consent, err error) {
	id := consentID{userID: userID, clientID: clientID}
	s.tx(func() {
		var ok bool
		if c, ok = s.consents[id]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) DeleteConsent(ctx context.Context, userID, clientID string) (err error) {
	id := consentID{userID: userID, clientID: clientID}
	s.tx(func() {
		if _, ok := s.consents[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.consents, id)
	})
	return
}

func (s *memStorage) CreateDeviceRequest(ctx context.Context, d storage.DeviceRequest) (err error) {
	s.tx(func() {
		if _, ok := s.deviceRequests[d.UserCode]; ok {
			err = storage.ErrAlreadyExists
		} else {
			s.deviceRequests[d.UserCode] = d
		}
	})
	return
}

func (s *memStorage) GetDeviceRequest(ctx context.Context, userCode string) (req storage.DeviceRequest, err error) {
	s.tx(func() {
		var ok bool
		if req, ok = s.deviceRequests[userCode]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) CreateDeviceToken(ctx context.Context, t storage.DeviceToken) (err error) {
	s.tx(func() {
		if _, ok := s.deviceTokens[t.DeviceCode]; ok {
			err = storage.ErrAlreadyExists
		} else {
			s.deviceTokens[t.DeviceCode] = t
		}
	})
	return
}

func (s *memStorage) GetDeviceToken(ctx context.Context, deviceCode string) (t storage.DeviceToken, err error) {
	s.tx(func() {
		var ok bool
		if t, ok = s.deviceTokens[deviceCode]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) UpdateDeviceToken(ctx context.Context, deviceCode string, updater func(old storage.DeviceToken) (storage.DeviceToken, error)) (err error) {
	s.tx(func() {
		t, ok := s.deviceTokens[deviceCode]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if t, err = updater(t); err == nil {
			s.deviceTokens[deviceCode] = t
		}
	})
	return
}

func (s *memStorage) CreateCIBARequest(ctx context.Context, r storage.CIBARequest) (err error) {
	s.tx(func() {
		if _, ok := s.cibaRequests[r.AuthReqID]; ok {
			err = storage.ErrAlreadyExists
		} else {
			s.cibaRequests[r.AuthReqID] = r
		}
	})
	return
}

func (s *memStorage) GetCIBARequest(ctx context.Context, authReqID string) (r storage.CIBARequest, err error) {
	s.tx(func() {
		var ok bool
		if r, ok = s.cibaRequests[authReqID]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) UpdateCIBARequest(ctx context.Context, authReqID string, updater func(old storage.CIBARequest) (storage.CIBARequest, error)) (err error) {
	s.tx(func() {
		r, ok := s.cibaRequests[authReqID]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if r, err = updater(r); err == nil {
			s.cibaRequests[authReqID] = r
		}
	})
	return
}

func (s *memStorage) RegisterJTI(ctx context.Context, bucket, jti string, expiry time.Time) (err error) {
	key := bucket + "/" + jti
	s.tx(func() {
		if exp, ok := s.replayJTIs[key]; ok && s.now().Before(exp) {
			err = storage.ErrAlreadyExists
			return
		}
		s.replayJTIs[key] = expiry
	})
	return
}

func (s *memStorage) RateLimitIncr(ctx context.Context, key string, window time.Duration) (count int, err error) {
	s.tx(func() {
		w, ok := s.rateLimits[key]
		if !ok || s.now().After(w.windowStart.Add(w.window)) {
			w = rateWindow{count: 0, windowStart: s.now(), window: window}
		}
		w.count++
		s.rateLimits[key] = w
		count = w.count
	})
	return
}

func (s *memStorage) GetConfigValue(ctx context.Context, key string) (value string, err error) {
	s.tx(func() {
		var ok bool
		if value, ok = s.configValues[key]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) SetConfigValue(ctx context.Context, key, value string) error {
	s.tx(func() { s.configValues[key] = value })
	return nil
}

func (s *memStorage) GarbageCollect(ctx context.Context, now time.Time) (result storage.GCResult, err error) {
	s.tx(func() {
		for id, c := range s.challenges {
			if now.After(c.Expiry) {
				delete(s.challenges, id)
				result.Challenges++
			}
		}
		for id, c := range s.authCodes {
			if now.After(c.Expiry) {
				delete(s.authCodes, id)
				result.AuthCodes++
			}
		}
		for id, sess := range s.sessions {
			if now.After(sess.Expiry) {
				delete(s.sessions, id)
				delete(s.sessionClients, id)
				result.Sessions++
			}
		}
		for key, f := range s.families {
			if now.After(f.Expiry) {
				delete(s.families, key)
				if byUser, ok := s.familiesByUser[key.UserID]; ok {
					delete(byUser, key)
				}
				result.RefreshFamilies++
			}
		}
		for jti, e := range s.revocations {
			if now.After(e.Expiry) {
				delete(s.revocations, jti)
				result.Revocations++
			}
		}
		for id, d := range s.deviceSecrets {
			if now.After(d.Expiry) {
				delete(s.deviceSecrets, id)
				result.DeviceSecrets++
			}
		}
		for id, d := range s.deviceRequests {
			if now.After(d.Expiry) {
				delete(s.deviceRequests, id)
				result.DeviceRequests++
			}
		}
		for id, t := range s.deviceTokens {
			if now.After(t.Expiry) {
				delete(s.deviceTokens, id)
				result.DeviceTokens++
			}
		}
		for id, r := range s.cibaRequests {
			if now.After(r.Expiry) {
				delete(s.cibaRequests, id)
				result.CIBARequests++
			}
		}
		for key, exp := range s.replayJTIs {
			if now.After(exp) {
				delete(s.replayJTIs, key)
				result.ReplayEntries++
			}
		}
	})
	return result, nil
}
