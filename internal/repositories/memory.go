package repositories

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/afadil/wealthfolio-sync/internal/models"
)

// In-memory implementations of the repository interfaces, used by unit
// tests and by single-process development runs without Postgres/Redis.

type MemoryAccountRepository struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*models.Account
}

func NewMemoryAccountRepository() *MemoryAccountRepository {
	return &MemoryAccountRepository{accounts: make(map[uuid.UUID]*models.Account)}
}

func (r *MemoryAccountRepository) Create(ctx context.Context, account *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account.ID = uuid.New()
	account.CreatedAt = time.Now()
	clone := *account
	r.accounts[account.ID] = &clone
	return nil
}

func (r *MemoryAccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, account := range r.accounts {
		if account.Email == email && account.DeletedAt == nil {
			clone := *account
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

type MemoryDeviceRepository struct {
	mu      sync.RWMutex
	devices map[uuid.UUID]*models.Device
}

func NewMemoryDeviceRepository() *MemoryDeviceRepository {
	return &MemoryDeviceRepository{devices: make(map[uuid.UUID]*models.Device)}
}

func (r *MemoryDeviceRepository) Create(ctx context.Context, device *models.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	device.CreatedAt = time.Now()
	clone := *device
	r.devices[device.ID] = &clone
	return nil
}

func (r *MemoryDeviceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	device, ok := r.devices[id]
	if !ok || device.DeletedAt != nil {
		return nil, ErrNotFound
	}
	clone := *device
	return &clone, nil
}

func (r *MemoryDeviceRepository) GetByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var devices []*models.Device
	for _, device := range r.devices {
		if device.AccountID == accountID && device.DeletedAt == nil {
			clone := *device
			devices = append(devices, &clone)
		}
	}
	return devices, nil
}

func (r *MemoryDeviceRepository) mutate(id uuid.UUID, fn func(*models.Device) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[id]
	if !ok || device.DeletedAt != nil {
		return ErrNotFound
	}
	if err := fn(device); err != nil {
		return err
	}
	now := time.Now()
	device.UpdatedAt = &now
	return nil
}

func (r *MemoryDeviceRepository) Rename(ctx context.Context, id uuid.UUID, name string) error {
	return r.mutate(id, func(d *models.Device) error {
		d.Name = name
		return nil
	})
}

func (r *MemoryDeviceRepository) MarkTrusted(ctx context.Context, id uuid.UUID, keyVersion int64) error {
	return r.mutate(id, func(d *models.Device) error {
		if d.RevokedAt != nil {
			return ErrNotFound
		}
		d.TrustState = models.TrustStateTrusted
		d.TrustedKeyVersion = keyVersion
		return nil
	})
}

func (r *MemoryDeviceRepository) TouchLastSeen(ctx context.Context, id uuid.UUID) error {
	return r.mutate(id, func(d *models.Device) error {
		now := time.Now()
		d.LastSeenAt = &now
		return nil
	})
}

func (r *MemoryDeviceRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	return r.mutate(id, func(d *models.Device) error {
		if d.RevokedAt != nil {
			return ErrNotFound
		}
		now := time.Now()
		d.RevokedAt = &now
		d.TrustState = models.TrustStateUntrusted
		return nil
	})
}

type MemoryKeyLedgerRepository struct {
	mu        sync.RWMutex
	versions  map[uuid.UUID][]*models.KeyVersion
	envelopes map[uuid.UUID][]*models.KeyEnvelope
}

func NewMemoryKeyLedgerRepository() *MemoryKeyLedgerRepository {
	return &MemoryKeyLedgerRepository{
		versions:  make(map[uuid.UUID][]*models.KeyVersion),
		envelopes: make(map[uuid.UUID][]*models.KeyEnvelope),
	}
}

func (r *MemoryKeyLedgerRepository) CurrentVersion(ctx context.Context, accountID uuid.UUID) (*models.KeyVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, kv := range r.versions[accountID] {
		if kv.IsCurrent {
			clone := *kv
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryKeyLedgerRepository) CommitRotation(ctx context.Context, version *models.KeyVersion, envelopes []*models.KeyEnvelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := int64(0)
	for _, kv := range r.versions[version.AccountID] {
		if kv.IsCurrent {
			current = kv.Version
		}
	}
	if version.Version != current+1 {
		return ErrVersionConflict
	}

	for _, kv := range r.versions[version.AccountID] {
		kv.IsCurrent = false
	}

	version.IsCurrent = true
	version.CreatedAt = time.Now()
	kvClone := *version
	r.versions[version.AccountID] = append(r.versions[version.AccountID], &kvClone)

	for _, env := range envelopes {
		env.CreatedAt = time.Now()
		envClone := *env
		r.envelopes[env.AccountID] = append(r.envelopes[env.AccountID], &envClone)
	}
	return nil
}

func (r *MemoryKeyLedgerRepository) EnvelopeFor(ctx context.Context, accountID, deviceID uuid.UUID, version int64) (*models.KeyEnvelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, env := range r.envelopes[accountID] {
		if env.DeviceID == deviceID && env.Version == version {
			clone := *env
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

// MemoryPairingSessionRepository mirrors the Redis repository's semantics:
// an expired session reads as ErrNotFound, and Claim admits exactly one
// winner.
type MemoryPairingSessionRepository struct {
	mu       sync.Mutex
	sessions map[string]*models.PairingSession
	claimed  map[string]bool
	now      func() time.Time
}

func NewMemoryPairingSessionRepository() *MemoryPairingSessionRepository {
	return &MemoryPairingSessionRepository{
		sessions: make(map[string]*models.PairingSession),
		claimed:  make(map[string]bool),
		now:      time.Now,
	}
}

// SetClock overrides the repository clock. Test hook for expiry behavior.
func (r *MemoryPairingSessionRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryPairingSessionRepository) Create(ctx context.Context, session *models.PairingSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *session
	r.sessions[session.ID] = &clone
	return nil
}

func (r *MemoryPairingSessionRepository) getLocked(id string) (*models.PairingSession, error) {
	session, ok := r.sessions[id]
	if !ok || session.Expired(r.now()) {
		return nil, ErrNotFound
	}
	return session, nil
}

func (r *MemoryPairingSessionRepository) GetByID(ctx context.Context, id string) (*models.PairingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	clone := *session
	return &clone, nil
}

func (r *MemoryPairingSessionRepository) GetByCodeHash(ctx context.Context, accountID uuid.UUID, codeHash string) (*models.PairingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, session := range r.sessions {
		if session.AccountID == accountID && session.CodeHash == codeHash && !session.Expired(r.now()) {
			clone := *session
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryPairingSessionRepository) Claim(ctx context.Context, id string, claimerDeviceID uuid.UUID, claimerPublicKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, err := r.getLocked(id)
	if err != nil {
		return err
	}
	if r.claimed[id] {
		return ErrAlreadyClaimed
	}
	r.claimed[id] = true

	session.Status = models.PairingStatusClaimed
	session.ClaimerDeviceID = &claimerDeviceID
	session.ClaimerPublicKey = claimerPublicKey
	return nil
}

func (r *MemoryPairingSessionRepository) Update(ctx context.Context, session *models.PairingSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.getLocked(session.ID); err != nil {
		return err
	}
	clone := *session
	r.sessions[session.ID] = &clone
	return nil
}

func (r *MemoryPairingSessionRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(r.sessions, id)
	delete(r.claimed, id)
	return nil
}

type MemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{sessions: make(map[string]*models.Session)}
}

func (r *MemorySessionRepository) Create(ctx context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *session
	r.sessions[session.ID] = &clone
	return nil
}

func (r *MemorySessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[id]
	if !ok || time.Now().After(session.ExpiresAt) {
		return nil, ErrNotFound
	}
	clone := *session
	return &clone, nil
}

func (r *MemorySessionRepository) GetByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sessions []*models.Session
	for _, session := range r.sessions {
		if session.AccountID == accountID && time.Now().Before(session.ExpiresAt) {
			clone := *session
			sessions = append(sessions, &clone)
		}
	}
	return sessions, nil
}

func (r *MemorySessionRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(r.sessions, id)
	return nil
}
