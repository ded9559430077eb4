package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/afadil/wealthfolio-sync/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist or has been
	// soft-deleted.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyClaimed is returned when a second claim races a pairing
	// session that has already been claimed.
	ErrAlreadyClaimed = errors.New("pairing session already claimed")

	// ErrVersionConflict is returned when a key-ledger commit loses a race
	// against another writer.
	ErrVersionConflict = errors.New("version conflict: ledger was modified concurrently")
)

type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
}

type DeviceRepository interface {
	Create(ctx context.Context, device *models.Device) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error)
	GetByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.Device, error)
	Rename(ctx context.Context, id uuid.UUID, name string) error
	MarkTrusted(ctx context.Context, id uuid.UUID, keyVersion int64) error
	TouchLastSeen(ctx context.Context, id uuid.UUID) error
	Revoke(ctx context.Context, id uuid.UUID) error
}

// KeyLedgerRepository stores the versioned root-key ledger: version rows and
// per-device envelopes. CommitRotation must be all-or-nothing.
type KeyLedgerRepository interface {
	CurrentVersion(ctx context.Context, accountID uuid.UUID) (*models.KeyVersion, error)
	CommitRotation(ctx context.Context, version *models.KeyVersion, envelopes []*models.KeyEnvelope) error
	EnvelopeFor(ctx context.Context, accountID, deviceID uuid.UUID, version int64) (*models.KeyEnvelope, error)
}

// PairingSessionRepository stores TTL-bounded pairing sessions. Claim must
// be atomic: of any number of concurrent claims on one session, exactly one
// succeeds and the rest get ErrAlreadyClaimed.
type PairingSessionRepository interface {
	Create(ctx context.Context, session *models.PairingSession) error
	GetByID(ctx context.Context, id string) (*models.PairingSession, error)
	GetByCodeHash(ctx context.Context, accountID uuid.UUID, codeHash string) (*models.PairingSession, error)
	Claim(ctx context.Context, id string, claimerDeviceID uuid.UUID, claimerPublicKey string) error
	Update(ctx context.Context, session *models.PairingSession) error
	Delete(ctx context.Context, id string) error
}

type SessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	GetByID(ctx context.Context, id string) (*models.Session, error)
	GetByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.Session, error)
	Delete(ctx context.Context, id string) error
}
