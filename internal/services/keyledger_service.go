package services

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/afadil/wealthfolio-sync/internal/crypto"
	"github.com/afadil/wealthfolio-sync/internal/models"
	"github.com/afadil/wealthfolio-sync/internal/repositories"
)

var (
	ErrLedgerExists     = errors.New("key ledger already initialized for account")
	ErrLedgerEmpty      = errors.New("key ledger not initialized")
	ErrNotTrusted       = errors.New("device is not trusted for this operation")
	ErrVersionMismatch  = errors.New("rotation version must be exactly current + 1")
	ErrEnvelopeMismatch = errors.New("rotation must carry exactly one envelope per trusted device")
	ErrCommitRejected   = errors.New("rotation commit signature rejected")
)

// KeyLedgerService owns the server-side versioned root-key ledger. It never
// sees root-key plaintext: envelopes arrive sealed to device public keys
// and are stored and relayed as opaque blobs.
type KeyLedgerService struct {
	keyRepo    repositories.KeyLedgerRepository
	deviceRepo repositories.DeviceRepository
}

func NewKeyLedgerService(keyRepo repositories.KeyLedgerRepository, deviceRepo repositories.DeviceRepository) *KeyLedgerService {
	return &KeyLedgerService{keyRepo: keyRepo, deviceRepo: deviceRepo}
}

// EnvelopeSubmission is one sealed envelope submitted as part of an
// initialize or rotate commit.
type EnvelopeSubmission struct {
	DeviceID uuid.UUID
	Envelope []byte
}

// Initialize bootstraps the ledger at version 1, wrapped only for the
// initiating device's own public key. The bootstrap device becomes the
// first trusted device; everyone else joins via pairing.
func (s *KeyLedgerService) Initialize(ctx context.Context, accountID, deviceID uuid.UUID, envelope []byte) (*models.KeyVersion, error) {
	device, err := s.ownedDevice(ctx, accountID, deviceID)
	if err != nil {
		return nil, err
	}
	if device.RevokedAt != nil {
		return nil, ErrNotTrusted
	}

	if _, err := s.keyRepo.CurrentVersion(ctx, accountID); err == nil {
		return nil, ErrLedgerExists
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("failed to check ledger state: %w", err)
	}

	version := &models.KeyVersion{
		ID:              uuid.New(),
		AccountID:       accountID,
		Version:         1,
		CreatedByDevice: deviceID,
	}
	env := &models.KeyEnvelope{
		ID:           uuid.New(),
		AccountID:    accountID,
		DeviceID:     deviceID,
		Version:      1,
		Envelope:     envelope,
		EnvelopeHash: models.EnvelopeHash(envelope),
	}

	if err := s.keyRepo.CommitRotation(ctx, version, []*models.KeyEnvelope{env}); err != nil {
		return nil, fmt.Errorf("failed to commit bootstrap version: %w", err)
	}
	if err := s.deviceRepo.MarkTrusted(ctx, deviceID, 1); err != nil {
		return nil, fmt.Errorf("failed to trust bootstrap device: %w", err)
	}
	return version, nil
}

// Rotate commits a new ledger version. The submission must carry exactly
// one envelope per currently trusted device and an Ed25519 signature by the
// submitting device over the canonical commit message; anything less
// rejects the whole commit.
func (s *KeyLedgerService) Rotate(ctx context.Context, accountID, deviceID uuid.UUID, newVersion int64, submissions []EnvelopeSubmission, signature []byte) (*models.KeyVersion, error) {
	device, err := s.ownedDevice(ctx, accountID, deviceID)
	if err != nil {
		return nil, err
	}
	if !device.Trusted() {
		return nil, ErrNotTrusted
	}

	current, err := s.keyRepo.CurrentVersion(ctx, accountID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrLedgerEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read current version: %w", err)
	}
	if newVersion != current.Version+1 {
		return nil, ErrVersionMismatch
	}

	devices, err := s.deviceRepo.GetByAccountID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	trusted := make(map[uuid.UUID]bool)
	for _, d := range devices {
		if d.Trusted() {
			trusted[d.ID] = true
		}
	}

	// Exact coverage: one envelope per trusted device, nothing else.
	envelopes := make([]*models.KeyEnvelope, 0, len(submissions))
	covered := make(map[uuid.UUID]bool)
	for _, sub := range submissions {
		if !trusted[sub.DeviceID] || covered[sub.DeviceID] {
			return nil, ErrEnvelopeMismatch
		}
		covered[sub.DeviceID] = true
		envelopes = append(envelopes, &models.KeyEnvelope{
			ID:           uuid.New(),
			AccountID:    accountID,
			DeviceID:     sub.DeviceID,
			Version:      newVersion,
			Envelope:     sub.Envelope,
			EnvelopeHash: models.EnvelopeHash(sub.Envelope),
		})
	}
	if len(covered) != len(trusted) {
		return nil, ErrEnvelopeMismatch
	}

	signingKey, err := base64.StdEncoding.DecodeString(device.SigningPublicKey)
	if err != nil {
		return nil, ErrCommitRejected
	}
	message := models.RotationCommitMessage(newVersion, envelopes)
	if err := crypto.VerifySignature(ed25519.PublicKey(signingKey), message, signature); err != nil {
		log.Printf("security: rejected rotation commit for account %s: bad signature from device %s", accountID, deviceID)
		return nil, ErrCommitRejected
	}

	version := &models.KeyVersion{
		ID:              uuid.New(),
		AccountID:       accountID,
		Version:         newVersion,
		CreatedByDevice: deviceID,
	}
	if err := s.keyRepo.CommitRotation(ctx, version, envelopes); err != nil {
		return nil, fmt.Errorf("failed to commit rotation: %w", err)
	}
	return version, nil
}

// CurrentVersion returns the ledger's current version for the account.
func (s *KeyLedgerService) CurrentVersion(ctx context.Context, accountID uuid.UUID) (*models.KeyVersion, error) {
	version, err := s.keyRepo.CurrentVersion(ctx, accountID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrLedgerEmpty
	}
	return version, err
}

// EnvelopeFor returns the sealed envelope addressed to one device at one
// version. A revoked device has no envelopes past its revocation, so this
// naturally returns not-found for anything issued afterwards.
func (s *KeyLedgerService) EnvelopeFor(ctx context.Context, accountID, deviceID uuid.UUID, version int64) (*models.KeyEnvelope, error) {
	if _, err := s.ownedDevice(ctx, accountID, deviceID); err != nil {
		return nil, err
	}
	return s.keyRepo.EnvelopeFor(ctx, accountID, deviceID, version)
}

// AckInstalled records that a trusted device has installed the given
// version locally, moving its trusted version forward after it catches up
// from a stale state.
func (s *KeyLedgerService) AckInstalled(ctx context.Context, accountID, deviceID uuid.UUID, version int64) error {
	device, err := s.ownedDevice(ctx, accountID, deviceID)
	if err != nil {
		return err
	}
	if !device.Trusted() {
		return ErrNotTrusted
	}
	if version < device.TrustedKeyVersion {
		return ErrVersionMismatch
	}
	if _, err := s.keyRepo.EnvelopeFor(ctx, accountID, deviceID, version); err != nil {
		return err
	}
	return s.deviceRepo.MarkTrusted(ctx, deviceID, version)
}

func (s *KeyLedgerService) ownedDevice(ctx context.Context, accountID, deviceID uuid.UUID) (*models.Device, error) {
	device, err := s.deviceRepo.GetByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.AccountID != accountID {
		return nil, repositories.ErrNotFound
	}
	return device, nil
}
