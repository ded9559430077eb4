package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/afadil/wealthfolio-sync/internal/crypto"
	"github.com/afadil/wealthfolio-sync/internal/models"
	"github.com/afadil/wealthfolio-sync/internal/repositories"
)

var (
	// ErrSessionInvalid covers unknown, expired, canceled, and
	// wrong-state sessions alike: the caller's only recovery is a fresh
	// session.
	ErrSessionInvalid = errors.New("pairing session unknown, expired, or not in a usable state")

	// ErrCodeClaimed is returned when a claim races a code that has
	// already been claimed. A code is single-use regardless of timing.
	ErrCodeClaimed = errors.New("pairing code already claimed")

	// ErrInvalidCode rejects malformed code input before any lookup.
	ErrInvalidCode = crypto.ErrInvalidCode
)

// PairingService is the server half of the pairing protocol. It matches
// claims against code hashes, enforces single-use and TTL, and relays
// public keys and the sealed key bundle between issuer and claimer. It
// never sees the pairing code, the session key, or any key plaintext.
type PairingService struct {
	pairingRepo repositories.PairingSessionRepository
	deviceRepo  repositories.DeviceRepository
	ttl         time.Duration
}

func NewPairingService(pairingRepo repositories.PairingSessionRepository, deviceRepo repositories.DeviceRepository, ttl time.Duration) *PairingService {
	return &PairingService{pairingRepo: pairingRepo, deviceRepo: deviceRepo, ttl: ttl}
}

// CreateSession opens a pairing session on behalf of a trusted issuer
// device. The issuer submits only the code hash and its ephemeral public
// key; the plaintext code stays on the issuer's screen.
func (s *PairingService) CreateSession(ctx context.Context, accountID, issuerDeviceID uuid.UUID, codeHash, issuerPublicKey string, requireSAS bool) (*models.PairingSession, error) {
	issuer, err := s.ownedDevice(ctx, accountID, issuerDeviceID)
	if err != nil {
		return nil, err
	}
	if !issuer.Trusted() {
		return nil, ErrNotTrusted
	}

	now := time.Now()
	session := &models.PairingSession{
		ID:              uuid.New().String(),
		AccountID:       accountID,
		IssuerDeviceID:  issuerDeviceID,
		CodeHash:        codeHash,
		IssuerPublicKey: issuerPublicKey,
		RequireSAS:      requireSAS,
		Status:          models.PairingStatusOpen,
		ExpiresAt:       now.Add(s.ttl),
		CreatedAt:       now,
	}
	if err := s.pairingRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create pairing session: %w", err)
	}
	return session, nil
}

// GetForIssuer returns the session for issuer polling.
func (s *PairingService) GetForIssuer(ctx context.Context, accountID, issuerDeviceID uuid.UUID, sessionID string) (*models.PairingSession, error) {
	session, err := s.lookup(ctx, accountID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.IssuerDeviceID != issuerDeviceID {
		return nil, ErrSessionInvalid
	}
	return session, nil
}

// Claim resolves a pairing code to its open session and atomically marks it
// claimed for the claimer device. Exactly one claim per session can ever
// succeed.
func (s *PairingService) Claim(ctx context.Context, accountID, claimerDeviceID uuid.UUID, code, claimerPublicKey string) (*models.PairingSession, error) {
	normalized, err := crypto.NormalizePairingCode(code)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownedDevice(ctx, accountID, claimerDeviceID); err != nil {
		return nil, err
	}

	session, err := s.pairingRepo.GetByCodeHash(ctx, accountID, crypto.HashPairingCode(normalized))
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrSessionInvalid
	}
	if err != nil {
		return nil, err
	}
	if session.Status != models.PairingStatusOpen || session.Expired(time.Now()) {
		return nil, ErrSessionInvalid
	}
	if session.IssuerDeviceID == claimerDeviceID {
		return nil, ErrSessionInvalid
	}

	err = s.pairingRepo.Claim(ctx, session.ID, claimerDeviceID, claimerPublicKey)
	if errors.Is(err, repositories.ErrAlreadyClaimed) {
		return nil, ErrCodeClaimed
	}
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrSessionInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim pairing session: %w", err)
	}

	return s.pairingRepo.GetByID(ctx, session.ID)
}

// Approve moves a claimed session to approved after the issuer's user has
// confirmed the SAS on screen.
func (s *PairingService) Approve(ctx context.Context, accountID, issuerDeviceID uuid.UUID, sessionID string) (*models.PairingSession, error) {
	session, err := s.GetForIssuer(ctx, accountID, issuerDeviceID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.PairingStatusClaimed {
		return nil, ErrSessionInvalid
	}
	session.Status = models.PairingStatusApproved
	if err := s.update(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Complete stores the sealed key bundle and its signature and marks the
// session completed, ready for the claimer to collect.
func (s *PairingService) Complete(ctx context.Context, accountID, issuerDeviceID uuid.UUID, sessionID string, keyVersion int64, bundle, signature []byte) (*models.PairingSession, error) {
	session, err := s.GetForIssuer(ctx, accountID, issuerDeviceID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.PairingStatusApproved {
		return nil, ErrSessionInvalid
	}
	session.Status = models.PairingStatusCompleted
	session.KeyVersion = keyVersion
	session.Bundle = bundle
	session.BundleSignature = signature
	if err := s.update(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Cancel terminates a session before completion. Either participant may
// cancel; a cancellation after an SAS mismatch is a security event.
func (s *PairingService) Cancel(ctx context.Context, accountID, deviceID uuid.UUID, sessionID string) error {
	session, err := s.lookup(ctx, accountID, sessionID)
	if err != nil {
		return err
	}
	if session.IssuerDeviceID != deviceID &&
		(session.ClaimerDeviceID == nil || *session.ClaimerDeviceID != deviceID) {
		return ErrSessionInvalid
	}
	if session.Terminal() {
		return ErrSessionInvalid
	}
	session.Status = models.PairingStatusCanceled
	log.Printf("security: pairing session %s canceled by device %s", sessionID, deviceID)
	return s.update(ctx, session)
}

// BundleMessage is what the claimer polls for: the session status plus, on
// completion, the sealed bundle and the issuer's registered signing key for
// verification.
type BundleMessage struct {
	Session          *models.PairingSession
	IssuerSigningKey string
}

// GetBundleForClaimer returns the session for claimer polling. Canceled and
// expired read back as their own statuses, never as a generic failure.
func (s *PairingService) GetBundleForClaimer(ctx context.Context, accountID, claimerDeviceID uuid.UUID, sessionID string) (*BundleMessage, error) {
	session, err := s.lookup(ctx, accountID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.ClaimerDeviceID == nil || *session.ClaimerDeviceID != claimerDeviceID {
		return nil, ErrSessionInvalid
	}

	msg := &BundleMessage{Session: session}
	if session.Status == models.PairingStatusCompleted {
		issuer, err := s.ownedDevice(ctx, accountID, session.IssuerDeviceID)
		if err != nil {
			return nil, err
		}
		msg.IssuerSigningKey = issuer.SigningPublicKey
	}
	return msg, nil
}

// ConfirmClaimer marks the claimer device trusted at the bundle's version
// after the claimer has verified, decrypted, and installed the key
// material. The session is single-use and is dropped here.
func (s *PairingService) ConfirmClaimer(ctx context.Context, accountID, claimerDeviceID uuid.UUID, sessionID string) (*models.Device, error) {
	session, err := s.lookup(ctx, accountID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.PairingStatusCompleted {
		return nil, ErrSessionInvalid
	}
	if session.ClaimerDeviceID == nil || *session.ClaimerDeviceID != claimerDeviceID {
		return nil, ErrSessionInvalid
	}

	if err := s.deviceRepo.MarkTrusted(ctx, claimerDeviceID, session.KeyVersion); err != nil {
		return nil, fmt.Errorf("failed to trust claimer device: %w", err)
	}
	if err := s.pairingRepo.Delete(ctx, session.ID); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		log.Printf("failed to drop completed pairing session %s: %v", session.ID, err)
	}
	return s.deviceRepo.GetByID(ctx, claimerDeviceID)
}

func (s *PairingService) lookup(ctx context.Context, accountID uuid.UUID, sessionID string) (*models.PairingSession, error) {
	session, err := s.pairingRepo.GetByID(ctx, sessionID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrSessionInvalid
	}
	if err != nil {
		return nil, err
	}
	if session.AccountID != accountID {
		return nil, ErrSessionInvalid
	}
	if session.Expired(time.Now()) && !session.Terminal() {
		session.Status = models.PairingStatusExpired
	}
	return session, nil
}

func (s *PairingService) update(ctx context.Context, session *models.PairingSession) error {
	if err := s.pairingRepo.Update(ctx, session); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrSessionInvalid
		}
		return fmt.Errorf("failed to update pairing session: %w", err)
	}
	return nil
}

func (s *PairingService) ownedDevice(ctx context.Context, accountID, deviceID uuid.UUID) (*models.Device, error) {
	device, err := s.deviceRepo.GetByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.AccountID != accountID {
		return nil, repositories.ErrNotFound
	}
	return device, nil
}
