package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/afadil/wealthfolio-sync/internal/crypto"
	"github.com/afadil/wealthfolio-sync/internal/models"
	"github.com/afadil/wealthfolio-sync/internal/repositories"
)

var (
	ErrInvalidPublicKey = errors.New("public key must be 32 bytes, base64-encoded")
	ErrDeviceRevoked    = errors.New("device has been revoked")
)

const rawKeySize = 32

type DeviceService struct {
	deviceRepo  repositories.DeviceRepository
	sessionRepo repositories.SessionRepository
}

func NewDeviceService(deviceRepo repositories.DeviceRepository, sessionRepo repositories.SessionRepository) *DeviceService {
	return &DeviceService{deviceRepo: deviceRepo, sessionRepo: sessionRepo}
}

type RegisterDeviceRequest struct {
	Name             string
	Platform         string
	AppVersion       string
	PublicKey        string
	SigningPublicKey string
}

// Register creates a new device record. Every device starts untrusted with
// no trusted key version; trust is only granted by the key ledger bootstrap
// or by completing a pairing flow.
func (s *DeviceService) Register(ctx context.Context, accountID uuid.UUID, req RegisterDeviceRequest) (*models.Device, error) {
	if err := validateRawKey(req.PublicKey); err != nil {
		return nil, err
	}
	if err := validateRawKey(req.SigningPublicKey); err != nil {
		return nil, err
	}

	device := &models.Device{
		ID:                crypto.GenerateDeviceID(),
		AccountID:         accountID,
		Name:              req.Name,
		Platform:          req.Platform,
		AppVersion:        req.AppVersion,
		PublicKey:         req.PublicKey,
		SigningPublicKey:  req.SigningPublicKey,
		TrustState:        models.TrustStateUntrusted,
		TrustedKeyVersion: 0,
	}
	if err := s.deviceRepo.Create(ctx, device); err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}
	return device, nil
}

// Get returns a device owned by the account. Devices of other accounts read
// as not found.
func (s *DeviceService) Get(ctx context.Context, accountID, deviceID uuid.UUID) (*models.Device, error) {
	device, err := s.deviceRepo.GetByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.AccountID != accountID {
		return nil, repositories.ErrNotFound
	}
	return device, nil
}

func (s *DeviceService) List(ctx context.Context, accountID uuid.UUID) ([]*models.Device, error) {
	return s.deviceRepo.GetByAccountID(ctx, accountID)
}

func (s *DeviceService) Rename(ctx context.Context, accountID, deviceID uuid.UUID, name string) error {
	if name == "" {
		return errors.New("device name must not be empty")
	}
	if _, err := s.Get(ctx, accountID, deviceID); err != nil {
		return err
	}
	return s.deviceRepo.Rename(ctx, deviceID, name)
}

// Revoke drops a device's trust. The device is excluded from the trusted
// set, so the next rotation produces no envelope for it and it cannot
// decrypt any later key version.
func (s *DeviceService) Revoke(ctx context.Context, accountID, deviceID uuid.UUID) error {
	device, err := s.Get(ctx, accountID, deviceID)
	if err != nil {
		return err
	}
	if device.RevokedAt != nil {
		return ErrDeviceRevoked
	}
	if err := s.deviceRepo.Revoke(ctx, deviceID); err != nil {
		return err
	}

	// Kill the revoked device's live sessions so its tokens stop working
	// immediately, not at expiry.
	sessions, err := s.sessionRepo.GetByAccountID(ctx, accountID)
	if err != nil {
		return nil
	}
	for _, session := range sessions {
		if session.DeviceID == deviceID {
			_ = s.sessionRepo.Delete(ctx, session.ID)
		}
	}
	return nil
}

func (s *DeviceService) TouchLastSeen(ctx context.Context, deviceID uuid.UUID) error {
	return s.deviceRepo.TouchLastSeen(ctx, deviceID)
}

func validateRawKey(encoded string) error {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != rawKeySize {
		return ErrInvalidPublicKey
	}
	return nil
}
