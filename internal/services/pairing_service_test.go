package services

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afadil/wealthfolio-sync/internal/crypto"
	"github.com/afadil/wealthfolio-sync/internal/models"
	"github.com/afadil/wealthfolio-sync/internal/repositories"
)

type pairingFixture struct {
	service     *PairingService
	deviceRepo  *repositories.MemoryDeviceRepository
	pairingRepo *repositories.MemoryPairingSessionRepository
	accountID   uuid.UUID
}

func newPairingFixture(t *testing.T) *pairingFixture {
	t.Helper()
	deviceRepo := repositories.NewMemoryDeviceRepository()
	pairingRepo := repositories.NewMemoryPairingSessionRepository()
	return &pairingFixture{
		service:     NewPairingService(pairingRepo, deviceRepo, 10*time.Minute),
		deviceRepo:  deviceRepo,
		pairingRepo: pairingRepo,
		accountID:   uuid.New(),
	}
}

func (f *pairingFixture) addDevice(t *testing.T, trusted bool) *models.Device {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	signing, err := crypto.GenerateSigningKey()
	require.NoError(t, err)

	device := &models.Device{
		ID:               uuid.New(),
		AccountID:        f.accountID,
		Name:             "test device",
		PublicKey:        base64.StdEncoding.EncodeToString(keys.Public),
		SigningPublicKey: base64.StdEncoding.EncodeToString(signing.Public),
		TrustState:       models.TrustStateUntrusted,
	}
	require.NoError(t, f.deviceRepo.Create(context.Background(), device))
	if trusted {
		require.NoError(t, f.deviceRepo.MarkTrusted(context.Background(), device.ID, 1))
		device.TrustState = models.TrustStateTrusted
		device.TrustedKeyVersion = 1
	}
	return device
}

func (f *pairingFixture) openSession(t *testing.T, issuer *models.Device, code string) *models.PairingSession {
	t.Helper()
	session, err := f.service.CreateSession(context.Background(), f.accountID, issuer.ID,
		crypto.HashPairingCode(code), "issuer-ephemeral-key", true)
	require.NoError(t, err)
	return session
}

func TestCreateSessionRequiresTrustedIssuer(t *testing.T) {
	f := newPairingFixture(t)
	issuer := f.addDevice(t, false)

	_, err := f.service.CreateSession(context.Background(), f.accountID, issuer.ID,
		crypto.HashPairingCode("ABC123"), "key", true)
	assert.ErrorIs(t, err, ErrNotTrusted)
}

func TestClaimMatchesCodeHash(t *testing.T) {
	f := newPairingFixture(t)
	issuer := f.addDevice(t, true)
	claimer := f.addDevice(t, false)
	session := f.openSession(t, issuer, "ABC123")

	claimed, err := f.service.Claim(context.Background(), f.accountID, claimer.ID, " abc123 ", "claimer-key")
	require.NoError(t, err)
	assert.Equal(t, session.ID, claimed.ID)
	assert.Equal(t, models.PairingStatusClaimed, claimed.Status)
	require.NotNil(t, claimed.ClaimerDeviceID)
	assert.Equal(t, claimer.ID, *claimed.ClaimerDeviceID)
	assert.Equal(t, "claimer-key", claimed.ClaimerPublicKey)
}

func TestClaimWrongCode(t *testing.T) {
	f := newPairingFixture(t)
	issuer := f.addDevice(t, true)
	claimer := f.addDevice(t, false)
	f.openSession(t, issuer, "ABC123")

	_, err := f.service.Claim(context.Background(), f.accountID, claimer.ID, "XYZ789", "claimer-key")
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestClaimMalformedCode(t *testing.T) {
	f := newPairingFixture(t)
	claimer := f.addDevice(t, false)

	for _, code := range []string{"", "ABC", "ABC1234", "ABC12!"} {
		_, err := f.service.Claim(context.Background(), f.accountID, claimer.ID, code, "claimer-key")
		assert.ErrorIs(t, err, ErrInvalidCode, "code %q", code)
	}
}

func TestClaimIsSingleUse(t *testing.T) {
	f := newPairingFixture(t)
	issuer := f.addDevice(t, true)
	first := f.addDevice(t, false)
	second := f.addDevice(t, false)
	f.openSession(t, issuer, "ABC123")

	_, err := f.service.Claim(context.Background(), f.accountID, first.ID, "ABC123", "first-key")
	require.NoError(t, err)

	_, err = f.service.Claim(context.Background(), f.accountID, second.ID, "ABC123", "second-key")
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestIssuerCannotClaimOwnSession(t *testing.T) {
	f := newPairingFixture(t)
	issuer := f.addDevice(t, true)
	f.openSession(t, issuer, "ABC123")

	_, err := f.service.Claim(context.Background(), f.accountID, issuer.ID, "ABC123", "key")
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestClaimAfterExpiry(t *testing.T) {
	f := newPairingFixture(t)
	issuer := f.addDevice(t, true)
	claimer := f.addDevice(t, false)
	f.openSession(t, issuer, "ABC123")

	f.pairingRepo.SetClock(func() time.Time { return time.Now().Add(11 * time.Minute) })

	_, err := f.service.Claim(context.Background(), f.accountID, claimer.ID, "ABC123", "claimer-key")
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestApproveRequiresClaimedSession(t *testing.T) {
	f := newPairingFixture(t)
	issuer := f.addDevice(t, true)
	session := f.openSession(t, issuer, "ABC123")

	_, err := f.service.Approve(context.Background(), f.accountID, issuer.ID, session.ID)
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestFullPairingLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newPairingFixture(t)
	issuer := f.addDevice(t, true)
	claimer := f.addDevice(t, false)
	session := f.openSession(t, issuer, "ABC123")

	_, err := f.service.Claim(ctx, f.accountID, claimer.ID, "ABC123", "claimer-key")
	require.NoError(t, err)

	_, err = f.service.Approve(ctx, f.accountID, issuer.ID, session.ID)
	require.NoError(t, err)

	bundle := []byte("sealed-bundle")
	signature := []byte("bundle-signature")
	_, err = f.service.Complete(ctx, f.accountID, issuer.ID, session.ID, 3, bundle, signature)
	require.NoError(t, err)

	msg, err := f.service.GetBundleForClaimer(ctx, f.accountID, claimer.ID, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PairingStatusCompleted, msg.Session.Status)
	assert.Equal(t, bundle, msg.Session.Bundle)
	assert.Equal(t, signature, msg.Session.BundleSignature)
	assert.Equal(t, issuer.SigningPublicKey, msg.IssuerSigningKey)

	device, err := f.service.ConfirmClaimer(ctx, f.accountID, claimer.ID, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TrustStateTrusted, device.TrustState)
	assert.Equal(t, int64(3), device.TrustedKeyVersion)

	// The session is single-use and dropped on confirmation.
	_, err = f.service.ConfirmClaimer(ctx, f.accountID, claimer.ID, session.ID)
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestBundleHiddenFromStranger(t *testing.T) {
	ctx := context.Background()
	f := newPairingFixture(t)
	issuer := f.addDevice(t, true)
	claimer := f.addDevice(t, false)
	stranger := f.addDevice(t, false)
	session := f.openSession(t, issuer, "ABC123")

	_, err := f.service.Claim(ctx, f.accountID, claimer.ID, "ABC123", "claimer-key")
	require.NoError(t, err)

	_, err = f.service.GetBundleForClaimer(ctx, f.accountID, stranger.ID, session.ID)
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestCancelByEitherParticipant(t *testing.T) {
	ctx := context.Background()
	f := newPairingFixture(t)
	issuer := f.addDevice(t, true)
	claimer := f.addDevice(t, false)
	stranger := f.addDevice(t, false)
	session := f.openSession(t, issuer, "ABC123")

	_, err := f.service.Claim(ctx, f.accountID, claimer.ID, "ABC123", "claimer-key")
	require.NoError(t, err)

	assert.ErrorIs(t, f.service.Cancel(ctx, f.accountID, stranger.ID, session.ID), ErrSessionInvalid)
	require.NoError(t, f.service.Cancel(ctx, f.accountID, claimer.ID, session.ID))

	got, err := f.service.GetForIssuer(ctx, f.accountID, issuer.ID, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PairingStatusCanceled, got.Status)

	// Terminal sessions cannot be canceled again or advanced.
	assert.ErrorIs(t, f.service.Cancel(ctx, f.accountID, issuer.ID, session.ID), ErrSessionInvalid)
	_, err = f.service.Approve(ctx, f.accountID, issuer.ID, session.ID)
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestExpiredSessionReadsAsInvalid(t *testing.T) {
	ctx := context.Background()
	f := newPairingFixture(t)
	issuer := f.addDevice(t, true)
	session := f.openSession(t, issuer, "ABC123")

	f.pairingRepo.SetClock(func() time.Time { return time.Now().Add(11 * time.Minute) })

	_, err := f.service.GetForIssuer(ctx, f.accountID, issuer.ID, session.ID)
	assert.ErrorIs(t, err, ErrSessionInvalid)
}
