package services

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afadil/wealthfolio-sync/internal/crypto"
	"github.com/afadil/wealthfolio-sync/internal/models"
	"github.com/afadil/wealthfolio-sync/internal/repositories"
)

type ledgerFixture struct {
	service    *KeyLedgerService
	deviceRepo *repositories.MemoryDeviceRepository
	accountID  uuid.UUID
}

type ledgerDevice struct {
	device  *models.Device
	keys    *crypto.KeyPair
	signing *crypto.SigningKeyPair
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	deviceRepo := repositories.NewMemoryDeviceRepository()
	return &ledgerFixture{
		service:    NewKeyLedgerService(repositories.NewMemoryKeyLedgerRepository(), deviceRepo),
		deviceRepo: deviceRepo,
		accountID:  uuid.New(),
	}
}

func (f *ledgerFixture) addDevice(t *testing.T) *ledgerDevice {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	signing, err := crypto.GenerateSigningKey()
	require.NoError(t, err)

	device := &models.Device{
		ID:               uuid.New(),
		AccountID:        f.accountID,
		Name:             "ledger device",
		PublicKey:        base64.StdEncoding.EncodeToString(keys.Public),
		SigningPublicKey: base64.StdEncoding.EncodeToString(signing.Public),
		TrustState:       models.TrustStateUntrusted,
	}
	require.NoError(t, f.deviceRepo.Create(context.Background(), device))
	return &ledgerDevice{device: device, keys: keys, signing: signing}
}

func (f *ledgerFixture) bootstrap(t *testing.T, d *ledgerDevice) []byte {
	t.Helper()
	rootKey, err := crypto.GenerateRootKey()
	require.NoError(t, err)
	envelope, err := crypto.Seal(d.keys.Public, rootKey)
	require.NoError(t, err)

	version, err := f.service.Initialize(context.Background(), f.accountID, d.device.ID, envelope)
	require.NoError(t, err)
	require.Equal(t, int64(1), version.Version)
	return rootKey
}

// signedRotation builds envelopes for the given devices and the commit
// signature by the signer, optionally corrupting the signature.
func signedRotation(t *testing.T, version int64, rootKey []byte, devices []*ledgerDevice, signer *ledgerDevice) ([]EnvelopeSubmission, []byte) {
	t.Helper()
	var submissions []EnvelopeSubmission
	var hashed []*models.KeyEnvelope
	for _, d := range devices {
		envelope, err := crypto.Seal(d.keys.Public, rootKey)
		require.NoError(t, err)
		submissions = append(submissions, EnvelopeSubmission{DeviceID: d.device.ID, Envelope: envelope})
		hashed = append(hashed, &models.KeyEnvelope{
			DeviceID:     d.device.ID,
			EnvelopeHash: models.EnvelopeHash(envelope),
		})
	}
	message := models.RotationCommitMessage(version, hashed)
	signature, err := crypto.Sign(signer.signing.Private, message)
	require.NoError(t, err)
	return submissions, signature
}

func TestInitializeBootstrapsVersionOne(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	a := f.addDevice(t)
	rootKey := f.bootstrap(t, a)

	current, err := f.service.CurrentVersion(ctx, f.accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current.Version)

	// The bootstrap device becomes trusted at version 1 and can recover
	// the root key from its own envelope.
	device, err := f.deviceRepo.GetByID(ctx, a.device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TrustStateTrusted, device.TrustState)
	assert.Equal(t, int64(1), device.TrustedKeyVersion)

	envelope, err := f.service.EnvelopeFor(ctx, f.accountID, a.device.ID, 1)
	require.NoError(t, err)
	opened, err := crypto.Open(a.keys.Secret, envelope.Envelope)
	require.NoError(t, err)
	assert.Equal(t, rootKey, opened)
}

func TestInitializeTwiceRejected(t *testing.T) {
	f := newLedgerFixture(t)
	a := f.addDevice(t)
	f.bootstrap(t, a)

	rootKey, err := crypto.GenerateRootKey()
	require.NoError(t, err)
	envelope, err := crypto.Seal(a.keys.Public, rootKey)
	require.NoError(t, err)

	_, err = f.service.Initialize(context.Background(), f.accountID, a.device.ID, envelope)
	assert.ErrorIs(t, err, ErrLedgerExists)
}

func TestRotateCoversEveryTrustedDevice(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	a := f.addDevice(t)
	b := f.addDevice(t)
	f.bootstrap(t, a)
	require.NoError(t, f.deviceRepo.MarkTrusted(ctx, b.device.ID, 1))

	newRoot, err := crypto.GenerateRootKey()
	require.NoError(t, err)
	submissions, signature := signedRotation(t, 2, newRoot, []*ledgerDevice{a, b}, a)

	version, err := f.service.Rotate(ctx, f.accountID, a.device.ID, 2, submissions, signature)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version.Version)

	// Both devices can open their version-2 envelope to the same key.
	for _, d := range []*ledgerDevice{a, b} {
		envelope, err := f.service.EnvelopeFor(ctx, f.accountID, d.device.ID, 2)
		require.NoError(t, err)
		opened, err := crypto.Open(d.keys.Secret, envelope.Envelope)
		require.NoError(t, err)
		assert.Equal(t, newRoot, opened)
	}
}

func TestRotateVersionMustBeNext(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	a := f.addDevice(t)
	f.bootstrap(t, a)

	newRoot, err := crypto.GenerateRootKey()
	require.NoError(t, err)
	submissions, signature := signedRotation(t, 3, newRoot, []*ledgerDevice{a}, a)

	_, err = f.service.Rotate(ctx, f.accountID, a.device.ID, 3, submissions, signature)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestRotateRejectsIncompleteCoverage(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	a := f.addDevice(t)
	b := f.addDevice(t)
	f.bootstrap(t, a)
	require.NoError(t, f.deviceRepo.MarkTrusted(ctx, b.device.ID, 1))

	newRoot, err := crypto.GenerateRootKey()
	require.NoError(t, err)

	// Missing device b.
	submissions, signature := signedRotation(t, 2, newRoot, []*ledgerDevice{a}, a)
	_, err = f.service.Rotate(ctx, f.accountID, a.device.ID, 2, submissions, signature)
	assert.ErrorIs(t, err, ErrEnvelopeMismatch)

	// Envelope for an untrusted device.
	c := f.addDevice(t)
	submissions, signature = signedRotation(t, 2, newRoot, []*ledgerDevice{a, b, c}, a)
	_, err = f.service.Rotate(ctx, f.accountID, a.device.ID, 2, submissions, signature)
	assert.ErrorIs(t, err, ErrEnvelopeMismatch)

	// Nothing committed: still at version 1.
	current, err := f.service.CurrentVersion(ctx, f.accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current.Version)
}

func TestRotateRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	a := f.addDevice(t)
	b := f.addDevice(t)
	f.bootstrap(t, a)
	require.NoError(t, f.deviceRepo.MarkTrusted(ctx, b.device.ID, 1))

	newRoot, err := crypto.GenerateRootKey()
	require.NoError(t, err)

	// Signed by b but submitted as a.
	submissions, signature := signedRotation(t, 2, newRoot, []*ledgerDevice{a, b}, b)
	_, err = f.service.Rotate(ctx, f.accountID, a.device.ID, 2, submissions, signature)
	assert.ErrorIs(t, err, ErrCommitRejected)
}

func TestRotateRequiresTrustedDevice(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	a := f.addDevice(t)
	outsider := f.addDevice(t)
	f.bootstrap(t, a)

	newRoot, err := crypto.GenerateRootKey()
	require.NoError(t, err)
	submissions, signature := signedRotation(t, 2, newRoot, []*ledgerDevice{a}, outsider)

	_, err = f.service.Rotate(ctx, f.accountID, outsider.device.ID, 2, submissions, signature)
	assert.ErrorIs(t, err, ErrNotTrusted)
}

func TestRevokedDeviceGetsNoFurtherEnvelopes(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	a := f.addDevice(t)
	b := f.addDevice(t)
	f.bootstrap(t, a)
	require.NoError(t, f.deviceRepo.MarkTrusted(ctx, b.device.ID, 1))

	secondRoot, err := crypto.GenerateRootKey()
	require.NoError(t, err)
	submissions, signature := signedRotation(t, 2, secondRoot, []*ledgerDevice{a, b}, a)
	_, err = f.service.Rotate(ctx, f.accountID, a.device.ID, 2, submissions, signature)
	require.NoError(t, err)

	require.NoError(t, f.deviceRepo.Revoke(ctx, b.device.ID))

	thirdRoot, err := crypto.GenerateRootKey()
	require.NoError(t, err)

	// A rotation still covering the revoked device is rejected whole.
	submissions, signature = signedRotation(t, 3, thirdRoot, []*ledgerDevice{a, b}, a)
	_, err = f.service.Rotate(ctx, f.accountID, a.device.ID, 3, submissions, signature)
	assert.ErrorIs(t, err, ErrEnvelopeMismatch)

	// Covering only the surviving device commits.
	submissions, signature = signedRotation(t, 3, thirdRoot, []*ledgerDevice{a}, a)
	version, err := f.service.Rotate(ctx, f.accountID, a.device.ID, 3, submissions, signature)
	require.NoError(t, err)
	assert.Equal(t, int64(3), version.Version)

	// The revoked device keeps its historical envelope but has nothing at
	// any version issued after revocation.
	envelope, err := f.service.EnvelopeFor(ctx, f.accountID, b.device.ID, 2)
	require.NoError(t, err)
	opened, err := crypto.Open(b.keys.Secret, envelope.Envelope)
	require.NoError(t, err)
	assert.Equal(t, secondRoot, opened)

	_, err = f.service.EnvelopeFor(ctx, f.accountID, b.device.ID, 3)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestAckInstalledAdvancesTrustedVersion(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	a := f.addDevice(t)
	b := f.addDevice(t)
	f.bootstrap(t, a)
	require.NoError(t, f.deviceRepo.MarkTrusted(ctx, b.device.ID, 1))

	newRoot, err := crypto.GenerateRootKey()
	require.NoError(t, err)
	submissions, signature := signedRotation(t, 2, newRoot, []*ledgerDevice{a, b}, a)
	_, err = f.service.Rotate(ctx, f.accountID, a.device.ID, 2, submissions, signature)
	require.NoError(t, err)

	require.NoError(t, f.service.AckInstalled(ctx, f.accountID, b.device.ID, 2))
	device, err := f.deviceRepo.GetByID(ctx, b.device.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), device.TrustedKeyVersion)

	// Moving backwards is rejected.
	assert.ErrorIs(t, f.service.AckInstalled(ctx, f.accountID, b.device.ID, 1), ErrVersionMismatch)
}
