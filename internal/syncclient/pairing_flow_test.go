package syncclient

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afadil/wealthfolio-sync/internal/api"
	"github.com/afadil/wealthfolio-sync/internal/repositories"
	"github.com/afadil/wealthfolio-sync/internal/services"
)

const (
	testEmail    = "owner@example.com"
	testPassword = "correct-horse-battery"
)

type e2eFixture struct {
	server      *httptest.Server
	pairingRepo *repositories.MemoryPairingSessionRepository
}

// newE2EFixture stands up the full HTTP surface over in-memory stores, so
// the client halves below run the real wire protocol end to end.
func newE2EFixture(t *testing.T) *e2eFixture {
	t.Helper()

	accountRepo := repositories.NewMemoryAccountRepository()
	deviceRepo := repositories.NewMemoryDeviceRepository()
	keyRepo := repositories.NewMemoryKeyLedgerRepository()
	pairingRepo := repositories.NewMemoryPairingSessionRepository()
	sessionRepo := repositories.NewMemorySessionRepository()

	handler := api.NewHandler(
		services.NewAuthService(accountRepo, deviceRepo, sessionRepo, "test-secret", time.Hour),
		services.NewDeviceService(deviceRepo, sessionRepo),
		services.NewKeyLedgerService(keyRepo, deviceRepo),
		services.NewPairingService(pairingRepo, deviceRepo, 10*time.Minute),
	)
	server := httptest.NewServer(handler.Router())
	t.Cleanup(server.Close)

	return &e2eFixture{server: server, pairingRepo: pairingRepo}
}

func (f *e2eFixture) newManager(t *testing.T, createAccount bool, name string) (*Manager, State) {
	t.Helper()
	manager := NewManager(NewTransport(f.server.URL), NewMemorySecretStore())
	manager.Pairing().SetPollInterval(10 * time.Millisecond)

	state, err := manager.EnableSync(context.Background(), EnableSyncOptions{
		Email:         testEmail,
		Password:      testPassword,
		CreateAccount: createAccount,
		DeviceName:    name,
		Platform:      "darwin",
		AppVersion:    "1.0.0",
	})
	require.NoError(t, err)
	return manager, state
}

// pairDevices runs the honest pairing protocol between two managers and
// returns once the claimer has installed the root key.
func pairDevices(t *testing.T, issuer, claimer *Manager) {
	t.Helper()
	ctx := context.Background()

	code, err := issuer.Pairing().StartPairing(ctx)
	require.NoError(t, err)
	require.Len(t, code, 6)

	outcome, err := claimer.Pairing().ClaimPairing(ctx, code)
	require.NoError(t, err)
	require.True(t, outcome.RequireSAS)

	issuerSAS, err := issuer.Pairing().PollForClaimerConnection(ctx)
	require.NoError(t, err)

	// Both sides derive the same short authentication string.
	require.Equal(t, issuerSAS, outcome.SAS)

	require.NoError(t, claimer.Pairing().ConfirmPairingAsClaimer(ctx, true))
	require.NoError(t, issuer.Pairing().ApprovePairing(ctx, true))
	require.NoError(t, issuer.Pairing().CompletePairing(ctx))

	version, err := claimer.Pairing().PollForKeyBundle(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, version, int64(1))
}

func TestEnableSyncBootstrapsFirstDevice(t *testing.T) {
	f := newE2EFixture(t)
	manager, state := f.newManager(t, true, "laptop")

	assert.Equal(t, StateReady, state)
	snap := manager.Snapshot()
	assert.Equal(t, int64(1), snap.LocalKeyVersion)
	assert.NotEmpty(t, snap.DeviceID)
}

func TestSecondDeviceJoinsViaPairing(t *testing.T) {
	ctx := context.Background()
	f := newE2EFixture(t)
	issuer, _ := f.newManager(t, true, "laptop")
	claimer, state := f.newManager(t, false, "phone")
	require.Equal(t, StateRegistered, state)

	pairDevices(t, issuer, claimer)

	// Both devices hold the same root key.
	issuerKey, err := issuerSecrets(issuer).Get(SecretRootKey)
	require.NoError(t, err)
	claimerKey, err := issuerSecrets(claimer).Get(SecretRootKey)
	require.NoError(t, err)
	assert.Equal(t, issuerKey, claimerKey)

	state, err = claimer.DetectState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateReady, state)

	// The claimer is now trusted server-side.
	devices, err := issuer.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	for _, device := range devices {
		assert.Equal(t, "trusted", device.TrustState)
	}
}

func TestRotationLeavesPeerStaleUntilCatchUp(t *testing.T) {
	ctx := context.Background()
	f := newE2EFixture(t)
	issuer, _ := f.newManager(t, true, "laptop")
	claimer, _ := f.newManager(t, false, "phone")
	pairDevices(t, issuer, claimer)
	_, err := claimer.DetectState(ctx)
	require.NoError(t, err)

	version, err := issuer.RotateKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	state, err := claimer.DetectState(ctx)
	require.NoError(t, err)
	require.Equal(t, StateStale, state)

	state, err = claimer.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateReady, state)

	issuerKey, err := issuerSecrets(issuer).Get(SecretRootKey)
	require.NoError(t, err)
	claimerKey, err := issuerSecrets(claimer).Get(SecretRootKey)
	require.NoError(t, err)
	assert.Equal(t, issuerKey, claimerKey)
}

func TestRevokedDeviceCutOffByRotation(t *testing.T) {
	ctx := context.Background()
	f := newE2EFixture(t)
	issuer, _ := f.newManager(t, true, "laptop")
	claimer, _ := f.newManager(t, false, "phone")
	pairDevices(t, issuer, claimer)
	_, err := claimer.DetectState(ctx)
	require.NoError(t, err)

	claimerID, err := uuid.Parse(claimer.Snapshot().DeviceID)
	require.NoError(t, err)
	require.NoError(t, issuer.RevokeDevice(ctx, claimerID))

	// Rotation covers only the surviving trusted device; an envelope for
	// the revoked one would have voided the whole commit.
	version, err := issuer.RotateKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	devices, err := issuer.ListDevices(ctx)
	require.NoError(t, err)
	trusted := 0
	for _, device := range devices {
		if device.TrustState == "trusted" {
			trusted++
		}
	}
	assert.Equal(t, 1, trusted)

	// Revocation also killed the claimer's sessions, so it cannot even ask
	// after the new version.
	state, err := claimer.DetectState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateFresh, state)
}

func TestPairingCodeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	f := newE2EFixture(t)
	issuer, _ := f.newManager(t, true, "laptop")
	first, _ := f.newManager(t, false, "phone")
	second, _ := f.newManager(t, false, "tablet")

	code, err := issuer.Pairing().StartPairing(ctx)
	require.NoError(t, err)

	_, err = first.Pairing().ClaimPairing(ctx, code)
	require.NoError(t, err)

	_, err = second.Pairing().ClaimPairing(ctx, code)
	require.Error(t, err)
	assert.Equal(t, KindSessionInvalid, KindOf(err))
}

func TestClaimUnknownCode(t *testing.T) {
	ctx := context.Background()
	f := newE2EFixture(t)
	_, _ = f.newManager(t, true, "laptop")
	claimer, _ := f.newManager(t, false, "phone")

	_, err := claimer.Pairing().ClaimPairing(ctx, "ZZZ999")
	require.Error(t, err)
	assert.Equal(t, KindSessionInvalid, KindOf(err))

	_, err = claimer.Pairing().ClaimPairing(ctx, "too short")
	require.Error(t, err)
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestClaimExpiredCode(t *testing.T) {
	ctx := context.Background()
	f := newE2EFixture(t)
	issuer, _ := f.newManager(t, true, "laptop")
	claimer, _ := f.newManager(t, false, "phone")

	code, err := issuer.Pairing().StartPairing(ctx)
	require.NoError(t, err)

	f.pairingRepo.SetClock(func() time.Time { return time.Now().Add(11 * time.Minute) })

	_, err = claimer.Pairing().ClaimPairing(ctx, code)
	require.Error(t, err)
	assert.Equal(t, KindSessionInvalid, KindOf(err))
}

func TestSASMismatchAbortsPairing(t *testing.T) {
	ctx := context.Background()
	f := newE2EFixture(t)
	issuer, _ := f.newManager(t, true, "laptop")
	claimer, _ := f.newManager(t, false, "phone")

	code, err := issuer.Pairing().StartPairing(ctx)
	require.NoError(t, err)
	_, err = claimer.Pairing().ClaimPairing(ctx, code)
	require.NoError(t, err)
	_, err = issuer.Pairing().PollForClaimerConnection(ctx)
	require.NoError(t, err)

	// The issuer's user rejects the comparison: hard failure, session dead.
	err = issuer.Pairing().ApprovePairing(ctx, false)
	require.Error(t, err)
	assert.Equal(t, KindAuthenticationFailed, KindOf(err))
	assert.Equal(t, FlowError, issuer.Pairing().FlowStatus())

	require.NoError(t, claimer.Pairing().ConfirmPairingAsClaimer(ctx, true))
	_, err = claimer.Pairing().PollForKeyBundle(ctx)
	require.Error(t, err)
	assert.Equal(t, KindSessionInvalid, KindOf(err))

	// No key material was installed on the claimer.
	_, err = issuerSecrets(claimer).Get(SecretRootKey)
	assert.ErrorIs(t, err, ErrSecretNotFound)

	// The claimer never became trusted.
	devices, err := issuer.ListDevices(ctx)
	require.NoError(t, err)
	trusted := 0
	for _, device := range devices {
		if device.TrustState == "trusted" {
			trusted++
		}
	}
	assert.Equal(t, 1, trusted)
}

func TestCancelStopsPolling(t *testing.T) {
	ctx := context.Background()
	f := newE2EFixture(t)
	issuer, _ := f.newManager(t, true, "laptop")
	claimer, _ := f.newManager(t, false, "phone")

	code, err := issuer.Pairing().StartPairing(ctx)
	require.NoError(t, err)

	pollErr := make(chan error, 1)
	go func() {
		_, err := issuer.Pairing().PollForClaimerConnection(ctx)
		pollErr <- err
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, issuer.Pairing().CancelPairing(ctx))

	select {
	case err := <-pollErr:
		require.Error(t, err)
		assert.Equal(t, KindSessionInvalid, KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not stop after cancel")
	}
	assert.Equal(t, FlowCanceled, issuer.Pairing().FlowStatus())

	_, err = claimer.Pairing().ClaimPairing(ctx, code)
	require.Error(t, err)
	assert.Equal(t, KindSessionInvalid, KindOf(err))
}

func TestDetectStateAfterCredentialLoss(t *testing.T) {
	ctx := context.Background()
	f := newE2EFixture(t)
	manager, _ := f.newManager(t, true, "laptop")

	// Simulate a rejected token.
	manager.transport.SetToken("garbage")
	state, err := manager.DetectState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateFresh, state)
}

func TestResetSyncClearsEverything(t *testing.T) {
	ctx := context.Background()
	f := newE2EFixture(t)
	manager, _ := f.newManager(t, true, "laptop")

	require.NoError(t, manager.ResetSync(ctx))
	assert.Equal(t, StateFresh, manager.StateNow())
	_, err := issuerSecrets(manager).Get(SecretRootKey)
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

// issuerSecrets reaches into a manager's secret store. Same package, so the
// unexported field is reachable without widening the API.
func issuerSecrets(m *Manager) SecretStore {
	return m.secrets
}
