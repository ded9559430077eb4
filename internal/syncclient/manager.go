package syncclient

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/afadil/wealthfolio-sync/internal/crypto"
	"github.com/afadil/wealthfolio-sync/internal/models"
)

// Manager drives the device's sync lifecycle. It owns the state machine,
// the secret store, and the pairing coordinator, and is the only component
// that applies lifecycle events.
type Manager struct {
	transport *Transport
	secrets   SecretStore
	pairing   *Coordinator

	mu    sync.Mutex
	state State
}

// NewManager restores the lifecycle from the secret store: a stored device
// identity means the device was registered, a stored root key means it was
// provisioned. Detection reconciles the rest against the server.
func NewManager(transport *Transport, secrets SecretStore) *Manager {
	m := &Manager{
		transport: transport,
		secrets:   secrets,
		pairing:   NewCoordinator(transport, secrets),
		state:     StateFresh,
	}
	if _, err := secrets.Get(SecretDeviceID); err == nil {
		m.state = StateRegistered
		if _, err := secrets.Get(SecretRootKey); err == nil {
			m.state = StateReady
		}
	}
	if token, err := secrets.Get(SecretAccessToken); err == nil {
		transport.SetToken(string(token))
	}
	return m
}

// Pairing exposes the pairing coordinator for the UI flows. After a claimer
// flow succeeds, DetectState picks up the installed key.
func (m *Manager) Pairing() *Coordinator {
	return m.pairing
}

// StateNow returns the current lifecycle state.
func (m *Manager) StateNow() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) apply(event Event) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Transition(m.state, event)
	return m.state
}

// EnableSyncOptions carries everything needed to register this device under
// an account.
type EnableSyncOptions struct {
	Email         string
	Password      string
	CreateAccount bool
	DeviceName    string
	Platform      string
	AppVersion    string
}

// EnableSync registers the device under the account and, when the account's
// key ledger is still empty, bootstraps it at version 1 sealed to this
// device. On a populated ledger the device stays REGISTERED and must join
// via pairing.
func (m *Manager) EnableSync(ctx context.Context, opts EnableSyncOptions) (State, error) {
	if opts.CreateAccount {
		if err := m.transport.RegisterAccount(ctx, opts.Email, opts.Password); err != nil {
			return m.StateNow(), err
		}
	}

	keys, signing, existingID, err := m.deviceIdentity()
	if err != nil {
		return m.StateNow(), err
	}

	login, err := m.transport.Login(ctx, opts.Email, opts.Password, existingID, DeviceInfo{
		Name:             opts.DeviceName,
		Platform:         opts.Platform,
		AppVersion:       opts.AppVersion,
		PublicKey:        base64.StdEncoding.EncodeToString(keys.Public),
		SigningPublicKey: base64.StdEncoding.EncodeToString(signing.Public),
	})
	if err != nil {
		return m.StateNow(), err
	}
	m.transport.SetToken(login.Token)

	if err := m.storeIdentity(login.Device.ID, login.Token, keys, signing); err != nil {
		return m.StateNow(), err
	}
	state := m.apply(EventDeviceRegistered)

	_, err = m.transport.CurrentKeyVersion(ctx)
	if err == nil {
		// Ledger exists; this device joins via pairing.
		return state, nil
	}
	if CodeOf(err) != "not_found" {
		return state, err
	}
	return m.bootstrapLedger(ctx, keys)
}

// DetectState reconciles local key material against the server's ledger and
// applies the matching lifecycle event. It is safe to run concurrently with
// an active pairing flow.
func (m *Manager) DetectState(ctx context.Context) (State, error) {
	if _, err := m.secrets.Get(SecretDeviceID); err != nil {
		return m.apply(EventReset), nil
	}

	current, err := m.transport.CurrentKeyVersion(ctx)
	if err != nil {
		if IsKind(err, KindNoAccessToken) {
			_ = m.secrets.Delete(SecretAccessToken)
			m.transport.SetToken("")
			return m.apply(EventReset), nil
		}
		if CodeOf(err) == "not_found" {
			// Empty ledger: nothing to be stale against.
			return m.StateNow(), nil
		}
		return m.StateNow(), err
	}

	local, err := m.localVersion()
	if err != nil {
		provisioned, perr := m.wasProvisioned(ctx)
		if perr != nil {
			return m.StateNow(), perr
		}
		if provisioned {
			return m.apply(EventKeysLost), nil
		}
		return m.StateNow(), nil
	}

	switch {
	case local < current.Version:
		return m.apply(EventVersionBehind), nil
	case local == current.Version:
		return m.apply(EventKeysProvisioned), nil
	default:
		// Local version ahead of the ledger means the local material
		// cannot be trusted.
		return m.apply(EventKeysLost), nil
	}
}

// CatchUp installs the server's current root key version from this device's
// envelope and acknowledges it, moving a stale device back to READY.
func (m *Manager) CatchUp(ctx context.Context) (State, error) {
	current, err := m.transport.CurrentKeyVersion(ctx)
	if err != nil {
		return m.StateNow(), err
	}

	envelope, err := m.transport.GetEnvelope(ctx, current.Version)
	if err != nil {
		return m.StateNow(), err
	}
	secretKey, err := m.secrets.Get(SecretDeviceSecretKey)
	if err != nil {
		return m.apply(EventKeysLost), newError(KindInternal, "failed to load device key", err)
	}
	defer crypto.Zero(secretKey)

	rootKey, err := crypto.Open(secretKey, envelope.Envelope)
	if err != nil {
		return m.apply(EventKeysLost), newError(KindAuthenticationFailed, "root key envelope could not be opened", err)
	}
	defer crypto.Zero(rootKey)
	if len(rootKey) != crypto.KeySize {
		return m.apply(EventKeysLost), newError(KindAuthenticationFailed, "root key envelope malformed", nil)
	}

	if err := m.installRootKey(rootKey, current.Version); err != nil {
		return m.StateNow(), err
	}
	if err := m.transport.AckInstalled(ctx, current.Version); err != nil {
		return m.StateNow(), err
	}
	return m.apply(EventKeysProvisioned), nil
}

// RotateKey generates a fresh root key, seals it to every trusted device,
// signs the commit, and submits the rotation. The new version installs
// locally only after the server accepts the commit.
func (m *Manager) RotateKey(ctx context.Context) (int64, error) {
	devices, err := m.transport.ListDevices(ctx)
	if err != nil {
		return 0, err
	}
	current, err := m.transport.CurrentKeyVersion(ctx)
	if err != nil {
		return 0, err
	}
	newVersion := current.Version + 1

	rootKey, err := crypto.GenerateRootKey()
	if err != nil {
		return 0, newError(KindInternal, "failed to generate root key", err)
	}
	defer crypto.Zero(rootKey)

	var submissions []RotateEnvelope
	var hashed []*models.KeyEnvelope
	for _, device := range devices {
		if device.TrustState != "trusted" {
			continue
		}
		public, err := base64.StdEncoding.DecodeString(device.PublicKey)
		if err != nil {
			return 0, newError(KindInternal, "device public key unreadable", err)
		}
		envelope, err := crypto.Seal(public, rootKey)
		if err != nil {
			return 0, newError(KindInternal, "failed to seal envelope", err)
		}
		submissions = append(submissions, RotateEnvelope{DeviceID: device.ID, Envelope: envelope})
		hashed = append(hashed, &models.KeyEnvelope{
			DeviceID:     device.ID,
			EnvelopeHash: models.EnvelopeHash(envelope),
		})
	}
	if len(submissions) == 0 {
		return 0, newError(KindInvalidInput, "no trusted devices to rotate for", nil)
	}

	signingKey, err := m.secrets.Get(SecretDeviceSigningKey)
	if err != nil {
		return 0, newError(KindInternal, "failed to load signing key", err)
	}
	message := models.RotationCommitMessage(newVersion, hashed)
	signature, err := crypto.Sign(ed25519.PrivateKey(signingKey), message)
	if err != nil {
		return 0, newError(KindInternal, "failed to sign rotation commit", err)
	}

	if _, err := m.transport.RotateKeys(ctx, newVersion, submissions, signature); err != nil {
		return 0, err
	}
	if err := m.installRootKey(rootKey, newVersion); err != nil {
		return 0, err
	}
	m.apply(EventKeysProvisioned)
	return newVersion, nil
}

// RenameDevice renames one of the account's devices.
func (m *Manager) RenameDevice(ctx context.Context, deviceID uuid.UUID, name string) error {
	return m.transport.RenameDevice(ctx, deviceID, name)
}

// RevokeDevice revokes a device's access. The caller should rotate the root
// key afterwards so the revoked device cannot read anything new.
func (m *Manager) RevokeDevice(ctx context.Context, deviceID uuid.UUID) error {
	return m.transport.RevokeDevice(ctx, deviceID)
}

// ListDevices returns the account's active devices.
func (m *Manager) ListDevices(ctx context.Context) ([]*Device, error) {
	return m.transport.ListDevices(ctx)
}

// ResetSync destroys every local secret and returns the device to FRESH.
// Server-side state is untouched; the device record can be revoked
// separately.
func (m *Manager) ResetSync(ctx context.Context) error {
	_ = m.pairing.CancelPairing(ctx)
	_ = m.transport.Logout(ctx)
	if err := m.secrets.Clear(); err != nil {
		return newError(KindInternal, "failed to clear secrets", err)
	}
	m.transport.SetToken("")
	m.apply(EventReset)
	return nil
}

// Snapshot is a read-only view of the lifecycle for the UI.
type Snapshot struct {
	State           State
	DeviceID        string
	LocalKeyVersion int64
}

func (m *Manager) Snapshot() Snapshot {
	snap := Snapshot{State: m.StateNow()}
	if id, err := m.secrets.Get(SecretDeviceID); err == nil {
		snap.DeviceID = string(id)
	}
	if version, err := m.localVersion(); err == nil {
		snap.LocalKeyVersion = version
	}
	return snap
}

// deviceIdentity loads the stored long-term keys, generating a fresh set
// when the device has never been registered.
func (m *Manager) deviceIdentity() (*crypto.KeyPair, *crypto.SigningKeyPair, *uuid.UUID, error) {
	storedID, err := m.secrets.Get(SecretDeviceID)
	if errors.Is(err, ErrSecretNotFound) {
		keys, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, nil, nil, newError(KindInternal, "failed to generate device keys", err)
		}
		signing, err := crypto.GenerateSigningKey()
		if err != nil {
			return nil, nil, nil, newError(KindInternal, "failed to generate signing keys", err)
		}
		return keys, signing, nil, nil
	}
	if err != nil {
		return nil, nil, nil, newError(KindInternal, "failed to load device identity", err)
	}

	deviceID, err := uuid.Parse(string(storedID))
	if err != nil {
		return nil, nil, nil, newError(KindInternal, "stored device identity unreadable", err)
	}
	secretKey, err := m.secrets.Get(SecretDeviceSecretKey)
	if err != nil {
		return nil, nil, nil, newError(KindInternal, "failed to load device key", err)
	}
	keys, err := crypto.PublicFromSecret(secretKey)
	if err != nil {
		return nil, nil, nil, newError(KindInternal, "stored device key unreadable", err)
	}
	signingKey, err := m.secrets.Get(SecretDeviceSigningKey)
	if err != nil {
		return nil, nil, nil, newError(KindInternal, "failed to load signing key", err)
	}
	private := ed25519.PrivateKey(signingKey)
	if len(private) != ed25519.PrivateKeySize {
		return nil, nil, nil, newError(KindInternal, "stored signing key unreadable", nil)
	}
	signing := &crypto.SigningKeyPair{
		Public:  private.Public().(ed25519.PublicKey),
		Private: private,
	}
	return keys, signing, &deviceID, nil
}

func (m *Manager) storeIdentity(deviceID uuid.UUID, token string, keys *crypto.KeyPair, signing *crypto.SigningKeyPair) error {
	sets := map[string][]byte{
		SecretDeviceID:         []byte(deviceID.String()),
		SecretDeviceSecretKey:  keys.Secret,
		SecretDeviceSigningKey: signing.Private,
		SecretAccessToken:      []byte(token),
	}
	for name, value := range sets {
		if err := m.secrets.Set(name, value); err != nil {
			return newError(KindInternal, "failed to store device identity", err)
		}
	}
	return nil
}

func (m *Manager) bootstrapLedger(ctx context.Context, keys *crypto.KeyPair) (State, error) {
	rootKey, err := crypto.GenerateRootKey()
	if err != nil {
		return m.StateNow(), newError(KindInternal, "failed to generate root key", err)
	}
	defer crypto.Zero(rootKey)

	envelope, err := crypto.Seal(keys.Public, rootKey)
	if err != nil {
		return m.StateNow(), newError(KindInternal, "failed to seal envelope", err)
	}
	version, err := m.transport.InitializeKeys(ctx, envelope)
	if err != nil {
		return m.StateNow(), err
	}
	if err := m.installRootKey(rootKey, version.Version); err != nil {
		return m.StateNow(), err
	}
	return m.apply(EventKeysProvisioned), nil
}

func (m *Manager) installRootKey(rootKey []byte, version int64) error {
	if err := m.secrets.Set(SecretRootKey, rootKey); err != nil {
		return newError(KindInternal, "failed to store root key", err)
	}
	if err := m.secrets.Set(SecretRootKeyVersion, []byte(strconv.FormatInt(version, 10))); err != nil {
		return newError(KindInternal, "failed to store root key version", err)
	}
	return nil
}

func (m *Manager) localVersion() (int64, error) {
	if _, err := m.secrets.Get(SecretRootKey); err != nil {
		return 0, err
	}
	raw, err := m.secrets.Get(SecretRootKeyVersion)
	if err != nil {
		return 0, err
	}
	version, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || version < 1 {
		return 0, newError(KindInternal, "stored root key version unreadable", err)
	}
	return version, nil
}

// wasProvisioned checks the server's view of this device: a trusted device
// with missing local keys is in recovery, an untrusted one simply has not
// been provisioned yet.
func (m *Manager) wasProvisioned(ctx context.Context) (bool, error) {
	id, err := m.secrets.Get(SecretDeviceID)
	if err != nil {
		return false, nil
	}
	devices, err := m.transport.ListDevices(ctx)
	if err != nil {
		return false, err
	}
	for _, device := range devices {
		if device.ID.String() == string(id) {
			return device.TrustState == "trusted", nil
		}
	}
	return false, nil
}
