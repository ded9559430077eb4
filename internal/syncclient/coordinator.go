package syncclient

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/afadil/wealthfolio-sync/internal/crypto"
)

const defaultPollInterval = 2 * time.Second

// FlowState is the UI-facing progress of the active pairing flow.
type FlowState string

const (
	FlowIdle            FlowState = "idle"
	FlowDisplayCode     FlowState = "display_code"
	FlowWaitingClaim    FlowState = "waiting_claim"
	FlowVerifySAS       FlowState = "verify_sas"
	FlowWaitingApproval FlowState = "waiting_approval"
	FlowTransferring    FlowState = "transferring"
	FlowSuccess         FlowState = "success"
	FlowError           FlowState = "error"
	FlowExpired         FlowState = "expired"
	FlowCanceled        FlowState = "canceled"
)

func (s FlowState) terminal() bool {
	switch s {
	case FlowSuccess, FlowError, FlowExpired, FlowCanceled:
		return true
	}
	return false
}

type flowRole string

const (
	roleIssuer  flowRole = "issuer"
	roleClaimer flowRole = "claimer"
)

// pairingFlow is the in-memory state of one pairing attempt on one side.
// The ephemeral keypair and session key live only here and are zeroed when
// the flow reaches a terminal state.
type pairingFlow struct {
	role       flowRole
	sessionID  string
	requireSAS bool
	expiresAt  time.Time
	keys       *crypto.KeyPair
	sessionKey []byte
	sas        string
	state      FlowState

	done     chan struct{}
	stopOnce sync.Once
}

func (f *pairingFlow) stop() {
	f.stopOnce.Do(func() { close(f.done) })
}

func (f *pairingFlow) stopped() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *pairingFlow) wipe() {
	if f.sessionKey != nil {
		crypto.Zero(f.sessionKey)
		f.sessionKey = nil
	}
	if f.keys != nil {
		crypto.Zero(f.keys.Secret)
	}
	f.sas = ""
}

// keyBundle is the plaintext the issuer seals with the pairing session key.
type keyBundle struct {
	Version int64  `json:"version"`
	RootKey []byte `json:"root_key"`
}

// Coordinator runs the device side of the pairing protocol, as issuer or as
// claimer. At most one flow is active at a time; a new flow can start only
// once the previous one has reached a terminal state. All polling is gated
// on cancellation before every network call.
type Coordinator struct {
	transport    *Transport
	secrets      SecretStore
	pollInterval time.Duration

	mu   sync.Mutex
	flow *pairingFlow
}

func NewCoordinator(transport *Transport, secrets SecretStore) *Coordinator {
	return &Coordinator{
		transport:    transport,
		secrets:      secrets,
		pollInterval: defaultPollInterval,
	}
}

// SetPollInterval overrides the polling cadence. Test hook.
func (c *Coordinator) SetPollInterval(d time.Duration) {
	c.pollInterval = d
}

// FlowStatus returns the state of the current or most recent flow.
func (c *Coordinator) FlowStatus() FlowState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flow == nil {
		return FlowIdle
	}
	return c.flow.state
}

// SAS returns the short authentication string of the active flow, available
// once the key agreement has completed on this side.
func (c *Coordinator) SAS() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flow == nil || c.flow.sas == "" {
		return "", newError(KindInvalidInput, "no verification code available", nil)
	}
	return c.flow.sas, nil
}

// StartPairing opens a pairing session as the issuer. It returns the
// plaintext pairing code for on-screen display; only the code's hash is sent
// to the server. The issuer must already hold the current root key.
func (c *Coordinator) StartPairing(ctx context.Context) (string, error) {
	if _, err := c.secrets.Get(SecretRootKey); err != nil {
		return "", newError(KindInvalidInput, "this device holds no key material to share", err)
	}

	code, err := crypto.GeneratePairingCode()
	if err != nil {
		return "", newError(KindInternal, "failed to generate pairing code", err)
	}
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return "", newError(KindInternal, "failed to generate pairing keys", err)
	}

	session, err := c.transport.CreatePairing(ctx, crypto.HashPairingCode(code),
		base64.StdEncoding.EncodeToString(keys.Public), true)
	if err != nil {
		crypto.Zero(keys.Secret)
		return "", err
	}

	flow := &pairingFlow{
		role:       roleIssuer,
		sessionID:  session.SessionID,
		requireSAS: session.RequireSAS,
		expiresAt:  session.ExpiresAt,
		keys:       keys,
		state:      FlowDisplayCode,
		done:       make(chan struct{}),
	}
	if err := c.install(flow); err != nil {
		crypto.Zero(keys.Secret)
		return "", err
	}
	return code, nil
}

// PollForClaimerConnection polls until another device claims the code, then
// completes the key agreement and returns the SAS for the user to compare.
func (c *Coordinator) PollForClaimerConnection(ctx context.Context) (string, error) {
	flow, err := c.flowInState(roleIssuer, FlowDisplayCode, FlowWaitingClaim)
	if err != nil {
		return "", err
	}
	c.setState(flow, FlowWaitingClaim)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if err := c.interrupted(ctx, flow); err != nil {
			return "", err
		}

		session, err := c.transport.GetPairing(ctx, flow.sessionID)
		if err != nil {
			return "", c.pollFailure(flow, err)
		}

		switch session.Status {
		case "claimed":
			sas, err := c.agree(flow, session.ClaimerPublicKey)
			if err != nil {
				return "", err
			}
			c.setState(flow, FlowVerifySAS)
			return sas, nil
		case "canceled":
			c.finish(flow, FlowCanceled)
			return "", newError(KindSessionInvalid, "pairing canceled by the other device", nil)
		case "expired":
			c.finish(flow, FlowExpired)
			return "", newError(KindSessionInvalid, "pairing code expired", nil)
		}

		if time.Now().After(flow.expiresAt) {
			c.finish(flow, FlowExpired)
			return "", newError(KindSessionInvalid, "pairing code expired", nil)
		}

		select {
		case <-ctx.Done():
		case <-flow.done:
		case <-ticker.C:
		}
	}
}

// ApprovePairing records the user's SAS comparison on the issuer side. A
// mismatch cancels the session and fails hard; it is treated as a possible
// interception, never retried.
func (c *Coordinator) ApprovePairing(ctx context.Context, sasConfirmed bool) error {
	flow, err := c.flowInState(roleIssuer, FlowVerifySAS)
	if err != nil {
		return err
	}

	if !sasConfirmed {
		flow.stop()
		_ = c.transport.CancelPairing(ctx, flow.sessionID)
		c.finish(flow, FlowError)
		return newError(KindAuthenticationFailed, "verification code mismatch, pairing aborted", nil)
	}

	if err := c.transport.ApprovePairing(ctx, flow.sessionID); err != nil {
		return c.pollFailure(flow, err)
	}
	c.setState(flow, FlowTransferring)
	return nil
}

// CompletePairing seals the current root key to the pairing session key,
// signs the ciphertext with the device's long-term signing key, and uploads
// the bundle for the claimer to collect.
func (c *Coordinator) CompletePairing(ctx context.Context) error {
	flow, err := c.flowInState(roleIssuer, FlowTransferring)
	if err != nil {
		return err
	}

	rootKey, err := c.secrets.Get(SecretRootKey)
	if err != nil {
		return newError(KindInternal, "failed to load root key", err)
	}
	defer crypto.Zero(rootKey)
	version, err := c.localKeyVersion()
	if err != nil {
		return err
	}
	signingKey, err := c.secrets.Get(SecretDeviceSigningKey)
	if err != nil {
		return newError(KindInternal, "failed to load signing key", err)
	}

	payload, err := json.Marshal(keyBundle{Version: version, RootKey: rootKey})
	if err != nil {
		return newError(KindInternal, "failed to encode key bundle", err)
	}
	defer crypto.Zero(payload)

	bundle, err := crypto.Encrypt(flow.sessionKey, payload)
	if err != nil {
		return newError(KindInternal, "failed to seal key bundle", err)
	}
	signature, err := crypto.Sign(ed25519.PrivateKey(signingKey), bundle)
	if err != nil {
		return newError(KindInternal, "failed to sign key bundle", err)
	}

	if err := c.transport.CompletePairing(ctx, flow.sessionID, version, bundle, signature); err != nil {
		return c.pollFailure(flow, err)
	}
	c.finish(flow, FlowSuccess)
	return nil
}

// ClaimOutcome is what ClaimPairing hands the UI: whether an SAS comparison
// is required and, if so, the string to display.
type ClaimOutcome struct {
	SAS        string
	RequireSAS bool
}

// ClaimPairing claims a pairing code typed by the user and completes this
// side of the key agreement. The plaintext code travels to the server once,
// inside the claim, where it is matched against the stored hash.
func (c *Coordinator) ClaimPairing(ctx context.Context, code string) (*ClaimOutcome, error) {
	normalized, err := crypto.NormalizePairingCode(code)
	if err != nil {
		return nil, newError(KindInvalidInput, "pairing code must be 6 letters or digits", err)
	}

	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, newError(KindInternal, "failed to generate pairing keys", err)
	}

	result, err := c.transport.ClaimPairing(ctx, normalized,
		base64.StdEncoding.EncodeToString(keys.Public))
	if err != nil {
		crypto.Zero(keys.Secret)
		return nil, err
	}

	flow := &pairingFlow{
		role:       roleClaimer,
		sessionID:  result.SessionID,
		requireSAS: result.RequireSAS,
		expiresAt:  result.ExpiresAt,
		keys:       keys,
		state:      FlowVerifySAS,
		done:       make(chan struct{}),
	}
	if !result.RequireSAS {
		flow.state = FlowWaitingApproval
	}
	if err := c.install(flow); err != nil {
		crypto.Zero(keys.Secret)
		return nil, err
	}

	sas, err := c.agree(flow, result.IssuerPublicKey)
	if err != nil {
		return nil, err
	}
	outcome := &ClaimOutcome{RequireSAS: flow.requireSAS}
	if flow.requireSAS {
		outcome.SAS = sas
	}
	return outcome, nil
}

// ConfirmPairingAsClaimer records the user's SAS comparison on the claimer
// side before waiting for the issuer's approval.
func (c *Coordinator) ConfirmPairingAsClaimer(ctx context.Context, sasConfirmed bool) error {
	flow, err := c.flowInState(roleClaimer, FlowVerifySAS)
	if err != nil {
		return err
	}

	if !sasConfirmed {
		flow.stop()
		_ = c.transport.CancelPairing(ctx, flow.sessionID)
		c.finish(flow, FlowError)
		return newError(KindAuthenticationFailed, "verification code mismatch, pairing aborted", nil)
	}
	c.setState(flow, FlowWaitingApproval)
	return nil
}

// PollForKeyBundle polls until the issuer uploads the sealed key bundle,
// then verifies the issuer's signature, decrypts the bundle, installs the
// root key, and confirms the claim so the server marks this device trusted.
// It returns the installed key version.
func (c *Coordinator) PollForKeyBundle(ctx context.Context) (int64, error) {
	flow, err := c.flowInState(roleClaimer, FlowWaitingApproval)
	if err != nil {
		return 0, err
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if err := c.interrupted(ctx, flow); err != nil {
			return 0, err
		}

		result, err := c.transport.GetBundle(ctx, flow.sessionID)
		if err != nil {
			return 0, c.pollFailure(flow, err)
		}

		switch result.Status {
		case "completed":
			return c.installBundle(ctx, flow, result)
		case "canceled":
			c.finish(flow, FlowCanceled)
			return 0, newError(KindSessionInvalid, "pairing canceled by the other device", nil)
		case "expired":
			c.finish(flow, FlowExpired)
			return 0, newError(KindSessionInvalid, "pairing session expired", nil)
		}

		if time.Now().After(flow.expiresAt) {
			c.finish(flow, FlowExpired)
			return 0, newError(KindSessionInvalid, "pairing session expired", nil)
		}

		select {
		case <-ctx.Done():
		case <-flow.done:
		case <-ticker.C:
		}
	}
}

// CancelPairing aborts the active flow. The local poller is stopped before
// the cancellation request goes out, so no further protocol step can run.
func (c *Coordinator) CancelPairing(ctx context.Context) error {
	c.mu.Lock()
	flow := c.flow
	if flow == nil || flow.state.terminal() {
		c.mu.Unlock()
		return nil
	}
	flow.stop()
	sessionID := flow.sessionID
	c.mu.Unlock()

	err := c.transport.CancelPairing(ctx, sessionID)
	c.finish(flow, FlowCanceled)
	if err != nil && !IsKind(err, KindSessionInvalid) {
		return err
	}
	return nil
}

// installBundle runs the claimer's verify-decrypt-install sequence. Any
// verification failure is fatal to the session and surfaces as an
// authentication failure; no partial key material is ever kept.
func (c *Coordinator) installBundle(ctx context.Context, flow *pairingFlow, result *BundleResult) (int64, error) {
	issuerKey, err := base64.StdEncoding.DecodeString(result.IssuerSigningKey)
	if err != nil || len(issuerKey) != ed25519.PublicKeySize {
		c.finish(flow, FlowError)
		return 0, newError(KindAuthenticationFailed, "issuer signing key unreadable", err)
	}
	if err := crypto.VerifySignature(ed25519.PublicKey(issuerKey), result.Bundle, result.Signature); err != nil {
		c.finish(flow, FlowError)
		return 0, newError(KindAuthenticationFailed, "key bundle signature rejected", err)
	}

	plaintext, err := crypto.Decrypt(flow.sessionKey, result.Bundle)
	if err != nil {
		c.finish(flow, FlowError)
		return 0, newError(KindAuthenticationFailed, "key bundle could not be decrypted", err)
	}
	defer crypto.Zero(plaintext)

	var bundle keyBundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		c.finish(flow, FlowError)
		return 0, newError(KindAuthenticationFailed, "key bundle malformed", err)
	}
	if bundle.Version < 1 || bundle.Version != result.KeyVersion || len(bundle.RootKey) != crypto.KeySize {
		c.finish(flow, FlowError)
		return 0, newError(KindAuthenticationFailed, "key bundle malformed", nil)
	}

	if err := c.secrets.Set(SecretRootKey, bundle.RootKey); err != nil {
		c.finish(flow, FlowError)
		return 0, newError(KindInternal, "failed to store root key", err)
	}
	if err := c.secrets.Set(SecretRootKeyVersion, []byte(strconv.FormatInt(bundle.Version, 10))); err != nil {
		c.finish(flow, FlowError)
		return 0, newError(KindInternal, "failed to store root key version", err)
	}
	crypto.Zero(bundle.RootKey)

	if _, err := c.transport.ConfirmClaim(ctx, flow.sessionID); err != nil {
		// Key material is installed; trust confirmation can be retried
		// by a later detection pass.
		c.finish(flow, FlowError)
		return 0, err
	}

	c.finish(flow, FlowSuccess)
	return bundle.Version, nil
}

// agree derives the session key and SAS from the peer's ephemeral public
// key. The shared secret is zeroed immediately after derivation and the
// session key is computed exactly once per flow.
func (c *Coordinator) agree(flow *pairingFlow, peerPublic string) (string, error) {
	peer, err := base64.StdEncoding.DecodeString(peerPublic)
	if err != nil {
		c.finish(flow, FlowError)
		return "", newError(KindAuthenticationFailed, "peer public key unreadable", err)
	}
	shared, err := crypto.SharedSecret(flow.keys.Secret, peer)
	if err != nil {
		c.finish(flow, FlowError)
		return "", newError(KindAuthenticationFailed, "key agreement failed", err)
	}
	defer crypto.Zero(shared)

	sessionKey, err := crypto.DeriveSessionKey(shared, "pairing")
	if err != nil {
		c.finish(flow, FlowError)
		return "", newError(KindInternal, "failed to derive session key", err)
	}
	sas, err := crypto.ComputeSAS(shared)
	if err != nil {
		crypto.Zero(sessionKey)
		c.finish(flow, FlowError)
		return "", newError(KindInternal, "failed to derive verification code", err)
	}

	c.mu.Lock()
	flow.sessionKey = sessionKey
	flow.sas = sas
	c.mu.Unlock()
	return sas, nil
}

func (c *Coordinator) localKeyVersion() (int64, error) {
	raw, err := c.secrets.Get(SecretRootKeyVersion)
	if err != nil {
		return 0, newError(KindInternal, "failed to load root key version", err)
	}
	version, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || version < 1 {
		return 0, newError(KindInternal, "stored root key version unreadable", err)
	}
	return version, nil
}

func (c *Coordinator) install(flow *pairingFlow) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flow != nil && !c.flow.state.terminal() {
		return newError(KindInvalidInput, "a pairing flow is already in progress", nil)
	}
	c.flow = flow
	return nil
}

func (c *Coordinator) flowInState(role flowRole, states ...FlowState) (*pairingFlow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flow == nil || c.flow.role != role {
		return nil, newError(KindInvalidInput, "no active pairing flow", nil)
	}
	for _, s := range states {
		if c.flow.state == s {
			return c.flow, nil
		}
	}
	return nil, newError(KindInvalidInput, "pairing flow not in a usable state", nil)
}

func (c *Coordinator) setState(flow *pairingFlow, state FlowState) {
	c.mu.Lock()
	flow.state = state
	c.mu.Unlock()
}

// finish moves a flow to a terminal state and destroys its key material.
func (c *Coordinator) finish(flow *pairingFlow, state FlowState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	flow.stop()
	flow.wipe()
	flow.state = state
}

// interrupted reports a local cancellation. Checked before every network
// call so a canceled flow never issues another protocol step.
func (c *Coordinator) interrupted(ctx context.Context, flow *pairingFlow) error {
	if flow.stopped() {
		return newError(KindSessionInvalid, "pairing canceled", nil)
	}
	if err := ctx.Err(); err != nil {
		c.finish(flow, FlowCanceled)
		return newError(KindSessionInvalid, "pairing canceled", err)
	}
	return nil
}

// pollFailure classifies a transport error seen mid-flow. Session errors end
// the flow as expired or canceled; network errors leave it running so the
// caller can retry.
func (c *Coordinator) pollFailure(flow *pairingFlow, err error) error {
	if IsKind(err, KindSessionInvalid) {
		if time.Now().After(flow.expiresAt) {
			c.finish(flow, FlowExpired)
			return newError(KindSessionInvalid, "pairing session expired", err)
		}
		c.finish(flow, FlowCanceled)
		return err
	}
	if IsKind(err, KindNetwork) {
		return err
	}
	c.finish(flow, FlowError)
	return err
}
