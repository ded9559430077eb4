package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultRequestTimeout = 15 * time.Second

// Transport is the authenticated REST client for the sync server. Only
// public keys, ciphertexts, and signatures ever travel through it; []byte
// fields ride as base64 via JSON encoding.
type Transport struct {
	baseURL string
	client  *http.Client

	mu    sync.RWMutex
	token string
}

func NewTransport(baseURL string) *Transport {
	return &Transport{
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultRequestTimeout},
	}
}

// SetToken installs the access token used for authenticated calls.
func (t *Transport) SetToken(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = token
}

func (t *Transport) currentToken() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (t *Transport) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return newError(KindInternal, "failed to encode request", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return newError(KindInternal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := t.currentToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return newError(KindNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return newError(KindNetwork, "failed to decode response", err)
		}
		return nil
	}

	var apiErr apiError
	_ = json.NewDecoder(resp.Body).Decode(&apiErr)
	return normalizeHTTPError(resp.StatusCode, apiErr)
}

// normalizeHTTPError maps server statuses and error codes onto the client
// error taxonomy.
func normalizeHTTPError(status int, apiErr apiError) error {
	msg := apiErr.Error
	if msg == "" {
		msg = fmt.Sprintf("server returned %d", status)
	}

	var kind Kind
	switch {
	case status == http.StatusUnauthorized:
		kind = KindNoAccessToken
	case apiErr.Code == "session_invalid" || apiErr.Code == "code_claimed":
		kind = KindSessionInvalid
	case apiErr.Code == "authentication_failed":
		kind = KindAuthenticationFailed
	case apiErr.Code == "bad_request":
		kind = KindInvalidInput
	case status >= 500:
		kind = KindNetwork
	default:
		kind = KindInternal
	}
	return &Error{Kind: kind, Code: apiErr.Code, Message: msg}
}

// --- auth ---

type DeviceInfo struct {
	Name             string `json:"name"`
	Platform         string `json:"platform"`
	AppVersion       string `json:"app_version"`
	PublicKey        string `json:"public_key"`
	SigningPublicKey string `json:"signing_public_key"`
}

type loginRequest struct {
	Email    string     `json:"email"`
	Password string     `json:"password"`
	DeviceID *uuid.UUID `json:"device_id,omitempty"`
	Device   DeviceInfo `json:"device"`
}

type Device struct {
	ID                uuid.UUID `json:"id"`
	Name              string    `json:"name"`
	Platform          string    `json:"platform"`
	PublicKey         string    `json:"public_key"`
	SigningPublicKey  string    `json:"signing_public_key"`
	TrustState        string    `json:"trust_state"`
	TrustedKeyVersion int64     `json:"trusted_key_version"`
}

type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	AccountID uuid.UUID `json:"account_id"`
	Device    *Device   `json:"device"`
}

func (t *Transport) RegisterAccount(ctx context.Context, email, password string) error {
	body := map[string]string{"email": email, "password": password}
	return t.do(ctx, http.MethodPost, "/auth/register", body, nil)
}

func (t *Transport) Login(ctx context.Context, email, password string, deviceID *uuid.UUID, device DeviceInfo) (*LoginResult, error) {
	var result LoginResult
	err := t.do(ctx, http.MethodPost, "/auth/login", loginRequest{
		Email:    email,
		Password: password,
		DeviceID: deviceID,
		Device:   device,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (t *Transport) Logout(ctx context.Context) error {
	return t.do(ctx, http.MethodPost, "/auth/logout", nil, nil)
}

// --- devices ---

func (t *Transport) ListDevices(ctx context.Context) ([]*Device, error) {
	var devices []*Device
	if err := t.do(ctx, http.MethodGet, "/devices", nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func (t *Transport) RenameDevice(ctx context.Context, deviceID uuid.UUID, name string) error {
	body := map[string]string{"name": name}
	return t.do(ctx, http.MethodPatch, "/devices/"+deviceID.String(), body, nil)
}

func (t *Transport) RevokeDevice(ctx context.Context, deviceID uuid.UUID) error {
	return t.do(ctx, http.MethodDelete, "/devices/"+deviceID.String(), nil, nil)
}

// --- key ledger ---

type KeyVersionInfo struct {
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

type RotateEnvelope struct {
	DeviceID uuid.UUID `json:"device_id"`
	Envelope []byte    `json:"envelope"`
}

type rotateRequest struct {
	Version   int64            `json:"version"`
	Envelopes []RotateEnvelope `json:"envelopes"`
	Signature []byte           `json:"signature"`
}

type EnvelopeInfo struct {
	Version  int64  `json:"version"`
	Envelope []byte `json:"envelope"`
}

func (t *Transport) InitializeKeys(ctx context.Context, envelope []byte) (*KeyVersionInfo, error) {
	var version KeyVersionInfo
	body := map[string][]byte{"envelope": envelope}
	if err := t.do(ctx, http.MethodPost, "/keys/initialize", body, &version); err != nil {
		return nil, err
	}
	return &version, nil
}

func (t *Transport) RotateKeys(ctx context.Context, version int64, envelopes []RotateEnvelope, signature []byte) (*KeyVersionInfo, error) {
	var result KeyVersionInfo
	err := t.do(ctx, http.MethodPost, "/keys/rotate", rotateRequest{
		Version:   version,
		Envelopes: envelopes,
		Signature: signature,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (t *Transport) CurrentKeyVersion(ctx context.Context) (*KeyVersionInfo, error) {
	var version KeyVersionInfo
	if err := t.do(ctx, http.MethodGet, "/keys/current", nil, &version); err != nil {
		return nil, err
	}
	return &version, nil
}

func (t *Transport) GetEnvelope(ctx context.Context, version int64) (*EnvelopeInfo, error) {
	var envelope EnvelopeInfo
	path := fmt.Sprintf("/keys/envelope?version=%d", version)
	if err := t.do(ctx, http.MethodGet, path, nil, &envelope); err != nil {
		return nil, err
	}
	return &envelope, nil
}

func (t *Transport) AckInstalled(ctx context.Context, version int64) error {
	body := map[string]int64{"version": version}
	return t.do(ctx, http.MethodPost, "/keys/ack", body, nil)
}

// --- pairing, issuer side ---

type createPairingRequest struct {
	CodeHash        string `json:"code_hash"`
	IssuerPublicKey string `json:"issuer_public_key"`
	RequireSAS      bool   `json:"require_sas"`
}

type PairingSessionInfo struct {
	SessionID        string    `json:"session_id"`
	Status           string    `json:"status"`
	ClaimerPublicKey string    `json:"claimer_public_key,omitempty"`
	RequireSAS       bool      `json:"require_sas"`
	ExpiresAt        time.Time `json:"expires_at"`
}

func (t *Transport) CreatePairing(ctx context.Context, codeHash, issuerPublicKey string, requireSAS bool) (*PairingSessionInfo, error) {
	var session PairingSessionInfo
	err := t.do(ctx, http.MethodPost, "/pairing", createPairingRequest{
		CodeHash:        codeHash,
		IssuerPublicKey: issuerPublicKey,
		RequireSAS:      requireSAS,
	}, &session)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (t *Transport) GetPairing(ctx context.Context, sessionID string) (*PairingSessionInfo, error) {
	var session PairingSessionInfo
	if err := t.do(ctx, http.MethodGet, "/pairing/"+sessionID, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (t *Transport) ApprovePairing(ctx context.Context, sessionID string) error {
	return t.do(ctx, http.MethodPost, "/pairing/"+sessionID+"/approve", nil, nil)
}

type completePairingRequest struct {
	KeyVersion int64  `json:"key_version"`
	Bundle     []byte `json:"bundle"`
	Signature  []byte `json:"signature"`
}

func (t *Transport) CompletePairing(ctx context.Context, sessionID string, keyVersion int64, bundle, signature []byte) error {
	return t.do(ctx, http.MethodPost, "/pairing/"+sessionID+"/complete", completePairingRequest{
		KeyVersion: keyVersion,
		Bundle:     bundle,
		Signature:  signature,
	}, nil)
}

func (t *Transport) CancelPairing(ctx context.Context, sessionID string) error {
	return t.do(ctx, http.MethodPost, "/pairing/"+sessionID+"/cancel", nil, nil)
}

// --- pairing, claimer side ---

type claimRequest struct {
	Code             string `json:"code"`
	ClaimerPublicKey string `json:"claimer_public_key"`
}

type ClaimResult struct {
	SessionID       string    `json:"session_id"`
	IssuerPublicKey string    `json:"issuer_public_key"`
	RequireSAS      bool      `json:"require_sas"`
	ExpiresAt       time.Time `json:"expires_at"`
}

func (t *Transport) ClaimPairing(ctx context.Context, code, claimerPublicKey string) (*ClaimResult, error) {
	var result ClaimResult
	err := t.do(ctx, http.MethodPost, "/pairing/claim", claimRequest{
		Code:             code,
		ClaimerPublicKey: claimerPublicKey,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

type BundleResult struct {
	Status           string `json:"status"`
	KeyVersion       int64  `json:"key_version,omitempty"`
	Bundle           []byte `json:"bundle,omitempty"`
	Signature        []byte `json:"signature,omitempty"`
	IssuerSigningKey string `json:"issuer_signing_key,omitempty"`
}

func (t *Transport) GetBundle(ctx context.Context, sessionID string) (*BundleResult, error) {
	var result BundleResult
	if err := t.do(ctx, http.MethodGet, "/pairing/claim/"+sessionID+"/bundle", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (t *Transport) ConfirmClaim(ctx context.Context, sessionID string) (*Device, error) {
	var device Device
	if err := t.do(ctx, http.MethodPost, "/pairing/claim/"+sessionID+"/confirm", nil, &device); err != nil {
		return nil, err
	}
	return &device, nil
}
