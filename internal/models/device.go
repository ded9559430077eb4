package models

import (
	"time"

	"github.com/google/uuid"
)

type TrustState string

const (
	TrustStateTrusted   TrustState = "trusted"
	TrustStateUntrusted TrustState = "untrusted"
)

// Device is one installation of the app participating in an account's
// encrypted sync group. PublicKey/SigningPublicKey are the long-term
// base64-encoded X25519 and Ed25519 public keys registered at creation; the
// matching secret keys never leave the device.
type Device struct {
	ID                uuid.UUID  `json:"id"`
	AccountID         uuid.UUID  `json:"account_id"`
	Name              string     `json:"name"`
	Platform          string     `json:"platform"`
	AppVersion        string     `json:"app_version"`
	PublicKey         string     `json:"public_key"`
	SigningPublicKey  string     `json:"signing_public_key"`
	TrustState        TrustState `json:"trust_state"`
	TrustedKeyVersion int64      `json:"trusted_key_version"`
	LastSeenAt        *time.Time `json:"last_seen_at,omitempty"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
}

// Trusted reports whether the device currently holds provisioned key
// material. A revoked device is never trusted.
func (d *Device) Trusted() bool {
	return d.TrustState == TrustStateTrusted && d.RevokedAt == nil
}
