package models

import (
	"time"

	"github.com/google/uuid"
)

type PairingStatus string

const (
	PairingStatusOpen      PairingStatus = "open"
	PairingStatusClaimed   PairingStatus = "claimed"
	PairingStatusApproved  PairingStatus = "approved"
	PairingStatusCompleted PairingStatus = "completed"
	PairingStatusCanceled  PairingStatus = "canceled"
	PairingStatusExpired   PairingStatus = "expired"
)

// PairingSession is the server-held record of one pairing attempt. The
// server stores only the code hash and public material: it can match a
// claim against the hash but never learns the code ahead of the claim, and
// it relays the key bundle ciphertext without being able to open it.
type PairingSession struct {
	ID               string        `json:"id"`
	AccountID        uuid.UUID     `json:"account_id"`
	IssuerDeviceID   uuid.UUID     `json:"issuer_device_id"`
	CodeHash         string        `json:"code_hash"`
	IssuerPublicKey  string        `json:"issuer_public_key"`
	ClaimerPublicKey string        `json:"claimer_public_key,omitempty"`
	ClaimerDeviceID  *uuid.UUID    `json:"claimer_device_id,omitempty"`
	RequireSAS       bool          `json:"require_sas"`
	Status           PairingStatus `json:"status"`
	KeyVersion       int64         `json:"key_version,omitempty"`
	Bundle           []byte        `json:"bundle,omitempty"`
	BundleSignature  []byte        `json:"bundle_signature,omitempty"`
	ExpiresAt        time.Time     `json:"expires_at"`
	CreatedAt        time.Time     `json:"created_at"`
}

// Expired reports whether the session's TTL has lapsed. An expired session
// and one the store has already dropped are treated identically.
func (s *PairingSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Terminal reports whether the session can no longer change state.
func (s *PairingSession) Terminal() bool {
	return s.Status == PairingStatusCompleted ||
		s.Status == PairingStatusCanceled ||
		s.Status == PairingStatusExpired
}
