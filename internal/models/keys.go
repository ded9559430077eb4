package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// KeyVersion is one entry in an account's versioned root-key ledger.
// Versions increase monotonically and exactly one version per account is
// current. The root key itself is never stored server-side; only the
// per-device envelopes are.
type KeyVersion struct {
	ID              uuid.UUID `json:"id"`
	AccountID       uuid.UUID `json:"account_id"`
	Version         int64     `json:"version"`
	IsCurrent       bool      `json:"is_current"`
	CreatedByDevice uuid.UUID `json:"created_by_device"`
	CreatedAt       time.Time `json:"created_at"`
}

// KeyEnvelope is one root-key version sealed to one device's X25519 public
// key. Envelope is the opaque sealed blob; EnvelopeHash is the hex SHA-256
// digest covered by the rotation commit signature.
type KeyEnvelope struct {
	ID           uuid.UUID `json:"id"`
	AccountID    uuid.UUID `json:"account_id"`
	DeviceID     uuid.UUID `json:"device_id"`
	Version      int64     `json:"version"`
	Envelope     []byte    `json:"envelope"`
	EnvelopeHash string    `json:"envelope_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// RotationCommitMessage builds the canonical byte string a rotating device
// signs and the server verifies: the new version plus every envelope hash,
// keyed and ordered by device ID. Both sides must produce identical bytes,
// so the ordering is fixed here and nowhere else.
func RotationCommitMessage(version int64, envelopes []*KeyEnvelope) []byte {
	parts := make([]string, 0, len(envelopes))
	for _, env := range envelopes {
		parts = append(parts, env.DeviceID.String()+":"+env.EnvelopeHash)
	}
	sort.Strings(parts)
	return []byte(fmt.Sprintf("rotate|v%d|%s", version, strings.Join(parts, "|")))
}

// EnvelopeHash is the canonical digest of a sealed envelope used inside the
// rotation commit message. Rotating devices and the server must compute it
// identically.
func EnvelopeHash(envelope []byte) string {
	sum := sha256.Sum256(envelope)
	return hex.EncodeToString(sum[:])
}
