package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/afadil/wealthfolio-sync/internal/services"
)

type initializeKeysRequest struct {
	// Envelope is the account root key v1 sealed to the bootstrap
	// device's own public key. Base64 via JSON []byte encoding.
	Envelope []byte `json:"envelope"`
}

func (h *Handler) handleInitializeKeys(w http.ResponseWriter, r *http.Request) {
	claims := Claims(r.Context())

	var req initializeKeysRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Envelope) == 0 {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "envelope is required")
		return
	}

	version, err := h.keys.Initialize(r.Context(), claims.AccountID, claims.DeviceID, req.Envelope)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

type rotateEnvelope struct {
	DeviceID uuid.UUID `json:"device_id"`
	Envelope []byte    `json:"envelope"`
}

type rotateKeysRequest struct {
	Version   int64            `json:"version"`
	Envelopes []rotateEnvelope `json:"envelopes"`
	Signature []byte           `json:"signature"`
}

func (h *Handler) handleRotateKeys(w http.ResponseWriter, r *http.Request) {
	claims := Claims(r.Context())

	var req rotateKeysRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	submissions := make([]services.EnvelopeSubmission, 0, len(req.Envelopes))
	for _, env := range req.Envelopes {
		submissions = append(submissions, services.EnvelopeSubmission{
			DeviceID: env.DeviceID,
			Envelope: env.Envelope,
		})
	}

	version, err := h.keys.Rotate(r.Context(), claims.AccountID, claims.DeviceID, req.Version, submissions, req.Signature)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (h *Handler) handleCurrentKeyVersion(w http.ResponseWriter, r *http.Request) {
	claims := Claims(r.Context())

	version, err := h.keys.CurrentVersion(r.Context(), claims.AccountID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (h *Handler) handleGetEnvelope(w http.ResponseWriter, r *http.Request) {
	claims := Claims(r.Context())

	version, err := strconv.ParseInt(r.URL.Query().Get("version"), 10, 64)
	if err != nil || version < 1 {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid version")
		return
	}

	envelope, err := h.keys.EnvelopeFor(r.Context(), claims.AccountID, claims.DeviceID, version)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope)
}

type ackInstalledRequest struct {
	Version int64 `json:"version"`
}

func (h *Handler) handleAckInstalled(w http.ResponseWriter, r *http.Request) {
	claims := Claims(r.Context())

	var req ackInstalledRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.keys.AckInstalled(r.Context(), claims.AccountID, claims.DeviceID, req.Version); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
