package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/afadil/wealthfolio-sync/internal/models"
)

type createPairingRequest struct {
	CodeHash        string `json:"code_hash"`
	IssuerPublicKey string `json:"issuer_public_key"`
	RequireSAS      bool   `json:"require_sas"`
}

type pairingSessionResponse struct {
	SessionID        string               `json:"session_id"`
	Status           models.PairingStatus `json:"status"`
	ClaimerPublicKey string               `json:"claimer_public_key,omitempty"`
	RequireSAS       bool                 `json:"require_sas"`
	ExpiresAt        time.Time            `json:"expires_at"`
}

func sessionResponse(s *models.PairingSession) pairingSessionResponse {
	return pairingSessionResponse{
		SessionID:        s.ID,
		Status:           s.Status,
		ClaimerPublicKey: s.ClaimerPublicKey,
		RequireSAS:       s.RequireSAS,
		ExpiresAt:        s.ExpiresAt,
	}
}

func (h *Handler) handleCreatePairing(w http.ResponseWriter, r *http.Request) {
	claims := Claims(r.Context())

	var req createPairingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CodeHash == "" || req.IssuerPublicKey == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "code_hash and issuer_public_key are required")
		return
	}

	session, err := h.pairing.CreateSession(r.Context(), claims.AccountID, claims.DeviceID,
		req.CodeHash, req.IssuerPublicKey, req.RequireSAS)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse(session))
}

func (h *Handler) handleGetPairing(w http.ResponseWriter, r *http.Request) {
	claims := Claims(r.Context())

	session, err := h.pairing.GetForIssuer(r.Context(), claims.AccountID, claims.DeviceID,
		chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(session))
}

func (h *Handler) handleApprovePairing(w http.ResponseWriter, r *http.Request) {
	claims := Claims(r.Context())

	session, err := h.pairing.Approve(r.Context(), claims.AccountID, claims.DeviceID,
		chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(session))
}

type completePairingRequest struct {
	KeyVersion int64  `json:"key_version"`
	Bundle     []byte `json:"bundle"`
	Signature  []byte `json:"signature"`
}

func (h *Handler) handleCompletePairing(w http.ResponseWriter, r *http.Request) {
	claims := Claims(r.Context())

	var req completePairingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Bundle) == 0 || len(req.Signature) == 0 || req.KeyVersion < 1 {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "key_version, bundle, and signature are required")
		return
	}

	session, err := h.pairing.Complete(r.Context(), claims.AccountID, claims.DeviceID,
		chi.URLParam(r, "sessionID"), req.KeyVersion, req.Bundle, req.Signature)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(session))
}

func (h *Handler) handleCancelPairing(w http.ResponseWriter, r *http.Request) {
	claims := Claims(r.Context())

	err := h.pairing.Cancel(r.Context(), claims.AccountID, claims.DeviceID,
		chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type claimPairingRequest struct {
	Code             string `json:"code"`
	ClaimerPublicKey string `json:"claimer_public_key"`
}

type claimPairingResponse struct {
	SessionID       string    `json:"session_id"`
	IssuerPublicKey string    `json:"issuer_public_key"`
	RequireSAS      bool      `json:"require_sas"`
	ExpiresAt       time.Time `json:"expires_at"`
}

func (h *Handler) handleClaimPairing(w http.ResponseWriter, r *http.Request) {
	claims := Claims(r.Context())

	var req claimPairingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ClaimerPublicKey == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "claimer_public_key is required")
		return
	}

	session, err := h.pairing.Claim(r.Context(), claims.AccountID, claims.DeviceID,
		req.Code, req.ClaimerPublicKey)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, claimPairingResponse{
		SessionID:       session.ID,
		IssuerPublicKey: session.IssuerPublicKey,
		RequireSAS:      session.RequireSAS,
		ExpiresAt:       session.ExpiresAt,
	})
}

type bundleResponse struct {
	Status           models.PairingStatus `json:"status"`
	KeyVersion       int64                `json:"key_version,omitempty"`
	Bundle           []byte               `json:"bundle,omitempty"`
	Signature        []byte               `json:"signature,omitempty"`
	IssuerSigningKey string               `json:"issuer_signing_key,omitempty"`
}

func (h *Handler) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	claims := Claims(r.Context())

	msg, err := h.pairing.GetBundleForClaimer(r.Context(), claims.AccountID, claims.DeviceID,
		chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, bundleResponse{
		Status:           msg.Session.Status,
		KeyVersion:       msg.Session.KeyVersion,
		Bundle:           msg.Session.Bundle,
		Signature:        msg.Session.BundleSignature,
		IssuerSigningKey: msg.IssuerSigningKey,
	})
}

func (h *Handler) handleConfirmClaimer(w http.ResponseWriter, r *http.Request) {
	claims := Claims(r.Context())

	device, err := h.pairing.ConfirmClaimer(r.Context(), claims.AccountID, claims.DeviceID,
		chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}
