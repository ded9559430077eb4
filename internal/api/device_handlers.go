package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/afadil/wealthfolio-sync/internal/services"
)

type registerDeviceRequest struct {
	Name             string `json:"name"`
	Platform         string `json:"platform"`
	AppVersion       string `json:"app_version"`
	PublicKey        string `json:"public_key"`
	SigningPublicKey string `json:"signing_public_key"`
}

func (h *Handler) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	claims := Claims(r.Context())

	var req registerDeviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	device, err := h.devices.Register(r.Context(), claims.AccountID, services.RegisterDeviceRequest{
		Name:             req.Name,
		Platform:         req.Platform,
		AppVersion:       req.AppVersion,
		PublicKey:        req.PublicKey,
		SigningPublicKey: req.SigningPublicKey,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, device)
}

func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	claims := Claims(r.Context())

	devices, err := h.devices.List(r.Context(), claims.AccountID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

type renameDeviceRequest struct {
	Name string `json:"name"`
}

func (h *Handler) handleRenameDevice(w http.ResponseWriter, r *http.Request) {
	claims := Claims(r.Context())

	deviceID, err := uuid.Parse(chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid device id")
		return
	}

	var req renameDeviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.devices.Rename(r.Context(), claims.AccountID, deviceID, req.Name); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	claims := Claims(r.Context())

	deviceID, err := uuid.Parse(chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid device id")
		return
	}

	if err := h.devices.Revoke(r.Context(), claims.AccountID, deviceID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
