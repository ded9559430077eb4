package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/afadil/wealthfolio-sync/internal/models"
	"github.com/afadil/wealthfolio-sync/internal/services"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "email and password are required")
		return
	}

	if err := h.auth.Register(r.Context(), req.Email, req.Password); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type loginDevice struct {
	Name             string `json:"name"`
	Platform         string `json:"platform"`
	AppVersion       string `json:"app_version"`
	PublicKey        string `json:"public_key"`
	SigningPublicKey string `json:"signing_public_key"`
}

type loginRequest struct {
	Email    string      `json:"email"`
	Password string      `json:"password"`
	DeviceID *uuid.UUID  `json:"device_id,omitempty"`
	Device   loginDevice `json:"device"`
}

type loginResponse struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
	AccountID uuid.UUID      `json:"account_id"`
	Device    *models.Device `json:"device"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.auth.Login(r.Context(), services.LoginRequest{
		Email:    req.Email,
		Password: req.Password,
		DeviceID: req.DeviceID,
		Device: services.RegisterDeviceRequest{
			Name:             req.Device.Name,
			Platform:         req.Device.Platform,
			AppVersion:       req.Device.AppVersion,
			PublicKey:        req.Device.PublicKey,
			SigningPublicKey: req.Device.SigningPublicKey,
		},
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     resp.Token,
		ExpiresAt: resp.ExpiresAt,
		AccountID: resp.AccountID,
		Device:    resp.Device,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	token, _ := strings.CutPrefix(header, "Bearer ")
	if err := h.auth.Logout(r.Context(), token); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
