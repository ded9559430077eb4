package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/afadil/wealthfolio-sync/internal/services"
)

// Handler carries the service layer into the HTTP handlers.
type Handler struct {
	auth    *services.AuthService
	devices *services.DeviceService
	keys    *services.KeyLedgerService
	pairing *services.PairingService
}

func NewHandler(
	auth *services.AuthService,
	devices *services.DeviceService,
	keys *services.KeyLedgerService,
	pairing *services.PairingService,
) *Handler {
	return &Handler{auth: auth, devices: devices, keys: keys, pairing: pairing}
}

// Router wires the full command surface: device management, key ledger, and
// both sides of the pairing protocol.
func (h *Handler) Router() *chi.Mux {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	router.Post("/auth/register", h.handleRegister)
	router.Post("/auth/login", h.handleLogin)

	router.Group(func(r chi.Router) {
		r.Use(RequireAuth(h.auth, h.devices))

		r.Post("/auth/logout", h.handleLogout)

		r.Post("/devices", h.handleRegisterDevice)
		r.Get("/devices", h.handleListDevices)
		r.Patch("/devices/{deviceID}", h.handleRenameDevice)
		r.Delete("/devices/{deviceID}", h.handleRevokeDevice)

		r.Post("/keys/initialize", h.handleInitializeKeys)
		r.Post("/keys/rotate", h.handleRotateKeys)
		r.Get("/keys/current", h.handleCurrentKeyVersion)
		r.Get("/keys/envelope", h.handleGetEnvelope)
		r.Post("/keys/ack", h.handleAckInstalled)

		r.Post("/pairing", h.handleCreatePairing)
		r.Get("/pairing/{sessionID}", h.handleGetPairing)
		r.Post("/pairing/{sessionID}/approve", h.handleApprovePairing)
		r.Post("/pairing/{sessionID}/complete", h.handleCompletePairing)
		r.Post("/pairing/{sessionID}/cancel", h.handleCancelPairing)

		r.Post("/pairing/claim", h.handleClaimPairing)
		r.Get("/pairing/claim/{sessionID}/bundle", h.handleGetBundle)
		r.Post("/pairing/claim/{sessionID}/confirm", h.handleConfirmClaimer)
	})

	return router
}
