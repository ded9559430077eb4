package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/afadil/wealthfolio-sync/internal/repositories"
	"github.com/afadil/wealthfolio-sync/internal/services"
)

// Machine-readable error codes. Clients branch on these, not on the
// human-readable message.
const (
	CodeSessionInvalid = "session_invalid"
	CodeCodeClaimed    = "code_claimed"
	CodeAuthFailed     = "authentication_failed"
	CodeNotTrusted     = "not_trusted"
	CodeBadRequest     = "bad_request"
	CodeConflict       = "conflict"
	CodeNotFound       = "not_found"
	CodeUnauthorized   = "unauthorized"
	CodeInternal       = "internal"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeServiceError maps service-layer sentinel errors onto HTTP statuses
// and stable error codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrSessionInvalid):
		writeError(w, http.StatusGone, CodeSessionInvalid, err.Error())
	case errors.Is(err, services.ErrCodeClaimed):
		writeError(w, http.StatusConflict, CodeCodeClaimed, err.Error())
	case errors.Is(err, services.ErrCommitRejected):
		writeError(w, http.StatusForbidden, CodeAuthFailed, err.Error())
	case errors.Is(err, services.ErrNotTrusted):
		writeError(w, http.StatusForbidden, CodeNotTrusted, err.Error())
	case errors.Is(err, services.ErrInvalidCode),
		errors.Is(err, services.ErrInvalidPublicKey),
		errors.Is(err, services.ErrVersionMismatch),
		errors.Is(err, services.ErrEnvelopeMismatch):
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
	case errors.Is(err, services.ErrLedgerExists),
		errors.Is(err, services.ErrEmailExists),
		errors.Is(err, services.ErrDeviceRevoked):
		writeError(w, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, services.ErrLedgerEmpty),
		errors.Is(err, repositories.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, services.ErrInvalidCredentials),
		errors.Is(err, services.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, err.Error())
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}
