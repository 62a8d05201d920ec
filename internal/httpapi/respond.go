package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/service"
)

// maxRequestBody caps JSON and protobuf bodies.  A log batch of a few
// hundred buffered taps is the largest thing a reader sends.
const maxRequestBody = 1 << 20

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

// writeServiceError maps a service failure to its status and error body.
// Anything without a code is a 500 and its detail stays in the server log.
func writeServiceError(w http.ResponseWriter, err error) {
	code := service.ErrorCode(err)
	if code == "" {
		writeError(w, http.StatusInternalServerError, "SYSTEM_ERROR", "unexpected server error")
		return
	}
	writeError(w, statusFor(code), code, err.Error())
}

func statusFor(code string) int {
	switch code {
	case service.ErrCardNotFound.Code, service.ErrUserNotFound.Code, service.ErrDeviceNotFound.Code:
		return http.StatusNotFound
	case service.ErrCardExists.Code:
		return http.StatusConflict
	case service.ErrValidation.Code:
		return http.StatusBadRequest
	case service.ErrInvalidSecret.Code,
		service.ErrDeviceNoToken.Code, service.ErrDeviceTokenExpired.Code, service.ErrDeviceInvalidToken.Code,
		service.ErrNoToken.Code, service.ErrTokenExpired.Code, service.ErrInvalidToken.Code, service.ErrSessionRevoked.Code:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a single JSON object into v.  An empty body leaves v at
// its zero value.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, service.ErrValidation.Code, "invalid JSON body")
		return false
	}
	return true
}
