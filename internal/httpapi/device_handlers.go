package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/service"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/types"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req types.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.devices.Register(r.Context(), req)
	if err != nil {
		if service.ErrorCode(err) == "" {
			s.logger.ErrorContext(r.Context(), "device register failed", "device_id", req.DeviceID, "error", err)
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeviceConfig(w http.ResponseWriter, r *http.Request) {
	dev := DeviceFromContext(r.Context())
	cfg, err := s.devices.GetConfig(r.Context(), dev.DeviceID)
	if err != nil {
		if service.ErrorCode(err) == "" {
			s.logger.ErrorContext(r.Context(), "device config failed", "device_id", dev.DeviceID, "error", err)
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req types.HeartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	dev := DeviceFromContext(r.Context())
	resp, err := s.devices.Heartbeat(r.Context(), dev.DeviceID, req.Status)
	if err != nil {
		if service.ErrorCode(err) == "" {
			s.logger.ErrorContext(r.Context(), "heartbeat error", "device_id", dev.DeviceID, "error", err)
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.ListDevices(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "list devices failed", "error", err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "total": len(devices)})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.devices.GetDevice(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleUpdateDeviceConfig(w http.ResponseWriter, r *http.Request) {
	var patch types.DeviceConfigPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	cfg, err := s.devices.UpdateConfig(r.Context(), chi.URLParam(r, "deviceID"), patch)
	if err != nil {
		if service.ErrorCode(err) == "" {
			s.logger.ErrorContext(r.Context(), "update device config failed", "error", err)
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}
