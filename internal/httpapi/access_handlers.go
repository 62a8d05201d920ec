package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/service"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/types"
)

// handleAccessCheck answers a tap.  Allow and deny are both 200; only a
// malformed request or a server failure is not.
func (s *Server) handleAccessCheck(w http.ResponseWriter, r *http.Request) {
	proto := isProtobuf(r)

	var req types.AccessCheckRequest
	if proto {
		var err error
		if req, err = readProtoAccessCheck(r); err != nil {
			writeError(w, http.StatusBadRequest, service.ErrValidation.Code, "invalid protobuf body")
			return
		}
	} else if !decodeJSON(w, r, &req) {
		return
	}

	// The token, not the body, says which reader is asking.
	dev := DeviceFromContext(r.Context())
	req.DeviceID = dev.DeviceID
	if strings.TrimSpace(req.DoorID) == "" {
		req.DoorID = dev.DoorID
	}

	resp, err := s.access.Check(r.Context(), req)
	if err != nil {
		if service.ErrorCode(err) == "" {
			s.logger.ErrorContext(r.Context(), "access check error", "device_id", req.DeviceID, "error", err)
			resp = types.AccessCheckResponse{Result: types.Deny, Reason: types.ReasonSystemError}
			if proto {
				writeProtoAccessCheck(w, http.StatusInternalServerError, resp)
				return
			}
		}
		writeServiceError(w, err)
		return
	}

	if proto {
		writeProtoAccessCheck(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogBatch(w http.ResponseWriter, r *http.Request) {
	var req types.LogBatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Logs == nil {
		writeError(w, http.StatusBadRequest, service.ErrValidation.Code, "logs must be an array")
		return
	}

	accepted := s.logs.IngestBatch(r.Context(), DeviceFromContext(r.Context()).DeviceID, req.Logs)
	writeJSON(w, http.StatusOK, types.LogBatchResponse{Status: "OK", Accepted: accepted})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lq := types.LogQuery{
		Result: types.Decision(strings.ToUpper(q.Get("result"))),
		DoorID: firstParam(q.Get("door_id"), q.Get("doorId")),
		UserID: firstParam(q.Get("user_id"), q.Get("userId")),
	}
	var ok bool
	if lq.Page, ok = intParam(w, q.Get("page"), "page"); !ok {
		return
	}
	if lq.Limit, ok = intParam(w, q.Get("limit"), "limit"); !ok {
		return
	}
	if lq.StartDate, ok = timeParam(w, firstParam(q.Get("start_date"), q.Get("startDate")), "start_date"); !ok {
		return
	}
	if lq.EndDate, ok = timeParam(w, firstParam(q.Get("end_date"), q.Get("endDate")), "end_date"); !ok {
		return
	}
	switch lq.Result {
	case "", types.Allow, types.Deny:
	default:
		writeError(w, http.StatusBadRequest, service.ErrValidation.Code, "result must be ALLOW or DENY")
		return
	}

	page, err := s.logs.Query(r.Context(), lq)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "log query failed", "error", err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func firstParam(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func intParam(w http.ResponseWriter, v, name string) (int, bool) {
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, service.ErrValidation.Code, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// timeParam accepts epoch milliseconds or RFC3339.
func timeParam(w http.ResponseWriter, v, name string) (*time.Time, bool) {
	if v == "" {
		return nil, true
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		return &t, true
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		writeError(w, http.StatusBadRequest, service.ErrValidation.Code, name+" must be epoch milliseconds or RFC3339")
		return nil, false
	}
	return &t, true
}
