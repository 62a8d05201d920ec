package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/types"
)

const contentTypeProtobuf = "application/x-protobuf"

// Readers short on RAM post the access check as a protobuf message instead
// of JSON.  The schema is small and fixed, so it is encoded by hand:
//
//	message AccessCheckRequest {
//	  string device_id      = 1;
//	  string door_id        = 2;
//	  string card_id        = 3;
//	  string card_uid       = 4;
//	  string credential_raw = 5;
//	  string timestamp      = 6;
//	}
//
//	message AccessCheckResponse {
//	  bool   granted        = 1;
//	  string reason         = 2;
//	  uint32 relay_open_ms  = 3;
//	  string credential_raw = 4;
//	  string credential_exp = 5;
//	  string user_id        = 6;
//	  string user_name      = 7;
//	  string access_level   = 8;
//	  string valid_until    = 9;
//	}
const (
	reqDeviceID      protowire.Number = 1
	reqDoorID        protowire.Number = 2
	reqCardID        protowire.Number = 3
	reqCardUID       protowire.Number = 4
	reqCredentialRaw protowire.Number = 5
	reqTimestamp     protowire.Number = 6

	respGranted       protowire.Number = 1
	respReason        protowire.Number = 2
	respRelayOpenMs   protowire.Number = 3
	respCredentialRaw protowire.Number = 4
	respCredentialExp protowire.Number = 5
	respUserID        protowire.Number = 6
	respUserName      protowire.Number = 7
	respAccessLevel   protowire.Number = 8
	respValidUntil    protowire.Number = 9
)

var errProtoWireType = errors.New("unexpected wire type")

// isProtobuf returns true if the request's Content-Type indicates a
// protobuf payload.
func isProtobuf(r *http.Request) bool {
	ct, _, _ := strings.Cut(r.Header.Get("Content-Type"), ";")
	switch strings.TrimSpace(ct) {
	case contentTypeProtobuf, "application/protobuf", "application/octet-stream":
		return true
	}
	return false
}

func readProtoAccessCheck(r *http.Request) (types.AccessCheckRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return types.AccessCheckRequest{}, err
	}
	return unmarshalAccessCheck(body)
}

func unmarshalAccessCheck(b []byte) (types.AccessCheckRequest, error) {
	var req types.AccessCheckRequest
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return req, protowire.ParseError(n)
		}
		b = b[n:]

		var dst *string
		switch num {
		case reqDeviceID:
			dst = &req.DeviceID
		case reqDoorID:
			dst = &req.DoorID
		case reqCardID:
			dst = &req.CardID
		case reqCardUID:
			dst = &req.CardUID
		case reqTimestamp:
			dst = &req.Timestamp
		case reqCredentialRaw:
			if req.Credential == nil {
				req.Credential = &types.CredentialInput{Format: "jwt"}
			}
			dst = &req.Credential.Raw
		}

		if dst == nil {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return req, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if typ != protowire.BytesType {
			return req, fmt.Errorf("field %d: %w %d", num, errProtoWireType, typ)
		}
		v, n := protowire.ConsumeString(b)
		if n < 0 {
			return req, protowire.ParseError(n)
		}
		*dst = v
		b = b[n:]
	}
	return req, nil
}

func marshalAccessCheckResponse(resp types.AccessCheckResponse) []byte {
	var b []byte
	appendString := func(num protowire.Number, v string) {
		if v == "" {
			return
		}
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, v)
	}

	if resp.Result == types.Allow {
		b = protowire.AppendTag(b, respGranted, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	appendString(respReason, resp.Reason)
	if resp.RelayOpenMs > 0 {
		b = protowire.AppendTag(b, respRelayOpenMs, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(resp.RelayOpenMs))
	}
	if c := resp.Credential; c != nil {
		appendString(respCredentialRaw, c.Raw)
		appendString(respCredentialExp, c.Exp)
	}
	if u := resp.User; u != nil {
		appendString(respUserID, u.UserID)
		appendString(respUserName, u.Name)
	}
	if p := resp.Policy; p != nil {
		appendString(respAccessLevel, string(p.AccessLevel))
		if p.ValidUntil != nil {
			appendString(respValidUntil, *p.ValidUntil)
		}
	}
	return b
}

func writeProtoAccessCheck(w http.ResponseWriter, status int, resp types.AccessCheckResponse) {
	w.Header().Set("Content-Type", contentTypeProtobuf)
	w.WriteHeader(status)
	_, _ = w.Write(marshalAccessCheckResponse(resp))
}
